// Package gcode tokenizes G-code style motion programs into commands.
package gcode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind distinguishes preparatory (G) from miscellaneous (M) commands.
type Kind byte

const (
	KindG Kind = 'G'
	KindM Kind = 'M'
)

func (k Kind) String() string {
	return string(rune(k))
}

// Params is the set of parameter letters attached to a command.
var Params = []byte{'X', 'Y', 'Z', 'F', 'I', 'J', 'K', 'R', 'S'}

// Command is one G or M word plus the parameters that followed it on the line.
type Command struct {
	Kind   Kind
	Number float64
	Args   map[byte]float64
}

// Code returns the integer code, e.g. 1 for G1 and 30 for M30.
func (c Command) Code() int {
	return int(c.Number)
}

// Is reports whether the command is kind k with code n.
func (c Command) Is(k Kind, n int) bool {
	return c.Kind == k && c.Number == float64(n)
}

// Has reports whether parameter letter p was present.
func (c Command) Has(p byte) bool {
	_, ok := c.Args[p]
	return ok
}

// Get returns parameter p and whether it was present.
func (c Command) Get(p byte) (float64, bool) {
	v, ok := c.Args[p]
	return v, ok
}

// String renders the command back into canonical text (e.g. "G1 X10 Y-2.5 F300").
func (c Command) String() string {
	var b strings.Builder
	b.WriteString(c.Kind.String())
	b.WriteString(strconv.FormatFloat(c.Number, 'f', -1, 64))

	keys := make([]byte, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return paramOrder(keys[i]) < paramOrder(keys[j]) })
	for _, k := range keys {
		fmt.Fprintf(&b, " %c%s", k, strconv.FormatFloat(c.Args[k], 'f', -1, 64))
	}
	return b.String()
}

func paramOrder(p byte) int {
	for i, q := range Params {
		if p == q {
			return i
		}
	}
	return len(Params)
}
