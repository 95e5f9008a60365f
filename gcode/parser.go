package gcode

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var tokenPattern = regexp.MustCompile(`([GMXYZFIJKRS])([+-]?\d*\.?\d*)`)

// StripComment drops everything after the first ';' and trims the result.
func StripComment(line string) string {
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

// IsComment reports whether a line carries no executable content: blank after
// comment stripping, or a parenthesised comment line.
func IsComment(line string) bool {
	ln := StripComment(line)
	return ln == "" || strings.HasPrefix(ln, "(")
}

// ParseLine tokenizes a single program line. A G or M word opens a new command
// and every other letter attaches to the command most recently opened.
// Parameters seen before the first G/M word have no owner and are dropped.
// ParseLine never fails; garbage in yields an empty slice.
func ParseLine(line string) []Command {
	ln := strings.ToUpper(StripComment(line))
	if ln == "" || strings.HasPrefix(ln, "(") {
		return nil
	}

	var (
		cmds    []Command
		current *Command
	)
	for _, m := range tokenPattern.FindAllStringSubmatch(ln, -1) {
		letter, literal := m[1][0], m[2]
		switch letter {
		case 'G', 'M':
			if current != nil {
				cmds = append(cmds, *current)
			}
			// bare or unparseable codes read as 0
			n, err := strconv.ParseFloat(literal, 64)
			if err != nil {
				n = 0
			}
			current = &Command{Kind: Kind(letter), Number: n, Args: map[byte]float64{}}
		default:
			if current == nil {
				continue
			}
			v, err := strconv.ParseFloat(literal, 64)
			if err != nil {
				continue
			}
			current.Args[letter] = v
		}
	}
	if current != nil {
		cmds = append(cmds, *current)
	}
	return cmds
}

// LoadProgram reads program text and returns its non-blank lines, trimmed, in order.
func LoadProgram(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		ln := strings.TrimSpace(sc.Text())
		if ln == "" {
			continue
		}
		lines = append(lines, ln)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading program")
	}
	return lines, nil
}

// SplitProgram is LoadProgram over an in-memory string.
func SplitProgram(text string) []string {
	lines, _ := LoadProgram(strings.NewReader(text))
	return lines
}
