package gcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	t.Run("single motion command", func(t *testing.T) {
		cmds := ParseLine("G1 X10 Y20 Z30 F500")
		require.Len(t, cmds, 1)
		assert.Equal(t, KindG, cmds[0].Kind)
		assert.Equal(t, 1, cmds[0].Code())
		assert.Equal(t, map[byte]float64{'X': 10, 'Y': 20, 'Z': 30, 'F': 500}, cmds[0].Args)
	})

	t.Run("several commands on one line", func(t *testing.T) {
		cmds := ParseLine("G91 G1 X5 M0")
		require.Len(t, cmds, 3)
		assert.True(t, cmds[0].Is(KindG, 91))
		assert.Empty(t, cmds[0].Args)
		assert.True(t, cmds[1].Is(KindG, 1))
		assert.Equal(t, 5.0, cmds[1].Args['X'])
		assert.True(t, cmds[2].Is(KindM, 0))
	})

	t.Run("lowercase and signed values", func(t *testing.T) {
		cmds := ParseLine("g0 x-1.5 y+.25")
		require.Len(t, cmds, 1)
		assert.Equal(t, -1.5, cmds[0].Args['X'])
		assert.Equal(t, 0.25, cmds[0].Args['Y'])
	})

	t.Run("parameters before any command are dropped", func(t *testing.T) {
		cmds := ParseLine("X10 Y10 G1 Z2")
		require.Len(t, cmds, 1)
		assert.Equal(t, map[byte]float64{'Z': 2}, cmds[0].Args)
		assert.Empty(t, ParseLine("X1 Y2"))
	})

	t.Run("bare code defaults to zero", func(t *testing.T) {
		cmds := ParseLine("G X1")
		require.Len(t, cmds, 1)
		assert.Equal(t, 0, cmds[0].Code())
		assert.Equal(t, 1.0, cmds[0].Args['X'])

		cmds = ParseLine("M-")
		require.Len(t, cmds, 1)
		assert.True(t, cmds[0].Is(KindM, 0))
	})

	t.Run("malformed parameter skipped", func(t *testing.T) {
		cmds := ParseLine("G1 X. Y3")
		require.Len(t, cmds, 1)
		assert.False(t, cmds[0].Has('X'))
		assert.True(t, cmds[0].Has('Y'))
	})

	t.Run("comments", func(t *testing.T) {
		assert.Empty(t, ParseLine("; only a comment"))
		assert.Empty(t, ParseLine("(setup block)"))
		cmds := ParseLine("G1 X1 ; Y99")
		require.Len(t, cmds, 1)
		assert.False(t, cmds[0].Has('Y'))
	})

	t.Run("garbage", func(t *testing.T) {
		assert.Empty(t, ParseLine("hello there"))
		assert.Empty(t, ParseLine(""))
	})
}

func TestIsComment(t *testing.T) {
	assert.True(t, IsComment("(tool change)"))
	assert.True(t, IsComment("   ; note"))
	assert.True(t, IsComment(""))
	assert.False(t, IsComment("G1 X1 (inline)"))
}

func TestCommandString(t *testing.T) {
	cmds := ParseLine("G1 F300 Y-2.5 X10")
	require.Len(t, cmds, 1)
	assert.Equal(t, "G1 X10 Y-2.5 F300", cmds[0].String())
}

func TestLoadProgram(t *testing.T) {
	src := "G21\n\n  G90  \r\n\t\nG1 X10 ; go\n"
	lines, err := LoadProgram(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"G21", "G90", "G1 X10 ; go"}, lines)
	assert.Equal(t, lines, SplitProgram(src))
}
