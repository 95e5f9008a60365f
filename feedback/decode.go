// Package feedback decodes joint telemetry from the arm and turns it into
// tool positions.
package feedback

import (
	"math"
	"strconv"
	"strings"
)

// DefaultGearRatio converts raw legacy positions to degrees.
const DefaultGearRatio = 50.0

// Sample is one decoded joint reading. Joint is zero based.
type Sample struct {
	Joint       int
	PositionDeg float64
	Voltage     float64
	HasVoltage  bool
}

// Codec decodes telemetry lines for an arm with a fixed joint count.
type Codec struct {
	Joints    int
	GearRatio float64
}

// Decode recognises the structured form "ID:<1-based>,POS:<deg>,VOL:<v>" and
// the legacy form "FB:<0-based>,<raw>,<v>". Anything else, or a joint id out of
// range, yields ok == false.
func (c Codec) Decode(line string) (Sample, bool) {
	line = strings.TrimSpace(line)
	var (
		s  Sample
		ok bool
	)
	switch {
	case strings.HasPrefix(line, "FB:"):
		s, ok = c.decodeLegacy(strings.TrimPrefix(line, "FB:"))
	case strings.HasPrefix(line, "ID:"):
		s, ok = decodeStructured(line)
	}
	if !ok || s.Joint < 0 || s.Joint >= c.Joints {
		return Sample{}, false
	}
	return s, true
}

func decodeStructured(line string) (Sample, bool) {
	var (
		s             Sample
		hasID, hasPos bool
	)
	for _, field := range strings.Split(line, ",") {
		key, val, found := strings.Cut(strings.TrimSpace(field), ":")
		if !found {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "ID":
			id, err := strconv.Atoi(val)
			if err != nil {
				return Sample{}, false
			}
			s.Joint = id - 1
			hasID = true
		case "POS":
			pos, ok := parseFinite(val)
			if !ok {
				return Sample{}, false
			}
			s.PositionDeg = pos
			hasPos = true
		case "VOL":
			v, ok := parseFinite(val)
			if !ok {
				continue
			}
			s.Voltage = v
			s.HasVoltage = true
		}
	}
	return s, hasID && hasPos
}

func (c Codec) decodeLegacy(body string) (Sample, bool) {
	parts := strings.Split(body, ",")
	if len(parts) != 3 {
		return Sample{}, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Sample{}, false
	}
	raw, ok := parseFinite(strings.TrimSpace(parts[1]))
	if !ok {
		return Sample{}, false
	}
	volt, ok := parseFinite(strings.TrimSpace(parts[2]))
	if !ok {
		return Sample{}, false
	}
	ratio := c.GearRatio
	if ratio == 0 {
		ratio = DefaultGearRatio
	}
	return Sample{Joint: id, PositionDeg: raw / ratio, Voltage: volt, HasVoltage: true}, true
}

// parseFinite rejects NaN and infinities, which would poison the traced path.
func parseFinite(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
