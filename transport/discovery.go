package transport

import (
	"path/filepath"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port that could host the arm controller.
type PortInfo struct {
	Name         string `json:"name"`
	Suffix       string `json:"suffix"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListCandidatePorts enumerates serial ports and keeps the ones whose names
// look like USB serial adapters.
func ListCandidatePorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ports))
	byName := make(map[string]*enumerator.PortDetails, len(ports))
	for _, p := range ports {
		names = append(names, p.Name)
		byName[p.Name] = p
	}

	var out []PortInfo
	for _, name := range filterCandidatePorts(names) {
		d := byName[name]
		out = append(out, PortInfo{
			Name:         name,
			Suffix:       extractPortSuffix(name),
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return out, nil
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

var candidatePrefixes = []string{
	// Linux
	"/dev/ttyUSB", "/dev/ttyACM",
	// macOS
	"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial",
	// Windows
	"COM",
}

func isCandidatePort(port string) bool {
	for _, prefix := range candidatePrefixes {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	return false
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	for _, prefix := range []string{"tty.", "cu."} {
		if strings.HasPrefix(base, prefix+"usb") {
			return strings.TrimPrefix(base, prefix)
		}
	}
	return base
}
