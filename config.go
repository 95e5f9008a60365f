package gcode_arm

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gcode_arm/runner"
	"gcode_arm/session"
	"gcode_arm/transport"
)

// Config is the attribute block of a gcode runner service.
type Config struct {
	// Serial communication settings
	Port      string  `json:"port"`                 // Required: serial port of the arm controller
	Baudrate  int     `json:"baudrate,omitempty"`   // default: 115200
	GearRatio float64 `json:"gear_ratio,omitempty"` // joint degrees to controller units (default: 50)

	// Program
	ProgramFile    string `json:"program_file,omitempty"`
	RepeatCount    int    `json:"repeat_count,omitempty"`
	RepeatInfinite bool   `json:"repeat_infinite,omitempty"`
	Autostart      bool   `json:"autostart,omitempty"`

	// Pacing, in milliseconds
	LineDelayMs    int `json:"line_delay_ms,omitempty"`     // default: 100
	PassDelayMs    int `json:"pass_delay_ms,omitempty"`     // default: 500
	FeedDelayCapMs int `json:"feed_delay_cap_ms,omitempty"` // default: 1000

	ResetStatePerPass bool `json:"reset_state_per_pass,omitempty"`

	// Kinematics
	KinematicsFile string  `json:"kinematics_file,omitempty"` // default: embedded 7 joint chain
	IKToleranceMm  float64 `json:"ik_tolerance_mm,omitempty"` // default: 1.0

	TrajectoryCapacity int `json:"trajectory_capacity,omitempty"` // default: 1000

	// Optional HTTP API, e.g. "localhost:8090"
	HTTPAddr string `json:"http_addr,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, fmt.Errorf("%s: serial port must be specified", path)
	}

	// Set defaults
	if cfg.Baudrate == 0 {
		cfg.Baudrate = transport.DefaultBaudrate
	}
	if cfg.GearRatio == 0 {
		cfg.GearRatio = transport.DefaultGearRatio
	}

	// Validate ranges
	if cfg.Baudrate < 0 {
		return nil, nil, fmt.Errorf("%s: baudrate must be positive, got %d", path, cfg.Baudrate)
	}
	if cfg.GearRatio < 0 {
		return nil, nil, fmt.Errorf("%s: gear_ratio must be positive, got %v", path, cfg.GearRatio)
	}
	if cfg.RepeatCount < 0 {
		return nil, nil, fmt.Errorf("%s: repeat_count must not be negative, got %d", path, cfg.RepeatCount)
	}
	for name, v := range map[string]int{
		"line_delay_ms":       cfg.LineDelayMs,
		"pass_delay_ms":       cfg.PassDelayMs,
		"feed_delay_cap_ms":   cfg.FeedDelayCapMs,
		"trajectory_capacity": cfg.TrajectoryCapacity,
	} {
		if v < 0 {
			return nil, nil, fmt.Errorf("%s: %s must not be negative, got %d", path, name, v)
		}
	}
	if cfg.IKToleranceMm < 0 {
		return nil, nil, fmt.Errorf("%s: ik_tolerance_mm must not be negative, got %v", path, cfg.IKToleranceMm)
	}
	if cfg.Autostart && cfg.ProgramFile == "" {
		return nil, nil, fmt.Errorf("%s: autostart requires program_file", path)
	}

	return nil, nil, nil
}

// Repeat is the repeat request the config describes.
func (cfg *Config) Repeat() runner.Repeat {
	switch {
	case cfg.RepeatInfinite:
		return runner.Repeat{Enabled: true, Infinite: true, Count: 1}
	case cfg.RepeatCount > 1:
		return runner.Repeat{Enabled: true, Count: cfg.RepeatCount}
	}
	return runner.Repeat{Count: 1}
}

func (cfg *Config) TransportConfig() transport.Config {
	return transport.Config{Port: cfg.Port, Baudrate: cfg.Baudrate, GearRatio: cfg.GearRatio}
}

func (cfg *Config) SessionConfig() session.Config {
	return session.Config{
		GearRatio:      cfg.GearRatio,
		KinematicsFile: resolveDataPath(cfg.KinematicsFile),
		IKTolerance:    cfg.IKToleranceMm,
		Timing: runner.Timing{
			LineDelay: millis(cfg.LineDelayMs),
			PassDelay: millis(cfg.PassDelayMs),
		},
		FeedDelayCap:       millis(cfg.FeedDelayCapMs),
		ResetStatePerPass:  cfg.ResetStatePerPass,
		TrajectoryCapacity: cfg.TrajectoryCapacity,
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// resolveDataPath places relative paths under VIAM_MODULE_DATA.
func resolveDataPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, p)
}
