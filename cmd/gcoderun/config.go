package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	gcodeArm "gcode_arm"
)

// ─── File config ────────────────────────────────────────────────────────

type SerialConfig struct {
	Port      string  `yaml:"port"`
	Baudrate  int     `yaml:"baudrate"`
	GearRatio float64 `yaml:"gear_ratio"`
}

type ProgramConfig struct {
	File              string `yaml:"file"`
	Repeat            int    `yaml:"repeat"`
	Infinite          bool   `yaml:"infinite"`
	Autostart         bool   `yaml:"autostart"`
	ResetStatePerPass bool   `yaml:"reset_state_per_pass"`
}

type TimingConfig struct {
	LineDelayMs    int `yaml:"line_delay_ms"`
	PassDelayMs    int `yaml:"pass_delay_ms"`
	FeedDelayCapMs int `yaml:"feed_delay_cap_ms"`
}

type KinematicsConfig struct {
	File        string  `yaml:"file"`
	ToleranceMm float64 `yaml:"tolerance_mm"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// RunConfig is the top-level structure of a gcoderun yaml file.
type RunConfig struct {
	Serial     SerialConfig     `yaml:"serial"`
	Program    ProgramConfig    `yaml:"program"`
	Timing     TimingConfig     `yaml:"timing"`
	Kinematics KinematicsConfig `yaml:"kinematics"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// LoadRunConfig reads and parses a gcoderun yaml file.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run config: %w", err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse run config: %w", err)
	}
	return &cfg, nil
}

// ServiceConfig maps the file layout onto the service attributes so both
// entry points share one set of defaults and checks.
func (rc *RunConfig) ServiceConfig() *gcodeArm.Config {
	return &gcodeArm.Config{
		Port:              rc.Serial.Port,
		Baudrate:          rc.Serial.Baudrate,
		GearRatio:         rc.Serial.GearRatio,
		ProgramFile:       rc.Program.File,
		RepeatCount:       rc.Program.Repeat,
		RepeatInfinite:    rc.Program.Infinite,
		Autostart:         rc.Program.Autostart,
		ResetStatePerPass: rc.Program.ResetStatePerPass,
		LineDelayMs:       rc.Timing.LineDelayMs,
		PassDelayMs:       rc.Timing.PassDelayMs,
		FeedDelayCapMs:    rc.Timing.FeedDelayCapMs,
		KinematicsFile:    rc.Kinematics.File,
		IKToleranceMm:     rc.Kinematics.ToleranceMm,
		HTTPAddr:          rc.HTTP.Addr,
	}
}
