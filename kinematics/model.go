// Package kinematics is the gateway between Cartesian targets and joint angles
// for a serial chain of revolute joints.
package kinematics

import (
	_ "embed"
	"encoding/json"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/referenceframe"
)

//go:embed arm7.json
var arm7ModelJSON []byte

const (
	defaultModelName = "arm7"
	revoluteJoint    = "revolute"
)

// Model is a revolute chain loaded from a referenceframe model file. Angle
// vectors exchanged with the chain carry a fixed base slot at index 0
// followed by one entry per joint.
type Model struct {
	frame  referenceframe.Model
	limits []referenceframe.Limit
	reach  float64
}

// DefaultModel returns the embedded seven joint arm.
func DefaultModel() (*Model, error) {
	return ParseModel(arm7ModelJSON, defaultModelName)
}

// LoadModel reads a model file in referenceframe json format from disk.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading kinematic model %s", path)
	}
	return ParseModel(data, "")
}

// ParseModel decodes and validates a model file. Joints with neither min nor
// max set get a full turn of travel.
func ParseModel(data []byte, name string) (*Model, error) {
	cfg := &referenceframe.ModelConfigJSON{
		OriginalFile: &referenceframe.ModelFile{
			Bytes:     data,
			Extension: "json",
		},
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal kinematic model")
	}
	if len(cfg.Joints) == 0 {
		return nil, errors.New("kinematic model has no joints")
	}
	for i, j := range cfg.Joints {
		if j.Type != revoluteJoint {
			return nil, errors.Errorf("joint %s is %q, only revolute joints are supported", j.ID, j.Type)
		}
		if j.Axis.X == 0 && j.Axis.Y == 0 && j.Axis.Z == 0 {
			return nil, errors.Errorf("joint %s has a zero rotation axis", j.ID)
		}
		if j.Min == 0 && j.Max == 0 {
			cfg.Joints[i].Min, cfg.Joints[i].Max = -180, 180
		}
		if cfg.Joints[i].Min > cfg.Joints[i].Max {
			return nil, errors.Errorf("joint %s has min %v > max %v", j.ID, j.Min, j.Max)
		}
	}

	if name == "" {
		name = cfg.Name
	}
	frame, err := cfg.ParseConfig(name)
	if err != nil {
		return nil, errors.Wrap(err, "building kinematic model")
	}

	var reach float64
	for _, l := range cfg.Links {
		reach += l.Translation.Norm()
	}
	return &Model{
		frame:  frame,
		limits: frame.DoF(),
		reach:  reach,
	}, nil
}

// Frame is the underlying referenceframe model.
func (m *Model) Frame() referenceframe.Model { return m.frame }

// DOF is the number of driven joints.
func (m *Model) DOF() int { return len(m.limits) }

// Reach is the sum of link offsets, an upper bound on how far the tool can be
// from the base origin.
func (m *Model) Reach() float64 { return m.reach }

// point is the tool position for joint angles q in radians, without the base
// slot. Inputs outside the joint limits still produce a pose.
func (m *Model) point(q []float64) (r3.Vector, error) {
	pose, err := m.frame.Transform(q)
	if pose == nil {
		return r3.Vector{}, err
	}
	return pose.Point(), nil
}

// limit returns joint i's bounds in radians.
func (m *Model) limit(i int) (float64, float64) {
	return m.limits[i].Min, m.limits[i].Max
}
