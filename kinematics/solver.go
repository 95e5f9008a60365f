package kinematics

import (
	"context"
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// ErrUnreachable is returned when no joint configuration places the tool
// within tolerance of the requested point.
var ErrUnreachable = errors.New("target pose is unreachable")

const (
	DefaultTolerance = 1.0 // mm
	DefaultRestarts  = 6

	// keeps solutions near the seed when the chain is redundant
	seedWeight = 1e-4
)

// Chain solves position-only kinematics for a Model.
type Chain struct {
	model     *Model
	tolerance float64
	restarts  int
	logger    logging.Logger
}

// NewChain wraps model. A nil model selects the embedded default arm.
func NewChain(model *Model, logger logging.Logger) (*Chain, error) {
	if model == nil {
		var err error
		if model, err = DefaultModel(); err != nil {
			return nil, err
		}
	}
	return &Chain{
		model:     model,
		tolerance: DefaultTolerance,
		restarts:  DefaultRestarts,
		logger:    logger,
	}, nil
}

// SetTolerance changes the acceptable residual in millimetres.
func (c *Chain) SetTolerance(mm float64) {
	if mm > 0 {
		c.tolerance = mm
	}
}

// Model returns the chain description.
func (c *Chain) Model() *Model { return c.model }

// Forward returns the tool point in millimetres for angles in radians
// (base slot first).
func (c *Chain) Forward(angles []float64) (r3.Vector, error) {
	if len(angles) != c.model.DOF()+1 {
		return r3.Vector{}, errors.Errorf("expected %d angles, got %d", c.model.DOF()+1, len(angles))
	}
	pose, err := referenceframe.ComputeOOBPosition(c.model.Frame(), angles[1:])
	if err != nil {
		return r3.Vector{}, errors.Wrap(err, "forward kinematics")
	}
	return pose.Point(), nil
}

// Inverse finds joint angles (radians, base slot first) that put the tool at
// target. The search starts at seed and retries from perturbed seeds.
func (c *Chain) Inverse(ctx context.Context, target r3.Vector, seed []float64) ([]float64, error) {
	n := c.model.DOF()
	if len(seed) != n+1 {
		seed = make([]float64, n+1)
	}
	if target.Norm() > c.model.Reach()+c.tolerance {
		return nil, errors.Wrapf(ErrUnreachable, "(%.1f, %.1f, %.1f) is %.1f mm from base, reach is %.1f mm",
			target.X, target.Y, target.Z, target.Norm(), c.model.Reach())
	}

	start := append([]float64(nil), seed[1:]...)
	rng := rand.New(rand.NewSource(int64(math.Float64bits(target.X + 3*target.Y + 7*target.Z))))

	var (
		best     []float64
		bestDist = math.Inf(1)
	)
	for attempt := 0; attempt <= c.restarts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		init := start
		if attempt > 0 {
			init = c.perturb(start, rng, float64(attempt)/float64(c.restarts))
		}
		q, dist := c.solveFrom(target, init, start)
		if dist < bestDist {
			best, bestDist = q, dist
		}
		if bestDist <= c.tolerance {
			break
		}
	}

	if bestDist > c.tolerance {
		return nil, errors.Wrapf(ErrUnreachable, "best residual %.2f mm at (%.1f, %.1f, %.1f)",
			bestDist, target.X, target.Y, target.Z)
	}
	if c.logger != nil {
		c.logger.Debugf("ik residual %.4f mm", bestDist)
	}
	return append([]float64{0}, best...), nil
}

func (c *Chain) solveFrom(target r3.Vector, init, anchor []float64) ([]float64, float64) {
	objective := func(x []float64) float64 {
		p, err := c.model.point(x)
		if err != nil {
			return math.Inf(1)
		}
		d := p.Sub(target)
		var reg float64
		for i := range x {
			delta := x[i] - anchor[i]
			reg += delta * delta
		}
		return d.Dot(d) + seedWeight*reg
	}
	problem := optimize.Problem{
		Func: objective,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, objective, x, nil)
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: 1e-8,
		MajorIterations:   400,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Iterations: 30,
		},
	}

	x := init
	// line search stalls come back as errors but still carry the best point
	result, err := optimize.Minimize(problem, init, settings, &optimize.BFGS{})
	if result != nil {
		x = result.X
	} else if c.logger != nil {
		c.logger.Debugf("ik search aborted: %v", err)
	}

	q := c.clamp(x)
	p, err := c.model.point(q)
	if err != nil {
		return q, math.Inf(1)
	}
	return q, p.Distance(target)
}

// clamp wraps each angle into (-pi, pi] and then into the joint's limits.
func (c *Chain) clamp(x []float64) []float64 {
	q := make([]float64, len(x))
	for i, a := range x {
		a = math.Remainder(a, 2*math.Pi)
		lo, hi := c.model.limit(i)
		q[i] = math.Max(lo, math.Min(hi, a))
	}
	return q
}

func (c *Chain) perturb(start []float64, rng *rand.Rand, scale float64) []float64 {
	q := append([]float64(nil), start...)
	noise := make([]float64, len(q))
	for i := range noise {
		noise[i] = (rng.Float64()*2 - 1) * math.Pi * scale
	}
	floats.Add(q, noise)
	return q
}
