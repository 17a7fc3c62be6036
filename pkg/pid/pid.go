// Package pid implements the PID engine of the control loop.
//
// The engine works on a normalised 0..100 percent domain. The derivative is
// taken on the measurement to avoid a kick on setpoint changes, and the
// integral is protected against windup by conditional integration combined
// with a tracking correction towards the actually applied output.
package pid

import (
	"math"
	"time"

	"github.com/yvesf/solar-flow-ctrl/pkg/timemock"
)

const (
	// integralSpanFactor bounds the integral to a multiple of the output span.
	integralSpanFactor = 5.0
	minKpForTracking   = 0.001
	minDt              = 1e-6
	minDtDerivative    = 1e-4
)

// Config holds the tuning of the engine. It is replaced as a whole.
type Config struct {
	Kp        float64 `json:"kp"`
	Ki        float64 `json:"ki"`
	Kd        float64 `json:"kd"`
	MinOutput float64 `json:"min_output"`
	MaxOutput float64 `json:"max_output"`
}

// DefaultConfig returns gains of a pure P controller on the percent domain.
func DefaultConfig() Config {
	return Config{Kp: 1, MinOutput: 0, MaxOutput: 100}
}

// StepInput is the input of one control evaluation. All values are percent.
type StepInput struct {
	Measurement float64
	Error       float64
	// LastOutput is the output applied in the previous cycle, if any.
	LastOutput    float64
	HasLastOutput bool
	// RateLimit is the maximum output change in percent per second.
	RateLimiterEnabled bool
	RateLimit          float64
}

// StepResult is the outcome of one control evaluation. All values are percent.
type StepResult struct {
	Output             float64 `json:"output"`
	OutputPreRateLimit float64 `json:"output_pre_rate_limit"`
	Error              float64 `json:"error"`
	P                  float64 `json:"p_term"`
	I                  float64 `json:"i_term"`
	D                  float64 `json:"d_term"`
}

// State is a copy of the internal state for diagnostics.
type State struct {
	Integral           float64   `json:"integral"`
	PrevMeasurement    float64   `json:"prev_measurement"`
	HasPrevMeasurement bool      `json:"has_prev_measurement"`
	PrevError          float64   `json:"prev_error"`
	PrevTime           time.Time `json:"prev_time"`
}

// Controller is a single PID instance. It is not safe for concurrent use;
// the owning control loop serialises all calls.
type Controller struct {
	cfg Config
	kaw float64

	integral        float64
	prevMeasurement float64
	hasPrev         bool
	prevError       float64
	prevTime        time.Time
}

func New(cfg Config) *Controller {
	c := &Controller{}
	c.UpdateConfig(cfg)
	return c
}

// UpdateConfig replaces gains and limits without touching accumulated state.
func (c *Controller) UpdateConfig(cfg Config) {
	c.cfg = cfg
	c.kaw = 1 / math.Max(cfg.Kp, minKpForTracking)
}

func (c *Controller) Config() Config {
	return c.cfg
}

// Reset zeroes the integral and forgets the previous measurement and time.
// The next Step runs with dt=0.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevMeasurement = 0
	c.hasPrev = false
	c.prevError = 0
	c.prevTime = time.Time{}
}

func (c *Controller) State() State {
	return State{
		Integral:           c.integral,
		PrevMeasurement:    c.prevMeasurement,
		HasPrevMeasurement: c.hasPrev,
		PrevError:          c.prevError,
		PrevTime:           c.prevTime,
	}
}

// elapsed returns seconds since the previous Step or BumplessTransfer, 0 for
// the first call after construction or Reset.
func (c *Controller) elapsed(now time.Time) float64 {
	if c.prevTime.IsZero() {
		return 0
	}
	return math.Max(minDt, now.Sub(c.prevTime).Seconds())
}

// Step runs one control evaluation.
func (c *Controller) Step(in StepInput) StepResult {
	now := timemock.Now()
	dt := c.elapsed(now)

	var dMeasurement float64
	if c.hasPrev && dt >= minDtDerivative {
		dMeasurement = (in.Measurement - c.prevMeasurement) / dt
	}

	if c.cfg.Ki == 0 {
		// no integral action, a left over accumulator must not bias the output
		c.integral = 0
	}

	p := c.cfg.Kp * in.Error
	i := c.integral
	d := -c.cfg.Kd * dMeasurement

	u := p + i + d
	uSat := clamp(u, c.cfg.MinOutput, c.cfg.MaxOutput)

	rateLimiting := in.RateLimiterEnabled && in.RateLimit > 0 && in.HasLastOutput && dt > 0
	uOut := uSat
	if rateLimiting {
		maxDelta := in.RateLimit * dt
		uOut = clamp(uSat, in.LastOutput-maxDelta, in.LastOutput+maxDelta)
	}

	if dt > 0 && c.cfg.Ki != 0 {
		saturated := u < c.cfg.MinOutput || u > c.cfg.MaxOutput
		rateLimited := rateLimiting && uOut != uSat

		var update float64
		if !saturated && !rateLimited {
			update = c.cfg.Ki * in.Error * dt
		} else {
			// tracking pulls the integral towards the applied output, at most
			// the full difference per step
			update = math.Min(1, c.kaw*dt) * (uOut - u)
		}
		c.integral = c.boundIntegral(c.integral + update)
	}

	c.prevMeasurement = in.Measurement
	c.hasPrev = true
	c.prevTime = now
	c.prevError = in.Error

	return StepResult{
		Output:             uOut,
		OutputPreRateLimit: uSat,
		Error:              in.Error,
		P:                  p,
		I:                  i,
		D:                  d,
	}
}

// BumplessTransfer back-solves the integral so that the next Step with
// unchanged inputs reproduces currentOutput.
// The measurement is re-anchored here, so the derivative seen by that next
// Step is zero and kp*err + integral = currentOutput.
// Without integral action there is nothing to back-solve: the integral is
// cleared and the next Step returns kp*err again.
func (c *Controller) BumplessTransfer(currentOutput, err, measurement float64) {
	if c.cfg.Ki == 0 {
		c.integral = 0
	} else {
		c.integral = c.boundIntegral(currentOutput - c.cfg.Kp*err)
	}
	c.prevMeasurement = measurement
	c.hasPrev = true
	c.prevTime = timemock.Now()
	c.prevError = err
}

func (c *Controller) boundIntegral(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	span := math.Abs(c.cfg.MaxOutput - c.cfg.MinOutput)
	if span == 0 {
		return v
	}
	limit := span * integralSpanFactor
	return clamp(v, -limit, limit)
}

func clamp(v, min, max float64) float64 {
	return math.Max(min, math.Min(max, v))
}
