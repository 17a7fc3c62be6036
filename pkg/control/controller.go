// Package control runs the control cycle of one controller: it reads the
// process value, setpoint and grid power, resolves the runtime mode and the
// grid limiter, steps the PID and writes the fenced output.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yvesf/solar-flow-ctrl/pkg/limiter"
	"github.com/yvesf/solar-flow-ctrl/pkg/pid"
	"github.com/yvesf/solar-flow-ctrl/pkg/timemock"
)

var ErrNotFinite = errors.New("value is not finite")

// Controller owns the state of one logical controller. All methods are safe
// for concurrent use; a cycle runs to completion before the next one starts.
type Controller struct {
	name   string
	logger zerolog.Logger
	store  OptionsStore
	reader SensorReader
	writer ActuatorWriter

	m   sync.Mutex
	pid *pid.Controller

	limiterState limiter.State
	mode         RuntimeMode
	hasMode      bool

	// last output handed to the fence, raw and percent
	lastOut    optional
	lastOutPct optional
	lastSPPct  optional

	// last value the actuator accepted
	lastWritten optional
	lastWriteAt time.Time

	manualSP  optional
	manualOut optional
	// manual values as last seen in the options
	optManualSP  optional
	optManualOut optional

	state FlowState
}

func New(store OptionsStore, reader SensorReader, writer ActuatorWriter) *Controller {
	o := store.Options()
	logger := log.With().Str("controller", o.Name).Logger()
	r := BuildRuntimeOptions(o, logger)

	c := &Controller{
		name:         o.Name,
		logger:       logger,
		store:        store,
		reader:       reader,
		writer:       writer,
		pid:          pid.New(r.PID),
		limiterState: limiter.Normal,
	}
	c.optManualSP, c.optManualOut = finiteValue(o.ManualSPValue), finiteValue(o.ManualOutValue)
	c.manualSP, c.manualOut = c.optManualSP, c.optManualOut
	c.state = FlowState{
		Status:         StatusRunning,
		LimiterState:   limiter.Normal,
		RuntimeMode:    r.RuntimeMode,
		Enabled:        r.Enabled,
		ManualSPValue:  c.manualSP.ptr(),
		ManualOutValue: c.manualOut.ptr(),
	}
	return c
}

func finiteValue(v *float64) optional {
	if v == nil || !isFinite(*v) {
		return optional{}
	}
	return some(*v)
}

func (c *Controller) Name() string { return c.name }

// ApplyOptions applies new tuning immediately. The integrator state is kept.
// Manual values changed in the options replace the current ones; values
// set at runtime survive unrelated option changes.
// Changes to the wiring (see OptionsRequireReload) need a new Controller.
func (c *Controller) ApplyOptions(o Options) {
	r := BuildRuntimeOptions(o, c.logger)

	c.m.Lock()
	defer c.m.Unlock()
	c.pid.UpdateConfig(r.PID)
	if v := finiteValue(o.ManualSPValue); v != c.optManualSP {
		c.optManualSP = v
		if v.valid {
			c.manualSP = v
			c.state.ManualSPValue = c.manualSP.ptr()
		}
	}
	if v := finiteValue(o.ManualOutValue); v != c.optManualOut {
		c.optManualOut = v
		if v.valid {
			c.manualOut = v
			c.state.ManualOutValue = c.manualOut.ptr()
		}
	}
	c.logger.Info().
		Float64("kp", r.PID.Kp).Float64("ki", r.PID.Ki).Float64("kd", r.PID.Kd).
		Str("runtime_mode", string(r.RuntimeMode)).
		Msg("options applied")
}

// SetManualSetpoint sets the setpoint used in manual_sp mode, in setpoint units.
func (c *Controller) SetManualSetpoint(v float64) error {
	if !isFinite(v) {
		return fmt.Errorf("manual setpoint: %w", ErrNotFinite)
	}
	c.m.Lock()
	defer c.m.Unlock()
	c.manualSP = some(v)
	c.state.ManualSPValue = c.manualSP.ptr()
	return nil
}

// ResetManualSetpoint forgets the manual setpoint. The next cycle seeds it
// again from the configured setpoint entity.
func (c *Controller) ResetManualSetpoint() {
	c.m.Lock()
	defer c.m.Unlock()
	c.manualSP = optional{}
	c.state.ManualSPValue = nil
}

// SetManualOutput sets the output used in manual_out mode, in output units.
func (c *Controller) SetManualOutput(v float64) error {
	if !isFinite(v) {
		return fmt.Errorf("manual output: %w", ErrNotFinite)
	}
	c.m.Lock()
	defer c.m.Unlock()
	c.manualOut = some(v)
	c.state.ManualOutValue = c.manualOut.ptr()
	return nil
}

// State returns the outcome of the last cycle.
func (c *Controller) State() FlowState {
	c.m.Lock()
	defer c.m.Unlock()
	return c.state
}

// Diagnostics is the full snapshot of a controller.
type Diagnostics struct {
	Name    string         `json:"name"`
	State   FlowState      `json:"state"`
	Options RuntimeOptions `json:"runtime_options"`
	PID     pid.State      `json:"pid_state"`
}

func (c *Controller) Diagnostics() Diagnostics {
	c.m.Lock()
	defer c.m.Unlock()
	r := BuildRuntimeOptions(c.store.Options(), zerolog.Nop())
	return Diagnostics{Name: c.name, State: c.state, Options: r, PID: c.pid.State()}
}

type inputs struct {
	pv, sp, grid optional
}

func (c *Controller) read(ctx context.Context, entityID string, invert bool) optional {
	if entityID == "" {
		return optional{}
	}
	v, ok := c.reader.Read(ctx, entityID)
	if !ok || !isFinite(v) {
		return optional{}
	}
	if invert {
		v = -v
	}
	return some(v)
}

// point is a value for the PID in raw units and percent of its range.
type point struct {
	raw, pct optional
}

// Cycle runs one control cycle. Failures do not return an error, they are
// reported in the status of the returned FlowState.
func (c *Controller) Cycle(ctx context.Context) FlowState {
	c.m.Lock()
	defer c.m.Unlock()

	opts := BuildRuntimeOptions(c.store.Options(), c.logger)
	c.pid.UpdateConfig(opts.PID)

	in := inputs{
		pv:   c.read(ctx, opts.ProcessValueEntity, opts.InvertPV),
		sp:   c.read(ctx, opts.SetpointEntity, opts.InvertSP),
		grid: c.read(ctx, opts.GridPowerEntity, opts.GridPowerInvert),
	}

	prevMode, prevLimiter := c.mode, c.limiterState
	manualSP, manualOut := c.manualSP, c.manualOut
	if !manualSP.valid && in.sp.valid {
		manualSP = in.sp
	}

	mode := opts.RuntimeMode
	modeChanged := c.hasMode && mode != c.mode
	if modeChanged {
		c.logger.Info().Str("from", string(prevMode)).Str("to", string(mode)).Msg("runtime mode changed")
		switch mode {
		case ModeManualSetpoint:
			if in.sp.valid {
				manualSP = in.sp
			}
		case ModeManualOutput:
			if c.lastOut.valid {
				manualOut = c.lastOut
			}
		}
	}

	pv := point{raw: in.pv, pct: toPercent(opts.PV.ToPercent, in.pv)}
	sp := point{raw: in.sp, pct: toPercent(opts.SP.ToPercent, in.sp)}
	if mode == ModeManualSetpoint {
		sp = point{raw: manualSP, pct: toPercent(opts.SP.ToPercent, manualSP)}
	}

	decision, limitRaw := c.evaluateLimiter(opts, in.grid)
	status := StatusRunning
	if decision.Status != "" {
		status = decision.Status
	}
	if decision.Override {
		pv = point{raw: in.grid, pct: some(decision.PV)}
		sp = point{raw: some(limitRaw), pct: some(decision.SP)}
	}

	st := FlowState{
		PV:             pv.raw.ptr(),
		SP:             sp.raw.ptr(),
		PVPercent:      pv.pct.ptr(),
		SPPercent:      sp.pct.ptr(),
		GridPower:      in.grid.ptr(),
		Enabled:        opts.Enabled,
		LimiterState:   decision.State,
		RuntimeMode:    mode,
		ManualSPValue:  manualSP.ptr(),
		ManualOutValue: manualOut.ptr(),
	}

	if !SupportedOutput(opts.OutputEntity) {
		c.logger.Warn().Str("entity", opts.OutputEntity).Msg("unsupported output entity, use number.* or input_number.*")
		st.Status = StatusInvalidOutput
		st.LimiterState = c.limiterState
		c.state = st
		observe(c.name, st)
		return st
	}

	c.manualSP, c.manualOut = manualSP, manualOut
	c.mode, c.hasMode = mode, true

	if !opts.Enabled {
		c.pid.Reset()
		c.setLimiterState(limiter.Normal)
		c.lastOut, c.lastOutPct, c.lastSPPct = optional{}, optional{}, optional{}

		out, written, failed := c.emit(ctx, opts, opts.Output.Min)
		st.Out, st.Written = some(out).ptr(), written
		st.LimiterState = limiter.Normal
		st.Status = StatusDisabled
		if failed {
			st.Status = StatusOutputWriteFailed
		}
		return c.finish(st)
	}

	c.setLimiterState(decision.State)

	switch mode {
	case ModeHold, ModeManualOutput:
		desired := opts.Output.Min
		st.Status = StatusHold
		if mode == ModeHold {
			if c.lastOut.valid {
				desired = c.lastOut.value
			}
		} else {
			st.Status = StatusManualOutput
			if v, ok := manualOut.Get(); ok {
				desired = v
			} else if c.lastOut.valid {
				desired = c.lastOut.value
			}
			c.manualOut = some(desired)
			st.ManualOutValue = c.manualOut.ptr()
		}
		c.output(ctx, opts, desired, &st)
		return c.finish(st)
	}

	pvPct, pvOK := pv.pct.Get()
	spPct, spOK := sp.pct.Get()
	if !pvOK || !spOK {
		c.logger.Debug().Bool("pv", pvOK).Bool("sp", spOK).Msg("missing input, resetting pid")
		c.pid.Reset()
		c.setLimiterState(limiter.Normal)
		c.lastOut, c.lastOutPct, c.lastSPPct = optional{}, optional{}, optional{}
		st.LimiterState = limiter.Normal
		st.Status = StatusMissingInput
		return c.finish(st)
	}

	e := spPct - pvPct
	if opts.PIDMode == PIDModeReverse {
		e = -e
	}
	if decision.State == limiter.Normal && opts.PIDDeadband > 0 && math.Abs(e) < opts.PIDDeadband {
		e = 0
	}

	if last, ok := c.lastOutPct.Get(); ok {
		var reason string
		switch {
		case modeChanged && !prevMode.pidDriven():
			reason = "resume from " + string(prevMode)
		case prevLimiter != decision.State:
			reason = "limiter " + string(decision.State)
		case c.lastSPPct.valid && c.lastSPPct.value != spPct:
			reason = "setpoint changed"
		}
		if reason != "" {
			c.logger.Info().Str("reason", reason).Float64("output_percent", last).Msg("bumpless transfer")
			c.pid.BumplessTransfer(last, e, pvPct)
		}
	}
	c.lastSPPct = some(spPct)

	res := c.pid.Step(pid.StepInput{
		Measurement:        pvPct,
		Error:              e,
		LastOutput:         c.lastOutPct.value,
		HasLastOutput:      c.lastOutPct.valid,
		RateLimiterEnabled: opts.RateLimiterEnabled,
		RateLimit:          opts.RateLimit,
	})

	st.Error = some(res.Error).ptr()
	st.OutputPreRateLimit = toRaw(opts.Output.FromPercent, res.OutputPreRateLimit).ptr()
	st.PTerm = toRaw(opts.Output.WidthFromPercent, res.P).ptr()
	st.ITerm = toRaw(opts.Output.WidthFromPercent, res.I).ptr()
	st.DTerm = toRaw(opts.Output.WidthFromPercent, res.D).ptr()
	st.Status = status

	desired, _ := opts.Output.FromPercent(res.Output)
	c.output(ctx, opts, desired, &st)
	return c.finish(st)
}

// evaluateLimiter runs the grid limiter on the percent scale of the grid
// range. limitRaw is the signed limit in grid units.
func (c *Controller) evaluateLimiter(opts RuntimeOptions, grid optional) (limiter.Decision, float64) {
	limitRaw := opts.LimiterLimitW
	if opts.LimiterType == limiter.Export {
		limitRaw = -limitRaw
	}
	ref, _ := opts.Grid.ToPercent(limitRaw)
	deadband, _ := opts.Grid.WidthToPercent(opts.LimiterDeadbandW)
	cfg := limiter.Config{
		Enabled:   opts.LimiterEnabled,
		Type:      opts.LimiterType,
		Reference: ref,
		Deadband:  deadband,
	}

	gridPct, gridOK := toPercent(opts.Grid.ToPercent, grid).Get()
	return limiter.Evaluate(c.limiterState, cfg, gridPct, gridOK), limitRaw
}

func (c *Controller) setLimiterState(s limiter.State) {
	if s != c.limiterState {
		c.logger.Info().Str("from", string(c.limiterState)).Str("to", string(s)).Msg("grid limiter state changed")
	}
	c.limiterState = s
}

// output fences desired, writes it and records it as the last output.
// A value the fence rejected leaves the last output as it is.
func (c *Controller) output(ctx context.Context, opts RuntimeOptions, desired float64, st *FlowState) {
	out, written, failed := c.emit(ctx, opts, desired)
	if !isFinite(out) {
		st.Out = c.lastOut.ptr()
		return
	}
	c.lastOut = some(out)
	c.lastOutPct = toPercent(opts.Output.ToPercent, c.lastOut)
	st.Out = c.lastOut.ptr()
	st.Written = written
	if failed {
		st.Status = StatusOutputWriteFailed
	}
}

// emit runs desired through the output fence and writes the result if
// needed. It returns the fenced value, whether it was written and whether
// the write failed.
func (c *Controller) emit(ctx context.Context, opts RuntimeOptions, desired float64) (float64, bool, bool) {
	f := opts.Fence()
	if !isFinite(desired) {
		c.logger.Warn().Float64("desired", desired).Msg("skipping non-finite output")
	}
	prev, hasPrev := c.lastWritten.Get()
	value, write := f.Apply(desired, prev, hasPrev)
	if !write && hasPrev && f.KeepaliveDue(c.lastWriteAt) {
		write = true
	}
	if !write {
		return value, false, false
	}

	err := c.writer.Write(ctx, opts.OutputEntity, value)
	if err != nil {
		c.logger.Error().Err(err).Str("entity", opts.OutputEntity).Float64("value", value).Msg("failed to write output")
		metricWriteFailures.With(c.name).Add(1)
		return value, false, true
	}
	c.lastWritten = some(value)
	c.lastWriteAt = timemock.Now()
	c.logger.Debug().Str("entity", opts.OutputEntity).Float64("value", value).Msg("output written")
	return value, true, false
}

func (c *Controller) finish(st FlowState) FlowState {
	c.state = st
	observe(c.name, st)
	c.logger.Debug().
		Str("status", st.Status).
		Str("limiter", string(st.LimiterState)).
		Str("mode", string(st.RuntimeMode)).
		Interface("out", st.Out).
		Interface("error", st.Error).
		Msg("cycle")
	return st
}

// Shutdown writes min_output when the options ask for it.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.m.Lock()
	defer c.m.Unlock()

	o := c.store.Options()
	opts := BuildRuntimeOptions(o, c.logger)
	if !opts.Enabled || !SupportedOutput(opts.OutputEntity) || !o.ResetOnShutdown {
		return nil
	}
	c.logger.Info().Float64("value", opts.Output.Min).Msg("shutdown: reset output")
	err := c.writer.Write(ctx, opts.OutputEntity, opts.Output.Min)
	if err != nil {
		return fmt.Errorf("failed to reset output of %s: %w", c.name, err)
	}
	c.lastWritten = some(opts.Output.Min)
	c.lastWriteAt = timemock.Now()
	return nil
}

func toPercent(conv func(float64) (float64, bool), v optional) optional {
	if !v.valid {
		return optional{}
	}
	p, ok := conv(v.value)
	return optional{value: p, valid: ok}
}

func toRaw(conv func(float64) (float64, bool), pct float64) optional {
	v, ok := conv(pct)
	return optional{value: v, valid: ok}
}
