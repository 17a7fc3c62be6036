package control

import (
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/yvesf/solar-flow-ctrl/pkg/fence"
	"github.com/yvesf/solar-flow-ctrl/pkg/limiter"
	"github.com/yvesf/solar-flow-ctrl/pkg/normalize"
	"github.com/yvesf/solar-flow-ctrl/pkg/pid"
)

type PIDMode string

const (
	PIDModeDirect  PIDMode = "direct"
	PIDModeReverse PIDMode = "reverse"
)

type RuntimeMode string

const (
	ModeAutoSetpoint   RuntimeMode = "auto_sp"
	ModeManualSetpoint RuntimeMode = "manual_sp"
	ModeHold           RuntimeMode = "hold"
	ModeManualOutput   RuntimeMode = "manual_out"
)

// pidDriven is true for the modes in which the PID computes the output.
func (m RuntimeMode) pidDriven() bool {
	return m == ModeAutoSetpoint || m == ModeManualSetpoint
}

const minUpdateInterval = time.Second

// Options is the raw configuration of one controller as read from the
// configuration file. Power values are in the units of the respective
// entities, RateLimit is percent of the output span per second and
// PIDDeadband is percent.
type Options struct {
	Name string `mapstructure:"name" json:"name"`

	ProcessValueEntity string `mapstructure:"process_value_entity" json:"process_value_entity"`
	SetpointEntity     string `mapstructure:"setpoint_entity" json:"setpoint_entity"`
	OutputEntity       string `mapstructure:"output_entity" json:"output_entity"`
	GridPowerEntity    string `mapstructure:"grid_power_entity" json:"grid_power_entity"`
	InvertPV           bool   `mapstructure:"invert_pv" json:"invert_pv"`
	InvertSP           bool   `mapstructure:"invert_sp" json:"invert_sp"`
	GridPowerInvert    bool   `mapstructure:"grid_power_invert" json:"grid_power_invert"`

	Enabled        bool          `mapstructure:"enabled" json:"enabled"`
	UpdateInterval time.Duration `mapstructure:"update_interval" json:"update_interval"`

	Kp        float64 `mapstructure:"kp" json:"kp"`
	Ki        float64 `mapstructure:"ki" json:"ki"`
	Kd        float64 `mapstructure:"kd" json:"kd"`
	MinOutput float64 `mapstructure:"min_output" json:"min_output"`
	MaxOutput float64 `mapstructure:"max_output" json:"max_output"`

	PVMin   float64 `mapstructure:"pv_min" json:"pv_min"`
	PVMax   float64 `mapstructure:"pv_max" json:"pv_max"`
	SPMin   float64 `mapstructure:"sp_min" json:"sp_min"`
	SPMax   float64 `mapstructure:"sp_max" json:"sp_max"`
	GridMin float64 `mapstructure:"grid_min" json:"grid_min"`
	GridMax float64 `mapstructure:"grid_max" json:"grid_max"`

	PIDMode     string  `mapstructure:"pid_mode" json:"pid_mode"`
	PIDDeadband float64 `mapstructure:"pid_deadband" json:"pid_deadband"`

	LimiterEnabled   bool    `mapstructure:"limiter_enabled" json:"limiter_enabled"`
	LimiterType      string  `mapstructure:"limiter_type" json:"limiter_type"`
	LimiterLimitW    float64 `mapstructure:"limiter_limit_w" json:"limiter_limit_w"`
	LimiterDeadbandW float64 `mapstructure:"limiter_deadband_w" json:"limiter_deadband_w"`

	RateLimiterEnabled bool    `mapstructure:"rate_limiter_enabled" json:"rate_limiter_enabled"`
	RateLimit          float64 `mapstructure:"rate_limit" json:"rate_limit"`

	RuntimeMode     string        `mapstructure:"runtime_mode" json:"runtime_mode"`
	MaxOutputStep   float64       `mapstructure:"max_output_step" json:"max_output_step"`
	OutputEpsilon   float64       `mapstructure:"output_epsilon" json:"output_epsilon"`
	OutputKeepalive time.Duration `mapstructure:"output_keepalive" json:"output_keepalive"`
	ResetOnShutdown bool          `mapstructure:"reset_on_shutdown" json:"reset_on_shutdown"`

	// Seeds for the manual values, applied when the controller is created.
	ManualSPValue  *float64 `mapstructure:"manual_sp_value" json:"manual_sp_value,omitempty"`
	ManualOutValue *float64 `mapstructure:"manual_out_value" json:"manual_out_value,omitempty"`
}

// DefaultOptions returns the options used for every key missing in the
// configuration.
func DefaultOptions() Options {
	return Options{
		Enabled:        true,
		UpdateInterval: 10 * time.Second,
		Kp:             1,
		MinOutput:      0,
		MaxOutput:      11000,
		PVMin:          0,
		PVMax:          11000,
		SPMin:          0,
		SPMax:          11000,
		GridMin:        -11000,
		GridMax:        11000,
		PIDMode:        string(PIDModeDirect),
		LimiterType:    string(limiter.Import),
		RateLimit:      10,
		RuntimeMode:    string(ModeAutoSetpoint),
	}
}

// OptionsRequireReload tells whether switching from old to new changes the
// wiring of the controller. Such a change needs a new Controller, everything
// else is applied live with ApplyOptions.
func OptionsRequireReload(old, new Options) bool {
	return old.ProcessValueEntity != new.ProcessValueEntity ||
		old.SetpointEntity != new.SetpointEntity ||
		old.OutputEntity != new.OutputEntity ||
		old.GridPowerEntity != new.GridPowerEntity ||
		old.InvertPV != new.InvertPV ||
		old.InvertSP != new.InvertSP ||
		old.GridPowerInvert != new.GridPowerInvert
}

// RuntimeOptions is the validated per-cycle snapshot of Options.
type RuntimeOptions struct {
	ProcessValueEntity string `json:"process_value_entity"`
	SetpointEntity     string `json:"setpoint_entity"`
	OutputEntity       string `json:"output_entity"`
	GridPowerEntity    string `json:"grid_power_entity"`
	InvertPV           bool   `json:"invert_pv"`
	InvertSP           bool   `json:"invert_sp"`
	GridPowerInvert    bool   `json:"grid_power_invert"`

	Enabled bool            `json:"enabled"`
	Output  normalize.Range `json:"output"`
	PV      normalize.Range `json:"pv"`
	SP      normalize.Range `json:"sp"`
	Grid    normalize.Range `json:"grid"`

	LimiterEnabled   bool         `json:"limiter_enabled"`
	LimiterType      limiter.Type `json:"limiter_type"`
	LimiterLimitW    float64      `json:"limiter_limit_w"`
	LimiterDeadbandW float64      `json:"limiter_deadband_w"`

	RateLimiterEnabled bool    `json:"rate_limiter_enabled"`
	RateLimit          float64 `json:"rate_limit"`

	PIDDeadband float64     `json:"pid_deadband"`
	PIDMode     PIDMode     `json:"pid_mode"`
	RuntimeMode RuntimeMode `json:"runtime_mode"`

	MaxOutputStep   float64       `json:"max_output_step"`
	OutputEpsilon   float64       `json:"output_epsilon"`
	OutputKeepalive time.Duration `json:"output_keepalive"`
	UpdateInterval  time.Duration `json:"update_interval"`

	PID pid.Config `json:"pid"`
}

// Fence returns the output fence configuration in raw output units.
func (r RuntimeOptions) Fence() fence.Config {
	return fence.Config{
		Min:       r.Output.Min,
		Max:       r.Output.Max,
		MaxStep:   r.MaxOutputStep,
		Epsilon:   r.OutputEpsilon,
		Keepalive: r.OutputKeepalive,
	}
}

// BuildRuntimeOptions validates o. Invalid values are replaced and logged,
// never rejected.
func BuildRuntimeOptions(o Options, logger zerolog.Logger) RuntimeOptions {
	def := DefaultOptions()

	r := RuntimeOptions{
		ProcessValueEntity: strings.TrimSpace(o.ProcessValueEntity),
		SetpointEntity:     strings.TrimSpace(o.SetpointEntity),
		OutputEntity:       strings.TrimSpace(o.OutputEntity),
		GridPowerEntity:    strings.TrimSpace(o.GridPowerEntity),
		InvertPV:           o.InvertPV,
		InvertSP:           o.InvertSP,
		GridPowerInvert:    o.GridPowerInvert,
		Enabled:            o.Enabled,
		LimiterEnabled:     o.LimiterEnabled,
		RateLimiterEnabled: o.RateLimiterEnabled,
		OutputKeepalive:    o.OutputKeepalive,
	}

	r.Output = validRange(logger, "output", o.MinOutput, o.MaxOutput, def.MinOutput, def.MaxOutput)
	r.PV = validRange(logger, "pv", o.PVMin, o.PVMax, def.PVMin, def.PVMax)
	r.SP = validRange(logger, "sp", o.SPMin, o.SPMax, def.SPMin, def.SPMax)
	r.Grid = validRange(logger, "grid", o.GridMin, o.GridMax, def.GridMin, def.GridMax)

	r.LimiterType = limiter.Import
	if t, err := limiter.ParseType(o.LimiterType); err == nil {
		r.LimiterType = t
	} else {
		logger.Warn().Err(err).Msg("using default grid limiter type")
	}

	switch PIDMode(o.PIDMode) {
	case PIDModeDirect, PIDModeReverse:
		r.PIDMode = PIDMode(o.PIDMode)
	default:
		logger.Warn().Str("pid_mode", o.PIDMode).Msg("unknown pid mode, using direct")
		r.PIDMode = PIDModeDirect
	}

	switch RuntimeMode(o.RuntimeMode) {
	case ModeAutoSetpoint, ModeManualSetpoint, ModeHold, ModeManualOutput:
		r.RuntimeMode = RuntimeMode(o.RuntimeMode)
	default:
		logger.Warn().Str("runtime_mode", o.RuntimeMode).Msg("unknown runtime mode, using auto_sp")
		r.RuntimeMode = ModeAutoSetpoint
	}

	r.LimiterLimitW = nonNegative(logger, "limiter_limit_w", o.LimiterLimitW)
	r.LimiterDeadbandW = nonNegative(logger, "limiter_deadband_w", o.LimiterDeadbandW)
	r.RateLimit = nonNegative(logger, "rate_limit", o.RateLimit)
	r.PIDDeadband = nonNegative(logger, "pid_deadband", o.PIDDeadband)
	r.MaxOutputStep = nonNegative(logger, "max_output_step", o.MaxOutputStep)
	r.OutputEpsilon = nonNegative(logger, "output_epsilon", o.OutputEpsilon)
	if r.OutputKeepalive < 0 {
		r.OutputKeepalive = 0
	}

	r.UpdateInterval = o.UpdateInterval
	if r.UpdateInterval < minUpdateInterval {
		logger.Warn().Dur("update_interval", o.UpdateInterval).Msg("update interval too short")
		r.UpdateInterval = minUpdateInterval
	}

	r.PID = pid.DefaultConfig()
	r.PID.Kp = finiteOr(o.Kp, def.Kp)
	r.PID.Ki = finiteOr(o.Ki, def.Ki)
	r.PID.Kd = finiteOr(o.Kd, def.Kd)

	return r
}

func validRange(logger zerolog.Logger, name string, min, max, defMin, defMax float64) normalize.Range {
	if !isFinite(min) || !isFinite(max) {
		logger.Warn().Str("range", name).Msg("non-finite range, using default")
		return normalize.Range{Min: defMin, Max: defMax}
	}
	if min > max {
		logger.Warn().Str("range", name).Float64("min", min).Float64("max", max).Msg("swapping inverted range")
		min, max = max, min
	}
	if min == max {
		logger.Warn().Str("range", name).Float64("value", min).Msg("empty range, using default")
		return normalize.Range{Min: defMin, Max: defMax}
	}
	return normalize.Range{Min: min, Max: max}
}

func nonNegative(logger zerolog.Logger, name string, v float64) float64 {
	if !isFinite(v) || v < 0 {
		logger.Warn().Str("option", name).Float64("value", v).Msg("invalid value, using 0")
		return 0
	}
	return v
}

func finiteOr(v, def float64) float64 {
	if !isFinite(v) {
		return def
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
