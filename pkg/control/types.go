package control

import (
	"context"
	"strings"

	"github.com/yvesf/solar-flow-ctrl/pkg/limiter"
)

// SensorReader reads the current value of an entity. ok is false when the
// entity is unknown or unavailable, which is different from a value of 0.
type SensorReader interface {
	Read(ctx context.Context, entityID string) (value float64, ok bool)
}

// ActuatorWriter sets the value of an output entity.
type ActuatorWriter interface {
	Write(ctx context.Context, entityID string, value float64) error
}

// OptionsStore returns the current options of one controller.
type OptionsStore interface {
	Options() Options
}

// StaticOptions is an OptionsStore that never changes.
type StaticOptions Options

func (s StaticOptions) Options() Options { return Options(s) }

const (
	StatusRunning              = "running"
	StatusHold                 = "hold"
	StatusManualOutput         = "manual_out"
	StatusDisabled             = "disabled"
	StatusMissingInput         = "missing_input"
	StatusInvalidOutput        = "invalid_output"
	StatusOutputWriteFailed    = "output_write_failed"
	StatusLimitingImport       = string(limiter.LimitingImport)
	StatusLimitingExport       = string(limiter.LimitingExport)
	StatusGridPowerUnavailable = limiter.StatusGridPowerUnavailable
)

// SupportedOutput tells whether entityID belongs to a domain that accepts a
// numeric value.
func SupportedOutput(entityID string) bool {
	domain, object, ok := strings.Cut(entityID, ".")
	if !ok || object == "" {
		return false
	}
	return domain == "number" || domain == "input_number"
}

// FlowState is the outcome of one cycle. Values that are unknown in a cycle
// are nil. PV, SP, Out, OutputPreRateLimit and the terms are in raw units,
// Error is percent.
type FlowState struct {
	PV                 *float64      `json:"pv"`
	SP                 *float64      `json:"sp"`
	PVPercent          *float64      `json:"pv_percent"`
	SPPercent          *float64      `json:"sp_percent"`
	GridPower          *float64      `json:"grid_power"`
	Out                *float64      `json:"out"`
	OutputPreRateLimit *float64      `json:"output_pre_rate_limit"`
	Error              *float64      `json:"error"`
	Enabled            bool          `json:"enabled"`
	Status             string        `json:"status"`
	LimiterState       limiter.State `json:"limiter_state"`
	RuntimeMode        RuntimeMode   `json:"runtime_mode"`
	ManualSPValue      *float64      `json:"manual_sp_value"`
	ManualOutValue     *float64      `json:"manual_out_value"`
	PTerm              *float64      `json:"p_term"`
	ITerm              *float64      `json:"i_term"`
	DTerm              *float64      `json:"d_term"`
	Written            bool          `json:"written"`
}

// optional holds a value that may be absent.
type optional struct {
	value float64
	valid bool
}

func some(v float64) optional { return optional{value: v, valid: true} }

func (o optional) Get() (float64, bool) { return o.value, o.valid }

func (o optional) ptr() *float64 {
	if !o.valid {
		return nil
	}
	v := o.value
	return &v
}
