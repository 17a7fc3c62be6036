// Package limiter implements the grid import/export limiter.
//
// While limiting, the control loop regulates grid power to the configured
// limit instead of tracking the normal process value and setpoint. Entering
// and leaving the limiting state use thresholds a deadband apart so the state
// does not chatter around the limit.
package limiter

import "fmt"

type State string

const (
	Normal         State = "normal"
	LimitingImport State = "limiting_import"
	LimitingExport State = "limiting_export"
)

func (s State) Limiting() bool {
	return s == LimitingImport || s == LimitingExport
}

type Type string

const (
	Import Type = "import"
	Export Type = "export"
)

// ParseType returns the limiter type for s.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case Import, Export:
		return Type(s), nil
	default:
		return "", fmt.Errorf("invalid grid limiter type %q", s)
	}
}

const StatusGridPowerUnavailable = "grid_power_unavailable"

// Config is expressed in the same units as the grid power passed to Evaluate.
type Config struct {
	Enabled bool
	Type    Type
	// Reference is the signed limit: +limit for Import, -limit for Export.
	Reference float64
	Deadband  float64
}

// Decision is the result of one evaluation.
type Decision struct {
	State State
	// Override is true when PV and SP must be replaced by the values below.
	Override bool
	PV       float64
	SP       float64
	// Status is empty unless the limiter dictates the cycle status.
	Status string
}

// Evaluate advances the limiter state machine from prev.
func Evaluate(prev State, cfg Config, gridPower float64, gridOK bool) Decision {
	if !cfg.Enabled {
		return Decision{State: Normal}
	}
	if !gridOK {
		return Decision{State: prev, Status: StatusGridPowerUnavailable}
	}

	next := Normal
	switch cfg.Type {
	case Import:
		if prev == LimitingImport {
			if gridPower >= cfg.Reference-cfg.Deadband {
				next = LimitingImport
			}
		} else if gridPower > cfg.Reference+cfg.Deadband {
			next = LimitingImport
		}
	case Export:
		if prev == LimitingExport {
			if gridPower <= cfg.Reference+cfg.Deadband {
				next = LimitingExport
			}
		} else if gridPower < cfg.Reference-cfg.Deadband {
			next = LimitingExport
		}
	}

	d := Decision{State: next}
	if next.Limiting() {
		d.Override = true
		d.PV = gridPower
		d.SP = cfg.Reference
		d.Status = string(next)
	}
	return d
}
