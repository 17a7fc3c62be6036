package shelly

import (
	"context"
	"fmt"
	"net/http"
)

// PowerMeter returns the total power at the measurement point in watt,
// positive when taken from the grid.
type PowerMeter interface {
	Power(ctx context.Context) (float64, error)
}

// NewMeter returns the meter implementation for a device type.
func NewMeter(typ, addr string, c *http.Client) (PowerMeter, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty meter address")
	}
	switch typ {
	case "gen1", "3em":
		return Gen1Meter{Client: c, Addr: addr}, nil
	case "", "gen2", "pro3em":
		return Gen2Meter{Client: c, Addr: addr}, nil
	default:
		return nil, fmt.Errorf("unsupported meter type %q", typ)
	}
}
