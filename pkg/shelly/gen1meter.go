package shelly

import (
	"context"
	"net/http"
	"net/url"
)

// Gen1Meter reads the /status endpoint of first generation meters like the Shelly 3EM.
type Gen1Meter struct {
	Client *http.Client
	Addr   string
}

type Gen1MeterData struct {
	EMeters []EMeter `json:"emeters"`
	// TotalPower is signed integer that reflects the total consumption of the measurement point.
	// Positive values is power taken from the grid/uplink.
	// Negative values is power injected to the grid/uplink.
	TotalPowerFloat float64 `json:"total_power"`
}

type EMeter struct {
	Current       float64 `json:"current"`
	IsValid       bool    `json:"is_valid"`
	PowerFactor   float64 `json:"pf"`
	Power         float64 `json:"power"`
	Total         float64 `json:"total"`
	TotalReturned float64 `json:"total_returned"`
	Voltage       float64 `json:"voltage"`
}

func (d Gen1MeterData) TotalPower() float64 {
	return d.TotalPowerFloat
}

// Read returns the status update from the meter.
func (s Gen1Meter) Read(ctx context.Context) (*Gen1MeterData, error) {
	data := new(Gen1MeterData)
	err := getJSON(ctx, s.Client, url.URL{Scheme: "http", Host: s.Addr, Path: "/status"}, data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s Gen1Meter) Power(ctx context.Context) (float64, error) {
	d, err := s.Read(ctx)
	if err != nil {
		return 0, err
	}
	return d.TotalPower(), nil
}
