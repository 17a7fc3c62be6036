package shelly

import (
	"context"
	"net/http"
	"net/url"
)

// Gen2Meter reads the EM component of second generation meters like the Shelly Pro 3EM.
type Gen2Meter struct {
	Client *http.Client
	Addr   string
}

type Gen2MeterData struct {
	// Sum of the active power on all phases.
	// Positive values is power taken from the grid/uplink.
	// Negative values is power injected to the grid/uplink.
	TotalPowerFloat float64 `json:"total_act_power"`
}

func (d Gen2MeterData) TotalPower() float64 {
	return d.TotalPowerFloat
}

func (s Gen2Meter) Read(ctx context.Context) (*Gen2MeterData, error) {
	data := new(Gen2MeterData)
	err := getJSON(ctx, s.Client, url.URL{
		Scheme:   "http",
		Host:     s.Addr,
		Path:     "/rpc/EM.GetStatus",
		RawQuery: "id=0",
	}, data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s Gen2Meter) Power(ctx context.Context) (float64, error) {
	d, err := s.Read(ctx)
	if err != nil {
		return 0, err
	}
	return d.TotalPower(), nil
}
