package shelly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShelly3EM(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := Gen1MeterData{
			TotalPowerFloat: 1234,
		}
		v := doc.TotalPowerFloat / 3
		for i := 0; i < 3; i++ {
			doc.EMeters = append(doc.EMeters, EMeter{
				Current:       v / 230,
				IsValid:       true,
				PowerFactor:   1.0,
				Power:         v,
				Total:         10,
				TotalReturned: 10,
				Voltage:       230,
			})
		}
		require.NoError(t, json.NewEncoder(w).Encode(doc))
	}))
	defer server.Close()

	url, _ := url.Parse(server.URL)
	m, err := NewMeter("3em", url.Host, nil)
	require.NoError(t, err)
	d, err := m.(Gen1Meter).Read(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1234.0, d.TotalPower())
	for _, e := range d.EMeters {
		assert.Equal(t, 1234.0/3, e.Power)
	}
}

func TestNewMeter(t *testing.T) {
	for _, tc := range []struct {
		typ  string
		want PowerMeter
	}{
		{typ: "gen1", want: Gen1Meter{Addr: "m"}},
		{typ: "3em", want: Gen1Meter{Addr: "m"}},
		{typ: "", want: Gen2Meter{Addr: "m"}},
		{typ: "gen2", want: Gen2Meter{Addr: "m"}},
		{typ: "pro3em", want: Gen2Meter{Addr: "m"}},
	} {
		m, err := NewMeter(tc.typ, "m", nil)
		require.NoError(t, err, tc.typ)
		require.Equal(t, tc.want, m, tc.typ)
	}

	_, err := NewMeter("plug", "m", nil)
	require.EqualError(t, err, `unsupported meter type "plug"`)

	_, err = NewMeter("gen2", "", nil)
	require.Error(t, err)
}

func TestMeterErrors(t *testing.T) {
	status := http.StatusOK
	body := `{"total_power":`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()
	url, _ := url.Parse(server.URL)
	m := Gen1Meter{Addr: url.Host}

	_, err := m.Power(context.Background())
	require.ErrorContains(t, err, "failed to decode response")

	status = http.StatusInternalServerError
	_, err = m.Power(context.Background())
	require.EqualError(t, err, "shelly responded non 200 status-code 500")
}
