package shelly

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bsm/openmetrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/yvesf/solar-flow-ctrl/pkg/ringbuf"
	"github.com/yvesf/solar-flow-ctrl/pkg/timemock"
)

var metricMeterPower = openmetrics.DefaultRegistry().Gauge(openmetrics.Desc{
	Name:   "solarflow_meter_power",
	Unit:   "watt",
	Help:   "Power readings from shelly device",
	Labels: []string{"meter"},
})

const (
	DefaultInterval = 800 * time.Millisecond
	// StaleAfter is the age after which a reading is no longer used.
	StaleAfter = 10 * time.Second
	meanSize   = 5
)

var errNotFinite = errors.New("meter returned a non-finite value")

// Poller reads a PowerMeter periodically and keeps the mean of the last readings.
type Poller struct {
	name     string
	meter    PowerMeter
	interval time.Duration

	lock  sync.Mutex
	buf   *ringbuf.Ringbuf
	value float64
	time  time.Time
}

func NewPoller(name string, m PowerMeter, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		name:     name,
		meter:    m,
		interval: interval,
		buf:      ringbuf.NewRingbuf(meanSize),
	}
}

func (p *Poller) Name() string { return p.name }

// Run blocks until context is cancelled. Failed reads are retried with
// exponential backoff up to 50 intervals.
func (p *Poller) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.interval
	bo.MaxInterval = 50 * p.interval
	bo.MaxElapsedTime = 0
	bo.Reset()

	t := time.NewTimer(0)
	defer log.Debug().Str("meter", p.name).Msg("poller go-routine done")
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if err := p.poll(ctx); err != nil {
				wait := bo.NextBackOff()
				log.Error().Err(err).Str("meter", p.name).Dur("wait", wait).Msg("failed to read from shelly, retry")
				t.Reset(wait)
				continue
			}
			bo.Reset()
			t.Reset(p.interval)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	v, err := p.meter.Power(ctx)
	if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
		err = errNotFinite
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if err != nil {
		p.time = time.Time{} // set invalid
		p.buf.Reset()
		return err
	}

	p.buf.Add(v)
	p.value = p.buf.Mean()
	p.time = timemock.Now()
	metricMeterPower.With(p.name).Set(p.value)
	return nil
}

// LastMeasurement returns the last known power measurement. If time is Zero then value is invalid.
func (p *Poller) LastMeasurement() (value float64, time time.Time) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.value, p.time
}

// Value returns the last measurement unless it is missing or stale.
func (p *Poller) Value() (float64, bool) {
	v, t := p.LastMeasurement()
	if t.IsZero() || timemock.Now().Sub(t) > StaleAfter {
		return 0, false
	}
	return v, true
}

// Sensors serves the pollers as entities "shelly.<name>".
type Sensors map[string]*Poller

func (s Sensors) Add(p *Poller) {
	s[p.name] = p
}

func (s Sensors) Read(_ context.Context, entityID string) (float64, bool) {
	domain, name, ok := strings.Cut(entityID, ".")
	if !ok || domain != "shelly" {
		return 0, false
	}
	p, ok := s[name]
	if !ok {
		return 0, false
	}
	return p.Value()
}
