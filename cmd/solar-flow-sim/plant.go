package main

import (
	"math"
	"sync"
	"time"

	"github.com/yvesf/solar-flow-ctrl/pkg/shelly"
)

// plant models the grid connection point: the house load minus the inverter
// output, where the inverter follows its setpoint with a first-order lag.
type plant struct {
	mu       sync.Mutex
	load     float64
	setpoint float64
	output   float64
	tau      time.Duration
	last     time.Time
}

func newPlant(load float64, tau time.Duration, now time.Time) *plant {
	return &plant{load: load, tau: tau, last: now}
}

func (p *plant) SetLoad(w float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.load = w
}

func (p *plant) SetSetpoint(w float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setpoint = w
}

// advance moves the inverter output towards the setpoint up to now.
func (p *plant) advance(now time.Time) {
	dt := now.Sub(p.last)
	if dt <= 0 {
		return
	}
	p.last = now
	if p.tau <= 0 {
		p.output = p.setpoint
		return
	}
	p.output += (p.setpoint - p.output) * (1 - math.Exp(-dt.Seconds()/p.tau.Seconds()))
}

// GridPower is positive when taken from the grid.
func (p *plant) GridPower(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(now)
	return p.load - p.output
}

// Status is the document served by a first generation Shelly 3EM.
func (p *plant) Status(now time.Time) shelly.Gen1MeterData {
	doc := shelly.Gen1MeterData{TotalPowerFloat: math.Round(p.GridPower(now)*100) / 100}
	v := doc.TotalPowerFloat / 3
	for i := 0; i < 3; i++ {
		doc.EMeters = append(doc.EMeters, shelly.EMeter{
			Current:       math.Abs(v) / 230,
			IsValid:       true,
			PowerFactor:   1.0,
			Power:         v,
			Total:         10,
			TotalReturned: 10,
			Voltage:       230,
		})
	}
	return doc
}
