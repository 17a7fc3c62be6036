package main

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yvesf/solar-flow-ctrl/pkg/config"
	"github.com/yvesf/solar-flow-ctrl/pkg/control"
	"github.com/yvesf/solar-flow-ctrl/pkg/hass"
	"github.com/yvesf/solar-flow-ctrl/pkg/timemock"
)

type runner struct {
	c      *control.Controller
	cancel context.CancelFunc
	done   chan struct{}
}

// controllers runs one control loop per configured controller.
type controllers struct {
	ctx     context.Context
	store   *config.Store
	reader  control.SensorReader
	writer  control.ActuatorWriter
	onCycle func(ctx context.Context, name string, st control.FlowState)

	mu      sync.Mutex
	runners map[string]*runner
}

func newControllers(ctx context.Context, store *config.Store, reader control.SensorReader, writer control.ActuatorWriter,
	onCycle func(context.Context, string, control.FlowState),
) *controllers {
	cs := &controllers{
		ctx:     ctx,
		store:   store,
		reader:  reader,
		writer:  writer,
		onCycle: onCycle,
		runners: make(map[string]*runner),
	}
	for _, name := range store.Names() {
		cs.start(name)
	}
	return cs
}

// start must be called with mu held or before the controllers are shared.
func (cs *controllers) start(name string) {
	ctx, cancel := context.WithCancel(cs.ctx)
	r := &runner{
		c:      control.New(cs.store.Controller(name), cs.reader, cs.writer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	cs.runners[name] = r
	go cs.run(ctx, name, r)
}

func (cs *controllers) run(ctx context.Context, name string, r *runner) {
	defer close(r.done)
	logger := log.With().Str("controller", name).Logger()
	logger.Info().Msg("control loop started")
	defer logger.Debug().Msg("control loop done")

	for {
		st := r.c.Cycle(ctx)
		if cs.onCycle != nil {
			cs.onCycle(ctx, name, st)
		}

		interval := control.BuildRuntimeOptions(cs.store.Controller(name).Options(), zerolog.Nop()).UpdateInterval
		select {
		case <-ctx.Done():
			return
		case <-timemock.After(interval):
		}
	}
}

// stop ends the loop of name and returns its controller.
func (cs *controllers) stop(name string) *control.Controller {
	r, ok := cs.runners[name]
	if !ok {
		return nil
	}
	delete(cs.runners, name)
	r.cancel()
	<-r.done
	return r.c
}

// apply handles a configuration change.
func (cs *controllers) apply(ch config.Change) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	logger := log.With().Str("controller", ch.Name).Logger()
	switch {
	case ch.Removed:
		logger.Info().Msg("controller removed")
		cs.stop(ch.Name)
	case ch.Reload:
		logger.Info().Msg("controller rebuilt")
		cs.stop(ch.Name)
		cs.start(ch.Name)
	default:
		if r, ok := cs.runners[ch.Name]; ok {
			r.c.ApplyOptions(ch.Options)
		}
	}
}

func (cs *controllers) lookup(name string) (hass.Target, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	r, ok := cs.runners[name]
	if !ok {
		return nil, false
	}
	return r.c, true
}

// diagnostics returns the snapshots in configuration order.
func (cs *controllers) diagnostics() []control.Diagnostics {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var d []control.Diagnostics
	for _, name := range cs.store.Names() {
		if r, ok := cs.runners[name]; ok {
			d = append(d, r.c.Diagnostics())
		}
	}
	return d
}

// shutdown stops all loops and resets the outputs where configured.
func (cs *controllers) shutdown(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var errs []error
	for name := range cs.runners {
		if c := cs.stop(name); c != nil {
			if err := c.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
