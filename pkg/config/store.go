package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/yvesf/solar-flow-ctrl/pkg/control"
)

// Change describes how the options of one controller changed.
type Change struct {
	Name    string
	Options control.Options
	// Reload is set when the controller has to be rebuilt, see
	// control.OptionsRequireReload. New controllers always need a reload.
	Reload  bool
	Removed bool
}

// Store holds the current options of all controllers.
type Store struct {
	mu      sync.RWMutex
	file    File
	names   []string
	options map[string]control.Options
	// runtime modes selected at runtime, e.g. over MQTT
	modes map[string]control.RuntimeMode
}

func NewStore(f *File) *Store {
	s := &Store{
		options: make(map[string]control.Options),
		modes:   make(map[string]control.RuntimeMode),
	}
	s.Update(f)
	return s
}

func (s *Store) File() File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file
}

// Names returns the controller names in configuration order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.names...)
}

func (s *Store) Options(name string) (control.Options, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.options[name]
	if !ok {
		return control.Options{}, fmt.Errorf("%w: %s", ErrUnknownController, name)
	}
	if mode, ok := s.modes[name]; ok {
		o.RuntimeMode = string(mode)
	}
	return o, nil
}

// SetRuntimeMode overrides the configured runtime mode of a controller until
// the configuration file changes the mode.
func (s *Store) SetRuntimeMode(name string, mode control.RuntimeMode) error {
	switch mode {
	case control.ModeAutoSetpoint, control.ModeManualSetpoint, control.ModeHold, control.ModeManualOutput:
	default:
		return fmt.Errorf("invalid runtime mode %q", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.options[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownController, name)
	}
	s.modes[name] = mode
	return nil
}

// Controller returns the view on the options of one controller.
func (s *Store) Controller(name string) control.OptionsStore {
	return controllerView{s: s, name: name}
}

type controllerView struct {
	s    *Store
	name string
}

// Options of a removed controller are the defaults with the controller
// disabled.
func (v controllerView) Options() control.Options {
	o, err := v.s.Options(v.name)
	if err != nil {
		o = control.DefaultOptions()
		o.Name = v.name
		o.Enabled = false
	}
	return o
}

// Update replaces the configuration and returns the changes per controller.
func (s *Store) Update(f *File) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []Change
	next := make(map[string]control.Options, len(f.Controllers))
	names := make([]string, 0, len(f.Controllers))
	for _, o := range f.Controllers {
		next[o.Name] = o
		names = append(names, o.Name)

		old, ok := s.options[o.Name]
		switch {
		case !ok:
			changes = append(changes, Change{Name: o.Name, Options: o, Reload: true})
		case old.RuntimeMode != o.RuntimeMode:
			delete(s.modes, o.Name)
			changes = append(changes, Change{Name: o.Name, Options: o, Reload: control.OptionsRequireReload(old, o)})
		case !equalOptions(old, o):
			changes = append(changes, Change{Name: o.Name, Options: o, Reload: control.OptionsRequireReload(old, o)})
		}
	}
	for _, name := range s.names {
		if _, ok := next[name]; !ok {
			delete(s.modes, name)
			changes = append(changes, Change{Name: name, Removed: true, Reload: true})
		}
	}

	s.file = *f
	s.names = names
	s.options = next
	return changes
}

// Watch re-reads the file whenever it changes and calls onChange for every
// changed controller. An invalid file keeps the previous configuration.
func (s *Store) Watch(v *viper.Viper, onChange func(Change)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		logger := log.With().Str("file", e.Name).Logger()
		f, err := decode(v)
		if err != nil {
			logger.Error().Err(err).Msg("invalid configuration, keeping previous")
			return
		}
		changes := s.Update(f)
		logger.Info().Int("changes", len(changes)).Msg("configuration reloaded")
		for _, c := range changes {
			onChange(c)
		}
	})
	v.WatchConfig()
}

func equalOptions(a, b control.Options) bool {
	if !equalValue(a.ManualSPValue, b.ManualSPValue) || !equalValue(a.ManualOutValue, b.ManualOutValue) {
		return false
	}
	a.ManualSPValue, a.ManualOutValue = nil, nil
	b.ManualSPValue, b.ManualOutValue = nil, nil
	return a == b
}

func equalValue(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
