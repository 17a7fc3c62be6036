package control

import (
	"context"
	"strings"
)

// SensorMux dispatches reads on the domain of the entity id, e.g. all
// "shelly.*" entities to the meter poller and the rest to Home Assistant.
type SensorMux struct {
	fallback SensorReader
	domains  map[string]SensorReader
}

func NewSensorMux(fallback SensorReader) *SensorMux {
	return &SensorMux{fallback: fallback, domains: make(map[string]SensorReader)}
}

// Handle registers r for all entities of domain.
// It must not be called concurrently with Read.
func (m *SensorMux) Handle(domain string, r SensorReader) {
	m.domains[domain] = r
}

func (m *SensorMux) Read(ctx context.Context, entityID string) (float64, bool) {
	domain, _, _ := strings.Cut(entityID, ".")
	if r, ok := m.domains[domain]; ok {
		return r.Read(ctx, entityID)
	}
	if m.fallback == nil {
		return 0, false
	}
	return m.fallback.Read(ctx, entityID)
}
