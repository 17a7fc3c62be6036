package hass

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// States caches the numeric entity states published by mqtt_statestream on
// <prefix>/<domain>/<object>/state.
type States struct {
	prefix string

	mu     sync.RWMutex
	values map[string]float64
}

func NewStates(prefix string) *States {
	return &States{
		prefix: strings.TrimSuffix(prefix, "/"),
		values: make(map[string]float64),
	}
}

// Topic is the subscription for all entity states.
func (s *States) Topic() string {
	return s.prefix + "/+/+/state"
}

func (s *States) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.update(msg.Topic(), msg.Payload())
}

func (s *States) update(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, s.prefix+"/")
	if !ok {
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "state" {
		return
	}
	entityID := parts[0] + "." + parts[1]

	v, ok := parseState(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		if _, known := s.values[entityID]; known {
			log.Debug().Str("entity", entityID).Bytes("state", payload).Msg("entity state not numeric")
		}
		delete(s.values, entityID)
		return
	}
	s.values[entityID] = v
}

// parseState reads a numeric state. Home Assistant reports unavailable
// entities with the states "unavailable" and "unknown".
func parseState(payload []byte) (float64, bool) {
	str := strings.Trim(strings.TrimSpace(string(payload)), `"`)
	switch strings.ToLower(str) {
	case "", "unavailable", "unknown", "none":
		return 0, false
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Read returns the last numeric state of entityID.
func (s *States) Read(_ context.Context, entityID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[entityID]
	return v, ok
}
