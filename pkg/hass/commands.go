package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/yvesf/solar-flow-ctrl/pkg/control"
)

// Target receives the manual value commands of one controller.
type Target interface {
	SetManualSetpoint(v float64) error
	ResetManualSetpoint()
	SetManualOutput(v float64) error
}

// Commands dispatches <prefix>/<controller>/<command>/<action> messages.
type Commands struct {
	prefix string
	lookup func(name string) (Target, bool)
	// setMode selects the runtime mode of a controller.
	setMode func(name string, mode control.RuntimeMode) error
}

func NewCommands(prefix string, lookup func(name string) (Target, bool), setMode func(string, control.RuntimeMode) error) *Commands {
	return &Commands{prefix: strings.TrimSuffix(prefix, "/"), lookup: lookup, setMode: setMode}
}

// Topic is the subscription for the commands of controller name.
func (c *Commands) Topic(name string) string {
	return c.prefix + "/" + name + "/+/+"
}

func (c *Commands) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	if err := c.handle(msg.Topic(), msg.Payload()); err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Bytes("payload", msg.Payload()).Msg("invalid command")
	}
}

func (c *Commands) handle(topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, c.prefix+"/")
	if !ok {
		return fmt.Errorf("unexpected topic")
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return fmt.Errorf("unexpected topic")
	}
	name, command := parts[0], parts[1]+"/"+parts[2]

	target, ok := c.lookup(name)
	if !ok {
		return fmt.Errorf("unknown controller %q", name)
	}
	value := strings.TrimSpace(string(payload))

	switch command {
	case "manual_sp/set":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid manual setpoint: %w", err)
		}
		return target.SetManualSetpoint(v)
	case "manual_sp/reset":
		target.ResetManualSetpoint()
		return nil
	case "manual_out/set":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid manual output: %w", err)
		}
		return target.SetManualOutput(v)
	case "runtime_mode/set":
		return c.setMode(name, control.RuntimeMode(value))
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// StatePublisher publishes the FlowState of the controllers to <prefix>/<controller>/state.
type StatePublisher struct {
	pub    Publisher
	prefix string
}

func NewStatePublisher(pub Publisher, prefix string) *StatePublisher {
	return &StatePublisher{pub: pub, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *StatePublisher) Topic(name string) string {
	return s.prefix + "/" + name + "/state"
}

func (s *StatePublisher) Publish(ctx context.Context, name string, st control.FlowState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return publish(ctx, s.pub, s.Topic(name), false, b)
}
