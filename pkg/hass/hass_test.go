package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"github.com/yvesf/solar-flow-ctrl/consumer"
	"github.com/yvesf/solar-flow-ctrl/pkg/control"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakePublisher struct {
	disconnected bool
	err          error
	msgs         []published
}

func (p *fakePublisher) IsConnected() bool { return !p.disconnected }

func (p *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var s string
	switch v := payload.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		panic(fmt.Sprintf("unexpected payload %T", payload))
	}
	p.msgs = append(p.msgs, published{topic: topic, retained: retained, payload: s})
	return newToken(p.err)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestStates(t *testing.T) {
	s := NewStates("homeassistant/statestream/")
	require.Equal(t, "homeassistant/statestream/+/+/state", s.Topic())
	ctx := context.Background()

	s.HandleMessage(nil, fakeMessage{topic: "homeassistant/statestream/sensor/grid/state", payload: []byte("-1250.5")})
	v, ok := s.Read(ctx, "sensor.grid")
	require.True(t, ok)
	require.Equal(t, -1250.5, v)

	s.update("homeassistant/statestream/input_number/target/state", []byte(`"300"`))
	v, ok = s.Read(ctx, "input_number.target")
	require.True(t, ok)
	require.Equal(t, 300.0, v)

	for _, payload := range []string{"unavailable", "unknown", "", "on", "NaN", "Inf"} {
		s.update("homeassistant/statestream/sensor/grid/state", []byte("1"))
		s.update("homeassistant/statestream/sensor/grid/state", []byte(payload))
		_, ok = s.Read(ctx, "sensor.grid")
		require.False(t, ok, "payload %q", payload)
	}

	s.update("homeassistant/statestream/sensor/pv/unit_of_measurement", []byte("5"))
	s.update("other/sensor/pv/state", []byte("5"))
	s.update("homeassistant/statestream/sensor/pv/extra/state", []byte("5"))
	_, ok = s.Read(ctx, "sensor.pv")
	require.False(t, ok)
}

func TestWriter(t *testing.T) {
	p := &fakePublisher{}
	w := NewWriter(p, "solar-flow/")
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, "number.inverter_limit", 1500))
	require.NoError(t, w.Write(ctx, "input_number.target", 12.5))
	require.Equal(t, []published{
		{topic: "solar-flow/number/inverter_limit/set", payload: "1500"},
		{topic: "solar-flow/input_number/target/set", payload: "12.5"},
	}, p.msgs)

	require.ErrorIs(t, w.Write(ctx, "sensor.power", 1), ErrUnsupportedDomain)
	require.ErrorIs(t, w.Write(ctx, "number.", 1), ErrUnsupportedDomain)

	p.err = errors.New("broker gone")
	require.EqualError(t, w.Write(ctx, "number.x", 1), "publish to solar-flow/number/x/set failed: broker gone")

	p.disconnected = true
	require.ErrorIs(t, w.Write(ctx, "number.x", 1), ErrNotConnected)
}

func TestSwitch(t *testing.T) {
	p := &fakePublisher{}
	w := NewWriter(p, "solar-flow")
	ctx := context.Background()

	var fallback []string
	resolve := w.Resolver(func(target string) (consumer.Switch, error) {
		fallback = append(fallback, target)
		return nil, errors.New("no fallback")
	})

	sw, err := resolve("switch.boiler")
	require.NoError(t, err)
	require.NoError(t, sw.Set(ctx, true))
	sw, err = resolve("input_boolean.heater")
	require.NoError(t, err)
	require.NoError(t, sw.Set(ctx, false))
	require.Equal(t, []published{
		{topic: "solar-flow/switch/boiler/set", payload: "ON"},
		{topic: "solar-flow/input_boolean/heater/set", payload: "OFF"},
	}, p.msgs)

	_, err = resolve("shelly1://relay")
	require.EqualError(t, err, "no fallback")
	require.Equal(t, []string{"shelly1://relay"}, fallback)

	_, err = w.Switch("light.kitchen")
	require.ErrorIs(t, err, ErrUnsupportedDomain)
}

type fakeTarget struct {
	calls []string
}

func (f *fakeTarget) SetManualSetpoint(v float64) error {
	f.calls = append(f.calls, fmt.Sprintf("sp=%v", v))
	return nil
}

func (f *fakeTarget) ResetManualSetpoint() {
	f.calls = append(f.calls, "reset")
}

func (f *fakeTarget) SetManualOutput(v float64) error {
	f.calls = append(f.calls, fmt.Sprintf("out=%v", v))
	return nil
}

func TestCommands(t *testing.T) {
	target := &fakeTarget{}
	var modes []string
	c := NewCommands("solar-flow",
		func(name string) (Target, bool) {
			if name != "main" {
				return nil, false
			}
			return target, true
		},
		func(name string, mode control.RuntimeMode) error {
			modes = append(modes, name+"="+string(mode))
			return nil
		})
	require.Equal(t, "solar-flow/main/+/+", c.Topic("main"))

	c.HandleMessage(nil, fakeMessage{topic: "solar-flow/main/manual_sp/set", payload: []byte(" 42.5\n")})
	require.NoError(t, c.handle("solar-flow/main/manual_sp/reset", nil))
	require.NoError(t, c.handle("solar-flow/main/manual_out/set", []byte("1000")))
	require.NoError(t, c.handle("solar-flow/main/runtime_mode/set", []byte("hold")))
	require.Equal(t, []string{"sp=42.5", "reset", "out=1000"}, target.calls)
	require.Equal(t, []string{"main=hold"}, modes)

	require.ErrorContains(t, c.handle("solar-flow/main/manual_sp/set", []byte("abc")), "invalid manual setpoint")
	require.ErrorContains(t, c.handle("solar-flow/main/manual_out/set", []byte("")), "invalid manual output")
	require.EqualError(t, c.handle("solar-flow/other/manual_sp/set", []byte("1")), `unknown controller "other"`)
	require.EqualError(t, c.handle("solar-flow/main/kp/set", []byte("1")), `unknown command "kp/set"`)
	require.Error(t, c.handle("elsewhere/main/manual_sp/set", []byte("1")))
	require.Error(t, c.handle("solar-flow/main/manual_sp", []byte("1")))
	require.Len(t, target.calls, 3)
}

func TestStatePublisher(t *testing.T) {
	p := &fakePublisher{}
	s := NewStatePublisher(p, "solar-flow")
	out := 1500.0
	require.NoError(t, s.Publish(context.Background(), "main", control.FlowState{
		Out:     &out,
		Enabled: true,
		Status:  control.StatusRunning,
	}))
	require.Len(t, p.msgs, 1)
	require.Equal(t, "solar-flow/main/state", p.msgs[0].topic)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(p.msgs[0].payload), &doc))
	require.Equal(t, 1500.0, doc["out"])
	require.Equal(t, "running", doc["status"])
	require.Nil(t, doc["pv"])
}

func TestPublishDiscovery(t *testing.T) {
	p := &fakePublisher{}
	require.NoError(t, PublishDiscovery(context.Background(), p, "homeassistant/", "main", "solar-flow/main/state"))
	require.Len(t, p.msgs, len(sensors))

	first := p.msgs[0]
	require.Equal(t, "homeassistant/sensor/solar_flow_main_pv/config", first.topic)
	require.True(t, first.retained)

	var item ConfigurationItem
	require.NoError(t, json.Unmarshal([]byte(first.payload), &item))
	require.Equal(t, "solar-flow/main/state", item.StateTopic)
	require.Equal(t, "{{ value_json.pv }}", item.ValueTemplate)
	require.Equal(t, []string{"solar_flow_main"}, item.Device.Identifiers)

	for _, item := range DiscoveryItems("main", "t") {
		if item.UniqueID == "solar_flow_main_grid_power" {
			require.Equal(t, "power", item.DeviceClass)
		}
	}
}
