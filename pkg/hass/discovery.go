package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Device groups the discovered entities of one controller.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// ConfigurationItem is the discovery payload of a sensor.
type ConfigurationItem struct {
	DeviceClass       string `json:"device_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	Device            Device `json:"device"`
	StateClass        string `json:"state_class,omitempty"`
	UniqueID          string `json:"unique_id"`
	Name              string `json:"name"`
	StateTopic        string `json:"state_topic"`
	ValueTemplate     string `json:"value_template,omitempty"`
}

type sensor struct {
	key, name, unit, stateClass string
}

var sensors = []sensor{
	{key: "pv", name: "Process value", stateClass: "measurement"},
	{key: "sp", name: "Setpoint", stateClass: "measurement"},
	{key: "out", name: "Output", stateClass: "measurement"},
	{key: "error", name: "Error", unit: "%", stateClass: "measurement"},
	{key: "grid_power", name: "Grid power", unit: "W", stateClass: "measurement"},
	{key: "p_term", name: "P term", stateClass: "measurement"},
	{key: "i_term", name: "I term", stateClass: "measurement"},
	{key: "d_term", name: "D term", stateClass: "measurement"},
	{key: "status", name: "Status"},
	{key: "limiter_state", name: "Limiter state"},
	{key: "runtime_mode", name: "Runtime mode"},
}

// DiscoveryItems returns the sensors describing controller name.
func DiscoveryItems(name, stateTopic string) []ConfigurationItem {
	device := Device{
		Identifiers:  []string{"solar_flow_" + name},
		Name:         "Solar flow " + name,
		Manufacturer: "solar-flow",
		Model:        "PID controller",
	}
	items := make([]ConfigurationItem, 0, len(sensors))
	for _, s := range sensors {
		item := ConfigurationItem{
			Device:            device,
			StateClass:        s.stateClass,
			UniqueID:          "solar_flow_" + name + "_" + s.key,
			Name:              s.name,
			StateTopic:        stateTopic,
			UnitOfMeasurement: s.unit,
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", s.key),
		}
		if s.unit == "W" {
			item.DeviceClass = "power"
		}
		items = append(items, item)
	}
	return items
}

// PublishDiscovery announces the sensors of controller name below prefix.
func PublishDiscovery(ctx context.Context, p Publisher, prefix, name, stateTopic string) error {
	prefix = strings.TrimSuffix(prefix, "/")
	for _, item := range DiscoveryItems(name, stateTopic) {
		b, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := publish(ctx, p, prefix+"/sensor/"+item.UniqueID+"/config", true, b); err != nil {
			return err
		}
	}
	return nil
}
