// Package config loads the solar-flow configuration file and keeps the
// per-controller options current while the file changes.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/yvesf/solar-flow-ctrl/consumer"
	"github.com/yvesf/solar-flow-ctrl/pkg/control"
)

var ErrUnknownController = errors.New("unknown controller")

const envPrefix = "SOLARFLOW"

type MQTT struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// StatePrefix is the base topic of the Home Assistant mqtt_statestream.
	StatePrefix string `mapstructure:"state_prefix"`
	// CommandPrefix is the base topic for output writes and controller commands.
	CommandPrefix string `mapstructure:"command_prefix"`
	// DiscoveryPrefix enables Home Assistant MQTT discovery when not empty.
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

// Meter is a Shelly energy meter exposed as entity "shelly.<name>".
type Meter struct {
	Name     string        `mapstructure:"name"`
	Type     string        `mapstructure:"type"`
	Address  string        `mapstructure:"address"`
	Interval time.Duration `mapstructure:"interval"`
}

type File struct {
	MQTT        MQTT              `mapstructure:"mqtt"`
	Meters      []Meter           `mapstructure:"meters"`
	Consumers   []consumer.Config `mapstructure:"consumers"`
	// ConsumerGridEntity is the grid power offered to the consumers,
	// positive when taken from the grid.
	ConsumerGridEntity string            `mapstructure:"consumer_grid_entity"`
	ConsumerInterval   time.Duration     `mapstructure:"consumer_interval"`
	Controllers        []control.Options `mapstructure:"-"`
}

// New returns a viper instance reading path, or solar-flow.yaml from the
// working directory or /etc/solar-flow when path is empty.
func New(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("solar-flow")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/solar-flow")
	}

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "solar-flow")
	v.SetDefault("mqtt.state_prefix", "homeassistant/statestream")
	v.SetDefault("mqtt.command_prefix", "solar-flow")
	v.SetDefault("mqtt.discovery_prefix", "")
	v.SetDefault("consumer_interval", "10s")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. A missing file is not an error when no
// explicit path was given; all values then come from defaults and environment.
func Load(v *viper.Viper) (*File, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*File, error) {
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	var raw []map[string]interface{}
	if err := v.UnmarshalKey("controllers", &raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling controllers: %w", err)
	}
	seen := make(map[string]bool)
	for i, m := range raw {
		o, err := decodeOptions(m)
		if err != nil {
			return nil, fmt.Errorf("controller %d: %w", i, err)
		}
		if o.Name == "" {
			return nil, fmt.Errorf("controller %d: missing name", i)
		}
		if seen[o.Name] {
			return nil, fmt.Errorf("controller %q: duplicate name", o.Name)
		}
		seen[o.Name] = true
		f.Controllers = append(f.Controllers, o)
	}

	if err := consumer.Validate(f.Consumers); err != nil {
		return nil, err
	}
	return &f, nil
}

// decodeOptions decodes m on top of control.DefaultOptions so missing keys
// keep their default.
func decodeOptions(m map[string]interface{}) (control.Options, error) {
	o := control.DefaultOptions()
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(secondsToDurationHook, mapstructure.StringToTimeDurationHookFunc()),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &o,
	})
	if err != nil {
		return o, err
	}
	if err := d.Decode(m); err != nil {
		return o, fmt.Errorf("invalid options: %w", err)
	}
	return o, nil
}

// secondsToDurationHook reads plain numbers as seconds, e.g. update_interval: 10.
func secondsToDurationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	default:
		return data, nil
	}
}
