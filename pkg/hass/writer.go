package hass

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/yvesf/solar-flow-ctrl/consumer"
)

// Writer publishes entity values to <prefix>/<domain>/<object>/set.
type Writer struct {
	pub    Publisher
	prefix string
}

func NewWriter(pub Publisher, prefix string) *Writer {
	return &Writer{pub: pub, prefix: strings.TrimSuffix(prefix, "/")}
}

func (w *Writer) topic(domain, object string) string {
	return w.prefix + "/" + domain + "/" + object + "/set"
}

// Write sets a number or input_number entity.
func (w *Writer) Write(ctx context.Context, entityID string, value float64) error {
	domain, object, _ := strings.Cut(entityID, ".")
	if object == "" || (domain != "number" && domain != "input_number") {
		return fmt.Errorf("%w: %s", ErrUnsupportedDomain, entityID)
	}
	return publish(ctx, w.pub, w.topic(domain, object), false, strconv.FormatFloat(value, 'f', -1, 64))
}

// Switch returns a consumer switch for a switch or input_boolean entity.
func (w *Writer) Switch(entityID string) (consumer.Switch, error) {
	domain, object, _ := strings.Cut(entityID, ".")
	if object == "" || (domain != "switch" && domain != "input_boolean") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDomain, entityID)
	}
	return entitySwitch{w: w, topic: w.topic(domain, object)}, nil
}

// Resolver resolves switch entities and passes all other targets to next.
func (w *Writer) Resolver(next consumer.Resolver) consumer.Resolver {
	return func(target string) (consumer.Switch, error) {
		if strings.HasPrefix(target, "switch.") || strings.HasPrefix(target, "input_boolean.") {
			return w.Switch(target)
		}
		return next(target)
	}
}

type entitySwitch struct {
	w     *Writer
	topic string
}

func (s entitySwitch) Set(ctx context.Context, on bool) error {
	payload := "OFF"
	if on {
		payload = "ON"
	}
	return publish(ctx, s.w.pub, s.topic, false, payload)
}
