// gpio provides RPi-GPIO connected relays as consumer switches, addressed
// as gpio://<chip>/<line>, e.g. gpio://gpiochip0/17.

package gpio

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/bsm/openmetrics"
	"github.com/rs/zerolog/log"
	"github.com/warthog618/gpiod"
	"github.com/yvesf/solar-flow-ctrl/consumer"
)

var metricGpioState = openmetrics.DefaultRegistry().Gauge(openmetrics.Desc{
	Name:   "solarflow_gpio",
	Unit:   "state",
	Help:   "state of gpio-connected relays",
	Labels: []string{"gpio"},
})

// ParseTarget returns chip and line offset of a gpio:// target.
func ParseTarget(target string) (chip string, offset int, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse URL: %w", err)
	}
	if u.Scheme != "gpio" {
		return "", 0, fmt.Errorf("unsupported scheme: %v", u.Scheme)
	}
	if u.Host == "" {
		return "", 0, fmt.Errorf("empty gpio chip")
	}
	offset, err = strconv.Atoi(strings.Trim(u.Path, "/"))
	if err != nil || offset < 0 {
		return "", 0, fmt.Errorf("invalid gpio line %q", u.Path)
	}
	return u.Host, offset, nil
}

// Switch drives one output line.
type Switch struct {
	mu   sync.Mutex
	line *gpiod.Line
	name string
}

// Open requests the line of target as output, initially low.
func Open(target string) (*Switch, error) {
	chip, offset, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	line, err := gpiod.RequestLine(chip, offset, gpiod.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gpio %v: %w", offset, err)
	}
	s := &Switch{line: line, name: chip + "/" + strconv.Itoa(offset)}
	metricGpioState.With(s.name).Set(0)
	return s, nil
}

func (s *Switch) Set(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := 0
	if on {
		v = 1
	}
	log.Info().Str("gpio", s.name).Bool("on", on).Msg("Write GPIO")
	if err := s.line.SetValue(v); err != nil {
		return fmt.Errorf("failed to set gpio %s: %w", s.name, err)
	}
	metricGpioState.With(s.name).Set(float64(v))
	return nil
}

func (s *Switch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.line.SetValue(0)
	return s.line.Close()
}

// Resolver opens gpio:// targets and passes all other targets to next.
// Opened lines are appended to opened so they can be released on exit.
func Resolver(next consumer.Resolver, opened *[]*Switch) consumer.Resolver {
	return func(target string) (consumer.Switch, error) {
		if !strings.HasPrefix(target, "gpio://") {
			return next(target)
		}
		s, err := Open(target)
		if err != nil {
			return nil, err
		}
		*opened = append(*opened, s)
		return s, nil
	}
}
