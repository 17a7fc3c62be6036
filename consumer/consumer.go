// consumer package for switching externally connected consumers depending on available power.

package consumer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/openmetrics"
	"github.com/rs/zerolog/log"
	"github.com/yvesf/solar-flow-ctrl/pkg/shelly"
)

var metricConsumer = openmetrics.DefaultRegistry().Gauge(openmetrics.Desc{
	Name:   "solarflow_consumer_switch",
	Unit:   "state",
	Help:   "consumer state",
	Labels: []string{"id"},
})

var now = time.Now

const (
	DefaultPriority = 999
	failureBackoff  = 30 * time.Second
)

// Config describes one consumer. Lower priority values are switched on
// first and switched off last.
type Config struct {
	ID       string        `mapstructure:"id" json:"id"`
	Priority int           `mapstructure:"priority" json:"priority"`
	PowerW   int           `mapstructure:"power_w" json:"power_w"`
	Delay    time.Duration `mapstructure:"delay" json:"delay"`
	Enabled  *bool         `mapstructure:"enabled" json:"enabled,omitempty"`
	// Target is shelly1://host[:port] or a Home Assistant switch entity.
	Target string `mapstructure:"target" json:"target"`
}

func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c Config) priority() int {
	if c.Priority == 0 {
		return DefaultPriority
	}
	return c.Priority
}

// Validate checks a list of consumers for missing or duplicate ids and
// invalid priorities.
func Validate(cs []Config) error {
	seen := make(map[string]bool, len(cs))
	for i, c := range cs {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("consumer %d: missing id", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("consumer %q: duplicate id", c.ID)
		}
		seen[c.ID] = true
		if c.Priority < 0 {
			return fmt.Errorf("consumer %q: priority must be > 0", c.ID)
		}
		if c.PowerW < 0 {
			return fmt.Errorf("consumer %q: invalid power", c.ID)
		}
		if c.Delay < 0 {
			return fmt.Errorf("consumer %q: invalid delay", c.ID)
		}
		if c.Target == "" {
			return fmt.Errorf("consumer %q: missing target", c.ID)
		}
	}
	return nil
}

type tristate int

func (t tristate) Bool() (value, ok bool) {
	switch t {
	case 1:
		return true, true
	case 2:
		return false, true
	default:
		return false, false
	}
}

func (t *tristate) Set(v bool) {
	if v {
		*t = 1
	} else {
		*t = 2
	}
}

type generic struct {
	// configuration:
	powerWatt int
	delay     time.Duration
	// state:
	lastOn           time.Time
	lastOnCondition  time.Time
	lastOff          time.Time
	lastOffCondition time.Time
	isEnabled        bool      // true=on
	backoffUntil     time.Time // if not zero, disable actions until this time
}

// Offer gives the consumer choice to switch on/off.
// Positive powerWatt is taken from the grid, negative is surplus.
func (g *generic) Offer(powerWatt int) {
	now := now()
	if g.backoff() {
		return
	}
	// IF powerWatt is positive: we are consuming energy - consider to switch off
	if powerWatt > 0 {
		g.lastOnCondition = time.Time{}
		if g.lastOffCondition.IsZero() {
			g.lastOffCondition = now
		}
		// IF ENABLED and SINCE(lastOn) > DELAY
		if g.isEnabled &&
			now.Sub(g.lastOn) > g.delay && // minimal on-time
			now.Sub(g.lastOffCondition) > g.delay {
			g.lastOn = time.Time{}
			g.lastOff = now
			g.isEnabled = false
		}
		return
	}
	// ELSE: we have a surplus energy - consider to switch on if it covers the consumer
	if powerWatt*-1 > g.powerWatt {
		g.lastOffCondition = time.Time{}
		if g.lastOnCondition.IsZero() {
			g.lastOnCondition = now
		}
		if !g.isEnabled && now.Sub(g.lastOnCondition) > g.delay {
			g.lastOn = now
			g.lastOff = time.Time{}
			g.isEnabled = true
		}
	}
}

func (g *generic) backoff() bool {
	if g.backoffUntil.IsZero() {
		return false
	}
	if g.backoffUntil.Sub(now()) < 0 {
		g.backoffUntil = time.Time{}
		return false
	}
	return true
}

func (g *generic) LastChange() time.Time {
	if g.lastOn.After(g.lastOff) {
		return g.lastOn
	}
	return g.lastOff
}

// Switch turns a load on or off.
type Switch interface {
	Set(ctx context.Context, on bool) error
}

// Resolver returns the Switch for a target.
type Resolver func(target string) (Switch, error)

// ShellyResolver resolves shelly1://host targets to a Shelly relay.
func ShellyResolver(client *http.Client) Resolver {
	return func(target string) (Switch, error) {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("failed to parse URL: %w", err)
		}
		switch u.Scheme {
		case "shelly1":
			if u.Host == `` {
				return nil, fmt.Errorf("empty host for shelly1")
			}
			return shelly.Relay{Addr: u.Host, Client: client}, nil
		default:
			return nil, fmt.Errorf("unsupported scheme: %v", u.Scheme)
		}
	}
}

// Relay is a consumer switched by a Switch.
type Relay struct {
	generic
	id       string
	priority int
	target   string
	sw       Switch
	// relayState holds last known state of the relay (true=on, false=off).
	relayState tristate
}

func New(cfg Config, resolve Resolver) (*Relay, error) {
	sw, err := resolve(cfg.Target)
	if err != nil {
		return nil, err
	}
	return &Relay{
		generic: generic{
			powerWatt: cfg.PowerW,
			delay:     cfg.Delay,
		},
		id:       cfg.ID,
		priority: cfg.priority(),
		target:   cfg.Target,
		sw:       sw,
	}, nil
}

func (g *Relay) ID() string { return g.id }

func (g *Relay) Offer(ctx context.Context, powerWatt int) error {
	if g.backoff() {
		return nil
	}

	g.generic.Offer(powerWatt)

	logger := log.With().Str("consumer", g.id).Str("target", g.target).Int("powerWatt", g.powerWatt).
		Bool("isEnabled", g.isEnabled).Time("lastOnCondition", g.lastOnCondition).Time("laston", g.lastOn).
		Time("lastOffCondition", g.lastOffCondition).Logger()
	if relayState, ok := g.relayState.Bool(); !ok || g.isEnabled != relayState {
		logger.Info().Msg("Update")
		err := g.sw.Set(ctx, g.isEnabled)
		if err != nil {
			logger.Error().Err(err).Msg("update failed, backoff 30s")
			g.backoffUntil = now().Add(failureBackoff)
			return fmt.Errorf("switch request failed: %w", err)
		}
		g.relayState.Set(g.isEnabled)
		if g.isEnabled {
			metricConsumer.With(g.id).Set(1)
		} else {
			metricConsumer.With(g.id).Set(0)
		}
	}
	return nil
}

func (g *Relay) String() string {
	return fmt.Sprintf("[%vW %vs %v]", g.powerWatt, g.delay.Seconds(), g.target)
}

func (g *Relay) Close(ctx context.Context) error {
	return g.sw.Set(ctx, false)
}

// Parse reads the command line form "<watt>,<delay>,<target>".
func Parse(s string, resolve Resolver) (*Relay, error) {
	v := strings.SplitN(s, `,`, 3)
	if len(v) != 3 {
		return nil, fmt.Errorf("invalid number of parameters for external consumer")
	}

	power, err := strconv.ParseInt(v[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to parse watt parameter: %w", err)
	}

	if power < 0 {
		return nil, fmt.Errorf("invalid power parameter")
	}

	delay, err := time.ParseDuration(v[1])
	if err != nil {
		return nil, fmt.Errorf("failed to parse delay parameter: %w", err)
	}

	if delay < 0 {
		return nil, fmt.Errorf("invalid delay parameter")
	}

	return New(Config{ID: v[2], PowerW: int(power), Delay: delay, Target: v[2]}, resolve)
}

// List is ordered by priority.
type List struct {
	resolve   Resolver
	consumers []*Relay
}

func NewList(resolve Resolver) *List {
	return &List{resolve: resolve}
}

// SetResolver replaces the resolver used for consumers added later.
func (i *List) SetResolver(resolve Resolver) {
	i.resolve = resolve
}

func (i *List) resolver() Resolver {
	if i.resolve == nil {
		return ShellyResolver(http.DefaultClient)
	}
	return i.resolve
}

// Add creates and inserts the consumer for cfg. Disabled consumers are skipped.
func (i *List) Add(cfg Config) error {
	if !cfg.IsEnabled() {
		return nil
	}
	for _, c := range i.consumers {
		if c.id == cfg.ID {
			return fmt.Errorf("consumer %q: duplicate id", cfg.ID)
		}
	}
	c, err := New(cfg, i.resolver())
	if err != nil {
		return fmt.Errorf("consumer %q: %w", cfg.ID, err)
	}
	i.consumers = append(i.consumers, c)
	sort.SliceStable(i.consumers, func(a, b int) bool {
		return i.consumers[a].priority < i.consumers[b].priority
	})
	return nil
}

func (i *List) Len() int { return len(i.consumers) }

// String provides a to-string formatting in conformance with the `flags` package.
func (i *List) String() string {
	if i == nil {
		return ""
	}
	var els []string
	for _, c := range i.consumers {
		els = append(els, c.String())
	}
	return strings.Join(els, ", ")
}

// Set provides string-parsing in conformance with the `flags` package.
// Calling Set parses 'value' and adds it as Consumer to the list 'i'.
func (i *List) Set(value string) error {
	c, err := Parse(value, i.resolver())
	if err != nil {
		return err
	}
	return i.Add(Config{ID: c.id, PowerW: c.powerWatt, Delay: c.delay, Target: c.target})
}

// Offer offers the grid power to the consumers. Surplus goes to the consumers
// in priority order, grid consumption switches off the lowest priority
// first. At most one consumer changes its state per call so the next
// measurement reflects the change before the next decision.
func (i *List) Offer(ctx context.Context, gridPowerWatt float64) error {
	order := make([]*Relay, len(i.consumers))
	copy(order, i.consumers)
	if gridPowerWatt > 0 {
		for a, b := 0, len(order)-1; a < b; a, b = a+1, b-1 {
			order[a], order[b] = order[b], order[a]
		}
	}

	var errs []error
	for _, c := range order {
		before := c.LastChange()
		if err := c.Offer(ctx, int(gridPowerWatt)); err != nil {
			errs = append(errs, fmt.Errorf("consumer %q: %w", c.id, err))
			continue
		}
		if !c.LastChange().Equal(before) {
			break
		}
	}
	return errors.Join(errs...)
}

// LastChange returns the most recent change in the list of consumer
// or zero-time if none have changed ever.
func (i *List) LastChange() time.Time {
	var max time.Time
	for _, g := range i.consumers {
		if lastChange := g.LastChange(); !lastChange.IsZero() && (max.IsZero() || lastChange.After(max)) {
			max = lastChange
		}
	}
	return max
}

// Close switches all consumers off.
func (i *List) Close(ctx context.Context) error {
	var errs []error
	for _, g := range i.consumers {
		if err := g.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("consumer %q: %w", g.id, err))
		}
	}
	return errors.Join(errs...)
}
