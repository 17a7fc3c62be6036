package consumer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShellyRelay(t *testing.T) {
	var (
		shellyReceivedRequests   []string
		shellyStatusCodeResponse = http.StatusOK
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		shellyReceivedRequests = append(shellyReceivedRequests, r.URL.Path+"?"+r.URL.RawQuery)
		w.WriteHeader(shellyStatusCodeResponse)
	}))
	t.Cleanup(server.Close)
	serverURL, _ := url.Parse(server.URL)

	// configure: 100W, 10s delay
	c, err := Parse("100,10s,shelly1://"+serverURL.Host, ShellyResolver(http.DefaultClient))
	require.NoError(t, err)
	require.NotNil(t, c)

	s := c
	ctx := context.Background()

	var duration time.Duration
	t.Cleanup(func() { now = time.Now })
	now = func() time.Time { return time.Date(2022, 12, 1, 0, 0, 0, 0, time.Local).Add(duration) }

	require.NoError(t, s.Offer(ctx, -10))
	require.False(t, s.isEnabled)
	require.Equal(t, []string{"/relay/0?turn=off"}, shellyReceivedRequests)
	shellyReceivedRequests = nil

	duration += time.Second
	require.NoError(t, s.Offer(ctx, -99))
	require.False(t, s.isEnabled)
	require.Zero(t, s.lastOnCondition)

	duration += time.Second
	require.NoError(t, s.Offer(ctx, -100))
	require.False(t, s.isEnabled)
	require.Zero(t, s.lastOnCondition)

	duration += time.Second
	require.NoError(t, s.Offer(ctx, -101))
	require.False(t, s.isEnabled, "keep off for 10s delay")
	expectedLastOn := now()
	require.Equal(t, expectedLastOn, s.lastOnCondition)
	require.Empty(t, shellyReceivedRequests)

	duration += time.Second * 10
	require.NoError(t, s.Offer(ctx, -101))
	require.False(t, s.isEnabled, "keep off for 10s delay")
	require.False(t, s.isEnabled)
	require.Equal(t, expectedLastOn, s.lastOnCondition)
	require.Empty(t, shellyReceivedRequests)

	duration += time.Second
	require.NoError(t, s.Offer(ctx, -101), "turn on")
	require.True(t, s.isEnabled, "turned on")
	require.Equal(t, now(), s.LastChange())
	require.Equal(t, expectedLastOn, s.lastOnCondition)
	require.Zero(t, s.lastOffCondition)
	require.Equal(t, []string{"/relay/0?turn=on"}, shellyReceivedRequests)
	shellyReceivedRequests = nil

	duration += time.Second
	require.NoError(t, s.Offer(ctx, -10), "keep on")
	require.True(t, s.isEnabled, "no change")
	require.Equal(t, now().Add(-time.Second), s.LastChange())
	require.Equal(t, expectedLastOn, s.lastOnCondition)
	require.Zero(t, s.lastOffCondition)
	require.Empty(t, shellyReceivedRequests)

	duration += time.Second
	require.NoError(t, s.Offer(ctx, 10), "keep on")
	require.True(t, s.isEnabled, "no change")
	require.Equal(t, now().Add(-time.Second*2), s.LastChange())
	require.Zero(t, s.lastOnCondition)
	expectedLastOff := now()
	require.Equal(t, expectedLastOff, s.lastOffCondition)
	require.Empty(t, shellyReceivedRequests)

	duration += time.Second * 10
	require.NoError(t, s.Offer(ctx, 10))
	require.True(t, s.isEnabled, "keep on for 10s delay")
	require.Equal(t, now().Add(-time.Second*12), s.LastChange())
	require.Zero(t, s.lastOnCondition)
	require.Equal(t, expectedLastOff, s.lastOffCondition)
	require.Empty(t, shellyReceivedRequests)

	duration += time.Second
	require.NoError(t, s.Offer(ctx, 10), "turn off")
	require.False(t, s.isEnabled, "turned off")
	require.Equal(t, now(), s.LastChange())
	require.Zero(t, s.lastOnCondition)
	require.Zero(t, s.lastOn)
	require.Equal(t, []string{"/relay/0?turn=off"}, shellyReceivedRequests)
	shellyReceivedRequests = nil

	// simulate error on http request
	duration += time.Second
	require.NoError(t, s.Offer(ctx, -999))
	require.False(t, s.isEnabled, "keep off")
	require.Empty(t, shellyReceivedRequests)

	duration += time.Second * 11
	shellyStatusCodeResponse = http.StatusBadRequest
	require.EqualError(t, s.Offer(ctx, -999), "switch request failed: shelly responded non 200 status-code 400")
	require.True(t, s.isEnabled, "turned on")
	require.Equal(t, []string{"/relay/0?turn=on"}, shellyReceivedRequests)
	shellyReceivedRequests = nil

	duration += time.Second * 1
	require.NoError(t, s.Offer(ctx, -999), "No error because we are in backoff")
	require.True(t, s.isEnabled, "keep on")
	require.Empty(t, shellyReceivedRequests, "no request because we are in backoff")

	duration += time.Second * 9
	require.NoError(t, s.Offer(ctx, -999), "No error because we are in backoff")
	require.True(t, s.isEnabled, "keep on")
	require.Empty(t, shellyReceivedRequests, "no request because we are in backoff")

	duration += time.Second * 21 // backoff is 30s
	shellyStatusCodeResponse = http.StatusOK
	require.NoError(t, s.Offer(ctx, -999), "turn on")
	require.True(t, s.isEnabled, "keep on")
	require.Equal(t, []string{"/relay/0?turn=on"}, shellyReceivedRequests)
	shellyReceivedRequests = nil

	shellyStatusCodeResponse = http.StatusOK
	require.Empty(t, shellyReceivedRequests)
	require.NoError(t, s.Close(ctx))
	require.Equal(t, []string{"/relay/0?turn=off"}, shellyReceivedRequests)
}

func TestParse(t *testing.T) {
	var (
		c       *Relay
		err     error
		resolve = ShellyResolver(nil)
	)
	c, err = Parse("100,10s,shelly1://foo.bar:123", resolve)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, `[100W 10s shelly1://foo.bar:123]`, c.String())

	c, err = Parse("100,10s,shelly1://foo.bar", resolve)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, `[100W 10s shelly1://foo.bar]`, c.String())

	c, err = Parse("100,10s,shelly1://foo", resolve)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, `[100W 10s shelly1://foo]`, c.String())

	c, err = Parse("100,10s,shelly1://foo:123", resolve)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, `[100W 10s shelly1://foo:123]`, c.String())

	c, err = Parse("100,10s,shelly1://", resolve)
	require.Error(t, err, "no url")
	require.Nil(t, c)

	c, err = Parse("100,10s,unknown-scheme://foo", resolve)
	require.Error(t, err, "wrong scheme")
	require.Nil(t, c)

	c, err = Parse("100,10s", resolve)
	require.EqualError(t, err, "invalid number of parameters for external consumer")
	require.Nil(t, c)

	c, err = Parse("100", resolve)
	require.EqualError(t, err, "invalid number of parameters for external consumer")
	require.Nil(t, c)

	c, err = Parse("abc,123s,shelly1://", resolve)
	require.EqualError(t, err, "failed to parse watt parameter: strconv.ParseInt: parsing \"abc\": invalid syntax")
	require.Nil(t, c)

	c, err = Parse("-1123,123s,shelly1://", resolve)
	require.EqualError(t, err, "invalid power parameter")
	require.Nil(t, c)

	c, err = Parse("123,1x,shelly1://", resolve)
	require.EqualError(t, err, "failed to parse delay parameter: time: unknown unit \"x\" in duration \"1x\"")
	require.Nil(t, c)

	c, err = Parse("123,-1m,shelly1://", resolve)
	require.EqualError(t, err, "invalid delay parameter")
	require.Nil(t, c)

	c, err = Parse("123,1m,shelly1\n", resolve)
	require.EqualError(t, err, "failed to parse URL: parse \"shelly1\\n\": net/url: invalid control character in URL")
	require.Nil(t, c)
}

type fakeSwitch struct {
	id    string
	calls *[]string
	err   error
}

func (f fakeSwitch) Set(_ context.Context, on bool) error {
	*f.calls = append(*f.calls, fmt.Sprintf("%s=%v", f.id, on))
	return f.err
}

func fakeResolver(calls *[]string, failing string) Resolver {
	return func(target string) (Switch, error) {
		if target == "" {
			return nil, errors.New("empty target")
		}
		sw := fakeSwitch{id: target, calls: calls}
		if target == failing {
			sw.err = errors.New("unreachable")
		}
		return sw, nil
	}
}

func TestList(t *testing.T) {
	l := NewList(ShellyResolver(nil))
	require.NoError(t, l.Set("123,1m,shelly1://c1"))
	require.Error(t, l.Set("123,1x,shelly1://foo"))

	t.Cleanup(func() { now = time.Now })
	now = func() time.Time { return time.Date(2022, 12, 1, 0, 0, 0, 0, time.Local) }

	require.Zero(t, l.LastChange())
	l.consumers[0].lastOn = now()
	require.Equal(t, now(), l.LastChange())

	require.NoError(t, l.Set("123,1m,shelly1://c2"))
	require.Equal(t, "[123W 60s shelly1://c1], [123W 60s shelly1://c2]", l.String())
	require.Error(t, l.Set("123,1m,shelly1://c2"), "duplicate")
}

func TestListPriority(t *testing.T) {
	var calls []string
	l := NewList(fakeResolver(&calls, ""))
	disabled := false
	require.NoError(t, l.Add(Config{ID: "heater", Priority: 2, PowerW: 500, Target: "heater"}))
	require.NoError(t, l.Add(Config{ID: "boiler", Priority: 1, PowerW: 1000, Target: "boiler"}))
	require.NoError(t, l.Add(Config{ID: "pump", PowerW: 100, Target: "pump"}))
	require.NoError(t, l.Add(Config{ID: "off", PowerW: 100, Target: "off", Enabled: &disabled}))
	require.Equal(t, 3, l.Len())
	require.Equal(t, "boiler", l.consumers[0].ID())
	require.Equal(t, "heater", l.consumers[1].ID())
	require.Equal(t, "pump", l.consumers[2].ID(), "default priority is last")

	var duration time.Duration
	t.Cleanup(func() { now = time.Now })
	now = func() time.Time { return time.Date(2022, 12, 1, 0, 0, 0, 0, time.Local).Add(duration) }
	ctx := context.Background()

	// first offer only syncs the unknown relay state
	require.NoError(t, l.Offer(ctx, 0))
	require.Equal(t, []string{"boiler=false", "heater=false", "pump=false"}, calls)
	calls = nil

	require.NoError(t, l.Offer(ctx, -2000))
	require.Empty(t, calls, "zero delay still needs one cycle of condition")

	duration += time.Second
	require.NoError(t, l.Offer(ctx, -2000))
	require.Equal(t, []string{"boiler=true"}, calls, "one change per cycle, highest priority first")
	calls = nil

	duration += time.Second
	require.NoError(t, l.Offer(ctx, -900))
	require.Equal(t, []string{"heater=true"}, calls)
	calls = nil

	duration += time.Second
	require.NoError(t, l.Offer(ctx, 50))
	require.Empty(t, calls, "consumption condition starts")

	duration += time.Second
	require.NoError(t, l.Offer(ctx, 50))
	require.Equal(t, []string{"heater=false"}, calls, "lowest priority switched off first")
	calls = nil

	require.NoError(t, l.Close(ctx))
	require.Equal(t, []string{"boiler=false", "heater=false", "pump=false"}, calls)
}

func TestListOfferError(t *testing.T) {
	var calls []string
	l := NewList(fakeResolver(&calls, "a"))
	require.NoError(t, l.Add(Config{ID: "a", Priority: 1, Target: "a"}))
	require.NoError(t, l.Add(Config{ID: "b", Priority: 2, Target: "b"}))

	err := l.Offer(context.Background(), 0)
	require.EqualError(t, err, `consumer "a": switch request failed: unreachable`)
	require.Equal(t, []string{"a=false", "b=false"}, calls, "a failing consumer does not block the others")

	require.Error(t, l.Add(Config{ID: "c", Target: ""}))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(nil))
	require.NoError(t, Validate([]Config{{ID: "a", Target: "switch.a"}, {ID: "b", Priority: 3, Target: "switch.b"}}))

	for _, tc := range []struct {
		cs  []Config
		err string
	}{
		{cs: []Config{{Target: "x"}}, err: "consumer 0: missing id"},
		{cs: []Config{{ID: "a", Target: "x"}, {ID: "a", Target: "y"}}, err: `consumer "a": duplicate id`},
		{cs: []Config{{ID: "a", Priority: -1, Target: "x"}}, err: `consumer "a": priority must be > 0`},
		{cs: []Config{{ID: "a", PowerW: -1, Target: "x"}}, err: `consumer "a": invalid power`},
		{cs: []Config{{ID: "a", Delay: -time.Second, Target: "x"}}, err: `consumer "a": invalid delay`},
		{cs: []Config{{ID: "a"}}, err: `consumer "a": missing target`},
	} {
		require.EqualError(t, Validate(tc.cs), tc.err)
	}
}
