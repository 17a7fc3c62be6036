package timemock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yvesf/solar-flow-ctrl/pkg/timemock"
)

func TestFreeze(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	restore := timemock.Freeze(at)
	t.Cleanup(restore)

	require.Equal(t, at, timemock.Now())
	require.Equal(t, at, timemock.Now(), "frozen clock does not move on its own")

	require.Equal(t, at.Add(time.Second), timemock.Advance(time.Second))
	require.Equal(t, at.Add(time.Second), timemock.Now())

	ch := timemock.After(time.Minute)
	select {
	case <-ch:
		t.Fatal("fired before the clock advanced")
	case <-time.After(20 * time.Millisecond):
	}
	timemock.Advance(time.Minute)
	select {
	case n := <-ch:
		require.Equal(t, at.Add(time.Minute+time.Second), n)
	case <-time.After(time.Second):
		t.Fatal("did not fire after advance")
	}
}

func TestRestore(t *testing.T) {
	restore := timemock.Freeze(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	restore()
	require.WithinDuration(t, time.Now(), timemock.Now(), time.Second)
}
