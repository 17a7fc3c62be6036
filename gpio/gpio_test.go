package gpio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yvesf/solar-flow-ctrl/consumer"
)

func TestParseTarget(t *testing.T) {
	chip, offset, err := ParseTarget("gpio://gpiochip0/17")
	require.NoError(t, err)
	require.Equal(t, "gpiochip0", chip)
	require.Equal(t, 17, offset)

	for _, target := range []string{
		"gpio://gpiochip0/",
		"gpio://gpiochip0/abc",
		"gpio://gpiochip0/-1",
		"gpio:///17",
		"shelly1://gpiochip0/17",
		"gpio\n",
	} {
		_, _, err := ParseTarget(target)
		require.Error(t, err, target)
	}
}

func TestResolverPassesOtherTargets(t *testing.T) {
	var opened []*Switch
	var passed []string
	r := Resolver(func(target string) (consumer.Switch, error) {
		passed = append(passed, target)
		return nil, errors.New("next")
	}, &opened)

	_, err := r("shelly1://relay")
	require.EqualError(t, err, "next")
	require.Equal(t, []string{"shelly1://relay"}, passed)

	_, err = r("gpio://gpiochip0/x")
	require.Error(t, err)
	require.Empty(t, opened)
	require.Len(t, passed, 1)
}
