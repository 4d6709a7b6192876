package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsInPriorityOrder(t *testing.T) {
	gs := NewGracefulShutdown(testLogger(), time.Second)

	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	gs.Register(ShutdownResource{Name: "broker", Priority: 40, Shutdown: record("broker")})
	gs.Register(ShutdownResource{Name: "transport", Priority: 10, Shutdown: record("transport")})
	gs.Register(ShutdownResource{Name: "service", Priority: 20, Shutdown: record("service")})

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.Equal(t, []string{"transport", "service", "broker"}, order)
}

func TestShutdownCollectsErrors(t *testing.T) {
	gs := NewGracefulShutdown(testLogger(), time.Second)

	gs.Register(ShutdownResource{
		Name:     "bad",
		Priority: 1,
		Shutdown: func(context.Context) error { return errors.New("refused") },
	})

	ran := false
	gs.Register(ShutdownResource{
		Name:     "good",
		Priority: 2,
		Shutdown: func(context.Context) error { ran = true; return nil },
	})

	err := gs.Shutdown(context.Background())
	require.Error(t, err)

	var multi *MultiShutdownError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Errors, 1)

	// A failing resource never blocks the ones after it.
	assert.True(t, ran)
}

func TestShutdownTimesOutSlowResource(t *testing.T) {
	gs := NewGracefulShutdown(testLogger(), 50*time.Millisecond)

	gs.Register(ShutdownResource{
		Name:     "stuck",
		Priority: 1,
		Shutdown: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(time.Second)
			return nil
		},
	})

	err := gs.Shutdown(context.Background())
	require.Error(t, err)

	var multi *MultiShutdownError
	require.ErrorAs(t, err, &multi)

	var timeout *ShutdownTimeoutError
	assert.ErrorAs(t, multi.Errors[0], &timeout)
}

func TestShutdownRecoversPanic(t *testing.T) {
	gs := NewGracefulShutdown(testLogger(), time.Second)

	gs.Register(ShutdownResource{
		Name:     "panicky",
		Priority: 1,
		Shutdown: func(context.Context) error { panic("boom") },
	})

	err := gs.Shutdown(context.Background())
	require.Error(t, err)
}

type closerSpy struct{ closed bool }

func (c *closerSpy) Close() error {
	c.closed = true
	return nil
}

func TestRegisterCloser(t *testing.T) {
	gs := NewGracefulShutdown(testLogger(), time.Second)

	spy := &closerSpy{}
	gs.RegisterCloser("spy", spy, 5)

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.True(t, spy.closed)
}
