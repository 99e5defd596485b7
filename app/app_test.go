package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/cmdbus/logging"
)

func recordingHook(name string, calls *[]string, startErr error) Hook {
	return Hook{
		Name: name,
		OnStart: func(context.Context) error {
			*calls = append(*calls, "start "+name)
			return startErr
		},
		OnStop: func(context.Context) error {
			*calls = append(*calls, "stop "+name)
			return nil
		},
	}
}

func TestLifecycle_StopsInReverseOrder(t *testing.T) {
	var calls []string
	l := NewLifecycle(logging.Discard())
	l.Append(recordingHook("producer", &calls, nil))
	l.Append(recordingHook("consumer", &calls, nil))

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Stop(context.Background()))
	assert.Equal(t, []string{"start producer", "start consumer", "stop consumer", "stop producer"}, calls)

	require.NoError(t, l.Stop(context.Background()))
	assert.Len(t, calls, 4)
}

func TestLifecycle_StopsOnlyStarted(t *testing.T) {
	var calls []string
	l := NewLifecycle(logging.Discard())
	l.Append(recordingHook("producer", &calls, nil))
	l.Append(recordingHook("consumer", &calls, errors.New("kafka consumer connection timeout.")))

	require.Error(t, l.Start(context.Background()))
	require.NoError(t, l.Stop(context.Background()))
	assert.Equal(t, []string{"start producer", "start consumer", "stop producer"}, calls)
}

func TestApp_RunUntilCancelled(t *testing.T) {
	var calls []string
	ctx, cancel := context.WithCancel(context.Background())

	a := New("cmdbus", logging.Discard(),
		WithHook(recordingHook("broker", &calls, nil)),
		WithRunner(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}),
		WithStopTimeout(time.Second),
	)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Equal(t, []string{"start broker", "stop broker"}, calls)
}

func TestApp_RunnerFailureStops(t *testing.T) {
	boom := errors.New("listen tcp :9090: address already in use")
	a := New("cmdbus", logging.Discard(), WithRunner(func(context.Context) error { return boom }))

	err := a.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}
