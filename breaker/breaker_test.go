package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/cmdbus/config"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/xerrors"
)

var errInfra = errors.New("connection refused")

func enabled() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{Enabled: true, Timeout: time.Minute, MaxRequests: 1}
}

func TestBreakerDisabledPassesThrough(t *testing.T) {
	b := NewBreaker(Settings{Name: "db"}, nil)
	for range 10 {
		require.ErrorIs(t, b.Execute(func() error { return errInfra }), errInfra)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerOpensOnInfraFailures(t *testing.T) {
	b := NewBreaker(Settings{Name: "db", Config: enabled(), MinRequests: 3, Logger: logging.Discard()}, nil)
	for range 3 {
		require.ErrorIs(t, b.Execute(func() error { return errInfra }), errInfra)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrServiceUnavailable)
	assert.True(t, xerrors.IsType(err, xerrors.ErrConnection))
	assert.False(t, called)
}

func TestBreakerIgnoresBusinessErrors(t *testing.T) {
	errBusiness := errors.New("insufficient balance")
	b := NewBreaker(Settings{
		Name:         "db",
		Config:       enabled(),
		MinRequests:  3,
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, errBusiness) },
	}, nil)

	for range 10 {
		require.ErrorIs(t, b.Execute(func() error { return errBusiness }), errBusiness)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestExecuteTypedReturnsValue(t *testing.T) {
	b := NewBreaker(Settings{Name: "typed", Config: enabled()}, nil)
	v, err := ExecuteTyped(b, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
