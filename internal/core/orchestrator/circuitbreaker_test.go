package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ste-bah/rollup-engine/domain/execution"
	svcerrors "github.com/ste-bah/rollup-engine/infrastructure/errors"
)

func TestCircuitOpensAfterFailureThreshold(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: 50 * time.Millisecond, FailureWindow: time.Minute}
	reg := NewCircuitBreakerRegistry(cfg)

	fail := func(ctx context.Context) error { return errors.New("boom") }
	for i := 0; i < 3; i++ {
		_ = reg.Execute(context.Background(), "scan-store", fail, nil)
	}
	assert.Equal(t, execution.CircuitOpen, reg.State("scan-store"))

	err := reg.Execute(context.Background(), "scan-store", func(ctx context.Context) error {
		t.Fatal("fn must not run while circuit is open")
		return nil
	}, nil)
	se := svcerrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, svcerrors.CodeCircuitOpen, se.Code)
}

func TestCircuitHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 10 * time.Millisecond, FailureWindow: time.Minute}
	reg := NewCircuitBreakerRegistry(cfg)

	_ = reg.Execute(context.Background(), "svc", func(ctx context.Context) error { return errors.New("boom") }, nil)
	require.Equal(t, execution.CircuitOpen, reg.State("svc"))

	time.Sleep(15 * time.Millisecond)

	ok := func(ctx context.Context) error { return nil }
	require.NoError(t, reg.Execute(context.Background(), "svc", ok, nil))
	assert.Equal(t, execution.CircuitHalfOpen, reg.State("svc"))

	require.NoError(t, reg.Execute(context.Background(), "svc", ok, nil))
	assert.Equal(t, execution.CircuitClosed, reg.State("svc"))
}

func TestCircuitHalfOpenReopensOnFailure(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 10 * time.Millisecond, FailureWindow: time.Minute}
	reg := NewCircuitBreakerRegistry(cfg)

	_ = reg.Execute(context.Background(), "svc", func(ctx context.Context) error { return errors.New("boom") }, nil)
	time.Sleep(15 * time.Millisecond)

	_ = reg.Execute(context.Background(), "svc", func(ctx context.Context) error { return errors.New("still broken") }, nil)
	assert.Equal(t, execution.CircuitOpen, reg.State("svc"))
}

func TestCircuitFallbackInvokedWhileOpen(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Minute, FailureWindow: time.Minute}
	reg := NewCircuitBreakerRegistry(cfg)

	_ = reg.Execute(context.Background(), "svc", func(ctx context.Context) error { return errors.New("boom") }, nil)

	called := false
	err := reg.Execute(context.Background(), "svc", func(ctx context.Context) error {
		t.Fatal("fn must not run while circuit is open")
		return nil
	}, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, ResetTimeout: time.Minute, FailureWindow: 10 * time.Millisecond}
	reg := NewCircuitBreakerRegistry(cfg)

	_ = reg.Execute(context.Background(), "svc", func(ctx context.Context) error { return errors.New("boom") }, nil)
	time.Sleep(15 * time.Millisecond)
	_ = reg.Execute(context.Background(), "svc", func(ctx context.Context) error { return errors.New("boom again") }, nil)

	assert.Equal(t, execution.CircuitClosed, reg.State("svc"))
}
