package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/xela07ax/spaceai-toolgate/internal/connectors"
	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/registry"
)

func TestReliabilityRetriesTransientFailures(t *testing.T) {
	mock := &connectors.MockConnector{FailFirst: 2}
	w := NewReliabilityWrapper(mock, ReliabilityConfig{Attempts: 3, AttemptTimeout: time.Second}, nil, nil)

	out, err := w.Execute(context.Background(), newCall("send_email", map[string]any{"to": "bob"}))
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := out.Get("status"); s.Str() != "sent" {
		t.Fatalf("unexpected output: %v", out)
	}
	if mock.Calls() != 3 {
		t.Fatalf("calls: %d", mock.Calls())
	}
}

func TestReliabilityDoesNotRetryRemoteErrors(t *testing.T) {
	var calls atomic.Int64
	exec := registry.ExecutorFunc(func(context.Context, domain.ToolCallRequest) (domain.Value, error) {
		calls.Add(1)
		return domain.Value{}, &connectors.RemoteError{Status: 400, Code: "BAD_INPUT", Message: "no"}
	})
	w := NewReliabilityWrapper(exec, ReliabilityConfig{Attempts: 3}, nil, nil)

	_, err := w.Execute(context.Background(), newCall("send_email", nil))
	var re *connectors.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("remote error retried: %d calls", calls.Load())
	}
}

func TestReliabilityHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int64
	exec := registry.ExecutorFunc(func(context.Context, domain.ToolCallRequest) (domain.Value, error) {
		if calls.Add(1) == 1 {
			return domain.Value{}, &connectors.ThrottleError{RetryAfter: 30 * time.Millisecond}
		}
		return domain.String("ok"), nil
	})
	w := NewReliabilityWrapper(exec, ReliabilityConfig{Attempts: 2}, nil, nil)

	start := time.Now()
	if _, err := w.Execute(context.Background(), newCall("x", nil)); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("retry did not wait for RetryAfter")
	}
}

func TestReliabilityCircuitBreakerOpens(t *testing.T) {
	mock := &connectors.MockConnector{}
	metrics := NewMetrics(nil)
	w := NewReliabilityWrapper(mock, ReliabilityConfig{
		Name:       "flaky",
		Attempts:   1,
		CBFailures: 1,
		CBTimeout:  time.Minute,
	}, metrics, nil)

	for i := 0; i < 2; i++ {
		if _, err := w.Execute(context.Background(), newCall("unstable_service", nil)); err == nil {
			t.Fatalf("expected failure")
		}
	}
	if w.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state: %v", w.State())
	}
	_, err := w.Execute(context.Background(), newCall("unstable_service", nil))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if mock.Calls() != 2 {
		t.Fatalf("open breaker let call through: %d", mock.Calls())
	}
}
