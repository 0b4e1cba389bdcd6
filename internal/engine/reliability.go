package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-toolgate/internal/connectors"
	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/registry"
)

// ReliabilityConfig: параметры обертки исполнителя.
type ReliabilityConfig struct {
	Name           string
	RatePerSecond  float64
	Burst          int
	Attempts       uint
	AttemptTimeout time.Duration
	CBMaxRequests  uint32
	CBInterval     time.Duration
	CBTimeout      time.Duration
	CBFailures     uint32
}

func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Name:           "toolgate-connector",
		RatePerSecond:  100,
		Burst:          20,
		Attempts:       3,
		AttemptTimeout: 10 * time.Second,
		CBMaxRequests:  3,
		CBInterval:     5 * time.Second,
		CBTimeout:      30 * time.Second,
		CBFailures:     5,
	}
}

// ReliabilityWrapper: rate limit -> circuit breaker -> retries с таймаутом на попытку.
type ReliabilityWrapper struct {
	next    registry.Executor
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

func NewReliabilityWrapper(next registry.Executor, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultReliabilityConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.CBFailures == 0 {
		cfg.CBFailures = def.CBFailures
	}
	log := logger.Named("reliability")

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.CBFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("connector", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
			}
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

func (w *ReliabilityWrapper) Execute(ctx context.Context, req domain.ToolCallRequest) (domain.Value, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return domain.Value{}, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	res, err := w.cb.Execute(func() (interface{}, error) {
		var out domain.Value
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.LastErrorOnly(true),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Коннектор вернул ThrottleError — ждем столько, сколько он попросил
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// В остальных случаях — экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
			retry.RetryIf(func(err error) bool {
				// Бизнес-ошибку коннектора повторять бессмысленно
				var re *connectors.RemoteError
				return !errors.As(err, &re)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
			defer cancel()

			var callErr error
			out, callErr = w.next.Execute(tCtx, req)
			return callErr
		})
		return out, retryErr
	})
	if err != nil {
		return domain.Value{}, err
	}
	return res.(domain.Value), nil
}

func (w *ReliabilityWrapper) State() gobreaker.State { return w.cb.State() }

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
