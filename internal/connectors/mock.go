package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

// MockConnector: локальный коннектор для dev-окружения и тестов.
// Отвечает заготовленными ответами и умеет имитировать задержку и сбои.
type MockConnector struct {
	// MaxLatency > 0 включает случайную задержку [0, MaxLatency)
	MaxLatency time.Duration
	// FailFirst: сколько первых вызовов завершатся ошибкой
	FailFirst int64

	calls atomic.Int64
}

func (c *MockConnector) Calls() int64 { return c.calls.Load() }

func (c *MockConnector) Execute(ctx context.Context, req domain.ToolCallRequest) (domain.Value, error) {
	n := c.calls.Add(1)

	if c.MaxLatency > 0 {
		latency := time.Duration(rand.Int64N(int64(c.MaxLatency)))
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return domain.Value{}, ctx.Err()
		}
	}

	if n <= c.FailFirst || req.Tool == "unstable_service" {
		return domain.Value{}, fmt.Errorf("service internal error")
	}

	switch req.Tool {
	case "read_file":
		path, _ := req.Params.Get("path")
		return domain.MustFromAny(map[string]any{
			"path":    path.Str(),
			"content": "hello from " + path.Str(),
		}), nil
	case "send_email":
		return domain.MustFromAny(map[string]any{"status": "sent", "message_id": "msg-" + req.ID}), nil
	case "transfer_funds":
		amount, _ := req.Params.Get("amount")
		return domain.MustFromAny(map[string]any{"status": "accepted", "amount": amount.Number()}), nil
	case "query_database":
		return domain.MustFromAny(map[string]any{
			"rows": []any{map[string]any{"id": 1, "tenant_id": req.Context.TenantID, "balance": 5000}},
		}), nil
	default:
		return domain.Value{}, fmt.Errorf("tool %s not supported by connector", req.Tool)
	}
}
