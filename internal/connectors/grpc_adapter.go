package connectors

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

// StatusThrottled: код ответа коннектора "повторите позже".
const StatusThrottled = 429

const defaultThrottleDelay = time.Second

// GRPCAdapter исполняет инструменты на удаленном коннекторе.
type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера. timeout <= 0 — 15 секунд.
func NewGRPCAdapter(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{conn: conn, timeout: timeout}
}

func (a *GRPCAdapter) Execute(ctx context.Context, req domain.ToolCallRequest) (domain.Value, error) {
	// 1. Собираем Struct запроса
	in, err := EncodeRequest(ExecuteRequest{
		RequestID: req.ID,
		Tool:      req.Tool,
		TenantID:  req.Context.TenantID,
		UserID:    req.Context.UserID,
		Params:    req.Params,
		Metadata:  map[string]string{"source": "toolgate"},
	})
	if err != nil {
		return domain.Value{}, err
	}

	// 2. Собственный предел адаптера поверх таймаута ReliabilityWrapper
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// 3. Вызов коннектора
	out := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, ExecuteMethod, in, out); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return domain.Value{}, &ThrottleError{RetryAfter: defaultThrottleDelay, Cause: err}
		}
		return domain.Value{}, fmt.Errorf("connector call failed: %w", err)
	}

	// 4. Статус внутри ответа
	resp, err := DecodeResponse(out)
	if err != nil {
		return domain.Value{}, err
	}
	switch {
	case resp.StatusCode == StatusThrottled:
		delay := time.Duration(resp.RetryAfterMs) * time.Millisecond
		if delay <= 0 {
			delay = defaultThrottleDelay
		}
		return domain.Value{}, &ThrottleError{RetryAfter: delay, Cause: fmt.Errorf("%s", resp.ErrorMessage)}
	case resp.StatusCode != 0:
		return domain.Value{}, &RemoteError{Status: resp.StatusCode, Code: resp.ErrorCode, Message: resp.ErrorMessage}
	}
	return resp.Result, nil
}
