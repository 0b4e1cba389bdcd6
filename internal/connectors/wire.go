package connectors

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

// Сервис коннектора описан без сгенерированного кода: запрос и ответ —
// google.protobuf.Struct, метод вызывается по полному имени.
const (
	ServiceName   = "toolgate.connector.v1.ConnectorService"
	ExecuteMethod = "/" + ServiceName + "/Execute"
)

// ExecuteRequest: содержимое Struct запроса.
type ExecuteRequest struct {
	RequestID string
	Tool      string
	TenantID  string
	UserID    string
	Params    domain.Value
	Metadata  map[string]string
}

// ExecuteResponse: содержимое Struct ответа. StatusCode 0 — успех.
type ExecuteResponse struct {
	StatusCode   int
	ErrorCode    string
	ErrorMessage string
	Result       domain.Value
	RetryAfterMs int64
}

func EncodeRequest(r ExecuteRequest) (*structpb.Struct, error) {
	md := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		md[k] = v
	}
	params := r.Params.ToAny()
	if params == nil {
		params = map[string]any{}
	}
	s, err := structpb.NewStruct(map[string]any{
		"request_id": r.RequestID,
		"tool":       r.Tool,
		"tenant_id":  r.TenantID,
		"user_id":    r.UserID,
		"params":     params,
		"metadata":   md,
	})
	if err != nil {
		return nil, fmt.Errorf("connectors: encode request: %w", err)
	}
	return s, nil
}

func DecodeRequest(s *structpb.Struct) (ExecuteRequest, error) {
	m := s.AsMap()
	params, err := domain.FromAny(m["params"])
	if err != nil {
		return ExecuteRequest{}, fmt.Errorf("connectors: decode params: %w", err)
	}
	r := ExecuteRequest{
		RequestID: str(m["request_id"]),
		Tool:      str(m["tool"]),
		TenantID:  str(m["tenant_id"]),
		UserID:    str(m["user_id"]),
		Params:    params,
		Metadata:  map[string]string{},
	}
	if md, ok := m["metadata"].(map[string]any); ok {
		for k, v := range md {
			r.Metadata[k] = str(v)
		}
	}
	return r, nil
}

func EncodeResponse(r ExecuteResponse) (*structpb.Struct, error) {
	fields := map[string]any{
		"status_code": float64(r.StatusCode),
	}
	if r.ErrorCode != "" {
		fields["error_code"] = r.ErrorCode
	}
	if r.ErrorMessage != "" {
		fields["error_message"] = r.ErrorMessage
	}
	if r.RetryAfterMs > 0 {
		fields["retry_after_ms"] = float64(r.RetryAfterMs)
	}
	if !r.Result.IsNull() {
		fields["result"] = r.Result.ToAny()
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("connectors: encode response: %w", err)
	}
	return s, nil
}

func DecodeResponse(s *structpb.Struct) (ExecuteResponse, error) {
	m := s.AsMap()
	result, err := domain.FromAny(m["result"])
	if err != nil {
		return ExecuteResponse{}, fmt.Errorf("connectors: decode result: %w", err)
	}
	code, _ := m["status_code"].(float64)
	retry, _ := m["retry_after_ms"].(float64)
	return ExecuteResponse{
		StatusCode:   int(code),
		ErrorCode:    str(m["error_code"]),
		ErrorMessage: str(m["error_message"]),
		Result:       result,
		RetryAfterMs: int64(retry),
	}, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
