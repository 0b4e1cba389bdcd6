package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-toolgate/internal/connectors"
	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/infra/auth"
)

// GRPCGatewayServer отдает пайплайн по тому же контракту, что и коннекторы:
// оркестратор может подключить шлюз как обычный коннектор.
type GRPCGatewayServer struct {
	gw     *Gateway
	logger *zap.Logger
}

func NewGRPCGatewayServer(gw *Gateway, logger *zap.Logger) *GRPCGatewayServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCGatewayServer{gw: gw, logger: logger.Named("grpc")}
}

// Register вешает сервис на grpc.Server.
func (s *GRPCGatewayServer) Register(srv *grpc.Server) {
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: connectors.ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Execute",
			Handler:    s.handle,
		}},
		Metadata: "toolgate/connector/v1/connector.proto",
	}, s)
}

func (s *GRPCGatewayServer) handle(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: connectors.ExecuteMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.Execute(ctx, req.(*structpb.Struct))
	})
}

// Execute прогоняет запрос через пайплайн. Отказ пайплайна — это ответ
// с ненулевым StatusCode, а не ошибка транспорта.
func (s *GRPCGatewayServer) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := auth.FromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing identity")
	}
	req, err := connectors.DecodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	// Тенант и пользователь из тела игнорируются: только токен
	cc := CallContextFrom(claims, "grpc")
	cc.SessionID = req.Metadata["session_id"]
	resp := s.gw.Process(ctx, domain.ToolCallRequest{
		ID:          req.RequestID,
		Tool:        req.Tool,
		Description: req.Metadata["description"],
		Params:      req.Params,
		Context:     cc,
		Timestamp:   time.Now().UTC(),
	})

	out := connectors.ExecuteResponse{}
	if resp.Data != nil {
		out.Result = *resp.Data
	}
	if resp.Error != nil {
		out.StatusCode = HTTPStatus(resp.Error.Code)
		out.ErrorCode = resp.Error.Code
		out.ErrorMessage = resp.Error.Message
		if resp.Error.Code == domain.CodeQuotaExceeded {
			out.RetryAfterMs = retryAfter(resp.Error).Milliseconds()
		}
	}
	return connectors.EncodeResponse(out)
}
