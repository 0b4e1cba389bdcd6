package engine

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/evidence"
	"github.com/xela07ax/spaceai-toolgate/internal/infra/auth"
	"github.com/xela07ax/spaceai-toolgate/internal/registry"
)

const maxBodyBytes = 4 << 20

// executeRequest: тело POST /v1/execute. Идентичность берется только из токена.
type executeRequest struct {
	Tool        string                  `json:"tool"`
	Description string                  `json:"description,omitempty"`
	Params      domain.Value            `json:"params"`
	SessionID   string                  `json:"session_id,omitempty"`
	Behavior    *domain.BehaviorSignals `json:"behavior,omitempty"`
}

type custodyRequest struct {
	Action evidence.CustodyAction `json:"action"`
	Reason string                 `json:"reason,omitempty"`
}

// Server: HTTP-периметр шлюза.
type Server struct {
	gw        *Gateway
	validator auth.TokenValidator
	logger    *zap.Logger
	router    *chi.Mux
}

func NewServer(gw *Gateway, validator auth.TokenValidator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{gw: gw, validator: validator, logger: logger.Named("http"), router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Инфраструктурные Middleware ---
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if g := s.gw.Metrics.Gatherer; g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	// --- 3. Защищенный периметр (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		r.Post("/v1/execute", s.handleExecute)
		r.Get("/v1/tools", s.handleListTools)
		r.Route("/v1/evidence/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetEvidence)
			r.Post("/validate", s.handleValidateEvidence)
			r.Post("/custody", s.handleAddCustody)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// CallContextFrom строит контекст вызова из claims токена.
func CallContextFrom(c *auth.Claims, source string) domain.CallContext {
	return domain.CallContext{
		TenantID:    c.TenantID,
		UserID:      c.UserID,
		Environment: c.Environment,
		UserRole:    c.Role,
		Scopes:      c.Scopes,
		Source:      source,
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	// 1. Читаем и разбираем тело
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "failed to read body")
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, domain.CodeInvalidRequest, "request body too large")
		return
	}
	var in executeRequest
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "malformed request body")
		return
	}

	// 2. Конверт: ID запроса — сквозной, контекст — из токена
	cc := CallContextFrom(claims, "http")
	cc.SessionID = in.SessionID
	resp := s.gw.Process(r.Context(), domain.ToolCallRequest{
		ID:          RequestIDFrom(r.Context()),
		Tool:        in.Tool,
		Description: in.Description,
		Params:      in.Params,
		Context:     cc,
		Behavior:    in.Behavior,
		Timestamp:   time.Now().UTC(),
	})

	// 3. Ответ
	status := http.StatusOK
	if resp.Error != nil {
		status = HTTPStatus(resp.Error.Code)
		if resp.Error.Code == domain.CodeQuotaExceeded {
			if d := retryAfter(resp.Error); d > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.Seconds())+1))
			}
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	out := make([]domain.ToolDescriptor, 0)
	for _, d := range s.gw.Registry.List() {
		if registry.Permitted(d, claims.Scopes) {
			out = append(out, d)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// loadBinding отдает связку только ее тенанту (или обладателю скоупа "*").
func (s *Server) loadBinding(w http.ResponseWriter, r *http.Request) (evidence.Binding, bool) {
	claims, _ := auth.FromContext(r.Context())
	b, err := s.gw.Evidence.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, evidence.ErrBindingNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "evidence binding not found")
		return b, false
	}
	if err != nil {
		s.logger.Error("evidence lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "evidence lookup failed")
		return b, false
	}
	if b.Metadata["tenant_id"] != claims.TenantID && !hasScope(claims, registry.ScopeAll) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "evidence binding not found")
		return b, false
	}
	return b, true
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	if b, ok := s.loadBinding(w, r); ok {
		writeJSON(w, http.StatusOK, b)
	}
}

func (s *Server) handleValidateEvidence(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBinding(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.gw.Evidence.Validate(r.Context(), b))
}

func (s *Server) handleAddCustody(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBinding(w, r)
	if !ok {
		return
	}
	var in custodyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "malformed request body")
		return
	}
	claims, _ := auth.FromContext(r.Context())
	rec, err := s.gw.Evidence.AddCustody(r.Context(), b.ID, in.Action, claims.UserID, in.Reason)
	switch {
	case errors.Is(err, evidence.ErrInvalidAction), errors.Is(err, evidence.ErrActorRequired):
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
	case err != nil:
		s.logger.Error("custody append failed", zap.String("binding_id", b.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "custody append failed")
	default:
		writeJSON(w, http.StatusCreated, rec)
	}
}

// retryAfter: сколько ждать до сброса квоты; 0, если неизвестно.
func retryAfter(e *domain.ErrorInfo) time.Duration {
	var reset time.Time
	switch v := e.Details["reset_at"].(type) {
	case time.Time:
		reset = v
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return 0
		}
		reset = t
	default:
		return 0
	}
	if d := time.Until(reset); d > 0 {
		return d
	}
	return 0
}

func hasScope(c *auth.Claims, scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HTTPStatus отображает код ошибки пайплайна в HTTP-статус.
func HTTPStatus(code string) int {
	switch code {
	case domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeInputBlocked:
		return http.StatusUnprocessableEntity
	case domain.CodeToolNotFound:
		return http.StatusNotFound
	case domain.CodeToolNotPermitted, domain.CodeApprovalDenied, domain.CodeRiskBlocked:
		return http.StatusForbidden
	case domain.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.CodeApprovalRequired:
		return http.StatusAccepted
	case domain.CodeExecutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": domain.ErrorInfo{Code: code, Message: msg}})
}
