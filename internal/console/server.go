package console

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/engine"
	"github.com/xela07ax/spaceai-toolgate/internal/infra/auth"
)

// RoleOperator: роль, которой открыта консоль (наряду с admin).
const RoleOperator = "operator"

// Server: API оператора: очередь HITL и рубильник.
type Server struct {
	router    *chi.Mux
	service   *Service
	validator auth.TokenValidator
	logger    *zap.Logger
}

func NewServer(service *Service, validator auth.TokenValidator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:    chi.NewRouter(),
		service:   service,
		validator: validator,
		logger:    logger.Named("console-api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(engine.RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))
		r.Use(requireOperator)

		// Human-in-the-loop (Approvals)
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.listApprovals)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getApproval)
				r.Post("/decide", s.decide)
			})
		})

		// Рубильник: tool/<name>, tenant/<id>
		r.Route("/v1/killswitch", func(r chi.Router) {
			r.Get("/", s.listDisabled)
			r.Post("/", s.toggle)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := auth.FromContext(r.Context())
		if !ok || (c.Role != "admin" && c.Role != RoleOperator) {
			writeError(w, http.StatusForbidden, "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	list, err := s.service.PendingApprovals(r.Context(), limit)
	if err != nil {
		s.logger.Error("list approvals failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.service.Approval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.approvalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type decideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Ревьюер — владелец токена
	c, _ := auth.FromContext(r.Context())
	a, err := s.service.Decide(r.Context(), chi.URLParam(r, "id"), req.Approved, c.UserID, req.Comment)
	if err != nil {
		s.approvalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) approvalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrApprovalNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrApprovalsDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("approval operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "approval operation failed")
	}
}

type toggleRequest struct {
	Target   string `json:"target"`
	Disabled bool   `json:"disabled"`
	Reason   string `json:"reason"`
}

func (s *Server) listDisabled(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"disabled": s.service.DisabledTargets()})
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, _ := auth.FromContext(r.Context())
	err := s.service.SetDisabled(r.Context(), req.Target, req.Disabled, req.Reason, c.UserID)
	switch {
	case errors.Is(err, ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "kill switch update failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
