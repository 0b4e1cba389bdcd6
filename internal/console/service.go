package console

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

var (
	ErrInvalidTarget = errors.New("target must be tool/<name> or tenant/<id>")
	// ErrApprovalsDisabled: шлюз запущен без Redis, заявок нет.
	ErrApprovalsDisabled = errors.New("approvals are not configured")
)

// ApprovalQueue: очередь заявок HITL (RedisApprovalBroker).
type ApprovalQueue interface {
	Pending(ctx context.Context, limit int64) ([]domain.ApprovalRequest, error)
	Get(ctx context.Context, id string) (domain.ApprovalRequest, error)
	Decide(ctx context.Context, id string, approved bool, reviewerID, comment string) (domain.ApprovalRequest, error)
}

// Switchboard: рубильник, разосланный по инстансам (KillSwitch).
type Switchboard interface {
	Toggle(ctx context.Context, target string, disabled bool) error
	Targets() []string
}

// SwitchRepository: долговременное состояние рубильника (Postgres).
type SwitchRepository interface {
	SetDisabled(ctx context.Context, target string, disabled bool, reason string) error
}

// Service: операции оператора: решения по заявкам и рубильник.
type Service struct {
	approvals ApprovalQueue
	switches  Switchboard
	repo      SwitchRepository
	logger    *zap.Logger
}

// NewService; approvals и repo могут быть nil.
func NewService(approvals ApprovalQueue, switches Switchboard, repo SwitchRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{approvals: approvals, switches: switches, repo: repo, logger: logger.Named("console")}
}

func (s *Service) PendingApprovals(ctx context.Context, limit int64) ([]domain.ApprovalRequest, error) {
	if s.approvals == nil {
		return []domain.ApprovalRequest{}, nil
	}
	return s.approvals.Pending(ctx, limit)
}

func (s *Service) Approval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	if s.approvals == nil {
		return domain.ApprovalRequest{}, ErrApprovalsDisabled
	}
	return s.approvals.Get(ctx, id)
}

func (s *Service) Decide(ctx context.Context, id string, approved bool, reviewerID, comment string) (domain.ApprovalRequest, error) {
	if s.approvals == nil {
		return domain.ApprovalRequest{}, ErrApprovalsDisabled
	}
	return s.approvals.Decide(ctx, id, approved, reviewerID, comment)
}

// SetDisabled сначала фиксирует состояние в БД, затем рассылает сигнал.
func (s *Service) SetDisabled(ctx context.Context, target string, disabled bool, reason, actor string) error {
	if !validTarget(target) {
		return ErrInvalidTarget
	}

	// 1. Persistence Layer
	if s.repo != nil {
		if err := s.repo.SetDisabled(ctx, target, disabled, reason); err != nil {
			s.logger.Error("failed to persist kill switch", zap.String("target", target), zap.Error(err))
			return fmt.Errorf("kill switch database error: %w", err)
		}
	}

	// 2. Real-time Signaling
	if err := s.switches.Toggle(ctx, target, disabled); err != nil {
		return err
	}
	s.logger.Warn("kill switch updated",
		zap.String("target", target),
		zap.Bool("disabled", disabled),
		zap.String("actor", actor),
		zap.String("reason", reason))
	return nil
}

func (s *Service) DisabledTargets() []string { return s.switches.Targets() }

func validTarget(t string) bool {
	kind, name, ok := strings.Cut(t, "/")
	return ok && name != "" && !strings.Contains(name, ":") && (kind == "tool" || kind == "tenant")
}
