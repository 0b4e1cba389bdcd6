package engine

/*
Файл approval.go — Human-in-the-loop для рискованных вызовов.

Шлюз кладет заявку в Redis, публикует ее в канал ожидающих и ждет решения
в персональном канале заявки. Оператор (консоль, toolgatectl) вызывает Decide:
статус меняется по правилам конечного автомата и публикуется "пробуждение".
Если Redis недоступен или решение не пришло — шлюз уходит по таймауту (fail-safe).
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/infra"
)

var ErrApprovalNotFound = errors.New("approval request not found")

// ApprovalBroker доставляет заявку человеку и ждет решения.
// Возвращает заявку в финальном статусе или ошибку контекста.
type ApprovalBroker interface {
	RequestApproval(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalRequest, error)
}

// ApprovalRecorder: долговременное хранилище заявок (Postgres).
type ApprovalRecorder interface {
	CreateApproval(ctx context.Context, a domain.ApprovalRequest) error
	UpdateApprovalStatus(ctx context.Context, a domain.ApprovalRequest) error
}

type approvalDecision struct {
	Status     domain.ApprovalStatus `json:"status"`
	ReviewerID string                `json:"reviewer_id"`
	Comment    string                `json:"comment,omitempty"`
}

type RedisApprovalBroker struct {
	rdb      redis.UniversalClient
	recorder ApprovalRecorder
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewRedisApprovalBroker(rdb redis.UniversalClient, recorder ApprovalRecorder, ttl time.Duration, logger *zap.Logger) *RedisApprovalBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisApprovalBroker{
		rdb:      rdb,
		recorder: recorder,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.Named("approvals"),
	}
}

func approvalKey(id string) string { return infra.RedisNamespace + ":approvals:" + id }

func decisionChannel(id string) string {
	return fmt.Sprintf("%s:execution:%s", infra.RedisChanApprovalDecisions, id)
}

func (b *RedisApprovalBroker) RequestApproval(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalRequest, error) {
	now := b.now().UTC()
	req.Status = domain.StatusPending
	req.CreatedAt, req.UpdatedAt = now, now

	// 1. Подписываемся до публикации заявки, чтобы не пропустить быстрое решение
	pubsub := b.rdb.Subscribe(ctx, decisionChannel(req.ID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return req, fmt.Errorf("approvals: subscribe: %w", err)
	}

	// 2. Сохраняем и анонсируем заявку
	data, err := json.Marshal(req)
	if err != nil {
		return req, fmt.Errorf("approvals: marshal: %w", err)
	}
	if err := b.rdb.Set(ctx, approvalKey(req.ID), data, b.ttl).Err(); err != nil {
		return req, fmt.Errorf("approvals: store: %w", err)
	}
	if err := b.rdb.ZAdd(ctx, infra.RedisKeyPendingApprovals, redis.Z{Score: float64(now.UnixMilli()), Member: req.ID}).Err(); err != nil {
		b.logger.Warn("pending approval not indexed", zap.String("approval_id", req.ID), zap.Error(err))
	}
	if b.recorder != nil {
		if err := b.recorder.CreateApproval(ctx, req); err != nil {
			b.logger.Error("failed to persist approval request", zap.String("approval_id", req.ID), zap.Error(err))
		}
	}
	if err := b.rdb.Publish(ctx, infra.RedisChanApprovalRequests, data).Err(); err != nil {
		b.logger.Warn("pending approval not announced", zap.String("approval_id", req.ID), zap.Error(err))
	}
	b.logger.Info("waiting for approval",
		zap.String("approval_id", req.ID), zap.String("tool", req.Tool), zap.String("risk_level", req.RiskLevel))

	// 3. Ждем сигнал или таймаут вызывающего
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return req, fmt.Errorf("approvals: decision channel closed")
			}
			var d approvalDecision
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				b.logger.Error("invalid decision payload", zap.String("approval_id", req.ID), zap.Error(err))
				continue
			}
			if err := req.CanTransitionTo(d.Status); err != nil {
				continue
			}
			req.Status = d.Status
			req.ReviewerID = &d.ReviewerID
			if d.Comment != "" {
				req.Comment = &d.Comment
			}
			req.UpdatedAt = b.now().UTC()
			return req, nil
		}
	}
}

// Get возвращает заявку из Redis.
func (b *RedisApprovalBroker) Get(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	data, err := b.rdb.Get(ctx, approvalKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return a, ErrApprovalNotFound
	}
	if err != nil {
		return a, fmt.Errorf("approvals: load: %w", err)
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("approvals: decode: %w", err)
	}
	return a, nil
}

// Pending: очередь ревьюера, старые заявки первыми. Истекшие по TTL вычищаются из индекса.
func (b *RedisApprovalBroker) Pending(ctx context.Context, limit int64) ([]domain.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := b.rdb.ZRange(ctx, infra.RedisKeyPendingApprovals, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("approvals: list pending: %w", err)
	}
	out := make([]domain.ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		a, err := b.Get(ctx, id)
		if errors.Is(err, ErrApprovalNotFound) || (err == nil && a.Status != domain.StatusPending) {
			b.rdb.ZRem(ctx, infra.RedisKeyPendingApprovals, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Decide фиксирует решение оператора и будит ожидающий шлюз.
func (b *RedisApprovalBroker) Decide(ctx context.Context, id string, approved bool, reviewerID, comment string) (domain.ApprovalRequest, error) {
	if reviewerID == "" {
		return domain.ApprovalRequest{}, fmt.Errorf("approvals: reviewer_id is required")
	}

	// 1. Лок от двойного решения с разных консолей
	lockKey := infra.RedisKeyLockApprovalsExec + id
	ok, err := b.rdb.SetNX(ctx, lockKey, reviewerID, 30*time.Second).Result()
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("approvals: lock: %w", err)
	}
	if !ok {
		return domain.ApprovalRequest{}, domain.ErrAlreadyProcessed
	}
	defer b.rdb.Del(context.WithoutCancel(ctx), lockKey)

	// 2. Переход по конечному автомату
	a, err := b.Get(ctx, id)
	if err != nil {
		return a, err
	}
	status := domain.StatusRejected
	if approved {
		status = domain.StatusApproved
	}
	if err := a.CanTransitionTo(status); err != nil {
		return a, err
	}
	a.Status = status
	a.ReviewerID = &reviewerID
	if comment != "" {
		a.Comment = &comment
	}
	a.UpdatedAt = b.now().UTC()

	data, err := json.Marshal(a)
	if err != nil {
		return a, fmt.Errorf("approvals: marshal: %w", err)
	}
	if err := b.rdb.Set(ctx, approvalKey(id), data, b.ttl).Err(); err != nil {
		return a, fmt.Errorf("approvals: store: %w", err)
	}
	b.rdb.ZRem(ctx, infra.RedisKeyPendingApprovals, id)
	if b.recorder != nil {
		if err := b.recorder.UpdateApprovalStatus(ctx, a); err != nil {
			b.logger.Error("failed to persist approval decision", zap.String("approval_id", id), zap.Error(err))
		}
	}

	// 3. Сигнал "пробуждения" для горутины шлюза
	sig, _ := json.Marshal(approvalDecision{Status: status, ReviewerID: reviewerID, Comment: comment})
	if err := b.rdb.Publish(ctx, decisionChannel(id), sig).Err(); err != nil {
		// Шлюз завершится по таймауту
		b.logger.Error("decision saved but signal not delivered", zap.String("approval_id", id), zap.Error(err))
		return a, fmt.Errorf("approvals: signal: %w", err)
	}

	b.logger.Info("approval decision processed",
		zap.String("approval_id", id), zap.String("reviewer", reviewerID), zap.String("result", string(status)))
	return a, nil
}
