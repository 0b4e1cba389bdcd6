package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

// ErrApprovalNotFound: заявки нет в таблице approvals.
var ErrApprovalNotFound = errors.New("approval not found")

// CreateApproval сохраняет новую заявку на согласование.
func (r *Repo) CreateApproval(ctx context.Context, req domain.ApprovalRequest) error {
	query := `INSERT INTO approvals (id, request_id, tenant_id, user_id, tool, payload,
		assessment_id, risk_level, reasoning, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		req.ID, req.RequestID, req.TenantID, req.UserID, req.Tool, req.Payload,
		req.AssessmentID, req.RiskLevel, req.Reasoning, string(req.Status), req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create approval: %w", err)
	}
	return nil
}

// UpdateApprovalStatus фиксирует решение. Повторное решение по закрытой заявке — ErrAlreadyProcessed.
func (r *Repo) UpdateApprovalStatus(ctx context.Context, req domain.ApprovalRequest) error {
	query := `UPDATE approvals SET status = $1, reviewer_id = $2, comment = $3, updated_at = $4
		WHERE id = $5 AND status = $6`

	tag, err := r.pool.Exec(ctx, query,
		string(req.Status), req.ReviewerID, req.Comment, req.UpdatedAt, req.ID, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("postgres: update approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetApproval(ctx, req.ID); err != nil {
			return err
		}
		return domain.ErrAlreadyProcessed
	}
	return nil
}

func (r *Repo) GetApproval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var status string
	err := r.pool.QueryRow(ctx, `SELECT id, request_id, tenant_id, user_id, tool, payload,
		assessment_id, risk_level, reasoning, status, reviewer_id, comment, created_at, updated_at
		FROM approvals WHERE id = $1`, id).Scan(
		&a.ID, &a.RequestID, &a.TenantID, &a.UserID, &a.Tool, &a.Payload,
		&a.AssessmentID, &a.RiskLevel, &a.Reasoning, &status, &a.ReviewerID, &a.Comment, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	if err != nil {
		return a, fmt.Errorf("postgres: get approval: %w", err)
	}
	a.Status = domain.ApprovalStatus(status)
	return a, nil
}

// ListPendingApprovals: очередь ревьюера, старые сверху.
func (r *Repo) ListPendingApprovals(ctx context.Context, limit int) ([]domain.ApprovalRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, request_id, tenant_id, user_id, tool, risk_level, reasoning, created_at
		FROM approvals WHERE status = $1 ORDER BY created_at LIMIT $2`, string(domain.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list approvals: %w", err)
	}
	defer rows.Close()

	var out []domain.ApprovalRequest
	for rows.Next() {
		a := domain.ApprovalRequest{Status: domain.StatusPending}
		if err := rows.Scan(&a.ID, &a.RequestID, &a.TenantID, &a.UserID, &a.Tool, &a.RiskLevel, &a.Reasoning, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
