package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-toolgate/internal/audit"
)

// Количество колонок в таблице audit_logs
const auditFields = 17

// WriteBatch: пакетная вставка для audit.AgentFS.
func (r *Repo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]any, 0, len(events)*auditFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for j := 1; j <= auditFields; j++ {
			if j > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*auditFields+j)
		}
		sb.WriteByte(')')

		params, err := e.Params.MarshalJSON()
		if err != nil {
			return fmt.Errorf("postgres: marshal audit params: %w", err)
		}
		vals = append(vals,
			e.ID, e.RequestID, e.TenantID, e.UserID, e.Tool, params,
			e.Stage, e.RiskLevel, e.AssessmentID, e.EvidenceID, e.Threats, e.Leaks,
			e.Status, e.ErrorCode, e.Error, e.DurationMs, e.Timestamp,
		)
	}

	query := `INSERT INTO audit_logs (id, request_id, tenant_id, user_id, tool, params,
		stage, risk_level, assessment_id, evidence_id, threats, leaks,
		status, error_code, error, duration_ms, timestamp) VALUES ` + sb.String() + `
		ON CONFLICT (id) DO NOTHING`

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}
