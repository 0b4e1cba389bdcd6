package audit

import (
	"time"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

// Статусы обработки вызова.
const (
	StatusSuccess         = "SUCCESS"
	StatusFailed          = "FAILED"
	StatusBlocked         = "BLOCKED"
	StatusPendingApproval = "PENDING_APPROVAL"
)

type AuditEvent struct {
	ID        string `json:"id"`         // UUID события
	RequestID string `json:"request_id"` // Сквозной ID запроса
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	Tool      string `json:"tool"`

	// Params: параметры после санитизации; сырые значения в аудит не попадают
	Params domain.Value `json:"params"`

	// Где закончился пайплайн и с каким решением
	Stage        string `json:"stage"`
	RiskLevel    string `json:"risk_level,omitempty"`
	AssessmentID string `json:"assessment_id,omitempty"`
	EvidenceID   string `json:"evidence_id,omitempty"`
	Threats      int    `json:"threats,omitempty"`
	Leaks        int    `json:"leaks,omitempty"`

	// Результат
	Status     string    `json:"status"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}
