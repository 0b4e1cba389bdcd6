package domain

import "time"

// CallContext: кто и откуда вызывает инструмент.
type CallContext struct {
	TenantID    string `json:"tenant_id"`
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id,omitempty"`
	Environment string `json:"environment,omitempty"` // production, staging, development
	UserRole    string `json:"user_role,omitempty"`
	Source      string `json:"source,omitempty"` // http, grpc, cli
	// Scopes: права из токена вызывающего, проверяются по permissions инструмента
	Scopes []string `json:"scopes,omitempty"`
}

// BehaviorSignals: наблюдения оркестратора о поведении агента.
// Используются детекторами deceptive compliance и reward hacking.
type BehaviorSignals struct {
	SelfValidated                 bool     `json:"self_validated,omitempty"`
	ExternallyVerified            bool     `json:"externally_verified,omitempty"`
	ExternalVerificationAvailable *bool    `json:"external_verification_available,omitempty"`
	ReasoningVisible              *bool    `json:"reasoning_visible,omitempty"`
	StepCount                     int      `json:"step_count,omitempty"`
	ClaimsUrgency                 bool     `json:"claims_urgency,omitempty"`
	RequestsReviewBypass          bool     `json:"requests_review_bypass,omitempty"`
	ClaimsSuccess                 bool     `json:"claims_success,omitempty"`
	EvidenceProvided              bool     `json:"evidence_provided,omitempty"`
	TaskComplexity                string   `json:"task_complexity,omitempty"` // low, medium, high
	CompletionSeconds             float64  `json:"completion_seconds,omitempty"`
	DeclaredScope                 []string `json:"declared_scope,omitempty"`
	ModifiedPaths                 []string `json:"modified_paths,omitempty"`
	ReasoningAlignment            *float64 `json:"reasoning_alignment,omitempty"` // 0..1
	CandidateCode                 string   `json:"candidate_code,omitempty"`
}

// ToolCallRequest: входной конверт от оркестратора. После передачи в пайплайн не меняется.
type ToolCallRequest struct {
	ID          string           `json:"id"`
	Tool        string           `json:"tool"`
	Description string           `json:"description,omitempty"`
	Params      Value            `json:"params"`
	Context     CallContext      `json:"context"`
	Behavior    *BehaviorSignals `json:"behavior,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Коды ошибок, которые видит оркестратор.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInputBlocked     = "INPUT_BLOCKED"
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodeToolNotPermitted = "TOOL_NOT_PERMITTED"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeApprovalRequired = "APPROVAL_REQUIRED"
	CodeApprovalDenied   = "APPROVAL_DENIED"
	CodeRiskBlocked      = "RISK_BLOCKED"
	CodeExecutionFailed  = "EXECUTION_FAILED"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorInfo: структурированная ошибка (code + message), без стектрейсов.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ErrorInfo) Error() string { return e.Code + ": " + e.Message }

// Response: исходящий конверт.
type Response struct {
	RequestID    string     `json:"request_id"`
	Success      bool       `json:"success"`
	Data         *Value     `json:"data,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
	AssessmentID string     `json:"assessment_id,omitempty"`
	EvidenceID   string     `json:"evidence_id,omitempty"`
}
