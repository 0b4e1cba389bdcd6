package domain

import (
	"errors"
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
)

var (
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
)

// ApprovalRequest: заявка на решение человека по рискованному вызову.
type ApprovalRequest struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"request_id"` // Ссылка на зависший запрос в шлюзе
	TenantID     string         `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	Tool         string         `json:"tool"`
	Payload      string         `json:"payload"` // Санитизированные параметры
	AssessmentID string         `json:"assessment_id"`
	RiskLevel    string         `json:"risk_level"`
	Reasoning    string         `json:"reasoning"`
	Status       ApprovalStatus `json:"status"`

	ReviewerID *string `json:"reviewer_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	if next == StatusPending {
		return ErrInvalidTransition
	}
	return nil
}
