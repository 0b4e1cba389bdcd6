package evidence

import (
	"errors"
	"time"

	"github.com/xela07ax/spaceai-toolgate/internal/keyring"
)

type BindingType string

const (
	TypeToolExecution  BindingType = "tool_execution"
	TypeBlockedRequest BindingType = "blocked_request"
	TypeApproval       BindingType = "approval"
	TypeIncident       BindingType = "incident"
)

type CustodyAction string

const (
	ActionCreated     CustodyAction = "CREATED"
	ActionAccessed    CustodyAction = "ACCESSED"
	ActionModified    CustodyAction = "MODIFIED"
	ActionTransferred CustodyAction = "TRANSFERRED"
	ActionSealed      CustodyAction = "SEALED"
	ActionReleased    CustodyAction = "RELEASED"
)

func (a CustodyAction) Valid() bool {
	switch a {
	case ActionCreated, ActionAccessed, ActionModified, ActionTransferred, ActionSealed, ActionReleased:
		return true
	}
	return false
}

// Artifact: материал, на который ссылается связка. Хранится только хеш.
type Artifact struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Hash        string `json:"hash"`
	Description string `json:"description,omitempty"`
}

// CrossReference фиксирует связь с другой связкой и ее bindingHash на момент ссылки.
type CrossReference struct {
	BindingID   string `json:"binding_id"`
	Relation    string `json:"relation"`
	BindingHash string `json:"binding_hash"`
}

type CustodyRecord struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Action       CustodyAction     `json:"action"`
	Actor        string            `json:"actor"`
	Reason       string            `json:"reason,omitempty"`
	PreviousHash string            `json:"previous_hash"`
	NewHash      string            `json:"new_hash"`
	Signature    keyring.Signature `json:"signature"`
}

// Binding: подписанная связка записей аудита и артефактов.
// Неизменяема, кроме добавления записей в Custody.
type Binding struct {
	ID              string            `json:"id"`
	Type            BindingType       `json:"type"`
	SourceEntryIDs  []string          `json:"source_entry_ids"`
	Artifacts       []Artifact        `json:"artifacts"`
	BindingHash     string            `json:"binding_hash"`
	Signature       keyring.Signature `json:"signature"`
	Custody         []CustodyRecord   `json:"custody"`
	CrossReferences []CrossReference  `json:"cross_references,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	// Verified: результат последней проверки; Validate на него не опирается.
	Verified bool `json:"verified"`
}

// Sealed: в цепочке есть запись SEALED.
func (b Binding) Sealed() bool {
	for _, c := range b.Custody {
		if c.Action == ActionSealed {
			return true
		}
	}
	return false
}

// SourceEntry: запись аудита, входящая в связку. Data сериализуется в JSON и хешируется.
type SourceEntry struct {
	ID   string
	Type string
	Data any
}

type Options struct {
	Artifacts       []Artifact
	CrossReferences []CrossReference
	Metadata        map[string]string
	Actor           string
}

// Validation: отчет проверки. Каждая проверка считается заново из сохраненных полей.
type Validation struct {
	Valid                bool     `json:"valid"`
	HashValid            bool     `json:"hash_valid"`
	SignatureValid       bool     `json:"signature_valid"`
	CustodyValid         bool     `json:"custody_valid"`
	CrossReferencesValid bool     `json:"cross_references_valid"`
	Errors               []string `json:"errors,omitempty"`
	Warnings             []string `json:"warnings,omitempty"`
}

var (
	ErrBindingNotFound = errors.New("evidence binding not found")
	ErrInvalidAction   = errors.New("invalid custody action")
	ErrActorRequired   = errors.New("custody actor is required")
)
