package engine

import (
	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/risk"
)

// Outcome: итог стадии пайплайна. Набор реализаций закрыт: Proceed, Block, NeedApproval.
type Outcome interface {
	outcome()
}

// Proceed: стадия пройдена.
type Proceed struct{}

// Block: запрос отклонен; дальнейшие стадии не выполняются.
type Block struct {
	Err *domain.ErrorInfo
}

// NeedApproval: нужна резолюция человека по оценке риска.
type NeedApproval struct {
	Assessment risk.Assessment
}

func (Proceed) outcome()      {}
func (Block) outcome()        {}
func (NeedApproval) outcome() {}

func block(code, message string, details map[string]any) Block {
	return Block{Err: &domain.ErrorInfo{Code: code, Message: message, Details: details}}
}

// Названия стадий для аудита.
const (
	StageValidate       = "validate"
	StageResolve        = "resolve_tool"
	StageAuthorize      = "authorize"
	StageSchema         = "schema"
	StageSanitizeInput  = "sanitize_input"
	StageQuota          = "quota"
	StageRisk           = "risk"
	StageApproval       = "approval"
	StageExecute        = "execute"
	StageLeakScan       = "leak_scan"
	StageSanitizeOutput = "sanitize_output"
	StageCompleted      = "completed"
)
