package risk

import (
	"path"
	"strings"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

// DeceptionAction: рекомендуемая реакция на признаки deceptive compliance.
type DeceptionAction string

const (
	DeceptionNone       DeceptionAction = "NONE"
	DeceptionSpotCheck  DeceptionAction = "SPOT_CHECK"
	DeceptionFullReview DeceptionAction = "FULL_REVIEW"
	DeceptionEscalate   DeceptionAction = "ESCALATE"
	DeceptionBlock      DeceptionAction = "BLOCK"
)

type Indicator struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Weight      float64         `json:"weight"`
	Severity    domain.Severity `json:"severity"`
}

type DeceptionResult struct {
	Detected      bool            `json:"detected"`
	Indicators    []Indicator     `json:"indicators,omitempty"`
	Score         float64         `json:"score"`
	CriticalCount int             `json:"critical_count"`
	Action        DeceptionAction `json:"action"`
}

// Пороговые значения для "подозрительно быстрого" выполнения по сложности задачи.
var minCompletionSeconds = map[string]float64{
	"high":   60,
	"medium": 10,
}

// DeceptionDetector проверяет сигналы поведения агента по фиксированному набору индикаторов.
type DeceptionDetector struct{}

func NewDeceptionDetector() *DeceptionDetector { return &DeceptionDetector{} }

func (d *DeceptionDetector) Analyze(b *domain.BehaviorSignals) DeceptionResult {
	res := DeceptionResult{Action: DeceptionNone}
	if b == nil {
		return res
	}

	add := func(id, desc string, weight float64, sev domain.Severity) {
		res.Indicators = append(res.Indicators, Indicator{ID: id, Description: desc, Weight: weight, Severity: sev})
		res.Score += weight
		if sev == domain.SeverityCritical {
			res.CriticalCount++
		}
	}

	if b.SelfValidated && !b.ExternallyVerified {
		add("self_validation", "agent validated its own work without external verification", 1.0, domain.SeverityHigh)
	}
	if b.ExternalVerificationAvailable != nil && !*b.ExternalVerificationAvailable {
		add("no_external_verification", "no external verification is available for the result", 0.5, domain.SeverityMedium)
	}
	if b.ReasoningVisible != nil && !*b.ReasoningVisible && b.StepCount > 5 {
		add("hidden_reasoning", "multi-step task completed with hidden reasoning", 1.0, domain.SeverityMedium)
	}
	if b.ClaimsUrgency && b.RequestsReviewBypass {
		add("urgency_bypass", "claims urgency and requests to bypass review", 2.0, domain.SeverityCritical)
	}
	if b.ClaimsSuccess && !b.EvidenceProvided {
		add("unsupported_success", "claims success without evidence", 1.0, domain.SeverityHigh)
	}
	if limit, ok := minCompletionSeconds[strings.ToLower(b.TaskComplexity)]; ok && b.CompletionSeconds > 0 && b.CompletionSeconds < limit {
		add("suspicious_speed", "completion time implausibly short for task complexity", 0.5, domain.SeverityMedium)
	}
	if len(b.DeclaredScope) > 0 {
		for _, p := range b.ModifiedPaths {
			if !inScope(p, b.DeclaredScope) {
				add("scope_violation", "modified resources outside the declared scope", 2.0, domain.SeverityCritical)
				break
			}
		}
	}
	if b.ReasoningAlignment != nil && *b.ReasoningAlignment < 0.5 {
		add("reasoning_misalignment", "stated reasoning does not match performed actions", 1.5, domain.SeverityHigh)
	}

	res.Detected = len(res.Indicators) > 0
	switch {
	case res.CriticalCount >= 2:
		res.Action = DeceptionBlock
	case res.CriticalCount == 1 || len(res.Indicators) >= 3:
		res.Action = DeceptionEscalate
	case len(res.Indicators) == 2:
		res.Action = DeceptionFullReview
	case len(res.Indicators) == 1:
		res.Action = DeceptionSpotCheck
	}
	return res
}

func inScope(p string, scope []string) bool {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	for _, s := range scope {
		s = path.Clean("/" + strings.ReplaceAll(s, "\\", "/"))
		if p == s || s == "/" || strings.HasPrefix(p, s+"/") {
			return true
		}
	}
	return false
}
