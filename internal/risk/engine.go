package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"go.uber.org/zap"
)

// Safeguard: защитная мера, которую требует оценка.
type Safeguard string

const (
	SafeguardNotify             Safeguard = "human_notification"
	SafeguardApproval           Safeguard = "human_approval"
	SafeguardManualExecution    Safeguard = "manual_execution"
	SafeguardExternalValidation Safeguard = "external_validation"
	SafeguardFullAudit          Safeguard = "full_audit"
	SafeguardTestIsolation      Safeguard = "test_isolation"
	SafeguardCodeReview         Safeguard = "code_review"
)

// Assessment: результат CARS-оценки одного вызова.
type Assessment struct {
	ID               string           `json:"id"`
	Timestamp        time.Time        `json:"timestamp"`
	Tool             string           `json:"tool"`
	RiskLevel        Level            `json:"risk_level"`
	BaseRisk         Level            `json:"base_risk"`
	TotalModifier    float64          `json:"total_modifier"`
	ContextFactors   []ContextFactor  `json:"context_factors,omitempty"`
	Reasoning        string           `json:"reasoning"`
	RequiresApproval bool             `json:"requires_approval"`
	ShouldBlock      bool             `json:"should_block"`
	Autonomy         Autonomy         `json:"autonomy"`
	Safeguards       []Safeguard      `json:"safeguards,omitempty"`
	Deception        DeceptionResult  `json:"deception"`
	RewardHack       RewardHackResult `json:"reward_hack"`
}

type Config struct {
	EnvironmentModifiers map[string]float64 `mapstructure:"environment_modifiers" yaml:"environment_modifiers"`
	RoleModifiers        map[string]float64 `mapstructure:"role_modifiers" yaml:"role_modifiers"`
	UnknownRoleModifier  float64            `mapstructure:"unknown_role_modifier" yaml:"unknown_role_modifier"`
	DeceptionWeight      float64            `mapstructure:"deception_weight" yaml:"deception_weight"`
	RewardHackWeight     float64            `mapstructure:"reward_hack_weight" yaml:"reward_hack_weight"`
	ApprovalThreshold    Level              `mapstructure:"approval_threshold" yaml:"approval_threshold"`
	BlockThreshold       Level              `mapstructure:"block_threshold" yaml:"block_threshold"`
}

func DefaultConfig() Config {
	return Config{
		EnvironmentModifiers: map[string]float64{"production": 1.5, "staging": 0.5},
		RoleModifiers: map[string]float64{
			"admin":     0,
			"operator":  0,
			"developer": 0.5,
			"viewer":    1,
			"guest":     1.5,
		},
		UnknownRoleModifier: 1,
		DeceptionWeight:     0.5,
		RewardHackWeight:    0.5,
		ApprovalThreshold:   Medium,
		BlockThreshold:      Critical,
	}
}

// Observer получает итог каждой оценки (метрики движка).
type Observer interface {
	ObserveAssessment(a Assessment, elapsed time.Duration)
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithObserver(o Observer) Option        { return func(e *Engine) { e.observer = o } }

// Engine: CARS: базовый риск из матрицы плюс аддитивные модификаторы с насыщением.
type Engine struct {
	matrix     *Matrix
	analyzer   *Analyzer
	deception  *DeceptionDetector
	rewardHack *RewardHackDetector
	cfg        Config
	observer   Observer
	now        func() time.Time
	logger     *zap.Logger
}

func NewEngine(matrix *Matrix, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if matrix == nil {
		matrix = NewMatrix(DefaultMatrix(), logger)
	}
	e := &Engine{
		matrix:     matrix,
		analyzer:   NewAnalyzer(logger),
		deception:  NewDeceptionDetector(),
		rewardHack: NewRewardHackDetector(),
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.Named("cars"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Matrix() *Matrix { return e.matrix }

// Assess оценивает вызов. Чистая функция от запроса и текущей матрицы.
func (e *Engine) Assess(req domain.ToolCallRequest) Assessment {
	start := e.now()

	// 1. Базовый риск инструмента
	tr, known := e.matrix.Lookup(req.Tool)
	base := Critical
	if known {
		base = tr.Level.clamp()
	}

	var factors []ContextFactor
	addFactor := func(name string, mod float64, desc string) {
		if mod > 0 {
			factors = append(factors, ContextFactor{Name: name, Modifier: mod, Description: desc})
		}
	}

	// 2. Окружение и роль
	env := strings.ToLower(req.Context.Environment)
	addFactor("environment", e.cfg.EnvironmentModifiers[env], "environment "+env)

	role := strings.ToLower(req.Context.UserRole)
	roleMod, ok := e.cfg.RoleModifiers[role]
	if !ok {
		roleMod = e.cfg.UnknownRoleModifier
	}
	addFactor("role", roleMod, "user role "+orDefault(role, "unknown"))

	// 3. Динамические пороги параметров
	if known {
		factors = append(factors, e.analyzer.Evaluate(req.Tool, tr.Rules, req.Params)...)
	}

	// 4. Детекторы поведения
	dec := e.deception.Analyze(req.Behavior)
	addFactor("deception", dec.Score*e.cfg.DeceptionWeight, "deception indicators: "+string(dec.Action))

	code, paths := candidateText(req)
	rh := e.rewardHack.Analyze(code, paths)
	addFactor("reward_hack", rh.Score*e.cfg.RewardHackWeight, "reward hacking findings: "+string(rh.Action))

	// 5. Сумма модификаторов, насыщение на CRITICAL
	var total float64
	for _, f := range factors {
		total += f.Modifier
	}
	level := base.Escalate(total)

	a := Assessment{
		ID:             uuid.NewString(),
		Timestamp:      start,
		Tool:           req.Tool,
		RiskLevel:      level,
		BaseRisk:       base,
		TotalModifier:  total,
		ContextFactors: factors,
		Autonomy:       level.Autonomy(),
		Deception:      dec,
		RewardHack:     rh,
	}
	a.RequiresApproval = level >= e.cfg.ApprovalThreshold
	a.ShouldBlock = level >= e.cfg.BlockThreshold || dec.Action == DeceptionBlock
	a.Safeguards = safeguards(level, dec, rh)
	a.Reasoning = reasoning(req.Tool, known, base, level, factors, a.ShouldBlock)

	if a.ShouldBlock {
		e.logger.Warn("risk assessment blocks call",
			zap.String("tool", req.Tool),
			zap.String("level", level.String()),
			zap.String("deception_action", string(dec.Action)),
		)
	}
	if e.observer != nil {
		e.observer.ObserveAssessment(a, e.now().Sub(start))
	}
	return a
}

func safeguards(level Level, dec DeceptionResult, rh RewardHackResult) []Safeguard {
	var out []Safeguard
	seen := make(map[Safeguard]bool)
	add := func(s Safeguard) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if level >= Medium {
		add(SafeguardNotify)
	}
	if level >= High {
		add(SafeguardApproval)
	}
	if level >= Critical {
		add(SafeguardManualExecution)
	}
	if dec.Detected {
		add(SafeguardExternalValidation)
	}
	if dec.Action == DeceptionEscalate || dec.Action == DeceptionBlock {
		add(SafeguardFullAudit)
	}
	switch rh.Action {
	case RewardHackTestIsolation:
		add(SafeguardTestIsolation)
		add(SafeguardCodeReview)
	case RewardHackFullAudit:
		add(SafeguardFullAudit)
		add(SafeguardTestIsolation)
		add(SafeguardCodeReview)
	}
	return out
}

func reasoning(tool string, known bool, base, level Level, factors []ContextFactor, blocked bool) string {
	parts := make([]string, 0, len(factors)+2)
	if known {
		parts = append(parts, fmt.Sprintf("base risk of %s is %s", tool, base))
	} else {
		parts = append(parts, fmt.Sprintf("tool %s is not in the risk matrix, treated as CRITICAL", tool))
	}
	for _, f := range factors {
		parts = append(parts, fmt.Sprintf("%s (+%.1f)", f.Description, f.Modifier))
	}
	verdict := "final risk " + level.String()
	if blocked {
		verdict += ", call blocked"
	}
	parts = append(parts, verdict)
	return strings.Join(parts, "; ")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
