package engine

/*
Файл gateway.go — оркестратор пайплайна вызова инструмента.

Единственный компонент, знающий порядок стадий:
validate -> resolve -> authorize -> schema -> sanitize input -> quota ->
risk -> [approval] -> execute -> leak scan -> sanitize output.
Стадии возвращают Outcome; первый Block обрывает пайплайн, но аудит
и evidence пишутся всегда, в том числе для частично пройденного запроса.
*/

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-toolgate/internal/audit"
	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/evidence"
	"github.com/xela07ax/spaceai-toolgate/internal/leak"
	"github.com/xela07ax/spaceai-toolgate/internal/quota"
	"github.com/xela07ax/spaceai-toolgate/internal/registry"
	"github.com/xela07ax/spaceai-toolgate/internal/risk"
	"github.com/xela07ax/spaceai-toolgate/internal/sanitize"
)

// Config: политика оркестратора.
type Config struct {
	Strictness      sanitize.Strictness
	QuotaEntity     quota.EntityType
	ApprovalTimeout time.Duration
	// DefaultEnvironment: окружение, если у вызывающего оно не задано
	DefaultEnvironment string
}

func DefaultConfig() Config {
	return Config{
		Strictness:         sanitize.StrictnessModerate,
		QuotaEntity:        quota.EntityTenant,
		ApprovalTimeout:    5 * time.Minute,
		DefaultEnvironment: "production",
	}
}

// Deps: компоненты пайплайна. Approvals, Switches и Metrics необязательны.
type Deps struct {
	Registry  *registry.Registry
	Input     *sanitize.InputSanitizer
	Output    *sanitize.OutputSanitizer
	Quota     *quota.Tracker
	Risk      *risk.Engine
	Leaks     *leak.Detector
	Evidence  *evidence.Binder
	Auditor   audit.Auditor
	Approvals ApprovalBroker
	Switches  *KillSwitch
	Metrics   *Metrics
}

type Gateway struct {
	Deps
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func NewGateway(deps Deps, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case deps.Registry == nil:
		return nil, errors.New("engine: registry is required")
	case deps.Input == nil || deps.Output == nil:
		return nil, errors.New("engine: sanitizers are required")
	case deps.Quota == nil:
		return nil, errors.New("engine: quota tracker is required")
	case deps.Risk == nil:
		return nil, errors.New("engine: risk engine is required")
	case deps.Leaks == nil:
		return nil, errors.New("engine: leak detector is required")
	case deps.Evidence == nil:
		return nil, errors.New("engine: evidence binder is required")
	case deps.Auditor == nil:
		return nil, errors.New("engine: auditor is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	def := DefaultConfig()
	if cfg.Strictness == "" {
		cfg.Strictness = def.Strictness
	}
	if cfg.QuotaEntity == "" {
		cfg.QuotaEntity = def.QuotaEntity
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = def.ApprovalTimeout
	}
	return &Gateway{Deps: deps, cfg: cfg, now: time.Now, logger: logger.Named("gateway")}, nil
}

// call: состояние одного запроса по мере прохождения стадий.
type call struct {
	req     domain.ToolCallRequest
	start   time.Time
	stage   string
	tool    registry.Tool
	params  domain.Value
	threats []sanitize.ThreatDetection

	assessment *risk.Assessment
	approval   *domain.ApprovalRequest
	executed   bool
	result     domain.Value
	leaks      []leak.Detection
	redactions int
}

type stage struct {
	name string
	run  func(ctx context.Context, c *call) Outcome
}

func (g *Gateway) stages() []stage {
	return []stage{
		{StageValidate, g.validate},
		{StageResolve, g.resolve},
		{StageAuthorize, g.authorize},
		{StageSchema, g.checkSchema},
		{StageSanitizeInput, g.sanitizeInput},
		{StageQuota, g.checkQuota},
		{StageRisk, g.assessRisk},
		{StageExecute, g.execute},
		{StageLeakScan, g.scanLeaks},
		{StageSanitizeOutput, g.sanitizeOutput},
	}
}

// Process проводит вызов через пайплайн. Ошибки пайплайна возвращаются
// в конверте ответа, а не через error.
func (g *Gateway) Process(ctx context.Context, req domain.ToolCallRequest) domain.Response {
	c := &call{req: req, start: g.now()}
	if c.req.ID == "" {
		c.req.ID = uuid.NewString()
	}
	if c.req.Timestamp.IsZero() {
		c.req.Timestamp = c.start.UTC()
	}
	if c.req.Context.Environment == "" {
		c.req.Context.Environment = g.cfg.DefaultEnvironment
	}

	var final *Block
	for _, st := range g.stages() {
		c.stage = st.name
		if b, ok := g.resolveOutcome(ctx, c, st.run(ctx, c)); !ok {
			final = &b
			break
		}
	}
	if final == nil {
		c.stage = StageCompleted
	}
	return g.finish(ctx, c, final)
}

// resolveOutcome разбирает итог стадии; false — пайплайн остановлен.
func (g *Gateway) resolveOutcome(ctx context.Context, c *call, o Outcome) (Block, bool) {
	switch o := o.(type) {
	case Proceed:
		return Block{}, true
	case Block:
		return o, false
	case NeedApproval:
		c.stage = StageApproval
		return g.resolveOutcome(ctx, c, g.awaitApproval(ctx, c, o))
	default:
		return block(domain.CodeInternal, fmt.Sprintf("unexpected stage outcome %T", o), nil), false
	}
}

// 1. Валидация конверта
func (g *Gateway) validate(_ context.Context, c *call) Outcome {
	switch {
	case strings.TrimSpace(c.req.Tool) == "":
		return block(domain.CodeInvalidRequest, "tool name is required", nil)
	case c.req.Context.TenantID == "":
		return block(domain.CodeInvalidRequest, "tenant id is required", nil)
	case !c.req.Params.IsNull() && c.req.Params.Kind() != domain.KindMap:
		return block(domain.CodeInvalidRequest, "params must be an object", nil)
	}
	return Proceed{}
}

// 2. Поиск инструмента
func (g *Gateway) resolve(_ context.Context, c *call) Outcome {
	t, err := g.Registry.Lookup(c.req.Tool)
	if err != nil {
		return block(domain.CodeToolNotFound, "tool "+c.req.Tool+" is not registered", nil)
	}
	c.tool = t
	return Proceed{}
}

// 3. Рубильник оператора, затем скоупы токена против permissions инструмента
func (g *Gateway) authorize(_ context.Context, c *call) Outcome {
	if g.Switches != nil && g.Switches.Disabled(c.req.Tool, c.req.Context.TenantID) {
		return block(domain.CodeToolNotPermitted, "tool "+c.req.Tool+" is disabled by operator", nil)
	}
	if !registry.Permitted(c.tool.Descriptor, c.req.Context.Scopes) {
		return block(domain.CodeToolNotPermitted, "token does not grant permission for "+c.req.Tool,
			map[string]any{"required": c.tool.Descriptor.Metadata.Permissions})
	}
	return Proceed{}
}

// 4. Входная схема
func (g *Gateway) checkSchema(_ context.Context, c *call) Outcome {
	if err := registry.ValidateParams(c.tool.Descriptor, c.req.Params); err != nil {
		return block(domain.CodeInvalidRequest, err.Error(), nil)
	}
	return Proceed{}
}

// 5. Санитизация параметров: каждый параметр со своей подсказкой типа
func (g *Gateway) sanitizeInput(_ context.Context, c *call) Outcome {
	fields := c.req.Params.Fields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	clean := make(map[string]domain.Value, len(fields))
	for _, name := range names {
		res, err := g.Input.Sanitize(fields[name], sanitize.Context{
			ToolName:     c.req.Tool,
			ParamName:    name,
			ExpectedType: registry.Hint(c.tool.Descriptor, name),
			Strictness:   g.cfg.Strictness,
		})
		if err != nil {
			return block(domain.CodeInvalidRequest, err.Error(), map[string]any{"param": name})
		}
		c.threats = append(c.threats, res.Threats...)
		if res.Blocked {
			g.Metrics.DetectorFirings.WithLabelValues("sanitizer", "block").Inc()
			return block(domain.CodeInputBlocked, res.BlockReason,
				map[string]any{"param": name, "threats": len(res.Threats)})
		}
		clean[name] = res.Sanitized
	}
	if len(c.threats) > 0 {
		g.Metrics.DetectorFirings.WithLabelValues("sanitizer", "escape").Inc()
	}
	c.params = domain.Map(clean)
	return Proceed{}
}

func (g *Gateway) entity(c *call) quota.Entity {
	if g.cfg.QuotaEntity == quota.EntityUser {
		return quota.Entity{ID: c.req.Context.UserID, Type: quota.EntityUser}
	}
	return quota.Entity{ID: c.req.Context.TenantID, Type: quota.EntityTenant}
}

// 6. Квота: ранний отказ без списания. Списание атомарно в execute.
func (g *Gateway) checkQuota(ctx context.Context, c *call) Outcome {
	res, err := g.Quota.CheckQuota(ctx, g.entity(c), quota.TypeRequests, 1)
	if err != nil {
		g.logger.Error("quota check failed", zap.String("request_id", c.req.ID), zap.Error(err))
		return block(domain.CodeInternal, "quota check failed", nil)
	}
	if !res.Allowed {
		return quotaExceeded(res)
	}
	return Proceed{}
}

func quotaExceeded(res quota.CheckResult) Block {
	return block(domain.CodeQuotaExceeded, "request quota exceeded", map[string]any{
		"quota_type": string(res.QuotaType),
		"period":     string(res.Period),
		"used":       res.Used,
		"limit":      res.Limit,
		"remaining":  res.Remaining,
		"reset_at":   res.ResetAt.UTC().Format(time.RFC3339),
	})
}

// reserveQuota списывает запрос до вызова инструмента. Параллельные вызовы
// проходят CheckQuota вместе, но списание сериализовано трекером.
func (g *Gateway) reserveQuota(ctx context.Context, c *call) (Block, bool) {
	_, err := g.Quota.RecordUsage(ctx, g.entity(c), quota.TypeRequests, 1)
	if err == nil {
		return Block{}, true
	}
	c.stage = StageQuota
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		return quotaExceeded(exceeded.Check), false
	}
	g.logger.Error("quota reservation failed", zap.String("request_id", c.req.ID), zap.Error(err))
	return block(domain.CodeInternal, "quota check failed", nil), false
}

// 7. CARS-оценка по санитизированному запросу
func (g *Gateway) assessRisk(_ context.Context, c *call) Outcome {
	req := c.req
	req.Params = c.params
	a := g.Risk.Assess(req)
	c.assessment = &a

	switch {
	case a.ShouldBlock:
		return block(domain.CodeRiskBlocked, a.Reasoning, riskDetails(a))
	case a.RequiresApproval:
		return NeedApproval{Assessment: a}
	}
	return Proceed{}
}

func riskDetails(a risk.Assessment) map[string]any {
	safeguards := make([]string, len(a.Safeguards))
	for i, s := range a.Safeguards {
		safeguards[i] = string(s)
	}
	return map[string]any{
		"assessment_id": a.ID,
		"risk_level":    a.RiskLevel.String(),
		"autonomy":      string(a.Autonomy),
		"safeguards":    safeguards,
	}
}

// awaitApproval: резолюция человека. Без брокера вызывающий получает
// APPROVAL_REQUIRED с оценкой и решает сам.
func (g *Gateway) awaitApproval(ctx context.Context, c *call, na NeedApproval) Outcome {
	a := na.Assessment
	details := riskDetails(a)
	if g.Approvals == nil {
		return block(domain.CodeApprovalRequired, a.Reasoning, details)
	}

	payload, _ := c.params.MarshalJSON()
	req := domain.ApprovalRequest{
		ID:           uuid.NewString(),
		RequestID:    c.req.ID,
		TenantID:     c.req.Context.TenantID,
		UserID:       c.req.Context.UserID,
		Tool:         c.req.Tool,
		Payload:      string(payload),
		AssessmentID: a.ID,
		RiskLevel:    a.RiskLevel.String(),
		Reasoning:    a.Reasoning,
	}
	details["approval_id"] = req.ID

	wctx, cancel := context.WithTimeout(ctx, g.cfg.ApprovalTimeout)
	defer cancel()
	decided, err := g.Approvals.RequestApproval(wctx, req)
	if err != nil {
		g.logger.Warn("approval not resolved", zap.String("request_id", c.req.ID), zap.String("approval_id", req.ID), zap.Error(err))
		return block(domain.CodeApprovalRequired, "approval pending: "+a.Reasoning, details)
	}
	c.approval = &decided
	if decided.Status != domain.StatusApproved {
		return block(domain.CodeApprovalDenied, "approval rejected by reviewer", details)
	}
	return Proceed{}
}

// 8. Резерв квоты и исполнение. Упавший вызов квоту не возвращает.
func (g *Gateway) execute(ctx context.Context, c *call) Outcome {
	if b, ok := g.reserveQuota(ctx, c); !ok {
		return b
	}
	req := c.req
	req.Params = c.params
	c.executed = true
	out, err := c.tool.Executor.Execute(ctx, req)
	if err != nil {
		g.logger.Error("tool execution failed",
			zap.String("request_id", c.req.ID), zap.String("tool", c.req.Tool), zap.Error(err))
		return block(domain.CodeExecutionFailed, "tool execution failed: "+err.Error(), nil)
	}
	c.result = out
	return Proceed{}
}

// 9. Межтенантные утечки в ответе
func (g *Gateway) scanLeaks(ctx context.Context, c *call) Outcome {
	res, err := g.Leaks.ScanResponse(ctx, c.result, c.req.Context.TenantID, leak.ScanContext{Tool: c.req.Tool, RequestID: c.req.ID})
	if err != nil {
		g.logger.Error("leak scan failed", zap.String("request_id", c.req.ID), zap.Error(err))
		return block(domain.CodeInternal, "tool response could not be verified", nil)
	}
	c.leaks = res.Leaks
	c.result = res.Response
	g.Metrics.ObserveLeaks(res.Leaks)
	return Proceed{}
}

// 10. Редакция секретов и PII в ответе
func (g *Gateway) sanitizeOutput(_ context.Context, c *call) Outcome {
	res := g.Output.Sanitize(c.result)
	c.result = res.Output
	c.redactions = len(res.Redactions)
	return Proceed{}
}

// finish: evidence, аудит, метрики и конверт ответа.
func (g *Gateway) finish(ctx context.Context, c *call, b *Block) domain.Response {
	// Фоновые записи не должны теряться из-за отмены клиентского запроса
	ctx = context.WithoutCancel(ctx)
	elapsed := g.now().Sub(c.start)

	resp := domain.Response{RequestID: c.req.ID, Success: b == nil}
	status := audit.StatusSuccess
	if b != nil {
		msg, _ := g.Output.SanitizeText(b.Err.Message)
		resp.Error = &domain.ErrorInfo{Code: b.Err.Code, Message: msg, Details: b.Err.Details}
		status = statusFor(b.Err.Code)
	} else {
		data := c.result
		resp.Data = &data
	}

	event := audit.AuditEvent{
		ID:         uuid.NewString(),
		RequestID:  c.req.ID,
		TenantID:   c.req.Context.TenantID,
		UserID:     c.req.Context.UserID,
		Tool:       c.req.Tool,
		Params:     c.params,
		Stage:      c.stage,
		Threats:    len(c.threats),
		Leaks:      len(c.leaks),
		Status:     status,
		Timestamp:  c.start.UTC(),
		DurationMs: elapsed.Milliseconds(),
	}
	if resp.Error != nil {
		event.ErrorCode = resp.Error.Code
		event.Error = resp.Error.Message
	}
	if c.assessment != nil {
		event.RiskLevel = c.assessment.RiskLevel.String()
		event.AssessmentID = c.assessment.ID
		resp.AssessmentID = c.assessment.ID
	}

	if id := g.bindEvidence(ctx, c, event); id != "" {
		event.EvidenceID = id
		resp.EvidenceID = id
	}
	g.Auditor.Log(event)

	g.Metrics.TotalRequests.WithLabelValues(c.req.Tool, status).Inc()
	g.Metrics.RequestDuration.WithLabelValues(c.req.Tool, status).Observe(elapsed.Seconds())
	if b != nil {
		g.Metrics.Blocked.WithLabelValues(c.req.Tool, b.Err.Code).Inc()
	}

	g.logger.Info("tool call processed",
		zap.String("request_id", c.req.ID),
		zap.String("tenant_id", c.req.Context.TenantID),
		zap.String("tool", c.req.Tool),
		zap.String("stage", c.stage),
		zap.String("status", status),
		zap.String("evidence_id", resp.EvidenceID),
		zap.Duration("elapsed", elapsed))
	return resp
}

func statusFor(code string) string {
	switch code {
	case domain.CodeApprovalRequired:
		return audit.StatusPendingApproval
	case domain.CodeExecutionFailed, domain.CodeInternal:
		return audit.StatusFailed
	default:
		return audit.StatusBlocked
	}
}

// bindingType: тип связки evidence, если событие значимо для комплаенса.
func bindingType(c *call, status string) (evidence.BindingType, bool) {
	switch {
	case len(c.leaks) > 0:
		return evidence.TypeIncident, true
	case c.executed:
		return evidence.TypeToolExecution, true
	case status == audit.StatusBlocked && (c.stage == StageSanitizeInput || c.stage == StageRisk || c.stage == StageApproval):
		return evidence.TypeBlockedRequest, true
	}
	return "", false
}

// bindEvidence подписывает аудит-запись (и оценку риска) в связку evidence.
// Решение оператора оформляется отдельной связкой со ссылкой из основной.
func (g *Gateway) bindEvidence(ctx context.Context, c *call, event audit.AuditEvent) string {
	typ, ok := bindingType(c, event.Status)
	if !ok {
		return ""
	}
	meta := map[string]string{
		"request_id": c.req.ID,
		"tenant_id":  c.req.Context.TenantID,
		"tool":       c.req.Tool,
		"status":     event.Status,
	}

	var refs []evidence.CrossReference
	if c.approval != nil {
		ab, err := g.Evidence.CreateBinding(ctx, evidence.TypeApproval, []evidence.SourceEntry{
			{ID: c.approval.ID, Type: "approval_request", Data: c.approval},
		}, evidence.Options{Metadata: map[string]string{"request_id": c.req.ID, "tenant_id": c.req.Context.TenantID}, Actor: reviewer(c.approval)})
		if err != nil {
			g.logger.Error("approval evidence not bound", zap.String("request_id", c.req.ID), zap.Error(err))
		} else {
			refs = append(refs, evidence.CrossReference{BindingID: ab.ID, Relation: "approved_by", BindingHash: ab.BindingHash})
		}
	}

	entries := []evidence.SourceEntry{{ID: event.ID, Type: "audit_event", Data: event}}
	if c.assessment != nil {
		entries = append(entries, evidence.SourceEntry{ID: c.assessment.ID, Type: "risk_assessment", Data: c.assessment})
	}
	if len(c.leaks) > 0 {
		entries = append(entries, evidence.SourceEntry{ID: c.req.ID + ":leaks", Type: "leak_detections", Data: c.leaks})
	}

	b, err := g.Evidence.CreateBinding(ctx, typ, entries, evidence.Options{CrossReferences: refs, Metadata: meta})
	if err != nil {
		// Отказ подписи не ломает ответ, но громко логируется
		g.logger.Error("evidence binding failed", zap.String("request_id", c.req.ID), zap.Error(err))
		return ""
	}
	return b.ID
}

func reviewer(a *domain.ApprovalRequest) string {
	if a.ReviewerID != nil {
		return *a.ReviewerID
	}
	return ""
}
