package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/spaceai-toolgate/internal/audit"
	"github.com/xela07ax/spaceai-toolgate/internal/connectors"
	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/evidence"
	"github.com/xela07ax/spaceai-toolgate/internal/infra"
	"github.com/xela07ax/spaceai-toolgate/internal/keyring"
	"github.com/xela07ax/spaceai-toolgate/internal/leak"
	"github.com/xela07ax/spaceai-toolgate/internal/quota"
	"github.com/xela07ax/spaceai-toolgate/internal/registry"
	"github.com/xela07ax/spaceai-toolgate/internal/risk"
	"github.com/xela07ax/spaceai-toolgate/internal/sanitize"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.AuditEvent
}

func (r *recordingAuditor) Log(e audit.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAuditor) last(t *testing.T) audit.AuditEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		t.Fatalf("no audit events")
	}
	return r.events[len(r.events)-1]
}

type testEnv struct {
	gw      *Gateway
	audit   *recordingAuditor
	mock    *connectors.MockConnector
	quota   *quota.Tracker
	leaks   *leak.Detector
	binder  *evidence.Binder
	cfg     Config
	brokers ApprovalBroker
}

func tool(name string, perms []string, schema map[string]domain.ParamSpec) domain.ToolDescriptor {
	return domain.ToolDescriptor{Name: name, InputSchema: schema, Metadata: domain.ToolMetadata{Permissions: perms}}
}

func newTestEnv(t *testing.T, mutate func(*testEnv)) *testEnv {
	t.Helper()
	env := &testEnv{
		audit: &recordingAuditor{},
		mock:  &connectors.MockConnector{},
		cfg:   DefaultConfig(),
	}
	if mutate != nil {
		mutate(env)
	}

	reg := registry.New(env.mock, nil)
	str := domain.ParamSpec{Type: "string", Required: true}
	for _, d := range []domain.ToolDescriptor{
		tool("read_file", []string{"files.read"}, map[string]domain.ParamSpec{"path": str}),
		tool("send_email", nil, map[string]domain.ParamSpec{"to": str, "body": {Type: "string"}}),
		tool("transfer_funds", nil, map[string]domain.ParamSpec{"amount": {Type: "number", Required: true}}),
		tool("unstable_service", nil, nil),
	} {
		if err := reg.Register(d, env.mock); err != nil {
			t.Fatal(err)
		}
	}
	// ответ с данными чужого тенанта
	err := reg.Register(tool("export_rows", nil, nil), registry.ExecutorFunc(
		func(context.Context, domain.ToolCallRequest) (domain.Value, error) {
			return domain.MustFromAny(map[string]any{
				"rows": []any{map[string]any{"tenant_id": "tenant_b", "balance": 10}},
			}), nil
		}))
	if err != nil {
		t.Fatal(err)
	}

	keys := keyring.NewService(nil)
	if _, err := keys.GenerateSigningKey(keyring.PurposeEvidence, keyring.AlgEd25519); err != nil {
		t.Fatal(err)
	}
	env.binder = evidence.NewBinder(keys, evidence.NewMemoryStore(), evidence.DefaultConfig(), nil)

	env.leaks, err = leak.NewDetector(leak.DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	env.leaks.ReplaceTenants([]string{"tenant_a", "tenant_b"})

	env.quota = quota.NewTracker(quota.NewMemoryStore(), nil)

	env.gw, err = NewGateway(Deps{
		Registry:  reg,
		Input:     sanitize.NewInputSanitizer(sanitize.InputConfig{}, nil),
		Output:    sanitize.NewOutputSanitizer(sanitize.OutputConfig{}, nil),
		Quota:     env.quota,
		Risk:      risk.NewEngine(risk.NewMatrix(risk.DefaultMatrix(), nil), risk.DefaultConfig(), nil),
		Leaks:     env.leaks,
		Evidence:  env.binder,
		Auditor:   env.audit,
		Approvals: env.brokers,
	}, env.cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

// newCall: вызов от администратора в development: базовый риск инструмента не повышается.
func newCall(toolName string, params map[string]any) domain.ToolCallRequest {
	return domain.ToolCallRequest{
		Tool:   toolName,
		Params: domain.MustFromAny(params),
		Context: domain.CallContext{
			TenantID:    "tenant_a",
			UserID:      "user-1",
			Environment: "development",
			UserRole:    "admin",
			Scopes:      []string{"files.read"},
		},
	}
}

func errCode(resp domain.Response) string {
	if resp.Error == nil {
		return ""
	}
	return resp.Error.Code
}

func TestProcessSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.gw.Process(context.Background(), newCall("read_file", map[string]any{"path": "/data/report.txt"}))

	if !resp.Success || resp.Data == nil {
		t.Fatalf("expected success, got %+v", resp.Error)
	}
	content, _ := resp.Data.Get("content")
	if content.Str() != "hello from /data/report.txt" {
		t.Fatalf("unexpected data: %v", content.Str())
	}
	if resp.RequestID == "" || resp.AssessmentID == "" || resp.EvidenceID == "" {
		t.Fatalf("response ids not set: %+v", resp)
	}

	ev := env.audit.last(t)
	if ev.Status != audit.StatusSuccess || ev.Stage != StageCompleted || ev.EvidenceID != resp.EvidenceID {
		t.Fatalf("unexpected audit event: %+v", ev)
	}

	b, err := env.binder.Get(context.Background(), resp.EvidenceID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Type != evidence.TypeToolExecution || b.Metadata["tenant_id"] != "tenant_a" {
		t.Fatalf("unexpected binding: %+v", b)
	}
	if v := env.binder.Validate(context.Background(), b); !v.Valid {
		t.Fatalf("binding does not validate: %v", v.Errors)
	}
}

func TestProcessBlocks(t *testing.T) {
	tests := []struct {
		name  string
		req   func() domain.ToolCallRequest
		code  string
		stage string
	}{
		{
			name:  "missing tool",
			req:   func() domain.ToolCallRequest { return newCall("", nil) },
			code:  domain.CodeInvalidRequest,
			stage: StageValidate,
		},
		{
			name: "missing tenant",
			req: func() domain.ToolCallRequest {
				r := newCall("read_file", map[string]any{"path": "/a"})
				r.Context.TenantID = ""
				return r
			},
			code:  domain.CodeInvalidRequest,
			stage: StageValidate,
		},
		{
			name:  "unknown tool",
			req:   func() domain.ToolCallRequest { return newCall("format_disk", nil) },
			code:  domain.CodeToolNotFound,
			stage: StageResolve,
		},
		{
			name: "missing scope",
			req: func() domain.ToolCallRequest {
				r := newCall("read_file", map[string]any{"path": "/a"})
				r.Context.Scopes = nil
				return r
			},
			code:  domain.CodeToolNotPermitted,
			stage: StageAuthorize,
		},
		{
			name:  "schema violation",
			req:   func() domain.ToolCallRequest { return newCall("read_file", map[string]any{"path": 42}) },
			code:  domain.CodeInvalidRequest,
			stage: StageSchema,
		},
		{
			name:  "path traversal",
			req:   func() domain.ToolCallRequest { return newCall("read_file", map[string]any{"path": "/etc/passwd"}) },
			code:  domain.CodeInputBlocked,
			stage: StageSanitizeInput,
		},
		{
			name: "critical risk",
			req: func() domain.ToolCallRequest {
				r := newCall("transfer_funds", map[string]any{"amount": 500})
				r.Context.Environment = "production"
				return r
			},
			code:  domain.CodeRiskBlocked,
			stage: StageRisk,
		},
		{
			name:  "connector failure",
			req:   func() domain.ToolCallRequest { return newCall("unstable_service", nil) },
			code:  domain.CodeExecutionFailed,
			stage: StageExecute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			resp := env.gw.Process(context.Background(), tt.req())
			if resp.Success || errCode(resp) != tt.code {
				t.Fatalf("expected %s, got %+v", tt.code, resp.Error)
			}
			ev := env.audit.last(t)
			if ev.Stage != tt.stage || ev.ErrorCode != tt.code {
				t.Fatalf("audit: stage=%s code=%s", ev.Stage, ev.ErrorCode)
			}
		})
	}
}

func TestProcessBlockedRequestIsBound(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.gw.Process(context.Background(), newCall("read_file", map[string]any{"path": "/etc/passwd"}))
	if resp.EvidenceID == "" {
		t.Fatalf("blocked request has no evidence")
	}
	b, err := env.binder.Get(context.Background(), resp.EvidenceID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Type != evidence.TypeBlockedRequest {
		t.Fatalf("binding type: %s", b.Type)
	}

	// Невалидный запрос не значим для комплаенса
	resp = env.gw.Process(context.Background(), newCall("format_disk", nil))
	if resp.EvidenceID != "" {
		t.Fatalf("unexpected evidence for unknown tool")
	}
}

func TestProcessKillSwitch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gw.Switches = NewKillSwitch(nil, nil)
	ctx := context.Background()
	call := newCall("read_file", map[string]any{"path": "/data/report.txt"})

	tests := []struct {
		target   string
		disabled bool
		code     string
	}{
		{"tool/read_file", true, domain.CodeToolNotPermitted},
		{"tool/read_file", false, ""},
		{"tenant/tenant_a", true, domain.CodeToolNotPermitted},
		{"tenant/tenant_b", true, domain.CodeToolNotPermitted}, // tenant_a все еще отключен
		{"tenant/tenant_a", false, ""},
	}
	for _, tt := range tests {
		if err := env.gw.Switches.Toggle(ctx, tt.target, tt.disabled); err != nil {
			t.Fatal(err)
		}
		if got := errCode(env.gw.Process(ctx, call)); got != tt.code {
			t.Fatalf("%s disabled=%v: got %q, want %q", tt.target, tt.disabled, got, tt.code)
		}
	}
	if calls := env.mock.Calls(); calls != 2 {
		t.Fatalf("connector calls: %d", calls)
	}
}

func TestProcessQuota(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.quota.AddTier(quota.Tier{
		ID:     "tiny",
		Quotas: map[quota.QuotaType]map[quota.Period]int64{quota.TypeRequests: {quota.PeriodDaily: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.quota.AssignTier(quota.Entity{ID: "tenant_a", Type: quota.EntityTenant}, "tiny"); err != nil {
		t.Fatal(err)
	}

	// Отказ до исполнения квоту не тратит
	if resp := env.gw.Process(context.Background(), newCall("format_disk", nil)); errCode(resp) != domain.CodeToolNotFound {
		t.Fatalf("unexpected: %+v", resp.Error)
	}
	if resp := env.gw.Process(context.Background(), newCall("read_file", map[string]any{"path": "/a"})); !resp.Success {
		t.Fatalf("first call: %+v", resp.Error)
	}
	resp := env.gw.Process(context.Background(), newCall("read_file", map[string]any{"path": "/a"}))
	if errCode(resp) != domain.CodeQuotaExceeded {
		t.Fatalf("expected quota error, got %+v", resp.Error)
	}
	if resp.Error.Details["limit"] != int64(1) || resp.Error.Details["reset_at"] == "" {
		t.Fatalf("quota details: %+v", resp.Error.Details)
	}
	if env.mock.Calls() != 1 {
		t.Fatalf("connector called %d times", env.mock.Calls())
	}
}

func TestProcessQuotaConcurrent(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.mock.MaxLatency = 50 * time.Millisecond
	})
	err := env.quota.AddTier(quota.Tier{
		ID:     "pair",
		Quotas: map[quota.QuotaType]map[quota.Period]int64{quota.TypeRequests: {quota.PeriodDaily: 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	tenant := quota.Entity{ID: "tenant_a", Type: quota.EntityTenant}
	if err := env.quota.AssignTier(tenant, "pair"); err != nil {
		t.Fatal(err)
	}

	const n = 10
	codes := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- errCode(env.gw.Process(context.Background(), newCall("read_file", map[string]any{"path": "/a"})))
		}()
	}
	wg.Wait()
	close(codes)

	var ok, exceeded int
	for code := range codes {
		switch code {
		case "":
			ok++
		case domain.CodeQuotaExceeded:
			exceeded++
		default:
			t.Fatalf("unexpected code %s", code)
		}
	}
	if ok != 2 || exceeded != n-2 {
		t.Fatalf("successes=%d exceeded=%d", ok, exceeded)
	}
	if calls := env.mock.Calls(); calls != 2 {
		t.Fatalf("connector calls: %d", calls)
	}
	res, err := env.quota.CheckQuota(context.Background(), tenant, quota.TypeRequests, 0)
	if err != nil || res.Used != 2 {
		t.Fatalf("recorded usage: %+v %v", res, err)
	}
}

func TestProcessLeakIncident(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.gw.Process(context.Background(), newCall("export_rows", nil))
	if !resp.Success {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	raw, _ := resp.Data.MarshalJSON()
	var out struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Rows) != 1 || out.Rows[0]["tenant_id"] == "tenant_b" {
		t.Fatalf("foreign tenant id not redacted: %s", raw)
	}

	ev := env.audit.last(t)
	if ev.Leaks == 0 {
		t.Fatalf("leaks not audited")
	}
	b, err := env.binder.Get(context.Background(), resp.EvidenceID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Type != evidence.TypeIncident {
		t.Fatalf("binding type: %s", b.Type)
	}
}

func TestProcessErrorMessageIsRedacted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gw.Registry.Unregister("unstable_service")
	err := env.gw.Registry.Register(tool("unstable_service", nil, nil), registry.ExecutorFunc(
		func(context.Context, domain.ToolCallRequest) (domain.Value, error) {
			return domain.Value{}, errors.New("connect failed for admin@corp.example")
		}))
	if err != nil {
		t.Fatal(err)
	}
	resp := env.gw.Process(context.Background(), newCall("unstable_service", nil))
	if errCode(resp) != domain.CodeExecutionFailed {
		t.Fatalf("unexpected: %+v", resp.Error)
	}
	if msg := resp.Error.Message; msg == "" || strings.Contains(msg, "admin@corp.example") {
		t.Fatalf("email leaked in error: %q", msg)
	}
}

func TestProcessApprovalWithoutBroker(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.gw.Process(context.Background(), newCall("send_email", map[string]any{"to": "bob"}))
	if errCode(resp) != domain.CodeApprovalRequired {
		t.Fatalf("expected approval required, got %+v", resp.Error)
	}
	if resp.Error.Details["risk_level"] != risk.Medium.String() {
		t.Fatalf("details: %+v", resp.Error.Details)
	}
	if ev := env.audit.last(t); ev.Status != audit.StatusPendingApproval {
		t.Fatalf("audit status: %s", ev.Status)
	}
	if env.mock.Calls() != 0 {
		t.Fatalf("tool executed without approval")
	}
}

func newBroker(t *testing.T) (*RedisApprovalBroker, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisApprovalBroker(rdb, nil, time.Hour, nil), rdb
}

// reviewPending ждет заявку в канале ожидающих и принимает по ней решение.
func reviewPending(t *testing.T, broker *RedisApprovalBroker, sub *redis.PubSub, approved bool) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		msg, err := sub.ReceiveMessage(context.Background())
		if err != nil {
			done <- err
			return
		}
		var pending domain.ApprovalRequest
		if err := json.Unmarshal([]byte(msg.Payload), &pending); err != nil {
			done <- err
			return
		}
		_, err = broker.Decide(context.Background(), pending.ID, approved, "reviewer-1", "checked")
		done <- err
	}()
	return done
}

func subscribePending(t *testing.T, rdb redis.UniversalClient) *redis.PubSub {
	t.Helper()
	sub := rdb.Subscribe(context.Background(), infra.RedisChanApprovalRequests)
	t.Cleanup(func() { sub.Close() })
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestProcessApprovalGranted(t *testing.T) {
	broker, rdb := newBroker(t)
	env := newTestEnv(t, func(e *testEnv) { e.brokers = broker })
	sub := subscribePending(t, rdb)
	done := reviewPending(t, broker, sub, true)

	resp := env.gw.Process(context.Background(), newCall("send_email", map[string]any{"to": "bob"}))
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatalf("expected success after approval, got %+v", resp.Error)
	}

	b, err := env.binder.Get(context.Background(), resp.EvidenceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.CrossReferences) != 1 || b.CrossReferences[0].Relation != "approved_by" {
		t.Fatalf("approval not cross-referenced: %+v", b.CrossReferences)
	}
	ab, err := env.binder.Get(context.Background(), b.CrossReferences[0].BindingID)
	if err != nil {
		t.Fatal(err)
	}
	if ab.Type != evidence.TypeApproval || ab.Custody[0].Actor != "reviewer-1" {
		t.Fatalf("approval binding: %+v", ab)
	}
	if v := env.binder.Validate(context.Background(), b); !v.Valid {
		t.Fatalf("binding does not validate: %v", v.Errors)
	}
}

func TestProcessApprovalRejected(t *testing.T) {
	broker, rdb := newBroker(t)
	env := newTestEnv(t, func(e *testEnv) { e.brokers = broker })
	sub := subscribePending(t, rdb)
	done := reviewPending(t, broker, sub, false)

	resp := env.gw.Process(context.Background(), newCall("send_email", map[string]any{"to": "bob"}))
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if errCode(resp) != domain.CodeApprovalDenied {
		t.Fatalf("expected denial, got %+v", resp.Error)
	}
	if env.mock.Calls() != 0 {
		t.Fatalf("rejected call executed")
	}
}

func TestProcessApprovalTimeout(t *testing.T) {
	broker, _ := newBroker(t)
	env := newTestEnv(t, func(e *testEnv) {
		e.brokers = broker
		e.cfg.ApprovalTimeout = 50 * time.Millisecond
	})
	resp := env.gw.Process(context.Background(), newCall("send_email", map[string]any{"to": "bob"}))
	if errCode(resp) != domain.CodeApprovalRequired {
		t.Fatalf("expected pending approval, got %+v", resp.Error)
	}
	id, _ := resp.Error.Details["approval_id"].(string)
	a, err := broker.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.StatusPending {
		t.Fatalf("status: %s", a.Status)
	}

	// заявка остается в очереди ревьюера до решения
	pending, err := broker.Pending(context.Background(), 10)
	if err != nil || len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending: %+v %v", pending, err)
	}
	if _, err := broker.Decide(context.Background(), id, false, "reviewer-1", "late"); err != nil {
		t.Fatal(err)
	}
	if pending, _ := broker.Pending(context.Background(), 10); len(pending) != 0 {
		t.Fatalf("decided approval still pending: %+v", pending)
	}
}

func TestDecideTwice(t *testing.T) {
	broker, rdb := newBroker(t)
	a := domain.ApprovalRequest{ID: "ap-1", Status: domain.StatusPending, Tool: "send_email"}
	data, _ := json.Marshal(a)
	if err := rdb.Set(context.Background(), approvalKey(a.ID), data, time.Hour).Err(); err != nil {
		t.Fatal(err)
	}
	if _, err := broker.Decide(context.Background(), a.ID, true, "r1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := broker.Decide(context.Background(), a.ID, false, "r2", ""); err == nil {
		t.Fatalf("second decision accepted")
	}
	if _, err := broker.Decide(context.Background(), "missing", true, "r1", ""); !errors.Is(err, ErrApprovalNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
