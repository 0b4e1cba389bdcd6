package console

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/engine"
	"github.com/xela07ax/spaceai-toolgate/internal/infra/auth"
)

type fakeRepo struct {
	calls map[string]bool
}

func (f *fakeRepo) SetDisabled(_ context.Context, target string, disabled bool, _ string) error {
	f.calls[target] = disabled
	return nil
}

type fixture struct {
	srv    *Server
	broker *engine.RedisApprovalBroker
	ks     *engine.KillSwitch
	repo   *fakeRepo
	key    *rsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		broker: engine.NewRedisApprovalBroker(rdb, nil, time.Hour, nil),
		ks:     engine.NewKillSwitch(rdb, nil),
		repo:   &fakeRepo{calls: map[string]bool{}},
		key:    key,
	}
	svc := NewService(f.broker, f.ks, f.repo, nil)
	f.srv = NewServer(svc, auth.NewBaseValidator(&key.PublicKey, ""), nil)
	return f
}

func (f *fixture) token(t *testing.T, role string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.Claims{
		TenantID: "ops",
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(f.key)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + s
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", token)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestOperatorRoleRequired(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/v1/approvals", f.token(t, "viewer"), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/approvals", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", rec.Code)
	}
}

func TestApprovalQueue(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, RoleOperator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan domain.ApprovalRequest, 1)
	go func() {
		a, _ := f.broker.RequestApproval(ctx, domain.ApprovalRequest{ID: "ap-1", Tool: "transfer_funds", TenantID: "tenant_a"})
		result <- a
	}()

	var pending []domain.ApprovalRequest
	deadline := time.Now().Add(2 * time.Second)
	for len(pending) == 0 && time.Now().Before(deadline) {
		rec := f.do(t, http.MethodGet, "/v1/approvals", tok, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("list: %d", rec.Code)
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &pending)
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) != 1 || pending[0].ID != "ap-1" {
		t.Fatalf("pending: %+v", pending)
	}

	rec := f.do(t, http.MethodPost, "/v1/approvals/ap-1/decide", tok, map[string]any{"approved": true, "comment": "ok"})
	if rec.Code != http.StatusOK {
		t.Fatalf("decide: %d %s", rec.Code, rec.Body)
	}
	select {
	case a := <-result:
		if a.Status != domain.StatusApproved || a.ReviewerID == nil || *a.ReviewerID != "op-1" {
			t.Fatalf("decision: %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gateway was not woken up")
	}

	if rec := f.do(t, http.MethodPost, "/v1/approvals/ap-1/decide", tok, map[string]any{"approved": false}); rec.Code != http.StatusConflict {
		t.Fatalf("second decision: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/approvals/nope", tok, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", rec.Code)
	}
}

func TestKillSwitchAPI(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "admin")

	tests := []struct {
		target string
		status int
	}{
		{"tool/transfer_funds", http.StatusNoContent},
		{"tenant/tenant_b", http.StatusNoContent},
		{"agent/x", http.StatusBadRequest},
		{"tool/", http.StatusBadRequest},
		{"tool/a:on", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, "/v1/killswitch", tok, map[string]any{"target": tt.target, "disabled": true})
		if rec.Code != tt.status {
			t.Fatalf("%s: %d, want %d", tt.target, rec.Code, tt.status)
		}
	}
	if !f.ks.Disabled("transfer_funds", "tenant_a") || !f.ks.Disabled("read_file", "tenant_b") {
		t.Fatalf("targets not disabled: %v", f.ks.Targets())
	}
	if !f.repo.calls["tool/transfer_funds"] {
		t.Fatalf("state not persisted")
	}

	f.do(t, http.MethodPost, "/v1/killswitch", tok, map[string]any{"target": "tool/transfer_funds", "disabled": false})
	rec := f.do(t, http.MethodGet, "/v1/killswitch", tok, nil)
	var out map[string][]string
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out["disabled"]) != 1 || out["disabled"][0] != "tenant/tenant_b" {
		t.Fatalf("disabled: %v", out)
	}
}
