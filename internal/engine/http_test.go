package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-toolgate/internal/connectors"
	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"github.com/xela07ax/spaceai-toolgate/internal/evidence"
	"github.com/xela07ax/spaceai-toolgate/internal/infra/auth"
)

type tokenIssuer struct {
	key *rsa.PrivateKey
}

func newIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return &tokenIssuer{key: key}
}

func (i *tokenIssuer) validator() auth.TokenValidator {
	return auth.NewBaseValidator(&i.key.PublicKey, "")
}

func (i *tokenIssuer) token(t *testing.T, tenant string, scopes ...string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.Claims{
		TenantID:    tenant,
		Role:        "admin",
		Environment: "development",
		Scopes:      scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(i.key)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + s
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPExecute(t *testing.T) {
	env := newTestEnv(t, nil)
	iss := newIssuer(t)
	srv := NewServer(env.gw, iss.validator(), nil)
	tok := iss.token(t, "tenant_a", "files.read")

	rec := doJSON(t, srv, http.MethodPost, "/v1/execute", "", map[string]any{"tool": "read_file"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/execute", tok, map[string]any{
		"tool":   "read_file",
		"params": map[string]any{"path": "/data/a.txt"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: %d %s", rec.Code, rec.Body)
	}
	var resp domain.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.RequestID != rec.Header().Get("X-Request-ID") {
		t.Fatalf("response: %+v", resp)
	}
	if ev := env.audit.last(t); ev.TenantID != "tenant_a" || ev.UserID != "user-1" {
		t.Fatalf("identity not taken from token: %+v", ev)
	}

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"unknown tool", map[string]any{"tool": "nope"}, http.StatusNotFound},
		{"input blocked", map[string]any{"tool": "read_file", "params": map[string]any{"path": "/etc/passwd"}}, http.StatusUnprocessableEntity},
		{"approval required", map[string]any{"tool": "send_email", "params": map[string]any{"to": "bob"}}, http.StatusAccepted},
		{"connector failure", map[string]any{"tool": "unstable_service"}, http.StatusBadGateway},
		{"malformed", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/v1/execute", tok, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
		})
	}
}

func TestHTTPToolsAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	iss := newIssuer(t)
	srv := NewServer(env.gw, iss.validator(), nil)

	rec := doJSON(t, srv, http.MethodGet, "/v1/tools", iss.token(t, "tenant_a"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tools: %d", rec.Code)
	}
	var tools []domain.ToolDescriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &tools); err != nil {
		t.Fatal(err)
	}
	for _, d := range tools {
		if d.Name == "read_file" {
			t.Fatalf("read_file listed without files.read scope")
		}
	}

	if rec := doJSON(t, srv, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	doJSON(t, srv, http.MethodPost, "/v1/execute", iss.token(t, "tenant_a"), map[string]any{"tool": "unstable_service"})
	rec = doJSON(t, srv, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "toolgate_requests_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestHTTPEvidence(t *testing.T) {
	env := newTestEnv(t, nil)
	iss := newIssuer(t)
	srv := NewServer(env.gw, iss.validator(), nil)
	tok := iss.token(t, "tenant_a", "files.read")

	resp := env.gw.Process(context.Background(), newCall("read_file", map[string]any{"path": "/a"}))
	path := "/v1/evidence/" + resp.EvidenceID

	if rec := doJSON(t, srv, http.MethodGet, path, tok, nil); rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body)
	}
	// чужой тенант не видит связку
	if rec := doJSON(t, srv, http.MethodGet, path, iss.token(t, "tenant_b"), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign tenant: %d", rec.Code)
	}
	if rec := doJSON(t, srv, http.MethodGet, path, iss.token(t, "tenant_b", "*"), nil); rec.Code != http.StatusOK {
		t.Fatalf("wildcard scope: %d", rec.Code)
	}

	rec := doJSON(t, srv, http.MethodPost, path+"/custody", tok, map[string]any{"action": "ACCESSED", "reason": "review"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("custody: %d %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, srv, http.MethodPost, path+"/custody", tok, map[string]any{"action": "EATEN"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid action: %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, path+"/validate", tok, nil)
	var v evidence.Validation
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if !v.Valid {
		t.Fatalf("validation: %+v", v)
	}

	if rec := doJSON(t, srv, http.MethodGet, "/v1/evidence/missing", tok, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", rec.Code)
	}
}

func TestGRPCGateway(t *testing.T) {
	env := newTestEnv(t, nil)
	iss := newIssuer(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(iss.validator(), nil)))
	NewGRPCGatewayServer(env.gw, nil).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	in, err := connectors.EncodeRequest(connectors.ExecuteRequest{
		RequestID: "grpc-1",
		Tool:      "read_file",
		TenantID:  "tenant_b", // игнорируется: тенант берется из токена
		Params:    domain.MustFromAny(map[string]any{"path": "/a"}),
	})
	if err != nil {
		t.Fatal(err)
	}

	out := new(structpb.Struct)
	err = conn.Invoke(context.Background(), connectors.ExecuteMethod, in, out)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", iss.token(t, "tenant_a", "files.read"))
	if err := conn.Invoke(ctx, connectors.ExecuteMethod, in, out); err != nil {
		t.Fatal(err)
	}
	resp, err := connectors.DecodeResponse(out)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 0 {
		t.Fatalf("unexpected failure: %+v", resp)
	}
	if ev := env.audit.last(t); ev.TenantID != "tenant_a" || ev.RequestID != "grpc-1" {
		t.Fatalf("audit event: %+v", ev)
	}

	in, _ = connectors.EncodeRequest(connectors.ExecuteRequest{RequestID: "grpc-2", Tool: "nope"})
	if err := conn.Invoke(ctx, connectors.ExecuteMethod, in, out); err != nil {
		t.Fatal(err)
	}
	resp, _ = connectors.DecodeResponse(out)
	if resp.StatusCode != http.StatusNotFound || resp.ErrorCode != domain.CodeToolNotFound {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
