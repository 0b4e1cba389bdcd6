package evidence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/xela07ax/spaceai-toolgate/internal/keyring"
)

func newBinder(t *testing.T, cfg Config) (*Binder, *keyring.Service) {
	t.Helper()
	ks := keyring.NewService(nil)
	if _, err := ks.GenerateSigningKey(keyring.PurposeEvidence, keyring.AlgEd25519); err != nil {
		t.Fatalf("signing key: %v", err)
	}
	return NewBinder(ks, NewMemoryStore(), cfg, nil), ks
}

func sampleEntries() []SourceEntry {
	return []SourceEntry{
		{ID: "audit-1", Data: map[string]any{"tool": "read_file", "status": "success"}},
		{ID: "audit-2", Type: "assessment", Data: map[string]any{"risk_level": 1}},
	}
}

func TestCreateBindingIsValid(t *testing.T) {
	b, _ := newBinder(t, DefaultConfig())
	ctx := context.Background()

	bind, err := b.CreateBinding(ctx, TypeToolExecution, sampleEntries(), Options{Metadata: map[string]string{"tenant_id": "t1"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(bind.Custody) != 2 || bind.Custody[0].Action != ActionCreated || bind.Custody[1].Action != ActionSealed {
		t.Fatalf("custody: %+v", bind.Custody)
	}
	if bind.Custody[0].PreviousHash != bind.BindingHash {
		t.Fatalf("first record must chain from binding hash")
	}
	if len(bind.SourceEntryIDs) != 2 || len(bind.Artifacts) != 2 {
		t.Fatalf("entries not bound: %+v", bind)
	}

	v, err := b.ValidateByID(ctx, bind.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Valid || len(v.Errors) != 0 {
		t.Fatalf("fresh binding invalid: %+v", v)
	}
}

func TestAutoSealDisabledWarns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoSeal = false
	b, _ := newBinder(t, cfg)
	bind, err := b.CreateBinding(context.Background(), TypeIncident, sampleEntries(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(bind.Custody) != 1 {
		t.Fatalf("expected CREATED only, got %d records", len(bind.Custody))
	}
	v := b.Validate(context.Background(), bind)
	if !v.Valid || len(v.Warnings) == 0 {
		t.Fatalf("unsealed binding must be valid with a warning: %+v", v)
	}
}

func TestAddCustodyExtendsChain(t *testing.T) {
	b, _ := newBinder(t, DefaultConfig())
	ctx := context.Background()
	bind, _ := b.CreateBinding(ctx, TypeToolExecution, sampleEntries(), Options{})

	rec, err := b.AddCustody(ctx, bind.ID, ActionAccessed, "auditor@corp", "quarterly review")
	if err != nil {
		t.Fatalf("add custody: %v", err)
	}
	if rec.PreviousHash != bind.Custody[1].NewHash {
		t.Fatalf("previous hash must equal prior new hash")
	}
	got, _ := b.Get(ctx, bind.ID)
	if len(got.Custody) != 3 {
		t.Fatalf("custody len %d", len(got.Custody))
	}
	if v := b.Validate(ctx, got); !v.Valid {
		t.Fatalf("extended chain invalid: %+v", v)
	}

	if _, err := b.AddCustody(ctx, bind.ID, ActionCreated, "x", ""); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("CREATED via AddCustody: %v", err)
	}
	if _, err := b.AddCustody(ctx, bind.ID, ActionModified, "", ""); !errors.Is(err, ErrActorRequired) {
		t.Fatalf("empty actor: %v", err)
	}
	if _, err := b.AddCustody(ctx, "missing", ActionAccessed, "x", ""); !errors.Is(err, ErrBindingNotFound) {
		t.Fatalf("missing binding: %v", err)
	}
}

func TestTamperedCustodyActionBreaksSignature(t *testing.T) {
	b, _ := newBinder(t, DefaultConfig())
	ctx := context.Background()
	bind, _ := b.CreateBinding(ctx, TypeToolExecution, sampleEntries(), Options{})
	_, _ = b.AddCustody(ctx, bind.ID, ActionTransferred, "ops", "handover")
	got, _ := b.Get(ctx, bind.ID)

	got.Custody[1].Action = ActionReleased
	v := b.Validate(ctx, got)
	if v.SignatureValid || v.Valid {
		t.Fatalf("modified action must fail signature check: %+v", v)
	}
	if !v.CustodyValid || !v.HashValid {
		t.Fatalf("only the signature check should fail: %+v", v)
	}
}

func TestBrokenChainLink(t *testing.T) {
	b, _ := newBinder(t, DefaultConfig())
	ctx := context.Background()
	bind, _ := b.CreateBinding(ctx, TypeToolExecution, sampleEntries(), Options{})
	bind.Custody[1].PreviousHash = "deadbeef"
	v := b.Validate(ctx, bind)
	if v.CustodyValid {
		t.Fatalf("broken link must fail custody check")
	}
}

func TestTamperedArtifactBreaksHash(t *testing.T) {
	b, _ := newBinder(t, DefaultConfig())
	ctx := context.Background()
	bind, _ := b.CreateBinding(ctx, TypeToolExecution, sampleEntries(), Options{})
	bind.Artifacts[0].Hash = strings.Repeat("0", 64)
	v := b.Validate(ctx, bind)
	if v.HashValid || v.SignatureValid {
		t.Fatalf("artifact change must fail hash and signature: %+v", v)
	}
}

func TestStoredVerifiedFlagIsIgnored(t *testing.T) {
	b, _ := newBinder(t, DefaultConfig())
	ctx := context.Background()
	bind, _ := b.CreateBinding(ctx, TypeToolExecution, sampleEntries(), Options{})
	bind.Metadata = map[string]string{"injected": "1"}
	bind.Verified = true
	if v := b.Validate(ctx, bind); v.Valid {
		t.Fatalf("metadata change must invalidate the binding")
	}
}

func TestRevokedKeyFailsValidation(t *testing.T) {
	b, ks := newBinder(t, DefaultConfig())
	ctx := context.Background()
	bind, _ := b.CreateBinding(ctx, TypeToolExecution, sampleEntries(), Options{})
	if err := ks.RevokeKey(bind.Signature.KeyID); err != nil {
		t.Fatal(err)
	}
	v := b.Validate(ctx, bind)
	if v.SignatureValid {
		t.Fatalf("revoked signing key must fail validation")
	}
}

func TestCrossReferences(t *testing.T) {
	b, _ := newBinder(t, DefaultConfig())
	ctx := context.Background()
	first, _ := b.CreateBinding(ctx, TypeApproval, sampleEntries(), Options{})
	second, err := b.CreateBinding(ctx, TypeToolExecution, sampleEntries(), Options{
		CrossReferences: []CrossReference{{BindingID: first.ID, Relation: "approved_by", BindingHash: first.BindingHash}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if v := b.Validate(ctx, second); !v.CrossReferencesValid {
		t.Fatalf("valid reference rejected: %+v", v)
	}

	dangling, _ := b.CreateBinding(ctx, TypeToolExecution, sampleEntries(), Options{
		CrossReferences: []CrossReference{{BindingID: "nope", Relation: "related"}},
	})
	v := b.Validate(ctx, dangling)
	if v.CrossReferencesValid || v.Valid {
		t.Fatalf("dangling reference accepted: %+v", v)
	}
	if !v.SignatureValid || !v.HashValid || !v.CustodyValid {
		t.Fatalf("only the cross-reference check should fail: %+v", v)
	}
}

func TestConcurrentCustodyAppends(t *testing.T) {
	b, _ := newBinder(t, DefaultConfig())
	ctx := context.Background()
	bind, _ := b.CreateBinding(ctx, TypeToolExecution, sampleEntries(), Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.AddCustody(ctx, bind.ID, ActionAccessed, "reader", ""); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := b.Get(ctx, bind.ID)
	if len(got.Custody) != 22 {
		t.Fatalf("custody len %d, want 22", len(got.Custody))
	}
	if v := b.Validate(ctx, got); !v.CustodyValid {
		t.Fatalf("concurrent appends broke the chain: %v", v.Errors)
	}
}
