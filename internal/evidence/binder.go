package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-toolgate/internal/infra"
	"github.com/xela07ax/spaceai-toolgate/internal/keyring"
	"go.uber.org/zap"
)

// Signer: то, что связке нужно от криптосервиса.
type Signer interface {
	Sign(data []byte, purpose string) (keyring.Signature, error)
	Verify(data []byte, sig keyring.Signature) (bool, error)
	Hash(data []byte) string
}

type Config struct {
	AutoSeal    bool   `mapstructure:"auto_seal" yaml:"auto_seal"`
	Purpose     string `mapstructure:"purpose" yaml:"purpose"`
	SystemActor string `mapstructure:"system_actor" yaml:"system_actor"`
}

func DefaultConfig() Config {
	return Config{AutoSeal: true, Purpose: keyring.PurposeEvidence, SystemActor: "toolgate"}
}

type Option func(*Binder)

func WithClock(now func() time.Time) Option { return func(b *Binder) { b.now = now } }

// Binder создает подписанные связки и ведет по ним цепочку custody.
type Binder struct {
	signer Signer
	store  Store
	cfg    Config
	locks  *infra.KeyedMutex
	now    func() time.Time
	logger *zap.Logger
}

func NewBinder(signer Signer, store Store, cfg Config, logger *zap.Logger, opts ...Option) *Binder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.Purpose == "" {
		cfg.Purpose = keyring.PurposeEvidence
	}
	if cfg.SystemActor == "" {
		cfg.SystemActor = "toolgate"
	}
	b := &Binder{
		signer: signer,
		store:  store,
		cfg:    cfg,
		locks:  infra.NewKeyedMutex(),
		now:    time.Now,
		logger: logger.Named("evidence"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// CreateBinding хеширует записи аудита в артефакты, подписывает связку
// и открывает цепочку custody записью CREATED (и SEALED при auto-seal).
func (b *Binder) CreateBinding(ctx context.Context, typ BindingType, entries []SourceEntry, opts Options) (Binding, error) {
	// 1. Артефакты: записи аудита + переданные явно
	artifacts := make([]Artifact, 0, len(entries)+len(opts.Artifacts))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return Binding{}, fmt.Errorf("evidence: marshal entry %s: %w", e.ID, err)
		}
		artifacts = append(artifacts, Artifact{
			ID:   e.ID,
			Type: orDefault(e.Type, "audit_entry"),
			Hash: b.signer.Hash(data),
		})
		ids = append(ids, e.ID)
	}
	artifacts = append(artifacts, opts.Artifacts...)

	bind := Binding{
		ID:              uuid.NewString(),
		Type:            typ,
		SourceEntryIDs:  ids,
		Artifacts:       artifacts,
		CrossReferences: append([]CrossReference(nil), opts.CrossReferences...),
		Metadata:        opts.Metadata,
		CreatedAt:       b.now().UTC(),
	}
	bind.BindingHash = b.bindingHash(artifacts)

	// 2. Подпись связки
	payload, err := bindingPayload(bind)
	if err != nil {
		return Binding{}, err
	}
	sig, err := b.signer.Sign(payload, b.cfg.Purpose)
	if err != nil {
		return Binding{}, fmt.Errorf("evidence: sign binding: %w", err)
	}
	bind.Signature = sig

	// 3. Начало цепочки custody
	actor := orDefault(opts.Actor, b.cfg.SystemActor)
	created, err := b.newRecord(bind.BindingHash, ActionCreated, actor, "")
	if err != nil {
		return Binding{}, err
	}
	bind.Custody = []CustodyRecord{created}
	if b.cfg.AutoSeal {
		sealed, err := b.newRecord(created.NewHash, ActionSealed, b.cfg.SystemActor, "auto-seal")
		if err != nil {
			return Binding{}, err
		}
		bind.Custody = append(bind.Custody, sealed)
	}
	bind.Verified = true

	if err := b.store.Put(ctx, bind); err != nil {
		return Binding{}, fmt.Errorf("evidence: store binding: %w", err)
	}
	b.logger.Debug("evidence binding created",
		zap.String("binding_id", bind.ID),
		zap.String("type", string(typ)),
		zap.Int("artifacts", len(artifacts)),
	)
	return bind, nil
}

// AddCustody дописывает запись в цепочку. Добавления по одной связке сериализуются.
func (b *Binder) AddCustody(ctx context.Context, bindingID string, action CustodyAction, actor, reason string) (CustodyRecord, error) {
	if !action.Valid() || action == ActionCreated {
		return CustodyRecord{}, fmt.Errorf("evidence: %w: %q", ErrInvalidAction, action)
	}
	if actor == "" {
		return CustodyRecord{}, ErrActorRequired
	}

	unlock := b.locks.Lock(bindingID)
	defer unlock()

	bind, err := b.store.Get(ctx, bindingID)
	if err != nil {
		return CustodyRecord{}, err
	}
	prev := bind.BindingHash
	if n := len(bind.Custody); n > 0 {
		prev = bind.Custody[n-1].NewHash
	}
	rec, err := b.newRecord(prev, action, actor, reason)
	if err != nil {
		return CustodyRecord{}, err
	}
	if err := b.store.AppendCustody(ctx, bindingID, rec); err != nil {
		return CustodyRecord{}, fmt.Errorf("evidence: append custody: %w", err)
	}
	b.logger.Info("custody record added",
		zap.String("binding_id", bindingID),
		zap.String("action", string(action)),
		zap.String("actor", actor),
	)
	return rec, nil
}

func (b *Binder) Get(ctx context.Context, id string) (Binding, error) {
	return b.store.Get(ctx, id)
}

func (b *Binder) ValidateByID(ctx context.Context, id string) (Validation, error) {
	bind, err := b.store.Get(ctx, id)
	if err != nil {
		return Validation{}, err
	}
	return b.Validate(ctx, bind), nil
}

// Validate пересчитывает хеши и подписи из полей связки. Флаг Verified не учитывается.
func (b *Binder) Validate(ctx context.Context, bind Binding) Validation {
	v := Validation{HashValid: true, SignatureValid: true, CustodyValid: true, CrossReferencesValid: true}
	fail := func(flag *bool, format string, args ...any) {
		*flag = false
		v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
	}

	// 1. Хеш связки
	if got := b.bindingHash(bind.Artifacts); got != bind.BindingHash {
		fail(&v.HashValid, "binding hash mismatch")
	}
	if len(bind.Artifacts) == 0 {
		v.Warnings = append(v.Warnings, "binding has no artifacts")
	}

	// 2. Подпись связки
	payload, err := bindingPayload(bind)
	if err != nil {
		fail(&v.SignatureValid, "binding payload: %v", err)
	} else if ok, err := b.signer.Verify(payload, bind.Signature); err != nil {
		fail(&v.SignatureValid, "binding signature: %s", keyring.Code(err))
	} else if !ok {
		fail(&v.SignatureValid, "binding signature invalid")
	}

	// 3. Цепочка custody: previousHash -> newHash, подпись каждой записи
	if len(bind.Custody) == 0 {
		fail(&v.CustodyValid, "custody chain is empty")
	}
	prev := bind.BindingHash
	for i, rec := range bind.Custody {
		if rec.PreviousHash != prev {
			fail(&v.CustodyValid, "custody[%d]: previous hash does not match chain", i)
		}
		if want := b.custodyHash(rec.PreviousHash, rec.Signature); rec.NewHash != want {
			fail(&v.CustodyValid, "custody[%d]: new hash mismatch", i)
		}
		if ok, err := b.signer.Verify(custodyPayload(rec), rec.Signature); err != nil {
			fail(&v.SignatureValid, "custody[%d] signature: %s", i, keyring.Code(err))
		} else if !ok {
			fail(&v.SignatureValid, "custody[%d] signature invalid", i)
		}
		prev = rec.NewHash
	}
	if len(bind.Custody) > 0 && bind.Custody[0].Action != ActionCreated {
		v.Warnings = append(v.Warnings, "custody chain does not start with CREATED")
	}
	if !bind.Sealed() {
		v.Warnings = append(v.Warnings, "binding is not sealed")
	}

	// 4. Перекрестные ссылки
	for _, ref := range bind.CrossReferences {
		other, err := b.store.Get(ctx, ref.BindingID)
		switch {
		case errors.Is(err, ErrBindingNotFound):
			fail(&v.CrossReferencesValid, "cross reference %s: binding not found", ref.BindingID)
		case err != nil:
			fail(&v.CrossReferencesValid, "cross reference %s: %v", ref.BindingID, err)
		case ref.BindingHash != "" && other.BindingHash != ref.BindingHash:
			fail(&v.CrossReferencesValid, "cross reference %s: binding hash changed", ref.BindingID)
		}
	}

	v.Valid = v.HashValid && v.SignatureValid && v.CustodyValid && v.CrossReferencesValid
	if !v.Valid {
		b.logger.Warn("evidence binding failed validation",
			zap.String("binding_id", bind.ID),
			zap.Strings("errors", v.Errors),
		)
	}
	return v
}

func (b *Binder) newRecord(prev string, action CustodyAction, actor, reason string) (CustodyRecord, error) {
	rec := CustodyRecord{
		ID:           uuid.NewString(),
		Timestamp:    b.now().UTC(),
		Action:       action,
		Actor:        actor,
		Reason:       reason,
		PreviousHash: prev,
	}
	sig, err := b.signer.Sign(custodyPayload(rec), b.cfg.Purpose)
	if err != nil {
		return CustodyRecord{}, fmt.Errorf("evidence: sign custody: %w", err)
	}
	rec.Signature = sig
	rec.NewHash = b.custodyHash(prev, sig)
	return rec, nil
}

func (b *Binder) bindingHash(artifacts []Artifact) string {
	var sb strings.Builder
	for _, a := range artifacts {
		sb.WriteString(a.Hash)
	}
	return b.signer.Hash([]byte(sb.String()))
}

func (b *Binder) custodyHash(prev string, sig keyring.Signature) string {
	data := make([]byte, 0, len(prev)+len(sig.Value))
	data = append(data, prev...)
	data = append(data, sig.Value...)
	return b.signer.Hash(data)
}

// bindingPayload: подписываемое представление связки. Порядок полей фиксирован,
// ключи metadata сортирует encoding/json; nil и пустые коллекции сериализуются одинаково.
func bindingPayload(b Binding) ([]byte, error) {
	if b.SourceEntryIDs == nil {
		b.SourceEntryIDs = []string{}
	}
	if b.Artifacts == nil {
		b.Artifacts = []Artifact{}
	}
	if b.CrossReferences == nil {
		b.CrossReferences = []CrossReference{}
	}
	if b.Metadata == nil {
		b.Metadata = map[string]string{}
	}
	return json.Marshal(struct {
		ID              string            `json:"id"`
		Type            BindingType       `json:"type"`
		SourceEntryIDs  []string          `json:"sourceEntryIds"`
		Artifacts       []Artifact        `json:"artifacts"`
		BindingHash     string            `json:"bindingHash"`
		CrossReferences []CrossReference  `json:"crossReferences"`
		Metadata        map[string]string `json:"metadata"`
	}{b.ID, b.Type, b.SourceEntryIDs, b.Artifacts, b.BindingHash, b.CrossReferences, b.Metadata})
}

func custodyPayload(r CustodyRecord) []byte {
	data, _ := json.Marshal(struct {
		ID           string        `json:"id"`
		Timestamp    string        `json:"timestamp"`
		Action       CustodyAction `json:"action"`
		Actor        string        `json:"actor"`
		Reason       string        `json:"reason"`
		PreviousHash string        `json:"previousHash"`
	}{r.ID, r.Timestamp.UTC().Format(time.RFC3339Nano), r.Action, r.Actor, r.Reason, r.PreviousHash})
	return data
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
