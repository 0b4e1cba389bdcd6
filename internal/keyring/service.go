package keyring

/*
Файл service.go реализует криптосервис шлюза: жизненный цикл ключей,
AEAD-шифрование, подпись/проверку, хэши, HMAC и вывод ключей.

Ключевые свойства:
- Для каждого purpose в любой момент активен ровно один ключ. Новый ключ
  атомарно переводит предыдущий в deprecated: материал сохраняется для
  расшифровки старых данных, но для нового шифрования не используется.
- Только AEAD (AES-256-GCM, ChaCha20-Poly1305). Заголовок конверта
  (key_id, версия, алгоритм) входит в associated data, поэтому подмена
  key_id в конверте ломает проверку тега.
- Читатели (Encrypt/Sign) берут RLock и видят либо старый, либо новый
  активный ключ, никогда не промежуточное состояние.
*/

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

const symmetricKeySize = 32

type encEntry struct {
	meta     EncryptionKey
	material []byte // nil после DestroyKey
}

// snapshot копирует запись вместе с материалом: DestroyKey затирает
// массив записи, а читатель работает со своей копией.
func (e *encEntry) snapshot() encEntry {
	out := *e
	out.material = bytes.Clone(e.material)
	return out
}

type signEntry struct {
	meta SigningKey
	priv crypto.Signer // nil после DestroyKey
	pub  crypto.PublicKey
}

// Service: in-process реестр ключей. Сетевых вызовов нет.
type Service struct {
	mu         sync.RWMutex
	encKeys    map[string]*encEntry
	activeEnc  map[string]string // purpose -> key id
	signKeys   map[string]*signEntry
	activeSign map[string]string
	encVer     map[string]int
	signVer    map[string]int

	logger *zap.Logger
	now    func() time.Time
	random io.Reader
}

type Option func(*Service)

// WithClock подменяет часы (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandom подменяет источник случайности.
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

func NewService(logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		encKeys:    make(map[string]*encEntry),
		activeEnc:  make(map[string]string),
		signKeys:   make(map[string]*signEntry),
		activeSign: make(map[string]string),
		encVer:     make(map[string]int),
		signVer:    make(map[string]int),
		logger:     logger.Named("keyring"),
		now:        time.Now,
		random:     rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateEncryptionKey создает новый активный ключ для purpose (ротация).
func (s *Service) GenerateEncryptionKey(purpose string, alg Algorithm) (EncryptionKey, error) {
	if alg == "" {
		alg = AlgAES256GCM
	}
	if alg != AlgAES256GCM && alg != AlgChaCha20Poly1305 {
		return EncryptionKey{}, fmt.Errorf("keyring: %w: %s", ErrUnsupportedAlgorithm, alg)
	}
	material := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(s.random, material); err != nil {
		return EncryptionKey{}, fmt.Errorf("keyring: generate key material: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.encVer[purpose]++
	meta := EncryptionKey{
		ID:        "ek_" + uuid.New().String(),
		Algorithm: alg,
		Purpose:   purpose,
		Version:   s.encVer[purpose],
		CreatedAt: s.now().UTC(),
		Status:    StatusActive,
	}
	if prevID, ok := s.activeEnc[purpose]; ok {
		if prev := s.encKeys[prevID]; prev != nil && prev.meta.Status == StatusActive {
			prev.meta.Status = StatusDeprecated
		}
	}
	s.encKeys[meta.ID] = &encEntry{meta: meta, material: material}
	s.activeEnc[purpose] = meta.ID

	s.logger.Info("encryption key generated",
		zap.String("key_id", meta.ID), zap.String("purpose", purpose), zap.Int("version", meta.Version))
	return meta, nil
}

// Encrypt шифрует активным ключом purpose.
func (s *Service) Encrypt(plaintext []byte, purpose string) (EncryptedData, error) {
	s.mu.RLock()
	id, ok := s.activeEnc[purpose]
	var entry encEntry
	if ok {
		entry = s.encKeys[id].snapshot()
	}
	s.mu.RUnlock()
	if !ok {
		return EncryptedData{}, fmt.Errorf("keyring: %w for purpose %q", ErrNoActiveKey, purpose)
	}

	aead, err := newAEAD(entry.meta.Algorithm, entry.material)
	if err != nil {
		return EncryptedData{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return EncryptedData{}, fmt.Errorf("keyring: nonce: %w", err)
	}
	out := EncryptedData{
		IV:         nonce,
		KeyID:      entry.meta.ID,
		KeyVersion: entry.meta.Version,
		Algorithm:  entry.meta.Algorithm,
	}
	sealed := aead.Seal(nil, nonce, plaintext, envelopeAAD(out))
	split := len(sealed) - aead.Overhead()
	out.Ciphertext = sealed[:split]
	out.Tag = sealed[split:]
	return out, nil
}

// Decrypt расшифровывает конверт ключом, указанным в KeyID.
// Любое изменение шифротекста, тега или заголовка дает ErrAuthentication.
func (s *Service) Decrypt(data EncryptedData) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.encKeys[data.KeyID]
	var entry encEntry
	if ok {
		entry = e.snapshot()
	}
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("keyring: %w: %s", ErrKeyNotFound, data.KeyID)
	}
	if entry.meta.Status == StatusDestroyed || entry.material == nil {
		return nil, fmt.Errorf("keyring: %w: %s", ErrKeyDestroyed, data.KeyID)
	}
	if data.Algorithm != entry.meta.Algorithm || data.KeyVersion != entry.meta.Version {
		return nil, fmt.Errorf("keyring: %w: envelope header mismatch", ErrAuthentication)
	}
	aead, err := newAEAD(entry.meta.Algorithm, entry.material)
	if err != nil {
		return nil, err
	}
	if len(data.IV) != aead.NonceSize() {
		return nil, fmt.Errorf("keyring: %w: bad nonce size", ErrAuthentication)
	}
	sealed := make([]byte, 0, len(data.Ciphertext)+len(data.Tag))
	sealed = append(sealed, data.Ciphertext...)
	sealed = append(sealed, data.Tag...)
	plain, err := aead.Open(nil, data.IV, sealed, envelopeAAD(data))
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", ErrAuthentication)
	}
	return plain, nil
}

func envelopeAAD(d EncryptedData) []byte {
	return []byte(d.KeyID + "|" + strconv.Itoa(d.KeyVersion) + "|" + string(d.Algorithm))
}

func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	switch alg {
	case AlgAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("keyring: aes: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("keyring: %w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

// GenerateSigningKey создает новый активный ключ подписи для purpose.
func (s *Service) GenerateSigningKey(purpose string, alg Algorithm) (SigningKey, error) {
	if alg == "" {
		alg = AlgEd25519
	}
	var (
		priv crypto.Signer
		pub  crypto.PublicKey
	)
	switch alg {
	case AlgEd25519:
		p, k, err := ed25519.GenerateKey(s.random)
		if err != nil {
			return SigningKey{}, fmt.Errorf("keyring: ed25519: %w", err)
		}
		priv, pub = k, p
	case AlgECDSAP256:
		k, err := ecdsa.GenerateKey(elliptic.P256(), s.random)
		if err != nil {
			return SigningKey{}, fmt.Errorf("keyring: ecdsa: %w", err)
		}
		priv, pub = k, &k.PublicKey
	default:
		return SigningKey{}, fmt.Errorf("keyring: %w: %s", ErrUnsupportedAlgorithm, alg)
	}
	return s.addSigningKey("sk_"+uuid.New().String(), purpose, alg, priv, pub)
}

// ImportEd25519Seed регистрирует ключ подписи из seed (32 байта).
// ID ключа выводится из публичного ключа, поэтому подписи остаются
// проверяемыми после рестарта сервиса.
func (s *Service) ImportEd25519Seed(purpose string, seed []byte) (SigningKey, error) {
	if len(seed) != ed25519.SeedSize {
		return SigningKey{}, fmt.Errorf("keyring: %w: seed must be %d bytes", ErrInvalidKeyLength, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	fp := sha256.Sum256(pub)
	id := "sk_" + hex.EncodeToString(fp[:8])

	if meta, ok, err := s.reactivate(id, purpose); ok || err != nil {
		return meta, err
	}
	return s.addSigningKey(id, purpose, AlgEd25519, priv, pub)
}

// reactivate: повторный импорт уже известного seed. Отозванный или
// уничтоженный ключ не оживает, вытесненный снова становится активным.
func (s *Service) reactivate(id, purpose string) (SigningKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.signKeys[id]
	if !ok {
		return SigningKey{}, false, nil
	}
	switch {
	case e.meta.Status == StatusRevoked:
		return SigningKey{}, true, fmt.Errorf("keyring: %w: %s", ErrKeyRevoked, id)
	case e.meta.Status == StatusDestroyed:
		return SigningKey{}, true, fmt.Errorf("keyring: %w: %s", ErrKeyDestroyed, id)
	case e.meta.Purpose != purpose:
		return SigningKey{}, true, fmt.Errorf("keyring: seed already registered for purpose %q", e.meta.Purpose)
	}
	if prevID := s.activeSign[purpose]; prevID != id {
		if prev := s.signKeys[prevID]; prev != nil && prev.meta.Status == StatusActive {
			prev.meta.Status = StatusDeprecated
		}
		e.meta.Status = StatusActive
		s.activeSign[purpose] = id
		s.logger.Info("signing key reactivated", zap.String("key_id", id), zap.String("purpose", purpose))
	}
	return e.meta, true, nil
}

func (s *Service) addSigningKey(id, purpose string, alg Algorithm, priv crypto.Signer, pub crypto.PublicKey) (SigningKey, error) {
	pubBytes, err := marshalPublic(pub)
	if err != nil {
		return SigningKey{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.signVer[purpose]++
	meta := SigningKey{
		ID:        id,
		Algorithm: alg,
		Purpose:   purpose,
		Version:   s.signVer[purpose],
		CreatedAt: s.now().UTC(),
		Status:    StatusActive,
		PublicKey: pubBytes,
	}
	if prevID, ok := s.activeSign[purpose]; ok {
		if prev := s.signKeys[prevID]; prev != nil && prev.meta.Status == StatusActive {
			prev.meta.Status = StatusDeprecated
		}
	}
	s.signKeys[id] = &signEntry{meta: meta, priv: priv, pub: pub}
	s.activeSign[purpose] = id

	s.logger.Info("signing key generated",
		zap.String("key_id", id), zap.String("purpose", purpose), zap.String("alg", string(alg)))
	return meta, nil
}

func marshalPublic(pub crypto.PublicKey) ([]byte, error) {
	if k, ok := pub.(ed25519.PublicKey); ok {
		return append([]byte(nil), k...), nil
	}
	b, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("keyring: marshal public key: %w", err)
	}
	return b, nil
}

// Sign подписывает данные активным ключом purpose.
func (s *Service) Sign(data []byte, purpose string) (Signature, error) {
	s.mu.RLock()
	id, ok := s.activeSign[purpose]
	var entry signEntry
	if ok {
		entry = *s.signKeys[id]
	}
	s.mu.RUnlock()
	if !ok {
		return Signature{}, fmt.Errorf("keyring: %w for purpose %q", ErrNoActiveKey, purpose)
	}

	var (
		value []byte
		err   error
	)
	switch k := entry.priv.(type) {
	case ed25519.PrivateKey:
		value = ed25519.Sign(k, data)
	case *ecdsa.PrivateKey:
		digest := sha256.Sum256(data)
		value, err = ecdsa.SignASN1(s.random, k, digest[:])
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, entry.meta.Algorithm)
	}
	if err != nil {
		return Signature{}, fmt.Errorf("keyring: sign: %w", err)
	}
	return Signature{
		KeyID:      entry.meta.ID,
		KeyVersion: entry.meta.Version,
		Algorithm:  entry.meta.Algorithm,
		Value:      value,
		SignedAt:   s.now().UTC(),
	}, nil
}

// Verify проверяет подпись. Невалидная подпись — (false, nil);
// неизвестный/отозванный/уничтоженный ключ — (false, err).
func (s *Service) Verify(data []byte, sig Signature) (bool, error) {
	s.mu.RLock()
	e, ok := s.signKeys[sig.KeyID]
	var entry signEntry
	if ok {
		entry = *e
	}
	s.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("keyring: %w: %s", ErrKeyNotFound, sig.KeyID)
	}
	switch entry.meta.Status {
	case StatusRevoked:
		return false, fmt.Errorf("keyring: %w: %s", ErrKeyRevoked, sig.KeyID)
	case StatusDestroyed:
		return false, fmt.Errorf("keyring: %w: %s", ErrKeyDestroyed, sig.KeyID)
	}
	if sig.Algorithm != entry.meta.Algorithm {
		return false, fmt.Errorf("keyring: %w", ErrSignatureKeyMismatch)
	}

	switch k := entry.pub.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(k, data, sig.Value), nil
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(data)
		return ecdsa.VerifyASN1(k, digest[:], sig.Value), nil
	}
	return false, fmt.Errorf("keyring: %w: %s", ErrUnsupportedAlgorithm, entry.meta.Algorithm)
}

// RevokeKey отзывает ключ (шифрования или подписи). Отозванный ключ снимается с активных.
func (s *Service) RevokeKey(id string) error {
	return s.setStatus(id, StatusRevoked)
}

// DestroyKey уничтожает материал ключа. Метаданные остаются для аудита.
func (s *Service) DestroyKey(id string) error {
	return s.setStatus(id, StatusDestroyed)
}

func (s *Service) setStatus(id string, status KeyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.encKeys[id]; ok {
		if e.meta.Status == StatusDestroyed {
			return fmt.Errorf("keyring: %w: %s", ErrKeyDestroyed, id)
		}
		e.meta.Status = status
		if status == StatusDestroyed {
			for i := range e.material {
				e.material[i] = 0
			}
			e.material = nil
		}
		if s.activeEnc[e.meta.Purpose] == id {
			delete(s.activeEnc, e.meta.Purpose)
		}
		s.logger.Warn("encryption key status changed", zap.String("key_id", id), zap.String("status", string(status)))
		return nil
	}
	if e, ok := s.signKeys[id]; ok {
		if e.meta.Status == StatusDestroyed {
			return fmt.Errorf("keyring: %w: %s", ErrKeyDestroyed, id)
		}
		e.meta.Status = status
		if status == StatusDestroyed {
			e.priv = nil
		}
		if s.activeSign[e.meta.Purpose] == id {
			delete(s.activeSign, e.meta.Purpose)
		}
		s.logger.Warn("signing key status changed", zap.String("key_id", id), zap.String("status", string(status)))
		return nil
	}
	return fmt.Errorf("keyring: %w: %s", ErrKeyNotFound, id)
}

// ActiveSigningKey возвращает метаданные активного ключа подписи.
func (s *Service) ActiveSigningKey(purpose string) (SigningKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeSign[purpose]
	if !ok {
		return SigningKey{}, false
	}
	return s.signKeys[id].meta, true
}

// EncryptionKeys возвращает метаданные всех ключей шифрования purpose.
func (s *Service) EncryptionKeys(purpose string) []EncryptionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EncryptionKey, 0)
	for _, e := range s.encKeys {
		if purpose == "" || e.meta.Purpose == purpose {
			out = append(out, e.meta)
		}
	}
	return out
}

// KeyStatusOf: статус любого ключа по ID.
func (s *Service) KeyStatusOf(id string) (KeyStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.encKeys[id]; ok {
		return e.meta.Status, nil
	}
	if e, ok := s.signKeys[id]; ok {
		return e.meta.Status, nil
	}
	return "", fmt.Errorf("keyring: %w: %s", ErrKeyNotFound, id)
}
