package keyring

import (
	"errors"
	"time"
)

type Algorithm string

const (
	AlgAES256GCM        Algorithm = "aes-256-gcm"
	AlgChaCha20Poly1305 Algorithm = "chacha20-poly1305"
	AlgEd25519          Algorithm = "ed25519"
	AlgECDSAP256        Algorithm = "ecdsa-p256-sha256"
)

type KeyStatus string

const (
	StatusActive     KeyStatus = "active"
	StatusDeprecated KeyStatus = "deprecated"
	StatusRevoked    KeyStatus = "revoked"
	StatusDestroyed  KeyStatus = "destroyed"
)

// Назначения ключей, которые использует шлюз.
const (
	PurposeEvidence = "evidence"
	PurposeAudit    = "audit"
	PurposeData     = "data"
)

// EncryptionKey: метаданные симметричного ключа. Материал ключа наружу не отдается.
type EncryptionKey struct {
	ID        string    `json:"id"`
	Algorithm Algorithm `json:"algorithm"`
	Purpose   string    `json:"purpose"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Status    KeyStatus `json:"status"`
}

// SigningKey: метаданные ключа подписи. PublicKey можно публиковать.
type SigningKey struct {
	ID        string    `json:"id"`
	Algorithm Algorithm `json:"algorithm"`
	Purpose   string    `json:"purpose"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Status    KeyStatus `json:"status"`
	PublicKey []byte    `json:"public_key"`
}

// EncryptedData: конверт шифротекста. KeyID позволяет расшифровать после ротации.
type EncryptedData struct {
	Ciphertext []byte    `json:"ciphertext"`
	IV         []byte    `json:"iv"`
	Tag        []byte    `json:"tag,omitempty"`
	KeyID      string    `json:"key_id"`
	KeyVersion int       `json:"key_version"`
	Algorithm  Algorithm `json:"algorithm"`
}

type Signature struct {
	KeyID      string    `json:"key_id"`
	KeyVersion int       `json:"key_version"`
	Algorithm  Algorithm `json:"algorithm"`
	Value      []byte    `json:"value"`
	SignedAt   time.Time `json:"signed_at"`
}

var (
	ErrKeyNotFound          = errors.New("KEY_NOT_FOUND")
	ErrKeyDestroyed         = errors.New("KEY_DESTROYED")
	ErrKeyRevoked           = errors.New("KEY_REVOKED")
	ErrNoActiveKey          = errors.New("NO_ACTIVE_KEY")
	ErrAuthentication       = errors.New("AUTHENTICATION_FAILED")
	ErrUnsupportedAlgorithm = errors.New("UNSUPPORTED_ALGORITHM")
	ErrInvalidKeyLength     = errors.New("INVALID_KEY_LENGTH")
	ErrSignatureKeyMismatch = errors.New("SIGNATURE_KEY_MISMATCH")
)

// Code возвращает код ошибки криптосервиса (KEY_NOT_FOUND, ...) или пустую строку.
func Code(err error) string {
	for _, target := range []error{
		ErrKeyNotFound, ErrKeyDestroyed, ErrKeyRevoked, ErrNoActiveKey,
		ErrAuthentication, ErrUnsupportedAlgorithm, ErrInvalidKeyLength, ErrSignatureKeyMismatch,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return ""
}
