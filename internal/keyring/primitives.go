package keyring

import (
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math/big"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

type HashAlgorithm string

const (
	SHA256   HashAlgorithm = "sha256"
	SHA512   HashAlgorithm = "sha512"
	SHA3_256 HashAlgorithm = "sha3-256"
)

const randomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func hasher(alg HashAlgorithm) (func() hash.Hash, error) {
	switch alg {
	case "", SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	case SHA3_256:
		return func() hash.Hash { return sha3.New256() }, nil
	}
	return nil, fmt.Errorf("keyring: %w: %s", ErrUnsupportedAlgorithm, alg)
}

// Hash: hex SHA-256 от данных.
func (s *Service) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashWith: hex-дайджест выбранным алгоритмом.
func (s *Service) HashWith(alg HashAlgorithm, data []byte) (string, error) {
	newHash, err := hasher(alg)
	if err != nil {
		return "", err
	}
	h := newHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HMAC: HMAC-SHA256.
func (s *Service) HMAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// VerifyHMAC сравнивает MAC за постоянное время.
func (s *Service) VerifyHMAC(key, data, mac []byte) bool {
	return subtle.ConstantTimeCompare(s.HMAC(key, data), mac) == 1
}

// DeriveKey выводит ключ длины length через HKDF-SHA256.
func (s *Service) DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 || length > 255*sha256.Size {
		return nil, fmt.Errorf("keyring: %w: %d", ErrInvalidKeyLength, length)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("keyring: hkdf: %w", err)
	}
	return out, nil
}

func (s *Service) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return nil, fmt.Errorf("keyring: random: %w", err)
	}
	return b, nil
}

// RandomString: строка из [A-Za-z0-9] без смещения распределения.
func (s *Service) RandomString(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(randomAlphabet)))
	for i := range out {
		idx, err := crand.Int(s.random, max)
		if err != nil {
			return "", fmt.Errorf("keyring: random: %w", err)
		}
		out[i] = randomAlphabet[idx.Int64()]
	}
	return string(out), nil
}

func (s *Service) UUID() string {
	return uuid.New().String()
}
