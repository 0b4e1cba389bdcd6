package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GenesisHash: prev_hash первой строки нового журнала.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// chainedEvent: строка журнала: событие плюс хеш предыдущей строки.
type chainedEvent struct {
	AuditEvent
	PrevHash string `json:"prev_hash"`
}

// JSONLStorage: append-only JSONL с цепочкой SHA-256 по строкам.
type JSONLStorage struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	prevHash string
}

// OpenJSONL открывает (или создает) журнал и восстанавливает хвост цепочки.
func OpenJSONL(path string) (*JSONLStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, err := lastLine(path)
		if err != nil {
			return nil, err
		}
		if len(last) > 0 {
			prevHash = HashLine(last)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &JSONLStorage{path: path, file: f, prevHash: prevHash}, nil
}

func (s *JSONLStorage) WriteBatch(_ context.Context, events []AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		line, err := json.Marshal(chainedEvent{AuditEvent: e, PrevHash: s.prevHash})
		if err != nil {
			return fmt.Errorf("audit: marshal event %s: %w", e.ID, err)
		}
		if _, err := s.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("audit: write event: %w", err)
		}
		s.prevHash = HashLine(line)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

func (s *JSONLStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// HashLine возвращает "sha256:<hex>" от строки.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// VerifyFile проверяет цепочку журнала и сообщает о первом разрыве.
func VerifyFile(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	expected := GenesisHash
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()

		var head struct {
			PrevHash string `json:"prev_hash"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}
		if head.PrevHash != expected {
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, head.PrevHash),
				ErrorLine: lineNum,
			}
		}
		expected = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lineNum}
}

func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var last []byte
	for scanner.Scan() {
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan existing log: %w", err)
	}
	return last, nil
}
