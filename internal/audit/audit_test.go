package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

type memStorage struct {
	mu      sync.Mutex
	events  []AuditEvent
	batches int
	err     error
}

func (m *memStorage) WriteBatch(_ context.Context, events []AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	m.events = append(m.events, events...)
	return m.err
}

func (m *memStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func testEvent(i int) AuditEvent {
	return AuditEvent{
		ID:        fmt.Sprintf("evt-%d", i),
		RequestID: fmt.Sprintf("req-%d", i),
		TenantID:  "tenant_a",
		Tool:      "read_file",
		Params:    domain.MustFromAny(map[string]any{"path": "/tmp/x"}),
		Stage:     "completed",
		Status:    StatusSuccess,
	}
}

func TestStopDrainsBuffer(t *testing.T) {
	store := &memStorage{}
	fs := NewAgentFS(store, Config{BufferSize: 1000, BatchSize: 50, FlushInterval: time.Hour}, nil)
	fs.Start()
	for i := 0; i < 230; i++ {
		fs.Log(testEvent(i))
	}
	fs.Stop()
	if got := store.count(); got != 230 {
		t.Fatalf("flushed %d events, want 230", got)
	}
	// повторный Stop и Log после остановки не паникуют
	fs.Stop()
	fs.Log(testEvent(999))
	if store.count() != 230 {
		t.Fatalf("event accepted after stop")
	}
}

func TestTickerFlushes(t *testing.T) {
	store := &memStorage{}
	var util []float64
	var mu sync.Mutex
	fs := NewAgentFS(store, Config{BufferSize: 10, BatchSize: 100, FlushInterval: 20 * time.Millisecond}, nil)
	fs.SetObserver(func(u float64) {
		mu.Lock()
		util = append(util, u)
		mu.Unlock()
	})
	fs.Start()
	defer fs.Stop()

	fs.Log(testEvent(1))
	deadline := time.Now().Add(2 * time.Second)
	for store.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("ticker did not flush")
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(util) == 0 {
		t.Fatalf("observer not called")
	}
}

func TestOverflowIsCounted(t *testing.T) {
	store := &memStorage{}
	fs := NewAgentFS(store, Config{BufferSize: 2, BatchSize: 100, FlushInterval: time.Hour}, nil)
	// воркер не запущен — буфер не вычитывается
	for i := 0; i < 5; i++ {
		fs.Log(testEvent(i))
	}
	if fs.Dropped() != 3 {
		t.Fatalf("dropped %d, want 3", fs.Dropped())
	}
	fs.Start()
	fs.Stop()
	if store.count() != 2 {
		t.Fatalf("flushed %d, want 2", store.count())
	}
}

func TestTeeWritesAll(t *testing.T) {
	a, b := &memStorage{}, &memStorage{err: errors.New("down")}
	c := &memStorage{}
	err := Tee{a, b, c}.WriteBatch(context.Background(), []AuditEvent{testEvent(1)})
	if err == nil {
		t.Fatalf("expected error from failing storage")
	}
	if a.count() != 1 || c.count() != 1 {
		t.Fatalf("healthy storages must still receive the batch")
	}
}

func newJSONL(t *testing.T) (*JSONLStorage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "trail.jsonl")
	s, err := OpenJSONL(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func TestJSONLChainVerifies(t *testing.T) {
	s, path := newJSONL(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.WriteBatch(ctx, []AuditEvent{testEvent(2 * i), testEvent(2*i + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	s.Close()

	res := VerifyFile(path)
	if !res.Valid || res.Lines != 6 {
		t.Fatalf("verify: %+v", res)
	}
}

func TestJSONLDetectsTampering(t *testing.T) {
	s, path := newJSONL(t)
	_ = s.WriteBatch(context.Background(), []AuditEvent{testEvent(1), testEvent(2), testEvent(3)})
	s.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"SUCCESS"`, `"FAILED"`, 1)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	res := VerifyFile(path)
	if res.Valid || res.ErrorLine != 3 {
		t.Fatalf("expected break at line 3, got %+v", res)
	}
}

func TestJSONLReopenContinuesChain(t *testing.T) {
	s, path := newJSONL(t)
	_ = s.WriteBatch(context.Background(), []AuditEvent{testEvent(1)})
	s.Close()

	s2, err := OpenJSONL(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s2.WriteBatch(context.Background(), []AuditEvent{testEvent(2)})
	s2.Close()

	if res := VerifyFile(path); !res.Valid || res.Lines != 2 {
		t.Fatalf("reopened chain: %+v", res)
	}
}

func TestAgentFSWithJSONL(t *testing.T) {
	s, path := newJSONL(t)
	fs := NewAgentFS(s, Config{BatchSize: 7}, nil)
	fs.Start()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fs.Log(testEvent(i))
		}(i)
	}
	wg.Wait()
	fs.Stop()
	s.Close()

	if res := VerifyFile(path); !res.Valid || res.Lines != 50 {
		t.Fatalf("verify: %+v", res)
	}
}
