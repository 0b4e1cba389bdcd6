package quota

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var tenant = Entity{ID: "tenant_a", Type: EntityTenant}

func newTracker(t *testing.T, store Store, clock *fakeClock, overage bool, hook func(Warning)) *Tracker {
	t.Helper()
	tr := NewTracker(store, nil, WithClock(clock.Now), WithThresholdHook(hook))
	err := tr.AddTier(Tier{
		ID: "pro",
		Quotas: map[QuotaType]map[Period]int64{
			TypeRequests: {PeriodDaily: 10, PeriodMonthly: 100},
			TypeTokens:   {PeriodMonthly: Unlimited},
		},
		OverageAllowed:    overage,
		WarningThreshold:  70,
		CriticalThreshold: 90,
	})
	if err != nil {
		t.Fatalf("add tier: %v", err)
	}
	if err := tr.AssignTier(tenant, "pro"); err != nil {
		t.Fatalf("assign tier: %v", err)
	}
	return tr
}

func TestPeriodBounds(t *testing.T) {
	at := time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)
	tests := []struct {
		period     Period
		start, end time.Time
	}{
		{PeriodDaily, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		{PeriodMonthly, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		{PeriodAnnual, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		start, end, err := Bounds(tt.period, at)
		if err != nil {
			t.Fatalf("%s: %v", tt.period, err)
		}
		if !start.Equal(tt.start) || !end.Equal(tt.end) {
			t.Fatalf("%s: got [%v, %v)", tt.period, start, end)
		}
	}
}

func TestDailyRolloverCreatesFreshRecord(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)}
	tr := newTracker(t, NewMemoryStore(), clock, false, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := tr.RecordUsage(ctx, tenant, TypeRequests, 1); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	res, _ := tr.CheckQuota(ctx, tenant, TypeRequests, 0)
	if res.Used != 3 || !res.ResetAt.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected check before rollover: %+v", res)
	}

	clock.Advance(time.Second)
	u, err := tr.RecordUsage(ctx, tenant, TypeRequests, 0)
	if err != nil {
		t.Fatalf("record after rollover: %v", err)
	}
	if u.Period != PeriodDaily && u.Period != PeriodMonthly {
		t.Fatalf("unexpected period %s", u.Period)
	}
	daily, found, _ := tr.store.Load(ctx, Key{
		EntityID: tenant.ID, EntityType: tenant.Type, QuotaType: TypeRequests, Period: PeriodDaily,
		PeriodStart: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	if !found || daily.Used != 0 {
		t.Fatalf("expected fresh daily record with zero usage, got %+v found=%v", daily, found)
	}
	if !daily.PeriodEnd.Equal(time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected period end %v", daily.PeriodEnd)
	}
}

func TestCheckDoesNotConsume(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	tr := newTracker(t, NewMemoryStore(), clock, false, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := tr.CheckQuota(ctx, tenant, TypeRequests, 1); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	res, _ := tr.CheckQuota(ctx, tenant, TypeRequests, 0)
	if res.Used != 0 || res.Remaining != 10 {
		t.Fatalf("check consumed quota: %+v", res)
	}
}

func TestExceededWithoutOverage(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	tr := newTracker(t, NewMemoryStore(), clock, false, nil)
	ctx := context.Background()

	if _, err := tr.RecordUsage(ctx, tenant, TypeRequests, 10); err != nil {
		t.Fatalf("record: %v", err)
	}
	res, _ := tr.CheckQuota(ctx, tenant, TypeRequests, 1)
	if res.Allowed || res.Level != LevelExceeded || res.Period != PeriodDaily {
		t.Fatalf("expected daily exceeded, got %+v", res)
	}

	_, err := tr.RecordUsage(ctx, tenant, TypeRequests, 1)
	var exceeded *ExceededError
	if !errors.Is(err, ErrQuotaExceeded) || !errors.As(err, &exceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if exceeded.Check.Remaining != 0 || exceeded.Check.ResetAt.IsZero() {
		t.Fatalf("exceeded error must carry backoff data: %+v", exceeded.Check)
	}

	monthly, _, _ := tr.store.Load(ctx, Key{
		EntityID: tenant.ID, EntityType: tenant.Type, QuotaType: TypeRequests, Period: PeriodMonthly,
		PeriodStart: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if monthly.Used != 10 {
		t.Fatalf("rejected request must not consume other periods, monthly used %d", monthly.Used)
	}
}

func TestOverageIsTracked(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	tr := newTracker(t, NewMemoryStore(), clock, true, nil)
	ctx := context.Background()

	res, _ := tr.CheckQuota(ctx, tenant, TypeRequests, 12)
	if !res.Allowed || !res.InOverage || res.OverageAmount != 2 {
		t.Fatalf("expected allowed overage, got %+v", res)
	}
	u, err := tr.RecordUsage(ctx, tenant, TypeRequests, 12)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if u.Period != PeriodDaily || u.Overage != 2 {
		t.Fatalf("expected daily overage of 2, got %+v", u)
	}
}

func TestUnlimitedAndUnassigned(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	tr := newTracker(t, NewMemoryStore(), clock, false, nil)
	ctx := context.Background()

	res, _ := tr.CheckQuota(ctx, tenant, TypeTokens, 1_000_000)
	if !res.Allowed || res.Level != LevelOK || res.Limit != Unlimited {
		t.Fatalf("unlimited quota must always allow: %+v", res)
	}
	res, _ = tr.CheckQuota(ctx, Entity{ID: "nobody", Type: EntityUser}, TypeRequests, 5)
	if !res.Allowed || res.Level != LevelOK {
		t.Fatalf("entity without tier must be unlimited: %+v", res)
	}
	if err := tr.AssignTier(tenant, "missing"); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected unknown tier, got %v", err)
	}
}

func TestWarningsEmittedOncePerPeriod(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	var (
		mu       sync.Mutex
		warnings []Warning
	)
	hook := func(w Warning) {
		mu.Lock()
		warnings = append(warnings, w)
		mu.Unlock()
	}
	tr := newTracker(t, NewMemoryStore(), clock, true, hook)
	ctx := context.Background()

	// 7/10 -> warning, 8/10 повторно не шлет
	tr.RecordUsage(ctx, tenant, TypeRequests, 7)
	tr.RecordUsage(ctx, tenant, TypeRequests, 1)
	if len(warnings) != 1 || warnings[0].Level != LevelWarning || warnings[0].Period != PeriodDaily {
		t.Fatalf("expected single daily warning, got %+v", warnings)
	}

	// 9/10 -> critical
	tr.RecordUsage(ctx, tenant, TypeRequests, 1)
	if len(warnings) != 2 || warnings[1].Level != LevelCritical {
		t.Fatalf("expected critical warning, got %+v", warnings)
	}

	// следующий день: счетчик и множество предупреждений обнуляются
	clock.Advance(24 * time.Hour)
	tr.RecordUsage(ctx, tenant, TypeRequests, 7)
	if len(warnings) != 3 || warnings[2].Level != LevelWarning {
		t.Fatalf("expected warning to fire again in new period, got %+v", warnings)
	}
}

func TestConcurrentRecordUsageNoLostUpdates(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(NewMemoryStore(), nil, WithClock(clock.Now))
	tr.AddTier(Tier{ID: "big", Quotas: map[QuotaType]map[Period]int64{TypeRequests: {PeriodDaily: 1000}}})
	tr.AssignTier(tenant, "big")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tr.RecordUsage(ctx, tenant, TypeRequests, 1)
			}
		}()
	}
	wg.Wait()
	res, _ := tr.CheckQuota(ctx, tenant, TypeRequests, 0)
	if res.Used != 500 {
		t.Fatalf("lost updates: used=%d", res.Used)
	}
}

func TestRedisStoreAtomicAdd(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	mr.SetTime(clock.now)
	store := NewRedisStore(client, "toolgate:quota")
	tr := newTracker(t, store, clock, false, nil)
	ctx := context.Background()

	if _, err := tr.RecordUsage(ctx, tenant, TypeRequests, 6); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := tr.RecordUsage(ctx, tenant, TypeRequests, 5); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected exceeded, got %v", err)
	}
	res, err := tr.CheckQuota(ctx, tenant, TypeRequests, 0)
	if err != nil || res.Used != 6 {
		t.Fatalf("unexpected redis usage: %+v %v", res, err)
	}

	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	key := Key{EntityID: tenant.ID, EntityType: tenant.Type, QuotaType: TypeRequests, Period: PeriodDaily, PeriodStart: start}
	if !mr.Exists(store.key(key)) {
		t.Fatalf("expected redis key %s", store.key(key))
	}

	// сценарий второго инстанса: скрипт сам отказывает при гонке за лимит
	u := Usage{EntityID: tenant.ID, EntityType: tenant.Type, QuotaType: TypeRequests, Period: PeriodDaily,
		PeriodStart: start, PeriodEnd: start.AddDate(0, 0, 1), Limit: 10}
	if _, applied, err := store.Add(ctx, u, 5, false); err != nil || applied {
		t.Fatalf("script must refuse over-limit add: applied=%v err=%v", applied, err)
	}
}

func TestLoadTiersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	content := `default_tier: free
tiers:
  - id: free
    quotas:
      requests: {daily: 3}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := LoadTiersFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(nil, nil, WithClock(clock.Now))
	if err := f.Apply(tr); err != nil {
		t.Fatalf("apply: %v", err)
	}
	res, _ := tr.CheckQuota(context.Background(), Entity{ID: "u1", Type: EntityUser}, TypeRequests, 4)
	if res.Allowed || res.Limit != 3 {
		t.Fatalf("default tier not applied: %+v", res)
	}
}
