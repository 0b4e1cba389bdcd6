package quota

/*
Файл tracker.go — учет квот по тарифам.

CheckQuota только читает. RecordUsage списывает во всех периодах тарифа
для данного типа квоты: сначала проверка всех периодов, потом запись,
под локом каждого ключа (ключи берутся в фиксированном порядке).
Запись, чей PeriodEnd уже прошел, считается отсутствующей.
*/

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-toolgate/internal/infra"
)

const (
	defaultWarningThreshold  = 80
	defaultCriticalThreshold = 95
)

type warnKey struct {
	entity      string
	quotaType   QuotaType
	period      Period
	level       Level
	periodStart int64
}

type Tracker struct {
	mu          sync.RWMutex
	tiers       map[string]Tier
	assignments map[string]string // entity -> tier id
	defaultTier string

	store Store
	locks *infra.KeyedMutex

	warnMu sync.Mutex
	warned map[warnKey]time.Time // -> periodEnd, для очистки

	onThreshold func(Warning)
	now         func() time.Time
	logger      *zap.Logger
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithThresholdHook: колбэк на пересечение порога (не чаще раза на период и уровень).
func WithThresholdHook(fn func(Warning)) Option {
	return func(t *Tracker) { t.onThreshold = fn }
}

// WithDefaultTier: тариф для сущностей без явного назначения.
func WithDefaultTier(id string) Option {
	return func(t *Tracker) { t.defaultTier = id }
}

func NewTracker(store Store, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	t := &Tracker{
		tiers:       make(map[string]Tier),
		assignments: make(map[string]string),
		store:       store,
		locks:       infra.NewKeyedMutex(),
		warned:      make(map[warnKey]time.Time),
		now:         time.Now,
		logger:      logger.Named("quota"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddTier регистрирует или атомарно заменяет тариф.
func (t *Tracker) AddTier(tier Tier) error {
	if tier.ID == "" {
		return fmt.Errorf("quota: %w: empty id", ErrInvalidTier)
	}
	if tier.WarningThreshold <= 0 {
		tier.WarningThreshold = defaultWarningThreshold
	}
	if tier.CriticalThreshold <= 0 {
		tier.CriticalThreshold = defaultCriticalThreshold
	}
	if tier.WarningThreshold > tier.CriticalThreshold {
		return fmt.Errorf("quota: %w: warning threshold above critical", ErrInvalidTier)
	}
	quotas := make(map[QuotaType]map[Period]int64, len(tier.Quotas))
	for qt, periods := range tier.Quotas {
		cp := make(map[Period]int64, len(periods))
		for p, limit := range periods {
			if _, _, err := Bounds(p, time.Time{}); err != nil {
				return fmt.Errorf("quota: %w: %v", ErrInvalidTier, err)
			}
			if limit < Unlimited {
				return fmt.Errorf("quota: %w: negative limit %d", ErrInvalidTier, limit)
			}
			cp[p] = limit
		}
		quotas[qt] = cp
	}
	tier.Quotas = quotas

	t.mu.Lock()
	t.tiers[tier.ID] = tier
	t.mu.Unlock()
	t.logger.Info("quota tier registered", zap.String("tier_id", tier.ID))
	return nil
}

func (t *Tracker) AssignTier(entity Entity, tierID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tiers[tierID]; !ok {
		return fmt.Errorf("quota: %w: %s", ErrUnknownTier, tierID)
	}
	t.assignments[entity.String()] = tierID
	return nil
}

// TierFor возвращает тариф сущности (назначенный или по умолчанию).
func (t *Tracker) TierFor(entity Entity) (Tier, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.assignments[entity.String()]
	if !ok {
		id = t.defaultTier
	}
	tier, ok := t.tiers[id]
	return tier, ok
}

type periodState struct {
	key   Key
	usage Usage
}

// CheckQuota: проверка без списания. Возвращает наихудший из периодов.
func (t *Tracker) CheckQuota(ctx context.Context, entity Entity, qt QuotaType, amount int64) (CheckResult, error) {
	if amount < 0 {
		return CheckResult{}, fmt.Errorf("quota: %w: %d", ErrInvalidAmount, amount)
	}
	tier, limits, ok := t.limitsFor(entity, qt)
	if !ok {
		return unlimitedResult(qt), nil
	}
	now := t.now()

	var worst *CheckResult
	for _, p := range periodOrder {
		limit, ok := limits[p]
		if !ok {
			continue
		}
		st, err := t.load(ctx, entity, qt, p, limit, now)
		if err != nil {
			return CheckResult{}, err
		}
		res := evaluate(tier, st.usage, amount)
		if worst == nil || worse(res, *worst) {
			r := res
			worst = &r
		}
	}
	if worst == nil {
		return unlimitedResult(qt), nil
	}
	return *worst, nil
}

// RecordUsage списывает amount. При запрете overage и превышении лимита
// возвращает *ExceededError (errors.Is(err, ErrQuotaExceeded)) и ничего не списывает.
// Возвращается запись самого напряженного периода.
func (t *Tracker) RecordUsage(ctx context.Context, entity Entity, qt QuotaType, amount int64) (Usage, error) {
	if amount < 0 {
		return Usage{}, fmt.Errorf("quota: %w: %d", ErrInvalidAmount, amount)
	}
	tier, limits, ok := t.limitsFor(entity, qt)
	if !ok {
		return Usage{EntityID: entity.ID, EntityType: entity.Type, QuotaType: qt, Limit: Unlimited}, nil
	}
	now := t.now()

	periods := make([]Period, 0, len(limits))
	for _, p := range periodOrder {
		if _, ok := limits[p]; ok {
			periods = append(periods, p)
		}
	}
	if len(periods) == 0 {
		return Usage{EntityID: entity.ID, EntityType: entity.Type, QuotaType: qt, Limit: Unlimited}, nil
	}

	// 1. Локи в фиксированном порядке
	lockKeys := make([]string, len(periods))
	for i, p := range periods {
		lockKeys[i] = Key{EntityID: entity.ID, EntityType: entity.Type, QuotaType: qt, Period: p}.slot()
	}
	sort.Strings(lockKeys)
	for _, k := range lockKeys {
		unlock := t.locks.Lock(k)
		defer unlock()
	}

	// 2. Загрузка и проверка всех периодов
	states := make([]periodState, 0, len(periods))
	for _, p := range periods {
		st, err := t.load(ctx, entity, qt, p, limits[p], now)
		if err != nil {
			return Usage{}, err
		}
		if res := evaluate(tier, st.usage, amount); !res.Allowed {
			t.logger.Info("quota exceeded",
				zap.String("entity", entity.String()),
				zap.String("quota_type", string(qt)),
				zap.String("period", string(p)),
				zap.Int64("used", res.Used),
				zap.Int64("limit", res.Limit))
			return st.usage, &ExceededError{Check: res}
		}
		states = append(states, st)
	}

	// 3. Списание
	updated, err := t.apply(ctx, tier, states, amount)
	if err != nil {
		return Usage{}, err
	}

	var tightest Usage
	bestPct := -1.0
	for _, u := range updated {
		_, pct := levelFor(tier, u.Used, u.Limit)
		if pct > bestPct {
			bestPct, tightest = pct, u
		}
		t.maybeWarn(entity, tier, u, now)
	}
	return tightest, nil
}

func (t *Tracker) apply(ctx context.Context, tier Tier, states []periodState, amount int64) ([]Usage, error) {
	out := make([]Usage, 0, len(states))
	if adder, ok := t.store.(Adder); ok {
		for i, st := range states {
			u, applied, err := adder.Add(ctx, st.usage, amount, tier.OverageAllowed)
			if err == nil && !applied {
				err = &ExceededError{Check: evaluate(tier, u, amount)}
			}
			if err != nil {
				// откат уже списанных периодов
				for _, done := range states[:i] {
					if _, _, rbErr := adder.Add(ctx, done.usage, -amount, true); rbErr != nil {
						t.logger.Error("quota rollback failed", zap.Error(rbErr))
					}
				}
				return nil, err
			}
			u.Limit = st.usage.Limit
			u.PeriodEnd = st.usage.PeriodEnd
			u.Overage = overage(u.Used, u.Limit)
			out = append(out, u)
		}
		return out, nil
	}

	for _, st := range states {
		u := st.usage
		u.Used += amount
		u.Overage = overage(u.Used, u.Limit)
		if err := t.store.Save(ctx, u); err != nil {
			return nil, fmt.Errorf("quota: persist usage: %w", err)
		}
		out = append(out, u)
	}
	return out, nil
}

func (t *Tracker) limitsFor(entity Entity, qt QuotaType) (Tier, map[Period]int64, bool) {
	tier, ok := t.TierFor(entity)
	if !ok {
		return Tier{}, nil, false
	}
	limits, ok := tier.Quotas[qt]
	if !ok || len(limits) == 0 {
		return Tier{}, nil, false
	}
	return tier, limits, true
}

// load возвращает актуальную запись периода. Устаревшая запись заменяется новой с нулем.
func (t *Tracker) load(ctx context.Context, entity Entity, qt QuotaType, p Period, limit int64, now time.Time) (periodState, error) {
	start, end, err := Bounds(p, now)
	if err != nil {
		return periodState{}, err
	}
	key := Key{EntityID: entity.ID, EntityType: entity.Type, QuotaType: qt, Period: p, PeriodStart: start}
	u, found, err := t.store.Load(ctx, key)
	if err != nil {
		return periodState{}, fmt.Errorf("quota: load usage: %w", err)
	}
	if !found || (!u.PeriodEnd.IsZero() && !now.Before(u.PeriodEnd)) {
		u = Usage{}
	}
	u.EntityID, u.EntityType, u.QuotaType, u.Period = entity.ID, entity.Type, qt, p
	u.PeriodStart, u.PeriodEnd = start, end
	u.Limit = limit
	u.Overage = overage(u.Used, limit)
	return periodState{key: key, usage: u}, nil
}

func (t *Tracker) maybeWarn(entity Entity, tier Tier, u Usage, now time.Time) {
	level, pct := levelFor(tier, u.Used, u.Limit)
	if level == LevelOK {
		return
	}
	k := warnKey{
		entity:      entity.String(),
		quotaType:   u.QuotaType,
		period:      u.Period,
		level:       level,
		periodStart: u.PeriodStart.Unix(),
	}

	t.warnMu.Lock()
	for wk, end := range t.warned {
		if !now.Before(end) {
			delete(t.warned, wk)
		}
	}
	_, seen := t.warned[k]
	if !seen {
		t.warned[k] = u.PeriodEnd
	}
	t.warnMu.Unlock()
	if seen {
		return
	}

	t.logger.Warn("quota threshold crossed",
		zap.String("entity", entity.String()),
		zap.String("quota_type", string(u.QuotaType)),
		zap.String("period", string(u.Period)),
		zap.String("level", string(level)),
		zap.Float64("usage_percent", pct))
	if t.onThreshold != nil {
		t.onThreshold(Warning{
			Entity:       entity,
			QuotaType:    u.QuotaType,
			Period:       u.Period,
			Level:        level,
			Used:         u.Used,
			Limit:        u.Limit,
			UsagePercent: pct,
			PeriodStart:  u.PeriodStart,
			ResetAt:      u.PeriodEnd,
		})
	}
}

func evaluate(tier Tier, u Usage, amount int64) CheckResult {
	res := CheckResult{
		Allowed:   true,
		QuotaType: u.QuotaType,
		Period:    u.Period,
		Used:      u.Used,
		Limit:     u.Limit,
		Remaining: -1,
		Level:     LevelOK,
		ResetAt:   u.PeriodEnd,
	}
	if u.Limit == Unlimited {
		return res
	}
	projected := u.Used + amount
	res.Remaining = max(u.Limit-u.Used, 0)
	res.Level, res.UsagePercent = levelFor(tier, projected, u.Limit)
	if projected > u.Limit {
		if tier.OverageAllowed {
			res.InOverage = true
			res.OverageAmount = projected - u.Limit
		} else {
			res.Allowed = false
		}
	}
	return res
}

// levelFor считает уровень по порогам тарифа.
func levelFor(tier Tier, used, limit int64) (Level, float64) {
	if limit == Unlimited {
		return LevelOK, 0
	}
	var pct float64
	switch {
	case limit > 0:
		pct = float64(used) * 100 / float64(limit)
	case used > 0:
		pct = 100
	}
	warn, crit := tier.WarningThreshold, tier.CriticalThreshold
	if warn <= 0 {
		warn = defaultWarningThreshold
	}
	if crit <= 0 {
		crit = defaultCriticalThreshold
	}
	switch {
	case used > limit || (limit > 0 && used == limit):
		return LevelExceeded, pct
	case pct >= crit:
		return LevelCritical, pct
	case pct >= warn:
		return LevelWarning, pct
	}
	return LevelOK, pct
}

func overage(used, limit int64) int64 {
	if limit == Unlimited || used <= limit {
		return 0
	}
	return used - limit
}

func unlimitedResult(qt QuotaType) CheckResult {
	return CheckResult{Allowed: true, QuotaType: qt, Limit: Unlimited, Remaining: -1, Level: LevelOK}
}

var levelRank = map[Level]int{LevelOK: 0, LevelWarning: 1, LevelCritical: 2, LevelExceeded: 3}

func worse(a, b CheckResult) bool {
	if a.Allowed != b.Allowed {
		return !a.Allowed
	}
	if levelRank[a.Level] != levelRank[b.Level] {
		return levelRank[a.Level] > levelRank[b.Level]
	}
	return a.UsagePercent > b.UsagePercent
}
