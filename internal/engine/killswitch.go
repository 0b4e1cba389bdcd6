package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-toolgate/internal/infra"
)

// Цели рубильника: инструмент целиком или тенант целиком.
func ToolTarget(name string) string { return "tool/" + name }
func TenantTarget(id string) string { return "tenant/" + id }

// DisabledSource: источник истины об отключенных целях (БД).
type DisabledSource interface {
	ListDisabled(ctx context.Context) ([]string, error)
}

// KillSwitch: ручной рубильник оператора. Проверка в hot path идет по L1,
// L2 (Redis-множество) и сигналы "target:on|off" синхронизируют инстансы.
// "on" означает, что цель отключена.
type KillSwitch struct {
	rdb    redis.UniversalClient
	logger *zap.Logger

	mu       sync.RWMutex
	disabled map[string]bool
}

func NewKillSwitch(rdb redis.UniversalClient, logger *zap.Logger) *KillSwitch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KillSwitch{rdb: rdb, logger: logger.Named("killswitch"), disabled: make(map[string]bool)}
}

// Init загружает состояние при старте. Без Redis работает только L1.
func (k *KillSwitch) Init(ctx context.Context, src DisabledSource) error {
	var ids []string
	if src != nil {
		var err error
		if ids, err = src.ListDisabled(ctx); err != nil {
			return fmt.Errorf("killswitch: load source: %w", err)
		}
	}
	if k.rdb == nil {
		k.replace(ids)
		return nil
	}
	if err := WarmupState(ctx, k.rdb, k.logger, ids, infra.RedisKeyKillSwitch, infra.RedisKeyLockKillSwitch, k.replace); err != nil {
		return fmt.Errorf("killswitch: warmup: %w", err)
	}
	return k.Sync(ctx)
}

// Sync заменяет L1 содержимым Redis.
func (k *KillSwitch) Sync(ctx context.Context) error {
	ids, err := k.rdb.SMembers(ctx, infra.RedisKeyKillSwitch).Result()
	if err != nil {
		return err
	}
	k.replace(ids)
	return nil
}

// Run слушает сигналы до отмены ctx.
func (k *KillSwitch) Run(ctx context.Context) {
	ListenResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch, k.Sync, func(payload string) {
		target, on, ok := parseSignal(payload)
		if !ok {
			k.logger.Error("invalid signal format", zap.String("payload", payload))
			return
		}
		k.set(target, on)
		k.logger.Warn("kill switch signal applied", zap.String("target", target), zap.Bool("disabled", on))
	})
}

// Toggle отключает (или возвращает) цель во всех инстансах.
func (k *KillSwitch) Toggle(ctx context.Context, target string, disabled bool) error {
	k.set(target, disabled)
	if k.rdb == nil {
		return nil
	}
	pipe := k.rdb.TxPipeline()
	status := "off"
	if disabled {
		pipe.SAdd(ctx, infra.RedisKeyKillSwitch, target)
		status = "on"
	} else {
		pipe.SRem(ctx, infra.RedisKeyKillSwitch, target)
	}
	pipe.Publish(ctx, infra.RedisChanKillSwitch, target+":"+status)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("killswitch: toggle %s: %w", target, err)
	}
	return nil
}

// Disabled: максимально быстрый метод для проверки в hot path.
func (k *KillSwitch) Disabled(tool, tenantID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.disabled[ToolTarget(tool)] || k.disabled[TenantTarget(tenantID)]
}

// Targets: отключенные цели по алфавиту.
func (k *KillSwitch) Targets() []string {
	k.mu.RLock()
	out := make([]string, 0, len(k.disabled))
	for t := range k.disabled {
		out = append(out, t)
	}
	k.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (k *KillSwitch) set(target string, on bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if on {
		k.disabled[target] = true
	} else {
		delete(k.disabled, target)
	}
}

func (k *KillSwitch) replace(ids []string) {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	k.mu.Lock()
	k.disabled = m
	k.mu.Unlock()
}
