package engine

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-toolgate/internal/infra"
)

// TenantRegistry: то, что знает о тенантах детектор утечек.
type TenantRegistry interface {
	RegisterTenant(id string)
	UnregisterTenant(id string)
	ReplaceTenants(ids []string)
}

// TenantSource: источник истины о тенантах (БД).
type TenantSource interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// TenantDirectory держит список известных тенантов детектора в синхроне
// между инстансами: Redis-множество как L2 и сигналы "tenant_id:on|off".
type TenantDirectory struct {
	rdb      redis.UniversalClient
	registry TenantRegistry
	logger   *zap.Logger
}

func NewTenantDirectory(rdb redis.UniversalClient, registry TenantRegistry, logger *zap.Logger) *TenantDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TenantDirectory{rdb: rdb, registry: registry, logger: logger.Named("tenants")}
}

// Init прогревает L1 из источника и при пустом Redis заливает его, затем
// досинхронизируется с Redis (там могут быть тенанты, добавленные другими инстансами).
func (d *TenantDirectory) Init(ctx context.Context, src TenantSource, seed []string) error {
	ids := append([]string(nil), seed...)
	if src != nil {
		fromDB, err := src.ListTenantIDs(ctx)
		if err != nil {
			return fmt.Errorf("tenants: load source: %w", err)
		}
		ids = append(ids, fromDB...)
	}
	if err := WarmupState(ctx, d.rdb, d.logger, ids, infra.RedisKeyKnownTenants, infra.RedisKeyLockTenants, d.registry.ReplaceTenants); err != nil {
		return fmt.Errorf("tenants: warmup: %w", err)
	}
	// Другой инстанс мог держать лок прогрева: источник объединяется с Redis
	fromRedis, err := d.rdb.SMembers(ctx, infra.RedisKeyKnownTenants).Result()
	if err != nil {
		return fmt.Errorf("tenants: load redis set: %w", err)
	}
	d.registry.ReplaceTenants(append(ids, fromRedis...))
	return nil
}

// Sync заменяет L1 содержимым Redis-множества.
func (d *TenantDirectory) Sync(ctx context.Context) error {
	ids, err := d.rdb.SMembers(ctx, infra.RedisKeyKnownTenants).Result()
	if err != nil {
		return err
	}
	d.registry.ReplaceTenants(ids)
	d.logger.Debug("tenant directory synced", zap.Int("count", len(ids)))
	return nil
}

// Run слушает сигналы до отмены ctx.
func (d *TenantDirectory) Run(ctx context.Context) {
	d.logger.Info("tenant sync listener started")
	ListenResilient(ctx, d.rdb, d.logger, infra.RedisChanTenantSync, d.Sync, d.apply)
	d.logger.Info("tenant sync listener stopped")
}

func (d *TenantDirectory) apply(payload string) {
	id, on, ok := parseSignal(payload)
	if !ok {
		d.logger.Error("invalid signal format", zap.String("payload", payload))
		return
	}
	if on {
		d.registry.RegisterTenant(id)
	} else {
		d.registry.UnregisterTenant(id)
	}
	d.logger.Info("tenant signal applied", zap.String("tenant_id", id), zap.Bool("known", on))
}

// Announce добавляет (или убирает) тенанта в L2 и оповещает остальные инстансы.
func (d *TenantDirectory) Announce(ctx context.Context, tenantID string, known bool) error {
	pipe := d.rdb.TxPipeline()
	status := "off"
	if known {
		pipe.SAdd(ctx, infra.RedisKeyKnownTenants, tenantID)
		status = "on"
	} else {
		pipe.SRem(ctx, infra.RedisKeyKnownTenants, tenantID)
	}
	pipe.Publish(ctx, infra.RedisChanTenantSync, tenantID+":"+status)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenants: announce %s: %w", tenantID, err)
	}
	return nil
}
