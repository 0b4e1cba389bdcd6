package leak

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisAlertPublisher публикует алерты об утечках в канал Redis для SOC/консоли.
type RedisAlertPublisher struct {
	rdb     redis.UniversalClient
	channel string
	logger  *zap.Logger
}

func NewRedisAlertPublisher(rdb redis.UniversalClient, channel string, logger *zap.Logger) *RedisAlertPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisAlertPublisher{rdb: rdb, channel: channel, logger: logger.Named("leak.alerts")}
}

func (p *RedisAlertPublisher) Publish(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, payload).Err()
}

// Func адаптирует паблишер к AlertFunc детектора. Ошибки только логируются.
func (p *RedisAlertPublisher) Func() AlertFunc {
	return func(ctx context.Context, a Alert) {
		p.logger.Warn("leak alert",
			zap.String("tenant_id", a.AllowedTenant),
			zap.Strings("leaked_tenants", a.LeakedTenants),
			zap.String("tool", a.Tool),
			zap.String("severity", string(a.Severity)),
		)
		if err := p.Publish(ctx, a); err != nil {
			p.logger.Error("failed to publish leak alert", zap.Error(err))
		}
	}
}
