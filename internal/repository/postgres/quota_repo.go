package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/spaceai-toolgate/internal/quota"
)

// QuotaStore реализует quota.Store и quota.Adder. Строка счетчика
// адресуется началом периода, поэтому ролловер не требует очистки.
type QuotaStore struct {
	repo *Repo
}

func (r *Repo) Quotas() *QuotaStore { return &QuotaStore{repo: r} }

func (s *QuotaStore) Load(ctx context.Context, k quota.Key) (quota.Usage, bool, error) {
	u := quota.Usage{
		EntityID:    k.EntityID,
		EntityType:  k.EntityType,
		QuotaType:   k.QuotaType,
		Period:      k.Period,
		PeriodStart: k.PeriodStart,
	}
	err := s.repo.pool.QueryRow(ctx, `SELECT period_end, used, limit_value FROM quota_usage
		WHERE entity_id = $1 AND entity_type = $2 AND quota_type = $3 AND period = $4 AND period_start = $5`,
		k.EntityID, string(k.EntityType), string(k.QuotaType), string(k.Period), k.PeriodStart,
	).Scan(&u.PeriodEnd, &u.Used, &u.Limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return quota.Usage{}, false, nil
	}
	if err != nil {
		return quota.Usage{}, false, fmt.Errorf("postgres: load quota: %w", err)
	}
	return u, true, nil
}

func (s *QuotaStore) Save(ctx context.Context, u quota.Usage) error {
	_, err := s.repo.pool.Exec(ctx, `INSERT INTO quota_usage
		(entity_id, entity_type, quota_type, period, period_start, period_end, used, limit_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_id, entity_type, quota_type, period, period_start)
		DO UPDATE SET used = EXCLUDED.used, limit_value = EXCLUDED.limit_value, updated_at = NOW()`,
		u.EntityID, string(u.EntityType), string(u.QuotaType), string(u.Period), u.PeriodStart, u.PeriodEnd, u.Used, u.Limit)
	if err != nil {
		return fmt.Errorf("postgres: save quota: %w", err)
	}
	return nil
}

// Add атомарно проверяет лимит и увеличивает счетчик.
// Если лимит не пускает, строка не меняется и applied=false.
func (s *QuotaStore) Add(ctx context.Context, u quota.Usage, amount int64, allowOverage bool) (quota.Usage, bool, error) {
	var used int64
	err := s.repo.pool.QueryRow(ctx, `INSERT INTO quota_usage
		(entity_id, entity_type, quota_type, period, period_start, period_end, used, limit_value)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::timestamptz, $6::timestamptz, $7::bigint, $8::bigint
		WHERE $9::bool OR $8::bigint < 0 OR $7::bigint <= $8::bigint
		ON CONFLICT (entity_id, entity_type, quota_type, period, period_start)
		DO UPDATE SET used = quota_usage.used + EXCLUDED.used, limit_value = EXCLUDED.limit_value, updated_at = NOW()
		WHERE $9::bool OR $8::bigint < 0 OR quota_usage.used + EXCLUDED.used <= $8::bigint
		RETURNING used`,
		u.EntityID, string(u.EntityType), string(u.QuotaType), string(u.Period), u.PeriodStart, u.PeriodEnd,
		amount, u.Limit, allowOverage,
	).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		// Отказ по лимиту: отдаем текущее значение
		cur, _, lerr := s.Load(ctx, u.Key())
		if lerr != nil {
			return u, false, lerr
		}
		u.Used = cur.Used
		return u, false, nil
	}
	if err != nil {
		return u, false, fmt.Errorf("postgres: add quota: %w", err)
	}
	u.Used = used
	return u, true, nil
}
