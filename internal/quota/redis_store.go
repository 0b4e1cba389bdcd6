package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// addScript: проверка лимита и INCRBY одной атомарной операцией.
// Ключ истекает в конце периода, поэтому ролловер не требует sweep.
var addScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit >= 0 and ARGV[3] == "0" and used + amount > limit then
  return {0, used}
end
used = redis.call("INCRBY", KEYS[1], amount)
redis.call("PEXPIREAT", KEYS[1], ARGV[4])
return {1, used}
`)

// RedisStore хранит счетчики в Redis. Начало периода входит в ключ.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(k Key) string {
	return fmt.Sprintf("%s:%s:%d", r.prefix, k.slot(), k.PeriodStart.Unix())
}

func (r *RedisStore) Load(ctx context.Context, key Key) (Usage, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Usage{}, false, nil
	}
	if err != nil {
		return Usage{}, false, fmt.Errorf("quota: redis load: %w", err)
	}
	used, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Usage{}, false, fmt.Errorf("quota: corrupt counter %q: %w", raw, err)
	}
	return Usage{
		EntityID:    key.EntityID,
		EntityType:  key.EntityType,
		QuotaType:   key.QuotaType,
		Period:      key.Period,
		PeriodStart: key.PeriodStart,
		Used:        used,
	}, true, nil
}

func (r *RedisStore) Save(ctx context.Context, u Usage) error {
	err := r.client.SetArgs(ctx, r.key(u.Key()), u.Used, redis.SetArgs{ExpireAt: u.PeriodEnd}).Err()
	if err != nil {
		return fmt.Errorf("quota: redis save: %w", err)
	}
	return nil
}

func (r *RedisStore) Add(ctx context.Context, u Usage, amount int64, allowOverage bool) (Usage, bool, error) {
	overage := "0"
	if allowOverage {
		overage = "1"
	}
	res, err := addScript.Run(ctx, r.client, []string{r.key(u.Key())},
		amount, u.Limit, overage, u.PeriodEnd.UnixMilli()).Result()
	if err != nil {
		return u, false, fmt.Errorf("quota: redis add: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return u, false, fmt.Errorf("quota: unexpected script result %v", res)
	}
	applied, _ := vals[0].(int64)
	used, _ := vals[1].(int64)
	u.Used = used
	return u, applied == 1, nil
}
