package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

const (
	stockKeyPrefix    = "stock:"
	workflowKeyPrefix = "workflow:"
	lockKeyPrefix     = "lock:"
)

var compareAndSwapStockScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])
local level = tonumber(ARGV[2])

local version = redis.call('HGET', key, 'version')
if not version then
	return -1
end

if tonumber(version) ~= expected then
	return 0
end

redis.call('HSET', key, 'level', level, 'version', expected + 1)
return 1
`)

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisAdapter keeps stock as a {level, version} hash per product, holds
// per-thread approval locks and stores workflow snapshots.
type RedisAdapter struct {
	client      *redis.Client
	workflowTTL time.Duration
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

// WithWorkflowTTL expires stored snapshots after ttl; zero keeps them forever.
func (r *RedisAdapter) WithWorkflowTTL(ttl time.Duration) *RedisAdapter {
	r.workflowTTL = ttl
	return r
}

func (r *RedisAdapter) GetStock(ctx context.Context, productID string) (domain.Stock, error) {
	vals, err := r.client.HMGet(ctx, stockKeyPrefix+productID, "level", "version").Result()
	if err != nil {
		return domain.Stock{}, err
	}
	if vals[0] == nil || vals[1] == nil {
		return domain.Stock{}, fmt.Errorf("stock %q: %w", productID, domain.ErrNotFound)
	}

	level, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return domain.Stock{}, fmt.Errorf("parse stock level: %w", err)
	}
	version, err := strconv.Atoi(fmt.Sprint(vals[1]))
	if err != nil {
		return domain.Stock{}, fmt.Errorf("parse stock version: %w", err)
	}
	return domain.Stock{ProductID: productID, Level: level, Version: version}, nil
}

func (r *RedisAdapter) CompareAndSwap(ctx context.Context, productID string, expectedVersion, newLevel int) (bool, error) {
	if newLevel < 0 {
		return false, fmt.Errorf("stock %q: negative level %d", productID, newLevel)
	}
	result, err := compareAndSwapStockScript.Run(ctx, r.client, []string{stockKeyPrefix + productID}, expectedVersion, newLevel).Int()
	if err != nil {
		return false, err
	}
	if result < 0 {
		return false, fmt.Errorf("stock %q: %w", productID, domain.ErrNotFound)
	}
	return result == 1, nil
}

func (r *RedisAdapter) SetStock(ctx context.Context, productID string, level int) error {
	key := stockKeyPrefix + productID
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "level", level)
		pipe.HIncrBy(ctx, key, "version", 1)
		return nil
	})
	return err
}

// TryLock takes key with SET NX; the returned func releases it only while
// this holder still owns it.
func (r *RedisAdapter) TryLock(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	lockKey := lockKeyPrefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lock %q: %w", key, domain.ErrDuplicateRequest)
	}

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(ctx, r.client, []string{lockKey}, token).Err(); err != nil {
			return fmt.Errorf("release lock %q: %w", key, err)
		}
		return nil
	}, nil
}

func (r *RedisAdapter) Save(ctx context.Context, state domain.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	return r.client.Set(ctx, workflowKeyPrefix+state.ThreadID, data, r.workflowTTL).Err()
}

func (r *RedisAdapter) Load(ctx context.Context, threadID string) (domain.WorkflowState, error) {
	data, err := r.client.Get(ctx, workflowKeyPrefix+threadID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.WorkflowState{}, fmt.Errorf("workflow %q: %w", threadID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.WorkflowState{}, err
	}

	var state domain.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.WorkflowState{}, fmt.Errorf("decode workflow: %w", err)
	}
	return state, nil
}
