package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionPrefix = "approval:definition:"
	legacyPrefix     = "approval:legacy:"
)

// errCacheMiss is returned by getFromRedis when the key is absent.
var errCacheMiss = errors.New("cache miss")

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisClient creates a client and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}
	return client, nil
}

// RedisDefinitionCache is a read-through cache in front of a DefinitionStore.
// A published definition never changes its graph, so entries are only
// rewritten when the active flag changes.
type RedisDefinitionCache struct {
	DefinitionStore
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDefinitionCache wraps store. A zero ttl keeps entries forever.
func NewRedisDefinitionCache(store DefinitionStore, client *redis.Client, ttl time.Duration) *RedisDefinitionCache {
	return &RedisDefinitionCache{DefinitionStore: store, client: client, ttl: ttl}
}

// saveToRedis saves a value to Redis with the given key prefix and ID.
func (c *RedisDefinitionCache) saveToRedis(ctx context.Context, prefix string, id uint64, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal %s%d", prefix, id)
		}
		key := fmt.Sprintf("%s%d", prefix, id)
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			return errors.Wrapf(err, "failed to set %s in Redis", key)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value from Redis with the given key prefix and ID.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix string, id uint64) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := fmt.Sprintf("%s%d", prefix, id)
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, errors.Wrapf(errCacheMiss, "key=%s", key)
		} else if err != nil {
			return zero, errors.Wrapf(err, "failed to get %s from Redis", key)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, errors.Wrapf(err, "failed to unmarshal %s", key)
		}
		return result, nil
	})
}

// SaveDefinition persists the definition and caches it.
func (c *RedisDefinitionCache) SaveDefinition(ctx context.Context, def types.Definition) error {
	if err := c.DefinitionStore.SaveDefinition(ctx, def); err != nil {
		return err
	}
	return c.saveToRedis(ctx, definitionPrefix, def.ID, def)
}

// GetDefinition reads through the cache.
func (c *RedisDefinitionCache) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	def, err := getFromRedis[types.Definition](ctx, c.client, definitionPrefix, id)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, errCacheMiss) {
		return types.Definition{}, err
	}
	def, err = c.DefinitionStore.GetDefinition(ctx, id)
	if err != nil {
		return types.Definition{}, err
	}
	return def, c.saveToRedis(ctx, definitionPrefix, id, def)
}

// DeactivateDefinitions updates the backing store and evicts the affected entries.
func (c *RedisDefinitionCache) DeactivateDefinitions(ctx context.Context, moduleType types.ModuleType, name string, keepID uint64) error {
	if err := c.DefinitionStore.DeactivateDefinitions(ctx, moduleType, name, keepID); err != nil {
		return err
	}
	return c.evict(ctx, func(def types.Definition) bool {
		return def.ID != keepID && def.ModuleType == moduleType && def.Name == name
	})
}

// SaveLegacyWorkflow persists the workflow and caches it.
func (c *RedisDefinitionCache) SaveLegacyWorkflow(ctx context.Context, wf types.LegacyWorkflow) error {
	if err := c.DefinitionStore.SaveLegacyWorkflow(ctx, wf); err != nil {
		return err
	}
	return c.saveToRedis(ctx, legacyPrefix, wf.ID, wf)
}

// GetLegacyWorkflow reads through the cache.
func (c *RedisDefinitionCache) GetLegacyWorkflow(ctx context.Context, id uint64) (types.LegacyWorkflow, error) {
	wf, err := getFromRedis[types.LegacyWorkflow](ctx, c.client, legacyPrefix, id)
	if err == nil {
		return wf, nil
	}
	if !errors.Is(err, errCacheMiss) {
		return types.LegacyWorkflow{}, err
	}
	wf, err = c.DefinitionStore.GetLegacyWorkflow(ctx, id)
	if err != nil {
		return types.LegacyWorkflow{}, err
	}
	return wf, c.saveToRedis(ctx, legacyPrefix, id, wf)
}

// Warm loads the active definitions of the given module types into Redis using pipelining.
func (c *RedisDefinitionCache) Warm(ctx context.Context, moduleTypes ...types.ModuleType) error {
	return withContextError(ctx, func() error {
		pipe := c.client.Pipeline()
		queued := 0
		for _, mt := range moduleTypes {
			headers, err := c.DefinitionStore.ListDefinitions(ctx, mt)
			if err != nil {
				return err
			}
			for _, h := range headers {
				def, err := c.DefinitionStore.GetDefinition(ctx, h.ID)
				if err != nil {
					return err
				}
				data, err := json.Marshal(def)
				if err != nil {
					return errors.Wrapf(err, "failed to marshal definition %d", def.ID)
				}
				pipe.Set(ctx, fmt.Sprintf("%s%d", definitionPrefix, def.ID), data, c.ttl)
				queued++
			}
		}
		if queued == 0 {
			return nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.Wrap(err, "failed to execute pipeline for definitions")
		}
		return nil
	})
}

// evict removes cached definitions matching fn.
func (c *RedisDefinitionCache) evict(ctx context.Context, fn func(types.Definition) bool) error {
	return withContextError(ctx, func() error {
		keys, err := c.client.Keys(ctx, definitionPrefix+"*").Result()
		if err != nil {
			return errors.Wrap(err, "failed to scan definition keys")
		}
		if len(keys) == 0 {
			return nil
		}

		pipe := c.client.Pipeline()
		for _, key := range keys {
			data, err := c.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return errors.Wrapf(err, "failed to get %s", key)
			}

			var def types.Definition
			if err := json.Unmarshal(data, &def); err != nil {
				// unreadable entries are dropped too
				pipe.Del(ctx, key)
				continue
			}
			if fn(def) {
				pipe.Del(ctx, key)
			}
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return errors.Wrap(err, "failed to execute pipeline for deletion")
		}
		return nil
	})
}
