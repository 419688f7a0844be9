// Package kv is the Redis-backed implementation of [remstore.KV]: the
// reverse-name mapping and device-authorization namespaces live here,
// keyed by tenant per [remtypes.KVKey]'s "{tenant_id}/{name}/{entity_type}"
// format.
//
// TTL is enforced natively by Redis key expiry (SET ... EX) rather than a
// background sweep. Prefix scans use SCAN with a MATCH pattern; field
// lookups are served by a secondary Redis set per (tenant, field, value)
// that is maintained alongside every KVPut/KVDelete.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

var _ remstore.KV = (*Store)(nil)

// Store is a Redis-backed [remstore.KV]. It is safe for concurrent use.
type Store struct {
	client *redis.Client
}

// NewStore creates a Redis client from redisURL and verifies connectivity.
func NewStore(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("remstore/kv: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("remstore/kv: ping: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStoreFromClient wraps an already-constructed client, used by tests
// against an in-process miniredis instance.
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error { return s.client.Close() }

func tenantKey(tenantID, key string) string { return tenantID + "\x00" + key }

func fieldIndexKey(tenantID, field, value string) string {
	return "kvidx\x00" + tenantID + "\x00" + field + "\x00" + value
}

// KVPut stores value under key within tenantID, expiring after ttl (zero
// means no expiry). Any field in value.EntityType/EntityID that the caller
// also wants discoverable via KVFindByField must be indexed separately —
// this implementation indexes EntityType as the sole findable field, per
// the reverse-name-mapping and device-authorization use cases.
func (s *Store) KVPut(ctx context.Context, tenantID, key string, value remtypes.KVValue, ttl time.Duration) error {
	if tenantID == "" {
		return remstore.ErrMissingTenant
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("remstore/kv: marshal value: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tenantKey(tenantID, key), payload, ttl)
	if value.EntityType != "" {
		idxKey := fieldIndexKey(tenantID, "entity_type", value.EntityType)
		pipe.SAdd(ctx, idxKey, key)
		if ttl > 0 {
			pipe.Expire(ctx, idxKey, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remstore/kv: put %s: %w", key, err)
	}
	return nil
}

// KVGet retrieves the value stored under key within tenantID.
func (s *Store) KVGet(ctx context.Context, tenantID, key string) (remtypes.KVValue, error) {
	if tenantID == "" {
		return remtypes.KVValue{}, remstore.ErrMissingTenant
	}
	raw, err := s.client.Get(ctx, tenantKey(tenantID, key)).Bytes()
	if err == redis.Nil {
		return remtypes.KVValue{}, remstore.ErrNotFound
	}
	if err != nil {
		return remtypes.KVValue{}, fmt.Errorf("remstore/kv: get %s: %w", key, err)
	}
	var v remtypes.KVValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return remtypes.KVValue{}, fmt.Errorf("remstore/kv: unmarshal %s: %w", key, err)
	}
	return v, nil
}

// KVDelete removes key within tenantID, along with its field index entry.
func (s *Store) KVDelete(ctx context.Context, tenantID, key string) error {
	if tenantID == "" {
		return remstore.ErrMissingTenant
	}
	v, err := s.KVGet(ctx, tenantID, key)
	if err != nil && err != remstore.ErrNotFound {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, tenantKey(tenantID, key))
	if v.EntityType != "" {
		pipe.SRem(ctx, fieldIndexKey(tenantID, "entity_type", v.EntityType), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remstore/kv: delete %s: %w", key, err)
	}
	return nil
}

// KVScanPrefix returns every key/value pair whose key starts with prefix
// within tenantID, using Redis SCAN with a MATCH glob rather than KEYS to
// avoid blocking the server on large keyspaces.
func (s *Store) KVScanPrefix(ctx context.Context, tenantID, prefix string) (map[string]remtypes.KVValue, error) {
	if tenantID == "" {
		return nil, remstore.ErrMissingTenant
	}
	pattern := tenantKey(tenantID, prefix) + "*"
	out := make(map[string]remtypes.KVValue)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("remstore/kv: scan %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			vals, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("remstore/kv: mget: %w", err)
			}
			prefixLen := len(tenantID) + 1
			for i, raw := range vals {
				if raw == nil {
					continue
				}
				s, ok := raw.(string)
				if !ok {
					continue
				}
				var v remtypes.KVValue
				if err := json.Unmarshal([]byte(s), &v); err != nil {
					return nil, fmt.Errorf("remstore/kv: unmarshal %s: %w", keys[i], err)
				}
				out[keys[i][prefixLen:]] = v
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// KVFindByField returns the keys of every entry within tenantID whose
// EntityType equals value, via the secondary index maintained by KVPut.
func (s *Store) KVFindByField(ctx context.Context, tenantID, field, value string) ([]string, error) {
	if tenantID == "" {
		return nil, remstore.ErrMissingTenant
	}
	if field != "entity_type" {
		return nil, fmt.Errorf("remstore/kv: unsupported find-by-field field %q", field)
	}
	keys, err := s.client.SMembers(ctx, fieldIndexKey(tenantID, field, value)).Result()
	if err != nil {
		return nil, fmt.Errorf("remstore/kv: find by field: %w", err)
	}
	return keys, nil
}
