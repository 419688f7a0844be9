package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStoreFromClient(client)
}

func TestKVPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := "tenant-kv-roundtrip"
	key := remtypes.KVKey(tenant, "device-auth:abc123", "device_code")

	want := remtypes.KVValue{EntityID: "abc123", EntityType: "device_code"}
	if err := s.KVPut(ctx, tenant, key, want, 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.KVGet(ctx, tenant, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EntityID != want.EntityID || got.EntityType != want.EntityType {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestKVGetMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.KVGet(context.Background(), "tenant-missing", "nope")
	if err != remstore.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKVPutRequiresTenant(t *testing.T) {
	s := newTestStore(t)
	err := s.KVPut(context.Background(), "", "key", remtypes.KVValue{}, 0)
	if err != remstore.ErrMissingTenant {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestKVDeleteRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := "tenant-kv-delete"
	if err := s.KVPut(ctx, tenant, "k1", remtypes.KVValue{EntityID: "e1"}, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.KVDelete(ctx, tenant, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.KVGet(ctx, tenant, "k1"); err != remstore.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestKVScanPrefixReturnsOnlyMatchingKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := "tenant-kv-scan"
	prefix := remtypes.KVPrefix(tenant, "alice")

	if err := s.KVPut(ctx, tenant, prefix+"profile", remtypes.KVValue{EntityID: "1"}, 0); err != nil {
		t.Fatalf("put profile: %v", err)
	}
	if err := s.KVPut(ctx, tenant, prefix+"settings", remtypes.KVValue{EntityID: "2"}, 0); err != nil {
		t.Fatalf("put settings: %v", err)
	}
	if err := s.KVPut(ctx, tenant, remtypes.KVPrefix(tenant, "bob")+"profile", remtypes.KVValue{EntityID: "3"}, 0); err != nil {
		t.Fatalf("put bob profile: %v", err)
	}

	got, err := s.KVScanPrefix(ctx, tenant, prefix)
	if err != nil {
		t.Fatalf("scan prefix: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches for alice's prefix, got %d: %+v", len(got), got)
	}
}

func TestKVFindByFieldUsesSecondaryIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := "tenant-kv-findby"

	if err := s.KVPut(ctx, tenant, "device-auth:code1", remtypes.KVValue{EntityID: "code1", EntityType: "device_code"}, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.KVPut(ctx, tenant, "user-code:code2", remtypes.KVValue{EntityID: "code2", EntityType: "user_code"}, 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	keys, err := s.KVFindByField(ctx, tenant, "entity_type", "device_code")
	if err != nil {
		t.Fatalf("find by field: %v", err)
	}
	if len(keys) != 1 || keys[0] != "device-auth:code1" {
		t.Fatalf("expected [device-auth:code1], got %v", keys)
	}
}

func TestKVPutRespectsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewStoreFromClient(client)
	ctx := context.Background()
	tenant := "tenant-kv-ttl"

	if err := s.KVPut(ctx, tenant, "expiring", remtypes.KVValue{EntityID: "e"}, 50*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.KVGet(ctx, tenant, "expiring"); err != nil {
		t.Fatalf("expected value present before expiry: %v", err)
	}

	// miniredis only advances TTLs when told to.
	mr.FastForward(100 * time.Millisecond)
	if _, err := s.KVGet(ctx, tenant, "expiring"); err != remstore.ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}
