package storageworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

// upsertReverseMapping writes the KV reverse-name mapping
// "{tenant_id}/{name}/{entity_type}" -> {entity_id, table_name, tenant_id}.
//
// Two workers resolving the same name must not let the later one silently
// clobber the earlier one's entity_id — the read-modify-write below keeps
// whichever entity_id claimed the name first, and rewrites the mapping only
// when it already points at entityID (a redelivery of the same chunk index,
// which derives the same id via ResourceID). The read and the write are not
// atomic: two writers that both read "absent" can still both write.
func upsertReverseMapping(ctx context.Context, store remstore.KV, tenantID, name, entityType, table, entityID string, ttl time.Duration) error {
	key := remtypes.KVKey(tenantID, name, entityType)

	existing, err := store.KVGet(ctx, tenantID, key)
	switch {
	case err == nil:
		if existing.EntityID != "" && existing.EntityID != entityID {
			// An earlier entity already claims this name; leave it in place.
			return nil
		}
	case errors.Is(err, remstore.ErrNotFound):
		// No prior mapping — proceed to write.
	default:
		return fmt.Errorf("storageworker: read reverse mapping %q: %w", key, err)
	}

	value := remtypes.KVValue{EntityID: entityID, EntityType: entityType, TableName: table}
	if err := store.KVPut(ctx, tenantID, key, value, ttl); err != nil {
		return fmt.Errorf("storageworker: write reverse mapping %q: %w", key, err)
	}
	return nil
}
