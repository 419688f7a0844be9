package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/healer-ai/p8fs/pkg/remstore"
)

// Compile-time interface check: Store implements remstore.Store except the KV
// capability, which a caller composes from pkg/remstore/kv — see
// [remstore.Store]'s embedded KV interface and [remstore.Compose].
var _ interface {
	remstore.Store
} = (*compositeStore)(nil)

// Store is the PostgreSQL-backed implementation of the relational/vector/
// graph portion of [remstore.Store]: UpsertEntity, Select, VectorSearch,
// GraphOp, Neighbors, FuzzyMatch. It holds a single [pgxpool.Pool].
//
// Store alone does not implement [remstore.Store] — the KV capability is
// satisfied by composing it with a pkg/remstore/kv.Store via [Compose].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate].
//
// embeddingDimensions must match the output dimension of the configured
// embedding provider; a mismatch discovered at startup is a fatal
// configuration error — the caller should refuse to
// start rather than call NewStore with a guessed value.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("remstore/postgres: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("remstore/postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("remstore/postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("remstore/postgres: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// compositeStore is a type used solely for the compile-time interface
// assertion above; the real composition lives in [Compose].
type compositeStore struct {
	*Store
	remstore.KV
}
