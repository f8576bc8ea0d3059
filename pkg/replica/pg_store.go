package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a PostgreSQL replica
type PGStore struct {
	name string
	pool *pgxpool.Pool
}

// PGOptions tunes a PGStore
type PGOptions struct {
	Migrate  bool // create the tracked tables if missing
	MaxConns int32
}

// NewPGStore connects to a PostgreSQL replica. The replica does not need
// to be reachable: a down replica is opened lazily and reported by Ping.
func NewPGStore(ctx context.Context, name, databaseURL string, opts PGOptions) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL for %s: %w", name, err)
	}

	config.MaxConns = 10
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MinConns = 0
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool for %s: %w", name, err)
	}

	s := &PGStore{name: name, pool: pool}

	if opts.Migrate {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migration of %s failed: %w", name, err)
		}
	}

	return s, nil
}

// Name returns the replica name
func (s *PGStore) Name() string {
	return s.name
}

// Ping checks database connectivity
func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrReplicaDown, s.name, err)
	}
	return nil
}

// Close closes the database connection pool
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// migrate creates the tracked tables in foreign-key order
func (s *PGStore) migrate(ctx context.Context) error {
	for _, t := range Tables {
		if _, err := s.pool.Exec(ctx, t.DDL); err != nil {
			return fmt.Errorf("create %s: %w", t.Name, err)
		}
	}
	return nil
}
