package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/postgres"
)

// PostgresStore keeps registered libraries in the libraries table.
type PostgresStore struct {
	db *postgres.Client
}

func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) List(ctx context.Context) ([]Library, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT owner, repo, name FROM libraries ORDER BY library_key`)
	if err != nil {
		return nil, fmt.Errorf("querying libraries: %w", err)
	}
	defer rows.Close()
	var out []Library
	for rows.Next() {
		var (
			lib  Library
			name sql.NullString
		)
		if err := rows.Scan(&lib.Owner, &lib.Repo, &name); err != nil {
			return nil, fmt.Errorf("scanning library: %w", err)
		}
		lib.Name = name.String
		out = append(out, lib)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Put(ctx context.Context, lib Library) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO libraries (library_key, owner, repo, name)
		 VALUES ($1, $2, $3, NULLIF($4, ''))
		 ON CONFLICT (library_key) DO UPDATE SET name = EXCLUDED.name`,
		lib.Key(), lib.Owner, lib.Repo, lib.Name,
	)
	if err != nil {
		return fmt.Errorf("upserting library %s: %w", lib.Key(), err)
	}
	return nil
}

const registeredPrefix = "library:registered:"
const registeredKey = "library:registered"

// KVStore keeps registered libraries in a kv.Store for deployments without
// Postgres.
type KVStore struct {
	store kv.Store
}

func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{store: store}
}

func (s *KVStore) List(ctx context.Context) ([]Library, error) {
	keys, err := s.store.SMembers(ctx, registeredKey)
	if err != nil {
		return nil, fmt.Errorf("listing libraries: %w", err)
	}
	out := make([]Library, 0, len(keys))
	for _, key := range keys {
		data, err := s.store.Get(ctx, registeredPrefix+key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading library %s: %w", key, err)
		}
		var lib Library
		if err := json.Unmarshal([]byte(data), &lib); err != nil {
			return nil, fmt.Errorf("decoding library %s: %w", key, err)
		}
		out = append(out, lib)
	}
	return out, nil
}

func (s *KVStore) Put(ctx context.Context, lib Library) error {
	data, err := json.Marshal(lib)
	if err != nil {
		return fmt.Errorf("encoding library: %w", err)
	}
	if err := s.store.Set(ctx, registeredPrefix+lib.Key(), string(data), 0); err != nil {
		return fmt.Errorf("writing library %s: %w", lib.Key(), err)
	}
	return s.store.SAdd(ctx, registeredKey, lib.Key())
}
