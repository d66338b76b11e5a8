// Package postgres wraps database/sql with the lib/pq driver and owns the
// schema of the durable tables: registered libraries, eligibility reviews
// and archived quarterly allocations.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/config"
	_ "github.com/lib/pq"
)

type Client struct {
	DB  *sql.DB
	cfg config.PostgresConfig
}

// New opens a pool and verifies the server answers within five seconds.
func New(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	slog.Info("connected to postgres", "host", cfg.Host, "database", cfg.Database)
	return &Client{DB: db, cfg: cfg}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// migrations are applied in order; a version is its index plus one.
// Append only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS libraries (
		library_key TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		repo        TEXT NOT NULL,
		name        TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS library_eligibility (
		library_key            TEXT PRIMARY KEY,
		owner                  TEXT NOT NULL,
		repo                   TEXT NOT NULL,
		eligibility_status     TEXT NOT NULL
			CHECK (eligibility_status IN ('fully_eligible', 'partially_sponsored', 'ineligible')),
		sponsorship_level      TEXT NOT NULL
			CHECK (sponsorship_level IN ('none', 'minimal', 'moderate', 'substantial', 'exclusive')),
		sponsorship_adjustment DOUBLE PRECISION NOT NULL
			CHECK (sponsorship_adjustment >= 0 AND sponsorship_adjustment <= 1),
		eligibility_notes      TEXT NOT NULL DEFAULT '',
		reviewed_by            TEXT,
		reviewed_at            TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quarterly_allocations (
		period            TEXT PRIMARY KEY,
		total_revenue     DOUBLE PRECISION NOT NULL,
		total_impact_pool DOUBLE PRECISION NOT NULL,
		ris_pool          DOUBLE PRECISION NOT NULL,
		should_distribute BOOLEAN NOT NULL,
		document          JSONB NOT NULL,
		computed_at       TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate applies migrations newer than the recorded schema version, all in
// one transaction.
func (c *Client) Migrate(ctx context.Context) error {
	return c.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
			return fmt.Errorf("creating schema_migrations: %w", err)
		}
		var current int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
		).Scan(&current); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
		for i := current; i < len(migrations); i++ {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return fmt.Errorf("applying migration %d: %w", i+1, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version) VALUES ($1)`, i+1,
			); err != nil {
				return fmt.Errorf("recording migration %d: %w", i+1, err)
			}
		}
		if current < len(migrations) {
			slog.Info("postgres schema migrated", "from", current, "to", len(migrations))
		}
		return nil
	})
}
