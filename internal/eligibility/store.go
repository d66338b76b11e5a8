package eligibility

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/postgres"
)

// Store persists eligibility reviews keyed by library.
type Store interface {
	Get(ctx context.Context, owner, repo string) (*Review, error)
	Put(ctx context.Context, r Review) error
	List(ctx context.Context) ([]Review, error)
}

// PostgresStore keeps reviews in the library_eligibility table.
type PostgresStore struct {
	db *postgres.Client
}

func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, owner, repo string) (*Review, error) {
	var (
		r          Review
		status     string
		level      string
		reviewedBy sql.NullString
	)
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT owner, repo, eligibility_status, sponsorship_level, sponsorship_adjustment,
		        eligibility_notes, reviewed_by, reviewed_at
		   FROM library_eligibility WHERE library_key = $1`,
		ris.Key(owner, repo),
	).Scan(&r.Owner, &r.Repo, &status, &level, &r.Adjustment, &r.Notes, &reviewedBy, &r.ReviewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("eligibility for %s: %w", ris.Key(owner, repo), apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying eligibility: %w", err)
	}
	r.Status = Status(status)
	r.Level = Level(level)
	r.ReviewedBy = reviewedBy.String
	return &r, nil
}

// Put upserts a review. The CHECK constraint on the table mirrors the rule
// enforced by NewReview, so an inconsistent row can never be stored.
func (s *PostgresStore) Put(ctx context.Context, r Review) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO library_eligibility
			   (library_key, owner, repo, eligibility_status, sponsorship_level,
			    sponsorship_adjustment, eligibility_notes, reviewed_by, reviewed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (library_key) DO UPDATE SET
			   eligibility_status = EXCLUDED.eligibility_status,
			   sponsorship_level = EXCLUDED.sponsorship_level,
			   sponsorship_adjustment = EXCLUDED.sponsorship_adjustment,
			   eligibility_notes = EXCLUDED.eligibility_notes,
			   reviewed_by = EXCLUDED.reviewed_by,
			   reviewed_at = EXCLUDED.reviewed_at`,
			ris.Key(r.Owner, r.Repo), r.Owner, r.Repo, string(r.Status), string(r.Level),
			r.Adjustment, r.Notes, r.ReviewedBy, r.ReviewedAt,
		)
		if err != nil {
			return fmt.Errorf("upserting eligibility: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) List(ctx context.Context) ([]Review, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT owner, repo, eligibility_status, sponsorship_level, sponsorship_adjustment,
		        eligibility_notes, reviewed_by, reviewed_at
		   FROM library_eligibility ORDER BY library_key`)
	if err != nil {
		return nil, fmt.Errorf("listing eligibility: %w", err)
	}
	defer rows.Close()
	var out []Review
	for rows.Next() {
		var (
			r             Review
			status, level string
			reviewedBy    sql.NullString
		)
		if err := rows.Scan(&r.Owner, &r.Repo, &status, &level, &r.Adjustment, &r.Notes, &reviewedBy, &r.ReviewedAt); err != nil {
			return nil, fmt.Errorf("scanning eligibility: %w", err)
		}
		r.Status = Status(status)
		r.Level = Level(level)
		r.ReviewedBy = reviewedBy.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// MemoryStore is a Store for deployments without Postgres, and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	reviews map[string]Review
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reviews: make(map[string]Review)}
}

func (s *MemoryStore) Get(_ context.Context, owner, repo string) (*Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reviews[ris.Key(owner, repo)]
	if !ok {
		return nil, fmt.Errorf("eligibility for %s: %w", ris.Key(owner, repo), apperrors.ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) Put(_ context.Context, r Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[ris.Key(r.Owner, r.Repo)] = r
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Review, 0, len(s.reviews))
	for _, r := range s.reviews {
		out = append(out, r)
	}
	return out, nil
}
