package library

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
)

const (
	installationPrefix = "installation:"
	installationsKey   = "installations"
)

// InstallationRecord ties a repository to the GitHub App installation that
// delivers its webhooks.
type InstallationRecord struct {
	Owner          string `json:"owner"`
	Repo           string `json:"repo"`
	InstallationID int64  `json:"installationId"`
}

// Installations stores installation records in a kv.Store.
type Installations struct {
	store kv.Store
}

func NewInstallations(store kv.Store) *Installations {
	return &Installations{store: store}
}

// Upsert records or replaces the installation of owner/repo.
func (i *Installations) Upsert(ctx context.Context, owner, repo string, installationID int64) error {
	key := ris.Key(owner, repo)
	if err := i.store.Set(ctx, installationPrefix+key, strconv.FormatInt(installationID, 10), 0); err != nil {
		return fmt.Errorf("writing installation %s: %w", key, err)
	}
	if err := i.store.SAdd(ctx, installationsKey, key); err != nil {
		return fmt.Errorf("indexing installation %s: %w", key, err)
	}
	return nil
}

// Remove deletes the installation of owner/repo. Removing an unknown
// record is not an error.
func (i *Installations) Remove(ctx context.Context, owner, repo string) error {
	key := ris.Key(owner, repo)
	if err := i.store.SRem(ctx, installationsKey, key); err != nil {
		return fmt.Errorf("unindexing installation %s: %w", key, err)
	}
	if err := i.store.Del(ctx, installationPrefix+key); err != nil {
		return fmt.Errorf("deleting installation %s: %w", key, err)
	}
	return nil
}

// Get returns the installation of owner/repo or ErrNotFound.
func (i *Installations) Get(ctx context.Context, owner, repo string) (*InstallationRecord, error) {
	key := ris.Key(owner, repo)
	v, err := i.store.Get(ctx, installationPrefix+key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("installation %s: %w", key, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading installation %s: %w", key, err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing installation %s: %w", key, err)
	}
	o, r, _ := ris.SplitKey(key)
	return &InstallationRecord{Owner: o, Repo: r, InstallationID: id}, nil
}

// List returns every installation ordered by key.
func (i *Installations) List(ctx context.Context) ([]InstallationRecord, error) {
	keys, err := i.store.SMembers(ctx, installationsKey)
	if err != nil {
		return nil, fmt.Errorf("listing installations: %w", err)
	}
	sort.Strings(keys)
	out := make([]InstallationRecord, 0, len(keys))
	for _, key := range keys {
		owner, repo, err := ris.SplitKey(key)
		if err != nil {
			continue
		}
		rec, err := i.Get(ctx, owner, repo)
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}
