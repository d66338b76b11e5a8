// Package library is the registry of libraries the pipeline scores: the
// configured seed list, every repository with an active GitHub App
// installation, and libraries registered at runtime.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
)

// Library identifies one scored library. Name is its npm package name.
type Library struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	Name  string `json:"name"`
}

// Key returns the library's "owner/repo" key.
func (l Library) Key() string { return ris.Key(l.Owner, l.Repo) }

// PackageName returns the npm package name, defaulting to the repo name.
func (l Library) PackageName() string {
	if l.Name != "" {
		return l.Name
	}
	return l.Repo
}

// Store persists libraries registered at runtime.
type Store interface {
	List(ctx context.Context) ([]Library, error)
	Put(ctx context.Context, lib Library) error
}

// Registry merges the three library sources.
type Registry struct {
	seeds         []Library
	store         Store
	installations *Installations
	logger        *slog.Logger
}

func NewRegistry(seeds []config.LibraryConfig, store Store, installations *Installations) *Registry {
	libs := make([]Library, 0, len(seeds))
	for _, s := range seeds {
		libs = append(libs, Library{Owner: s.Owner, Repo: s.Repo, Name: s.Name})
	}
	return &Registry{
		seeds:         libs,
		store:         store,
		installations: installations,
		logger:        slog.Default().With("component", "library-registry"),
	}
}

// List returns every known library ordered by key. Seeds take precedence
// over registered entries, which take precedence over installations.
func (r *Registry) List(ctx context.Context) ([]Library, error) {
	byKey := make(map[string]Library)
	add := func(lib Library) {
		if _, ok := byKey[lib.Key()]; !ok {
			byKey[lib.Key()] = lib
		}
	}
	for _, lib := range r.seeds {
		add(lib)
	}
	if r.store != nil {
		stored, err := r.store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing registered libraries: %w", err)
		}
		for _, lib := range stored {
			add(lib)
		}
	}
	if r.installations != nil {
		installed, err := r.installations.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing installations: %w", err)
		}
		for _, rec := range installed {
			add(Library{Owner: rec.Owner, Repo: rec.Repo})
		}
	}
	out := make([]Library, 0, len(byKey))
	for _, lib := range byKey {
		out = append(out, lib)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Get returns one library or ErrNotFound.
func (r *Registry) Get(ctx context.Context, owner, repo string) (Library, error) {
	libs, err := r.List(ctx)
	if err != nil {
		return Library{}, err
	}
	key := ris.Key(owner, repo)
	for _, lib := range libs {
		if lib.Key() == key {
			return lib, nil
		}
	}
	return Library{}, fmt.Errorf("library %s: %w", key, apperrors.ErrNotFound)
}

// Resolve returns the registered library, or an ad hoc entry for an
// operator-targeted library the registry does not know yet.
func (r *Registry) Resolve(ctx context.Context, owner, repo string) (Library, error) {
	lib, err := r.Get(ctx, owner, repo)
	if errors.Is(err, apperrors.ErrNotFound) {
		return Library{Owner: owner, Repo: repo}, nil
	}
	return lib, err
}

// Register adds a library at runtime.
func (r *Registry) Register(ctx context.Context, lib Library) error {
	if lib.Owner == "" || lib.Repo == "" {
		return fmt.Errorf("%w: owner and repo are required", apperrors.ErrInvalidInput)
	}
	if r.store == nil {
		return fmt.Errorf("%w: no library store configured", apperrors.ErrNotConfigured)
	}
	if err := r.store.Put(ctx, lib); err != nil {
		return err
	}
	r.logger.Info("library registered", "library", lib.Key(), "name", lib.Name)
	return nil
}
