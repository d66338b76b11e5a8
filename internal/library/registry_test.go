package library

import (
	"context"
	"errors"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
)

func TestRegistryMergesSources(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	inst := NewInstallations(store)
	reg := NewRegistry([]config.LibraryConfig{
		{Owner: "pmndrs", Repo: "zustand", Name: "zustand"},
	}, NewKVStore(store), inst)

	if err := inst.Upsert(ctx, "TanStack", "query", 42); err != nil {
		t.Fatal(err)
	}
	if err := inst.Upsert(ctx, "pmndrs", "zustand", 7); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, Library{Owner: "tanstack", Repo: "query", Name: "@tanstack/react-query"}); err != nil {
		t.Fatal(err)
	}

	libs, err := reg.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(libs) != 2 {
		t.Fatalf("expected 2 deduplicated libraries, got %+v", libs)
	}
	if libs[0].Key() != "pmndrs/zustand" || libs[0].Name != "zustand" {
		t.Errorf("seed entry = %+v", libs[0])
	}
	if libs[1].PackageName() != "@tanstack/react-query" {
		t.Errorf("registered name should win over installation: %+v", libs[1])
	}
}

func TestRegistryGetAndResolve(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry([]config.LibraryConfig{{Owner: "a", Repo: "b"}}, nil, nil)
	if _, err := reg.Get(ctx, "x", "y"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("Get unknown err = %v", err)
	}
	lib, err := reg.Resolve(ctx, "x", "y")
	if err != nil || lib.Key() != "x/y" || lib.PackageName() != "y" {
		t.Fatalf("Resolve = %+v, %v", lib, err)
	}
	if err := reg.Register(ctx, Library{Owner: "c", Repo: "d"}); !errors.Is(err, apperrors.ErrNotConfigured) {
		t.Fatalf("Register without store err = %v", err)
	}
}

func TestInstallationsRemove(t *testing.T) {
	ctx := context.Background()
	inst := NewInstallations(kv.NewMemory())
	inst.Upsert(ctx, "o", "r", 1)
	rec, err := inst.Get(ctx, "o", "r")
	if err != nil || rec.InstallationID != 1 {
		t.Fatalf("Get = %+v, %v", rec, err)
	}
	if err := inst.Remove(ctx, "o", "r"); err != nil {
		t.Fatal(err)
	}
	if err := inst.Remove(ctx, "o", "r"); err != nil {
		t.Fatalf("second Remove should be a no-op: %v", err)
	}
	list, _ := inst.List(ctx)
	if len(list) != 0 {
		t.Fatalf("List after remove = %+v", list)
	}
}
