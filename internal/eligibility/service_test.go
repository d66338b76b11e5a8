package eligibility

import (
	"context"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/metricscache"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
)

func TestRecordPatchesCachedMetrics(t *testing.T) {
	ctx := context.Background()
	cache := metricscache.New(kv.NewMemory())
	if err := cache.Set(ctx, &ris.LibraryRawMetrics{Owner: "o", Repo: "r", NPMDownloads: 5}); err != nil {
		t.Fatal(err)
	}
	svc := NewService(NewMemoryStore(), cache)

	review, err := svc.Record(ctx, ReviewInput{Owner: "o", Repo: "r", Level: "exclusive"}, "ops@example.com")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if review.Status != StatusIneligible || review.Adjustment != 0 {
		t.Fatalf("unexpected review %+v", review)
	}

	m, err := cache.Get(ctx, "o", "r")
	if err != nil {
		t.Fatal(err)
	}
	if m.EligibilityStatus != string(StatusIneligible) || m.Adjustment() != 0 {
		t.Fatalf("cache not patched: %+v", m)
	}
	if m.NPMDownloads != 5 {
		t.Fatal("collected metrics must survive the patch")
	}
}

func TestRecordWithoutCachedMetrics(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), metricscache.New(kv.NewMemory()))
	if _, err := svc.Record(ctx, ReviewInput{Owner: "o", Repo: "r", Level: "minimal"}, "ops"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	stored, err := svc.Get(ctx, "o", "r")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Adjustment != 0.9 {
		t.Fatalf("stored adjustment = %v", stored.Adjustment)
	}
}

func TestOverlay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, metricscache.New(kv.NewMemory()))

	m := &ris.LibraryRawMetrics{Owner: "o", Repo: "r"}
	if err := svc.Overlay(ctx, m); err != nil {
		t.Fatalf("Overlay without review: %v", err)
	}
	if m.SponsorshipAdjustment != nil {
		t.Fatal("no review should leave metrics untouched")
	}

	svc.Record(ctx, ReviewInput{Owner: "o", Repo: "r", Level: "moderate"}, "ops")
	if err := svc.Overlay(ctx, m); err != nil {
		t.Fatal(err)
	}
	if m.Adjustment() != 0.7 || m.SponsorshipLevel != "moderate" {
		t.Fatalf("overlay not applied: %+v", m)
	}
}
