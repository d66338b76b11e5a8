package ris

import "testing"

func TestKeyRoundTrip(t *testing.T) {
	key := Key("PMNDRS", "Zustand")
	if key != "pmndrs/zustand" {
		t.Fatalf("Key = %q", key)
	}
	owner, repo, err := SplitKey(key)
	if err != nil || owner != "pmndrs" || repo != "zustand" {
		t.Fatalf("SplitKey = %q, %q, %v", owner, repo, err)
	}
}

func TestSplitKeyRejectsMalformed(t *testing.T) {
	for _, key := range []string{"", "owner", "/repo", "owner/", "a/b/c"} {
		if _, _, err := SplitKey(key); err == nil {
			t.Errorf("SplitKey(%q) should fail", key)
		}
	}
}

func TestApplyAndValue(t *testing.T) {
	var m LibraryRawMetrics
	unknown := m.Apply(map[string]float64{
		FieldNPMDownloads: 1200,
		FieldPushEvents:   3,
		"bogus":           1,
	})
	if len(unknown) != 1 || unknown[0] != "bogus" {
		t.Fatalf("unknown = %v", unknown)
	}
	if m.NPMDownloads != 1200 || m.Value(FieldPushEvents) != 3 {
		t.Fatalf("fields not applied: %+v", m)
	}
	if m.Value("bogus") != 0 {
		t.Fatal("unknown field should read as 0")
	}
}

func TestAdjustment(t *testing.T) {
	half := 0.5
	tests := []struct {
		name string
		m    LibraryRawMetrics
		want float64
	}{
		{"unreviewed", LibraryRawMetrics{}, 1},
		{"explicit", LibraryRawMetrics{SponsorshipAdjustment: &half}, 0.5},
		{"ineligible wins", LibraryRawMetrics{EligibilityStatus: "ineligible", SponsorshipAdjustment: &half}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.Adjustment(); got != tt.want {
				t.Errorf("Adjustment() = %v, want %v", got, tt.want)
			}
		})
	}
}
