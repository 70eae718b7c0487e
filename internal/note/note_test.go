package note

import (
	"strings"
	"testing"
	"time"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Team Sync", "team-sync"},
		{"  leading and trailing  ", "leading-and-trailing"},
		{"Q3 -- planning!!", "q3-planning"},
		{"Réunion été", "r-union-t"},
		{"???", "note"},
		{"", "note"},
		{strings.Repeat("a", 80), strings.Repeat("a", 50)},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeriveID(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 30, 5, 0, time.UTC)
	got := DeriveID("/notes/input/Team Sync.m4a", at)
	want := "2026-10-16_093005_team-sync"
	if got != want {
		t.Errorf("DeriveID = %q, want %q", got, want)
	}

	// Stable for the same attempt.
	if again := DeriveID("/notes/input/Team Sync.m4a", at); again != got {
		t.Errorf("DeriveID not stable: %q vs %q", again, got)
	}

	// Distinct attempts of the same file get distinct IDs.
	if later := DeriveID("/notes/input/Team Sync.m4a", at.Add(time.Second)); later == got {
		t.Errorf("DeriveID should differ for a later detection, got %q twice", got)
	}
}

func TestDeriveID_UsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	at := time.Date(2026, 10, 16, 11, 30, 5, 0, loc)
	if got := DeriveID("memo.wav", at); got != "2026-10-16_093005_memo" {
		t.Errorf("DeriveID = %q, want UTC-based ID", got)
	}
}

func TestStatusNext(t *testing.T) {
	path := []Status{StatusPending, StatusTranscribing, StatusExtracting, StatusValidating, StatusRendering, StatusPersisted}
	for i := 0; i < len(path)-1; i++ {
		if got := path[i].Next(); got != path[i+1] {
			t.Errorf("%s.Next() = %s, want %s", path[i], got, path[i+1])
		}
		if !path[i].Before(path[i+1]) {
			t.Errorf("%s should be before %s", path[i], path[i+1])
		}
	}
	if StatusPersisted.Next() != StatusPersisted || StatusFailed.Next() != StatusFailed {
		t.Error("terminal statuses must not advance")
	}
	if !StatusPersisted.Terminal() || !StatusFailed.Terminal() || StatusRendering.Terminal() {
		t.Error("Terminal() mismatch")
	}
	if Status("BOGUS").Valid() {
		t.Error("unknown status reported valid")
	}
}
