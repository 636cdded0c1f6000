package session

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStateJSONRoundTrip(t *testing.T) {
	for s, name := range stateNames {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %v: %v", s, err)
		}
		if string(data) != `"`+name+`"` {
			t.Fatalf("marshal %v = %s, want %q", s, data, name)
		}
		var got State
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if got != s {
			t.Fatalf("round trip %v -> %v", s, got)
		}
	}
}

func TestStateIsTerminal(t *testing.T) {
	if !Complete.IsTerminal() {
		t.Fatal("Complete should be terminal")
	}
	if Stuck.IsTerminal() {
		t.Fatal("Stuck must not be terminal: it clears on new activity")
	}
	if Error.IsTerminal() {
		t.Fatal("Error must not be terminal: it is reclassified on next delta")
	}
}

func TestSessionCloneIndependence(t *testing.T) {
	until := time.Now().Add(time.Minute)
	s := &Session{
		Key:   "demo-A",
		State: Working,
		TaskSpec: &TaskSpec{
			Path:  "TASKS.md",
			Items: []TaskSpecItem{{Text: "a", Done: true}},
		},
		SuppressionUntil: &until,
	}

	clone := s.Clone()
	clone.TaskSpec.Items[0].Done = false
	*clone.SuppressionUntil = until.Add(time.Hour)

	if !s.TaskSpec.Items[0].Done {
		t.Fatal("mutating clone's TaskSpec items affected original")
	}
	if !s.SuppressionUntil.Equal(until) {
		t.Fatal("mutating clone's SuppressionUntil affected original")
	}
}

func TestIsSuppressed(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	s := &Session{SuppressionUntil: &future}
	if !s.IsSuppressed(now) {
		t.Fatal("expected suppressed while before SuppressionUntil")
	}

	s.SuppressionUntil = &past
	if s.IsSuppressed(now) {
		t.Fatal("expected not suppressed once SuppressionUntil has passed")
	}

	s.SuppressionUntil = nil
	if s.IsSuppressed(now) {
		t.Fatal("expected not suppressed with nil SuppressionUntil")
	}
}
