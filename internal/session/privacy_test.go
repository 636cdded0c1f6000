package session

import "testing"

func TestPrivacyFilterIsAllowed(t *testing.T) {
	f := &PrivacyFilter{
		AllowedKeys: []string{"demo-*"},
		BlockedKeys: []string{"demo-secret"},
	}

	cases := map[string]bool{
		"demo-A":      true,
		"demo-secret": false,
		"other":       false,
	}
	for key, want := range cases {
		if got := f.IsAllowed(key); got != want {
			t.Errorf("IsAllowed(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestPrivacyFilterApplyMasksKey(t *testing.T) {
	f := &PrivacyFilter{MaskSessionKeys: true}
	s := &Session{Key: "demo-A", State: Working}

	masked := f.Apply(s)
	if masked.Key == s.Key {
		t.Fatal("expected masked key to differ from original")
	}
	if s.Key != "demo-A" {
		t.Fatal("Apply must not mutate the original session")
	}
}

func TestPrivacyFilterNoop(t *testing.T) {
	f := &PrivacyFilter{}
	if !f.IsNoop() {
		t.Fatal("zero-value filter should be a no-op")
	}
	f.MaskSessionKeys = true
	if f.IsNoop() {
		t.Fatal("filter with masking enabled should not be a no-op")
	}
}

func TestFilterSliceAppliesAllowlistAndMasking(t *testing.T) {
	f := &PrivacyFilter{
		AllowedKeys:     []string{"demo-*"},
		MaskSessionKeys: true,
	}
	sessions := []*Session{
		{Key: "demo-A"},
		{Key: "other-B"},
	}
	result := f.FilterSlice(sessions)
	if len(result) != 1 {
		t.Fatalf("expected 1 session after filtering, got %d", len(result))
	}
	if result[0].Key == "demo-A" {
		t.Fatal("expected key to be masked in filtered output")
	}
}
