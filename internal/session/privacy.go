package session

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
)

// PrivacyFilter applies masking and key-based filtering to sessions before
// they cross the Control Surface (HTTP responses, push broadcasts). The
// zero value is a no-op filter.
type PrivacyFilter struct {
	// MaskSessionKeys replaces session keys with opaque short hashes in
	// outbound payloads. The Audit Store and internal bus always use the
	// real key; masking is applied only at the Control Surface boundary.
	MaskSessionKeys bool

	// AllowedKeys is a list of glob patterns. When non-empty, only
	// sessions whose key matches at least one pattern are exposed.
	AllowedKeys []string

	// BlockedKeys is a list of glob patterns evaluated after AllowedKeys;
	// a match excludes the session.
	BlockedKeys []string
}

// IsAllowed reports whether a session with the given key should be exposed.
func (f *PrivacyFilter) IsAllowed(key string) bool {
	if len(f.AllowedKeys) > 0 {
		allowed := false
		for _, pattern := range f.AllowedKeys {
			if matched, _ := filepath.Match(pattern, key); matched {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.BlockedKeys {
		if matched, _ := filepath.Match(pattern, key); matched {
			return false
		}
	}

	return true
}

// Apply returns a copy of the session with sensitive fields masked
// according to the filter configuration. The original is never modified.
func (f *PrivacyFilter) Apply(s *Session) *Session {
	masked := s.Clone()

	if f.MaskSessionKeys && masked.Key != "" {
		masked.Key = shortHash(masked.Key)
	}

	return masked
}

// FilterSlice returns a new slice containing only the allowed sessions,
// with privacy masking applied to each. The original slice is not modified.
func (f *PrivacyFilter) FilterSlice(sessions []*Session) []*Session {
	result := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if !f.IsAllowed(s.Key) {
			continue
		}
		result = append(result, f.Apply(s))
	}
	return result
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskSessionKeys && len(f.AllowedKeys) == 0 && len(f.BlockedKeys) == 0
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
