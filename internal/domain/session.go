package domain

import (
	"time"
)

// SessionRecord represents one issued refresh credential. The raw secret is
// never stored; only its digest.
type SessionRecord struct {
	ID               string     `json:"id"`
	SecretDigest     string     `json:"secretDigest"`
	UserAgent        string     `json:"userAgent,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
	ReplacedByDigest string     `json:"replacedByDigest,omitempty"`
}

// Active reports whether the record can still be exchanged for credentials.
func (s SessionRecord) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

func (s SessionRecord) Rotated() bool {
	return s.ReplacedByDigest != ""
}

// Revoke sets RevokedAt once. It reports whether the record changed.
func (s *SessionRecord) Revoke(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	t := now
	s.RevokedAt = &t
	return true
}

// MarkRotated revokes the record and links it to its successor. The link is
// written only once.
func (s *SessionRecord) MarkRotated(now time.Time, successorDigest string) {
	s.Revoke(now)
	if s.ReplacedByDigest == "" {
		s.ReplacedByDigest = successorDigest
	}
}

func (s SessionRecord) clone() SessionRecord {
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		s.RevokedAt = &t
	}
	return s
}
