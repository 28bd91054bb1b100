package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DefaultMaxSessions is the number of session records an account retains.
const DefaultMaxSessions = 20

type Account struct {
	ID             uuid.UUID                          `json:"id" gorm:"type:uuid;primary_key"`
	DisplayName    string                             `json:"displayName" gorm:"not null"`
	Email          string                             `json:"email" gorm:"uniqueIndex:uq_accounts_email;not null"`
	PasswordDigest string                             `json:"-" gorm:"not null"`
	Sessions       datatypes.JSONSlice[SessionRecord] `json:"-" gorm:"type:jsonb;not null;default:'[]'"`
	Version        int64                              `json:"-" gorm:"not null;default:0"`
	CreatedAt      time.Time                          `json:"createdAt"`
	UpdatedAt      time.Time                          `json:"updatedAt"`
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// FindSession returns a pointer into the account's session collection so the
// caller can mark the record in place before the account is replaced.
func (a *Account) FindSession(digest string) *SessionRecord {
	for i := range a.Sessions {
		if a.Sessions[i].SecretDigest == digest {
			return &a.Sessions[i]
		}
	}
	return nil
}

func (a *Account) FindSessionByID(id string) *SessionRecord {
	for i := range a.Sessions {
		if a.Sessions[i].ID == id {
			return &a.Sessions[i]
		}
	}
	return nil
}

// AppendSession adds rec as the newest record and applies the eviction policy
// so that at most limit records remain. It returns the evicted records.
func (a *Account) AppendSession(rec SessionRecord, limit int, policy EvictionPolicy, now time.Time) []SessionRecord {
	sessions := append([]SessionRecord(a.Sessions), rec)
	if policy == nil {
		policy = RecencyEviction{}
	}
	kept, evicted := policy.Evict(sessions, limit, now)
	a.Sessions = kept
	return evicted
}

// Digests lists the digest of every retained session record.
func (a *Account) Digests() []string {
	out := make([]string, 0, len(a.Sessions))
	for _, s := range a.Sessions {
		out = append(out, s.SecretDigest)
	}
	return out
}

// Clone returns a deep copy; stores hand out clones so callers never share
// session slices with stored state.
func (a *Account) Clone() *Account {
	c := *a
	c.Sessions = make(datatypes.JSONSlice[SessionRecord], len(a.Sessions))
	for i, s := range a.Sessions {
		c.Sessions[i] = s.clone()
	}
	return &c
}
