package domain

import (
	"fmt"
	"strings"
	"time"
)

// EvictionPolicy bounds an account's session collection. sessions is ordered
// oldest first (append order); kept must preserve that order.
type EvictionPolicy interface {
	Name() string
	Evict(sessions []SessionRecord, limit int, now time.Time) (kept, evicted []SessionRecord)
}

// RecencyEviction drops the oldest records regardless of whether they are
// still active.
type RecencyEviction struct{}

func (RecencyEviction) Name() string { return "recency" }

func (RecencyEviction) Evict(sessions []SessionRecord, limit int, _ time.Time) ([]SessionRecord, []SessionRecord) {
	if limit <= 0 || len(sessions) <= limit {
		return sessions, nil
	}
	over := len(sessions) - limit
	evicted := append([]SessionRecord(nil), sessions[:over]...)
	kept := append([]SessionRecord(nil), sessions[over:]...)
	return kept, evicted
}

// InactiveFirstEviction drops revoked or expired records (oldest first) before
// touching active ones; once none are left it falls back to recency.
type InactiveFirstEviction struct{}

func (InactiveFirstEviction) Name() string { return "inactive-first" }

func (InactiveFirstEviction) Evict(sessions []SessionRecord, limit int, now time.Time) ([]SessionRecord, []SessionRecord) {
	if limit <= 0 || len(sessions) <= limit {
		return sessions, nil
	}
	over := len(sessions) - limit

	drop := make([]bool, len(sessions))
	for i := range sessions {
		if over == 0 {
			break
		}
		if !sessions[i].Active(now) {
			drop[i] = true
			over--
		}
	}
	for i := range sessions {
		if over == 0 {
			break
		}
		if !drop[i] {
			drop[i] = true
			over--
		}
	}

	kept := make([]SessionRecord, 0, limit)
	var evicted []SessionRecord
	for i, s := range sessions {
		if drop[i] {
			evicted = append(evicted, s)
			continue
		}
		kept = append(kept, s)
	}
	return kept, evicted
}

// ParseEvictionPolicy maps a configuration value to a policy.
func ParseEvictionPolicy(name string) (EvictionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "inactive-first":
		return InactiveFirstEviction{}, nil
	case "recency":
		return RecencyEviction{}, nil
	default:
		return nil, fmt.Errorf("unknown session eviction policy %q", name)
	}
}
