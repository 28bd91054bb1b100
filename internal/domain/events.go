package domain

import "github.com/google/uuid"

type SessionEventKind string

const (
	SessionEventRevoked    SessionEventKind = "SESSION_REVOKED"
	SessionEventEvicted    SessionEventKind = "SESSIONS_EVICTED"
	SessionEventRevokedAll SessionEventKind = "ALL_SESSIONS_REVOKED"
)

// SessionEvent tells an account's connected clients that some of its
// sessions stopped being usable. Only public session ids are carried.
type SessionEvent struct {
	AccountID  uuid.UUID
	Kind       SessionEventKind
	SessionIDs []string
}
