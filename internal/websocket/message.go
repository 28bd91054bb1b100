package websocket

import (
	"encoding/json"
	"time"

	"github.com/dom/credential-service/internal/domain"
)

type MessageType string

const (
	// Server to Client
	MessageTypeSessionRevoked    MessageType = MessageType(domain.SessionEventRevoked)
	MessageTypeSessionsEvicted   MessageType = MessageType(domain.SessionEventEvicted)
	MessageTypeAllSessionsRevoke MessageType = MessageType(domain.SessionEventRevokedAll)
)

type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

type SessionsPayload struct {
	SessionIDs []string `json:"sessionIds"`
}
