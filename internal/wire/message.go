package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MessageType string

const (
	TypeUserStatus         MessageType = "user_status"
	TypeMemoryUpdate       MessageType = "memory_update"
	TypeConversationUpdate MessageType = "conversation_update"
	TypeCollaborationEvent MessageType = "collaboration_event"
	TypeSystemNotification MessageType = "system_notification"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeUserStatus, TypeMemoryUpdate, TypeConversationUpdate, TypeCollaborationEvent, TypeSystemNotification:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// NeedsAck reports whether a receiver must acknowledge a message of this priority.
func (p Priority) NeedsAck() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// Broadcast is the recipient value addressing every connected peer.
const Broadcast = "broadcast"

// Message is the envelope exchanged between peers through the relay.
// Data holds a JSON object when Encrypted is false and a JSON string
// (nonceHex:ciphertextHex:tagHex) when it is true.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	ProjectID string          `json:"projectId,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Priority  Priority        `json:"priority"`
	Encrypted bool            `json:"encrypted"`
}

var ErrNotEncrypted = errors.New("message data is not encrypted")

// Ciphertext returns the opaque envelope carried by an encrypted message.
func (m Message) Ciphertext() (string, error) {
	if !m.Encrypted {
		return "", ErrNotEncrypted
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	return s, nil
}

// DecodeData unmarshals plaintext data into v.
func (m Message) DecodeData(v any) error {
	if m.Encrypted {
		return errors.New("message data is still encrypted")
	}
	if len(m.Data) == 0 {
		return errors.New("message has no data")
	}
	return json.Unmarshal(m.Data, v)
}

// Age is the time elapsed since the message was stamped.
func (m Message) Age(now time.Time) time.Duration {
	return now.Sub(m.Timestamp)
}
