// Package settlement closes sessions: it consumes settle requests from the
// Redis stream and moves the escrowed funds to their final owners exactly
// once.
package settlement

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StreamName is the Redis stream carrying settle requests.
const StreamName = "settle_session"

// ConsumerGroup is the settlement worker's consumer group.
const ConsumerGroup = "settlement_workers"

// Reasons a session reaches settlement.
const (
	ReasonCompleted  = "completed"   // purchased time fully consumed
	ReasonUserEnded  = "user_ended"  // user ended early, unused minutes refunded
	ReasonNodeFailed = "node_failed" // node lost mid-session, full refund
	ReasonLoadFailed = "load_failed" // model never became ready, full refund
)

// SettleSessionMessage asks the settlement worker to close one session. The
// session row already carries the refund amount; the message only identifies
// the session and why it ended.
type SettleSessionMessage struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ToJSON serializes the SettleSessionMessage to JSON bytes.
func (m *SettleSessionMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle session message: %w", err)
	}
	return data, nil
}

// FromJSONSettleSession deserializes JSON bytes into a SettleSessionMessage
// and validates it.
func FromJSONSettleSession(data []byte) (*SettleSessionMessage, error) {
	msg := &SettleSessionMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settle session message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Validate checks if the SettleSessionMessage has all required fields with valid values.
func (m *SettleSessionMessage) Validate() error {
	if m.SessionID == "" {
		return errors.New("session_id is required")
	}
	switch m.Reason {
	case ReasonCompleted, ReasonUserEnded, ReasonNodeFailed, ReasonLoadFailed:
		return nil
	default:
		return fmt.Errorf("unknown settle reason %q", m.Reason)
	}
}
