package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// OperationType names a queued mutation intent.
type OperationType string

const (
	OpCreateShape    OperationType = "create_shape"
	OpUpdateShape    OperationType = "update_shape"
	OpDeleteShape    OperationType = "delete_shape"
	OpUpdateCursor   OperationType = "update_cursor"
	OpUpdatePresence OperationType = "update_presence"
)

// Operation is a mutation that could not reach the remote store and waits in
// the offline queue. Times are epoch milliseconds.
type Operation struct {
	ID        string          `json:"id"`
	Type      OperationType   `json:"type"`
	BoardID   string          `json:"boardId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Attempts  int             `json:"attempts"`
	NextRetry int64           `json:"nextRetry"`
	LastError string          `json:"lastError,omitempty"`
}

// CreatePayload is the payload of OpCreateShape.
type CreatePayload struct {
	Shape Shape `json:"shape"`
}

// UpdatePayload is the payload of OpUpdateShape.
type UpdatePayload struct {
	ShapeID string     `json:"shapeId"`
	Patch   ShapePatch `json:"patch"`
}

// DeletePayload is the payload of OpDeleteShape.
type DeletePayload struct {
	ShapeID string `json:"shapeId"`
}

// CursorPayload is the payload of OpUpdateCursor.
type CursorPayload struct {
	Cursor Cursor `json:"cursor"`
}

// PresencePayload is the payload of OpUpdatePresence.
type PresencePayload struct {
	User   OnlineUser `json:"user"`
	Online bool       `json:"online"`
}

// NewOperation creates a queue entry with a fresh id stamped with the current time.
func NewOperation(boardID string, typ OperationType, payload any) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return Operation{
		ID:        ulid.Make().String(),
		Type:      typ,
		BoardID:   boardID,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Decode unmarshals the payload into v.
func (o Operation) Decode(v any) error {
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", o.Type, err)
	}
	return nil
}
