package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"cashbook/internal/services"
)

// LedgerChangedMessage announces a confirmed ledger write. It carries no
// document: consumers read the revision they need from the replica.
type LedgerChangedMessage struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	UserID    string    `json:"user_id"`
	Revision  int64     `json:"revision"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLedgerChangedMessage builds a message for change with a fresh id.
func NewLedgerChangedMessage(change services.LedgerChanged) *LedgerChangedMessage {
	ts := change.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return &LedgerChangedMessage{
		ID:        uuid.NewString(),
		Key:       change.Key,
		UserID:    change.UserID,
		Revision:  change.Revision,
		Origin:    change.Origin,
		Timestamp: ts.UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *LedgerChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LedgerChangedMessageFromJSON parses a message and checks it names a document.
func LedgerChangedMessageFromJSON(data []byte) (*LedgerChangedMessage, error) {
	var msg LedgerChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Key == "" {
		return nil, errors.New("ledger changed message without key")
	}
	return &msg, nil
}
