package amqp

import (
	"encoding/json"
	"time"
)

// ExpenseExportMessage asks the exporter to mirror one freshly created
// expense. It carries only the ID and owner; the worker fetches the full
// record from the database.
type ExpenseExportMessage struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	Timestamp time.Time `json:"timestamp"`
}

// NewExpenseExportMessage creates a new export message.
func NewExpenseExportMessage(id int64, owner string) *ExpenseExportMessage {
	return &ExpenseExportMessage{
		ID:        id,
		Owner:     owner,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ExpenseExportMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ExpenseExportMessageFromJSON creates a message from JSON bytes
func ExpenseExportMessageFromJSON(data []byte) (*ExpenseExportMessage, error) {
	var msg ExpenseExportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
