// Package notify is the boundary the engine's Notify phase publishes
// through. Delivery is at least once: a retried operation may publish the
// same notification again, and consumers must tolerate duplicates.
//
// Three backends are provided, mirroring the queueing systems the service
// runs on: SQS, Google Pub/Sub, and Kafka.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Message is one notification about a completed (or completing) operation.
type Message struct {
	UserID int64           `json:"user_id"`
	OpID   string          `json:"op_id"`
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// GroupID is the ordering key: notifications for one user are delivered in
// publish order where the backend supports ordering.
func (m Message) GroupID() string {
	return strconv.FormatInt(m.UserID, 10)
}

// DedupID identifies the notification for backends with a deduplication
// window. Re-publishes from operation retries share the id.
func (m Message) DedupID() string {
	return m.GroupID() + ":" + m.OpID
}

// Encode renders the message body for the wire.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification for op %s: %w", m.OpID, err)
	}
	return b, nil
}

// Publisher delivers notifications. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
