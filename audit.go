package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Audit records lease recovery events in a JetStream stream.
type Audit struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	name   string
	nodeID string
	stream jetstream.Stream
}

// AuditEntry represents an audit log entry.
type AuditEntry struct {
	Timestamp time.Time      `json:"ts"`
	NodeID    string         `json:"node"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data,omitempty"`
}

// AuditFilter defines criteria for querying audit logs.
type AuditFilter struct {
	Since    time.Time
	Until    time.Time
	Category string
	Action   string
}

// NewAudit creates an audit logger for the named metadata server.
func NewAudit(nc *nats.Conn, js jetstream.JetStream, name, nodeID string) *Audit {
	return &Audit{
		nc:     nc,
		js:     js,
		name:   name,
		nodeID: nodeID,
	}
}

// Start initializes the audit stream.
func (a *Audit) Start(ctx context.Context) error {
	stream, err := a.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        fmt.Sprintf("%s_lease_audit", a.name),
		Description: fmt.Sprintf("Lease audit log for %s", a.name),
		Subjects:    []string{fmt.Sprintf("%s.lease.audit.>", a.name)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create audit stream: %w", err)
	}

	a.stream = stream
	return nil
}

// Log publishes an audit entry. Publishing does not wait for the stream to
// acknowledge, so it is safe to call with the global lock held.
func (a *Audit) Log(ctx context.Context, entry AuditEntry) error {
	if a == nil || a.nc == nil {
		return nil
	}

	entry.Timestamp = time.Now()
	entry.NodeID = a.nodeID

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return a.nc.Publish(a.subject(entry.Category, entry.Action), data)
}

// Query retrieves audit entries matching the filter.
func (a *Audit) Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if a.stream == nil {
		return nil, fmt.Errorf("audit stream not initialized")
	}

	category := "*"
	if filter.Category != "" {
		category = filter.Category
	}
	action := "*"
	if filter.Action != "" {
		action = filter.Action
	}

	startTime := filter.Since
	if startTime.IsZero() {
		startTime = time.Now().Add(-1 * time.Hour)
	}

	consumerName := fmt.Sprintf("audit-query-%d", time.Now().UnixNano())
	consumer, err := a.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		FilterSubject: a.subject(category, action),
		DeliverPolicy: jetstream.DeliverByStartTimePolicy,
		OptStartTime:  &startTime,
		AckPolicy:     jetstream.AckNonePolicy,
		MaxDeliver:    1,
		MemoryStorage: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer a.stream.DeleteConsumer(ctx, consumerName)

	var entries []AuditEntry
	msgs, err := consumer.Fetch(1000, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return entries, nil
	}

	for msg := range msgs.Messages() {
		var entry AuditEntry
		if err := json.Unmarshal(msg.Data(), &entry); err != nil {
			continue
		}
		if !filter.Until.IsZero() && entry.Timestamp.After(filter.Until) {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (a *Audit) subject(category, action string) string {
	return fmt.Sprintf("%s.lease.audit.%s.%s", a.name, category, action)
}
