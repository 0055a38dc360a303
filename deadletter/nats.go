package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/natsclient"
)

// NATSSink publishes dead-letter records to a JetStream subject and mirrors
// the most recent record per event id into a KV bucket for quick lookup.
type NATSSink struct {
	client  *natsclient.Client
	mirror  *natsclient.KVStore
	subject string
	logger  *slog.Logger
	count   atomic.Uint64
}

// NewNATSSink creates a sink publishing to the given subject. The mirror
// bucket is optional; pass nil to publish only.
func NewNATSSink(client *natsclient.Client, mirror *natsclient.KVStore, subject string, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{client: client, mirror: mirror, subject: subject, logger: logger}
}

// Submit publishes the record. Mirror failures are logged but do not fail the
// submission; the stream copy is the durable one.
func (s *NATSSink) Submit(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapFatal(err, "DeadLetterSink", "Submit", "encode record "+rec.ID)
	}

	subject := fmt.Sprintf("%s.%s", s.subject, rec.Reason)
	if err := s.client.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "DeadLetterSink", "Submit", "publish record "+rec.ID)
	}
	s.count.Add(1)

	s.logger.Error("event dead-lettered",
		"reason", rec.Reason,
		"eventId", rec.EventID,
		"eventType", rec.EventType,
		"tenant", rec.TenantID,
		"detail", rec.Detail,
	)

	if s.mirror != nil && rec.EventID != "" {
		if _, err := s.mirror.Put(ctx, rec.EventID, data); err != nil {
			s.logger.Warn("dead-letter mirror write failed", "eventId", rec.EventID, "error", err)
		}
	}
	return nil
}

// Count returns records published since startup
func (s *NATSSink) Count() uint64 {
	return s.count.Load()
}

// Close is a no-op; the connection is owned by the caller
func (s *NATSSink) Close() error {
	return nil
}
