// Package audit moves attendance audit events from the request path to the
// audit table through a queue.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/queue"
)

// MessageType marks audit messages on the shared queue.
const MessageType = "audit"

// Publisher is an attendance.Auditor that enqueues events.
type Publisher struct {
	q queue.Queue
}

// NewPublisher creates a publisher on q.
func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{q: q}
}

// Record enqueues ev. A full in-memory queue waits at most a second.
func (p *Publisher) Record(ctx context.Context, ev attendance.AuditEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return p.q.Publish(ctx, queue.Message{Type: MessageType, Body: body})
}

// Sink stores audit events. Inserts must be idempotent by event id since a
// relay may deliver an event twice after a failure.
type Sink interface {
	InsertAudit(ctx context.Context, ev attendance.AuditEvent) error
}

// Relay drains the queue into a Sink.
type Relay struct {
	q        queue.Queue
	sink     Sink
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

// NewRelay creates a relay. Each event is tried up to three times.
func NewRelay(q queue.Queue, sink Sink, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{q: q, sink: sink, logger: logger, attempts: 3, backoff: 200 * time.Millisecond}
}

// Run consumes until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	msgs, err := r.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume audit queue: %w", err)
	}
	r.logger.Info("audit relay started")
	for msg := range msgs {
		r.handle(ctx, msg)
	}
	r.logger.Info("audit relay stopped")
	return nil
}

func (r *Relay) handle(ctx context.Context, msg queue.Message) {
	if msg.Type != MessageType {
		r.logger.Warn("skipping unknown message", "type", msg.Type)
		return
	}
	var ev attendance.AuditEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		r.logger.Error("malformed audit event", "err", err)
		return
	}

	var err error
	for i := 0; i < r.attempts; i++ {
		if err = r.sink.InsertAudit(ctx, ev); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(r.backoff * time.Duration(i+1)):
		case <-ctx.Done():
		}
	}
	r.logger.Error("audit event lost", "id", ev.ID, "kind", ev.Kind, "err", err)
}
