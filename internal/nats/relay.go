package natsjs

import (
	"context"
	"time"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/store"
)

const (
	defaultBatchSize    = 100
	defaultIdleWait     = 500 * time.Millisecond
	defaultErrorWait    = time.Second
	defaultRetryBackoff = 10 * time.Second
)

// Outbox is the queue side of the store.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// EventPublisher is satisfied by *Publisher.
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Relay moves outbox entries to the message bus.
type Relay struct {
	outbox    Outbox
	pub       EventPublisher
	log       logging.Logger
	batchSize int
	idleWait  time.Duration
	errorWait time.Duration
	backoff   time.Duration
}

type RelayOption func(*Relay)

// WithRetryBackoff sets how long a failed entry waits before its next attempt.
func WithRetryBackoff(d time.Duration) RelayOption {
	return func(r *Relay) { r.backoff = d }
}

// WithIdleWait sets the pause after an empty dequeue.
func WithIdleWait(d time.Duration) RelayOption {
	return func(r *Relay) { r.idleWait = d }
}

// WithErrorWait sets the pause after a failed dequeue or a batch with failures.
func WithErrorWait(d time.Duration) RelayOption {
	return func(r *Relay) { r.errorWait = d }
}

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func NewRelay(outbox Outbox, pub EventPublisher, log logging.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		outbox:    outbox,
		pub:       pub,
		log:       log.With("component", "relay"),
		batchSize: defaultBatchSize,
		idleWait:  defaultIdleWait,
		errorWait: defaultErrorWait,
		backoff:   defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the outbox until ctx is cancelled. After an empty batch it
// waits the idle interval, after a batch with any failure the error interval.
func (r *Relay) Run(ctx context.Context) error {
	for {
		b, err := r.Drain(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			r.log.Error(ctx, "dequeue outbox", "error", err)
			wait = r.errorWait
		case b.Failed > 0:
			wait = r.errorWait
		case b.Taken == 0:
			wait = r.idleWait
		}

		if wait == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Batch tallies one Drain call.
type Batch struct {
	Taken     int
	Published int
	Failed    int
}

// Drain publishes one batch of due entries. A failed publish defers its entry
// by the retry backoff.
func (r *Relay) Drain(ctx context.Context) (Batch, error) {
	messages, err := r.outbox.DequeueOutbox(ctx, r.batchSize)
	if err != nil {
		return Batch{}, err
	}

	b := Batch{Taken: len(messages)}
	for _, msg := range messages {
		if err := r.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			b.Failed++
			r.log.Warn(ctx, "publish outbox entry", "id", msg.ID, "subject", msg.Subject, "error", err)
			if err := r.outbox.MarkOutboxRetry(ctx, msg.ID, r.backoff); err != nil {
				r.log.Error(ctx, "mark outbox retry", "id", msg.ID, "error", err)
			}
			continue
		}
		b.Published++
		if err := r.outbox.MarkPublished(ctx, msg.ID); err != nil {
			b.Failed++
			r.log.Error(ctx, "mark outbox published", "id", msg.ID, "error", err)
		}
	}
	return b, nil
}
