package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/dbx"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// OutboxMessage is an event waiting to be published.
type OutboxMessage struct {
	ID        int64
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// MailboxStatus is the persisted result of the last sync of a mailbox.
type MailboxStatus struct {
	Address             string    `json:"address"`
	Status              string    `json:"status"`
	LastError           string    `json:"last_error,omitempty"`
	ItemsProcessed      int       `json:"items_processed"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCycleID         string    `json:"last_cycle_id"`
	UpdatedAt           time.Time `json:"updated_at"`
}

const upsertStatusSQL = `
	INSERT INTO mailbox_status
		(mailbox_address, status, last_error, items_processed, consecutive_failures, last_cycle_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (mailbox_address) DO UPDATE SET
		status = excluded.status,
		last_error = excluded.last_error,
		items_processed = excluded.items_processed,
		consecutive_failures = CASE
			WHEN excluded.status = 'failure' THEN mailbox_status.consecutive_failures + 1
			ELSE 0
		END,
		last_cycle_id = excluded.last_cycle_id,
		updated_at = excluded.updated_at`

const insertOutboxSQL = `
	INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
	VALUES (?, ?, ?, ?, ?, ?)`

// RecordCycle stores the per-mailbox status of report and appends events to
// the outbox in one transaction.
func (s *Store) RecordCycle(ctx context.Context, report mailsync.CycleReport, events []OutboxMessage) error {
	now := s.now().Unix()
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, o := range report.Outcomes {
			failures := 0
			if !o.OK() {
				failures = 1
			}
			_, err := tx.ExecContext(ctx, s.rebind(upsertStatusSQL),
				o.Address, string(o.Status), o.Error, o.ItemsProcessed, failures, report.ID, now)
			if err != nil {
				return fmt.Errorf("record status of %s: %w", o.Address, err)
			}
		}
		for _, e := range events {
			_, err := tx.ExecContext(ctx, s.rebind(insertOutboxSQL),
				now, e.Subject, e.EventType, e.Payload, e.MsgID, now)
			if err != nil {
				return fmt.Errorf("insert outbox entry %s: %w", e.MsgID, err)
			}
		}
		return nil
	})
}

// Notify records the mailbox statuses of report without outbox events. It
// implements sync.Notifier for deployments without a message bus.
func (s *Store) Notify(ctx context.Context, report mailsync.CycleReport) error {
	return s.RecordCycle(ctx, report, nil)
}

// GetMailboxStatus loads the persisted status of address.
func (s *Store) GetMailboxStatus(ctx context.Context, address string) (MailboxStatus, error) {
	st := MailboxStatus{Address: address}
	var updated int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT status, last_error, items_processed, consecutive_failures, last_cycle_id, updated_at
		FROM mailbox_status
		WHERE mailbox_address = ?`), address).
		Scan(&st.Status, &st.LastError, &st.ItemsProcessed, &st.ConsecutiveFailures, &st.LastCycleID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return MailboxStatus{}, fmt.Errorf("status of %s: %w", address, ErrNotFound)
	}
	if err != nil {
		return MailboxStatus{}, fmt.Errorf("load status of %s: %w", address, err)
	}
	st.UpdatedAt = time.Unix(updated, 0).UTC()
	return st, nil
}

// DequeueOutbox fetches unpublished messages that are due for an attempt.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, subject, event_type, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?`), s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.EventType, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE outbox SET published_at = ? WHERE id = ?`), s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark outbox %d published: %w", id, err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and defers the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?`), s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("mark outbox %d retry: %w", id, err)
	}
	return nil
}
