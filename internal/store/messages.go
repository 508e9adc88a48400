package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// ErrNotFound is returned when a looked up row does not exist.
var ErrNotFound = errors.New("not found")

const upsertMessageSQL = `
	INSERT INTO messages (
		mailbox_address, id, internet_message_id, conversation_id,
		sent_at, received_at, created_at, modified_at, modified_by,
		from_name, from_address, reply_to_json, to_json, cc_json,
		importance, subject, body, body_type, size_bytes,
		attachment_count, attachments_json, is_read, synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (mailbox_address, id) DO UPDATE SET
		internet_message_id = excluded.internet_message_id,
		conversation_id = excluded.conversation_id,
		sent_at = excluded.sent_at,
		received_at = excluded.received_at,
		created_at = excluded.created_at,
		modified_at = excluded.modified_at,
		modified_by = excluded.modified_by,
		from_name = excluded.from_name,
		from_address = excluded.from_address,
		reply_to_json = excluded.reply_to_json,
		to_json = excluded.to_json,
		cc_json = excluded.cc_json,
		importance = excluded.importance,
		subject = excluded.subject,
		body = excluded.body,
		body_type = excluded.body_type,
		size_bytes = excluded.size_bytes,
		attachment_count = excluded.attachment_count,
		attachments_json = excluded.attachments_json,
		is_read = excluded.is_read,
		synced_at = excluded.synced_at`

// Upsert inserts rec for mailbox or overwrites the stored row with the same
// (mailbox, id). The single statement is atomic.
func (s *Store) Upsert(ctx context.Context, mailbox string, rec *mailsync.MessageRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("upsert message for %s: missing id", mailbox)
	}

	replyTo, err := marshalList(rec.ReplyTo)
	if err != nil {
		return err
	}
	to, err := marshalList(rec.To)
	if err != nil {
		return err
	}
	cc, err := marshalList(rec.Cc)
	if err != nil {
		return err
	}
	attachments, err := marshalList(rec.AttachmentNames)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(upsertMessageSQL),
		mailbox, rec.ID, rec.InternetMessageID, rec.ConversationID,
		unixOrNil(rec.SentAt), unixOrNil(rec.ReceivedAt), unixOrNil(rec.CreatedAt), unixOrNil(rec.ModifiedAt), rec.ModifiedBy,
		rec.From.Name, rec.From.Address, replyTo, to, cc,
		rec.Importance, rec.Subject, rec.Body, rec.BodyType, rec.SizeBytes,
		rec.AttachmentCount, attachments, rec.IsRead, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert message %s for %s: %w", rec.ID, mailbox, err)
	}
	return nil
}

const selectMessageSQL = `
	SELECT id, internet_message_id, conversation_id,
		sent_at, received_at, created_at, modified_at, modified_by,
		from_name, from_address, reply_to_json, to_json, cc_json,
		importance, subject, body, body_type, size_bytes,
		attachment_count, attachments_json, is_read
	FROM messages
	WHERE mailbox_address = ? AND id = ?`

// GetMessage loads one stored record.
func (s *Store) GetMessage(ctx context.Context, mailbox, id string) (*mailsync.MessageRecord, error) {
	var (
		rec                               mailsync.MessageRecord
		sent, received, created, modified sql.NullInt64
		replyTo, to, cc, attachments      string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(selectMessageSQL), mailbox, id).Scan(
		&rec.ID, &rec.InternetMessageID, &rec.ConversationID,
		&sent, &received, &created, &modified, &rec.ModifiedBy,
		&rec.From.Name, &rec.From.Address, &replyTo, &to, &cc,
		&rec.Importance, &rec.Subject, &rec.Body, &rec.BodyType, &rec.SizeBytes,
		&rec.AttachmentCount, &attachments, &rec.IsRead,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s for %s: %w", id, mailbox, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s for %s: %w", id, mailbox, err)
	}

	rec.SentAt = timeFromNull(sent)
	rec.ReceivedAt = timeFromNull(received)
	rec.CreatedAt = timeFromNull(created)
	rec.ModifiedAt = timeFromNull(modified)
	for _, f := range []struct {
		raw string
		dst any
	}{
		{replyTo, &rec.ReplyTo},
		{to, &rec.To},
		{cc, &rec.Cc},
		{attachments, &rec.AttachmentNames},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", id, err)
		}
	}
	if len(rec.ReplyTo) == 0 {
		rec.ReplyTo = nil
	}
	if len(rec.To) == 0 {
		rec.To = nil
	}
	if len(rec.Cc) == 0 {
		rec.Cc = nil
	}
	if len(rec.AttachmentNames) == 0 {
		rec.AttachmentNames = nil
	}
	return &rec, nil
}

// CountMessages returns the number of stored records of mailbox.
func (s *Store) CountMessages(ctx context.Context, mailbox string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM messages WHERE mailbox_address = ?`), mailbox).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages for %s: %w", mailbox, err)
	}
	return n, nil
}

// marshalList encodes a slice as a JSON array; nil encodes as [].
func marshalList[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}
