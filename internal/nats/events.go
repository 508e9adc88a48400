package natsjs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const (
	EventCycleCompleted = "cycle.completed"
	EventMailboxSynced  = "mailbox.synced"
	EventMailboxFailed  = "mailbox.failed"
)

// CycleCompleted is published once per dispatched cycle.
type CycleCompleted struct {
	Type               string    `json:"type"`
	CycleID            string    `json:"cycle_id"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	FirstRun           bool      `json:"first_run"`
	Mailboxes          int       `json:"mailboxes"`
	Failures           int       `json:"failures"`
	ItemsProcessed     int       `json:"items_processed"`
	CheckpointAdvanced bool      `json:"checkpoint_advanced"`
	Checkpoint         time.Time `json:"checkpoint"`
}

// MailboxSynced is published for every mailbox outcome of a cycle.
type MailboxSynced struct {
	Type           string `json:"type"`
	CycleID        string `json:"cycle_id"`
	Mailbox        string `json:"mailbox"`
	Status         string `json:"status"`
	ItemsProcessed int    `json:"items_processed"`
	Expected       int    `json:"expected"`
	DurationMS     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

// CycleSubject is the subject of cycle completion events.
func CycleSubject() string {
	return SubjectPrefix + ".cycle.completed"
}

// MailboxSubject is the subject of mailbox events with status.
func MailboxSubject(status mailsync.Status) string {
	return SubjectPrefix + ".mailbox." + string(status)
}

// BuildEvents renders report as outbox entries: one per outcome followed by
// the cycle summary. Message ids are stable per cycle so a replayed entry is
// dropped by JetStream deduplication.
func BuildEvents(report mailsync.CycleReport) ([]store.OutboxMessage, error) {
	events := make([]store.OutboxMessage, 0, len(report.Outcomes)+1)
	for _, o := range report.Outcomes {
		ev := MailboxSynced{
			Type:           EventMailboxSynced,
			CycleID:        report.ID,
			Mailbox:        o.Address,
			Status:         string(o.Status),
			ItemsProcessed: o.ItemsProcessed,
			Expected:       o.Expected,
			DurationMS:     o.Duration.Milliseconds(),
			Error:          o.Error,
		}
		if !o.OK() {
			ev.Type = EventMailboxFailed
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal %s event: %w", o.Address, err)
		}
		events = append(events, store.OutboxMessage{
			Subject:   MailboxSubject(o.Status),
			EventType: ev.Type,
			Payload:   payload,
			MsgID:     report.ID + ":" + o.Address,
		})
	}

	payload, err := json.Marshal(CycleCompleted{
		Type:               EventCycleCompleted,
		CycleID:            report.ID,
		StartedAt:          report.StartedAt,
		FinishedAt:         report.FinishedAt,
		FirstRun:           report.FirstRun,
		Mailboxes:          len(report.Outcomes),
		Failures:           report.Failures,
		ItemsProcessed:     report.ItemsProcessed(),
		CheckpointAdvanced: report.CheckpointAdvanced,
		Checkpoint:         report.Checkpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal cycle event: %w", err)
	}
	events = append(events, store.OutboxMessage{
		Subject:   CycleSubject(),
		EventType: EventCycleCompleted,
		Payload:   payload,
		MsgID:     report.ID,
	})
	return events, nil
}

// CycleRecorder persists a cycle report together with its outbox events.
type CycleRecorder interface {
	RecordCycle(ctx context.Context, report mailsync.CycleReport, events []store.OutboxMessage) error
}

// Notifier writes cycle events to the outbox. The Relay publishes them.
type Notifier struct {
	rec CycleRecorder
}

func NewNotifier(rec CycleRecorder) *Notifier {
	return &Notifier{rec: rec}
}

// Notify implements sync.Notifier.
func (n *Notifier) Notify(ctx context.Context, report mailsync.CycleReport) error {
	events, err := BuildEvents(report)
	if err != nil {
		return err
	}
	return n.rec.RecordCycle(ctx, report, events)
}
