package sync

import (
	"context"
	"time"
)

// Filter selects the inbox items of one fetch. A zero Since selects the whole
// inbox.
type Filter struct {
	Since      time.Time
	UnreadOnly bool
}

// ItemSummary is one entry of a listing page. Listings carry summaries only;
// the full record comes from Session.ExpandItem.
type ItemSummary struct {
	ID         string
	ReceivedAt time.Time
}

// Page is one listing page returned by the remote.
type Page struct {
	Items         []ItemSummary
	MoreAvailable bool
}

// Fetcher opens remote sessions scoped to one mailbox.
type Fetcher interface {
	OpenSession(ctx context.Context, address string) (Session, error)
}

// Session is a remote connection bound to one mailbox inbox. A Session is used
// by a single worker and is not safe for concurrent use.
type Session interface {
	// CountSince returns the number of inbox items received after since, or
	// of the whole inbox when since is zero.
	CountSince(ctx context.Context, since time.Time, unreadOnly bool) (int, error)
	FetchPage(ctx context.Context, filter Filter, offset, pageSize int) (Page, error)
	ExpandItem(ctx context.Context, item ItemSummary) (*MessageRecord, error)
	Close() error
}

// Sink persists message records. Upsert must be atomic and idempotent per
// (mailbox, record ID).
type Sink interface {
	Upsert(ctx context.Context, mailbox string, rec *MessageRecord) error
}

// Notifier receives the report of every dispatched cycle.
type Notifier interface {
	Notify(ctx context.Context, report CycleReport) error
}

// Window is the read-only cycle state handed to every worker of a cycle.
type Window struct {
	FirstRun     bool
	LastSyncTick time.Time
	Lookback     time.Duration
}

// Filter returns the main listing filter of the window: the whole inbox on a
// first run, otherwise items received after LastSyncTick - Lookback.
func (w Window) Filter() Filter {
	if w.FirstRun {
		return Filter{}
	}
	return Filter{Since: w.LastSyncTick.Add(-w.Lookback)}
}

// DefaultPageSizeCap bounds a single listing request.
const DefaultPageSizeCap = 1000

// PageCursor is the paging state of one fetch session.
type PageCursor struct {
	Offset        int
	PageSize      int
	TotalExpected int
}

// NewPageCursor starts a cursor expecting total items, pages capped at cap.
func NewPageCursor(total, cap int) PageCursor {
	if cap <= 0 {
		cap = DefaultPageSizeCap
	}
	return PageCursor{PageSize: cap, TotalExpected: total}
}

// Next returns the size of the next page: the estimated remaining count,
// bounded by the cap. Once the estimate is exhausted the cap is used, and the
// size is never below 1.
func (c PageCursor) Next() int {
	size := c.PageSize
	if remaining := c.TotalExpected - c.Offset; remaining > 0 && remaining < size {
		size = remaining
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Advance moves the offset by the number of items actually returned.
func (c *PageCursor) Advance(returned int) {
	c.Offset += returned
}
