package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/logging"
)

// Worker syncs a single mailbox for one cycle: it opens a remote session,
// pages through the window and upserts every expanded item as it goes.
type Worker struct {
	fetcher     Fetcher
	sink        Sink
	log         logging.Logger
	pageSizeCap int
	callTimeout time.Duration
	maxEmpty    int
	now         func() time.Time
}

type WorkerOption func(*Worker)

// WithPageSizeCap bounds each listing request.
func WithPageSizeCap(n int) WorkerOption {
	return func(w *Worker) {
		w.pageSizeCap = n
	}
}

// WithCallTimeout bounds every individual remote call.
func WithCallTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.callTimeout = d
	}
}

// WithMaxEmptyPages fails a mailbox after more than n consecutive empty pages
// that still report more available. Zero, the default, never gives up: paging
// ends only when the remote reports no more data.
func WithMaxEmptyPages(n int) WorkerOption {
	return func(w *Worker) {
		w.maxEmpty = n
	}
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.now = now
	}
}

func NewWorker(fetcher Fetcher, sink Sink, log logging.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		fetcher:     fetcher,
		sink:        sink,
		log:         log,
		pageSizeCap: DefaultPageSizeCap,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run syncs address within win. It never panics and never returns an error:
// every failure, including a panic, is reported as a failure Outcome with the
// items persisted so far.
func (w *Worker) Run(ctx context.Context, address string, win Window) (out Outcome) {
	start := w.now()
	log := w.log.With("mailbox", address)
	out = Outcome{Address: address, Status: StatusFailure}

	defer func() {
		if r := recover(); r != nil {
			out.Status = StatusFailure
			out.Err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
		out.Duration = w.now().Sub(start)
		if out.Err != nil {
			out.Error = out.Err.Error()
		}
	}()

	out.Err = w.run(ctx, log, address, win, &out)
	if out.Err == nil {
		out.Status = StatusSuccess
		log.Info(ctx, "mailbox synced", "items", out.ItemsProcessed, "duration", w.now().Sub(start))
	}
	return out
}

func (w *Worker) run(ctx context.Context, log logging.Logger, address string, win Window, out *Outcome) error {
	log.Debug(ctx, "connecting")
	var sess Session
	err := w.call(ctx, func(ctx context.Context) (err error) {
		sess, err = w.fetcher.OpenSession(ctx, address)
		return err
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn(ctx, "close session", "error", err)
		}
	}()

	filter := win.Filter()
	var total int
	err = w.call(ctx, func(ctx context.Context) (err error) {
		total, err = sess.CountSince(ctx, filter.Since, false)
		return err
	})
	if err != nil {
		return fmt.Errorf("count items: %w", err)
	}
	out.Expected = total

	if win.FirstRun {
		log.Info(ctx, "first run, fetching whole inbox", "total", total)
	} else {
		var unread int
		err = w.call(ctx, func(ctx context.Context) (err error) {
			unread, err = sess.CountSince(ctx, filter.Since, true)
			return err
		})
		if err != nil {
			log.Warn(ctx, "count unread items", "error", err)
		}
		log.Info(ctx, "fetching window", "since", filter.Since, "total", total, "unread", unread)
	}

	cursor := NewPageCursor(total, w.pageSizeCap)
	empty := 0
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		pageStart := w.now()

		var p Page
		err = w.call(ctx, func(ctx context.Context) (err error) {
			p, err = sess.FetchPage(ctx, filter, cursor.Offset, cursor.Next())
			return err
		})
		if err != nil {
			return fmt.Errorf("fetch page %d at offset %d: %w", page, cursor.Offset, err)
		}

		for _, item := range p.Items {
			var rec *MessageRecord
			err = w.call(ctx, func(ctx context.Context) (err error) {
				rec, err = sess.ExpandItem(ctx, item)
				return err
			})
			if err != nil {
				return fmt.Errorf("expand item %s: %w", item.ID, err)
			}
			if err := w.sink.Upsert(ctx, address, rec); err != nil {
				return fmt.Errorf("upsert item %s: %w", item.ID, err)
			}
			out.ItemsProcessed++
		}
		cursor.Advance(len(p.Items))

		log.Debug(ctx, "page processed",
			"page", page,
			"count", len(p.Items),
			"processed", out.ItemsProcessed,
			"expected", total,
			"duration", w.now().Sub(pageStart))

		if !p.MoreAvailable {
			return nil
		}
		if len(p.Items) == 0 {
			empty++
			if w.maxEmpty > 0 && empty > w.maxEmpty {
				return fmt.Errorf("%w: %d pages at offset %d", ErrPaginationStalled, empty, cursor.Offset)
			}
			continue
		}
		empty = 0
	}
}

// call runs fn with the per-call timeout applied.
func (w *Worker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if w.callTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	return fn(ctx)
}
