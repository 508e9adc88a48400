package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/logging"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

type staticFetcher struct {
	items int
}

func (f staticFetcher) OpenSession(context.Context, string) (mailsync.Session, error) {
	return staticSession(f), nil
}

type staticSession struct {
	items int
}

func (s staticSession) CountSince(context.Context, time.Time, bool) (int, error) {
	return s.items, nil
}

func (s staticSession) FetchPage(_ context.Context, _ mailsync.Filter, offset, pageSize int) (mailsync.Page, error) {
	end := min(offset+pageSize, s.items)
	var p mailsync.Page
	for i := offset; i < end; i++ {
		p.Items = append(p.Items, mailsync.ItemSummary{ID: fmt.Sprintf("m%d", i)})
	}
	p.MoreAvailable = end < s.items
	return p, nil
}

func (s staticSession) ExpandItem(_ context.Context, item mailsync.ItemSummary) (*mailsync.MessageRecord, error) {
	return &mailsync.MessageRecord{ID: item.ID, Subject: "subject " + item.ID}, nil
}

func (staticSession) Close() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.Mailboxes = []string{"a@example.com", "b@example.com"}
	cfg.StoreDSN = ":memory:"
	cfg.HTTPAddr = ""
	cfg.StartupGrace = 0
	cfg.TickInterval = 10 * time.Millisecond
	cfg.PageSizeCap = 2
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFatal, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitUnreachable, ExitCode(fmt.Errorf("wrapped: %w", exitErr(ExitUnreachable, "dial"))))

	err := exitErr(ExitFatal, "scheduler: %w", mailsync.ErrSchedulerPanic)
	assert.ErrorIs(t, err, mailsync.ErrSchedulerPanic)
	assert.Equal(t, ExitFatal, ExitCode(err))
}

func TestNewWithoutCredentials(t *testing.T) {
	cfg := testConfig(t)

	_, err := New(context.Background(), cfg, logging.Discard())
	require.Error(t, err)
	assert.Equal(t, ExitUnreachable, ExitCode(err))
}

func TestNewUnknownStoreDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "mysql"

	_, err := New(context.Background(), cfg, logging.Discard(), WithFetcher(staticFetcher{}))
	require.Error(t, err)
	assert.Equal(t, ExitStartup, ExitCode(err))
}

func TestRunSyncsAllMailboxes(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, logging.Discard(), WithFetcher(staticFetcher{items: 5}))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap := a.Scheduler().Snapshot()
		return snap.LastReport != nil && !snap.Checkpoint.FirstRun
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}

	for _, addr := range cfg.Mailboxes {
		n, err := a.store.CountMessages(context.Background(), addr)
		require.NoError(t, err)
		assert.Equal(t, 5, n, addr)

		st, err := a.store.GetMailboxStatus(context.Background(), addr)
		require.NoError(t, err)
		assert.Equal(t, string(mailsync.StatusSuccess), st.Status)
	}
}
