package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"
)

var errRemote = errors.New("remote unavailable")

type fakeMailbox struct {
	items      []ItemSummary
	pages      [][]ItemSummary
	endless    bool
	failOpen   error
	failPageAt int
	failUnread error
	panicOpen  bool
}

func makeItems(prefix string, n int) []ItemSummary {
	items := make([]ItemSummary, n)
	for i := range items {
		items[i] = ItemSummary{ID: fmt.Sprintf("%s-%03d", prefix, i)}
	}
	return items
}

type fakeFetcher struct {
	mu         stdsync.Mutex
	boxes      map[string]*fakeMailbox
	delay      time.Duration
	open       int
	maxOpen    int
	opened     int
	fetchCalls map[string]int
	filters    map[string][]Filter
	pageSizes  map[string][]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		boxes:      make(map[string]*fakeMailbox),
		fetchCalls: make(map[string]int),
		filters:    make(map[string][]Filter),
		pageSizes:  make(map[string][]int),
	}
}

func (f *fakeFetcher) add(address string, box *fakeMailbox) *fakeFetcher {
	f.boxes[address] = box
	return f
}

func (f *fakeFetcher) OpenSession(_ context.Context, address string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	box, ok := f.boxes[address]
	if !ok {
		return nil, fmt.Errorf("no mailbox %s", address)
	}
	if box.panicOpen {
		panic("session exploded")
	}
	if box.failOpen != nil {
		return nil, box.failOpen
	}
	f.open++
	f.opened++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	return &fakeSession{f: f, address: address, box: box}, nil
}

func (f *fakeFetcher) calls(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls[address]
}

type fakeSession struct {
	f       *fakeFetcher
	address string
	box     *fakeMailbox
}

func (s *fakeSession) CountSince(_ context.Context, _ time.Time, unreadOnly bool) (int, error) {
	if unreadOnly {
		if s.box.failUnread != nil {
			return 0, s.box.failUnread
		}
		return 1, nil
	}
	if s.box.pages != nil {
		n := 0
		for _, p := range s.box.pages {
			n += len(p)
		}
		return n, nil
	}
	return len(s.box.items), nil
}

func (s *fakeSession) FetchPage(_ context.Context, filter Filter, offset, pageSize int) (Page, error) {
	if s.f.delay > 0 {
		time.Sleep(s.f.delay)
	}
	s.f.mu.Lock()
	s.f.fetchCalls[s.address]++
	call := s.f.fetchCalls[s.address]
	s.f.filters[s.address] = append(s.f.filters[s.address], filter)
	s.f.pageSizes[s.address] = append(s.f.pageSizes[s.address], pageSize)
	s.f.mu.Unlock()

	if s.box.failPageAt > 0 && call == s.box.failPageAt {
		return Page{}, errRemote
	}
	if s.box.endless {
		return Page{MoreAvailable: true}, nil
	}
	if s.box.pages != nil {
		return Page{Items: s.box.pages[call-1], MoreAvailable: call < len(s.box.pages)}, nil
	}
	end := min(offset+pageSize, len(s.box.items))
	if offset > end {
		offset = end
	}
	return Page{Items: s.box.items[offset:end], MoreAvailable: end < len(s.box.items)}, nil
}

func (s *fakeSession) ExpandItem(_ context.Context, item ItemSummary) (*MessageRecord, error) {
	return &MessageRecord{ID: item.ID, Subject: "subject " + item.ID}, nil
}

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	s.f.open--
	s.f.mu.Unlock()
	return nil
}

type memSink struct {
	mu      stdsync.Mutex
	rows    map[string]map[string]MessageRecord
	upserts int
	failOn  string
}

func newMemSink() *memSink {
	return &memSink{rows: make(map[string]map[string]MessageRecord)}
}

func (s *memSink) Upsert(_ context.Context, mailbox string, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == s.failOn {
		return errors.New("disk full")
	}
	if s.rows[mailbox] == nil {
		s.rows[mailbox] = make(map[string]MessageRecord)
	}
	s.rows[mailbox][rec.ID] = *rec
	s.upserts++
	return nil
}

func (s *memSink) count(mailbox string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[mailbox])
}

type fakeClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu      stdsync.Mutex
	reports []CycleReport
	panics  bool
	during  func()
}

func (n *recordingNotifier) Notify(_ context.Context, r CycleReport) error {
	if n.panics {
		panic("notifier exploded")
	}
	if n.during != nil {
		n.during()
	}
	n.mu.Lock()
	n.reports = append(n.reports, r)
	n.mu.Unlock()
	return nil
}
