// Package checkpoint persists the global low-water mark of the last fully
// successful sync cycle and the one-shot first run flag.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	stdsync "sync"
	"time"
)

const (
	KeyLastSyncTick = "last_sync_tick"
	KeyFirstRun     = "first_run"
)

// ErrTickRegression is returned by Commit when the tick is older than the
// stored one. The stored checkpoint is left unchanged.
var ErrTickRegression = errors.New("checkpoint tick moves backwards")

// ErrCorrupt is returned by Load when a stored value cannot be read back.
var ErrCorrupt = errors.New("checkpoint corrupted")

// Backend is durable key/value storage. Set must not return before the value
// is durable.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// CycleCheckpoint is the process-wide checkpoint, read by every worker of a
// cycle as of cycle start.
type CycleCheckpoint struct {
	LastSyncTick time.Time `json:"last_sync_tick"`
	FirstRun     bool      `json:"first_run"`
}

type Option func(*Store)

// WithClock overrides time.Now, used when no checkpoint exists yet.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// Store owns the CycleCheckpoint and its persistence. Commit and
// ClearFirstRun are its only mutators.
type Store struct {
	backend Backend
	clock   func() time.Time

	mu stdsync.RWMutex
	cp CycleCheckpoint
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the stored checkpoint. A missing or unparsable tick degrades to
// a first run starting now, which is persisted as the new baseline. An
// unparsable first run flag next to a valid tick is reported as ErrCorrupt.
func (s *Store) Load(ctx context.Context) (CycleCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.backend.Get(ctx, KeyLastSyncTick)
	if err != nil {
		return CycleCheckpoint{}, fmt.Errorf("load %s: %w", KeyLastSyncTick, err)
	}

	tick, parseErr := decodeTick(raw)
	if !ok || parseErr != nil {
		cp := CycleCheckpoint{LastSyncTick: truncate(s.clock()), FirstRun: true}
		if err := s.backend.Set(ctx, KeyLastSyncTick, encodeTick(cp.LastSyncTick)); err != nil {
			return CycleCheckpoint{}, fmt.Errorf("persist baseline tick: %w", err)
		}
		if err := s.backend.Set(ctx, KeyFirstRun, strconv.FormatBool(true)); err != nil {
			return CycleCheckpoint{}, fmt.Errorf("persist first run: %w", err)
		}
		s.cp = cp
		return cp, nil
	}

	cp := CycleCheckpoint{LastSyncTick: tick}
	rawFirst, ok, err := s.backend.Get(ctx, KeyFirstRun)
	if err != nil {
		return CycleCheckpoint{}, fmt.Errorf("load %s: %w", KeyFirstRun, err)
	}
	if ok {
		cp.FirstRun, err = strconv.ParseBool(rawFirst)
		if err != nil {
			return CycleCheckpoint{}, fmt.Errorf("%w: %s=%q", ErrCorrupt, KeyFirstRun, rawFirst)
		}
	}
	s.cp = cp
	return cp, nil
}

// Current returns the checkpoint as last loaded or committed.
func (s *Store) Current() CycleCheckpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cp
}

// Commit durably records tick as the last successful cycle.
func (s *Store) Commit(ctx context.Context, tick time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tick = truncate(tick)
	if tick.Before(s.cp.LastSyncTick) {
		return fmt.Errorf("%w: %s < %s", ErrTickRegression, encodeTick(tick), encodeTick(s.cp.LastSyncTick))
	}
	if err := s.backend.Set(ctx, KeyLastSyncTick, encodeTick(tick)); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	s.cp.LastSyncTick = tick
	return nil
}

// ClearFirstRun durably clears the first run flag. Once cleared it stays
// cleared.
func (s *Store) ClearFirstRun(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cp.FirstRun {
		return nil
	}
	if err := s.backend.Set(ctx, KeyFirstRun, strconv.FormatBool(false)); err != nil {
		return fmt.Errorf("clear first run: %w", err)
	}
	s.cp.FirstRun = false
	return nil
}

func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func encodeTick(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func decodeTick(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
