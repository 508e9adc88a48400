// Package registry tracks the mailboxes the service synchronizes and when
// each one is next eligible to run.
package registry

import (
	"errors"
	"fmt"
	stdsync "sync"
	"time"
)

// ErrUnknownMailbox is returned when an address that was never registered is
// rescheduled or triggered.
var ErrUnknownMailbox = errors.New("unknown mailbox")

// backoffFactor is applied to the poll interval when the configured backoff
// does not exceed it.
const backoffFactor = 10

// MailboxState is the scheduling state of one tracked mailbox.
type MailboxState struct {
	Address        string    `json:"address"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	LastSuccess    bool      `json:"last_success"`
	LastRunAt      time.Time `json:"last_run_at,omitzero"`
}

// Policy holds the intervals used to reschedule a mailbox.
type Policy struct {
	PollInterval    time.Duration
	BackoffInterval time.Duration
	StartupGrace    time.Duration
}

// normalized enforces BackoffInterval > PollInterval.
func (p Policy) normalized() Policy {
	if p.BackoffInterval <= p.PollInterval {
		p.BackoffInterval = backoffFactor * p.PollInterval
	}
	return p
}

// Registry is the ordered set of tracked mailboxes. Only the scheduler
// reschedules entries; readers get copies.
type Registry struct {
	mu      stdsync.RWMutex
	entries []MailboxState
	index   map[string]int
	policy  Policy
	strict  bool

	// triggers holds the time of on-demand requests not yet served.
	triggers map[string]time.Time
}

// New registers addresses in declaration order, each first eligible at
// now + StartupGrace. Duplicate addresses are registered once.
func New(addresses []string, policy Policy, now time.Time) *Registry {
	r := &Registry{
		index:    make(map[string]int, len(addresses)),
		policy:   policy.normalized(),
		triggers: make(map[string]time.Time),
	}
	first := now.Add(r.policy.StartupGrace)
	for _, addr := range addresses {
		if _, ok := r.index[addr]; ok {
			continue
		}
		r.index[addr] = len(r.entries)
		r.entries = append(r.entries, MailboxState{Address: addr, NextEligibleAt: first})
	}
	return r
}

// SetStrict makes Reschedule report unknown addresses as errors instead of
// ignoring them.
func (r *Registry) SetStrict(strict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strict = strict
}

func (r *Registry) Policy() Policy {
	return r.policy
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// DueMailboxes returns every address whose next eligible time is not after
// now, in declaration order.
func (r *Registry) DueMailboxes(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []string
	for _, e := range r.entries {
		if !e.NextEligibleAt.After(now) {
			due = append(due, e.Address)
		}
	}
	return due
}

// Reschedule sets the next eligible time of address from the outcome of its
// last sync: now + PollInterval on success, now + BackoffInterval on failure.
// now is the start of the cycle that ran the sync. A MarkDue request made
// after now was not served by that sync, so the mailbox stays eligible from
// the time of the request. An unknown address never creates an entry; it
// yields ErrUnknownMailbox in strict mode and is ignored otherwise.
func (r *Registry) Reschedule(address string, success bool, now time.Time) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[address]
	if !ok {
		if r.strict {
			return time.Time{}, fmt.Errorf("reschedule %s: %w", address, ErrUnknownMailbox)
		}
		return time.Time{}, nil
	}

	next := now.Add(r.policy.PollInterval)
	if !success {
		next = now.Add(r.policy.BackoffInterval)
	}
	if at, ok := r.triggers[address]; ok {
		delete(r.triggers, address)
		if at.After(now) {
			next = at
		}
	}
	r.entries[i].NextEligibleAt = next
	r.entries[i].LastSuccess = success
	r.entries[i].LastRunAt = now
	return next, nil
}

// MarkDue makes address eligible at now, so the next tick picks it up. A
// request that arrives while the mailbox is syncing is kept until that sync
// is rescheduled.
func (r *Registry) MarkDue(address string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[address]
	if !ok {
		return fmt.Errorf("mark due %s: %w", address, ErrUnknownMailbox)
	}
	if r.entries[i].NextEligibleAt.After(now) {
		r.entries[i].NextEligibleAt = now
	}
	r.triggers[address] = now
	return nil
}

// Get returns a copy of the state of address.
func (r *Registry) Get(address string) (MailboxState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[address]
	if !ok {
		return MailboxState{}, false
	}
	return r.entries[i], true
}

// Snapshot returns a copy of all entries in declaration order.
func (r *Registry) Snapshot() []MailboxState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MailboxState, len(r.entries))
	copy(out, r.entries)
	return out
}
