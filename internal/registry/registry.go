// Package registry holds the server's view of connected agents: one entry per
// agent with its latest metric report and liveness timestamps.
//
// The registry is the only shared mutable state on the server. Every mutation
// takes the write lock, so updates to one agent are serialized and snapshots
// taken under the read lock never observe a partially written entry.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bc-dunia/lanwatch/internal/protocol"
)

const defaultStaleAfter = 30 * time.Second

// ErrNotRegistered is returned when a lease no longer owns its entry, either
// because the entry was evicted or a newer session replaced it.
var ErrNotRegistered = errors.New("agent not registered")

// Identity is fixed for the lifetime of an agent process.
type Identity struct {
	ID        string `json:"agent_id"`
	Name      string `json:"name"`
	HostAddr  string `json:"host_addr"`
	TokenHash string `json:"-"`
}

// RemoveReason says why an entry left the registry.
type RemoveReason string

const (
	ReasonDisconnected RemoveReason = "disconnected"
	ReasonStale        RemoveReason = "stale"
	ReasonReplaced     RemoveReason = "replaced"
	ReasonShutdown     RemoveReason = "shutdown"
)

// Entry is a copy of one registry row.
type Entry struct {
	Identity    Identity              `json:"identity"`
	SysInfo     protocol.SysInfo      `json:"sysinfo"`
	Report      protocol.MetricReport `json:"report"`
	HasReport   bool                  `json:"has_report"`
	RemoteAddr  string                `json:"remote_addr"`
	TLS         bool                  `json:"tls"`
	ConnectedAt time.Time             `json:"connected_at"`
	LastSeen    time.Time             `json:"last_seen"`
	Generation  uint64                `json:"-"`
}

// Lease ties a session to the entry it registered.
type Lease struct {
	AgentID    string
	Generation uint64
}

// Closer is invoked, outside the registry lock, when an entry is evicted or
// replaced by something other than its own session.
type Closer func(reason RemoveReason)

type slot struct {
	entry  Entry
	closer Closer
}

// Registry maps agent IDs to their latest state.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*slot
	nextGen    uint64
	subs       map[uint64]*Subscription
	nextSub    uint64
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStaleAfter sets the liveness threshold used by Sweep.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[string]*slot),
		subs:       make(map[uint64]*Subscription),
		staleAfter: defaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StaleAfter returns the configured liveness threshold.
func (r *Registry) StaleAfter() time.Duration {
	return r.staleAfter
}

// Register adds an entry for an authenticated session. If the agent already
// has a live entry, that entry is replaced and its closer is called with
// ReasonReplaced.
func (r *Registry) Register(id Identity, info protocol.SysInfo, remoteAddr string, tls bool, closer Closer) Lease {
	r.mu.Lock()
	now := r.now()
	var replaced *slot
	if old, ok := r.entries[id.ID]; ok {
		replaced = old
		r.publishLocked(Event{Kind: EventRemoved, AgentID: id.ID, Entry: old.entry, Reason: ReasonReplaced, At: now})
	}

	r.nextGen++
	s := &slot{
		entry: Entry{
			Identity:    id,
			SysInfo:     info,
			RemoteAddr:  remoteAddr,
			TLS:         tls,
			ConnectedAt: now,
			LastSeen:    now,
			Generation:  r.nextGen,
		},
		closer: closer,
	}
	r.entries[id.ID] = s
	r.publishLocked(Event{Kind: EventAdded, AgentID: id.ID, Entry: s.entry, At: now})
	lease := Lease{AgentID: id.ID, Generation: s.entry.Generation}
	r.mu.Unlock()

	if replaced != nil && replaced.closer != nil {
		replaced.closer(ReasonReplaced)
	}
	return lease
}

// Update stores rep as the entry's latest report. Reports are last-write-wins;
// the whole report is replaced, never merged. Applying a report identical to
// the stored one only refreshes LastSeen and reports changed=false.
func (r *Registry) Update(l Lease, rep protocol.MetricReport) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.ownedLocked(l)
	if err != nil {
		return false, err
	}
	now := r.now()
	s.entry.LastSeen = now
	if s.entry.HasReport && s.entry.Report == rep {
		return false, nil
	}
	s.entry.Report = rep
	s.entry.HasReport = true
	r.publishLocked(Event{Kind: EventUpdated, AgentID: l.AgentID, Entry: s.entry, At: now})
	return true, nil
}

// Touch refreshes LastSeen without changing the report.
func (r *Registry) Touch(l Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.ownedLocked(l)
	if err != nil {
		return err
	}
	s.entry.LastSeen = r.now()
	return nil
}

// Remove deletes the entry owned by l. It is a no-op when the lease has been
// superseded, so a replaced session's teardown cannot remove its successor.
func (r *Registry) Remove(l Lease, reason RemoveReason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.ownedLocked(l)
	if err != nil {
		return false
	}
	delete(r.entries, l.AgentID)
	r.publishLocked(Event{Kind: EventRemoved, AgentID: l.AgentID, Entry: s.entry, Reason: reason, At: r.now()})
	return true
}

// Sweep evicts every entry whose LastSeen is older than the stale threshold
// and returns the evicted entries. Closers run after the lock is released.
func (r *Registry) Sweep() []Entry {
	r.mu.Lock()
	now := r.now()
	cutoff := now.Add(-r.staleAfter)
	var evicted []*slot
	for id, s := range r.entries {
		if s.entry.LastSeen.Before(cutoff) {
			delete(r.entries, id)
			evicted = append(evicted, s)
			r.publishLocked(Event{Kind: EventRemoved, AgentID: id, Entry: s.entry, Reason: ReasonStale, At: now})
		}
	}
	r.mu.Unlock()

	out := make([]Entry, 0, len(evicted))
	for _, s := range evicted {
		if s.closer != nil {
			s.closer(ReasonStale)
		}
		out = append(out, s.entry)
	}
	return out
}

// RunSweeper calls Sweep every interval until ctx is done. onEvict, if not
// nil, is called for each evicted entry.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration, onEvict func(Entry)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, e := range r.Sweep() {
				if onEvict != nil {
					onEvict(e)
				}
			}
		}
	}
}

// RemoveAll empties the registry, calling every closer with reason.
func (r *Registry) RemoveAll(reason RemoveReason) int {
	r.mu.Lock()
	now := r.now()
	removed := make([]*slot, 0, len(r.entries))
	for id, s := range r.entries {
		delete(r.entries, id)
		removed = append(removed, s)
		r.publishLocked(Event{Kind: EventRemoved, AgentID: id, Entry: s.entry, Reason: reason, At: now})
	}
	r.mu.Unlock()

	for _, s := range removed {
		if s.closer != nil {
			s.closer(reason)
		}
	}
	return len(removed)
}

// Get returns a copy of one entry.
func (r *Registry) Get(agentID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.entries[agentID]
	if !ok {
		return Entry{}, false
	}
	return s.entry, true
}

// Snapshot returns a copy of every entry, most recently seen first.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s.entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Identity.ID < out[j].Identity.ID
	})
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

func (r *Registry) ownedLocked(l Lease) (*slot, error) {
	s, ok := r.entries[l.AgentID]
	if !ok || s.entry.Generation != l.Generation {
		return nil, ErrNotRegistered
	}
	return s, nil
}
