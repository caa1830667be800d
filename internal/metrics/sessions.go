package metrics

import (
	"sync"
	"time"
)

// SessionEventType represents the type of a report-session lifecycle event.
type SessionEventType string

const (
	SessionOpened   SessionEventType = "opened"
	SessionAuthed   SessionEventType = "authenticated"
	SessionRejected SessionEventType = "rejected"
	SessionClosed   SessionEventType = "closed"
	SessionDropped  SessionEventType = "dropped"
)

const defaultMaxEvents = 1000

// CloseReason says why a session ended.
type CloseReason string

const (
	CloseBye       CloseReason = "bye"
	CloseEOF       CloseReason = "peer_closed"
	CloseMalformed CloseReason = "malformed_frame"
	CloseTimeout   CloseReason = "timeout"
	CloseEvicted   CloseReason = "evicted"
	CloseReplaced  CloseReason = "replaced"
	CloseShutdown  CloseReason = "shutdown"
	CloseNetwork   CloseReason = "network_error"
)

// SessionEvent is a single lifecycle event.
type SessionEvent struct {
	SessionID  string           `json:"session_id"`
	AgentID    string           `json:"agent_id,omitempty"`
	EventType  SessionEventType `json:"event_type"`
	Timestamp  time.Time        `json:"timestamp"`
	Reason     CloseReason      `json:"reason,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
}

type sessionState struct {
	agentID  string
	openedAt time.Time
	reports  int64
}

// StabilitySummary aggregates session churn since the tracker started.
type StabilitySummary struct {
	TotalSessions        int64                 `json:"total_sessions"`
	ActiveSessions       int64                 `json:"active_sessions"`
	RejectedSessions     int64                 `json:"rejected_sessions"`
	DroppedSessions      int64                 `json:"dropped_sessions"`
	CleanClosures        int64                 `json:"clean_closures"`
	TotalReports         int64                 `json:"total_reports"`
	AvgSessionLifetimeMs float64               `json:"avg_session_lifetime_ms"`
	ChurnPerMinute       float64               `json:"churn_per_minute"`
	DropRate             float64               `json:"drop_rate"`
	CloseReasons         map[CloseReason]int64 `json:"close_reasons"`
	Events               []SessionEvent        `json:"events,omitempty"`
}

// SessionTracker keeps a bounded history of session lifecycle events.
type SessionTracker struct {
	mu sync.RWMutex

	events    []SessionEvent
	maxEvents int
	active    map[string]*sessionState

	totalOpened   int64
	totalRejected int64
	totalDropped  int64
	totalClean    int64
	totalReports  int64
	closedLifeMs  float64
	closedCount   int64
	reasons       map[CloseReason]int64

	startTime time.Time
	nowFunc   func() time.Time
}

// NewSessionTracker creates a tracker retaining at most maxEvents events.
func NewSessionTracker(maxEvents int) *SessionTracker {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &SessionTracker{
		events:    make([]SessionEvent, 0, maxEvents),
		maxEvents: maxEvents,
		active:    make(map[string]*sessionState),
		reasons:   make(map[CloseReason]int64),
		startTime: time.Now(),
		nowFunc:   time.Now,
	}
}

func (st *SessionTracker) appendLocked(ev SessionEvent) {
	if len(st.events) >= st.maxEvents {
		st.events = st.events[1:]
	}
	st.events = append(st.events, ev)
}

// Opened records a newly accepted connection.
func (st *SessionTracker) Opened(sessionID string) {
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.nowFunc()
	st.totalOpened++
	st.active[sessionID] = &sessionState{openedAt: now}
	st.appendLocked(SessionEvent{SessionID: sessionID, EventType: SessionOpened, Timestamp: now})
}

// Authenticated binds a session to its agent.
func (st *SessionTracker) Authenticated(sessionID, agentID string) {
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.active[sessionID]; ok {
		s.agentID = agentID
	}
	st.appendLocked(SessionEvent{SessionID: sessionID, AgentID: agentID, EventType: SessionAuthed, Timestamp: st.nowFunc()})
}

// Report counts one report received on a session.
func (st *SessionTracker) Report(sessionID string) {
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	st.totalReports++
	if s, ok := st.active[sessionID]; ok {
		s.reports++
	}
}

// Rejected records a failed authentication; the session is closed.
func (st *SessionTracker) Rejected(sessionID string) {
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.nowFunc()
	st.totalRejected++
	delete(st.active, sessionID)
	st.appendLocked(SessionEvent{SessionID: sessionID, EventType: SessionRejected, Timestamp: now})
}

// Closed records the end of a session. Clean closures (bye, shutdown) are
// counted apart from drops.
func (st *SessionTracker) Closed(sessionID string, reason CloseReason) {
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.active[sessionID]
	if !ok {
		return
	}
	delete(st.active, sessionID)

	now := st.nowFunc()
	lifetime := now.Sub(s.openedAt).Milliseconds()
	st.closedLifeMs += float64(lifetime)
	st.closedCount++
	st.reasons[reason]++

	evType := SessionDropped
	switch reason {
	case CloseBye, CloseShutdown, CloseReplaced:
		evType = SessionClosed
		st.totalClean++
	default:
		st.totalDropped++
	}
	st.appendLocked(SessionEvent{
		SessionID:  sessionID,
		AgentID:    s.agentID,
		EventType:  evType,
		Timestamp:  now,
		Reason:     reason,
		DurationMs: lifetime,
	})
}

// Summary computes the current stability summary.
func (st *SessionTracker) Summary(includeEvents bool) StabilitySummary {
	st.mu.RLock()
	defer st.mu.RUnlock()

	now := st.nowFunc()
	sum := StabilitySummary{
		TotalSessions:    st.totalOpened,
		ActiveSessions:   int64(len(st.active)),
		RejectedSessions: st.totalRejected,
		DroppedSessions:  st.totalDropped,
		CleanClosures:    st.totalClean,
		TotalReports:     st.totalReports,
		CloseReasons:     make(map[CloseReason]int64, len(st.reasons)),
	}
	for k, v := range st.reasons {
		sum.CloseReasons[k] = v
	}

	lifeMs := st.closedLifeMs
	count := st.closedCount
	for _, s := range st.active {
		lifeMs += float64(now.Sub(s.openedAt).Milliseconds())
		count++
	}
	if count > 0 {
		sum.AvgSessionLifetimeMs = lifeMs / float64(count)
	}

	minutes := now.Sub(st.startTime).Minutes()
	if minutes < 1 {
		minutes = 1
	}
	sum.ChurnPerMinute = float64(st.totalOpened) / minutes
	if st.totalOpened > 0 {
		sum.DropRate = float64(st.totalDropped) / float64(st.totalOpened)
	}

	if includeEvents {
		sum.Events = make([]SessionEvent, len(st.events))
		copy(sum.Events, st.events)
	}
	return sum
}

// RecentEvents returns the most recent n events.
func (st *SessionTracker) RecentEvents(n int) []SessionEvent {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if n <= 0 || len(st.events) == 0 {
		return nil
	}
	start := len(st.events) - n
	if start < 0 {
		start = 0
	}
	out := make([]SessionEvent, len(st.events)-start)
	copy(out, st.events[start:])
	return out
}
