package events

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EventLogger provides structured logging for key LANWatch events.
type EventLogger struct {
	logger    *slog.Logger
	component string
}

// Options controls the handler behind an EventLogger.
type Options struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string
	// Format is json or text. Default: json.
	Format string
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process-wide slog.Logger.
func NewLogger(w io.Writer, opts Options) *slog.Logger {
	hOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	if strings.EqualFold(opts.Format, "text") {
		return slog.New(slog.NewTextHandler(w, hOpts))
	}
	return slog.New(slog.NewJSONHandler(w, hOpts))
}

// FromLogger wraps an existing slog.Logger.
func FromLogger(component string, logger *slog.Logger) *EventLogger {
	return &EventLogger{
		logger:    logger.With("component", component),
		component: component,
	}
}

// With returns a logger that adds args to every event, e.g. trace ids.
func (el *EventLogger) With(args ...any) *EventLogger {
	if len(args) == 0 {
		return el
	}
	return &EventLogger{logger: el.logger.With(args...), component: el.component}
}

// Logger exposes the underlying slog.Logger for ad-hoc lines.
func (el *EventLogger) Logger() *slog.Logger {
	return el.logger
}

// LogStateTransition logs an agent state machine transition.
// event: "state_transition"
// Attributes: from, to, reason
func (el *EventLogger) LogStateTransition(from, to, reason string) {
	el.logger.Info("state_transition",
		"from", from,
		"to", to,
		"reason", reason,
	)
}

// LogDiscovery logs a discovery exchange.
// event: "discovery"
// Attributes: peer, nonce, tcp_port
func (el *EventLogger) LogDiscovery(peer, nonce string, tcpPort int) {
	el.logger.Debug("discovery",
		"peer", peer,
		"nonce", nonce,
		"tcp_port", tcpPort,
	)
}

// LogReconnect logs a connection retry.
// event: "reconnect"
// Attributes: phase, attempt, reason, backoff_ms
func (el *EventLogger) LogReconnect(phase string, attempt int, reason string, backoff time.Duration) {
	el.logger.Info("reconnect",
		"phase", phase,
		"attempt", attempt,
		"reason", reason,
		"backoff_ms", backoff.Milliseconds(),
	)
}

// LogSessionOpened logs an authenticated agent session.
// event: "session_opened"
// Attributes: agent_id, name, remote_addr, tls
func (el *EventLogger) LogSessionOpened(agentID, name, remoteAddr string, tls bool) {
	el.logger.Info("session_opened",
		"agent_id", agentID,
		"name", name,
		"remote_addr", remoteAddr,
		"tls", tls,
	)
}

// LogSessionClosed logs the end of an agent session.
// event: "session_closed"
// Attributes: agent_id, reason, lifetime_ms
func (el *EventLogger) LogSessionClosed(agentID, reason string, lifetime time.Duration) {
	el.logger.Info("session_closed",
		"agent_id", agentID,
		"reason", reason,
		"lifetime_ms", lifetime.Milliseconds(),
	)
}

// LogAuthRejected logs a refused session.
// event: "auth_rejected"
// Attributes: remote_addr, agent_id, reason
func (el *EventLogger) LogAuthRejected(remoteAddr, agentID, reason string) {
	el.logger.Warn("auth_rejected",
		"remote_addr", remoteAddr,
		"agent_id", agentID,
		"reason", reason,
	)
}

// LogEvicted logs a liveness eviction.
// event: "agent_evicted"
// Attributes: agent_id, last_seen_ms_ago
func (el *EventLogger) LogEvicted(agentID string, age time.Duration) {
	el.logger.Warn("agent_evicted",
		"agent_id", agentID,
		"last_seen_ms_ago", age.Milliseconds(),
	)
}

// LogUnreachable logs exhausted discovery/connection attempts.
// event: "server_unreachable"
// Attributes: attempts, error
func (el *EventLogger) LogUnreachable(attempts int, err error) {
	el.logger.Error("server_unreachable",
		"attempts", attempts,
		"error", err,
	)
}

var (
	noopOnce   sync.Once
	noopLogger *EventLogger
)

// NoopEventLogger returns an event logger that discards all events.
// Useful for testing or when event logging is disabled.
func NoopEventLogger() *EventLogger {
	noopOnce.Do(func() {
		noopLogger = FromLogger("noop", slog.New(slog.NewJSONHandler(io.Discard, nil)))
	})
	return noopLogger
}
