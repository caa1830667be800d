package config

import "time"

// Default network endpoints.
const (
	DefaultDiscoveryPort = 9999
	DefaultTCPPort       = 9009
	DefaultWebPort       = 8000
	DefaultBroadcastAddr = "255.255.255.255"
	EnvToken             = "LANWATCH_TOKEN"
)

// Server timing defaults.
const (
	DefaultSweepInterval      = 5 * time.Second
	DefaultStaleAfter         = 15 * time.Second
	DefaultAuthTimeout        = 5 * time.Second
	DefaultReportIntervalHint = 2 * time.Second
	DefaultSnapshotInterval   = 1 * time.Second
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultRateLimitRPS       = 20.0
	DefaultRateLimitBurst     = 40
	DefaultSubscriberBuffer   = 256
	DefaultNATSSubjectPrefix  = "lanwatch.agents"
)

// Agent timing defaults.
const (
	DefaultReportInterval          = 2 * time.Second
	DefaultHeartbeatInterval       = 5 * time.Second
	DefaultDialTimeout             = 5 * time.Second
	DefaultDiscoveryAttempts       = 5
	DefaultDiscoveryAttemptTimeout = 2 * time.Second
	DefaultDiscoveryTimeout        = 30 * time.Second
	DefaultConnectAttempts         = 5
	DefaultBackoffInitial          = 500 * time.Millisecond
	DefaultBackoffMax              = 15 * time.Second
	DefaultIdleCooldown            = 15 * time.Second
	DefaultDiskPath                = "/"
)
