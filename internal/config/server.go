package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ServerConfig configures the collecting server and its dashboard.
type ServerConfig struct {
	Name string `yaml:"name" toml:"name"`

	TCPHost string `yaml:"tcp_host" toml:"tcp_host"`
	TCPPort int    `yaml:"tcp_port" toml:"tcp_port"`

	DiscoveryEnabled bool   `yaml:"discovery_enabled" toml:"discovery_enabled"`
	UDPHost          string `yaml:"udp_host" toml:"udp_host"`
	UDPPort          int    `yaml:"udp_port" toml:"udp_port"`

	WebHost string `yaml:"web_host" toml:"web_host"`
	WebPort int    `yaml:"web_port" toml:"web_port"`

	Token   string `yaml:"token" toml:"token"`
	TLSCert string `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey  string `yaml:"tls_key" toml:"tls_key"`

	SweepInterval      time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	StaleAfter         time.Duration `yaml:"stale_after" toml:"stale_after"`
	AuthTimeout        time.Duration `yaml:"auth_timeout" toml:"auth_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	ReportIntervalHint time.Duration `yaml:"report_interval_hint" toml:"report_interval_hint"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	Dashboard DashboardConfig `yaml:"dashboard" toml:"dashboard"`
	NATS      NATSConfig      `yaml:"nats" toml:"nats"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// DashboardConfig configures the HTTP/WebSocket gateway.
type DashboardConfig struct {
	// Token guards /api and /ws when set.
	Token            string        `yaml:"token" toml:"token"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" toml:"snapshot_interval"`
	RateLimitRPS     float64       `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
	RateLimitBurst   int           `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
	SubscriberBuffer int           `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
}

// NATSConfig enables the event bridge when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// DefaultServerConfig returns a config with every default applied.
func DefaultServerConfig() ServerConfig {
	c := ServerConfig{DiscoveryEnabled: true}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields.
func (c *ServerConfig) ApplyDefaults() {
	if c.Name == "" {
		if h, err := hostname(); err == nil {
			c.Name = h
		} else {
			c.Name = "lanwatch"
		}
	}
	if c.TCPHost == "" {
		c.TCPHost = "0.0.0.0"
	}
	if c.TCPPort == 0 {
		c.TCPPort = DefaultTCPPort
	}
	if c.UDPHost == "" {
		c.UDPHost = "0.0.0.0"
	}
	if c.UDPPort == 0 {
		c.UDPPort = DefaultDiscoveryPort
	}
	if c.WebHost == "" {
		c.WebHost = "0.0.0.0"
	}
	if c.WebPort == 0 {
		c.WebPort = DefaultWebPort
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * c.StaleAfter
	}
	if c.ReportIntervalHint == 0 {
		c.ReportIntervalHint = DefaultReportIntervalHint
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Dashboard.SnapshotInterval == 0 {
		c.Dashboard.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.Dashboard.RateLimitRPS == 0 {
		c.Dashboard.RateLimitRPS = DefaultRateLimitRPS
	}
	if c.Dashboard.RateLimitBurst == 0 {
		c.Dashboard.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.Dashboard.SubscriberBuffer == 0 {
		c.Dashboard.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultNATSSubjectPrefix
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	c.Token = tokenFromEnv(c.Token)
}

// Validate reports the first invalid field.
func (c *ServerConfig) Validate() error {
	if c.Token == "" {
		return errNoToken
	}
	if err := validPort("tcp_port", c.TCPPort); err != nil {
		return err
	}
	if c.DiscoveryEnabled {
		if err := validPort("udp_port", c.UDPPort); err != nil {
			return err
		}
	}
	if err := validPort("web_port", c.WebPort); err != nil {
		return err
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	for name, d := range map[string]time.Duration{
		"sweep_interval":              c.SweepInterval,
		"stale_after":                 c.StaleAfter,
		"auth_timeout":                c.AuthTimeout,
		"read_timeout":                c.ReadTimeout,
		"report_interval_hint":        c.ReportIntervalHint,
		"dashboard.snapshot_interval": c.Dashboard.SnapshotInterval,
	} {
		if err := positive(name, d); err != nil {
			return err
		}
	}
	if c.StaleAfter < c.ReportIntervalHint {
		return fmt.Errorf("stale_after %s is shorter than report_interval_hint %s", c.StaleAfter, c.ReportIntervalHint)
	}
	if c.Dashboard.RateLimitRPS < 0 || c.Dashboard.RateLimitBurst < 0 {
		return fmt.Errorf("dashboard rate limit must not be negative")
	}
	if err := c.Log.validate(); err != nil {
		return err
	}
	return c.Telemetry.validate()
}

// TLSEnabled reports whether the report channel should use TLS.
func (c *ServerConfig) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// TLSConfig loads the server certificate. It returns nil, nil when TLS is off.
func (c *ServerConfig) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (c *ServerConfig) TCPAddr() string {
	return net.JoinHostPort(c.TCPHost, strconv.Itoa(c.TCPPort))
}

func (c *ServerConfig) UDPAddr() string {
	return net.JoinHostPort(c.UDPHost, strconv.Itoa(c.UDPPort))
}

func (c *ServerConfig) WebAddr() string {
	return net.JoinHostPort(c.WebHost, strconv.Itoa(c.WebPort))
}
