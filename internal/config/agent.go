package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// AgentConfig configures a reporting agent.
type AgentConfig struct {
	AgentID string `yaml:"agent_id" toml:"agent_id"`
	Name    string `yaml:"name" toml:"name"`
	Token   string `yaml:"token" toml:"token"`

	// ServerHost is the static fallback address; empty means discovery only.
	ServerHost string `yaml:"server_host" toml:"server_host"`
	ServerPort int    `yaml:"server_port" toml:"server_port"`

	Discovery     bool   `yaml:"discovery" toml:"discovery"`
	DiscoveryPort int    `yaml:"discovery_port" toml:"discovery_port"`
	BroadcastAddr string `yaml:"broadcast_addr" toml:"broadcast_addr"`

	TLS AgentTLSConfig `yaml:"tls" toml:"tls"`

	ReportInterval          time.Duration `yaml:"report_interval" toml:"report_interval"`
	// HeartbeatInterval below zero disables heartbeats.
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	DialTimeout             time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	AuthTimeout             time.Duration `yaml:"auth_timeout" toml:"auth_timeout"`
	DiscoveryAttempts       int           `yaml:"discovery_attempts" toml:"discovery_attempts"`
	DiscoveryAttemptTimeout time.Duration `yaml:"discovery_attempt_timeout" toml:"discovery_attempt_timeout"`
	DiscoveryTimeout        time.Duration `yaml:"discovery_timeout" toml:"discovery_timeout"`
	ConnectAttempts         int           `yaml:"connect_attempts" toml:"connect_attempts"`
	BackoffInitial          time.Duration `yaml:"backoff_initial" toml:"backoff_initial"`
	BackoffMax              time.Duration `yaml:"backoff_max" toml:"backoff_max"`
	IdleCooldown            time.Duration `yaml:"idle_cooldown" toml:"idle_cooldown"`
	// MaxCycles bounds consecutive unreachable cycles; 0 retries forever.
	MaxCycles int `yaml:"max_cycles" toml:"max_cycles"`

	DiskPath string `yaml:"disk_path" toml:"disk_path"`

	Log       LogConfig       `yaml:"log" toml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// AgentTLSConfig configures TLS on the report channel.
type AgentTLSConfig struct {
	Enabled            bool   `yaml:"enabled" toml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file" toml:"ca_file"`
	ServerName         string `yaml:"server_name" toml:"server_name"`
}

// DefaultAgentConfig returns a config with every default applied and
// discovery on.
func DefaultAgentConfig() AgentConfig {
	c := AgentConfig{Discovery: true}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields.
func (c *AgentConfig) ApplyDefaults() {
	if c.Name == "" {
		if h, err := hostname(); err == nil {
			c.Name = h
		} else {
			c.Name = "agent"
		}
	}
	if c.ServerPort == 0 {
		c.ServerPort = DefaultTCPPort
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = DefaultBroadcastAddr
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.DiscoveryAttempts == 0 {
		c.DiscoveryAttempts = DefaultDiscoveryAttempts
	}
	if c.DiscoveryAttemptTimeout == 0 {
		c.DiscoveryAttemptTimeout = DefaultDiscoveryAttemptTimeout
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.IdleCooldown == 0 {
		c.IdleCooldown = DefaultIdleCooldown
	}
	if c.DiskPath == "" {
		c.DiskPath = DefaultDiskPath
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
func (c *AgentConfig) Validate() error {
	if c.Token == "" {
		return errNoToken
	}
	if !c.Discovery && c.ServerHost == "" {
		return fmt.Errorf("server_host is required when discovery is off")
	}
	if err := validPort("server_port", c.ServerPort); err != nil {
		return err
	}
	if c.Discovery {
		if err := validPort("discovery_port", c.DiscoveryPort); err != nil {
			return err
		}
		if c.DiscoveryAttempts < 1 {
			return fmt.Errorf("discovery_attempts must be at least 1")
		}
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be at least 1")
	}
	if c.MaxCycles < 0 {
		return fmt.Errorf("max_cycles must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"report_interval":           c.ReportInterval,
		"dial_timeout":              c.DialTimeout,
		"auth_timeout":              c.AuthTimeout,
		"discovery_attempt_timeout": c.DiscoveryAttemptTimeout,
		"discovery_timeout":         c.DiscoveryTimeout,
		"backoff_initial":           c.BackoffInitial,
		"backoff_max":               c.BackoffMax,
	} {
		if err := positive(name, d); err != nil {
			return err
		}
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff_max %s is below backoff_initial %s", c.BackoffMax, c.BackoffInitial)
	}
	if c.IdleCooldown < 0 {
		return fmt.Errorf("idle_cooldown must not be negative")
	}
	if err := c.Log.validate(); err != nil {
		return err
	}
	return c.Telemetry.validate()
}

// TLSConfig builds the client TLS config. It returns nil, nil when TLS is off.
func (c *AgentConfig) TLSConfig() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s: no certificates found", c.TLS.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
