// Package config holds server and agent configuration: defaults, file
// loading (YAML or TOML by extension), validation and TLS setup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TelemetryConfig selects the OpenTelemetry exporter. Exporter is one of
// "none", "stdout", "otlp-grpc" or "otlp-http".
type TelemetryConfig struct {
	Exporter string `yaml:"exporter" toml:"exporter"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
}

var validExporters = map[string]bool{"": true, "none": true, "stdout": true, "otlp-grpc": true, "otlp-http": true}

func (t TelemetryConfig) validate() error {
	if !validExporters[t.Exporter] {
		return fmt.Errorf("telemetry.exporter %q is not one of none, stdout, otlp-grpc, otlp-http", t.Exporter)
	}
	return nil
}

func (l LogConfig) validate() error {
	switch strings.ToLower(l.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", l.Format)
	}
	switch strings.ToLower(l.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not a valid level", l.Level)
	}
	return nil
}

// LoadFile decodes path into v. The format is chosen by extension: .yaml and
// .yml use YAML, .toml uses TOML. Fields absent from the file keep the
// values already in v, so callers pass a struct pre-filled with defaults.
func LoadFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(raw), v); err != nil {
			return fmt.Errorf("parse toml config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}
	return nil
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d out of range 1-65535", name, port)
	}
	return nil
}

func positive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

// tokenFromEnv returns the environment token when current is empty.
func tokenFromEnv(current string) string {
	if current != "" {
		return current
	}
	return os.Getenv(EnvToken)
}

var errNoToken = errors.New("token is required")

var hostname = os.Hostname
