// Package config holds the pipeline configuration: database location,
// detection parameters, broker endpoint, and API listen address. Broker
// credentials never live in the config file; they come from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Environment variables consulted for the broker endpoint and credentials.
const (
	EnvBrokerHost = "MQTT_BROKER_HOST"
	EnvUsername   = "MQTT_USERNAME"
	EnvPassword   = "MQTT_PASSWORD"
)

// Config is the root pipeline configuration. All fields are optional;
// the Get* methods supply defaults for anything the JSON omits, so partial
// configs are safe.
type Config struct {
	DBPath          *string `json:"db_path,omitempty"`
	ToleranceMeters *float64 `json:"tolerance_meters,omitempty"`
	ReconcileMode   *string `json:"reconcile_mode,omitempty"` // "append" or "rebuild"
	UTMZone         *int    `json:"utm_zone,omitempty"`

	// Area of interest as [min_lon, min_lat, max_lon, max_lat].
	Area *[4]float64 `json:"area,omitempty"`

	BrokerHost     *string `json:"broker_host,omitempty"`
	BrokerPort     *int    `json:"broker_port,omitempty"`
	BaseTopic      *string `json:"base_topic,omitempty"`
	PublishTimeout *string `json:"publish_timeout,omitempty"` // duration string like "5s"

	Listen *string `json:"listen,omitempty"`
}

// Load reads and validates a Config from a JSON file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configured values are usable.
func (c *Config) Validate() error {
	if c.ToleranceMeters != nil && *c.ToleranceMeters <= 0 {
		return fmt.Errorf("tolerance_meters must be positive, got %f", *c.ToleranceMeters)
	}
	if c.ReconcileMode != nil {
		if m := *c.ReconcileMode; m != "append" && m != "rebuild" {
			return fmt.Errorf("reconcile_mode must be \"append\" or \"rebuild\", got %q", m)
		}
	}
	if c.UTMZone != nil {
		if z := *c.UTMZone; z < 1 || z > 60 {
			return fmt.Errorf("utm_zone must be between 1 and 60, got %d", z)
		}
	}
	if c.Area != nil {
		a := *c.Area
		if a[0] >= a[2] || a[1] >= a[3] {
			return fmt.Errorf("area must be [min_lon, min_lat, max_lon, max_lat] with positive extent, got %v", a)
		}
	}
	if c.BrokerPort != nil {
		if p := *c.BrokerPort; p < 1 || p > 65535 {
			return fmt.Errorf("broker_port must be between 1 and 65535, got %d", p)
		}
	}
	if c.PublishTimeout != nil && *c.PublishTimeout != "" {
		if _, err := time.ParseDuration(*c.PublishTimeout); err != nil {
			return fmt.Errorf("invalid publish_timeout '%s': %w", *c.PublishTimeout, err)
		}
	}
	return nil
}

// GetDBPath returns the database path or the default.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "vts_collisions.db"
	}
	return *c.DBPath
}

// GetToleranceMeters returns the detection tolerance or the default.
func (c *Config) GetToleranceMeters() float64 {
	if c.ToleranceMeters == nil {
		return 300
	}
	return *c.ToleranceMeters
}

// GetReconcileMode returns the ledger reconcile mode or the default.
func (c *Config) GetReconcileMode() string {
	if c.ReconcileMode == nil || *c.ReconcileMode == "" {
		return "append"
	}
	return *c.ReconcileMode
}

// GetUTMZone returns the projection zone or the default.
func (c *Config) GetUTMZone() int {
	if c.UTMZone == nil {
		return 33
	}
	return *c.UTMZone
}

// GetArea returns the area of interest or the default Troms extent.
func (c *Config) GetArea() [4]float64 {
	if c.Area == nil {
		return [4]float64{14.0, 68.2, 22.0, 70.5}
	}
	return *c.Area
}

// GetBrokerHost returns the broker host. The environment variable takes
// precedence over the config file so deployments can point a shared config
// at different brokers.
func (c *Config) GetBrokerHost() string {
	if host := os.Getenv(EnvBrokerHost); host != "" {
		return host
	}
	if c.BrokerHost == nil {
		return ""
	}
	return *c.BrokerHost
}

// GetBrokerPort returns the broker port or the default.
func (c *Config) GetBrokerPort() int {
	if c.BrokerPort == nil {
		return 1883
	}
	return *c.BrokerPort
}

// GetBaseTopic returns the topic prefix or the default.
func (c *Config) GetBaseTopic() string {
	if c.BaseTopic == nil || *c.BaseTopic == "" {
		return "vts/collisions"
	}
	return *c.BaseTopic
}

// GetPublishTimeout parses and returns the per-message confirmation wait.
func (c *Config) GetPublishTimeout() time.Duration {
	if c.PublishTimeout == nil || *c.PublishTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(*c.PublishTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetListen returns the query API listen address or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

// BrokerCredentials returns the broker username and password from the
// environment. Credentials are never read from the config file.
func (c *Config) BrokerCredentials() (username, password string) {
	return os.Getenv(EnvUsername), os.Getenv(EnvPassword)
}
