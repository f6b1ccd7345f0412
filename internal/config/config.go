// Package config handles configuration loading for fog.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fogmesh/fog/pkg/bytesize"
)

// Default ports and intervals.
const (
	DefaultListen        = ":6680"
	DefaultPeerPort      = 6681
	DefaultDiscoveryPort = 6682
	DefaultStateDir      = "/var/lib/fog"
)

// StateConfig selects where the coordinator persists its registry.
type StateConfig struct {
	Backend      string `yaml:"backend"`       // "file" (default) or "postgres"
	Dir          string `yaml:"dir"`           // file backend directory
	DatabaseURL  string `yaml:"database_url"`  // postgres backend DSN
	SaveInterval string `yaml:"save_interval"` // Duration string, e.g. "1m"
}

// InventoryDir maps a physical directory into the global inventory.
type InventoryDir struct {
	Virtual string `yaml:"virtual"`
	Path    string `yaml:"path"`
}

// RelayConfig bounds the coordinator's outbound ticket pushes.
type RelayConfig struct {
	Timeout        string `yaml:"timeout"`         // per push, e.g. "10s"
	Deadline       string `yaml:"deadline"`        // whole repair scan; keep below the peers' request_timeout
	MaxRetries     int    `yaml:"max_retries"`     // attempts per candidate
	InitialBackoff string `yaml:"initial_backoff"` // e.g. "500ms"
	MaxBackoff     string `yaml:"max_backoff"`     // e.g. "5s"
}

// RetryConfig configures peer-side retries of repair downloads.
type RetryConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// AdminConfig controls the coordinator admin API.
type AdminConfig struct {
	Token string `yaml:"token"` // Bearer token for /admin (default: access_token)
}

// DiscoveryConfig controls LAN discovery of the coordinator.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"` // UDP multicast port
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig is the coordinator configuration.
type ServerConfig struct {
	Listen            string          `yaml:"listen"`
	AccessToken       string          `yaml:"access_token"`
	AllowRegistration *bool           `yaml:"allow_registration"` // default true
	PeerPort          int             `yaml:"peer_port"`          // used when a check-in carries no port
	Digest            string          `yaml:"digest"`
	State             StateConfig     `yaml:"state"`
	Inventory         []InventoryDir  `yaml:"inventory"`
	Relay             RelayConfig     `yaml:"relay"`
	Admin             AdminConfig     `yaml:"admin"`
	Discovery         DiscoveryConfig `yaml:"discovery"`
	Metrics           MetricsConfig   `yaml:"metrics"`
}

// StoreConfig declares a store a peer hosts.
type StoreConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// PeerConfig is the peer configuration.
type PeerConfig struct {
	Name             string          `yaml:"name"`
	Server           string          `yaml:"server"`
	AccessToken      string          `yaml:"access_token"`
	Listen           string          `yaml:"listen"`
	AdvertisePort    int             `yaml:"advertise_port"` // port reported on check-in (default: listen port)
	StateDir         string          `yaml:"state_dir"`
	Digest           string          `yaml:"digest"`
	Stores           []StoreConfig   `yaml:"stores"`
	CheckinInterval  string          `yaml:"checkin_interval"`
	ValidateInterval string          `yaml:"validate_interval"`
	TicketTTL        string          `yaml:"ticket_ttl"`
	RequestTimeout   string          `yaml:"request_timeout"`
	FetchDelay       string          `yaml:"fetch_delay"`
	MaxFileSize      bytesize.Size   `yaml:"max_file_size"`
	Compression      *bool           `yaml:"compression"` // default true
	Retry            RetryConfig     `yaml:"retry"`
	Discovery        DiscoveryConfig `yaml:"discovery"`
	Metrics          MetricsConfig   `yaml:"metrics"`
}

// LoadServerConfig loads coordinator configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *ServerConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.AllowRegistration == nil {
		allow := true
		c.AllowRegistration = &allow
	}
	if c.PeerPort == 0 {
		c.PeerPort = DefaultPeerPort
	}
	if c.Digest == "" {
		c.Digest = "md5"
	}
	if c.State.Backend == "" {
		c.State.Backend = "file"
	}
	if c.State.Dir == "" {
		c.State.Dir = DefaultStateDir
	}
	c.State.Dir = expandHome(c.State.Dir)
	if c.State.SaveInterval == "" {
		c.State.SaveInterval = "1m"
	}
	for i := range c.Inventory {
		c.Inventory[i].Path = expandHome(c.Inventory[i].Path)
	}
	if c.Relay.Timeout == "" {
		c.Relay.Timeout = "10s"
	}
	if c.Relay.Deadline == "" {
		c.Relay.Deadline = (2 * c.RelayTimeout()).String()
	}
	if c.Relay.MaxRetries == 0 {
		c.Relay.MaxRetries = 3
	}
	if c.Relay.InitialBackoff == "" {
		c.Relay.InitialBackoff = "500ms"
	}
	if c.Relay.MaxBackoff == "" {
		c.Relay.MaxBackoff = "5s"
	}
	if c.Admin.Token == "" {
		c.Admin.Token = c.AccessToken
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = DefaultDiscoveryPort
	}
}

// RegistrationAllowed reports whether new peers may register.
func (c *ServerConfig) RegistrationAllowed() bool {
	return c.AllowRegistration == nil || *c.AllowRegistration
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}
	if c.PeerPort <= 0 || c.PeerPort > 65535 {
		return fmt.Errorf("peer_port must be between 1 and 65535")
	}
	switch c.State.Backend {
	case "file":
	case "postgres":
		if c.State.DatabaseURL == "" {
			return fmt.Errorf("state.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown state.backend %q", c.State.Backend)
	}
	for i, inv := range c.Inventory {
		if inv.Path == "" {
			return fmt.Errorf("inventory[%d].path is required", i)
		}
	}
	for name, d := range map[string]string{
		"state.save_interval":   c.State.SaveInterval,
		"relay.timeout":         c.Relay.Timeout,
		"relay.deadline":        c.Relay.Deadline,
		"relay.initial_backoff": c.Relay.InitialBackoff,
		"relay.max_backoff":     c.Relay.MaxBackoff,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.RelayDeadline() < c.RelayTimeout() {
		return fmt.Errorf("relay.deadline (%s) is shorter than relay.timeout (%s)", c.Relay.Deadline, c.Relay.Timeout)
	}
	return nil
}

// SaveInterval returns the state save interval.
func (c *ServerConfig) SaveInterval() time.Duration {
	return durationOr(c.State.SaveInterval, time.Minute)
}

// RelayTimeout returns the timeout of a single relay push.
func (c *ServerConfig) RelayTimeout() time.Duration {
	return durationOr(c.Relay.Timeout, 10*time.Second)
}

// RelayDeadline returns the bound on trying every candidate for one repair.
func (c *ServerConfig) RelayDeadline() time.Duration {
	return durationOr(c.Relay.Deadline, 2*c.RelayTimeout())
}

// RelayBackoff returns the initial and maximum relay retry backoff.
func (c *ServerConfig) RelayBackoff() (time.Duration, time.Duration) {
	return durationOr(c.Relay.InitialBackoff, 500*time.Millisecond), durationOr(c.Relay.MaxBackoff, 5*time.Second)
}

// LoadPeerConfig loads peer configuration from a YAML file.
func LoadPeerConfig(path string) (*PeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &PeerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *PeerConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = fmt.Sprintf(":%d", DefaultPeerPort)
	}
	if c.StateDir == "" {
		c.StateDir = "~/.fog"
	}
	c.StateDir = expandHome(c.StateDir)
	if c.Digest == "" {
		c.Digest = "md5"
	}
	for i := range c.Stores {
		c.Stores[i].Path = expandHome(c.Stores[i].Path)
	}
	if c.CheckinInterval == "" {
		c.CheckinInterval = "30s"
	}
	if c.ValidateInterval == "" {
		c.ValidateInterval = "5m"
	}
	if c.TicketTTL == "" {
		c.TicketTTL = "2m"
	}
	if c.RequestTimeout == "" {
		c.RequestTimeout = "30s"
	}
	if c.FetchDelay == "" {
		c.FetchDelay = "1s"
	}
	if c.Compression == nil {
		on := true
		c.Compression = &on
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialBackoff == "" {
		c.Retry.InitialBackoff = "1s"
	}
	if c.Retry.MaxBackoff == "" {
		c.Retry.MaxBackoff = "30s"
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = DefaultDiscoveryPort
	}
}

// Validate checks if the peer configuration is valid.
func (c *PeerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Server == "" && !c.Discovery.Enabled {
		return fmt.Errorf("server is required unless discovery is enabled")
	}
	if c.Server != "" {
		if _, err := url.Parse(c.Server); err != nil {
			return fmt.Errorf("invalid server: %w", err)
		}
	}
	if c.AdvertisePort < 0 || c.AdvertisePort > 65535 {
		return fmt.Errorf("advertise_port must be between 0 and 65535")
	}
	seen := make(map[string]bool, len(c.Stores))
	for i, s := range c.Stores {
		if s.Name == "" || s.Path == "" {
			return fmt.Errorf("stores[%d] needs a name and a path", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate store name %q", s.Name)
		}
		seen[s.Name] = true
	}
	for name, d := range map[string]string{
		"checkin_interval":      c.CheckinInterval,
		"validate_interval":     c.ValidateInterval,
		"ticket_ttl":            c.TicketTTL,
		"request_timeout":       c.RequestTimeout,
		"fetch_delay":           c.FetchDelay,
		"retry.initial_backoff": c.Retry.InitialBackoff,
		"retry.max_backoff":     c.Retry.MaxBackoff,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// CheckinEvery returns the check-in interval.
func (c *PeerConfig) CheckinEvery() time.Duration {
	return durationOr(c.CheckinInterval, 30*time.Second)
}

// ValidateEvery returns the validation interval.
func (c *PeerConfig) ValidateEvery() time.Duration {
	return durationOr(c.ValidateInterval, 5*time.Minute)
}

// TicketLifetime returns how long a staged ticket stays collectable.
func (c *PeerConfig) TicketLifetime() time.Duration {
	return durationOr(c.TicketTTL, 2*time.Minute)
}

// Timeout returns the outbound request timeout.
func (c *PeerConfig) Timeout() time.Duration {
	return durationOr(c.RequestTimeout, 30*time.Second)
}

// Delay returns the pause between a repair request and the download.
func (c *PeerConfig) Delay() time.Duration {
	return durationOr(c.FetchDelay, time.Second)
}

// RetryBackoff returns the initial and maximum retry backoff.
func (c *PeerConfig) RetryBackoff() (time.Duration, time.Duration) {
	return durationOr(c.Retry.InitialBackoff, time.Second), durationOr(c.Retry.MaxBackoff, 30*time.Second)
}

// CompressionEnabled reports whether file transfers request zstd encoding.
func (c *PeerConfig) CompressionEnabled() bool {
	return c.Compression == nil || *c.Compression
}

// ApplyEnv overrides server and access token from FOG_SERVER and FOG_TOKEN.
func (c *PeerConfig) ApplyEnv() {
	if v := os.Getenv("FOG_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("FOG_TOKEN"); v != "" {
		c.AccessToken = v
	}
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
