// Package config provides configuration parsing and validation for tuicd.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/tuicd/internal/transport"
	"github.com/postalsys/tuicd/internal/userid"
)

// Config is the complete server configuration (§6).
type Config struct {
	Server string                `yaml:"server"`
	Users  map[string]string     `yaml:"users"` // UUID string -> password
	Log    LogConfig             `yaml:"log"`

	AuthTimeout            time.Duration `yaml:"auth_timeout"`
	TaskNegotiationTimeout time.Duration `yaml:"task_negotiation_timeout"`
	StreamTimeout          time.Duration `yaml:"stream_timeout"`
	MaxExternalPacketSize  int           `yaml:"max_external_packet_size"`
	UDPRelayIPv6           bool          `yaml:"udp_relay_ipv6"`
	GCInterval             time.Duration `yaml:"gc_interval"`
	GCLifetime             time.Duration `yaml:"gc_lifetime"`
	ZeroRTTHandshake       bool          `yaml:"zero_rtt_handshake"`
	MaximumClientsPerUser  int           `yaml:"maximum_clients_per_user"`

	TLS       TLSConfig       `yaml:"tls"`
	QUIC      QUICConfig      `yaml:"quic"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Admin     AdminConfig     `yaml:"admin"`
}

// LogConfig controls structured-logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TLSConfig selects between a loaded certificate and a self-signed one
// (§6 "TLS inputs").
type TLSConfig struct {
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	SelfSign   bool   `yaml:"self_sign"`
	SelfSignCN string `yaml:"self_sign_common_name"`
}

// QUICConfig carries the transport knobs from §6, mirrored onto
// transport.Config at startup.
type QUICConfig struct {
	InitialMTU              uint16        `yaml:"initial_mtu"`
	MinMTU                  uint16        `yaml:"min_mtu"`
	SendWindow              uint64        `yaml:"send_window"`
	ReceiveWindow           uint64        `yaml:"receive_window"`
	MaxIdleTime             time.Duration `yaml:"max_idle_time"`
	GSO                     bool          `yaml:"gso"`
	PMTUDiscovery           bool          `yaml:"pmtu_discovery"`
	CongestionController    string        `yaml:"congestion_controller"`
	InitialCongestionWindow uint32        `yaml:"initial_congestion_window"`
	ALPN                    []string      `yaml:"alpn"`
}

// MetricsConfig controls the optional Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AdminConfig controls the optional bearer-token administration HTTP
// endpoint (§6 "Administrative endpoint").
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
}

// Default returns the configuration defaults from §6's table.
func Default() *Config {
	return &Config{
		Server: "[::]:443",
		Users:  map[string]string{},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		AuthTimeout:            3 * time.Second,
		TaskNegotiationTimeout: 3 * time.Second,
		StreamTimeout:          10 * time.Second,
		MaxExternalPacketSize:  1500,
		UDPRelayIPv6:           true,
		GCInterval:             3 * time.Second,
		GCLifetime:             15 * time.Second,
		ZeroRTTHandshake:       false,
		MaximumClientsPerUser:  0,
		TLS: TLSConfig{
			SelfSign:   false,
			SelfSignCN: "tuicd",
		},
		QUIC: QUICConfig{
			InitialMTU:    1350,
			MinMTU:        1200,
			MaxIdleTime:   30 * time.Second,
			PMTUDiscovery: true,
			ALPN:          []string{"h3"},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9100",
		},
		Admin: AdminConfig{
			Enabled: false,
			Address: "127.0.0.1:9443",
		},
	}
}

// Load reads and parses a configuration file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding environment
// variable references first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} and ${VAR:-default} references.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for internal consistency (§6).
func (c *Config) Validate() error {
	var errs []string

	if c.Server == "" {
		errs = append(errs, "server is required")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s", c.Log.Format))
	}

	for raw := range c.Users {
		if _, err := userid.Parse(raw); err != nil {
			errs = append(errs, fmt.Sprintf("users: invalid user uuid %q: %v", raw, err))
		}
	}

	if !c.TLS.SelfSign && (c.TLS.Cert == "" || c.TLS.Key == "") {
		errs = append(errs, "tls.cert and tls.key are required unless tls.self_sign is true")
	}

	if c.AuthTimeout <= 0 {
		errs = append(errs, "auth_timeout must be positive")
	}
	if c.TaskNegotiationTimeout <= 0 {
		errs = append(errs, "task_negotiation_timeout must be positive")
	}
	if c.StreamTimeout <= 0 {
		errs = append(errs, "stream_timeout must be positive")
	}
	if c.MaxExternalPacketSize < 576 {
		errs = append(errs, "max_external_packet_size must be at least 576")
	}
	if c.GCInterval <= 0 || c.GCLifetime <= 0 {
		errs = append(errs, "gc_interval and gc_lifetime must be positive")
	}
	if c.MaximumClientsPerUser < 0 {
		errs = append(errs, "maximum_clients_per_user must be >= 0")
	}

	if c.QUIC.InitialMTU < 1200 {
		errs = append(errs, "quic.initial_mtu must be >= 1200")
	}
	if c.QUIC.MinMTU < 1200 {
		errs = append(errs, "quic.min_mtu must be >= 1200")
	}
	if !isValidCongestionController(c.QUIC.CongestionController) {
		errs = append(errs, fmt.Sprintf("invalid quic.congestion_controller: %s", c.QUIC.CongestionController))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidCongestionController(name string) bool {
	switch name {
	case "", transport.CongestionCubic, transport.CongestionNewReno, transport.CongestionBBR:
		return true
	default:
		return false
	}
}

// UserTable parses Users into a userid.UUID-keyed map.
func (c *Config) UserTable() (map[userid.UUID]string, error) {
	out := make(map[userid.UUID]string, len(c.Users))
	for raw, password := range c.Users {
		id, err := userid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", raw, err)
		}
		out[id] = password
	}
	return out, nil
}

// TransportConfig builds a transport.Config from the QUIC and 0-RTT
// settings.
func (c *Config) TransportConfig() transport.Config {
	controller := c.QUIC.CongestionController
	if controller == "" {
		controller = transport.CongestionCubic
	}
	return transport.Config{
		InitialMTU:              c.QUIC.InitialMTU,
		MinMTU:                  c.QUIC.MinMTU,
		SendWindow:              c.QUIC.SendWindow,
		ReceiveWindow:           c.QUIC.ReceiveWindow,
		MaxIdleTime:             c.QUIC.MaxIdleTime,
		GSO:                     c.QUIC.GSO,
		PMTUDiscovery:           c.QUIC.PMTUDiscovery,
		CongestionController:    controller,
		InitialCongestionWindow: c.QUIC.InitialCongestionWindow,
		ZeroRTT:                 c.ZeroRTTHandshake,
		ALPN:                    c.QUIC.ALPN,
	}
}

// redactedValue is the placeholder for sensitive values in String/Redacted.
const redactedValue = "[REDACTED]"

// String returns a redacted YAML representation, safe to log.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// Redacted returns a copy of the config with passwords, the admin token,
// and the TLS key path redacted.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for u := range redacted.Users {
		redacted.Users[u] = redactedValue
	}
	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.Admin.Token != "" {
		redacted.Admin.Token = redactedValue
	}
	return redacted
}
