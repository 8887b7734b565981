package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Drone     DroneConfig     `yaml:"drone"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
	Web       WebConfig       `yaml:"web"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level           string `yaml:"level"`            // debug, info, warn, error
	TimestampFormat string `yaml:"timestamp_format"` // "time" or "unix"
	StatsInterval   int    `yaml:"stats_interval"`   // seconds between [STATS] lines (default: 30)
}

// DroneConfig describes the flight controller link
type DroneConfig struct {
	Host           string `yaml:"host"`            // flight controller / telemetry bridge address
	Port           int    `yaml:"port"`            // TCP port
	LocalIP        string `yaml:"local_ip"`        // optional local bind address
	LocalPort      int    `yaml:"local_port"`      // optional local bind port, 0 = any
	SystemID       int    `yaml:"system_id"`       // our MAVLink system id (default: 255)
	ComponentID    int    `yaml:"component_id"`    // our MAVLink component id (default: 190)
	MavlinkVersion int    `yaml:"mavlink_version"` // 1 or 2 (default: 2)
}

// TransportConfig tunes the TCP socket
type TransportConfig struct {
	DialTimeout      float64 `yaml:"dial_timeout"`       // seconds (default: 10)
	KeepalivePeriod  float64 `yaml:"keepalive_period"`   // seconds (default: 30)
	ReadBufferSize   int     `yaml:"read_buffer_size"`   // bytes (default: 32768)
	WriteBufferSize  int     `yaml:"write_buffer_size"`  // bytes (default: 32768)
	ReconnectDelayMs int     `yaml:"reconnect_delay_ms"` // pause before the single reconnect attempt
}

// SessionConfig contains link timing
type SessionConfig struct {
	HeartbeatInterval float64 `yaml:"heartbeat_interval"` // seconds (default: 1)
	PollIntervalMs    int     `yaml:"poll_interval_ms"`   // receive timeout (default: 100)
	PendingTTL        float64 `yaml:"pending_ttl"`        // seconds an unacknowledged command is tracked (default: 30)
	ConnectTimeout    float64 `yaml:"connect_timeout"`    // seconds to wait for the first heartbeat (default: 30)
	RelinkInterval    float64 `yaml:"relink_interval"`    // seconds between restarts after the link is lost (default: 5)
}

// WebConfig contains web server settings
type WebConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Port              int      `yaml:"port"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	TelemetryInterval int      `yaml:"telemetry_interval_ms"` // websocket push period (default: 500)
}

// SimulatorConfig configures cmd/drone_sim
type SimulatorConfig struct {
	Listen         string  `yaml:"listen"`          // TCP listen address (default: 0.0.0.0:8888)
	SystemID       int     `yaml:"system_id"`       // default: 1
	ClimbRate      float64 `yaml:"climb_rate"`      // m/s
	BatteryVoltage float64 `yaml:"battery_voltage"` // volts
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.StatsInterval <= 0 {
		c.Log.StatsInterval = 30
	}
	if c.Drone.Host == "" {
		c.Drone.Host = "192.168.100.1"
	}
	if c.Drone.Port == 0 {
		c.Drone.Port = 8888
	}
	if c.Drone.SystemID == 0 {
		c.Drone.SystemID = 255
	}
	if c.Drone.ComponentID == 0 {
		c.Drone.ComponentID = 190
	}
	if c.Drone.MavlinkVersion == 0 {
		c.Drone.MavlinkVersion = 2
	}
	if c.Transport.DialTimeout <= 0 {
		c.Transport.DialTimeout = 10
	}
	if c.Transport.KeepalivePeriod <= 0 {
		c.Transport.KeepalivePeriod = 30
	}
	if c.Transport.ReadBufferSize <= 0 {
		c.Transport.ReadBufferSize = 32 * 1024
	}
	if c.Transport.WriteBufferSize <= 0 {
		c.Transport.WriteBufferSize = 32 * 1024
	}
	if c.Session.HeartbeatInterval <= 0 {
		c.Session.HeartbeatInterval = 1
	}
	if c.Session.PollIntervalMs <= 0 {
		c.Session.PollIntervalMs = 100
	}
	if c.Session.PendingTTL <= 0 {
		c.Session.PendingTTL = 30
	}
	if c.Session.ConnectTimeout <= 0 {
		c.Session.ConnectTimeout = 30
	}
	if c.Session.RelinkInterval <= 0 {
		c.Session.RelinkInterval = 5
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if len(c.Web.AllowedOrigins) == 0 {
		c.Web.AllowedOrigins = []string{"*"}
	}
	if c.Web.TelemetryInterval <= 0 {
		c.Web.TelemetryInterval = 500
	}
	if c.Simulator.Listen == "" {
		c.Simulator.Listen = "0.0.0.0:8888"
	}
	if c.Simulator.SystemID == 0 {
		c.Simulator.SystemID = 1
	}
	if c.Simulator.ClimbRate <= 0 {
		c.Simulator.ClimbRate = 2
	}
	if c.Simulator.BatteryVoltage <= 0 {
		c.Simulator.BatteryVoltage = 12.6
	}
}

// Load reads configuration from a YAML file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !validPort(c.Drone.Port) {
		return fmt.Errorf("drone.port must be between 1 and 65535")
	}
	if c.Drone.LocalPort < 0 || c.Drone.LocalPort > 65535 {
		return fmt.Errorf("drone.local_port must be between 0 and 65535")
	}
	if c.Drone.LocalIP != "" && net.ParseIP(c.Drone.LocalIP) == nil {
		return fmt.Errorf("drone.local_ip %q is not an IP address", c.Drone.LocalIP)
	}
	if c.Drone.SystemID < 1 || c.Drone.SystemID > 255 {
		return fmt.Errorf("drone.system_id must be between 1 and 255")
	}
	if c.Drone.ComponentID < 0 || c.Drone.ComponentID > 255 {
		return fmt.Errorf("drone.component_id must be between 0 and 255")
	}
	if c.Drone.MavlinkVersion != 1 && c.Drone.MavlinkVersion != 2 {
		return fmt.Errorf("drone.mavlink_version must be 1 or 2")
	}
	if c.Web.Enabled && !validPort(c.Web.Port) {
		return fmt.Errorf("web.port must be between 1 and 65535")
	}
	if c.Simulator.SystemID < 1 || c.Simulator.SystemID > 255 {
		return fmt.Errorf("simulator.system_id must be between 1 and 255")
	}
	return nil
}

// GetAddress returns the flight controller address
func (c *Config) GetAddress() string {
	return net.JoinHostPort(c.Drone.Host, strconv.Itoa(c.Drone.Port))
}

// Seconds converts a fractional seconds setting to a duration
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Save writes the configuration to a YAML file
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
