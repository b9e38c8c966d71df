// Package config loads the coordinator and agent settings from one YAML file plus
// SELFALLOC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
)

const EnvPrefix = "SELFALLOC"

// Distance provider names for render.distance.
const (
	DistanceRandom = "random"
	DistanceStatic = "static"
)

type Config struct {
	Env       string          `mapstructure:"env"`
	Server    ServerConfig    `mapstructure:"server"`
	Nodes     NodesConfig     `mapstructure:"nodes"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Render    RenderConfig    `mapstructure:"render"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

type ServerConfig struct {
	Host       string   `mapstructure:"host"`
	SocketPort int      `mapstructure:"socket_port"`
	APIPort    int      `mapstructure:"api_port"`
	UserPort   int      `mapstructure:"user_port"`
	APIKeys    []string `mapstructure:"api_keys"` //empty disables auth on the user API
}

// NodeEntry is one whitelisted node.
type NodeEntry struct {
	Name        string `mapstructure:"name"`
	IP          string `mapstructure:"ip"`
	OS          string `mapstructure:"os"`
	Enabled     bool   `mapstructure:"enabled"`
	Description string `mapstructure:"description"`
}

type NodesConfig struct {
	CloudNodes []NodeEntry        `mapstructure:"cloud_nodes"`
	Edge1Nodes []NodeEntry        `mapstructure:"edge1_nodes"`
	Edge2Nodes []NodeEntry        `mapstructure:"edge2_nodes"`
	Distances  map[string]float64 `mapstructure:"distances"` //group -> km
	GroupID    map[string]string  `mapstructure:"group_id"`  //group -> render manager group id
	Connection ConnectionConfig   `mapstructure:"connection"`
}

type ConnectionConfig struct {
	CollectionInterval time.Duration `mapstructure:"collection_interval"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
}

type HeartbeatConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxMissed int           `mapstructure:"max_missed"`
}

type SyncConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RegisterGrace time.Duration `mapstructure:"register_grace"`
}

type RenderConfig struct {
	Host               string        `mapstructure:"host"`
	RenderPort         int           `mapstructure:"render_port"`
	Timeout            time.Duration `mapstructure:"timeout"`
	CodeRate           int           `mapstructure:"code_rate"`
	FrameRate          int           `mapstructure:"frame_rate"`
	SuccessCode        int           `mapstructure:"success_code"`
	InsufficientMarker string        `mapstructure:"insufficient_marker"`
	Distance           string        `mapstructure:"distance"`
}

type TelemetryConfig struct {
	Tracing bool `mapstructure:"tracing"`
}

// AgentConfig is read by `selfalloc agent`.
type AgentConfig struct {
	Server       string        `mapstructure:"server"` //ws://host:port/socket
	IP           string        `mapstructure:"ip"`
	Port         int           `mapstructure:"port"` //local /health and /stats, 0 disables
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// Entries returns the whitelist of group g in file order.
func (n NodesConfig) Entries(g node.Group) []NodeEntry {
	switch g {
	case node.Cloud:
		return n.CloudNodes
	case node.Edge1:
		return n.Edge1Nodes
	case node.Edge2:
		return n.Edge2Nodes
	}
	return nil
}

// Load reads path (or configs/coordinator.yaml when empty) and applies env overrides and defaults.
// A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coordinator")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a configuration with every default applied and an empty whitelist.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// setDefaults registers scalar keys with viper so AutomaticEnv can override them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.socket_port", 3000)
	v.SetDefault("server.api_port", 3100)
	v.SetDefault("server.user_port", 3200)
	v.SetDefault("nodes.connection.collection_interval", "5s")
	v.SetDefault("nodes.connection.heartbeat_interval", "30s")
	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("heartbeat.timeout", "5s")
	v.SetDefault("heartbeat.max_missed", 3)
	v.SetDefault("sync.timeout", "10s")
	v.SetDefault("sync.register_grace", "2s")
	v.SetDefault("render.host", "127.0.0.1")
	v.SetDefault("render.render_port", 8080)
	v.SetDefault("render.timeout", "10s")
	v.SetDefault("render.code_rate", 8000)
	v.SetDefault("render.frame_rate", 60)
	v.SetDefault("render.success_code", 1000)
	v.SetDefault("render.insufficient_marker", "渲染资源不足")
	v.SetDefault("render.distance", DistanceRandom)
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("agent.server", "ws://127.0.0.1:3000/socket")
	v.SetDefault("agent.port", 0)
	v.SetDefault("agent.reconnect_max", "30s")
}

// applyDefaults replaces zero values left by an explicit `key: 0` or an empty section.
func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.SocketPort == 0 {
		c.Server.SocketPort = 3000
	}
	if c.Server.APIPort == 0 {
		c.Server.APIPort = 3100
	}
	if c.Server.UserPort == 0 {
		c.Server.UserPort = 3200
	}
	if c.Nodes.Connection.CollectionInterval <= 0 {
		c.Nodes.Connection.CollectionInterval = 5 * time.Second
	}
	if c.Nodes.Connection.HeartbeatInterval <= 0 {
		c.Nodes.Connection.HeartbeatInterval = 30 * time.Second
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 30 * time.Second
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = 5 * time.Second
	}
	if c.Heartbeat.MaxMissed <= 0 {
		c.Heartbeat.MaxMissed = 3
	}
	if c.Sync.Timeout <= 0 {
		c.Sync.Timeout = 10 * time.Second
	}
	if c.Sync.RegisterGrace <= 0 {
		c.Sync.RegisterGrace = 2 * time.Second
	}
	if c.Render.Host == "" {
		c.Render.Host = "127.0.0.1"
	}
	if c.Render.RenderPort == 0 {
		c.Render.RenderPort = 8080
	}
	if c.Render.Timeout <= 0 {
		c.Render.Timeout = 10 * time.Second
	}
	if c.Render.CodeRate == 0 {
		c.Render.CodeRate = 8000
	}
	if c.Render.FrameRate == 0 {
		c.Render.FrameRate = 60
	}
	if c.Render.SuccessCode == 0 {
		c.Render.SuccessCode = 1000
	}
	if c.Render.InsufficientMarker == "" {
		c.Render.InsufficientMarker = "渲染资源不足"
	}
	if c.Render.Distance == "" {
		c.Render.Distance = DistanceRandom
	}
	if c.Agent.Server == "" {
		c.Agent.Server = "ws://127.0.0.1:3000/socket"
	}
	if c.Agent.ReconnectMax <= 0 {
		c.Agent.ReconnectMax = 30 * time.Second
	}
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("unknown environment: %s", c.Env)
	}
	for name, port := range map[string]int{
		"server.socket_port": c.Server.SocketPort,
		"server.api_port":    c.Server.APIPort,
		"server.user_port":   c.Server.UserPort,
		"render.render_port": c.Render.RenderPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	for g := range c.Nodes.Distances {
		if _, err := node.ParseGroup(g); err != nil {
			return fmt.Errorf("nodes.distances: %w", err)
		}
	}
	for g := range c.Nodes.GroupID {
		if _, err := node.ParseGroup(g); err != nil {
			return fmt.Errorf("nodes.group_id: %w", err)
		}
	}
	for _, g := range node.Groups {
		for i, e := range c.Nodes.Entries(g) {
			if e.IP == "" {
				return fmt.Errorf("nodes.%s_nodes[%d]: ip is required", g, i)
			}
		}
	}
	switch c.Render.Distance {
	case DistanceRandom, DistanceStatic:
	default:
		return fmt.Errorf("render.distance must be %q or %q, got %q", DistanceRandom, DistanceStatic, c.Render.Distance)
	}
	return nil
}

// GroupID returns the render manager group id configured for g.
func (c *Config) GroupID(g node.Group) (string, bool) {
	id, ok := c.Nodes.GroupID[string(g)]
	return id, ok && id != ""
}

// Distance returns the configured distance of g in km, 0 when unset.
func (c *Config) Distance(g node.Group) float64 {
	return c.Nodes.Distances[string(g)]
}
