package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Service names used by the default command table
const (
	ServiceRegist = "regist"
	ServiceGame   = "game"
	ServiceMail   = "mail"
)

// Config represents gateway configuration
type Config struct {
	// Client-facing server configuration
	Server ServerConfig `yaml:"server"`

	// Backend router configuration (registration listener and correlation timings)
	Router RouterConfig `yaml:"router"`

	// Supervisor configuration for backend connections
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Backend services
	Services []ServiceConfig `yaml:"services"`

	// Command routing and response matching
	Commands CommandConfig `yaml:"commands"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Redis configuration (optional, command route overrides)
	Redis RedisConfig `yaml:"redis"`

	// Discovery configuration (optional, etcd dial-address lookup)
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents client-facing server configuration
type ServerConfig struct {
	// Client listen address
	ListenAddr string `yaml:"listen_addr"`

	// Admin port (health, readiness, metrics, directory snapshot)
	AdminPort int `yaml:"admin_port"`

	// Gateway name, used in logs and tracing resources
	GatewayName string `yaml:"gateway_name"`

	// Idle client sessions are closed after this long without a frame
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// Write timeout for client sockets
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RouterConfig represents request router configuration
type RouterConfig struct {
	// Listen address backends dial to register (empty disables the passive acceptor)
	ListenAddr string `yaml:"listen_addr"`

	// Absolute per-request timeout
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Idle window after the last matched frame before a request completes
	CompletionWindow time.Duration `yaml:"completion_window"`

	// Write an explicit error frame to the client when a request yields nothing
	SynthesizeErrorFrames *bool `yaml:"synthesize_error_frames"`

	// Status carried by synthesized error frames (default -1; 0 is allowed)
	ErrorStatus *int32 `yaml:"error_status"`
}

// SupervisorConfig represents backend connection supervision
type SupervisorConfig struct {
	// Timeout for one connect attempt (dial + announce + ack, or first frame on accept)
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Fixed delay between reconnect attempts (no backoff growth)
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// Write timeout for backend sockets
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ServiceConfig represents one backend service
type ServiceConfig struct {
	// Logical service name (e.g., "regist", "game", "mail")
	Name string `yaml:"name"`

	// Reserved opcode the service announces itself with
	AnnounceCommand uint32 `yaml:"announce_command"`

	// Address the gateway dials actively (empty: wait for the backend to dial in)
	DialAddr string `yaml:"dial_addr"`

	// Resolve the dial address through discovery instead of DialAddr
	Discover bool `yaml:"discover"`
}

// RouteConfig maps an inclusive commandId range to a service
type RouteConfig struct {
	From    uint32 `yaml:"from"`
	To      uint32 `yaml:"to"`
	Service string `yaml:"service"`
}

// CommandConfig represents command routing and response matching tables
type CommandConfig struct {
	// Service for commandIds not covered by Routes (empty: unroutable)
	DefaultService string `yaml:"default_service"`

	// Opcode sent one-way to the game service when a client with a subject disconnects
	DisconnectNotify uint32 `yaml:"disconnect_notify"`

	// Static route ranges
	Routes []RouteConfig `yaml:"routes"`

	// Session-establishment opcodes matched FIFO by opcode
	Fifo []uint32 `yaml:"fifo"`

	// Combat request opcodes
	CombatRequests []uint32 `yaml:"combat_requests"`

	// Combat notification opcodes answering CombatRequests by subject
	CombatNotifications []uint32 `yaml:"combat_notifications"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	// Maximum declared frame length
	MaxFrameSize int `yaml:"max_frame_size"`

	// Maximum number of concurrent client connections
	MaxConnections int `yaml:"max_connections"`

	// Maximum connections per IP address
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// Connection rate limit (connections per second per IP)
	ConnectionRateLimit int `yaml:"connection_rate_limit"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	// Empty address disables Redis
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for Redis keys
	KeyPrefix string `yaml:"key_prefix"`

	// Refresh interval for route overrides
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DiscoveryConfig represents etcd discovery configuration
type DiscoveryConfig struct {
	// Empty endpoints disable discovery
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	Prefix        string        `yaml:"prefix"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// Jaeger collector endpoint (empty disables tracing)
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set default values
	setDefaults(&cfg)

	// Validate configuration
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// ValidateConfig validates the configuration (exported for hot reload)
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

// ErrorFramesEnabled reports whether empty results produce an error frame
func (c *RouterConfig) ErrorFramesEnabled() bool {
	return c.SynthesizeErrorFrames == nil || *c.SynthesizeErrorFrames
}

// ErrorFrameStatus returns the status written into synthesized error frames
func (c *RouterConfig) ErrorFrameStatus() int32 {
	if c.ErrorStatus == nil {
		return -1
	}
	return *c.ErrorStatus
}

// Service returns the configuration for a service name
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if cfg.Server.AdminPort < 0 || cfg.Server.AdminPort > 65535 {
		return fmt.Errorf("server.admin_port must be between 0 and 65535")
	}

	if cfg.Router.RequestTimeout <= 0 {
		return fmt.Errorf("router.request_timeout must be greater than 0")
	}
	if cfg.Router.CompletionWindow <= 0 {
		return fmt.Errorf("router.completion_window must be greater than 0")
	}
	if cfg.Router.CompletionWindow >= cfg.Router.RequestTimeout {
		return fmt.Errorf("router.completion_window must be shorter than router.request_timeout")
	}

	if cfg.Supervisor.ConnectTimeout <= 0 {
		return fmt.Errorf("supervisor.connect_timeout must be greater than 0")
	}
	if cfg.Supervisor.ReconnectDelay <= 0 {
		return fmt.Errorf("supervisor.reconnect_delay must be greater than 0")
	}

	// Service names and announce opcodes must be unique
	names := make(map[string]bool, len(cfg.Services))
	announces := make(map[uint32]string, len(cfg.Services))
	for _, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("services: name is required")
		}
		if names[svc.Name] {
			return fmt.Errorf("services: duplicate service %q", svc.Name)
		}
		names[svc.Name] = true
		if svc.AnnounceCommand == 0 {
			return fmt.Errorf("services.%s: announce_command is required", svc.Name)
		}
		if other, ok := announces[svc.AnnounceCommand]; ok {
			return fmt.Errorf("services.%s: announce_command %d already used by %s", svc.Name, svc.AnnounceCommand, other)
		}
		announces[svc.AnnounceCommand] = svc.Name
		if svc.Discover && len(cfg.Discovery.EtcdEndpoints) == 0 {
			return fmt.Errorf("services.%s: discover requires discovery.etcd_endpoints", svc.Name)
		}
	}

	for _, route := range cfg.Commands.Routes {
		if route.From > route.To {
			return fmt.Errorf("commands.routes: invalid range %d-%d", route.From, route.To)
		}
		if !names[route.Service] {
			return fmt.Errorf("commands.routes: unknown service %q", route.Service)
		}
	}
	if cfg.Commands.DefaultService != "" && !names[cfg.Commands.DefaultService] {
		return fmt.Errorf("commands.default_service: unknown service %q", cfg.Commands.DefaultService)
	}

	if cfg.Security.MaxFrameSize <= 0 {
		return fmt.Errorf("security.max_frame_size must be greater than 0")
	}
	if cfg.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be greater than 0")
	}

	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}

	if cfg.Server.GatewayName == "" {
		cfg.Server.GatewayName = "relay-gateway"
	}

	if cfg.Server.SessionIdleTimeout == 0 {
		cfg.Server.SessionIdleTimeout = 30 * time.Minute
	}

	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}

	if cfg.Router.RequestTimeout == 0 {
		cfg.Router.RequestTimeout = 10 * time.Second
	}

	if cfg.Router.CompletionWindow == 0 {
		cfg.Router.CompletionWindow = 50 * time.Millisecond
	}

	if cfg.Supervisor.ConnectTimeout == 0 {
		cfg.Supervisor.ConnectTimeout = 5 * time.Second
	}

	if cfg.Supervisor.ReconnectDelay == 0 {
		cfg.Supervisor.ReconnectDelay = 5 * time.Second
	}

	if cfg.Supervisor.WriteTimeout == 0 {
		cfg.Supervisor.WriteTimeout = 10 * time.Second
	}

	if len(cfg.Services) == 0 {
		cfg.Services = []ServiceConfig{
			{Name: ServiceRegist, AnnounceCommand: 9001},
			{Name: ServiceGame, AnnounceCommand: 9002},
			{Name: ServiceMail, AnnounceCommand: 9003},
		}
	}

	// Command tables default to the legacy opcode layout only when nothing is configured
	cmds := &cfg.Commands
	if cmds.DefaultService == "" && len(cmds.Routes) == 0 {
		cmds.DefaultService = ServiceGame
		cmds.Routes = []RouteConfig{
			{From: 101, To: 103, Service: ServiceRegist},
			{From: 2751, To: 2760, Service: ServiceMail},
		}
	}
	if cmds.DisconnectNotify == 0 {
		cmds.DisconnectNotify = 9010
	}
	if len(cmds.Fifo) == 0 {
		cmds.Fifo = []uint32{101, 102, 103, 104, 105}
	}
	if len(cmds.CombatRequests) == 0 && len(cmds.CombatNotifications) == 0 {
		cmds.CombatRequests = []uint32{2404, 2405, 2406, 2407, 2408}
		cmds.CombatNotifications = []uint32{2501, 2502, 2503, 2504, 2505}
	}

	if cfg.Security.MaxFrameSize == 0 {
		cfg.Security.MaxFrameSize = 8 * 1024 * 1024 // 8MiB
	}
	if cfg.Security.MaxConnections == 0 {
		cfg.Security.MaxConnections = 10000
	}
	if cfg.Security.MaxConnectionsPerIP == 0 {
		cfg.Security.MaxConnectionsPerIP = 10
	}
	if cfg.Security.ConnectionRateLimit == 0 {
		cfg.Security.ConnectionRateLimit = 5
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "relay-gateway:"
	}
	if cfg.Redis.RefreshInterval == 0 {
		cfg.Redis.RefreshInterval = 10 * time.Second
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.Discovery.Prefix == "" {
		cfg.Discovery.Prefix = "/relay-gateway"
	}
	if cfg.Discovery.DialTimeout == 0 {
		cfg.Discovery.DialTimeout = 5 * time.Second
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}
