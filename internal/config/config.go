// Package config provides Viper-based configuration loading for the gateway.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings. All three WebSocket
// channels (launcher, guard, matchmaking) are served from this listener.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// ReadTimeout is the HTTP read header timeout.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RedisConfig holds connection settings for the key-value store.
type RedisConfig struct {
	// Addr is the "host:port" address of the Redis server.
	Addr string `mapstructure:"addr"`
	// Password is the optional Redis AUTH password.
	Password string `mapstructure:"password"`
	// DB is the Redis logical database index.
	DB int `mapstructure:"db"`
}

// AuthConfig holds bearer-token verification settings.
type AuthConfig struct {
	// TokenSecret is the HS256 signing secret shared with the login service.
	TokenSecret string `mapstructure:"token_secret"`
}

// GuardConfig holds the encrypted anti-cheat channel settings.
type GuardConfig struct {
	// PresharedKey is the hex-encoded 32-byte AES key baked into the client.
	PresharedKey string `mapstructure:"preshared_key"`
	// PingInterval is the period between server-initiated pings.
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// Key decodes the preshared key into raw bytes.
//
// Precondition: PresharedKey must be 64 hex characters.
// Postcondition: Returns a 32-byte key or a non-nil error.
func (g GuardConfig) Key() ([]byte, error) {
	key, err := hex.DecodeString(g.PresharedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding preshared key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("preshared key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// RegistryConfig holds connection admission and liveness settings.
type RegistryConfig struct {
	// MaxConnections is the admission ceiling for tracked connections.
	MaxConnections int `mapstructure:"max_connections"`
	// HeartbeatInterval is the period between ping fan-outs.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// ReapInterval is the period between stale-connection sweeps.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	// IdleTimeout is the inactivity threshold after which a connection is reaped.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// RouterConfig holds application-channel request handling settings.
type RouterConfig struct {
	// HandlerTimeout bounds the reply latency of a dispatched handler.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	// MaxFrameBytes is the inbound frame size ceiling.
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes"`
}

// MatchmakingConfig holds the ticket state machine settings.
type MatchmakingConfig struct {
	// PollInterval is the queued-loop iteration period.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxRetries is the probe failure count after which fail-open applies.
	MaxRetries int `mapstructure:"max_retries"`
	// FailOpen proceeds to session assignment after MaxRetries failed probes.
	FailOpen bool `mapstructure:"fail_open"`
	// ProbeTimeout bounds a single TCP reachability probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// AssignmentDelay is the pause between session assignment and play.
	AssignmentDelay time.Duration `mapstructure:"assignment_delay"`
	// Servers lists configured game servers in "ip:port:playlist" form.
	Servers []string `mapstructure:"servers"`
}

// GameServer is one configured game server endpoint.
type GameServer struct {
	Address  string
	Port     int
	Playlist string
}

// Addr returns the "host:port" dial address of the endpoint.
func (g GameServer) Addr() string {
	return fmt.Sprintf("%s:%d", g.Address, g.Port)
}

// ParsedServers parses the configured "ip:port:playlist" entries.
//
// Postcondition: Returns one GameServer per entry, or an error naming the
// first malformed entry.
func (m MatchmakingConfig) ParsedServers() ([]GameServer, error) {
	servers := make([]GameServer, 0, len(m.Servers))
	for _, raw := range m.Servers {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("server entry %q: want ip:port:playlist", raw)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("server entry %q: invalid port", raw)
		}
		servers = append(servers, GameServer{
			Address:  parts[0],
			Port:     port,
			Playlist: parts[2],
		})
	}
	return servers, nil
}

// CatalogConfig holds storefront rotation settings.
type CatalogConfig struct {
	// ContentPath is the YAML file listing all purchasable entries.
	ContentPath string `mapstructure:"content_path"`
	// DailySlots is the number of daily storefront entries per rotation.
	DailySlots int `mapstructure:"daily_slots"`
	// FeaturedSlots is the number of featured storefront entries per rotation.
	FeaturedSlots int `mapstructure:"featured_slots"`
	// RefreshCheckInterval is how often the rotation boundary is checked.
	RefreshCheckInterval time.Duration `mapstructure:"refresh_check_interval"`
}

// LeaderboardConfig holds leaderboard cache settings.
type LeaderboardConfig struct {
	// Size is the number of top entries served.
	Size int `mapstructure:"size"`
	// TTL is the cache staleness bound.
	TTL time.Duration `mapstructure:"ttl"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Guard       GuardConfig       `mapstructure:"guard"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Router      RouterConfig      `mapstructure:"router"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Leaderboard LeaderboardConfig `mapstructure:"leaderboard"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRedis(c.Redis); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAuth(c.Auth); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateGuard(c.Guard); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRegistry(c.Registry); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRouter(c.Router); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateMatchmaking(c.Matchmaking); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateCatalog(c.Catalog); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLeaderboard(c.Leaderboard); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRedis(r RedisConfig) error {
	var errs []string
	if r.Addr == "" {
		errs = append(errs, "redis.addr must not be empty")
	}
	if r.DB < 0 {
		errs = append(errs, fmt.Sprintf("redis.db must be >= 0, got %d", r.DB))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	if a.TokenSecret == "" {
		return errors.New("auth.token_secret must not be empty")
	}
	return nil
}

func validateGuard(g GuardConfig) error {
	var errs []string
	if _, err := g.Key(); err != nil {
		errs = append(errs, fmt.Sprintf("guard.preshared_key invalid: %v", err))
	}
	if g.PingInterval <= 0 {
		errs = append(errs, "guard.ping_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRegistry(r RegistryConfig) error {
	var errs []string
	if r.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("registry.max_connections must be >= 1, got %d", r.MaxConnections))
	}
	if r.HeartbeatInterval <= 0 {
		errs = append(errs, "registry.heartbeat_interval must be positive")
	}
	if r.ReapInterval <= 0 {
		errs = append(errs, "registry.reap_interval must be positive")
	}
	if r.IdleTimeout <= 0 {
		errs = append(errs, "registry.idle_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRouter(r RouterConfig) error {
	var errs []string
	if r.HandlerTimeout <= 0 {
		errs = append(errs, "router.handler_timeout must be positive")
	}
	if r.MaxFrameBytes < 1 {
		errs = append(errs, fmt.Sprintf("router.max_frame_bytes must be >= 1, got %d", r.MaxFrameBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateMatchmaking(m MatchmakingConfig) error {
	var errs []string
	if m.PollInterval <= 0 {
		errs = append(errs, "matchmaking.poll_interval must be positive")
	}
	if m.MaxRetries < 1 {
		errs = append(errs, fmt.Sprintf("matchmaking.max_retries must be >= 1, got %d", m.MaxRetries))
	}
	if m.ProbeTimeout <= 0 {
		errs = append(errs, "matchmaking.probe_timeout must be positive")
	}
	if m.AssignmentDelay < 0 {
		errs = append(errs, "matchmaking.assignment_delay must not be negative")
	}
	if _, err := m.ParsedServers(); err != nil {
		errs = append(errs, fmt.Sprintf("matchmaking.servers invalid: %v", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateCatalog(c CatalogConfig) error {
	var errs []string
	if c.DailySlots < 1 {
		errs = append(errs, fmt.Sprintf("catalog.daily_slots must be >= 1, got %d", c.DailySlots))
	}
	if c.FeaturedSlots < 1 {
		errs = append(errs, fmt.Sprintf("catalog.featured_slots must be >= 1, got %d", c.FeaturedSlots))
	}
	if c.RefreshCheckInterval <= 0 {
		errs = append(errs, "catalog.refresh_check_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLeaderboard(l LeaderboardConfig) error {
	var errs []string
	if l.Size < 1 {
		errs = append(errs, fmt.Sprintf("leaderboard.size must be >= 1, got %d", l.Size))
	}
	if l.TTL <= 0 {
		errs = append(errs, "leaderboard.ttl must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with GATEWAY_ prefix
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gateway")
	v.SetDefault("database.password", "gateway")
	v.SetDefault("database.name", "gateway")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("guard.ping_interval", "30s")

	v.SetDefault("registry.max_connections", 7000)
	v.SetDefault("registry.heartbeat_interval", "30s")
	v.SetDefault("registry.reap_interval", "60s")
	v.SetDefault("registry.idle_timeout", "5m")

	v.SetDefault("router.handler_timeout", "30s")
	v.SetDefault("router.max_frame_bytes", 1<<20)

	v.SetDefault("matchmaking.poll_interval", "1s")
	v.SetDefault("matchmaking.max_retries", 5)
	v.SetDefault("matchmaking.fail_open", true)
	v.SetDefault("matchmaking.probe_timeout", "750ms")
	v.SetDefault("matchmaking.assignment_delay", "500ms")

	v.SetDefault("catalog.content_path", "content/catalog.yaml")
	v.SetDefault("catalog.daily_slots", 6)
	v.SetDefault("catalog.featured_slots", 2)
	v.SetDefault("catalog.refresh_check_interval", "1m")

	v.SetDefault("leaderboard.size", 10)
	v.SetDefault("leaderboard.ttl", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
