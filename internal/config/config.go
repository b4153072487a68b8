package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration derived from an optional YAML file
// and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Auth      AuthConfig      `yaml:"auth"`
	Debug     DebugConfig     `yaml:"debug"`
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level      slog.Level `yaml:"-"`
	LevelName  string     `yaml:"level"`
	Format     string     `yaml:"format"`
	File       string     `yaml:"file"`
	MaxSizeMB  int        `yaml:"max_size_mb"`
	MaxBackups int        `yaml:"max_backups"`
}

// StoreConfig locates the local account database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig describes the remote relational store that receives metrics.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdle         int           `yaml:"max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`

	// Rotating credentials are derived when Password == User+EphemeralSuffix
	// and Port == EphemeralPort.
	EphemeralSuffix string        `yaml:"ephemeral_suffix"`
	EphemeralPort   int           `yaml:"ephemeral_port"`
	EphemeralKey    string        `yaml:"ephemeral_key"`
	EphemeralSecret string        `yaml:"ephemeral_secret"`
	EphemeralTTL    time.Duration `yaml:"ephemeral_ttl"`
}

// TunnelConfig describes the optional SSH hop in front of the database.
type TunnelConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	PrivateKey     string        `yaml:"private_key"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	Passphrase     string        `yaml:"passphrase"`
	KnownHostsPath string        `yaml:"known_hosts_path"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// Enabled reports whether the tunnel has a host, a user and some credential.
func (t TunnelConfig) Enabled() bool {
	if strings.TrimSpace(t.Host) == "" || strings.TrimSpace(t.User) == "" {
		return false
	}
	return strings.TrimSpace(t.Password) != "" ||
		strings.TrimSpace(t.PrivateKey) != "" ||
		strings.TrimSpace(t.PrivateKeyPath) != ""
}

// MonitorConfig holds the two polling periods.
type MonitorConfig struct {
	PollInterval            time.Duration `yaml:"poll_interval"`
	CredentialCheckInterval time.Duration `yaml:"credential_check_interval"`
	AutoStart               bool          `yaml:"auto_start"`
}

// DashboardConfig configures the remote metrics API client.
type DashboardConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	UserAgent         string        `yaml:"user_agent"`
}

// AuthConfig protects the control API.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	AdminPassword string        `yaml:"admin_password"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// DebugConfig toggles verbose tracing per subsystem.
type DebugConfig struct {
	Network bool `yaml:"network"`
	SQL     bool `yaml:"sql"`
	Room    bool `yaml:"room"`
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultStorePath = "lbdm.sqlite"

	defaultDBPort          = 5432
	defaultDBSSLMode       = "disable"
	defaultMaxConnections  = 20
	defaultMaxIdle         = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
	defaultEphemeralSuffix = "@ephemeral"
	defaultEphemeralPort   = 6432
	defaultEphemeralTTL    = 600 * time.Second

	defaultTunnelPort        = 22
	defaultTunnelDialTimeout = 15 * time.Second

	defaultPollInterval            = 60 * time.Second
	defaultCredentialCheckInterval = 5 * time.Minute

	defaultDashboardTimeout = 30 * time.Second
	defaultDashboardRPS     = 10
	defaultDashboardBurst   = 20

	defaultTokenDuration = 24 * time.Hour
)

// Default returns a configuration populated with defaults only.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            defaultPort,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:      slog.LevelInfo,
			Format:     defaultLogFormat,
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
		Store: StoreConfig{Path: defaultStorePath},
		Database: DatabaseConfig{
			Port:            defaultDBPort,
			SSLMode:         defaultDBSSLMode,
			MaxConnections:  defaultMaxConnections,
			MaxIdle:         defaultMaxIdle,
			ConnMaxLifetime: defaultConnMaxLifetime,
			ConnectTimeout:  defaultConnectTimeout,
			EphemeralSuffix: defaultEphemeralSuffix,
			EphemeralPort:   defaultEphemeralPort,
			EphemeralTTL:    defaultEphemeralTTL,
		},
		Tunnel: TunnelConfig{
			Port:        defaultTunnelPort,
			DialTimeout: defaultTunnelDialTimeout,
		},
		Monitor: MonitorConfig{
			PollInterval:            defaultPollInterval,
			CredentialCheckInterval: defaultCredentialCheckInterval,
		},
		Dashboard: DashboardConfig{
			Timeout:           defaultDashboardTimeout,
			RequestsPerSecond: defaultDashboardRPS,
			Burst:             defaultDashboardBurst,
		},
		Auth: AuthConfig{
			TokenDuration: defaultTokenDuration,
		},
	}
}

// Load reads configuration from the YAML file at path (if non-empty) and then
// from environment variables, applying defaults when values are not provided.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
		if cfg.Logging.LevelName != "" {
			level, err := parseLogLevel(cfg.Logging.LevelName)
			if err != nil {
				return Config{}, fmt.Errorf("invalid logging.level: %w", err)
			}
			cfg.Logging.Level = level
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	// Cloud-style PORT wins over SERVER_PORT
	if port := getEnv("PORT", ""); port != "" {
		cfg.Server.Port = port
	} else if port := getEnv("SERVER_PORT", ""); port != "" {
		cfg.Server.Port = port
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"SERVER_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT_SECONDS", &cfg.Server.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT_SECONDS", &cfg.Server.ShutdownTimeout},
		{"DB_CONNECT_TIMEOUT_SECONDS", &cfg.Database.ConnectTimeout},
		{"DB_EPHEMERAL_TTL_SECONDS", &cfg.Database.EphemeralTTL},
		{"TUNNEL_DIAL_TIMEOUT_SECONDS", &cfg.Tunnel.DialTimeout},
		{"POLL_INTERVAL_SECONDS", &cfg.Monitor.PollInterval},
		{"CREDENTIAL_CHECK_INTERVAL_SECONDS", &cfg.Monitor.CredentialCheckInterval},
		{"DASHBOARD_TIMEOUT_SECONDS", &cfg.Dashboard.Timeout},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := parseSeconds(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.target = parsed
		}
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"DB_PORT", &cfg.Database.Port},
		{"DB_MAX_CONNECTIONS", &cfg.Database.MaxConnections},
		{"DB_EPHEMERAL_PORT", &cfg.Database.EphemeralPort},
		{"TUNNEL_PORT", &cfg.Tunnel.Port},
		{"DASHBOARD_BURST", &cfg.Dashboard.Burst},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 0 {
				return fmt.Errorf("invalid %s: must be a non-negative integer", i.key)
			}
			*i.target = parsed
		}
	}

	strs := []struct {
		key    string
		target *string
	}{
		{"STORE_PATH", &cfg.Store.Path},
		{"DB_HOST", &cfg.Database.Host},
		{"DB_USER", &cfg.Database.User},
		{"DB_PASSWORD", &cfg.Database.Password},
		{"DB_NAME", &cfg.Database.Name},
		{"DB_SSLMODE", &cfg.Database.SSLMode},
		{"DB_EPHEMERAL_SUFFIX", &cfg.Database.EphemeralSuffix},
		{"DB_EPHEMERAL_KEY", &cfg.Database.EphemeralKey},
		{"DB_EPHEMERAL_SECRET", &cfg.Database.EphemeralSecret},
		{"TUNNEL_HOST", &cfg.Tunnel.Host},
		{"TUNNEL_USER", &cfg.Tunnel.User},
		{"TUNNEL_PASSWORD", &cfg.Tunnel.Password},
		{"TUNNEL_PRIVATE_KEY_PATH", &cfg.Tunnel.PrivateKeyPath},
		{"TUNNEL_PASSPHRASE", &cfg.Tunnel.Passphrase},
		{"TUNNEL_KNOWN_HOSTS", &cfg.Tunnel.KnownHostsPath},
		{"DASHBOARD_BASE_URL", &cfg.Dashboard.BaseURL},
		{"ADMIN_JWT_SECRET", &cfg.Auth.JWTSecret},
		{"ADMIN_PASSWORD", &cfg.Auth.AdminPassword},
		{"LOG_FILE", &cfg.Logging.File},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.target = v
		}
	}

	bools := []struct {
		key    string
		target *bool
	}{
		{"DB_AUTO_MIGRATE", &cfg.Database.AutoMigrate},
		{"MONITOR_AUTO_START", &cfg.Monitor.AutoStart},
		{"DEBUG_NETWORK", &cfg.Debug.Network},
		{"DEBUG_SQL", &cfg.Debug.SQL},
		{"DEBUG_ROOM", &cfg.Debug.Room},
	}
	for _, b := range bools {
		if v := os.Getenv(b.key); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: must be a boolean", b.key)
			}
			*b.target = parsed
		}
	}

	if v := os.Getenv("DASHBOARD_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			return fmt.Errorf("invalid DASHBOARD_RPS: must be a positive number")
		}
		cfg.Dashboard.RequestsPerSecond = rps
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	return nil
}

func (c *Config) validate() error {
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor poll interval must be positive")
	}
	if c.Monitor.CredentialCheckInterval <= 0 {
		return fmt.Errorf("credential check interval must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Database.EphemeralTTL <= 0 {
		return fmt.Errorf("ephemeral credential TTL must be positive")
	}
	return nil
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}

// ParseLogLevel exposes the level parser for command-line overrides.
func ParseLogLevel(raw string) (slog.Level, error) {
	return parseLogLevel(raw)
}
