package config

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/vango-dev/uplink/internal/errors"
	"github.com/vango-dev/uplink/pkg/server"
	"github.com/vango-dev/uplink/pkg/uplink"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "uplink.json"

	// EnvFileName is the name of the optional dotenv file.
	EnvFileName = ".env"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "UPLINK_"

	// DefaultAddress is the default listen address.
	DefaultAddress = ":8080"

	// DefaultURL is the default server URL for client commands.
	DefaultURL = "http://localhost:8080"
)

// Duration is a time.Duration written as a Go duration string ("30s") in
// JSON and in the environment.
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config represents the complete uplink.json configuration.
type Config struct {
	Server  ServerSection  `json:"server" envPrefix:"SERVER_"`
	Session SessionSection `json:"session" envPrefix:"SESSION_"`
	Client  ClientSection  `json:"client" envPrefix:"CLIENT_"`
	Log     LogSection     `json:"log" envPrefix:"LOG_"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ServerSection configures the serve command.
type ServerSection struct {
	Address         string   `json:"address,omitempty" env:"ADDRESS"`
	Prefix          string   `json:"prefix,omitempty" env:"PREFIX"`
	WebSocketPath   string   `json:"webSocketPath,omitempty" env:"WEBSOCKET_PATH"`
	BootstrapPath   string   `json:"bootstrapPath,omitempty" env:"BOOTSTRAP_PATH"`
	MetricsPath     string   `json:"metricsPath,omitempty" env:"METRICS_PATH"`
	ErrorStatus     int      `json:"errorStatus,omitempty" env:"ERROR_STATUS"`
	MaxBodySize     int64    `json:"maxBodySize,omitempty" env:"MAX_BODY_SIZE"`
	ShutdownTimeout Duration `json:"shutdownTimeout,omitempty" env:"SHUTDOWN_TIMEOUT"`
	DevMode         bool     `json:"devMode,omitempty" env:"DEV_MODE"`

	// AllowedOrigins disables the same-origin WebSocket check for the
	// listed origins. "*" allows any origin.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" env:"ALLOWED_ORIGINS"`

	// Seed is a JSON file of initial store values, relative to the config.
	Seed string `json:"seed,omitempty" env:"SEED"`
}

// SessionSection configures sessions and connections.
type SessionSection struct {
	ExpiryTimeout     Duration `json:"expiryTimeout,omitempty" env:"EXPIRY_TIMEOUT"`
	MaxQueuedMessages int      `json:"maxQueuedMessages,omitempty" env:"MAX_QUEUED_MESSAGES"`
	ReadTimeout       Duration `json:"readTimeout,omitempty" env:"READ_TIMEOUT"`
	WriteTimeout      Duration `json:"writeTimeout,omitempty" env:"WRITE_TIMEOUT"`
	PingInterval      Duration `json:"pingInterval,omitempty" env:"PING_INTERVAL"`
	MaxMessageSize    int64    `json:"maxMessageSize,omitempty" env:"MAX_MESSAGE_SIZE"`
}

// ClientSection configures the watch, fetch and dispatch commands.
type ClientSection struct {
	URL              string   `json:"url,omitempty" env:"URL"`
	Guid             string   `json:"guid,omitempty" env:"GUID"`
	HandshakeTimeout Duration `json:"handshakeTimeout,omitempty" env:"HANDSHAKE_TIMEOUT"`
	ReconnectBase    Duration `json:"reconnectBase,omitempty" env:"RECONNECT_BASE"`
	ReconnectMax     Duration `json:"reconnectMax,omitempty" env:"RECONNECT_MAX"`
	ReloadJitter     Duration `json:"reloadJitter,omitempty" env:"RELOAD_JITTER"`
}

// LogSection configures logging.
type LogSection struct {
	// Level is debug, info, warn or error.
	Level string `json:"level,omitempty" env:"LEVEL"`

	// Format is text or json.
	Format string `json:"format,omitempty" env:"FORMAT"`
}

// New creates a new Config with default values.
func New() *Config {
	sd := server.DefaultServerConfig()
	ss := server.DefaultSessionConfig()
	cd := uplink.DefaultConfig()
	return &Config{
		Server: ServerSection{
			Address:         DefaultAddress,
			Prefix:          sd.Prefix,
			WebSocketPath:   sd.WebSocketPath,
			BootstrapPath:   sd.BootstrapPath,
			ErrorStatus:     sd.ErrorStatus,
			MaxBodySize:     sd.MaxBodySize,
			ShutdownTimeout: Duration(sd.ShutdownTimeout),
		},
		Session: SessionSection{
			ExpiryTimeout:     Duration(ss.ExpiryTimeout),
			MaxQueuedMessages: ss.MaxQueuedMessages,
			ReadTimeout:       Duration(ss.ReadTimeout),
			WriteTimeout:      Duration(ss.WriteTimeout),
			PingInterval:      Duration(ss.PingInterval),
			MaxMessageSize:    ss.MaxMessageSize,
		},
		Client: ClientSection{
			URL:              DefaultURL,
			HandshakeTimeout: Duration(cd.HandshakeTimeout),
			ReconnectBase:    Duration(cd.ReconnectBase),
			ReconnectMax:     Duration(cd.ReconnectMax),
			ReloadJitter:     Duration(cd.ReloadJitter),
		},
		Log: LogSection{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from dir. A missing uplink.json is not an
// error: defaults, .env and the environment still apply.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return LoadFile(path)
	}
	cfg := New()
	if err := cfg.overlay(dir, nil); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads configuration from the specified file path, then applies
// the .env file next to it and the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E141").
				WithDetail("No " + ConfigFileName + " found at " + path).
				WithSuggestion("Run 'uplink init' to create one")
		}
		return nil, errors.New("E120").Wrap(err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.New("E120").
			WithDetail("Failed to parse " + path + ": " + err.Error())
	}
	cfg.configPath = path

	if err := cfg.overlay(filepath.Dir(path), nil); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// overlay applies the .env file in dir and the environment. environ
// replaces the process environment when non-nil.
func (c *Config) overlay(dir string, environ map[string]string) error {
	vars := make(map[string]string)
	envPath := filepath.Join(dir, EnvFileName)
	if _, err := os.Stat(envPath); err == nil {
		dotenv, err := godotenv.Read(envPath)
		if err != nil {
			return errors.New("E123").WithField(envPath).Wrap(err)
		}
		for k, v := range dotenv {
			vars[k] = v
		}
	}
	if environ == nil {
		environ = env.ToMap(os.Environ())
	}
	for k, v := range environ {
		vars[k] = v
	}
	return c.ApplyEnv(vars)
}

// ApplyEnv overrides fields from UPLINK_* entries of vars.
func (c *Config) ApplyEnv(vars map[string]string) error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix, Environment: vars}); err != nil {
		return errors.New("E122").Wrap(err)
	}
	return nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New("E120").Wrap(err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("E120").Wrap(err)
	}
	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if s := c.Server.ErrorStatus; s != 0 && (s < 400 || s > 599) {
		return errors.New("E121").
			WithField("server.errorStatus").
			WithDetail("ErrorStatus must be an HTTP error status between 400 and 599")
	}
	if p := c.Server.WebSocketPath; p != "" && !strings.HasPrefix(p, "/") {
		return errors.New("E121").
			WithField("server.webSocketPath").
			WithDetail("Paths must start with /")
	}
	if _, err := c.LogLevel(); err != nil {
		return errors.New("E121").WithField("log.level").Wrap(err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.New("E121").
			WithField("log.format").
			WithDetail("Format must be text or json, got " + c.Log.Format)
	}
	return nil
}

// SeedPath returns the absolute path of the seed file, or "" when unset.
func (c *Config) SeedPath() string {
	if c.Server.Seed == "" {
		return ""
	}
	if filepath.IsAbs(c.Server.Seed) {
		return c.Server.Seed
	}
	return filepath.Join(c.Dir(), c.Server.Seed)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	err := level.UnmarshalText([]byte(c.Log.Level))
	return level, err
}

// Logger builds the logger described by the log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.LogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ServerConfig converts the server and session sections.
func (c *Config) ServerConfig() *server.ServerConfig {
	sc := server.DefaultServerConfig()
	sc.Address = c.Server.Address
	sc.Prefix = c.Server.Prefix
	sc.WebSocketPath = c.Server.WebSocketPath
	sc.BootstrapPath = c.Server.BootstrapPath
	sc.MetricsPath = c.Server.MetricsPath
	sc.ErrorStatus = c.Server.ErrorStatus
	sc.MaxBodySize = c.Server.MaxBodySize
	sc.ShutdownTimeout = time.Duration(c.Server.ShutdownTimeout)
	sc.DevMode = c.Server.DevMode
	if origins := c.Server.AllowedOrigins; len(origins) > 0 {
		sc.CheckOrigin = server.OriginCheck(origins)
	}

	sc.SessionConfig = &server.SessionConfig{
		ExpiryTimeout:     time.Duration(c.Session.ExpiryTimeout),
		MaxQueuedMessages: c.Session.MaxQueuedMessages,
		ReadTimeout:       time.Duration(c.Session.ReadTimeout),
		WriteTimeout:      time.Duration(c.Session.WriteTimeout),
		PingInterval:      time.Duration(c.Session.PingInterval),
		MaxMessageSize:    c.Session.MaxMessageSize,
	}
	return sc
}

// ClientConfig converts the client section. The server section supplies
// the paths, since both ends must agree on them.
func (c *Config) ClientConfig() *uplink.Config {
	return &uplink.Config{
		URL:              c.Client.URL,
		Guid:             c.Client.Guid,
		Prefix:           c.Server.Prefix,
		WebSocketPath:    c.Server.WebSocketPath,
		HandshakeTimeout: time.Duration(c.Client.HandshakeTimeout),
		ReconnectBase:    time.Duration(c.Client.ReconnectBase),
		ReconnectMax:     time.Duration(c.Client.ReconnectMax),
		ReloadJitter:     time.Duration(c.Client.ReloadJitter),
	}
}

// BootstrapURL returns the client-side URL of the bootstrap endpoint.
func (c *Config) BootstrapURL() string {
	return strings.TrimSuffix(c.Client.URL, "/") + c.Server.BootstrapPath
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindProjectRoot walks up directories to find the project root.
// Returns the directory containing uplink.json, or an error if not found.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("E141").
				WithDetail("No " + ConfigFileName + " found in " + startDir + " or any parent directory").
				WithSuggestion("Run 'uplink init' to create one")
		}
		dir = parent
	}
}
