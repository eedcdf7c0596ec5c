package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vango-dev/uplink/pkg/idgen"
)

// SessionConfig holds configuration for individual sessions and connections.
type SessionConfig struct {
	// ExpiryTimeout is how long a detached session keeps its subscriptions,
	// listeners and queued messages before it is destroyed.
	// Default: 1 minute.
	ExpiryTimeout time.Duration

	// MaxQueuedMessages bounds the queue of a detached session. When full,
	// the oldest message is dropped; clients repair the gap by hash.
	// Default: 1024.
	MaxQueuedMessages int

	// SendBufferSize bounds the frames waiting for a connection's writer.
	// A peer that falls this far behind is disconnected and its session
	// keeps the unwritten frames for replay.
	// Default: 256.
	SendBufferSize int

	// ReadTimeout is the maximum time to wait for a message or pong from
	// the client.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// PingInterval is the time between keepalive pings. Must be shorter
	// than ReadTimeout.
	// Default: 30 seconds.
	PingInterval time.Duration

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 64KB.
	MaxMessageSize int64
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		ExpiryTimeout:     time.Minute,
		MaxQueuedMessages: 1024,
		SendBufferSize:    256,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		MaxMessageSize:    64 * 1024, // 64KB
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

func (c *SessionConfig) applyDefaults() {
	d := DefaultSessionConfig()
	if c.ExpiryTimeout == 0 {
		c.ExpiryTimeout = d.ExpiryTimeout
	}
	if c.MaxQueuedMessages == 0 {
		c.MaxQueuedMessages = d.MaxQueuedMessages
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
}

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// Routes

	// Prefix is prepended to every store key and action path on the
	// request/response surface: GET {Prefix}{key}, POST {Prefix}{action}.
	// Default: "/uplink".
	Prefix string

	// WebSocketPath is the duplex endpoint.
	// Default: "/_uplink/ws".
	WebSocketPath string

	// BootstrapPath serves the bootstrap payload (guid, pid, store blob).
	// Empty disables the endpoint.
	// Default: "/_uplink/bootstrap".
	BootstrapPath string

	// MetricsPath serves Prometheus metrics when Registry is set.
	// Empty disables the endpoint.
	// Default: "".
	MetricsPath string

	// WebSocket buffer sizes

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// SessionConfig is the configuration for individual sessions.
	// Default: DefaultSessionConfig().
	SessionConfig *SessionConfig

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// Errors

	// ErrorStatus is the HTTP status used for every handler fault.
	// Default: 500.
	ErrorStatus int

	// MaxBodySize bounds action request bodies.
	// Default: 1MB.
	MaxBodySize int64

	// DevMode includes stack traces in HTTP error responses.
	// Default: false.
	DevMode bool

	// Identifiers

	// PIDGenerator produces the process instance id announced in every
	// handshake-ack. A new id per Server lets clients detect restarts.
	// Default: idgen.UUID.
	PIDGenerator idgen.Generator

	// GuidGenerator produces guids for bootstrap payloads of new clients.
	// Default: idgen.UUID.
	GuidGenerator idgen.Generator

	// ConnectionIDGenerator produces connection ids.
	// Default: idgen.ULID.
	ConnectionIDGenerator idgen.Generator

	// Observability

	// Registry receives the server's Prometheus metrics. Nil disables
	// metrics.
	Registry *prometheus.Registry

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger

	// Hooks

	// OnSessionDestroy is called once for every destroyed session.
	OnSessionDestroy func(guid string)
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:               ":8080",
		Prefix:                "/uplink",
		WebSocketPath:         "/_uplink/ws",
		BootstrapPath:         "/_uplink/bootstrap",
		ReadBufferSize:        4096,
		WriteBufferSize:       4096,
		CheckOrigin:           SameOriginCheck,
		SessionConfig:         DefaultSessionConfig(),
		ShutdownTimeout:       30 * time.Second,
		ErrorStatus:           http.StatusInternalServerError,
		MaxBodySize:           1 << 20, // 1MB
		PIDGenerator:          idgen.UUID{},
		GuidGenerator:         idgen.UUID{},
		ConnectionIDGenerator: idgen.ULID{},
	}
}

// applyDefaults fills in defaults for unset fields.
func (c *ServerConfig) applyDefaults() {
	defaults := DefaultServerConfig()
	if c.Address == "" {
		c.Address = defaults.Address
	}
	if c.Prefix == "" {
		c.Prefix = defaults.Prefix
	}
	c.Prefix = "/" + strings.Trim(c.Prefix, "/")
	if c.Prefix == "/" {
		c.Prefix = ""
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = defaults.WebSocketPath
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaults.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = defaults.CheckOrigin
	}
	if c.SessionConfig == nil {
		c.SessionConfig = defaults.SessionConfig
	}
	c.SessionConfig.applyDefaults()
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.ErrorStatus == 0 {
		c.ErrorStatus = defaults.ErrorStatus
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = defaults.MaxBodySize
	}
	c.PIDGenerator = idgen.Or(c.PIDGenerator, defaults.PIDGenerator)
	c.GuidGenerator = idgen.Or(c.GuidGenerator, defaults.GuidGenerator)
	c.ConnectionIDGenerator = idgen.Or(c.ConnectionIDGenerator, defaults.ConnectionIDGenerator)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ValidateConfig reports configuration errors that would break the server.
func (c *ServerConfig) ValidateConfig() error {
	var errs []error
	if c.ErrorStatus != 0 && (c.ErrorStatus < 400 || c.ErrorStatus > 599) {
		errs = append(errs, fmt.Errorf("ErrorStatus %d is not an HTTP error status", c.ErrorStatus))
	}
	if c.WebSocketPath != "" && !strings.HasPrefix(c.WebSocketPath, "/") {
		errs = append(errs, fmt.Errorf("WebSocketPath %q must start with /", c.WebSocketPath))
	}
	if c.MetricsPath != "" && c.Registry == nil {
		errs = append(errs, errors.New("MetricsPath is set but Registry is nil"))
	}
	if sc := c.SessionConfig; sc != nil {
		if sc.ExpiryTimeout < 0 {
			errs = append(errs, fmt.Errorf("ExpiryTimeout %v is negative", sc.ExpiryTimeout))
		}
		if sc.MaxQueuedMessages < 0 {
			errs = append(errs, fmt.Errorf("MaxQueuedMessages %d is negative", sc.MaxQueuedMessages))
		}
		if sc.SendBufferSize < 0 {
			errs = append(errs, fmt.Errorf("SendBufferSize %d is negative", sc.SendBufferSize))
		}
		if sc.PingInterval > 0 && sc.ReadTimeout > 0 && sc.PingInterval >= sc.ReadTimeout {
			errs = append(errs, fmt.Errorf("PingInterval %v must be shorter than ReadTimeout %v", sc.PingInterval, sc.ReadTimeout))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("server: invalid config: %w", errors.Join(errs...))
}

// GetConfigWarnings returns non-fatal configuration concerns.
func (c *ServerConfig) GetConfigWarnings() []string {
	var warnings []string
	if c.DevMode {
		warnings = append(warnings, "DevMode is enabled: HTTP error responses include stack traces")
	}
	if c.Prefix != "" && strings.HasPrefix(c.WebSocketPath, c.Prefix+"/") {
		warnings = append(warnings, fmt.Sprintf("WebSocketPath %q lies under Prefix %q and hides the store key %q", c.WebSocketPath, c.Prefix, strings.TrimPrefix(c.WebSocketPath, c.Prefix)))
	}
	if c.SessionConfig != nil && c.SessionConfig.ExpiryTimeout > 0 && c.SessionConfig.ExpiryTimeout < time.Second {
		warnings = append(warnings, "ExpiryTimeout below one second: sessions will rarely survive a reconnect")
	}
	if c.SessionConfig != nil && c.SessionConfig.MaxQueuedMessages > 100000 {
		warnings = append(warnings, "MaxQueuedMessages is very large: detached sessions may hold a lot of memory")
	}
	return warnings
}

// SameOriginCheck validates that the WebSocket request origin matches the host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header (e.g., non-browser client)
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if r.Host == "" {
		return false
	}
	return originURL.Host == r.Host
}

// OriginCheck returns a CheckOrigin func that accepts same-origin requests
// and requests from the listed origins. "*" accepts every origin.
func OriginCheck(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSuffix(o, "/")] = true
	}
	return func(r *http.Request) bool {
		if set["*"] || SameOriginCheck(r) {
			return true
		}
		return set[r.Header.Get("Origin")]
	}
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.SessionConfig != nil {
		clone.SessionConfig = c.SessionConfig.Clone()
	}
	return &clone
}

// WithAddress sets the server address and returns the config for chaining.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	c.Address = addr
	return c
}

// WithSessionConfig sets the session configuration and returns the config for chaining.
func (c *ServerConfig) WithSessionConfig(sc *SessionConfig) *ServerConfig {
	c.SessionConfig = sc
	return c
}

// WithPrefix sets the request/response prefix and returns the config for chaining.
func (c *ServerConfig) WithPrefix(prefix string) *ServerConfig {
	c.Prefix = prefix
	return c
}
