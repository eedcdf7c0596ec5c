package uplink

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/uplink/pkg/idgen"
	"github.com/vango-dev/uplink/pkg/protocol"
)

// Config holds configuration for a Client.
type Config struct {
	// URL is the base HTTP URL of the server (e.g., "http://localhost:8080").
	// Required.
	URL string

	// Prefix is prepended to store keys and action paths.
	// Must match the server's Prefix. "/" means no prefix.
	// Default: "/uplink".
	Prefix string

	// WebSocketPath is the duplex endpoint, relative to URL.
	// Default: "/_uplink/ws".
	WebSocketPath string

	// Guid identifies this client across reconnects.
	// Default: generated by GuidGenerator.
	Guid string

	// GuidGenerator produces the guid when Guid is empty.
	// Default: idgen.UUID.
	GuidGenerator idgen.Generator

	// Bootstrap, when set, supplies the guid and the pid of the server that
	// rendered it, and seeds the cache with its store blob.
	Bootstrap *Bootstrap

	// Timeouts

	// HandshakeTimeout bounds both the dial and the wait for handshake-ack.
	// On expiry the transport is dropped and the reconnect backoff applies.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a frame.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ReconnectBase is the first reconnect delay. Delays grow exponentially
	// with jitter up to ReconnectMax.
	// Default: 250 milliseconds.
	ReconnectBase time.Duration

	// ReconnectMax caps the reconnect delay.
	// Default: 30 seconds.
	ReconnectMax time.Duration

	// ReloadJitter spreads OnServerRestart over [0, ReloadJitter) so that a
	// restarted server is not hit by every client at once.
	// Default: 2 seconds.
	ReloadJitter time.Duration

	// MaxResponseSize bounds store read and action response bodies.
	// Default: 8MB.
	MaxResponseSize int64

	// Transports

	// HTTPClient performs store reads and actions.
	// Default: a client with a 30 second timeout.
	HTTPClient *http.Client

	// Dialer opens the WebSocket.
	// Default: websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger

	// Hooks

	// OnServerRestart is called when a handshake-ack reports a pid other
	// than the previously observed one.
	// Default: (*Client).Resync.
	OnServerRestart func(c *Client)

	// OnStateChange is called on the callback goroutine after every state
	// transition.
	OnStateChange func(State)
}

// DefaultConfig returns a Config with sensible defaults. URL must still be set.
func DefaultConfig() *Config {
	return &Config{
		Prefix:           "/uplink",
		WebSocketPath:    "/_uplink/ws",
		GuidGenerator:    idgen.UUID{},
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReconnectBase:    250 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		ReloadJitter:     2 * time.Second,
		MaxResponseSize:  8 << 20, // 8MB
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	c.Prefix = "/" + strings.Trim(c.Prefix, "/")
	if c.Prefix == "/" {
		c.Prefix = ""
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = d.WebSocketPath
	}
	c.GuidGenerator = idgen.Or(c.GuidGenerator, d.GuidGenerator)
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.ReloadJitter == 0 {
		c.ReloadJitter = d.ReloadJitter
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = d.MaxResponseSize
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.OnServerRestart == nil {
		c.OnServerRestart = (*Client).Resync
	}
}

// ValidateConfig reports configuration errors that would break the client.
func (c *Config) ValidateConfig() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("URL is required"))
	} else if u, err := url.Parse(c.URL); err != nil {
		errs = append(errs, fmt.Errorf("URL %q: %w", c.URL, err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("URL %q must use http or https", c.URL))
	}
	if c.WebSocketPath != "" && !strings.HasPrefix(c.WebSocketPath, "/") {
		errs = append(errs, fmt.Errorf("WebSocketPath %q must start with /", c.WebSocketPath))
	}
	if c.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("HandshakeTimeout %v is negative", c.HandshakeTimeout))
	}
	if c.ReconnectBase < 0 || c.ReconnectMax < 0 {
		errs = append(errs, errors.New("reconnect delays must not be negative"))
	}
	if c.ReconnectBase > 0 && c.ReconnectMax > 0 && c.ReconnectBase > c.ReconnectMax {
		errs = append(errs, fmt.Errorf("ReconnectBase %v exceeds ReconnectMax %v", c.ReconnectBase, c.ReconnectMax))
	}
	if b := c.Bootstrap; b != nil && c.Guid != "" && b.Guid != "" && b.Guid != c.Guid {
		errs = append(errs, fmt.Errorf("Guid %q differs from bootstrap guid %q", c.Guid, b.Guid))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("uplink: invalid config: %w", errors.Join(errs...))
}

// GetConfigWarnings returns non-fatal configuration concerns.
func (c *Config) GetConfigWarnings() []string {
	var warnings []string
	if c.HandshakeTimeout > 0 && c.HandshakeTimeout < 100*time.Millisecond {
		warnings = append(warnings, "HandshakeTimeout below 100ms: handshakes over slow links will keep timing out")
	}
	if c.ReloadJitter < 0 {
		warnings = append(warnings, "ReloadJitter is negative: server restarts are handled immediately")
	}
	if c.HTTPClient != nil && c.HTTPClient.Timeout == 0 {
		warnings = append(warnings, "HTTPClient has no timeout: a stalled server blocks Fetch until its context ends")
	}
	return warnings
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// webSocketURL derives the ws(s) URL of the duplex endpoint from URL.
func (c *Config) webSocketURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + c.WebSocketPath
	u.RawQuery = ""
	return u.String(), nil
}

// endpoint returns the request/response URL of a store key or action path.
func (c *Config) endpoint(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimSuffix(c.URL, "/") + c.Prefix + protocol.EscapePath(path)
}
