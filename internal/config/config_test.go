package config

import (
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vango-dev/uplink/internal/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func errorCode(err error) string {
	var ue *errors.UplinkError
	if stderrors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Server.Address != DefaultAddress {
		t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, DefaultAddress)
	}
	if cfg.Server.Prefix != "/uplink" {
		t.Errorf("Server.Prefix = %q, want /uplink", cfg.Server.Prefix)
	}
	if time.Duration(cfg.Session.ExpiryTimeout) != time.Minute {
		t.Errorf("Session.ExpiryTimeout = %v, want 1m", time.Duration(cfg.Session.ExpiryTimeout))
	}
	if cfg.Client.URL != DefaultURL {
		t.Errorf("Client.URL = %q, want %q", cfg.Client.URL, DefaultURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	writeFile(t, path, `{
  "server": {"address": ":9090", "prefix": "/api", "seed": "seed.json"},
  "session": {"expiryTimeout": "30s"},
  "log": {"level": "debug", "format": "json"}
}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("Server.Address = %q, want :9090", cfg.Server.Address)
	}
	if cfg.Server.WebSocketPath != "/_uplink/ws" {
		t.Errorf("Server.WebSocketPath = %q, want default kept", cfg.Server.WebSocketPath)
	}
	if time.Duration(cfg.Session.ExpiryTimeout) != 30*time.Second {
		t.Errorf("Session.ExpiryTimeout = %v, want 30s", time.Duration(cfg.Session.ExpiryTimeout))
	}
	if cfg.Path() != path || cfg.Dir() != dir {
		t.Errorf("Path(), Dir() = %q, %q", cfg.Path(), cfg.Dir())
	}
	if got, want := cfg.SeedPath(), filepath.Join(dir, "seed.json"); got != want {
		t.Errorf("SeedPath() = %q, want %q", got, want)
	}
	if level, _ := cfg.LogLevel(); level != slog.LevelDebug {
		t.Errorf("LogLevel() = %v, want debug", level)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address == "" {
		t.Error("Load() returned empty defaults")
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"server": `)
	invalid := filepath.Join(dir, "invalid.json")
	writeFile(t, invalid, `{"log": {"format": "xml"}}`)

	tests := []struct {
		name string
		path string
		want string
	}{
		{"missing", filepath.Join(dir, "nope.json"), "E141"},
		{"malformed", bad, "E120"},
		{"invalid value", invalid, "E121"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(tt.path)
			if got := errorCode(err); got != tt.want {
				t.Errorf("LoadFile() error = %v, want code %s", err, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := New()
	err := cfg.ApplyEnv(map[string]string{
		"UPLINK_SERVER_ADDRESS":         ":7000",
		"UPLINK_SERVER_ALLOWED_ORIGINS": "http://a.test,http://b.test",
		"UPLINK_SESSION_EXPIRY_TIMEOUT": "5s",
		"UPLINK_CLIENT_URL":             "https://uplink.test",
		"UPLINK_SERVER_DEV_MODE":        "true",
		"OTHER_SERVER_ADDRESS":          ":1",
	})
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.Server.Address != ":7000" {
		t.Errorf("Server.Address = %q, want :7000", cfg.Server.Address)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("Server.AllowedOrigins = %v, want 2 entries", cfg.Server.AllowedOrigins)
	}
	if time.Duration(cfg.Session.ExpiryTimeout) != 5*time.Second {
		t.Errorf("Session.ExpiryTimeout = %v, want 5s", time.Duration(cfg.Session.ExpiryTimeout))
	}
	if cfg.Client.URL != "https://uplink.test" {
		t.Errorf("Client.URL = %q", cfg.Client.URL)
	}
	if !cfg.Server.DevMode {
		t.Error("Server.DevMode = false, want true")
	}
	if cfg.Server.Prefix != "/uplink" {
		t.Errorf("Server.Prefix = %q, want unset field untouched", cfg.Server.Prefix)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	err := New().ApplyEnv(map[string]string{"UPLINK_SESSION_EXPIRY_TIMEOUT": "soon"})
	if got := errorCode(err); got != "E122" {
		t.Errorf("ApplyEnv() error = %v, want code E122", err)
	}
}

func TestOverlayDotenv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, EnvFileName), "UPLINK_SERVER_ADDRESS=:6000\nUPLINK_CLIENT_URL=http://dotenv.test\n")

	cfg := New()
	err := cfg.overlay(dir, map[string]string{"UPLINK_CLIENT_URL": "http://environ.test"})
	if err != nil {
		t.Fatalf("overlay() error = %v", err)
	}
	if cfg.Server.Address != ":6000" {
		t.Errorf("Server.Address = %q, want value from .env", cfg.Server.Address)
	}
	if cfg.Client.URL != "http://environ.test" {
		t.Errorf("Client.URL = %q, want environment to win over .env", cfg.Client.URL)
	}
}

func TestSaveTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	cfg := New()
	cfg.Server.Address = ":1234"
	cfg.Session.ExpiryTimeout = Duration(90 * time.Second)

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if loaded.Server.Address != ":1234" {
		t.Errorf("Server.Address = %q, want :1234", loaded.Server.Address)
	}
	if time.Duration(loaded.Session.ExpiryTimeout) != 90*time.Second {
		t.Errorf("Session.ExpiryTimeout = %v, want 1m30s", time.Duration(loaded.Session.ExpiryTimeout))
	}
}

func TestSaveWithoutPath(t *testing.T) {
	if err := New().Save(); err == nil {
		t.Error("Save() error = nil, want error for unset path")
	}
}

func TestConversions(t *testing.T) {
	cfg := New()
	cfg.Server.Prefix = "/api"
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Session.MaxQueuedMessages = 10
	cfg.Client.URL = "http://remote.test/"
	cfg.Client.Guid = "g-1"

	sc := cfg.ServerConfig()
	if sc.Prefix != "/api" || sc.SessionConfig.MaxQueuedMessages != 10 {
		t.Errorf("ServerConfig() = prefix %q, queue %d", sc.Prefix, sc.SessionConfig.MaxQueuedMessages)
	}
	if sc.CheckOrigin == nil {
		t.Error("ServerConfig().CheckOrigin = nil with allowed origins")
	}

	cc := cfg.ClientConfig()
	if cc.Prefix != "/api" || cc.Guid != "g-1" || cc.URL != "http://remote.test/" {
		t.Errorf("ClientConfig() = %+v", cc)
	}
	if err := cc.ValidateConfig(); err != nil {
		t.Errorf("ClientConfig().ValidateConfig() error = %v", err)
	}
	if got := cfg.BootstrapURL(); got != "http://remote.test/_uplink/bootstrap" {
		t.Errorf("BootstrapURL() = %q", got)
	}
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ConfigFileName), "{}")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	got, err := FindProjectRoot(nested)
	if err != nil {
		t.Fatalf("FindProjectRoot() error = %v", err)
	}
	want, _ := filepath.Abs(root)
	if got != want {
		t.Errorf("FindProjectRoot() = %q, want %q", got, want)
	}
	if !Exists(root) || Exists(nested) {
		t.Error("Exists() disagrees with layout")
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	text, _ := d.MarshalText()
	if string(text) != "1m30s" {
		t.Errorf("MarshalText() = %q, want 1m30s", text)
	}
	if err := d.UnmarshalText([]byte("later")); err == nil {
		t.Error("UnmarshalText(later) error = nil")
	}
}
