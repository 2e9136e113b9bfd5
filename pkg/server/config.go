package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/pirelay/pkg/logging"
	"github.com/NicolasHaas/pirelay/pkg/relay"
	"github.com/NicolasHaas/pirelay/pkg/store"
	"github.com/NicolasHaas/pirelay/pkg/transport"
	"github.com/NicolasHaas/pirelay/pkg/version"
)

// Backend transport kinds.
const (
	TransportUnix      = "unix"
	TransportWebSocket = "websocket"
)

// StreamFormat selects how received messages are written to a GET stream.
type StreamFormat string

const (
	StreamNDJSON StreamFormat = "ndjson" // one model.Message JSON object per line
	StreamRaw    StreamFormat = "raw"    // one wire record per line
)

// Config holds relay server configuration. It maps 1:1 to the YAML file.
type Config struct {
	Listen  string        `yaml:"listen"` // HTTP bind address (e.g. ":3000")
	Log     LogConfig     `yaml:"log"`
	History HistoryConfig `yaml:"history"`
	Metrics MetricsConfig `yaml:"metrics"`
	Chat    RelayConfig   `yaml:"chat"`   // Unix socket variant
	GoChat  RelayConfig   `yaml:"gochat"` // WebSocket variant
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HistoryConfig controls the transcript store.
type HistoryConfig struct {
	DBPath string `yaml:"db_path"` // SQLite file; empty keeps history in memory
	Limit  int    `yaml:"limit"`   // default number of entries served by /history
}

// MetricsConfig controls /metrics, /healthz and the periodic metrics log.
type MetricsConfig struct {
	Enabled     bool          `yaml:"enabled"`
	LogInterval time.Duration `yaml:"log_interval"` // 0 disables the periodic log
}

// RelayConfig describes one HTTP route and the backend it relays to.
type RelayConfig struct {
	Disabled         bool          `yaml:"disabled,omitempty"`
	Route            string        `yaml:"route"`
	Transport        string        `yaml:"transport"`             // "unix" or "websocket"
	SocketPath       string        `yaml:"socket_path,omitempty"` // unix only
	URL              string        `yaml:"url,omitempty"`         // websocket only
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`       // 0 disables reconnects
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`       // 0 means no timeout
	StreamFormat     StreamFormat  `yaml:"stream_format"`
	ListenerBuffer   int           `yaml:"listener_buffer"`
	TeardownOnCancel bool          `yaml:"teardown_on_cancel"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen: ":3000",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		History: HistoryConfig{
			Limit: store.DefaultRecentLimit,
		},
		Metrics: MetricsConfig{
			Enabled:     true,
			LogInterval: 60 * time.Second,
		},
		Chat: RelayConfig{
			Route:            "/chat",
			Transport:        TransportUnix,
			SocketPath:       transport.DefaultSocketPath,
			ReconnectDelay:   relay.DefaultReconnectDelay,
			StreamFormat:     StreamNDJSON,
			ListenerBuffer:   relay.DefaultListenerBuffer,
			TeardownOnCancel: true,
		},
		GoChat: RelayConfig{
			Route:            "/goChat",
			Transport:        TransportWebSocket,
			URL:              transport.DefaultWebSocketURL,
			ConnectTimeout:   relay.DefaultConnectTimeout,
			StreamFormat:     StreamRaw,
			ListenerBuffer:   relay.DefaultListenerBuffer,
			TeardownOnCancel: true,
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML data on top of DefaultConfig and validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found in the config.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if err := logging.Validate(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := logging.ValidateFormat(c.Log.Format); err != nil {
		errs = append(errs, err)
	}
	if c.History.Limit < 0 {
		errs = append(errs, errors.New("history.limit must not be negative"))
	}
	if c.Metrics.LogInterval < 0 {
		errs = append(errs, errors.New("metrics.log_interval must not be negative"))
	}

	routes := map[string]string{}
	for _, rc := range c.relays() {
		if err := rc.cfg.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rc.name, err))
			continue
		}
		if other, dup := routes[rc.cfg.Route]; dup {
			errs = append(errs, fmt.Errorf("%s: route %q already used by %s", rc.name, rc.cfg.Route, other))
		}
		routes[rc.cfg.Route] = rc.name
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type namedRelay struct {
	name string
	cfg  RelayConfig
}

// relays returns the enabled relay configs with their config section names.
func (c Config) relays() []namedRelay {
	var out []namedRelay
	if !c.Chat.Disabled {
		out = append(out, namedRelay{name: "chat", cfg: c.Chat})
	}
	if !c.GoChat.Disabled {
		out = append(out, namedRelay{name: "gochat", cfg: c.GoChat})
	}
	return out
}

func (rc RelayConfig) validate() error {
	if !strings.HasPrefix(rc.Route, "/") || rc.Route == "/" {
		return fmt.Errorf("route %q must start with / and name a path", rc.Route)
	}
	switch rc.Transport {
	case TransportUnix:
		if rc.SocketPath == "" {
			return errors.New("socket_path is required for unix transport")
		}
	case TransportWebSocket:
		if !strings.HasPrefix(rc.URL, "ws://") && !strings.HasPrefix(rc.URL, "wss://") {
			return fmt.Errorf("url %q must be a ws:// or wss:// URL", rc.URL)
		}
	default:
		return fmt.Errorf("unknown transport %q (valid: %s, %s)", rc.Transport, TransportUnix, TransportWebSocket)
	}
	if rc.ReconnectDelay < 0 || rc.ConnectTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	switch rc.StreamFormat {
	case StreamNDJSON, StreamRaw:
	default:
		return fmt.Errorf("unknown stream_format %q (valid: %s, %s)", rc.StreamFormat, StreamNDJSON, StreamRaw)
	}
	if rc.ListenerBuffer < 0 {
		return errors.New("listener_buffer must not be negative")
	}
	return nil
}

// Policy returns the relay failure policy for this backend.
func (rc RelayConfig) Policy() relay.Policy {
	return relay.Policy{
		ReconnectDelay: rc.ReconnectDelay,
		ConnectTimeout: rc.ConnectTimeout,
	}
}

// Dialer returns the transport dialer for this backend.
func (rc RelayConfig) Dialer() transport.Dialer {
	if rc.Transport == TransportWebSocket {
		return transport.WebSocketDialer{
			URL:    rc.URL,
			Header: http.Header{"User-Agent": {version.UserAgent()}},
		}
	}
	return transport.UnixDialer{Path: rc.SocketPath}
}
