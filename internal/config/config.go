// Package config loads client and server configuration from YAML or TOML
// files, applies defaults and environment overrides, and validates the result.
package config

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvServer    = "DMSYNC_SERVER"
	EnvToken     = "DMSYNC_TOKEN"
	EnvLogLevel  = "DMSYNC_LOG_LEVEL"
	EnvLogFormat = "DMSYNC_LOG_FORMAT"
)

var (
	ErrMissingServer    = errors.New("server url is required")
	ErrMissingToken     = errors.New("token is required")
	ErrMissingAddr      = errors.New("listen address is required")
	ErrMissingUserToken = errors.New("user token is required")
	ErrDuplicateUser    = errors.New("duplicate user")
	ErrUnsupportedFile  = errors.New("unsupported config file extension")
)

// Log formats.
const (
	FormatAuto    = "auto"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// ReconnectConfig is the push connection's backoff policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// ClientConfig configures dmclient.
type ClientConfig struct {
	Server         string
	Token          string
	RequestTimeout time.Duration
	PendingTimeout time.Duration
	Reconnect      ReconnectConfig
	Log            LogConfig
}

// UserConfig is a user the reference server accepts, with its static
// bearer token.
type UserConfig struct {
	ID        int64  `yaml:"id" toml:"id"`
	Username  string `yaml:"username" toml:"username"`
	FullName  string `yaml:"full_name" toml:"full_name"`
	AvatarURL string `yaml:"avatar_url" toml:"avatar_url"`
	Email     string `yaml:"email" toml:"email"`
	Token     string `yaml:"token" toml:"token"`
}

// ServerConfig configures dmserver.
type ServerConfig struct {
	Addr string
	// DB is the SQLite database path. Empty selects the in-memory store.
	DB    string
	Users []UserConfig
	Log   LogConfig
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Server:         "http://localhost:8000",
		RequestTimeout: 15 * time.Second,
		PendingTimeout: 10 * time.Second,
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
		},
		Log: LogConfig{Level: "info", Format: FormatAuto},
	}
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr: ":8000",
		Log:  LogConfig{Level: "info", Format: FormatAuto},
	}
}

type fileLog struct {
	Level  *string `yaml:"level" toml:"level"`
	Format *string `yaml:"format" toml:"format"`
}

type fileReconnect struct {
	BaseDelay   *string `yaml:"base_delay" toml:"base_delay"`
	MaxDelay    *string `yaml:"max_delay" toml:"max_delay"`
	MaxAttempts *int    `yaml:"max_attempts" toml:"max_attempts"`
}

type clientFile struct {
	Server         *string       `yaml:"server" toml:"server"`
	Token          *string       `yaml:"token" toml:"token"`
	RequestTimeout *string       `yaml:"request_timeout" toml:"request_timeout"`
	PendingTimeout *string       `yaml:"pending_timeout" toml:"pending_timeout"`
	Reconnect      fileReconnect `yaml:"reconnect" toml:"reconnect"`
	Log            fileLog       `yaml:"log" toml:"log"`
}

type serverFile struct {
	Addr  *string      `yaml:"addr" toml:"addr"`
	DB    *string      `yaml:"db" toml:"db"`
	Users []UserConfig `yaml:"users" toml:"users"`
	Log   fileLog      `yaml:"log" toml:"log"`
}

// LoadClient reads path (if non-empty) over the defaults, then applies
// environment overrides. The result is not validated; call Validate once
// command-line flags have been applied.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path != "" {
		var raw clientFile
		if err := decodeFile(path, &raw); err != nil {
			return ClientConfig{}, err
		}
		if err := raw.apply(&cfg); err != nil {
			return ClientConfig{}, errors.Wrapf(err, "config %s", path)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (raw clientFile) apply(cfg *ClientConfig) error {
	setString(&cfg.Server, raw.Server)
	setString(&cfg.Token, raw.Token)
	if err := setDuration(&cfg.RequestTimeout, raw.RequestTimeout, "request_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.PendingTimeout, raw.PendingTimeout, "pending_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Reconnect.BaseDelay, raw.Reconnect.BaseDelay, "reconnect.base_delay"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Reconnect.MaxDelay, raw.Reconnect.MaxDelay, "reconnect.max_delay"); err != nil {
		return err
	}
	if raw.Reconnect.MaxAttempts != nil {
		cfg.Reconnect.MaxAttempts = *raw.Reconnect.MaxAttempts
	}
	raw.Log.apply(&cfg.Log)
	return nil
}

func (cfg *ClientConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvServer)); v != "" {
		cfg.Server = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvToken)); v != "" {
		cfg.Token = v
	}
	cfg.Log.applyEnv()
}

// Validate checks that the client can reach a server.
func (cfg ClientConfig) Validate() error {
	if strings.TrimSpace(cfg.Server) == "" {
		return ErrMissingServer
	}
	u, err := url.Parse(cfg.Server)
	if err != nil {
		return errors.Wrapf(err, "invalid server url %q", cfg.Server)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("invalid server url %q: scheme must be http or https", cfg.Server)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return ErrMissingToken
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}
	if cfg.Reconnect.BaseDelay > cfg.Reconnect.MaxDelay {
		return errors.New("reconnect.base_delay must not exceed reconnect.max_delay")
	}
	return cfg.Log.Validate()
}

// LoadServer reads path (if non-empty) over the defaults and applies
// environment overrides.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		var raw serverFile
		if err := decodeFile(path, &raw); err != nil {
			return ServerConfig{}, err
		}
		setString(&cfg.Addr, raw.Addr)
		setString(&cfg.DB, raw.DB)
		cfg.Users = raw.Users
		raw.Log.apply(&cfg.Log)
	}
	cfg.Log.applyEnv()
	return cfg, nil
}

// Validate checks addresses and that user ids and tokens are unique.
func (cfg ServerConfig) Validate() error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return ErrMissingAddr
	}
	ids := make(map[int64]struct{}, len(cfg.Users))
	tokens := make(map[string]struct{}, len(cfg.Users))
	for i, u := range cfg.Users {
		if u.ID <= 0 || strings.TrimSpace(u.Username) == "" {
			return errors.Errorf("users[%d]: id and username are required", i)
		}
		if strings.TrimSpace(u.Token) == "" {
			return errors.Wrapf(ErrMissingUserToken, "users[%d]", i)
		}
		if _, ok := ids[u.ID]; ok {
			return errors.Wrapf(ErrDuplicateUser, "users[%d]: id %d", i, u.ID)
		}
		if _, ok := tokens[u.Token]; ok {
			return errors.Wrapf(ErrDuplicateUser, "users[%d]: token reused", i)
		}
		ids[u.ID] = struct{}{}
		tokens[u.Token] = struct{}{}
	}
	return cfg.Log.Validate()
}

func (raw fileLog) apply(cfg *LogConfig) {
	setString(&cfg.Level, raw.Level)
	setString(&cfg.Format, raw.Format)
}

func (cfg *LogConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Format = v
	}
}

// Validate checks the log format name.
func (cfg LogConfig) Validate() error {
	switch strings.ToLower(cfg.Format) {
	case "", FormatAuto, FormatJSON, FormatConsole:
		return nil
	default:
		return errors.Errorf("unknown log format %q", cfg.Format)
	}
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "config load failed (%s)", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrapf(err, "config parse failed (%s)", path)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), out)
		if err != nil {
			return errors.Wrapf(err, "config parse failed (%s)", path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return errors.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
		}
	default:
		return errors.Wrapf(ErrUnsupportedFile, "%s", path)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setDuration(dst *time.Duration, v *string, name string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*v))
	if err != nil {
		return errors.Wrapf(err, "parse %s", name)
	}
	*dst = d
	return nil
}
