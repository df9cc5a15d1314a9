// Package config loads, validates, and normalizes the anthill daemon
// configuration from TOML, with ANTHILL_* environment overrides applied on
// top of whatever the file provides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Defaults and clamp bounds for the numeric options. Values outside a bound
// are clamped on load, not rejected, so a daemon always starts with a sane
// cadence.
const (
	DefaultPort            = 7070
	DefaultBindAddress     = "127.0.0.1"
	DefaultMuxPrefix       = "ah"
	DefaultPollIntervalMs  = 1000
	DefaultCaptureLines    = 500
	DefaultMaxEventHistory = 10000
	DefaultLogLevel        = "info"

	MinPollIntervalMs = 100
	MaxPollIntervalMs = 30000
	MinCaptureLines   = 10
	MaxCaptureLines   = 10000
	MinEventHistory   = 100
	MaxEventHistory   = 100000
)

// muxPrefixRe constrains the session-name prefix: it participates in tmux
// session names, so it gets the same alphabet as project names.
var muxPrefixRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,15}$`)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Config is the full daemon configuration surface.
type Config struct {
	Port            int    `toml:"port" json:"port" jsonschema:"minimum=1,maximum=65535,default=7070,description=HTTP listen port"`
	BindAddress     string `toml:"bindAddress" json:"bindAddress" jsonschema:"default=127.0.0.1,description=HTTP listen address"`
	MuxPrefix       string `toml:"muxPrefix" json:"muxPrefix" jsonschema:"default=ah,description=tmux session-name prefix identifying the daemon's sessions"`
	PollIntervalMs  int    `toml:"pollIntervalMs" json:"pollIntervalMs" jsonschema:"minimum=100,maximum=30000,default=1000,description=poller cadence in milliseconds"`
	CaptureLines    int    `toml:"captureLines" json:"captureLines" jsonschema:"minimum=10,maximum=10000,default=500,description=scrollback lines per capture"`
	MaxEventHistory int    `toml:"maxEventHistory" json:"maxEventHistory" jsonschema:"minimum=100,maximum=100000,default=10000,description=event bus ring capacity"`
	LogLevel        string `toml:"logLevel" json:"logLevel" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	RuntimeDir      string `toml:"runtimeDir" json:"runtimeDir" jsonschema:"description=PID file lock and daemon log location"`
	LogDir          string `toml:"logDir" json:"logDir" jsonschema:"description=per-agent pipe-log root"`

	Auth      Auth                `toml:"auth" json:"auth"`
	Providers map[string]Provider `toml:"providers" json:"providers" jsonschema:"description=per-provider command and environment settings"`
	Webhook   Webhook             `toml:"webhook" json:"webhook"`

	// path the config was loaded from, empty when defaults-only.
	path string
}

// Auth carries the optional bearer token required on all HTTP routes.
type Auth struct {
	Token string `toml:"token" json:"token,omitempty" jsonschema:"description=when set this token is required as Bearer auth on every route"`
}

// Provider configures one provider tag (claude-code, codex, pi, opencode, …).
type Provider struct {
	Command   string            `toml:"command" json:"command" jsonschema:"description=base executable for this provider"`
	ExtraArgs []string          `toml:"extraArgs" json:"extraArgs,omitempty"`
	Env       map[string]string `toml:"env" json:"env,omitempty"`
	Model     string            `toml:"model" json:"model,omitempty" jsonschema:"description=default model passed as --model"`
	Enabled   *bool             `toml:"enabled" json:"enabled,omitempty" jsonschema:"default=true"`
}

// IsEnabled reports whether the provider may be used. Absent means enabled;
// the pointer distinguishes "unset" from an explicit false.
func (p Provider) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Webhook holds the dispatcher defaults applied when neither the agent nor
// its project carries an explicit callback.
type Webhook struct {
	URL            string `toml:"url" json:"url,omitempty"`
	Token          string `toml:"token" json:"token,omitempty"`
	DiscordChannel string `toml:"discordChannel" json:"discordChannel,omitempty"`
	SessionKey     string `toml:"sessionKey" json:"sessionKey,omitempty"`
}

// DefaultProviders returns the built-in provider table. User config entries
// are merged over these, keyed by tag.
func DefaultProviders() map[string]Provider {
	return map[string]Provider{
		"claude-code": {Command: "claude"},
		"codex":       {Command: "codex"},
		"pi":          {Command: "pi"},
		"opencode":    {Command: "opencode"},
	}
}

// Default returns a fully-populated configuration with no file applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	share := filepath.Join(home, ".local", "share", "anthill")
	return &Config{
		Port:            DefaultPort,
		BindAddress:     DefaultBindAddress,
		MuxPrefix:       DefaultMuxPrefix,
		PollIntervalMs:  DefaultPollIntervalMs,
		CaptureLines:    DefaultCaptureLines,
		MaxEventHistory: DefaultMaxEventHistory,
		LogLevel:        DefaultLogLevel,
		RuntimeDir:      share,
		LogDir:          filepath.Join(share, "logs"),
		Providers:       DefaultProviders(),
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	if dir := os.Getenv("ANTHILL_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "anthill", "config.toml")
}

// Load reads the config at path, falling back to DefaultPath when path is
// empty. A missing file at the default location yields the defaults; a
// missing file at an explicitly requested path is an error. The result is
// normalized and validated.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := parseInto(cfg, string(data)); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		cfg.path = path
	case os.IsNotExist(err) && !explicit:
		// No file is fine; run on defaults.
	default:
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML data over the defaults, then normalizes and validates.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if err := parseInto(cfg, data); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseInto(cfg *Config, data string) error {
	// Decode into a scratch map of providers first so user entries merge over
	// the built-ins instead of replacing the whole table.
	userProviders := cfg.Providers
	cfg.Providers = nil

	md, err := toml.Decode(data, cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("unrecognized config keys: %s", strings.Join(keys, ", "))
	}

	merged := userProviders
	for tag, p := range cfg.Providers {
		base, ok := merged[tag]
		if !ok {
			merged[tag] = p
			continue
		}
		if p.Command != "" {
			base.Command = p.Command
		}
		if p.ExtraArgs != nil {
			base.ExtraArgs = p.ExtraArgs
		}
		if p.Env != nil {
			base.Env = p.Env
		}
		if p.Model != "" {
			base.Model = p.Model
		}
		if p.Enabled != nil {
			base.Enabled = p.Enabled
		}
		merged[tag] = base
	}
	cfg.Providers = merged
	return nil
}

// applyEnv layers ANTHILL_* overrides on top of the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHILL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("ANTHILL_BIND_ADDRESS"); v != "" {
		c.BindAddress = v
	}
	if v := os.Getenv("ANTHILL_MUX_PREFIX"); v != "" {
		c.MuxPrefix = v
	}
	if v := os.Getenv("ANTHILL_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("ANTHILL_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("ANTHILL_RUNTIME_DIR"); v != "" {
		c.RuntimeDir = v
	}
	if v := os.Getenv("ANTHILL_LOG_DIR"); v != "" {
		c.LogDir = v
	}
}

// Normalize clamps numeric options into their documented ranges and fills
// derived paths.
func (c *Config) Normalize() {
	c.PollIntervalMs = clamp(c.PollIntervalMs, MinPollIntervalMs, MaxPollIntervalMs)
	c.CaptureLines = clamp(c.CaptureLines, MinCaptureLines, MaxCaptureLines)
	c.MaxEventHistory = clamp(c.MaxEventHistory, MinEventHistory, MaxEventHistory)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.RuntimeDir, "logs")
	}
	if c.Providers == nil {
		c.Providers = DefaultProviders()
	}
}

// Validate rejects values that clamping cannot repair.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if !muxPrefixRe.MatchString(c.MuxPrefix) {
		return fmt.Errorf("muxPrefix %q: must match %s", c.MuxPrefix, muxPrefixRe)
	}
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("logLevel %q: want debug, info, warn, or error", c.LogLevel)
	}
	for tag, p := range c.Providers {
		if p.IsEnabled() && p.Command == "" {
			return fmt.Errorf("providers.%s: command is required while enabled", tag)
		}
	}
	return nil
}

// Path returns the file the config was loaded from, or "" for defaults-only.
func (c *Config) Path() string { return c.path }

// PipeLogPath returns the per-agent pipe-log file location.
func (c *Config) PipeLogPath(project, agentID string) string {
	return filepath.Join(c.LogDir, project, agentID+".log")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
