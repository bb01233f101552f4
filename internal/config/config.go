package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// Handler kinds accepted in the handlers list.
const (
	KindRecurring   = "recurring"
	KindCompetition = "competition"
)

// HandlerConfig describes one calendar feed and how its events are
// materialized.
type HandlerConfig struct {
	// Kind is "recurring" or "competition".
	Kind string `yaml:"kind" json:"kind"`
	// CalendarURL is the ICS subscription endpoint.
	CalendarURL string `yaml:"calendar_url" json:"calendar_url"`
	// LookaheadDays bounds how far ahead events are materialized.
	LookaheadDays int `yaml:"lookahead_days" json:"lookahead_days"`
	// CategoryPrefix names the yearly category of competition forums.
	CategoryPrefix string `yaml:"category_prefix,omitempty" json:"category_prefix,omitempty"`
}

// ChannelsConfig maps channel names to platform ids.
type ChannelsConfig struct {
	Public  map[string]string `yaml:"public" json:"public"`
	Private map[string]string `yaml:"private" json:"private"`
}

// AnnounceConfig controls announcement messages of recurring events.
type AnnounceConfig struct {
	// PublicChannel, PreviewChannel and PreviewVoiceChannel are channel
	// names looked up in Channels.
	PublicChannel       string `yaml:"public_channel" json:"public_channel"`
	PreviewChannel      string `yaml:"preview_channel" json:"preview_channel"`
	PreviewVoiceChannel string `yaml:"preview_voice_channel" json:"preview_voice_channel"`

	BlockEmoji string `yaml:"block_emoji" json:"block_emoji"`
	// VetoThreshold is the number of block reactions a preview may carry
	// and still be promoted. The bot's own reaction counts as one.
	VetoThreshold int `yaml:"veto_threshold" json:"veto_threshold"`

	DateFormat string `yaml:"date_format" json:"date_format"`
	// Template lines are joined with newlines and executed as a Go
	// text/template with .Title .Date .URL .Location .Description.
	Template []string `yaml:"template" json:"template"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// GuildID is the server whose events are managed.
	GuildID string `yaml:"guild_id" json:"guild_id"`
	// Token is the bot token. Prefer the DISCORD_TOKEN environment variable.
	Token string `yaml:"token,omitempty" json:"-"`

	// Timezone is the IANA timezone calendar times are shown in.
	Timezone string `yaml:"timezone" json:"timezone"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule string (e.g. "*/5 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`
	// Lockout is how long before its start an event is frozen.
	Lockout Duration `yaml:"lockout" json:"lockout"`

	// Database is the sqlite file holding announcement records.
	Database string `yaml:"database" json:"database"`
	// CacheDir holds the last good copy of every feed. Empty disables it.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Listen is the status API address. Empty disables the API.
	Listen string `yaml:"listen" json:"listen"`
	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// NATSURL receives outcome events. Empty disables publishing.
	NATSURL string `yaml:"nats_url,omitempty" json:"nats_url,omitempty"`

	Channels ChannelsConfig  `yaml:"channels" json:"channels"`
	Announce AnnounceConfig  `yaml:"announce" json:"announce"`
	Handlers []HandlerConfig `yaml:"handlers" json:"handlers"`
}

// Duration is a time.Duration that reads and writes as "3h".
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func defaultTemplate() []string {
	return []string{
		"**{{.Title}}**",
		"{{.Date}}",
		"{{.URL}}",
		"",
		"{{.Description}}",
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:    "Europe/Amsterdam",
		LogLevel:    "info",
		RefreshCron: "*/5 * * * *",
		Lockout:     Duration(3 * time.Hour),
		Database:    "/var/lib/calbot/events.db",
		CacheDir:    "/var/lib/calbot/ics-cache",
		Listen:      "127.0.0.1:8080",
		Channels: ChannelsConfig{
			Public:  map[string]string{"announcements": ""},
			Private: map[string]string{"announcements-preview": "", "announcements-voice": ""},
		},
		Announce: AnnounceConfig{
			PublicChannel:       "announcements",
			PreviewChannel:      "announcements-preview",
			PreviewVoiceChannel: "announcements-voice",
			BlockEmoji:          "🛑",
			VetoThreshold:       1,
			DateFormat:          "15:04 02/01/2006",
			Template:            defaultTemplate(),
		},
		Handlers: []HandlerConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = "Europe/Amsterdam"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/5 * * * *"
	}
	if c.Lockout <= 0 {
		c.Lockout = Duration(3 * time.Hour)
	}
	if c.Database == "" {
		c.Database = "/var/lib/calbot/events.db"
	}
	if c.Channels.Public == nil {
		c.Channels.Public = map[string]string{}
	}
	if c.Channels.Private == nil {
		c.Channels.Private = map[string]string{}
	}

	a := &c.Announce
	if a.BlockEmoji == "" {
		a.BlockEmoji = "🛑"
	}
	if a.VetoThreshold <= 0 {
		a.VetoThreshold = 1
	}
	if a.DateFormat == "" {
		a.DateFormat = "15:04 02/01/2006"
	}
	if len(a.Template) == 0 {
		a.Template = defaultTemplate()
	}

	if c.Handlers == nil {
		c.Handlers = []HandlerConfig{}
	}
	for i := range c.Handlers {
		h := &c.Handlers[i]
		h.Kind = strings.ToLower(strings.TrimSpace(h.Kind))
		if h.LookaheadDays <= 0 {
			switch h.Kind {
			case KindCompetition:
				h.LookaheadDays = 30
			default:
				h.LookaheadDays = 11
			}
		}
		if h.Kind == KindCompetition && h.CategoryPrefix == "" {
			h.CategoryPrefix = "CTFs"
		}
	}
}

// ApplyEnv overrides secrets and deployment-specific fields from the
// environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("DISCORD_TOKEN"); v != "" {
		c.Token = v
	}
	if v := getenv("CALBOT_GUILD_ID"); v != "" {
		c.GuildID = v
	}
	if v := getenv("CALBOT_DATABASE"); v != "" {
		c.Database = v
	}
	if v := getenv("CALBOT_NATS_URL"); v != "" {
		c.NATSURL = v
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	seen := map[string]bool{}
	for i, h := range c.Handlers {
		switch h.Kind {
		case KindRecurring, KindCompetition:
		default:
			errs = append(errs, fmt.Errorf("handlers[%d]: unknown kind %q", i, h.Kind))
		}
		if seen[h.Kind] {
			errs = append(errs, fmt.Errorf("handlers[%d]: duplicate kind %q", i, h.Kind))
		}
		seen[h.Kind] = true
		if h.CalendarURL == "" {
			errs = append(errs, fmt.Errorf("handlers[%d]: calendar_url is empty", i))
		}
	}
	if seen[KindRecurring] {
		for _, name := range []string{c.Announce.PublicChannel, c.Announce.PreviewChannel, c.Announce.PreviewVoiceChannel} {
			if _, err := c.ChannelID(name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ChannelID resolves a channel name from either channel set.
func (c *Config) ChannelID(name string) (string, error) {
	if id := c.Channels.Public[name]; id != "" {
		return id, nil
	}
	if id := c.Channels.Private[name]; id != "" {
		return id, nil
	}
	return "", fmt.Errorf("channel %q has no id", name)
}

// Location returns the configured timezone, or UTC if it is invalid.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".calbot-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
