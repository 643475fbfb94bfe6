package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile      = "config.yaml"
	DefaultStoragePath     = ".digestpipe/digestpipe.db"
	DefaultRetainDays      = 90
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultSendEvery       = time.Second
	DefaultMaxPosts        = 12
	DefaultHistoryLimit    = 5000
	DefaultWindow          = 7 * 24 * time.Hour
	DefaultTimezone        = "UTC"
	DefaultSummaryLength   = 120
	DefaultTrackerSchedule = "0 7 * * *"
	DefaultDigestSchedule  = "0 8 * * 1"
	DefaultSMTPPort        = 587
)

// Mail providers.
const (
	ProviderSendGrid = "sendgrid"
	ProviderSMTP     = "smtp"
	ProviderFile     = "file"
)

// ErrInvalid marks a configuration that cannot be used. Load fails fast
// with it before any pipeline runs.
var ErrInvalid = errors.New("invalid configuration")

// Duration wraps time.Duration for YAML unmarshaling from strings like "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Destination is a chat stream and topic, written as a two-element list.
type Destination struct {
	Stream string
	Topic  string
}

func (d *Destination) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode || len(value.Content) != 2 {
		return fmt.Errorf("%w: line %d: destination must be a [stream, topic] list", ErrInvalid, value.Line)
	}
	var parts [2]string
	for i, n := range value.Content {
		if n.Kind != yaml.ScalarNode || strings.TrimSpace(n.Value) == "" {
			return fmt.Errorf("%w: line %d: destination entries must be non-empty strings", ErrInvalid, n.Line)
		}
		parts[i] = n.Value
	}
	d.Stream, d.Topic = parts[0], parts[1]
	return nil
}

// Target maps a source id to its chat destination.
type Target struct {
	ID   string
	Dest Destination
}

// Targets is a YAML mapping of source id to destination, kept in file order.
type Targets []Target

func (t *Targets) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: line %d: expected a mapping of source to [stream, topic]", ErrInvalid, value.Line)
	}
	out := make(Targets, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		var tg Target
		if err := key.Decode(&tg.ID); err != nil {
			return err
		}
		if err := val.Decode(&tg.Dest); err != nil {
			return err
		}
		out = append(out, tg)
	}
	*t = out
	return nil
}

type Config struct {
	Zulip   ZulipConfig   `yaml:"zulip"`
	Tracker TrackerConfig `yaml:"tracker"`
	Digest  DigestConfig  `yaml:"digest"`
	Mail    MailConfig    `yaml:"mail"`
	Mute    MuteConfig    `yaml:"mute"`
	Privacy PrivacyConfig `yaml:"privacy"`
	Storage StorageConfig `yaml:"storage"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ZulipConfig struct {
	Site      string   `yaml:"site"`
	BaseURL   string   `yaml:"base_url"` // overrides https://<site> for the API
	Email     string   `yaml:"email"`
	EmailEnv  string   `yaml:"email_env"`
	APIKeyEnv string   `yaml:"api_key_env"`
	SendEvery Duration `yaml:"send_every"`

	// Resolved from env var at load time.
	APIKey string `yaml:"-"`
}

type TrackerConfig struct {
	Schedule string  `yaml:"schedule"`
	MaxPosts int     `yaml:"max_posts"`
	Accounts Targets `yaml:"accounts"`
	Feeds    Targets `yaml:"feeds"`
}

type DigestConfig struct {
	Schedule      string   `yaml:"schedule"`
	Window        Duration `yaml:"window"`
	Timezone      string   `yaml:"timezone"`
	Streams       []string `yaml:"streams"`
	HistoryLimit  int      `yaml:"history_limit"`
	From          string   `yaml:"from"`
	Recipients    []string `yaml:"recipients"`
	SummaryLength int      `yaml:"summary_length"`
}

type MailConfig struct {
	Provider string         `yaml:"provider"`
	SendGrid SendGridConfig `yaml:"sendgrid"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	File     FileConfig     `yaml:"file"`
}

type SendGridConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
	Host      string `yaml:"host"`

	// Resolved from env var at load time.
	APIKey string `yaml:"-"`
}

type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`

	// Resolved from env var at load time.
	Password string `yaml:"-"`
}

type FileConfig struct {
	Path string `yaml:"path"` // empty writes to stdout
}

type MuteConfig struct {
	Authors  []string `yaml:"authors"`
	Groups   []string `yaml:"groups"`
	Keywords []string `yaml:"keywords"`
	Patterns []string `yaml:"patterns"`
}

type PrivacyConfig struct {
	Redact RedactConfig `yaml:"redact"`
}

type RedactConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Patterns []string `yaml:"patterns"`
}

type StorageConfig struct {
	Path       string `yaml:"path"`
	RetainDays int    `yaml:"retain_days"`
}

type HTTPConfig struct {
	Timeout Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Load reads config.yaml from dir, applies defaults, resolves env vars, and validates.
func Load(dir string) (*Config, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("config dir is required")
	}

	path := filepath.Join(dir, DefaultConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		if errors.Is(err, ErrInvalid) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		return nil, fmt.Errorf("%w: parse config: %w", ErrInvalid, err)
	}

	applyDefaults(&cfg)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return &cfg, nil
}

// Location returns the digest time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Digest.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MailProvider returns the configured provider, or picks one from the
// available credentials: SendGrid key, then SMTP host, then file output.
func (c *Config) MailProvider() string {
	if c.Mail.Provider != "" {
		return c.Mail.Provider
	}
	switch {
	case c.Mail.SendGrid.APIKey != "":
		return ProviderSendGrid
	case c.Mail.SMTP.Host != "":
		return ProviderSMTP
	default:
		return ProviderFile
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if cfg.Storage.RetainDays == 0 {
		cfg.Storage.RetainDays = DefaultRetainDays
	}
	if cfg.HTTP.Timeout.Duration == 0 {
		cfg.HTTP.Timeout.Duration = DefaultHTTPTimeout
	}
	if cfg.Zulip.SendEvery.Duration == 0 {
		cfg.Zulip.SendEvery.Duration = DefaultSendEvery
	}
	if cfg.Tracker.Schedule == "" {
		cfg.Tracker.Schedule = DefaultTrackerSchedule
	}
	if cfg.Tracker.MaxPosts == 0 {
		cfg.Tracker.MaxPosts = DefaultMaxPosts
	}
	if cfg.Digest.Schedule == "" {
		cfg.Digest.Schedule = DefaultDigestSchedule
	}
	if cfg.Digest.Window.Duration == 0 {
		cfg.Digest.Window.Duration = DefaultWindow
	}
	if cfg.Digest.Timezone == "" {
		cfg.Digest.Timezone = DefaultTimezone
	}
	if cfg.Digest.HistoryLimit == 0 {
		cfg.Digest.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Digest.SummaryLength == 0 {
		cfg.Digest.SummaryLength = DefaultSummaryLength
	}
	if cfg.Mail.SMTP.Port == 0 {
		cfg.Mail.SMTP.Port = DefaultSMTPPort
	}
}

func resolveEnv(cfg *Config) {
	if cfg.Zulip.EmailEnv != "" {
		if v := os.Getenv(cfg.Zulip.EmailEnv); v != "" {
			cfg.Zulip.Email = v
		}
	}
	if cfg.Zulip.APIKeyEnv != "" {
		cfg.Zulip.APIKey = os.Getenv(cfg.Zulip.APIKeyEnv)
	}
	// Bot addresses live on the realm domain.
	if cfg.Zulip.Site == "" {
		if _, domain, ok := strings.Cut(cfg.Zulip.Email, "@"); ok {
			cfg.Zulip.Site = domain
		}
	}
	if cfg.Mail.SendGrid.APIKeyEnv != "" {
		cfg.Mail.SendGrid.APIKey = os.Getenv(cfg.Mail.SendGrid.APIKeyEnv)
	}
	if cfg.Mail.SMTP.PasswordEnv != "" {
		cfg.Mail.SMTP.Password = os.Getenv(cfg.Mail.SMTP.PasswordEnv)
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Zulip.Site) == "" {
		return errors.New("zulip.site is required")
	}
	if strings.Contains(cfg.Zulip.Site, "/") {
		return fmt.Errorf("zulip.site: want a host name, got %q", cfg.Zulip.Site)
	}
	if cfg.Zulip.BaseURL != "" {
		u, err := url.Parse(cfg.Zulip.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("zulip.base_url: want an http(s) URL, got %q", cfg.Zulip.BaseURL)
		}
	}
	if cfg.Tracker.MaxPosts < 0 {
		return errors.New("tracker.max_posts must not be negative")
	}
	if err := uniqueTargets("tracker.accounts", cfg.Tracker.Accounts); err != nil {
		return err
	}
	if err := uniqueTargets("tracker.feeds", cfg.Tracker.Feeds); err != nil {
		return err
	}

	for name, spec := range map[string]string{
		"tracker.schedule": cfg.Tracker.Schedule,
		"digest.schedule":  cfg.Digest.Schedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if cfg.Digest.Window.Duration < 0 {
		return errors.New("digest.window must be positive")
	}
	if _, err := time.LoadLocation(cfg.Digest.Timezone); err != nil {
		return fmt.Errorf("digest.timezone: %w", err)
	}
	if cfg.Digest.From != "" {
		if _, err := mail.ParseAddress(cfg.Digest.From); err != nil {
			return fmt.Errorf("digest.from: %w", err)
		}
	}
	for _, r := range cfg.Digest.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			return fmt.Errorf("digest.recipients: %q: %w", r, err)
		}
	}

	switch cfg.Mail.Provider {
	case "", ProviderFile:
	case ProviderSendGrid:
		if cfg.Mail.SendGrid.APIKey == "" {
			return errors.New("mail.sendgrid: api key is not set (check api_key_env)")
		}
	case ProviderSMTP:
		if cfg.Mail.SMTP.Host == "" {
			return errors.New("mail.smtp.host is required")
		}
	default:
		return fmt.Errorf("mail.provider: unknown provider %q (want sendgrid, smtp or file)", cfg.Mail.Provider)
	}

	for _, p := range cfg.Mute.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("mute.patterns: %w", err)
		}
	}
	for _, p := range cfg.Privacy.Redact.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("privacy.redact.patterns: %w", err)
		}
	}

	return nil
}

func uniqueTargets(field string, targets Targets) error {
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("%s: empty source id", field)
		}
		if seen[t.ID] {
			return fmt.Errorf("%s: duplicate source %q", field, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}
