package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"whatson/internal/model"
)

// NOTE: first run writes the defaults back to disk with 0600 permissions,
// so the generated file doubles as documentation of every option.

// Cache backends.
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the site and API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// CacheConfig configures the offline proxy in front of the origin.
type CacheConfig struct {
	// Version names the active cache bucket. Bumping it makes the next
	// start drop every older bucket.
	Version string `yaml:"version" json:"version"`
	// Backend is one of memory, disk or sqlite.
	Backend string `yaml:"backend" json:"backend"`
	// Dir holds the disk cache or the sqlite database file.
	Dir string `yaml:"dir" json:"dir"`
	// FeedPath marks requests served stale-while-revalidate.
	FeedPath string `yaml:"feed_path" json:"feed_path"`
	// Manifest is the application shell fetched eagerly at install.
	Manifest []string `yaml:"manifest" json:"manifest"`
	// Timeout bounds every origin request.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// CalendarConfig controls the .ics export.
type CalendarConfig struct {
	Domain    string `yaml:"domain" json:"domain"`
	Region    string `yaml:"region" json:"region"`
	ProductID string `yaml:"product_id" json:"product_id"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for date windows and floating feed
	// times (e.g. "Europe/London").
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info or error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Origin is the upstream static site proxied for offline use.
	Origin string `yaml:"origin" json:"origin"`

	// FeedURL is where events are loaded from. When empty it is derived
	// from Origin and Cache.FeedPath.
	FeedURL string `yaml:"feed_url" json:"feed_url"`

	// HorizonDays bounds recurrence expansion.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// Collation is the BCP 47 tag used to order the category facet.
	Collation string `yaml:"collation" json:"collation"`

	// Counties are the tiles offered on the home page.
	Counties []model.County `yaml:"counties" json:"counties"`

	Cache CacheConfig `yaml:"cache" json:"cache"`

	// RefreshCron is a cron schedule (e.g. "*/15 * * * *") for reloading
	// the feed and re-installing the application shell.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// CacheTTL is how long a loaded feed is reused by the API.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Europe/London"
	defaultLogLevel    = "info"
	defaultOrigin      = "https://whatsoninni.com"
	defaultHorizonDays = 90
	defaultCollation   = "en-GB"
	defaultRefreshCron = "*/15 * * * *"
	defaultCacheTTL    = 30 * time.Second

	defaultCacheVersion = "whatson-v1"
	defaultCacheDir     = "./var/offline-cache"
	defaultFeedPath     = "/data/events.json"
	defaultTimeout      = 15 * time.Second
)

func defaultCounties() []model.County {
	return []model.County{
		{Key: "Antrim", Page: "antrim.html"},
		{Key: "Armagh", Page: "armagh.html"},
		{Key: "Derry", Page: "derry.html"},
		{Key: "Down", Page: "down.html"},
		{Key: "Fermanagh", Page: "fermanagh.html"},
		{Key: "Tyrone", Page: "tyrone.html"},
	}
}

func defaultManifest() []string {
	return []string{
		"/",
		"/index.html",
		"/antrim.html",
		"/armagh.html",
		"/derry.html",
		"/down.html",
		"/fermanagh.html",
		"/tyrone.html",
		"/contact.html",
		"/submit.html",
		"/privacy.html",
		"/assets/app.js",
		"/assets/style.css",
		"/data/events.json",
		"/manifest.json",
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = defaultLogLevel
	}
	if c.Origin == "" {
		c.Origin = defaultOrigin
	}
	c.Origin = strings.TrimRight(c.Origin, "/")
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.Collation == "" {
		c.Collation = defaultCollation
	}
	if c.Counties == nil {
		c.Counties = defaultCounties()
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}

	cc := &c.Cache
	if cc.Version == "" {
		cc.Version = defaultCacheVersion
	}
	switch cc.Backend {
	case BackendMemory, BackendDisk, BackendSQLite:
	default:
		cc.Backend = BackendMemory
	}
	if cc.Dir == "" {
		cc.Dir = defaultCacheDir
	}
	if cc.FeedPath == "" {
		cc.FeedPath = defaultFeedPath
	}
	if cc.Manifest == nil {
		cc.Manifest = defaultManifest()
	}
	if cc.Timeout <= 0 {
		cc.Timeout = defaultTimeout
	}

	// Calendar defaults live in internal/ics; empty values fall through.
}

// Feed returns the URL the loader should fetch.
func (c *Config) Feed() string {
	if c.FeedURL != "" {
		return c.FeedURL
	}
	return c.Origin + c.Cache.FeedPath
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("origin %q is not an absolute URL", c.Origin)
	}
	if !strings.HasPrefix(c.Cache.FeedPath, "/") {
		return fmt.Errorf("cache.feed_path %q must start with /", c.Cache.FeedPath)
	}
	for _, p := range c.Cache.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.manifest entry %q must start with /", p)
		}
	}
	return nil
}

// Environment variables that override the file.
const (
	EnvListen   = "WHATSON_LISTEN"
	EnvOrigin   = "WHATSON_ORIGIN"
	EnvFeedURL  = "WHATSON_FEED_URL"
	EnvLogLevel = "WHATSON_LOG_LEVEL"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overrides fields from lookup (usually os.LookupEnv) and
// re-normalizes.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvListen, &c.Listen)
	set(EnvOrigin, &c.Origin)
	set(EnvFeedURL, &c.FeedURL)
	set(EnvLogLevel, &c.LogLevel)
	c.Normalize()
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

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory with 0700.
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

	tmp, err := os.CreateTemp(dir, ".whatson-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
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

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
