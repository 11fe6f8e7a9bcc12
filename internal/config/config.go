package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Duration wraps time.Duration so config values can be written as "20s" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Query      string     `yaml:"query"`
	DaysBack   int        `yaml:"days_back"`
	DataDir    string     `yaml:"data_dir"`
	RunTimeout Duration   `yaml:"run_timeout"`
	Sources    Sources    `yaml:"sources"`
	Extraction Extraction `yaml:"extraction"`
	Dedup      Dedup      `yaml:"dedup"`
	Ranking    Ranking    `yaml:"ranking"`
	Digest     Digest     `yaml:"digest"`
	Sinks      Sinks      `yaml:"sinks"`
	Retry      Retry      `yaml:"retry"`
	Server     Server     `yaml:"server"`
}

type Sources struct {
	SERP     SERP       `yaml:"serp"`
	Feeds    []Feed     `yaml:"feeds"`
	Newswire Newswire   `yaml:"newswire"`
	Sites    []SiteSpec `yaml:"sites"`
}

type SERP struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	LoginEnv     string `yaml:"login_env"`
	PasswordEnv  string `yaml:"password_env"`
	LanguageCode string `yaml:"language_code"`
	LocationCode int    `yaml:"location_code"`
	MaxItems     int    `yaml:"max_items"`
}

type Feed struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	MaxItems int    `yaml:"max_items"`
}

type Newswire struct {
	Enabled  bool      `yaml:"enabled"`
	Host     string    `yaml:"host"`
	Editions []Edition `yaml:"editions"`
	MaxItems int       `yaml:"max_items"`
}

type Edition struct {
	Language string `yaml:"language"`
	Country  string `yaml:"country"`
}

type SiteSpec struct {
	ID            string `yaml:"id"`
	URL           string `yaml:"url"`
	ItemSelector  string `yaml:"item_selector"`
	TitleSelector string `yaml:"title_selector"`
	LinkSelector  string `yaml:"link_selector"`
	LinkAttr      string `yaml:"link_attr"`
	DateSelector  string `yaml:"date_selector"`
	MaxItems      int    `yaml:"max_items"`
}

type Extraction struct {
	Workers       int      `yaml:"workers"`
	Timeout       Duration `yaml:"timeout"`
	MinTextLength int      `yaml:"min_text_length"`
}

type Dedup struct {
	Window          Duration `yaml:"window"`
	TitleSimilarity float64  `yaml:"title_similarity"`
	SourcePriority  []string `yaml:"source_priority"`
}

type Ranking struct {
	Policy         string `yaml:"policy"`
	MaxItems       int    `yaml:"max_items"`
	RequireStories bool   `yaml:"require_stories"`
}

type Digest struct {
	SubjectTemplate string `yaml:"subject_template"`
	ExcerptChars    int    `yaml:"excerpt_chars"`
}

type Sinks struct {
	Email   Email   `yaml:"email"`
	Forum   Forum   `yaml:"forum"`
	Archive Archive `yaml:"archive"`
}

type Email struct {
	Enabled          bool     `yaml:"enabled"`
	Endpoint         string   `yaml:"endpoint"`
	APIKeyEnv        string   `yaml:"api_key_env"`
	FromEmailEnv     string   `yaml:"from_email_env"`
	FromNameTemplate string   `yaml:"from_name_template"`
	Recipients       []string `yaml:"recipients"`
	SendEmpty        bool     `yaml:"send_empty"`
}

type Forum struct {
	Enabled         bool   `yaml:"enabled"`
	AuthEndpoint    string `yaml:"auth_endpoint"`
	APIEndpoint     string `yaml:"api_endpoint"`
	ClientIDEnv     string `yaml:"client_id_env"`
	ClientSecretEnv string `yaml:"client_secret_env"`
	RefreshTokenEnv string `yaml:"refresh_token_env"`
	UserAgent       string `yaml:"user_agent"`
	Subreddit       string `yaml:"subreddit"`
	FlairID         string `yaml:"flair_id"`
}

type Archive struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	Prefix  string `yaml:"prefix"`
	Profile string `yaml:"profile"`
}

type Retry struct {
	Attempts  int      `yaml:"attempts"`
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
	Jitter    float64  `yaml:"jitter"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	APIKeyEnv string `yaml:"api_key_env"`
	Schedule  string `yaml:"schedule"`
}

// ConfigDir returns the XDG config directory for digestwire.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "digestwire")
}

// DataDir returns the XDG data directory for digestwire.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "digestwire")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/digestwire/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'digestwire init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		DaysBack:   1,
		RunTimeout: Duration(10 * time.Minute),
		Sources: Sources{
			SERP: SERP{
				Endpoint:    "https://api.dataforseo.com",
				LoginEnv:    "DATAFORSEO_LOGIN",
				PasswordEnv: "DATAFORSEO_PASSWORD",
			},
			Newswire: Newswire{
				Host: "news.google.com",
			},
		},
		Extraction: Extraction{
			Workers:       4,
			Timeout:       Duration(20 * time.Second),
			MinTextLength: 150,
		},
		Dedup: Dedup{
			Window:          Duration(24 * time.Hour),
			TitleSimilarity: 0.6,
		},
		Ranking: Ranking{
			Policy:   "recency",
			MaxItems: 25,
		},
		Digest: Digest{
			SubjectTemplate: "{query} digest - {date}",
			ExcerptChars:    400,
		},
		Sinks: Sinks{
			Email: Email{
				Endpoint:         "https://api.sendgrid.com",
				APIKeyEnv:        "SENDGRID_API_KEY",
				FromEmailEnv:     "VERIFIED_SENDER_EMAIL",
				FromNameTemplate: "{query} Daily",
			},
			Forum: Forum{
				AuthEndpoint:    "https://www.reddit.com/api/v1/access_token",
				APIEndpoint:     "https://oauth.reddit.com",
				ClientIDEnv:     "REDDIT_CLIENT_ID",
				ClientSecretEnv: "REDDIT_CLIENT_SECRET",
				RefreshTokenEnv: "REDDIT_REFRESH_TOKEN",
				UserAgent:       "digestwire/1.0",
			},
		},
		Retry: Retry{
			Attempts:  3,
			BaseDelay: Duration(2 * time.Second),
			MaxDelay:  Duration(30 * time.Second),
			Jitter:    0.2,
		},
		Server: Server{
			Addr:      "127.0.0.1:8787",
			APIKeyEnv: "DIGESTWIRE_API_KEY",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks the startup conditions that must abort a run before any
// I/O happens. Everything else degrades at run time.
func (c *Config) Validate() error {
	if c.Query == "" {
		return fmt.Errorf("query must be set")
	}
	if !c.AnySourceEnabled() {
		return fmt.Errorf("no sources configured")
	}
	if !c.AnySinkEnabled() {
		return fmt.Errorf("no sinks configured")
	}

	if c.Sources.SERP.Enabled {
		if err := requireEnv(c.Sources.SERP.LoginEnv, "serp source"); err != nil {
			return err
		}
		if err := requireEnv(c.Sources.SERP.PasswordEnv, "serp source"); err != nil {
			return err
		}
	}
	if c.Sources.Newswire.Enabled && len(c.Sources.Newswire.Editions) == 0 {
		return fmt.Errorf("newswire source enabled but no editions configured")
	}
	for _, site := range c.Sources.Sites {
		if site.URL == "" || site.ItemSelector == "" {
			return fmt.Errorf("site source %q needs url and item_selector", site.ID)
		}
	}

	if c.Sinks.Email.Enabled {
		if err := requireEnv(c.Sinks.Email.APIKeyEnv, "email sink"); err != nil {
			return err
		}
		if err := requireEnv(c.Sinks.Email.FromEmailEnv, "email sink"); err != nil {
			return err
		}
		if len(c.Sinks.Email.Recipients) == 0 {
			return fmt.Errorf("email sink enabled but no recipients configured")
		}
	}
	if c.Sinks.Forum.Enabled {
		for _, env := range []string{c.Sinks.Forum.ClientIDEnv, c.Sinks.Forum.ClientSecretEnv, c.Sinks.Forum.RefreshTokenEnv} {
			if err := requireEnv(env, "forum sink"); err != nil {
				return err
			}
		}
		if c.Sinks.Forum.Subreddit == "" {
			return fmt.Errorf("forum sink enabled but no subreddit configured")
		}
	}
	if c.Sinks.Archive.Enabled && c.Sinks.Archive.Bucket == "" {
		return fmt.Errorf("archive sink enabled but no bucket configured")
	}

	switch c.Ranking.Policy {
	case "recency", "coverage", "none":
	default:
		return fmt.Errorf("unknown ranking policy %q", c.Ranking.Policy)
	}

	return nil
}

// AnySourceEnabled reports whether at least one source would run.
func (c *Config) AnySourceEnabled() bool {
	return c.Sources.SERP.Enabled ||
		len(c.Sources.Feeds) > 0 ||
		c.Sources.Newswire.Enabled ||
		len(c.Sources.Sites) > 0
}

// AnySinkEnabled reports whether at least one sink would run.
func (c *Config) AnySinkEnabled() bool {
	return c.Sinks.Email.Enabled || c.Sinks.Forum.Enabled || c.Sinks.Archive.Enabled
}

func requireEnv(name, component string) error {
	if name == "" {
		return fmt.Errorf("%s enabled but credential env var name is empty", component)
	}
	if os.Getenv(name) == "" {
		return fmt.Errorf("%s enabled but %s is not set", component, name)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
