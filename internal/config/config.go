package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultLinkPattern matches factbase transcript detail pages.
const DefaultLinkPattern = `^https?://(www\.)?rollcall\.com/factbase/.+/transcript/[a-z0-9\-]+/?$`

// DefaultStartURL is the factbase transcript listing.
const DefaultStartURL = "https://rollcall.com/factbase/transcripts/"

// Config holds the full application configuration.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	Scrape    ScrapeConfig    `yaml:"scrape" mapstructure:"scrape"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Paths     PathsConfig     `yaml:"paths" mapstructure:"paths"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// DiscoveryConfig configures the listing crawl.
type DiscoveryConfig struct {
	StartURL          string   `yaml:"start_url" mapstructure:"start_url"`
	MaxItems          int      `yaml:"max_items" mapstructure:"max_items"`
	IdleCycles        int      `yaml:"idle_cycles" mapstructure:"idle_cycles"`
	CheckpointEvery   int      `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
	ScrollTimeoutSecs int      `yaml:"scroll_timeout_secs" mapstructure:"scroll_timeout_secs"`
	NavTimeoutSecs    int      `yaml:"nav_timeout_secs" mapstructure:"nav_timeout_secs"`
	Retries           int      `yaml:"retries" mapstructure:"retries"`
	Headless          bool     `yaml:"headless" mapstructure:"headless"`
	Static            bool     `yaml:"static" mapstructure:"static"`
	ConsentMarkers    []string `yaml:"consent_markers" mapstructure:"consent_markers"`
	LoadMoreLabels    []string `yaml:"load_more_labels" mapstructure:"load_more_labels"`
	LinkPattern       string   `yaml:"link_pattern" mapstructure:"link_pattern"`
}

// ScrapeConfig configures the transcript scrape scheduler.
type ScrapeConfig struct {
	Concurrency   int     `yaml:"concurrency" mapstructure:"concurrency"`
	RPS           float64 `yaml:"rps" mapstructure:"rps"`
	MaxAttempts   int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent     string  `yaml:"user_agent" mapstructure:"user_agent"`
	RespectRobots bool    `yaml:"respect_robots" mapstructure:"respect_robots"`
	KeepHTML      bool    `yaml:"keep_html" mapstructure:"keep_html"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// PathsConfig locates output and crawl state on disk.
type PathsConfig struct {
	OutDir   string `yaml:"out_dir" mapstructure:"out_dir"`
	StateDir string `yaml:"state_dir" mapstructure:"state_dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FACTBASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("discovery.start_url", DefaultStartURL)
	v.SetDefault("discovery.max_items", 400)
	v.SetDefault("discovery.idle_cycles", 10)
	v.SetDefault("discovery.checkpoint_every", 5)
	v.SetDefault("discovery.scroll_timeout_secs", 8)
	v.SetDefault("discovery.nav_timeout_secs", 30)
	v.SetDefault("discovery.retries", 3)
	v.SetDefault("discovery.headless", true)
	v.SetDefault("discovery.static", false)
	v.SetDefault("discovery.consent_markers", []string{"Accept", "I agree", "Agree", "Consent", "Continue"})
	v.SetDefault("discovery.load_more_labels", []string{"load more", "show more", "more", "loadmore", "next", "see more", "view more", "continue"})
	v.SetDefault("discovery.link_pattern", DefaultLinkPattern)
	v.SetDefault("scrape.concurrency", 4)
	v.SetDefault("scrape.rps", 1.0)
	v.SetDefault("scrape.max_attempts", 3)
	v.SetDefault("scrape.timeout_secs", 30)
	v.SetDefault("scrape.user_agent", "factbase-archiver/1.0 (+https://github.com/sells-group/factbase)")
	v.SetDefault("scrape.respect_robots", true)
	v.SetDefault("scrape.keep_html", false)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "state/factbase.db")
	v.SetDefault("paths.out_dir", "out")
	v.SetDefault("paths.state_dir", "state")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: discover,
// scrape, serve, search, export. Unknown modes are an error.
func (c *Config) Validate(mode string) error {
	var missing []string

	switch mode {
	case "discover":
		if c.Discovery.StartURL == "" {
			missing = append(missing, "discovery.start_url")
		}
		if c.Discovery.MaxItems < 0 {
			return eris.New("config: discovery.max_items must be >= 0")
		}
	case "scrape":
		if c.Scrape.Concurrency < 1 || c.Scrape.Concurrency > 64 {
			return eris.Errorf("config: scrape.concurrency must be between 1 and 64, got %d", c.Scrape.Concurrency)
		}
		if c.Scrape.RPS <= 0 {
			return eris.Errorf("config: scrape.rps must be > 0, got %g", c.Scrape.RPS)
		}
		if c.Scrape.MaxAttempts < 1 {
			return eris.Errorf("config: scrape.max_attempts must be >= 1, got %d", c.Scrape.MaxAttempts)
		}
	case "serve":
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return eris.Errorf("config: server.port must be between 1 and 65535, got %d", c.Server.Port)
		}
	case "search", "export":
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unsupported store.driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url")
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required fields for %s: %s", mode, strings.Join(missing, ", "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
