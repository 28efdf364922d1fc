// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

// Output and artifact backends.
const (
	BackendSheets   = "sheets"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Runs      RunsConfig      `mapstructure:"runs"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Reveal    RevealConfig    `mapstructure:"reveal"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Output    OutputConfig    `mapstructure:"output"`
	Sheets    SheetsConfig    `mapstructure:"sheets"`
	Placement PlacementConfig `mapstructure:"placement"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORSConfig lists the origins allowed to call the intake API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RunsConfig governs intake and the worker pool.
type RunsConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	Timezone       string        `mapstructure:"timezone"`
}

// ProviderConfig describes the local-search provider page.
type ProviderConfig struct {
	SearchURL        string   `mapstructure:"search_url"`
	EntrySelector    string   `mapstructure:"entry_selector"`
	FeedSelector     string   `mapstructure:"feed_selector"`
	ConsentSelectors []string `mapstructure:"consent_selectors"`
	UserAgent        string   `mapstructure:"user_agent"`
	AcceptLanguage   string   `mapstructure:"accept_language"`
}

// HeadlessConfig configures the browser.
type HeadlessConfig struct {
	ExecPath            string        `mapstructure:"exec_path"`
	Headless            bool          `mapstructure:"headless"`
	MaxParallel         int           `mapstructure:"max_parallel"`
	WindowWidth         int           `mapstructure:"window_width"`
	WindowHeight        int           `mapstructure:"window_height"`
	NavigationTimeout   time.Duration `mapstructure:"navigation_timeout"`
	WaitTimeout         time.Duration `mapstructure:"wait_timeout"`
	InterstitialTimeout time.Duration `mapstructure:"interstitial_timeout"`
	ActionTimeout       time.Duration `mapstructure:"action_timeout"`
}

// RevealConfig bounds the reveal loop of one phrase.
type RevealConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	MaxEntries       int           `mapstructure:"max_entries"`
	StableRounds     int           `mapstructure:"stable_rounds"`
	DelayMin         time.Duration `mapstructure:"delay_min"`
	DelayMax         time.Duration `mapstructure:"delay_max"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// RateLimitConfig paces navigations per host.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// OutputConfig selects the output store and the literal sentinel values.
type OutputConfig struct {
	Backend       string `mapstructure:"backend"`
	NotFound      string `mapstructure:"not_found"`
	FailurePrefix string `mapstructure:"failure_prefix"`
}

// SheetsConfig points at the tracking spreadsheet.
type SheetsConfig struct {
	SpreadsheetID   string `mapstructure:"spreadsheet_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
}

// PlacementConfig tunes row allocation.
type PlacementConfig struct {
	FallbackRow int `mapstructure:"fallback_row"`
}

// DatabaseConfig controls the Postgres output store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// ArtifactsConfig selects where failure screenshots go.
type ArtifactsConfig struct {
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds run notification settings.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls span sampling.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKTRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindAliases(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindAliases maps the bare variable names used by existing deployments.
// The prefixed names still win when both are set.
func bindAliases(v *viper.Viper) error {
	aliases := map[string]string{
		"server.port":           "PORT",
		"sheets.spreadsheet_id": "SPREADSHEET_ID",
		"headless.exec_path":    "CHROME_PATH",
	}
	for key, alias := range aliases {
		prefixed := "RANKTRACKER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("runs.concurrency", 2)
	v.SetDefault("runs.queue_depth", 32)
	v.SetDefault("runs.enqueue_timeout", "5s")
	v.SetDefault("runs.timezone", "Asia/Tokyo")
	v.SetDefault("provider.search_url", "https://www.google.com/maps/search/%s")
	v.SetDefault("provider.entry_selector", `div[jsaction*="mouseover:pane"]`)
	v.SetDefault("provider.feed_selector", `div[role="feed"]`)
	v.SetDefault("provider.accept_language", "ja-JP,ja;q=0.9")
	v.SetDefault("provider.user_agent", "")
	v.SetDefault("headless.headless", true)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.window_width", 1280)
	v.SetDefault("headless.window_height", 900)
	v.SetDefault("headless.navigation_timeout", "60s")
	v.SetDefault("headless.wait_timeout", "15s")
	v.SetDefault("headless.interstitial_timeout", "5s")
	v.SetDefault("headless.action_timeout", "10s")
	v.SetDefault("reveal.max_attempts", 10)
	v.SetDefault("reveal.max_entries", 100)
	v.SetDefault("reveal.stable_rounds", 2)
	v.SetDefault("reveal.delay_min", "800ms")
	v.SetDefault("reveal.delay_max", "1600ms")
	v.SetDefault("reveal.operation_timeout", "3m")
	v.SetDefault("rate_limit.rps", 0.5)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("output.backend", BackendSheets)
	v.SetDefault("output.not_found", "圏外")
	v.SetDefault("output.failure_prefix", "取得失敗")
	v.SetDefault("sheets.credentials_file", "creds.json")
	v.SetDefault("sheets.endpoint", "")
	v.SetDefault("placement.fallback_row", 1000)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "rank_cells")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("artifacts.backend", BackendNone)
	v.SetDefault("artifacts.local_dir", "artifacts")
	v.SetDefault("artifacts.bucket", "")
	v.SetDefault("artifacts.prefix", "ranktracker")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "rank-runs")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "ranktracker")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("%w: auth.api_key must be set when auth is enabled", rank.ErrConfigurationMissing)
	}
	if c.Runs.Concurrency <= 0 {
		return fmt.Errorf("runs.concurrency must be > 0")
	}
	if c.Runs.QueueDepth < 0 {
		return fmt.Errorf("runs.queue_depth must be >= 0")
	}
	if !strings.Contains(c.Provider.SearchURL, "%s") {
		return fmt.Errorf("provider.search_url must contain %%s")
	}
	if c.Headless.MaxParallel < 0 {
		return fmt.Errorf("headless.max_parallel must be >= 0")
	}
	if c.Reveal.MaxAttempts < 0 || c.Reveal.MaxEntries <= 0 {
		return fmt.Errorf("reveal.max_attempts must be >= 0 and reveal.max_entries > 0")
	}
	if c.Reveal.DelayMax < c.Reveal.DelayMin {
		return fmt.Errorf("reveal.delay_max must be >= reveal.delay_min")
	}
	if c.Placement.FallbackRow < 2 {
		return fmt.Errorf("placement.fallback_row must be >= 2")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}

	switch c.Output.Backend {
	case BackendSheets:
		if c.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("%w: sheets.spreadsheet_id is required for the sheets backend", rank.ErrConfigurationMissing)
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database.dsn is required for the postgres backend", rank.ErrConfigurationMissing)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("output.backend %q is not supported", c.Output.Backend)
	}

	switch c.Artifacts.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Artifacts.LocalDir == "" {
			return fmt.Errorf("%w: artifacts.local_dir is required for the local backend", rank.ErrConfigurationMissing)
		}
	case BackendGCS:
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("%w: artifacts.bucket is required for the gcs backend", rank.ErrConfigurationMissing)
		}
	default:
		return fmt.Errorf("artifacts.backend %q is not supported", c.Artifacts.Backend)
	}

	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("%w: pubsub.project_id and pubsub.topic are required when pubsub is enabled", rank.ErrConfigurationMissing)
	}
	return nil
}
