// Package config loads the service configuration from an optional YAML file
// with RISK_ environment overrides.
package config

import (
	"strings"
	"time"

	"github.com/athapong/aio-risk/pkg/risk/pipeline"
	"github.com/athapong/aio-risk/pkg/risk/scoring"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "RISK"

type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Pipeline   pipeline.Config  `mapstructure:"pipeline"`
	Scoring    scoring.Config   `mapstructure:"scoring"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Review     ReviewConfig     `mapstructure:"review"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Stream     StreamConfig     `mapstructure:"stream"`
}

type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is json or text.
	Format string `mapstructure:"format"`
	// Output is stdout, stderr, file or both.
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	// Addr enables the Prometheus endpoint when set, e.g. ":9090".
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

type ExtractionConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProviderSettings are the limits shared by every enrichment provider.
type ProviderSettings struct {
	Enabled       bool          `mapstructure:"enabled"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Retries       int           `mapstructure:"retries"`
}

type SanctionsConfig struct {
	ProviderSettings `mapstructure:",squash"`
	// ListPath is an OFAC SDN publication in XML or CSV form.
	ListPath       string  `mapstructure:"list_path"`
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold"`
}

type RegulatoryConfig struct {
	ProviderSettings `mapstructure:",squash"`
	DataURL          string `mapstructure:"data_url"`
	TickersURL       string `mapstructure:"tickers_url"`
	UserAgent        string `mapstructure:"user_agent"`
}

type MediaConfig struct {
	ProviderSettings `mapstructure:",squash"`
	SearchURL        string `mapstructure:"search_url"`
	ItemSelector     string `mapstructure:"item_selector"`
	TitleSelector    string `mapstructure:"title_selector"`
}

type LegalConfig struct {
	ProviderSettings `mapstructure:",squash"`
	BaseURL          string `mapstructure:"base_url"`
	Token            string `mapstructure:"token"`
}

type ProfileConfig struct {
	ProviderSettings `mapstructure:",squash"`
	SearchURL        string `mapstructure:"search_url"`
	EntityURL        string `mapstructure:"entity_url"`
}

type JurisdictionConfig struct {
	ProviderSettings `mapstructure:",squash"`
	GoogleMapsAPIKey string   `mapstructure:"google_maps_api_key"`
	HighRisk         []string `mapstructure:"high_risk"`
}

type ProvidersConfig struct {
	// MaxConcurrentEntities bounds entity fan-outs across all records.
	MaxConcurrentEntities int64              `mapstructure:"max_concurrent_entities"`
	Sanctions             SanctionsConfig    `mapstructure:"sanctions"`
	Regulatory            RegulatoryConfig   `mapstructure:"regulatory"`
	Media                 MediaConfig        `mapstructure:"media"`
	Legal                 LegalConfig        `mapstructure:"legal"`
	Jurisdiction          JurisdictionConfig `mapstructure:"jurisdiction"`
	Profile               ProfileConfig      `mapstructure:"profile"`
}

type ResolverConfig struct {
	AliasesPath string `mapstructure:"aliases_path"`
}

type ReviewConfig struct {
	// Driver is memory or jira.
	Driver     string `mapstructure:"driver"`
	JiraURL    string `mapstructure:"jira_url"`
	Username   string `mapstructure:"username"`
	Token      string `mapstructure:"token"`
	ProjectKey string `mapstructure:"project_key"`
	IssueType  string `mapstructure:"issue_type"`
}

type RepositoryConfig struct {
	// Driver is memory, sqlite or mysql.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type GraphConfig struct {
	// Driver is memory or neo4j.
	Driver   string `mapstructure:"driver"`
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	// SnapshotPath persists the in-memory graph between runs.
	SnapshotPath string `mapstructure:"snapshot_path"`
}

type VectorConfig struct {
	// Driver is memory or qdrant.
	Driver     string `mapstructure:"driver"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Collection string `mapstructure:"collection"`
	// Embedder is hash or openai.
	Embedder   string `mapstructure:"embedder"`
	OpenAIKey  string `mapstructure:"openai_api_key"`
	OpenAIURL  string `mapstructure:"openai_base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

type StorageConfig struct {
	Repository RepositoryConfig `mapstructure:"repository"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Vector     VectorConfig     `mapstructure:"vector"`
}

type DedupConfig struct {
	// Driver is memory or redis.
	Driver   string        `mapstructure:"driver"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type StreamConfig struct {
	pipeline.StreamConfig `mapstructure:",squash"`
	Dedup                 DedupConfig `mapstructure:"dedup"`
}

// Load reads path when given, then applies RISK_ environment overrides, e.g.
// RISK_STORAGE_REPOSITORY_DRIVER=sqlite.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return &cfg, nil
}

// Validate checks the driver choices and their required settings.
func (c *Config) Validate() error {
	switch c.Storage.Repository.Driver {
	case "memory":
	case "sqlite", "mysql":
		if c.Storage.Repository.DSN == "" {
			return errors.Errorf("storage.repository.dsn is required for %s", c.Storage.Repository.Driver)
		}
	default:
		return errors.Errorf("unknown repository driver %q", c.Storage.Repository.Driver)
	}

	switch c.Storage.Graph.Driver {
	case "memory":
	case "neo4j":
		if c.Storage.Graph.URI == "" {
			return errors.New("storage.graph.uri is required for neo4j")
		}
	default:
		return errors.Errorf("unknown graph driver %q", c.Storage.Graph.Driver)
	}

	switch c.Storage.Vector.Driver {
	case "memory", "qdrant":
	default:
		return errors.Errorf("unknown vector driver %q", c.Storage.Vector.Driver)
	}
	switch c.Storage.Vector.Embedder {
	case "hash":
	case "openai":
		if c.Storage.Vector.OpenAIKey == "" {
			return errors.New("storage.vector.openai_api_key is required for the openai embedder")
		}
	default:
		return errors.Errorf("unknown embedder %q", c.Storage.Vector.Embedder)
	}

	switch c.Review.Driver {
	case "memory":
	case "jira":
		if c.Review.JiraURL == "" || c.Review.ProjectKey == "" {
			return errors.New("review.jira_url and review.project_key are required for jira")
		}
	default:
		return errors.Errorf("unknown review driver %q", c.Review.Driver)
	}

	switch c.Stream.Dedup.Driver {
	case "memory", "redis":
	default:
		return errors.Errorf("unknown dedup driver %q", c.Stream.Dedup.Driver)
	}

	if c.Scoring.MediumThreshold > c.Scoring.HighThreshold {
		return errors.New("scoring.medium_threshold must not exceed scoring.high_threshold")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.file_path", "logs/risk.log")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.path", "/metrics")

	pc := pipeline.DefaultConfig()
	v.SetDefault("pipeline.workers", pc.Workers)
	v.SetDefault("pipeline.stage_timeout", pc.StageTimeout)
	v.SetDefault("pipeline.max_attempts", pc.MaxAttempts)
	v.SetDefault("pipeline.initial_backoff", pc.InitialBackoff)
	v.SetDefault("pipeline.max_backoff", pc.MaxBackoff)
	v.SetDefault("pipeline.fail_on_child_failure", false)

	sc := scoring.DefaultConfig()
	v.SetDefault("scoring.weights", sc.Weights)
	v.SetDefault("scoring.sanctions_floor", sc.SanctionsFloor)
	v.SetDefault("scoring.medium_threshold", sc.MediumThreshold)
	v.SetDefault("scoring.high_threshold", sc.HighThreshold)
	v.SetDefault("scoring.high_amount", sc.HighAmount)
	v.SetDefault("scoring.elevated_amount", sc.ElevatedAmount)
	v.SetDefault("scoring.aggregation", sc.Aggregation)

	v.SetDefault("extraction.timeout", 10*time.Second)

	v.SetDefault("providers.max_concurrent_entities", 8)
	for _, p := range []string{"sanctions", "regulatory", "media", "legal", "jurisdiction", "profile"} {
		v.SetDefault("providers."+p+".enabled", p == "sanctions" || p == "jurisdiction")
		v.SetDefault("providers."+p+".timeout", 5*time.Second)
		v.SetDefault("providers."+p+".rate_per_second", 0)
		v.SetDefault("providers."+p+".burst", 1)
		v.SetDefault("providers."+p+".retries", 2)
	}
	v.SetDefault("providers.sanctions.list_path", "")
	v.SetDefault("providers.sanctions.fuzzy_threshold", 0.85)
	v.SetDefault("providers.regulatory.data_url", "https://data.sec.gov")
	v.SetDefault("providers.regulatory.tickers_url", "https://www.sec.gov/files/company_tickers.json")
	v.SetDefault("providers.regulatory.user_agent", "aio-risk compliance@example.com")
	v.SetDefault("providers.regulatory.rate_per_second", 10)
	v.SetDefault("providers.media.search_url", "")
	v.SetDefault("providers.media.item_selector", "")
	v.SetDefault("providers.media.title_selector", "")
	v.SetDefault("providers.legal.base_url", "https://www.courtlistener.com/api/rest/v4/search/")
	v.SetDefault("providers.legal.token", "")
	v.SetDefault("providers.profile.search_url", "https://www.wikidata.org/w/api.php")
	v.SetDefault("providers.profile.entity_url", "https://www.wikidata.org/wiki/Special:EntityData/")
	v.SetDefault("providers.jurisdiction.google_maps_api_key", "")
	v.SetDefault("providers.jurisdiction.high_risk", []string{})

	v.SetDefault("resolver.aliases_path", "")

	v.SetDefault("review.driver", "memory")
	v.SetDefault("review.jira_url", "")
	v.SetDefault("review.username", "")
	v.SetDefault("review.token", "")
	v.SetDefault("review.project_key", "")
	v.SetDefault("review.issue_type", "Task")

	v.SetDefault("storage.repository.driver", "memory")
	v.SetDefault("storage.repository.dsn", "")
	v.SetDefault("storage.graph.driver", "memory")
	v.SetDefault("storage.graph.uri", "")
	v.SetDefault("storage.graph.username", "neo4j")
	v.SetDefault("storage.graph.password", "")
	v.SetDefault("storage.graph.database", "neo4j")
	v.SetDefault("storage.graph.snapshot_path", "")
	v.SetDefault("storage.vector.driver", "memory")
	v.SetDefault("storage.vector.host", "localhost")
	v.SetDefault("storage.vector.port", 6334)
	v.SetDefault("storage.vector.api_key", "")
	v.SetDefault("storage.vector.use_tls", false)
	v.SetDefault("storage.vector.collection", "risk_entities")
	v.SetDefault("storage.vector.embedder", "hash")
	v.SetDefault("storage.vector.openai_api_key", "")
	v.SetDefault("storage.vector.openai_base_url", "")
	v.SetDefault("storage.vector.model", "")
	v.SetDefault("storage.vector.dimensions", 256)

	v.SetDefault("stream.brokers", []string{"localhost:9092"})
	v.SetDefault("stream.topic", "risk.transactions")
	v.SetDefault("stream.group_id", "risk-pipeline")
	v.SetDefault("stream.dedup.driver", "memory")
	v.SetDefault("stream.dedup.addr", "localhost:6379")
	v.SetDefault("stream.dedup.password", "")
	v.SetDefault("stream.dedup.db", 0)
	v.SetDefault("stream.dedup.prefix", "risk:dedup:")
	v.SetDefault("stream.dedup.ttl", 24*time.Hour)
}
