// Package config loads the harvester configuration from config.yaml and
// the environment and owns global logger setup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/spec-harvester/internal/fetch"
	"github.com/sells-group/spec-harvester/internal/frontier"
	"github.com/sells-group/spec-harvester/internal/llm"
	"github.com/sells-group/spec-harvester/internal/ocr"
	"github.com/sells-group/spec-harvester/internal/pipeline"
	"github.com/sells-group/spec-harvester/internal/queue"
	"github.com/sells-group/spec-harvester/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Contracts ContractsConfig `yaml:"contracts" mapstructure:"contracts"`
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Firecrawl FirecrawlConfig `yaml:"firecrawl" mapstructure:"firecrawl"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Frontier  FrontierConfig  `yaml:"frontier" mapstructure:"frontier"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Queue     queue.Config    `yaml:"queue" mapstructure:"queue"`
	Pipeline  pipeline.Config `yaml:"pipeline" mapstructure:"pipeline"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite | postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ContractsConfig locates the category contract files.
type ContractsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// OutputConfig configures the run output tree.
type OutputConfig struct {
	Dir      string `yaml:"dir" mapstructure:"dir"`
	Compress bool   `yaml:"compress" mapstructure:"compress"`
}

// JinaConfig holds Jina reader and search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// FirecrawlConfig holds the fallback scrape provider settings.
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic API settings. Models are bound per
// role under llm.roles.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// LLMConfig overrides the per-role model bindings.
type LLMConfig struct {
	Roles map[string]llm.RoleConfig `yaml:"roles" mapstructure:"roles"`
}

// RoleMap converts the string-keyed YAML form into router roles.
// Unset roles keep the router defaults.
func (c LLMConfig) RoleMap() map[llm.Role]llm.RoleConfig {
	if len(c.Roles) == 0 {
		return nil
	}
	roles := llm.DefaultRoles()
	for name, rc := range c.Roles {
		roles[llm.Role(name)] = rc
	}
	return roles
}

// FetchConfig tunes the fetch lane and host pacing.
type FetchConfig struct {
	Lanes        fetch.LaneConfig `yaml:"lanes" mapstructure:"lanes"`
	HostMinDelay time.Duration    `yaml:"host_min_delay" mapstructure:"host_min_delay"`
	HostBudget   int              `yaml:"host_budget" mapstructure:"host_budget"`
	Headless     bool             `yaml:"headless" mapstructure:"headless"`
	Reader       bool             `yaml:"reader" mapstructure:"reader"`
	// UserAgent overrides the static lane's request identity; empty
	// keeps the built-in agent. RespectRobots turns robots.txt
	// enforcement off only for hosts the operator controls.
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent"`
	RespectRobots bool   `yaml:"respect_robots" mapstructure:"respect_robots"`

	// RetryAttempts and RetryBackoff tune the in-process retry of
	// transient transport failures on the static lane.
	RetryAttempts int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	// BreakerFailures and BreakerReset tune the reader provider's
	// circuit breaker.
	BreakerFailures int           `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
}

// ToRetry converts to the static lane's retry configuration.
func (c FetchConfig) ToRetry() resilience.RetryConfig {
	return resilience.FromRetryConfig(c.RetryAttempts, c.RetryBackoff, 0)
}

// ToBreaker converts to the reader lane's circuit breaker configuration.
func (c FetchConfig) ToBreaker() resilience.CircuitBreakerConfig {
	return resilience.FromCircuitConfig(c.BreakerFailures, c.BreakerReset)
}

// FrontierConfig tunes URL health cooldowns and dead-path promotion.
type FrontierConfig struct {
	CooldownBase       time.Duration `yaml:"cooldown_base" mapstructure:"cooldown_base"`
	CooldownCap        time.Duration `yaml:"cooldown_cap" mapstructure:"cooldown_cap"`
	DeadPathThreshold  int           `yaml:"dead_path_threshold" mapstructure:"dead_path_threshold"`
	HostBlockThreshold int           `yaml:"host_block_threshold" mapstructure:"host_block_threshold"`
}

// ToFrontier converts to the frontier package's config.
func (c FrontierConfig) ToFrontier() frontier.Config {
	return frontier.Config{
		CooldownBase:       c.CooldownBase,
		CooldownCap:        c.CooldownCap,
		DeadPathThreshold:  c.DeadPathThreshold,
		HostBlockThreshold: c.HostBlockThreshold,
	}
}

// OCRConfig configures PDF text extraction.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"` // local | mistral
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// Options converts to the ocr package's options.
func (c OCRConfig) Options() ocr.Options {
	return ocr.Options{
		Provider:      c.Provider,
		PdfToTextPath: c.PdfToTextPath,
		MistralAPIKey: c.MistralKey,
		MistralModel:  c.MistralModel,
	}
}

// ServerConfig configures the review API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "harvester.db")
	v.SetDefault("contracts.dir", "contracts")
	v.SetDefault("output.dir", "outputs")
	v.SetDefault("output.compress", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_model", "pixtral-large-latest")
	v.SetDefault("fetch.host_min_delay", "1s")
	v.SetDefault("fetch.host_budget", 0)
	v.SetDefault("fetch.headless", true)
	v.SetDefault("fetch.reader", true)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.retry_attempts", 2)
	v.SetDefault("fetch.retry_backoff", "300ms")
	v.SetDefault("fetch.breaker_failures", 5)
	v.SetDefault("fetch.breaker_reset", "30s")

	lanes := fetch.DefaultLanes()
	v.SetDefault("fetch.lanes.search_workers", lanes.SearchWorkers)
	v.SetDefault("fetch.lanes.fetch_workers", lanes.FetchWorkers)
	v.SetDefault("fetch.lanes.parse_workers", lanes.ParseWorkers)
	v.SetDefault("fetch.lanes.llm_workers", lanes.LLMWorkers)
	v.SetDefault("fetch.lanes.parse_buffer", lanes.ParseBuffer)

	fr := frontier.DefaultConfig()
	v.SetDefault("frontier.cooldown_base", fr.CooldownBase.String())
	v.SetDefault("frontier.cooldown_cap", fr.CooldownCap.String())
	v.SetDefault("frontier.dead_path_threshold", fr.DeadPathThreshold)
	v.SetDefault("frontier.host_block_threshold", fr.HostBlockThreshold)

	q := queue.DefaultConfig()
	v.SetDefault("queue.max_attempts", q.MaxAttempts)
	v.SetDefault("queue.cooldown_base", q.CooldownBase.String())
	v.SetDefault("queue.cooldown_cap", q.CooldownCap.String())
	v.SetDefault("queue.batch_size", q.BatchSize)

	p := pipeline.DefaultConfig()
	v.SetDefault("pipeline.max_rounds", p.MaxRounds)
	v.SetDefault("pipeline.no_progress_limit", p.NoProgressLimit)
	v.SetDefault("pipeline.max_low_quality_rounds", p.MaxLowQualityRounds)
	v.SetDefault("pipeline.confidence_gate", p.ConfidenceGate)
	v.SetDefault("pipeline.max_queries_per_round", p.MaxQueriesPerRound)
	v.SetDefault("pipeline.max_urls_per_round", p.MaxURLsPerRound)
	v.SetDefault("pipeline.wall_clock_budget", p.WallClockBudget.String())
	v.SetDefault("pipeline.batch_extract_min", p.BatchExtractMin)

	// Read config file (optional)
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

// Validate checks the fields the given mode actually needs. Modes: run,
// serve, queue.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "run":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Contracts.Dir == "" {
			problems = append(problems, "contracts.dir is required")
		}
		if c.Jina.Key == "" {
			problems = append(problems, "jina.key is required")
		}
	case "serve", "queue":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if g := c.Pipeline.ConfidenceGate; g < 0 || g > 1 {
		problems = append(problems, "pipeline.confidence_gate must be within [0, 1]")
	}
	if c.Fetch.HostMinDelay < 0 {
		problems = append(problems, "fetch.host_min_delay must be >= 0")
	}
	if c.Fetch.RetryAttempts < 0 {
		problems = append(problems, "fetch.retry_attempts must be >= 0")
	}
	if c.Pipeline.BatchExtractMin < 0 {
		problems = append(problems, "pipeline.batch_extract_min must be >= 0")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
