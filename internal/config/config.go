package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Square    SquareConfig    `yaml:"square" mapstructure:"square"`
	Parser    ParserConfig    `yaml:"parser" mapstructure:"parser"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the catalog store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite | postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// AnthropicConfig holds the vision extraction model settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OCRConfig configures the heuristic extractor's OCR provider.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"` // tesseract | mistral
	TesseractPath string `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
}

// SquareConfig holds POS platform API settings. Access is read-only.
type SquareConfig struct {
	Token         string  `yaml:"token" mapstructure:"token"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	LocationID    string  `yaml:"location_id" mapstructure:"location_id"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// ParserConfig configures extraction validation behavior.
type ParserConfig struct {
	// MinViableItems is the hard floor below which an extraction counts as a
	// total failure for that strategy. Above the floor the parser stays
	// lenient: claimed-vs-actual mismatches are logged, not rejected.
	MinViableItems       int     `yaml:"min_viable_items" mapstructure:"min_viable_items"`
	ReviewConfidence     float64 `yaml:"review_confidence" mapstructure:"review_confidence"`
	ItemReviewConfidence float64 `yaml:"item_review_confidence" mapstructure:"item_review_confidence"`
	GSTRate              float64 `yaml:"gst_rate" mapstructure:"gst_rate"`
}

// ReconcileConfig configures product-name resolution.
type ReconcileConfig struct {
	LinkThreshold float64 `yaml:"link_threshold" mapstructure:"link_threshold"`
}

// SyncConfig configures the POS sync workflow.
type SyncConfig struct {
	WindowDays    int     `yaml:"window_days" mapstructure:"window_days"`
	MarkupPath    string  `yaml:"markup_path" mapstructure:"markup_path"`
	DefaultMarkup float64 `yaml:"default_markup" mapstructure:"default_markup"`
}

// ServerConfig configures the webhook server.
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
	v.SetEnvPrefix("INVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "invoice.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.vision_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.timeout_secs", 90)
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("ocr.provider", "tesseract")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.mistral_ocr_model", "pixtral-large-latest")
	v.SetDefault("square.base_url", "https://connect.squareup.com")
	v.SetDefault("square.rate_per_second", 5)
	v.SetDefault("parser.min_viable_items", 3)
	v.SetDefault("parser.review_confidence", 0.8)
	v.SetDefault("parser.item_review_confidence", 0.7)
	v.SetDefault("parser.gst_rate", 0.10)
	v.SetDefault("reconcile.link_threshold", 0.8)
	v.SetDefault("sync.window_days", 7)
	v.SetDefault("sync.markup_path", "markup.yaml")
	v.SetDefault("sync.default_markup", 1.65)

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
