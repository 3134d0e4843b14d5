package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cleared-dev/tally/internal/classify"
)

// FileName is the config file created by `tally init`.
const FileName = "tally.yaml"

// EnvPrefix prefixes environment overrides, e.g. TALLY_STORAGE_DSN.
const EnvPrefix = "TALLY"

// Config represents the top-level tally.yaml configuration.
type Config struct {
	Bank             string               `yaml:"bank" validate:"required"`
	Categories       []string             `yaml:"categories" validate:"required,min=1,dive,required"`
	FallbackCategory string               `yaml:"fallback_category" validate:"required"`
	Rules            []classify.Rule      `yaml:"rules,omitempty" validate:"dive"`
	Reconciliation   ReconciliationConfig `yaml:"reconciliation"`
	Inference        InferenceConfig      `yaml:"inference"`
	Storage          StorageConfig        `yaml:"storage"`
	Watch            WatchConfig          `yaml:"watch"`
	Log              LogConfig            `yaml:"log"`
	ImportLog        string               `yaml:"import_log"`
}

// ReconciliationConfig controls the balance check every parser runs.
type ReconciliationConfig struct {
	Tolerance string `yaml:"tolerance" validate:"required,numeric"` // decimal, e.g. "0.01"
}

// InferenceConfig selects the classification backend. Backend "none"
// disables it and leaves unmatched lines in the fallback category.
type InferenceConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=ollama openai gemini none"`
	Host      string        `yaml:"host,omitempty" validate:"omitempty,url"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key,omitempty"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
	BatchSize int           `yaml:"batch_size" validate:"gte=0"`
}

// StorageConfig selects the transaction store. Driver csv keeps CSV files
// under Dir; memory keeps nothing past the process.
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=csv memory postgres"`
	Dir    string `yaml:"dir,omitempty" validate:"required_if=Driver csv"`
	DSN    string `yaml:"dsn,omitempty" validate:"required_if=Driver postgres"`
}

// WatchConfig controls `tally watch`.
type WatchConfig struct {
	Dir           string        `yaml:"dir" validate:"required"`
	Extensions    []string      `yaml:"extensions" validate:"dive,startswith=."`
	QuietPeriod   time.Duration `yaml:"quiet_period" validate:"gte=0"`
	MoveProcessed bool          `yaml:"move_processed"`
}

// LogConfig controls zap output.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Load reads a tally.yaml file from disk, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes a Config to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Default returns a Config with sensible defaults for a new project.
func Default(bank string) *Config {
	return &Config{
		Bank:             bank,
		Categories:       []string{"groceries", "fuel", "medical", "salary", "subscriptions", "utilities", "transfers", classify.DefaultFallback},
		FallbackCategory: classify.DefaultFallback,
		Reconciliation: ReconciliationConfig{
			Tolerance: "0.01",
		},
		Inference: InferenceConfig{
			Backend:   "ollama",
			Host:      "http://localhost:11434",
			Model:     "llama3.2",
			Timeout:   30 * time.Second,
			BatchSize: classify.DefaultBatchSize,
		},
		Storage: StorageConfig{
			Driver: "csv",
			Dir:    "data",
		},
		Watch: WatchConfig{
			Dir:           "import",
			Extensions:    []string{".pdf", ".txt", ".csv"},
			QuietPeriod:   2 * time.Second,
			MoveProcessed: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		ImportLog: "logs/import-log.csv",
	}
}

// ApplyEnv loads .env (if present) and overrides fields from TALLY_*
// environment variables.
func (c *Config) ApplyEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	overrides := map[string]*string{
		"BANK":              &c.Bank,
		"STORAGE_DRIVER":    &c.Storage.Driver,
		"STORAGE_DIR":       &c.Storage.Dir,
		"STORAGE_DSN":       &c.Storage.DSN,
		"INFERENCE_BACKEND": &c.Inference.Backend,
		"INFERENCE_HOST":    &c.Inference.Host,
		"INFERENCE_MODEL":   &c.Inference.Model,
		"INFERENCE_API_KEY": &c.Inference.APIKey,
		"LOG_LEVEL":         &c.Log.Level,
		"LOG_FORMAT":        &c.Log.Format,
		"WATCH_DIR":         &c.Watch.Dir,
		"TOLERANCE":         &c.Reconciliation.Tolerance,
	}
	for key, dst := range overrides {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	if v.IsSet("INFERENCE_TIMEOUT") {
		c.Inference.Timeout = v.GetDuration("INFERENCE_TIMEOUT")
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that every category reference
// points at a configured category.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	categories := make([]string, len(c.Categories))
	for i, cat := range c.Categories {
		categories[i] = classify.NormalizeCategory(cat)
	}
	if !slices.Contains(categories, classify.NormalizeCategory(c.FallbackCategory)) {
		return fmt.Errorf("invalid config: fallback category %q is not in categories", c.FallbackCategory)
	}
	for _, r := range c.Rules {
		if !slices.Contains(categories, classify.NormalizeCategory(r.Category)) {
			return fmt.Errorf("invalid config: rule %q uses unknown category %q", r.Pattern, r.Category)
		}
	}
	if c.Tolerance().IsNegative() {
		return fmt.Errorf("invalid config: tolerance %s is negative", c.Reconciliation.Tolerance)
	}
	return nil
}

// Tolerance returns the reconciliation tolerance. Validate guarantees it parses.
func (c *Config) Tolerance() decimal.Decimal {
	d, err := decimal.NewFromString(c.Reconciliation.Tolerance)
	if err != nil {
		return decimal.Zero
	}
	return d
}
