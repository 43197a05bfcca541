// Package config loads process configuration from the environment.
//
// Values are resolved in order: OS environment, then a .env file in the
// working directory. A missing credential or malformed value is a fatal
// startup error.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the process configuration. It is populated once at startup.
type Config struct {
	BotToken       string `envconfig:"TELEGRAM_BOT_TOKEN" validate:"required"`
	CompletionKey  string `envconfig:"SAMBA_API_KEY" validate:"required"`
	CompletionURL  string `envconfig:"COMPLETION_BASE_URL" default:"https://api.sambanova.ai/v1" validate:"required,url"`
	InitialAdminID int64  `envconfig:"INITIAL_ADMIN_ID" validate:"required,gt=0"`

	Port     string `envconfig:"PORT" default:"8080" validate:"required,numeric"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	Storage StorageConfig
	Models  ModelConfig

	FreeTierLimit     int           `envconfig:"FREE_TIER_LIMIT" default:"50" validate:"gte=0"`
	PaymentCard       string        `envconfig:"PAYMENT_CARD" default:"1234-1234-1234-1234"`
	CompletionTimeout time.Duration `envconfig:"COMPLETION_TIMEOUT" default:"2m"`
}

// StorageConfig selects where the persisted documents live.
type StorageConfig struct {
	Backend   string `envconfig:"STORAGE_BACKEND" default:"json" validate:"oneof=json bolt"`
	DataDir   string `envconfig:"DATA_DIR" default:"."`
	BoltPath  string `envconfig:"BOLT_PATH" default:"bot.db"`
	MasterKey string `envconfig:"STORE_MASTER_KEY" validate:"omitempty,base64"`
}

// ModelConfig is the model catalog offered to users.
type ModelConfig struct {
	Vision []string `envconfig:"VISION_MODELS" default:"Llama-4-Maverick-17B-128E-Instruct" validate:"dive,required"`
	Text   []string `envconfig:"TEXT_MODELS" default:"DeepSeek-V3.1,gpt-oss-120b,Qwen3-32B,ALLaM-7B-Instruct-preview" validate:"min=1,dive,required"`
}

// BoltFile returns the bolt database path, relative paths resolved against DataDir.
func (s StorageConfig) BoltFile() string {
	if filepath.IsAbs(s.BoltPath) {
		return s.BoltPath
	}
	return filepath.Join(s.DataDir, s.BoltPath)
}

// ErrorKind classifies a configuration failure.
type ErrorKind string

const (
	ErrParsing    ErrorKind = "parsing"
	ErrValidation ErrorKind = "validation"
)

// Error is returned by Load when configuration cannot be used.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Load reads .env (if present), processes the environment and validates the
// result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &Error{Kind: ErrParsing, Err: err}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, &Error{Kind: ErrValidation, Err: err}
	}
	if overlap := firstOverlap(cfg.Models.Vision, cfg.Models.Text); overlap != "" {
		return nil, &Error{Kind: ErrValidation, Err: errors.New("model listed as both vision and text: " + overlap)}
	}
	return &cfg, nil
}

func firstOverlap(a, b []string) string {
	seen := make(map[string]bool, len(a))
	for _, m := range a {
		seen[m] = true
	}
	for _, m := range b {
		if seen[m] {
			return m
		}
	}
	return ""
}
