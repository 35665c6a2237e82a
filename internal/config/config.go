// Package config loads process settings from .env, the environment and an
// optional JSON/YAML file.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wapuda/dmrelay/internal/dailymotion"
	"github.com/wapuda/dmrelay/internal/logx"
	"github.com/wapuda/dmrelay/internal/retry"
	"github.com/wapuda/dmrelay/internal/session"
)

const (
	UploadModeLocal = "local"
	UploadModeQueue = "queue"
)

type Config struct {
	File string `mapstructure:"-"`

	BotToken             string `mapstructure:"bot_token" validate:"required"`
	TelegramAPIEndpoint  string `mapstructure:"telegram_api_endpoint"`
	TelegramFileEndpoint string `mapstructure:"telegram_file_endpoint"`

	DailymotionAPIURL   string        `mapstructure:"dailymotion_api_url" validate:"required,url"`
	DailymotionScope    string        `mapstructure:"dailymotion_scope" validate:"required"`
	DailymotionVideoURL string        `mapstructure:"dailymotion_video_url" validate:"required,url"`
	DailymotionTimeout  time.Duration `mapstructure:"dailymotion_timeout" validate:"gte=0"`
	AuthTimeout         time.Duration `mapstructure:"auth_timeout" validate:"gte=0"`
	VideoTags           []string      `mapstructure:"video_tags"`
	MaxFileSizeMB       int64         `mapstructure:"max_file_size_mb" validate:"gte=0"`

	RetryMaxAttempts int           `mapstructure:"retry_max_attempts" validate:"gte=1,lte=20"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	RetryBackoff     string        `mapstructure:"retry_backoff" validate:"oneof=constant exponential"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" validate:"gt=0"`

	DataDir       string `mapstructure:"data_dir" validate:"required"`
	SessionStore  string `mapstructure:"session_store" validate:"oneof=memory file bolt redis"`
	SessionFile   string `mapstructure:"session_file"`
	RedisAddr     string `mapstructure:"redis_addr" validate:"required"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"gte=0"`

	UploadMode        string        `mapstructure:"upload_mode" validate:"oneof=local queue"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency" validate:"gte=1"`
	Port              int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// empty level and format leave the caller's choice in place
	LogLevel          string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat         string `mapstructure:"log_format" validate:"omitempty,oneof=json console"`
	LogFile           string `mapstructure:"log_file"`
	LogFileMaxSize    int    `mapstructure:"log_file_max_size" validate:"gte=0"`
	LogFileMaxBackups int    `mapstructure:"log_file_max_backups" validate:"gte=0"`
	LogFileMaxAge     int    `mapstructure:"log_file_max_age" validate:"gte=0"`
	LogFileCompress   bool   `mapstructure:"log_file_compress"`
	LogSampleEvery    int    `mapstructure:"log_sample_every" validate:"gte=0"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"bot_token":              "",
		"telegram_api_endpoint":  "",
		"telegram_file_endpoint": "",
		"dailymotion_api_url":    dailymotion.DefaultBaseURL,
		"dailymotion_scope":      dailymotion.DefaultScope,
		"dailymotion_video_url":  dailymotion.DefaultVideoURLBase,
		"dailymotion_timeout":    dailymotion.DefaultCallTimeout.String(),
		"auth_timeout":           "2m",
		"video_tags":             "telegram,upload",
		"max_file_size_mb":       2048,
		"retry_max_attempts":     3,
		"retry_delay":            "5s",
		"retry_backoff":          retry.BackoffConstant,
		"progress_interval":      "2s",
		"data_dir":               filepath.Join(os.TempDir(), "dmrelay"),
		"session_store":          string(session.StoreTypeMemory),
		"session_file":           "",
		"redis_addr":             "localhost:6379",
		"redis_password":         "",
		"redis_db":               0,
		"upload_mode":            UploadModeLocal,
		"worker_concurrency":     2,
		"port":                   8080,
		"shutdown_timeout":       "30s",
		"log_level":              "",
		"log_format":             "",
		"log_file":               "",
		"log_file_max_size":      50,
		"log_file_max_backups":   3,
		"log_file_max_age":       7,
		"log_file_compress":      true,
		"log_sample_every":       0,
	}
}

// Load reads .env, parses args for --config and builds the configuration.
// Environment variables win over the file; the file wins over defaults.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("dmrelay", pflag.ContinueOnError)
	file := fs.String("config", "", "Configuration file (JSON or YAML)")
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parsing flags")
	}
	if *file == "" {
		*file = os.Getenv("DMRELAY_CONFIG_FILE")
	}
	return LoadFile(*file)
}

// LoadFile is Load with the configuration file already known ("" for none).
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, def := range defaults() {
		v.SetDefault(k, def)
		_ = v.BindEnv(k, strings.ToUpper(k))
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "could not load config file %s", path)
		}
	}

	cfg := &Config{File: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.SessionStore = strings.ToLower(strings.TrimSpace(c.SessionStore))
	c.UploadMode = strings.ToLower(strings.TrimSpace(c.UploadMode))
	c.RetryBackoff = strings.ToLower(strings.TrimSpace(c.RetryBackoff))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	tags := c.VideoTags[:0]
	for _, t := range c.VideoTags {
		// a single env value arrives as one comma separated element
		for _, p := range strings.Split(t, ",") {
			if p = strings.TrimSpace(p); p != "" {
				tags = append(tags, p)
			}
		}
	}
	c.VideoTags = tags

	if c.SessionFile == "" {
		switch session.StoreType(c.SessionStore) {
		case session.StoreTypeFile:
			c.SessionFile = filepath.Join(c.DataDir, "sessions.json")
		case session.StoreTypeBolt:
			c.SessionFile = filepath.Join(c.DataDir, "sessions.db")
		}
	}
}

// Validate checks field rules and combinations. Fields named in except are
// not validated, e.g. BotToken for tools that never talk to Telegram.
func (c *Config) Validate(except ...string) error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("mapstructure")
	})
	var err error
	if len(except) > 0 {
		err = validate.StructExcept(c, except...)
	} else {
		err = validate.Struct(c)
	}
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, strings.ToUpper(fe.Field())+" failed "+fe.Tag())
			}
			return errors.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return errors.Wrap(err, "invalid configuration")
	}
	if c.UploadMode == UploadModeQueue && c.SessionStore != string(session.StoreTypeRedis) {
		return errors.New("invalid configuration: UPLOAD_MODE=queue requires SESSION_STORE=redis")
	}
	return nil
}

// Logging applies the LOG_* settings on top of base.
func (c *Config) Logging(base logx.Config) logx.Config {
	if c.LogLevel != "" {
		base.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		base.Format = c.LogFormat
	}
	base.FilePath = c.LogFile
	base.FileMaxSizeMB = c.LogFileMaxSize
	base.FileMaxBackups = c.LogFileMaxBackups
	base.FileMaxAgeDays = c.LogFileMaxAge
	base.FileCompress = c.LogFileCompress
	base.SampleEveryN = c.LogSampleEvery
	return base
}

// RetryPolicy is the policy shared by token acquisition and uploads.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.RetryMaxAttempts,
		Delay:       c.RetryDelay,
		Backoff:     c.RetryBackoff,
		MaxDelay:    time.Minute,
	}
}

// MaxFileSize is the rejection threshold in bytes, 0 for none.
func (c *Config) MaxFileSize() int64 {
	return c.MaxFileSizeMB << 20
}

// ScratchDir holds videos while they are relayed.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.DataDir, "scratch")
}
