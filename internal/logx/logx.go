package logx

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const (
	CtxKeyUserID ctxKey = "uid"
	CtxKeyJobID  ctxKey = "job"
)

// Config describes where and how much a process logs. config.Config
// fills it from the LOG_* keys.
type Config struct {
	Service        string // "bot", "worker" or "dmctl"
	Level          string // debug, info, warn or error
	Format         string // json or console
	FilePath       string // rotated copy of the output, "" for none
	FileMaxSizeMB  int
	FileMaxBackups int
	FileMaxAgeDays int
	FileCompress   bool
	SampleEveryN   int // >0 keeps one event in N
}

// Defaults is the configuration used until settings are loaded.
func Defaults(service string) Config {
	return Config{
		Service:        service,
		Level:          "info",
		Format:         "json",
		FileMaxSizeMB:  50,
		FileMaxBackups: 3,
		FileMaxAgeDays: 7,
		FileCompress:   true,
	}
}

// Setup configures the zerolog global `log` and returns the logger instance.
func Setup(c Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var writers []io.Writer
	if c.Format == "console" {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		writers = append(writers, os.Stdout)
	}
	if c.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.FileMaxSizeMB,
			MaxBackups: c.FileMaxBackups,
			MaxAge:     c.FileMaxAgeDays,
			Compress:   c.FileCompress,
		})
	}
	multi := io.MultiWriter(writers...)

	logger := zerolog.New(multi).Level(lvl).With().
		Timestamp().
		Str("svc", c.Service).
		Logger()

	if c.SampleEveryN > 0 {
		logger = logger.Sample(&zerolog.BasicSampler{N: uint32(c.SampleEveryN)})
	}

	log.Logger = logger
	return logger
}

// WithUser stores the Telegram user id on ctx for FromCtx.
func WithUser(ctx context.Context, uid int64) context.Context {
	return context.WithValue(ctx, CtxKeyUserID, uid)
}

// WithJob stores the upload job id on ctx for FromCtx.
func WithJob(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CtxKeyJobID, id)
}

// FromCtx attaches standard fields (if present) to the global logger.
func FromCtx(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if v, ok := ctx.Value(CtxKeyJobID).(string); ok && v != "" {
		l = l.With().Str("job", v).Logger()
	}
	if v, ok := ctx.Value(CtxKeyUserID).(int64); ok {
		l = l.With().Int64("uid", v).Logger()
	}
	return &l
}
