package logx

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BotLogger turns tgbotapi's Printf/Println output into zerolog events at a given level.
type BotLogger struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func NewBotLogger(fields map[string]string, level zerolog.Level) *BotLogger {
	w := log.Logger.With()
	for k, v := range fields {
		w = w.Str(k, v)
	}
	return &BotLogger{logger: w.Logger(), level: level}
}

func (b *BotLogger) Println(v ...interface{}) {
	b.emit(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (b *BotLogger) Printf(format string, v ...interface{}) {
	b.emit(strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"))
}

func (b *BotLogger) emit(msg string) {
	for _, line := range strings.Split(msg, "\n") {
		if line == "" {
			continue
		}
		b.logger.WithLevel(b.level).Msg(line)
	}
}

// AsynqLogger satisfies asynq.Logger on top of the global zerolog logger.
type AsynqLogger struct {
	logger zerolog.Logger
}

func NewAsynqLogger() *AsynqLogger {
	return &AsynqLogger{logger: log.Logger.With().Str("component", "asynq").Logger()}
}

func (a *AsynqLogger) Debug(args ...interface{}) { a.logger.Debug().Msg(fmt.Sprint(args...)) }
func (a *AsynqLogger) Info(args ...interface{})  { a.logger.Info().Msg(fmt.Sprint(args...)) }
func (a *AsynqLogger) Warn(args ...interface{})  { a.logger.Warn().Msg(fmt.Sprint(args...)) }
func (a *AsynqLogger) Error(args ...interface{}) { a.logger.Error().Msg(fmt.Sprint(args...)) }
func (a *AsynqLogger) Fatal(args ...interface{}) { a.logger.Fatal().Msg(fmt.Sprint(args...)) }
