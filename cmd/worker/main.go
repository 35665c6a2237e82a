package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/dmrelay/internal/app"
	"github.com/wapuda/dmrelay/internal/config"
	"github.com/wapuda/dmrelay/internal/conversation"
	"github.com/wapuda/dmrelay/internal/jobs"
	"github.com/wapuda/dmrelay/internal/logx"
	"github.com/wapuda/dmrelay/internal/progress"
	"github.com/wapuda/dmrelay/internal/session"
	"github.com/wapuda/dmrelay/internal/telegram"
	"github.com/wapuda/dmrelay/internal/upload"
)

func main() {
	logx.Setup(logx.Defaults("worker"))

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("BOT_TOKEN and a valid configuration are required")
	}
	logx.Setup(cfg.Logging(logx.Defaults("worker")))
	if cfg.SessionStore != string(session.StoreTypeRedis) {
		log.Fatal().Str("store", cfg.SessionStore).Msg("worker requires SESSION_STORE=redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
	log.Info().Msg("worker stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	deps, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			log.Error().Err(err).Msg("closing dependencies")
		}
	}()

	telegram.SetLogger(logx.NewBotLogger(map[string]string{"component": "tgbotapi"}, zerolog.DebugLevel))
	endpoint := cfg.TelegramAPIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, endpoint)
	if err != nil {
		return errors.Wrap(err, "connecting to telegram")
	}
	bot := telegram.NewBot(api, cfg.BotToken, cfg.TelegramFileEndpoint)

	// the bot's per-user lock lives in another process; a session in
	// processing_upload is only ever written by the worker that owns the job
	releaser := upload.ReleaserFunc(func(ctx context.Context, userID int64) error {
		return conversation.ReleaseSession(ctx, deps.Store, userID, time.Now())
	})
	orch := upload.NewOrchestrator(upload.Config{
		ScratchDir:       cfg.ScratchDir(),
		Policy:           cfg.RetryPolicy(),
		Tags:             cfg.VideoTags,
		VideoURLBase:     cfg.DailymotionVideoURL,
		ProgressInterval: cfg.ProgressInterval,
	}, bot, deps.DM, deps.Tokens, bot, releaser, upload.WithSinkFactory(
		func(ctx context.Context, job jobs.UploadVideo) progress.Sink {
			return telegram.NewMessageSink(ctx, bot, job.ChatID, job.StatusMessageID)
		}))

	srv := asynq.NewServerFromRedisClient(deps.Redis, asynq.Config{
		Concurrency:     cfg.WorkerConcurrency,
		Queues:          map[string]int{jobs.QueueUploads: 1},
		Logger:          logx.NewAsynqLogger(),
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	mux := asynq.NewServeMux()
	mux.Handle(jobs.TaskUploadVideo, upload.NewTaskHandler(orch))

	log.Info().Int("concurrency", cfg.WorkerConcurrency).Str("queue", jobs.QueueUploads).Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		return errors.Wrap(err, "starting asynq server")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	srv.Shutdown()
	if err := os.RemoveAll(cfg.ScratchDir()); err != nil {
		log.Warn().Err(err).Str("path", cfg.ScratchDir()).Msg("scratch directory not removed")
	}
	return nil
}
