package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wapuda/dmrelay/internal/app"
	"github.com/wapuda/dmrelay/internal/config"
	"github.com/wapuda/dmrelay/internal/conversation"
	"github.com/wapuda/dmrelay/internal/health"
	"github.com/wapuda/dmrelay/internal/jobs"
	"github.com/wapuda/dmrelay/internal/logx"
	"github.com/wapuda/dmrelay/internal/progress"
	"github.com/wapuda/dmrelay/internal/session"
	"github.com/wapuda/dmrelay/internal/telegram"
	"github.com/wapuda/dmrelay/internal/upload"
)

func main() {
	logx.Setup(logx.Defaults("bot"))

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("BOT_TOKEN and a valid configuration are required")
	}
	logx.Setup(cfg.Logging(logx.Defaults("bot")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("bot stopped")
	}
	log.Info().Msg("bot stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info().Str("mode", cfg.UploadMode).Msg("bot starting")

	deps, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}

	keepProcessing := cfg.UploadMode == config.UploadModeQueue
	if n, err := session.Recover(ctx, deps.Store, keepProcessing); err != nil {
		log.Warn().Err(err).Msg("session recovery incomplete")
	} else if n > 0 {
		log.Info().Int("sessions", n).Msg("sessions recovered after restart")
	}

	telegram.SetLogger(logx.NewBotLogger(map[string]string{"component": "tgbotapi"}, zerolog.DebugLevel))
	endpoint := cfg.TelegramAPIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, endpoint)
	if err != nil {
		_ = deps.Close()
		return errors.Wrap(err, "connecting to telegram")
	}
	log.Info().Str("username", api.Self.UserName).Msg("bot authorized")

	bot := telegram.NewBot(api, cfg.BotToken, cfg.TelegramFileEndpoint)

	// uploads get their own context so a signal drains them instead of killing them
	uploadsCtx, cancelUploads := context.WithCancel(context.Background())
	defer cancelUploads()

	var (
		machine    *conversation.Machine
		local      *upload.LocalDispatcher
		dispatcher conversation.Dispatcher
	)
	switch cfg.UploadMode {
	case config.UploadModeQueue:
		client := asynq.NewClientFromRedisClient(deps.Redis)
		defer client.Close()
		dispatcher = upload.NewQueueDispatcher(client)
	default:
		releaser := upload.ReleaserFunc(func(ctx context.Context, userID int64) error {
			return machine.Release(ctx, userID)
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
		local = upload.NewLocalDispatcher(uploadsCtx, orch)
		dispatcher = local
	}

	machine = conversation.New(deps.Store, session.NewLocker(), bot, deps.Tokens, dispatcher,
		conversation.WithMaxFileSize(cfg.MaxFileSize()),
		conversation.WithAuthTimeout(cfg.AuthTimeout))
	router := conversation.NewRouter(machine)

	// handlers outlive the signal long enough to finish the message in hand
	handleCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()

	hs := health.New("dmrelay")
	if deps.Redis != nil {
		hs.AddCheck("redis", func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() })
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + strconv.Itoa(cfg.Port)
		log.Info().Str("addr", addr).Msg("health endpoint listening")
		if err := hs.Listen(addr); err != nil {
			return errors.Wrap(err, "health server")
		}
		return nil
	})
	g.Go(func() error {
		poll(gctx, handleCtx, api, router)

		log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down")
		waitCtx, cancelWait := context.WithTimeout(context.Background(), 10*time.Second)
		if err := router.Wait(waitCtx); err != nil {
			log.Warn().Int("users", router.Pending()).Msg("message handlers still running, cancelling them")
		}
		cancelWait()
		cancelHandlers()
		if local != nil {
			drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			if err := local.Wait(drainCtx); err != nil {
				log.Warn().Err(err).Msg("uploads still running, cancelling them")
				cancelUploads()
				// cancelled uploads still release their sessions
				graceCtx, cancelGrace := context.WithTimeout(context.Background(), 10*time.Second)
				_ = local.Wait(graceCtx)
				cancelGrace()
			}
			cancel()
		}
		if err := deps.Close(); err != nil {
			log.Error().Err(err).Msg("closing dependencies")
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("health server shutdown")
		}
		if err := os.RemoveAll(cfg.ScratchDir()); err != nil {
			log.Warn().Err(err).Str("path", cfg.ScratchDir()).Msg("scratch directory not removed")
		}
		return nil
	})
	return g.Wait()
}

// poll hands updates to the router until ctx ends. Each user's messages are
// handled in order under handleCtx.
func poll(ctx, handleCtx context.Context, api *tgbotapi.BotAPI, router *conversation.Router) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := api.GetUpdatesChan(u)
	defer api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Message == nil {
				continue
			}
			msg, ok := telegram.ToMessage(upd.Message)
			if !ok {
				continue
			}
			log.Info().
				Int64("chat_id", msg.ChatID).
				Int64("uid", msg.UserID).
				Bool("attachment", msg.Attachment != nil).
				Msg("message received")
			router.Route(handleCtx, msg)
		}
	}
}
