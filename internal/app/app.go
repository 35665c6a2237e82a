// Package app wires the shared dependencies of the bot, the worker and dmctl.
package app

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/dmrelay/internal/config"
	"github.com/wapuda/dmrelay/internal/dailymotion"
	"github.com/wapuda/dmrelay/internal/session"
)

// Deps are the long-lived clients built from a Config.
type Deps struct {
	Config *config.Config
	Redis  *redis.Client // nil unless the store or the upload mode needs it
	Store  session.Store
	DM     *dailymotion.Client
	Tokens *dailymotion.TokenCache
}

// NeedsRedis reports whether cfg talks to Redis at all.
func NeedsRedis(cfg *config.Config) bool {
	return cfg.SessionStore == string(session.StoreTypeRedis) || cfg.UploadMode == config.UploadModeQueue
}

// Open connects Redis when needed, opens the session store and builds the
// Dailymotion client with its token cache.
func Open(ctx context.Context, cfg *config.Config) (*Deps, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating data dir %s", cfg.DataDir)
	}

	d := &Deps{Config: cfg}
	if NeedsRedis(cfg) {
		d.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			_ = d.Redis.Close()
			return nil, errors.Wrapf(err, "connecting to redis at %s", cfg.RedisAddr)
		}
	}

	opts := []session.StoreOption{session.WithPath(cfg.SessionFile)}
	if d.Redis != nil {
		opts = append(opts, session.WithRedisClient(d.Redis))
	}
	st, err := session.Open(session.StoreType(cfg.SessionStore), opts...)
	if err != nil {
		d.closeRedis()
		return nil, errors.Wrapf(err, "opening %s session store", cfg.SessionStore)
	}
	d.Store = st

	d.DM = dailymotion.New(cfg.DailymotionAPIURL,
		dailymotion.WithScope(cfg.DailymotionScope),
		dailymotion.WithCallTimeout(cfg.DailymotionTimeout))
	d.Tokens = dailymotion.NewTokenCache(d.DM, cfg.RetryPolicy())

	log.Info().
		Str("store", cfg.SessionStore).
		Str("session_file", cfg.SessionFile).
		Str("upload_mode", cfg.UploadMode).
		Bool("redis", d.Redis != nil).
		Msg("dependencies ready")
	return d, nil
}

// Close flushes the store, then drops the Redis connection.
func (d *Deps) Close() error {
	var err error
	if d.Store != nil {
		if cerr := d.Store.Close(); cerr != nil {
			err = errors.Wrap(cerr, "closing session store")
		}
	}
	d.closeRedis()
	return err
}

func (d *Deps) closeRedis() {
	if d.Redis == nil {
		return
	}
	if err := d.Redis.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close")
	}
}
