package session

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidStoreType = errors.New("session: unknown store type")
	ErrInvalidConfig    = errors.New("session: invalid store configuration")
)

// Store persists sessions by Telegram user id. Get returns nil, nil when
// the user has no session. Implementations hand out copies.
type Store interface {
	Get(ctx context.Context, userID int64) (*UserSession, error)
	Put(ctx context.Context, s *UserSession) error
	Delete(ctx context.Context, userID int64) error
	List(ctx context.Context) ([]*UserSession, error)
	Close() error
}

// StoreType names a Store driver.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeBolt   StoreType = "bolt"
	StoreTypeRedis  StoreType = "redis"
)

type storeConfig struct {
	path        string
	redisClient redis.UniversalClient
	redisPrefix string
}

type StoreOption func(*storeConfig)

// WithPath sets the backing file for the file and bolt drivers.
func WithPath(path string) StoreOption {
	return func(c *storeConfig) { c.path = path }
}

// WithRedisClient sets the client used by the redis driver.
func WithRedisClient(client redis.UniversalClient) StoreOption {
	return func(c *storeConfig) { c.redisClient = client }
}

// WithRedisPrefix overrides the default "dmrelay:session:" key prefix.
func WithRedisPrefix(prefix string) StoreOption {
	return func(c *storeConfig) { c.redisPrefix = prefix }
}

// Open creates the Store selected by storeType.
func Open(storeType StoreType, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{redisPrefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(cfg)
	}

	switch storeType {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeFile:
		if cfg.path == "" {
			return nil, errors.Wrap(ErrInvalidConfig, "file store needs a path")
		}
		return NewFileStore(cfg.path)
	case StoreTypeBolt:
		if cfg.path == "" {
			return nil, errors.Wrap(ErrInvalidConfig, "bolt store needs a path")
		}
		return NewBoltStore(cfg.path)
	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, errors.Wrap(ErrInvalidConfig, "redis store needs a client")
		}
		return NewRedisStore(cfg.redisClient, cfg.redisPrefix), nil
	default:
		return nil, errors.Wrapf(ErrInvalidStoreType, "%q", storeType)
	}
}

func key(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// Recover normalizes every stored session after a restart and writes back
// the ones that changed. With queued uploads a worker may still own a
// processing_upload session, so keepProcessing leaves those untouched.
func Recover(ctx context.Context, st Store, keepProcessing bool) (int, error) {
	all, err := st.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing sessions")
	}
	fixed := 0
	for _, s := range all {
		if keepProcessing && s.Step == StepProcessingUpload {
			continue
		}
		before := s.Clone()
		s.Normalize()
		if s.Step == before.Step &&
			(s.Pending == nil) == (before.Pending == nil) &&
			(s.Credentials == nil) == (before.Credentials == nil) &&
			len(s.Channels) == len(before.Channels) {
			continue
		}
		if err := st.Put(ctx, s); err != nil {
			return fixed, errors.Wrapf(err, "saving session %d", s.UserID)
		}
		fixed++
	}
	return fixed, nil
}
