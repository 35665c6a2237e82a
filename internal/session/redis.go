package session

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "dmrelay:session:"

// RedisStore keeps one JSON value per user under <prefix><userID>. Keys
// never expire; credentials are retained until the user replaces them.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(userID int64) string {
	return r.prefix + key(userID)
}

func (r *RedisStore) Get(ctx context.Context, userID int64) (*UserSession, error) {
	val, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get session %d", userID)
	}
	var s UserSession
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, errors.Wrapf(err, "decoding session %d", userID)
	}
	return &s, nil
}

func (r *RedisStore) Put(ctx context.Context, s *UserSession) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "encoding session %d", s.UserID)
	}
	if err := r.client.Set(ctx, r.key(s.UserID), raw, 0).Err(); err != nil {
		return errors.Wrapf(err, "redis set session %d", s.UserID)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, userID int64) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return errors.Wrapf(err, "redis del session %d", userID)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]*UserSession, error) {
	var out []*UserSession
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "redis get %s", iter.Val())
		}
		var s UserSession
		if err := json.Unmarshal(val, &s); err != nil {
			return nil, errors.Wrapf(err, "decoding %s", iter.Val())
		}
		out = append(out, &s)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis scan sessions")
	}
	sortByUser(out)
	return out, nil
}

// Close is a no-op; the client belongs to the caller.
func (r *RedisStore) Close() error { return nil }
