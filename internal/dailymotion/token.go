package dailymotion

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/wapuda/dmrelay/internal/retry"
)

// Authenticator obtains a token for a credential set.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Token, error)
}

// TokenCache keeps one bearer token per credential set. Concurrent requests
// for the same credentials share a single authentication round trip.
type TokenCache struct {
	auth   Authenticator
	policy retry.Policy
	now    func() time.Time

	group  singleflight.Group
	mu     sync.Mutex
	tokens map[string]Token
}

func NewTokenCache(auth Authenticator, policy retry.Policy) *TokenCache {
	return &TokenCache{
		auth:   auth,
		policy: policy,
		now:    time.Now,
		tokens: make(map[string]Token),
	}
}

// Token returns a cached, unexpired token or authenticates. Network failures
// are retried under the cache's policy; credential errors are returned at once.
func (c *TokenCache) Token(ctx context.Context, creds Credentials) (string, error) {
	key := creds.Fingerprint()

	c.mu.Lock()
	t, ok := c.tokens[key]
	c.mu.Unlock()
	if ok && !t.Expired(c.now()) {
		return t.AccessToken, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		var tok Token
		err := c.policy.Do(ctx, func(int) error {
			var err error
			tok, err = c.auth.Authenticate(ctx, creds)
			if err != nil && !Retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}, func(attempt int, err error, next time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Str("username", creds.Username).Msg("dailymotion auth failed, retrying")
		})
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.tokens[key] = tok
		c.mu.Unlock()
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next Token call re-authenticates.
func (c *TokenCache) Invalidate(creds Credentials) {
	c.mu.Lock()
	delete(c.tokens, creds.Fingerprint())
	c.mu.Unlock()
}
