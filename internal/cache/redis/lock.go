package redis

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

//go:embed scripts/release_token.lua
var releaseTokenLua string

// releaseScript deletes a token-guarded key only for its holder. Locks and
// refresh claims share it.
var releaseScript = redis.NewScript(releaseTokenLua)

// releaseTimeout bounds the detached release call.
const releaseTimeout = 5 * time.Second

// LockManager implements domain.LockManager with SET NX PX and a token-guarded
// release.
//
//	lock:{name} - holder token, PX ttl
type LockManager struct {
	c   *Client
	rdb *redis.Client
}

var _ domain.LockManager = (*LockManager)(nil)

func NewLockManager(c *Client) *LockManager {
	return &LockManager{c: c, rdb: c.Underlying()}
}

// Acquire takes the lock named key for ttl, or returns domain.ErrLockHeld.
// The returned release func is idempotent and still works after ctx is
// cancelled.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	name := lm.c.Key("lock", key)
	token := uuid.NewString()

	ok, err := lm.rdb.SetNX(ctx, name, token, ttl).Result()
	switch {
	case err != nil:
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	case !ok:
		return nil, domain.ErrLockHeld
	}

	release := sync.OnceFunc(func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		_ = releaseScript.Run(rctx, lm.rdb, []string{name}, token).Err()
	})
	return release, nil
}
