package balance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/fundsched/internal/scheduler"
)

// Cache is a write-through cache over a slow backing source. The scheduler
// reads it synchronously under its lock, so hits must stay in-process: the
// local map is consulted first, then redis, then the backing source. Callers
// that know which accounts a batch touches should Preload them outside the
// lock so the under-lock reads never leave the process.
type Cache struct {
	backing scheduler.BalanceSource
	rdb     *redis.Client
	ttl     time.Duration

	mu    sync.RWMutex
	local map[cacheKey]uint64
}

type cacheKey struct {
	account scheduler.AccountID
	version uint64
}

// NewCache wraps backing. rdb may be nil, in which case only the in-process
// layer is used.
func NewCache(backing scheduler.BalanceSource, rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{
		backing: backing,
		rdb:     rdb,
		ttl:     ttl,
		local:   make(map[cacheKey]uint64),
	}
}

// GetBalance returns the settled balance of account at or before version.
func (c *Cache) GetBalance(ctx context.Context, account scheduler.AccountID, version uint64) uint64 {
	key := cacheKey{account: account, version: version}

	c.mu.RLock()
	bal, ok := c.local[key]
	c.mu.RUnlock()
	if ok {
		return bal
	}

	if bal, ok := c.fromRedis(ctx, key); ok {
		c.store(key, bal)
		return bal
	}

	bal = c.backing.GetBalance(ctx, account, version)
	c.store(key, bal)
	c.toRedis(ctx, key, bal)
	return bal
}

// Preload fetches the given accounts at version so that subsequent
// under-lock reads are local map hits.
func (c *Cache) Preload(ctx context.Context, accounts []scheduler.AccountID, version uint64) {
	for _, account := range accounts {
		c.GetBalance(ctx, account, version)
	}
}

// Invalidate drops every locally cached entry below version. Called after a
// settlement so the next read refetches the post-settlement balance; redis
// entries expire via TTL.
func (c *Cache) Invalidate(version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.local {
		if key.version < version {
			delete(c.local, key)
		}
	}
}

// Update installs an authoritative balance, write-through.
func (c *Cache) Update(ctx context.Context, account scheduler.AccountID, version, balance uint64) {
	key := cacheKey{account: account, version: version}
	c.store(key, balance)
	c.toRedis(ctx, key, balance)
}

func (c *Cache) store(key cacheKey, balance uint64) {
	c.mu.Lock()
	c.local[key] = balance
	c.mu.Unlock()
}

func (c *Cache) fromRedis(ctx context.Context, key cacheKey) (uint64, bool) {
	if c.rdb == nil {
		return 0, false
	}
	val, err := c.rdb.Get(ctx, redisKey(key)).Result()
	if err != nil {
		return 0, false
	}
	bal, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return bal, true
}

func (c *Cache) toRedis(ctx context.Context, key cacheKey, balance uint64) {
	if c.rdb == nil {
		return
	}
	// Best effort; a missed write just means a refetch later.
	c.rdb.Set(ctx, redisKey(key), strconv.FormatUint(balance, 10), c.ttl)
}

func redisKey(key cacheKey) string {
	return fmt.Sprintf("balance:%s:%d", key.account, key.version)
}
