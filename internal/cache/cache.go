package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/landwatch/internal/domain"
)

// New returns the cache selected by cfg.Type: "memory" for the in-process
// LRU, "redis" for Redis, fronted by a local LRU when EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2).
type TwoPhaseCache struct {
	verdictCodec

	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	local := NewLRUCache(cfg.LocalMaxSize)

	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("l2: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}

	c := &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}
	c.verdictCodec = verdictCodec{c}
	return c, nil
}

// Get reads L1, then L2. An L2 hit is copied into L1 for l1TTL.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, tenantID, key); err != nil || val != nil {
		return val, err
	}
	val, err := c.remote.Get(ctx, tenantID, key)
	if err == nil && val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	}
	return val, err
}

// Set writes L1 with min(ttl, l1TTL) and L2 with ttl.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, tenantID, key, value, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	return errors.Join(
		c.local.Delete(ctx, tenantID, key),
		c.remote.Delete(ctx, tenantID, key),
	)
}

// IncrementCounter counts in Redis only; a per-node L1 count would undercount
// across replicas.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, tenantID, key, window)
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("l1: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("l2: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	return errors.Join(c.local.Close(), c.remote.Close())
}

// Stats reports the L1 size and capacity.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}

var ErrTenantRequired = errors.New("tenantID is required")

// byteStore is the raw layer every backend implements.
type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

// verdictCodec stores verdicts as JSON in a byteStore. Each backend embeds
// one pointing at itself, so TwoPhaseCache verdicts pass through L1 and L2
// exactly like raw values.
type verdictCodec struct {
	s byteStore
}

// GetVerdict returns the verdict cached under fingerprint, or nil on a miss.
func (c verdictCodec) GetVerdict(ctx context.Context, tenantID string, fingerprint string) (*domain.FraudVerdict, error) {
	data, err := c.s.Get(ctx, tenantID, "verdict:"+fingerprint)
	if err != nil || data == nil {
		return nil, err
	}
	var v domain.FraudVerdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode cached verdict: %w", err)
	}
	return &v, nil
}

// SetVerdict caches verdict under fingerprint for ttl.
func (c verdictCodec) SetVerdict(ctx context.Context, tenantID string, fingerprint string, verdict *domain.FraudVerdict, ttl time.Duration) error {
	data, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("failed to encode verdict: %w", err)
	}
	return c.s.Set(ctx, tenantID, "verdict:"+fingerprint, data, ttl)
}

func tenantKey(tenantID, key string) string {
	return tenantID + ":" + key
}

func counterKey(key string) string {
	return "counter:" + key
}
