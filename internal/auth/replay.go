package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard rejects a TOTP step that was already accepted for the user.
type ReplayGuard interface {
	Accept(ctx context.Context, userID string, step uint64) (bool, error)
}

// StoreReplayGuard keeps the last accepted step on the user row and only
// accepts strictly increasing steps.
type StoreReplayGuard struct {
	Users UserStore
}

func (g StoreReplayGuard) Accept(ctx context.Context, userID string, step uint64) (bool, error) {
	return g.Users.AcceptMFAStep(ctx, userID, step)
}

type setNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisReplayGuard claims user+step keys with SET NX. Keys expire once the
// step can no longer validate.
type RedisReplayGuard struct {
	client setNXer
	prefix string
	ttl    time.Duration
}

// NewRedisReplayGuard wraps a redis client.
func NewRedisReplayGuard(client setNXer, prefix string) *RedisReplayGuard {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "crm:totp"
	}
	return &RedisReplayGuard{
		client: client,
		prefix: prefix,
		ttl:    time.Duration((2*totpSkew+2)*totpPeriod) * time.Second,
	}
}

func (g *RedisReplayGuard) Accept(ctx context.Context, userID string, step uint64) (bool, error) {
	key := fmt.Sprintf("%s:%s:%d", g.prefix, userID, step)
	ok, err := g.client.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim totp step: %w", err)
	}
	return ok, nil
}
