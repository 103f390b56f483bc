package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// TokenBudget is a per-user tokens-per-minute budget backed by
// github.com/vnmchuo/ratelimiter.
type TokenBudget struct {
	store  extratelimit.Limiter
	window time.Duration
}

func NewTokenBudget(rdb *redis.Client, tokensPerMinute int64) *TokenBudget {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &TokenBudget{store: store, window: time.Minute}
}

func NewTestBudget(store extratelimit.Limiter) *TokenBudget {
	return &TokenBudget{store: store, window: time.Minute}
}

func budgetKey(userID string) string {
	return fmt.Sprintf("ratelimit:tokens:user:%s", userID)
}

// Charge consumes tokens from the caller's budget. A denial carries the budget
// window as RetryAfter.
func (b *TokenBudget) Charge(ctx context.Context, userID string, tokens int) (Decision, error) {
	if tokens <= 0 {
		tokens = 1
	}
	res, err := b.store.AllowN(ctx, budgetKey(userID), tokens)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Allowed: res.Allowed, Layer: "token_budget", Identifier: userID, Remaining: -1}
	if !res.Allowed {
		d.RetryAfter = b.window
	}
	return d, nil
}
