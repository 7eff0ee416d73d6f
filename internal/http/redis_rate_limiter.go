package httpx

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	redisLimiterPrefix  = "statusboard:ratelimit:"
	redisLimiterTimeout = 250 * time.Millisecond
)

// redisRateLimiter keeps a sliding-window log per key in a sorted set scored
// by request time, so every replica sharing the server sees one budget.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiter connects to addr and verifies the server answers.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{
		client: client,
		logger: logger.With("component", "redis_rate_limiter"),
		now:    time.Now,
	}, nil
}

// Allow fails open when redis is unreachable.
func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisLimiterTimeout)
	defer cancel()

	now := rl.now()
	redisKey := redisLimiterPrefix + key
	member := strconv.FormatInt(now.UnixNano(), 36) + "-" + uuid.NewString()

	pipe := rl.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(now.Add(-window).UnixMicro(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: member})
	card := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Error("rate limit pipeline failed", "error", err)
		return rateDecision{allowed: true}
	}

	count := int(card.Val())
	if count <= limit {
		return rateDecision{allowed: true, remaining: limit - count}
	}
	// Rejected requests do not consume budget.
	if err := rl.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		rl.logger.Warn("rate limit rollback failed", "error", err)
	}
	decision := rateDecision{allowed: false}
	if entries := oldest.Val(); len(entries) > 0 {
		decision.resetAt = time.UnixMicro(int64(entries[0].Score)).Add(window)
	}
	return decision
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}
