package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/intentd/intentd/pkg/observability"
)

const (
	keyPrefix = "rate_limit:"

	// DefaultKeyTTL evicts idle tenant buckets. A re-initialized bucket
	// starts full, so eviction can only favor the tenant.
	DefaultKeyTTL = 120 * time.Second
)

// tokenBucketScript refills and drains the two bucket keys in one atomic
// step. The caller supplies the clock so the script stays deterministic
// under script replication; state is only written on an allow, so a denied
// burst cannot push the refill point forward.
//
// KEYS[1] tokens, KEYS[2] last_update.
// ARGV: rate (tokens/minute), burst, now (seconds), requested, ttl (seconds).
// Reply: {allowed, remaining, retry_after} with floats encoded as strings.
const tokenBucketScript = `
local tokens = tonumber(redis.call("GET", KEYS[1]))
local last = tonumber(redis.call("GET", KEYS[2]))
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

if tokens == nil or last == nil then
	tokens = burst
	last = now
end

local elapsed = now - last
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(burst, tokens + elapsed * rate / 60)

if tokens >= requested then
	tokens = tokens - requested
	redis.call("SET", KEYS[1], tostring(tokens), "EX", ttl)
	redis.call("SET", KEYS[2], tostring(now), "EX", ttl)
	return {1, tostring(tokens), "0"}
end

local retry = (requested - tokens) * 60 / rate
return {0, tostring(tokens), tostring(retry)}
`

// RedisConfig configures the Redis-backed limiter.
type RedisConfig struct {
	Client *redis.Client
	// KeyTTL bounds how long idle bucket state survives. Zero takes
	// DefaultKeyTTL.
	KeyTTL time.Duration
	Logger observability.Logger
}

// RedisLimiter is the shared-store token bucket. Safe for concurrent use.
type RedisLimiter struct {
	client *redis.Client
	keyTTL time.Duration
	logger observability.Logger

	// now returns seconds since epoch. Overridden in tests.
	now func() float64
}

// NewRedis creates the Redis-backed limiter.
func NewRedis(cfg RedisConfig) (*RedisLimiter, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("ratelimit: redis client is required")
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = DefaultKeyTTL
	}
	return &RedisLimiter{
		client: cfg.Client,
		keyTTL: cfg.KeyTTL,
		logger: observability.OrNoop(cfg.Logger),
		now: func() float64 {
			return float64(time.Now().UnixNano()) / 1e9
		},
	}, nil
}

// Allow attempts to take n tokens from the tenant's bucket. A store failure
// is returned to the caller; the limiter itself never falls back to a local
// count, since replicas disagreeing about budgets is worse than one failed
// check.
func (l *RedisLimiter) Allow(ctx context.Context, tenantID string, rate, burst float64, n int) (Decision, error) {
	if tenantID == "" {
		return Decision{}, fmt.Errorf("ratelimit: tenant id is required")
	}
	if rate <= 0 || burst <= 0 {
		return Decision{}, fmt.Errorf("ratelimit: rate and burst must be positive, got rate=%v burst=%v", rate, burst)
	}
	if n <= 0 {
		n = 1
	}

	keys := []string{tokensKey(tenantID), stampKey(tenantID)}
	args := []interface{}{rate, burst, l.now(), n, int(l.keyTTL.Seconds())}

	raw, err := l.client.Eval(ctx, tokenBucketScript, keys, args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run token bucket script: %w", err)
	}
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply: %T", raw)
	}

	allowed, _ := reply[0].(int64)
	remaining, err := parseScriptFloat(reply[1])
	if err != nil {
		return Decision{}, err
	}
	retry, err := parseScriptFloat(reply[2])
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		Allowed:   allowed == 1,
		Remaining: remaining,
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(retry * float64(time.Second))
		l.logger.Debug("rate limit denied", map[string]interface{}{
			"tenant_id":   tenantID,
			"requested":   n,
			"remaining":   remaining,
			"retry_after": decision.RetryAfter.String(),
		})
	}
	return decision, nil
}

// Reset deletes both bucket keys.
func (l *RedisLimiter) Reset(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("ratelimit: tenant id is required")
	}
	if err := l.client.Del(ctx, tokensKey(tenantID), stampKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit state: %w", err)
	}
	return nil
}

func tokensKey(tenantID string) string { return keyPrefix + tenantID + ":tokens" }
func stampKey(tenantID string) string  { return keyPrefix + tenantID + ":last_update" }

func parseScriptFloat(v interface{}) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected token bucket reply element: %T", v)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token bucket reply %q: %w", s, err)
	}
	return f, nil
}

var _ Limiter = (*RedisLimiter)(nil)
