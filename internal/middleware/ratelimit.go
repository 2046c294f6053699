package middleware

import (
    "context"
    "fmt"
    "log"
    "math"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"

    "github.com/iliyamo/session-escrow/internal/config"
)

// takeToken refills the bucket at KEYS[1] by whole intervals since its last
// refill and takes one token.  It replies {allowed, remaining, retry_ms}.
var takeToken = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now_ms
end

local steps = math.floor(math.max(0, now_ms - ts) / interval_ms)
if steps > 0 then
    tokens = math.min(capacity, tokens + steps * refill)
    ts = ts + steps * interval_ms
end

local allowed = 0
local retry_ms = 0
if tokens > 0 then
    allowed = 1
    tokens = tokens - 1
else
    retry_ms = math.max(0, interval_ms - (now_ms - ts))
end

redis.call('HSET', key, 'tokens', tokens, 'ts', ts)
redis.call('EXPIRE', key, ttl)
return {allowed, tokens, retry_ms}
`)

// tokenBucket takes tokens from buckets stored in Redis.
type tokenBucket struct {
    cfg config.RateLimitConfig
    rdb redis.Scripter
    now func() time.Time
}

type decision struct {
    allowed   bool
    remaining int64
    retry     time.Duration
}

func (b *tokenBucket) take(ctx context.Context, key string) (decision, error) {
    vals, err := takeToken.Run(ctx, b.rdb, []string{key},
        b.now().UnixMilli(),
        b.cfg.Capacity,
        b.cfg.RefillTokens,
        b.cfg.RefillInterval.Milliseconds(),
        int64(b.cfg.TTL/time.Second),
    ).Int64Slice()
    if err != nil {
        return decision{}, err
    }
    if len(vals) != 3 {
        return decision{}, fmt.Errorf("unexpected bucket reply %v", vals)
    }
    return decision{allowed: vals[0] == 1, remaining: vals[1], retry: time.Duration(vals[2]) * time.Millisecond}, nil
}

// NewTokenBucket limits requests with token buckets kept in Redis.  With the
// session scope, every write addressed to a session draws from that
// session's bucket whichever rider sends it, so a burst of checkouts against
// one session cannot crowd out the rest of the API.  Redis errors fail open.
// A disabled config or a nil client yields a pass-through middleware.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    return newTokenBucket(cfg, rdb, time.Now)
}

func newTokenBucket(cfg config.RateLimitConfig, rdb redis.Scripter, now func() time.Time) echo.MiddlewareFunc {
    b := &tokenBucket{cfg: cfg, rdb: rdb, now: now}
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            key := bucketKey(cfg, c)
            res, err := b.take(c.Request().Context(), key)
            if err != nil {
                log.Printf("ratelimit: %s: %v", key, err)
                return next(c)
            }

            h := c.Response().Header()
            h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
            h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.remaining, 10))
            if !res.allowed {
                secs := int(math.Ceil(res.retry.Seconds()))
                h.Set("Retry-After", strconv.Itoa(secs))
                return c.JSON(http.StatusTooManyRequests, echo.Map{
                    "error":       "rate limit exceeded",
                    "code":        "TOO_MANY_REQUESTS",
                    "retry_after": secs,
                })
            }
            return next(c)
        }
    }
}

// bucketKey names the bucket a request draws from.
func bucketKey(cfg config.RateLimitConfig, c echo.Context) string {
    switch cfg.Scope {
    case config.LimitBySession:
        if sess := c.Param("session_id"); sess != "" && c.Request().Method != http.MethodGet {
            return cfg.Prefix + ":session:" + c.Param("operator_id") + ":" + sess
        }
        fallthrough
    case config.LimitByUser:
        if id := UserID(c); id != "" {
            return cfg.Prefix + ":user:" + id
        }
    }
    return cfg.Prefix + ":ip:" + c.RealIP()
}
