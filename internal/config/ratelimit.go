package config

import (
    "log"
    "os"
    "strconv"
    "strings"
    "time"
)

// Rate limit scopes select what a token bucket is shared by.
const (
    // LimitBySession gives every session one bucket for the writes addressed
    // to it (checkout, reservations, claim, cancel); other requests fall back
    // to the caller's subject and then to the client IP.
    LimitBySession = "session"
    // LimitByUser keys buckets on the token subject, or the IP when anonymous.
    LimitByUser = "user"
    // LimitByIP keys buckets on the client IP only.
    LimitByIP = "ip"
)

// RateLimitConfig configures the Redis token buckets in front of the
// session API.  A bucket holds Capacity tokens and regains RefillTokens every
// RefillInterval; idle buckets expire after TTL, which is never shorter than
// five refill intervals.
type RateLimitConfig struct {
    Enabled        bool
    Capacity       int
    RefillTokens   int
    RefillInterval time.Duration
    TTL            time.Duration
    Scope          string
    Prefix         string
}

// LoadRateLimitConfig reads RATE_LIMIT_* variables.  RATE_LIMIT_REFILL_EVERY
// is shorthand for one token per interval.  An unknown scope falls back to
// LimitBySession.
func LoadRateLimitConfig() RateLimitConfig {
    cfg := RateLimitConfig{
        Enabled:        envBool("RATE_LIMIT_ENABLED", true),
        Capacity:       envInt("RATE_LIMIT_CAPACITY", 60),
        RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
        RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", time.Second),
        TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
        Scope:          strings.ToLower(envStr("RATE_LIMIT_SCOPE", LimitBySession)),
        Prefix:         envStr("RATE_LIMIT_PREFIX", "rl"),
    }
    if every := envDur("RATE_LIMIT_REFILL_EVERY", 0); every > 0 {
        cfg.RefillTokens = 1
        cfg.RefillInterval = every
    }
    switch cfg.Scope {
    case LimitBySession, LimitByUser, LimitByIP:
    default:
        log.Printf("config: unknown RATE_LIMIT_SCOPE %q, using %q", cfg.Scope, LimitBySession)
        cfg.Scope = LimitBySession
    }
    cfg.Capacity = max(cfg.Capacity, 1)
    cfg.RefillTokens = max(cfg.RefillTokens, 1)
    if cfg.RefillInterval <= 0 {
        cfg.RefillInterval = time.Second
    }
    cfg.TTL = max(cfg.TTL, 5*cfg.RefillInterval)
    return cfg
}

func envStr(k, d string) string {
    if v := os.Getenv(k); v != "" {
        return v
    }
    return d
}

func envBool(k string, d bool) bool {
    switch strings.ToLower(os.Getenv(k)) {
    case "1", "true", "yes", "on":
        return true
    case "0", "false", "no", "off":
        return false
    }
    return d
}

func envInt(k string, d int) int {
    if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
        return n
    }
    return d
}

func envDur(k string, d time.Duration) time.Duration {
    if dur, err := time.ParseDuration(os.Getenv(k)); err == nil {
        return dur
    }
    return d
}
