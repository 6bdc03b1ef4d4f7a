package security

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/wallet-core/internal/config"
)

var errBadLimiterReply = errors.New("unexpected rate limiter reply")

// RedisTokenBucket is a token bucket per key, shared by every API replica
// through Redis.
type RedisTokenBucket struct {
	Redis      *redis.Client
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second

	now func() time.Time
}

func NewRedisTokenBucket(rdb *redis.Client, cfg config.RateLimit) *RedisTokenBucket {
	return &RedisTokenBucket{
		Redis:      rdb,
		Prefix:     "ratelimit",
		Capacity:   cfg.Capacity,
		RefillRate: cfg.RefillRate,
	}
}

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1])
local last = tonumber(data[2])

if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local filled = math.min(capacity, tokens + (delta * refill_rate))

local allowed = 0
if filled >= 1 then
  allowed = 1
  filled = filled - 1
end

redis.call('HSET', key, 'tokens', filled, 'last', now)
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(filled)}
`)

func (l *RedisTokenBucket) key(raw string) string {
	if l.Prefix == "" {
		return raw
	}
	return l.Prefix + ":" + raw
}

func (l *RedisTokenBucket) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

// Allow takes one token for rawKey. A disabled limiter always allows.
func (l *RedisTokenBucket) Allow(ctx context.Context, rawKey string) (bool, int, error) {
	if l == nil || l.Redis == nil || l.Capacity <= 0 || l.RefillRate <= 0 {
		return true, 0, nil
	}

	now := float64(l.clock().UnixNano()) / 1e9
	ttl := int64(float64(l.Capacity)/l.RefillRate) + 1

	vals, err := tokenBucketScript.Run(ctx, l.Redis, []string{l.key(rawKey)}, l.Capacity, l.RefillRate, now, ttl).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(vals) != 2 {
		return false, 0, errBadLimiterReply
	}

	allowed, ok := vals[0].(int64)
	if !ok {
		return false, 0, errBadLimiterReply
	}
	remaining, err := strconv.ParseFloat(toString(vals[1]), 64)
	if err != nil {
		return false, 0, errBadLimiterReply
	}
	return allowed == 1, int(remaining), nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// RateLimitMiddleware applies l per key; requests for which keyFn returns ""
// are not limited.
func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if keyFn != nil {
				key = keyFn(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, err := l.Allow(r.Context(), key)
			if err != nil {
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(l.retryAfterSeconds()))
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (l *RedisTokenBucket) retryAfterSeconds() int {
	if l.RefillRate <= 0 {
		return 1
	}
	s := int(1/l.RefillRate + 0.999)
	if s < 1 {
		s = 1
	}
	return s
}

// RateLimitKeyByIP keys the limiter on the peer address.
func RateLimitKeyByIP(r *http.Request) string {
	ip := RemoteIP(r)
	if ip == nil {
		return ""
	}
	return "ip:" + ip.String()
}
