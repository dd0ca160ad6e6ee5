package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"hypergate-backend/internal/config"
	"hypergate-backend/internal/metrics"
	"hypergate-backend/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Verdict is one rate limit decision.
type Verdict struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces a request budget per key over a sliding window. The
// shared counter lives in Redis so every instance sees the same budget; when
// Redis is unreachable the limiter degrades to a per-instance fixed window
// and the check fails open rather than taking the API down with the store.
type Limiter struct {
	name   string
	client *redis.Client
	limit  int
	window time.Duration

	fallback *localWindow
}

// NewLimiter builds a limiter. client may be nil, in which case only the
// local fallback runs.
func NewLimiter(name string, client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{
		name:     name,
		client:   client,
		limit:    limit,
		window:   window,
		fallback: newLocalWindow(limit, window),
	}
}

// Allow records one request for key and reports whether it fits the budget.
func (l *Limiter) Allow(ctx context.Context, key string) Verdict {
	if l.client != nil {
		verdict, err := l.allowShared(ctx, key)
		if err == nil {
			l.observe(verdict)
			return verdict
		}
		logrus.WithFields(logrus.Fields{
			"limiter": l.name,
			"error":   err,
		}).Warn("Shared rate limit store unavailable, using local fallback")
		metrics.RateLimitFallbacks.Inc()
	}

	verdict := l.fallback.allow(key)
	l.observe(verdict)
	return verdict
}

// allowShared runs the sliding window against Redis: prune entries older
// than the window, add this request, count what remains.
func (l *Limiter) allowShared(ctx context.Context, key string) (Verdict, error) {
	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := fmt.Sprintf("ratelimit:%s:%s", l.name, key)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	count := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return Verdict{}, err
	}

	used := int(count.Val())
	verdict := Verdict{
		Allowed:   used <= l.limit,
		Limit:     l.limit,
		Remaining: l.limit - used,
	}
	if verdict.Remaining < 0 {
		verdict.Remaining = 0
	}
	if !verdict.Allowed {
		verdict.RetryAfter = l.window
	}
	return verdict, nil
}

func (l *Limiter) observe(v Verdict) {
	outcome := "allowed"
	if !v.Allowed {
		outcome = "rejected"
	}
	metrics.RateLimitDecisions.WithLabelValues(l.name, outcome).Inc()
}

// localWindow is the per-instance fixed-window fallback. Coarser than the
// sliding window but it keeps a ceiling on abuse while Redis is down.
type localWindow struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count int
	reset time.Time
}

func newLocalWindow(limit int, window time.Duration) *localWindow {
	w := &localWindow{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
	}
	go w.janitor()
	return w
}

func (w *localWindow) allow(key string) Verdict {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	b, ok := w.buckets[key]
	if !ok || now.After(b.reset) {
		b = &bucket{reset: now.Add(w.window)}
		w.buckets[key] = b
	}
	b.count++

	verdict := Verdict{
		Allowed:   b.count <= w.limit,
		Limit:     w.limit,
		Remaining: w.limit - b.count,
	}
	if verdict.Remaining < 0 {
		verdict.Remaining = 0
	}
	if !verdict.Allowed {
		verdict.RetryAfter = time.Until(b.reset)
	}
	return verdict
}

func (w *localWindow) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		w.mu.Lock()
		for key, b := range w.buckets {
			if now.After(b.reset) {
				delete(w.buckets, key)
			}
		}
		w.mu.Unlock()
	}
}

// RateLimiters bundles the per-surface limiters.
type RateLimiters struct {
	General   *Limiter
	Transfer  *Limiter
	Wallet    *Limiter
	Sensitive *Limiter
}

// NewRateLimiters builds the standard limiter set from config. client may be
// nil when no Redis address is configured.
func NewRateLimiters(cfg *config.RateLimitConfig, client *redis.Client) *RateLimiters {
	window := cfg.Window()
	return &RateLimiters{
		General:   NewLimiter("general", client, cfg.General, window),
		Transfer:  NewLimiter("transfer_ip", client, cfg.TransferPerIP, window),
		Wallet:    NewLimiter("wallet", client, cfg.TransferPerKey, window),
		Sensitive: NewLimiter("sensitive", client, cfg.Sensitive, window),
	}
}

// NewRedisClient connects to the shared rate limit store, or returns nil
// when no address is configured. Connection failures are tolerated at
// startup; the limiters fall back locally until Redis comes up.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	timeout := 3 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logrus.WithError(err).Warn("Redis unreachable at startup, rate limits run locally until it recovers")
	}
	return client
}

// RateLimitByIP applies the limiter per client IP.
func RateLimitByIP(limiter *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		enforce(c, limiter, c.ClientIP())
	}
}

// RateLimitByWallet applies the limiter per wallet address taken from the
// request body or route. Requests without a recognizable address fall back
// to the client IP.
func RateLimitByWallet(limiter *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := walletKey(c)
		if key == "" {
			key = c.ClientIP()
		}
		enforce(c, limiter, key)
	}
}

func walletKey(c *gin.Context) string {
	if addr := c.Param("address"); utils.IsEvmAddress(addr) {
		return utils.NormalizeAddress(addr)
	}
	if addr := c.Query("address"); utils.IsEvmAddress(addr) {
		return utils.NormalizeAddress(addr)
	}
	return bodyWalletAddress(c)
}

// bodyWalletAddress peeks userAddress out of a JSON body, restoring the body
// so the handler's own bind still sees it.
func bodyWalletAddress(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var payload struct {
		UserAddress string `json:"userAddress"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	if !utils.IsEvmAddress(payload.UserAddress) {
		return ""
	}
	return utils.NormalizeAddress(payload.UserAddress)
}

func enforce(c *gin.Context, limiter *Limiter, key string) {
	verdict := limiter.Allow(c.Request.Context(), key)

	c.Header("X-RateLimit-Limit", strconv.Itoa(verdict.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(verdict.Remaining))

	if !verdict.Allowed {
		retryAfter := int(verdict.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error":   "rate limit exceeded",
		})
		return
	}
	c.Next()
}
