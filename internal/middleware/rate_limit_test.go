package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFallbackEnforcesBudget(t *testing.T) {
	limiter := NewLimiter("test", nil, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		verdict := limiter.Allow(ctx, "10.0.0.1")
		assert.True(t, verdict.Allowed, "request %d should pass", i+1)
	}

	verdict := limiter.Allow(ctx, "10.0.0.1")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, 0, verdict.Remaining)
	assert.Greater(t, verdict.RetryAfter, time.Duration(0))
}

func TestLocalFallbackKeysAreIndependent(t *testing.T) {
	limiter := NewLimiter("test", nil, 1, time.Minute)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "10.0.0.1").Allowed)
	assert.False(t, limiter.Allow(ctx, "10.0.0.1").Allowed)
	assert.True(t, limiter.Allow(ctx, "10.0.0.2").Allowed)
}

func TestLocalFallbackWindowResets(t *testing.T) {
	limiter := NewLimiter("test", nil, 1, 30*time.Millisecond)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "10.0.0.1").Allowed)
	assert.False(t, limiter.Allow(ctx, "10.0.0.1").Allowed)

	time.Sleep(40 * time.Millisecond)
	assert.True(t, limiter.Allow(ctx, "10.0.0.1").Allowed, "new window admits again")
}

func TestRateLimitMiddlewareHeadersAndRejection(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := NewLimiter("test", nil, 2, time.Minute)
	engine := gin.New()
	engine.GET("/ping", RateLimitByIP(limiter), func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	do := func() *httptest.ResponseRecorder {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/ping", nil)
		request.RemoteAddr = "192.168.1.5:12345"
		engine.ServeHTTP(recorder, request)
		return recorder
	}

	first := do()
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	second := do()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	third := do()
	require.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.NotEmpty(t, third.Header().Get("Retry-After"))
	assert.Contains(t, third.Body.String(), "rate limit exceeded")
}

func TestWalletKeyFallsBackToIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := NewLimiter("wallet", nil, 1, time.Minute)
	engine := gin.New()
	engine.GET("/user/:address", RateLimitByWallet(limiter), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(address string) int {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/user/"+address, nil)
		request.RemoteAddr = "192.168.1.6:2222"
		engine.ServeHTTP(recorder, request)
		return recorder.Code
	}

	addrA := "0xAAAA000000000000000000000000000000000001"
	addrB := "0xBBBB000000000000000000000000000000000002"

	assert.Equal(t, http.StatusOK, do(addrA))
	assert.Equal(t, http.StatusTooManyRequests, do(addrA))
	// Different wallet, same client IP: separate budget.
	assert.Equal(t, http.StatusOK, do(addrB))
}

func TestWalletKeyReadsJSONBody(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := NewLimiter("wallet", nil, 1, time.Minute)
	engine := gin.New()
	var bound struct {
		UserAddress string `json:"userAddress"`
	}
	engine.POST("/transfers", RateLimitByWallet(limiter), func(c *gin.Context) {
		// The peek must leave the body intact for the handler's bind.
		require.NoError(t, c.ShouldBindJSON(&bound))
		c.Status(http.StatusCreated)
	})

	do := func(address string) int {
		recorder := httptest.NewRecorder()
		body := strings.NewReader(`{"userAddress":"` + address + `","sourceAmount":"1000000"}`)
		request := httptest.NewRequest(http.MethodPost, "/transfers", body)
		request.Header.Set("Content-Type", "application/json")
		request.RemoteAddr = "192.168.1.7:3333"
		engine.ServeHTTP(recorder, request)
		return recorder.Code
	}

	addrA := "0xAAAA000000000000000000000000000000000001"
	addrB := "0xBBBB000000000000000000000000000000000002"

	require.Equal(t, http.StatusCreated, do(addrA))
	assert.Equal(t, addrA, bound.UserAddress)
	assert.Equal(t, http.StatusTooManyRequests, do(addrA))
	// Same IP, different wallet in the body: separate budget.
	assert.Equal(t, http.StatusCreated, do(addrB))
}
