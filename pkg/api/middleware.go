package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/context-engine/pkg/observability"
)

const requestIDHeader = "X-Request-ID"

// RequestID propagates the caller's request id or assigns a new one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestLogger middleware logs HTTP requests
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := map[string]interface{}{
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": c.GetString("request_id"),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
			logger.Warn("Request failed", fields)
			return
		}
		logger.Debug("Request handled", fields)
	}
}

// MetricsMiddleware records request counts and durations by route
func MetricsMiddleware(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		metrics.IncrementCounterWithLabels("api.requests", 1, labels)
		metrics.RecordDuration("api.request_duration", time.Since(start), map[string]string{"route": route})
	}
}

// RateLimiterConfig holds the configuration for rate limiting
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	Message           string
	StatusCode        int
}

// DefaultRateLimiterConfig provides sensible defaults
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		Message:           "Rate limit exceeded. Please retry later.",
		StatusCode:        http.StatusTooManyRequests,
	}
}

type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	config   RateLimiterConfig
}

func (l *limiterSet) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// RateLimiter middleware implements rate limiting per client IP
func RateLimiter(cfg RateLimiterConfig) gin.HandlerFunc {
	if cfg.Message == "" {
		cfg.Message = DefaultRateLimiterConfig().Message
	}
	if cfg.StatusCode == 0 {
		cfg.StatusCode = http.StatusTooManyRequests
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	set := &limiterSet{limiters: make(map[string]*rate.Limiter), config: cfg}

	return func(c *gin.Context) {
		if !set.get(c.ClientIP()).Allow() {
			c.JSON(cfg.StatusCode, gin.H{
				"error": cfg.Message,
				"code":  "RATE_LIMIT_EXCEEDED",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// CompressionMiddleware gzips responses for clients that accept it. The
// metrics endpoint negotiates its own encoding and is left alone.
func CompressionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		gz := gzip.NewWriter(c.Writer)
		c.Writer = &gzipWriter{Writer: gz, ResponseWriter: c.Writer}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		defer func() {
			c.Header("Content-Length", "")
			_ = gz.Close()
		}()

		c.Next()
	}
}

// gzipWriter wraps the response writer to provide gzip compression
type gzipWriter struct {
	gin.ResponseWriter
	Writer *gzip.Writer
}

func (g *gzipWriter) WriteString(s string) (int, error) {
	return g.Writer.Write([]byte(s))
}

func (g *gzipWriter) Write(data []byte) (int, error) {
	return g.Writer.Write(data)
}
