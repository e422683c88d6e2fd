package httpapi

import (
	"bytes"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gudangkas/backend/internal/cache"
	"gudangkas/backend/internal/logging"
)

const (
	requestIDHeader      = "X-Request-ID"
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "X-Idempotency-Replayed"
	maxBodyBytes         = 1 << 20
)

func (a *API) corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{a.allowedOrigin},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Accept", "Authorization", "Content-Type", requestIDHeader, idempotencyKeyHeader, syncSecretHeader},
		ExposeHeaders: []string{"Content-Length", "Content-Type", requestIDHeader, replayedHeader},
		MaxAge:        12 * time.Hour,
	})
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cross-Origin-Opener-Policy", "same-origin")
		c.Header("Cache-Control", "no-store")

		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		c.Next()
	}
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeader, requestID)

		startedAt := time.Now()
		c.Next()

		entry := a.logger.WithFields(logrus.Fields{
			"module":     "httpapi",
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(startedAt).Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
		if actor := actorFrom(c); actor.Username != "" {
			entry = entry.WithField("actor", actor.Username)
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request failed")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Info("request")
		}
	}
}

// capturingWriter keeps a copy of the body so a successful reply can be
// stored for replay.
type capturingWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// idempotent replays the stored 2xx reply of an earlier request with the same
// Idempotency-Key from the same actor. Requests without the header pass
// through untouched.
func (a *API) idempotent() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyKeyHeader)
		actor := actorFrom(c)
		if key == "" || actor.Username == "" {
			c.Next()
			return
		}
		storeKey := actor.Username + ":" + c.Request.Method + ":" + c.Request.URL.Path + ":" + key

		stored, ok, err := a.idempotency.Get(c.Request.Context(), storeKey)
		if err != nil {
			logging.LogError(a.logger, "httpapi", "idempotent", "lookup idempotency key", storeKey, err)
		}
		if ok && stored != nil {
			c.Header(replayedHeader, "true")
			c.Data(stored.Status, stored.ContentType, stored.Body)
			c.Abort()
			return
		}

		writer := capturingWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		if status < 200 || status >= 300 {
			return
		}
		err = a.idempotency.Set(c.Request.Context(), storeKey, &cache.StoredResponse{
			Status:      status,
			Body:        writer.body.Bytes(),
			ContentType: writer.Header().Get("Content-Type"),
		}, a.idempotencyTTL)
		if err != nil {
			logging.LogError(a.logger, "httpapi", "idempotent", "store idempotent reply", storeKey, err)
		}
	}
}

// clientLimiter paces callers by client IP with a token bucket each.
type clientLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	entryTTL time.Duration
	entries  map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		entryTTL: 10 * time.Minute,
		entries:  make(map[string]*limiterEntry),
	}
}

func (l *clientLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		l.prune(now)
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *clientLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.entryTTL)
	for key, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

func (l *clientLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", strconv.Itoa(1))
			abortWithStatus(c, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
			return
		}
		c.Next()
	}
}
