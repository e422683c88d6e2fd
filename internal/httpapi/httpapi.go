// Package httpapi exposes the ledger service over HTTP with gin.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gudangkas/backend/internal/apperr"
	"gudangkas/backend/internal/cache"
	"gudangkas/backend/internal/logging"
	"gudangkas/backend/internal/service"
)

const (
	actorKey     = "actor"
	requestIDKey = "request_id"

	defaultAllowedOrigin = "http://127.0.0.1:3000"
)

type API struct {
	service        *service.Service
	auth           *AuthManager
	logger         logrus.FieldLogger
	allowedOrigin  string
	idempotency    cache.IdempotencyStore
	idempotencyTTL time.Duration
	jobLimiter     *clientLimiter
}

type Options struct {
	AllowedOrigin  string
	Idempotency    cache.IdempotencyStore
	IdempotencyTTL time.Duration
	Logger         logrus.FieldLogger
	// JobRatePerSecond and JobBurst pace the job endpoints per client.
	JobRatePerSecond float64
	JobBurst         int
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = defaultAllowedOrigin
	}
	if opts.Idempotency == nil {
		opts.Idempotency = cache.NoopIdempotencyStore{}
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.JobRatePerSecond <= 0 {
		opts.JobRatePerSecond = 0.2
	}
	if opts.JobBurst < 1 {
		opts.JobBurst = 3
	}
	return &API{
		service:        svc,
		auth:           auth,
		logger:         opts.Logger,
		allowedOrigin:  opts.AllowedOrigin,
		idempotency:    opts.Idempotency,
		idempotencyTTL: opts.IdempotencyTTL,
		jobLimiter:     newClientLimiter(opts.JobRatePerSecond, opts.JobBurst),
	}
}

func (a *API) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), a.requestLogger(), securityHeaders(), a.corsMiddleware())
	router.NoRoute(func(c *gin.Context) {
		abortWithStatus(c, http.StatusNotFound, string(apperr.CodeNotFound), "route not found")
	})

	router.GET("/healthz", a.handleHealth)

	v1 := router.Group("/api/v1")

	staff := v1.Group("", a.requireAuth(RoleCashier, RoleAdmin))
	staff.POST("/quotes", a.handleQuote)
	staff.GET("/receipts", a.handleListReceipts)
	staff.POST("/receipts", a.handleCreateReceipt)
	staff.GET("/receipts/:id", a.handleGetReceipt)
	staff.PUT("/receipts/:id", a.handleUpdateReceipt)
	staff.DELETE("/receipts/:id", a.handleDeleteReceipt)
	staff.POST("/receipts/:id/status", a.handleTransitionReceipt)
	staff.POST("/receipts/:id/payments", a.idempotent(), a.handleAddPayment)
	staff.POST("/receipts/:id/delivery", a.handleAttachDelivery)
	staff.GET("/variants/:id", a.handleGetVariant)

	staff.POST("/cashbox/open", a.handleCashboxOpen)
	staff.POST("/cashbox/close", a.handleCashboxClose)
	staff.POST("/cashbox/adjustments", a.handleCashboxAdjust)
	staff.GET("/cashbox/current", a.handleCashboxCurrent)
	staff.GET("/cashbox/sessions", a.handleCashboxSessions)
	staff.GET("/cashbox/sessions/:id/report", a.handleCashboxReport)
	staff.GET("/cashbox/sessions/:id/movements", a.handleCashboxMovements)

	jobs := v1.Group("/jobs", a.jobLimiter.Middleware(), a.requireSyncSecret())
	jobs.POST("/delivery-sync", a.handleDeliverySync)
	jobs.POST("/cash-movement-replay", a.handleCashMovementReplay)

	v1.GET("/audit-logs", a.requireAuth(RoleAdmin), a.handleAuditLogs)

	return router
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

// decodeJSON reads a strict JSON body. Unknown fields are rejected.
func decodeJSON(c *gin.Context, dest any) error {
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperr.Validation("request body too large")
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is required")
		default:
			return apperr.Validation(fmt.Sprintf("invalid JSON body: %v", err))
		}
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// writeError maps err onto the ledger error taxonomy. Messages of 5xx replies
// are logged and replaced with a generic one.
func (a *API) writeError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := apperr.StatusFor(code)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		requestID, _ := c.Get(requestIDKey)
		logging.LogError(a.logger, "httpapi", "writeError", c.Request.Method+" "+c.Request.URL.Path, requestID, err)
		msg = "internal server error"
	}

	body := gin.H{"error": msg, "code": code}
	var appErr *apperr.Error
	if errors.As(err, &appErr) && len(appErr.Fields) > 0 && status < http.StatusInternalServerError {
		body["fields"] = appErr.Fields
	}
	c.AbortWithStatusJSON(status, body)
}

func abortWithStatus(c *gin.Context, status int, code string, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}
