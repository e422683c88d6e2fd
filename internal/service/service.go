package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gudangkas/backend/internal/apperr"
	"gudangkas/backend/internal/cache"
	"gudangkas/backend/internal/delivery"
	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/outbox"
	"gudangkas/backend/internal/pricing"
	"gudangkas/backend/internal/receiptflow"
	"gudangkas/backend/internal/store"
	"gudangkas/backend/internal/xid"
)

const (
	defaultSyncBatchLimit = 50
	defaultSyncBackoff    = 6 * time.Hour
	jobLockTTL            = 5 * time.Minute
	syncLockKey           = "delivery-sync"
	replayLockKey         = "cash-movement-replay"
	maxReplayAttempts     = 5
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Machine        *receiptflow.Machine
	Provider       delivery.Provider
	Spool          outbox.Spool
	Locker         cache.Locker
	Logger         logrus.FieldLogger
	SyncBatchLimit int
	SyncBackoff    time.Duration
	Clock          func() time.Time
}

type Service struct {
	repo           store.Repository
	machine        *receiptflow.Machine
	provider       delivery.Provider
	spool          outbox.Spool
	locker         cache.Locker
	logger         logrus.FieldLogger
	syncBatchLimit int
	syncBackoff    time.Duration
	clock          func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	svc := &Service{
		repo:           repo,
		machine:        opts.Machine,
		provider:       opts.Provider,
		spool:          opts.Spool,
		locker:         opts.Locker,
		logger:         opts.Logger,
		syncBatchLimit: opts.SyncBatchLimit,
		syncBackoff:    opts.SyncBackoff,
		clock:          opts.Clock,
	}
	if svc.machine == nil {
		svc.machine = receiptflow.Default()
	}
	if svc.provider == nil {
		svc.provider = delivery.Unconfigured{}
	}
	if svc.spool == nil {
		svc.spool = outbox.NewMemorySpool()
	}
	if svc.locker == nil {
		svc.locker = cache.NoopLocker{}
	}
	if svc.logger == nil {
		svc.logger = logrus.StandardLogger()
	}
	if svc.syncBatchLimit < 1 {
		svc.syncBatchLimit = defaultSyncBatchLimit
	}
	if svc.syncBackoff <= 0 {
		svc.syncBackoff = defaultSyncBackoff
	}
	if svc.clock == nil {
		svc.clock = time.Now
	}
	return svc
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) actor(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := s.actor(ctx)
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"module": "service",
			"action": action,
			"entity": entityType + "/" + entityID,
			"error":  err.Error(),
		}).Warn("failed to write audit log")
	}
}

// obtainJobLock takes the named job lock. It returns a nil lease when the lock
// backend is unreachable and the job should run unguarded.
func (s *Service) obtainJobLock(ctx context.Context, key string, busyMessage string) (cache.Lease, error) {
	lease, err := s.locker.Obtain(ctx, key, jobLockTTL)
	if err == nil {
		return lease, nil
	}
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, apperr.Conflict(busyMessage)
	}
	s.logger.WithFields(logrus.Fields{
		"module": "service",
		"lock":   key,
		"error":  err.Error(),
	}).Warn("job lock unavailable; running without lock")
	return nil, nil
}

func (s *Service) releaseJobLock(lease cache.Lease, key string) {
	if lease == nil {
		return
	}
	if err := lease.Release(context.Background()); err != nil {
		s.logger.WithFields(logrus.Fields{"module": "service", "lock": key, "error": err.Error()}).Warn("failed to release job lock")
	}
}

// totalsOf recomputes receipt totals from its lines; stored totals are never
// trusted for due math.
func (s *Service) totalsOf(receipt domain.Receipt) domain.Totals {
	return pricing.ComputeTotals(pricing.PayloadOf(receipt), pricing.Options{}).Totals
}

func (s *Service) dueOf(receipt domain.Receipt) decimal.Decimal {
	return pricing.DueTotal(s.totalsOf(receipt).GrandTotal, receipt.PaidTotal())
}

func (s *Service) receiptResponse(receipt domain.Receipt) domain.ReceiptResponse {
	paid := receipt.PaidTotal()
	return domain.ReceiptResponse{
		Receipt:   receipt,
		PaidTotal: paid,
		DueTotal:  pricing.DueTotal(s.totalsOf(receipt).GrandTotal, paid),
	}
}

// mapStoreError translates repository sentinels into the error taxonomy.
// notFound is returned for store.ErrNotFound.
func mapStoreError(err error, notFound *apperr.Error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict("resource already exists")
	case errors.Is(err, store.ErrStaleWrite):
		return apperr.Conflict("record changed concurrently; reload and retry")
	case errors.Is(err, store.ErrSessionClosed):
		return apperr.ErrCashboxClosed
	case errors.Is(err, store.ErrInsufficientStock):
		return apperr.Conflict("insufficient stock for requested change")
	case errors.Is(err, store.ErrInvalidTransaction):
		return apperr.Validation("invalid transaction")
	default:
		return apperr.Internal(err)
	}
}

func normalizeMethod(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodTransfer, domain.PaymentMethodEwallet, domain.PaymentMethodCOD:
		return true
	default:
		return false
	}
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
