package store

import (
	"context"
	"errors"
	"time"

	"gudangkas/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrStaleWrite         = errors.New("stale write")
	ErrSessionClosed      = errors.New("cashbox session closed")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// SettleFunc fills the closing fields of an open session from its complete
// movement log.
type SettleFunc func(open domain.CashboxSession, movements []domain.CashMovement) domain.CashboxSession

// Repository is the persistence contract of the ledger. Methods taking an
// expected or from status perform a compare-and-set on the stored status and
// return ErrStaleWrite when it no longer matches.
type Repository interface {
	GetVariant(ctx context.Context, id string) (*domain.Variant, error)
	GetVariants(ctx context.Context, ids []string) (map[string]domain.Variant, error)

	// CreateReceipt, UpdateReceipt and DeleteReceipt apply stock deltas in the
	// same unit of work as the receipt write. UpdateReceipt also persists
	// receipt.Status, so an edit that settles the due can move the status.
	CreateReceipt(ctx context.Context, receipt domain.Receipt, deltas []domain.StockDelta) (*domain.Receipt, error)
	GetReceipt(ctx context.Context, id string) (*domain.Receipt, error)
	ListReceipts(ctx context.Context, filter domain.ReceiptFilter) ([]domain.Receipt, error)
	UpdateReceipt(ctx context.Context, receipt domain.Receipt, expected domain.ReceiptStatus, deltas []domain.StockDelta) (*domain.Receipt, error)
	DeleteReceipt(ctx context.Context, id string, expected domain.ReceiptStatus, deltas []domain.StockDelta) error
	UpdateReceiptStatus(ctx context.Context, id string, from domain.ReceiptStatus, to domain.ReceiptStatus, at time.Time) (*domain.Receipt, error)
	// AppendPayment fails with ErrInvalidTransaction when the payment would
	// push the paid total past the grand total.
	AppendPayment(ctx context.Context, id string, payment domain.Payment, from domain.ReceiptStatus, to domain.ReceiptStatus) (*domain.Receipt, error)
	AttachDelivery(ctx context.Context, id string, delivery domain.Delivery, from domain.ReceiptStatus, to domain.ReceiptStatus, at time.Time) (*domain.Receipt, error)
	ListDeliverySyncCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Receipt, error)
	RecordDeliverySync(ctx context.Context, id string, entry domain.DeliveryHistoryEntry, nextSyncAt time.Time) (*domain.Receipt, error)

	// CreateCashboxSession fails with ErrConflict while another session is open.
	CreateCashboxSession(ctx context.Context, session domain.CashboxSession) (*domain.CashboxSession, error)
	GetOpenCashboxSession(ctx context.Context) (*domain.CashboxSession, error)
	GetCashboxSession(ctx context.Context, id string) (*domain.CashboxSession, error)
	ListCashboxSessions(ctx context.Context, limit int) ([]domain.CashboxSession, error)
	// CloseCashboxSession reads the movement log, settles it and closes the
	// session in one unit of work. It fails with ErrStaleWrite when the session
	// is not open.
	CloseCashboxSession(ctx context.Context, id string, settle SettleFunc) (*domain.CashboxSession, error)
	// CreateCashMovement fails with ErrSessionClosed unless the session is open.
	CreateCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error)
	ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
