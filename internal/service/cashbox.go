package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"gudangkas/backend/internal/apperr"
	"gudangkas/backend/internal/cashbook"
	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/logging"
	"gudangkas/backend/internal/store"
	"gudangkas/backend/internal/xid"
)

// Drawer is a handle on the cashbox session that was open when it was
// resolved. Cash side effects go through it instead of looking the open
// session up again.
type Drawer struct {
	session domain.CashboxSession
	svc     *Service
}

// OpenDrawer resolves the open cashbox session. It fails with CashboxClosed
// when none is open.
func (s *Service) OpenDrawer(ctx context.Context) (*Drawer, error) {
	session, err := s.repo.GetOpenCashboxSession(ctx)
	if err != nil {
		return nil, mapStoreError(err, apperr.ErrCashboxClosed)
	}
	return &Drawer{session: *session, svc: s}, nil
}

func (d *Drawer) Session() domain.CashboxSession {
	return d.session
}

func (d *Drawer) stamp(movement domain.CashMovement) domain.CashMovement {
	movement.SessionID = d.session.ID
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = d.svc.now()
	}
	return movement
}

// Record writes a movement against the drawer session and returns the error
// to the caller.
func (d *Drawer) Record(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	return d.svc.repo.CreateCashMovement(ctx, d.stamp(movement))
}

// Post is Record for side effects of an already committed write. A failed
// movement is spooled for replay and never reported to the caller.
func (d *Drawer) Post(ctx context.Context, movement domain.CashMovement) {
	movement = d.stamp(movement)
	_, err := d.svc.repo.CreateCashMovement(ctx, movement)
	if err == nil {
		return
	}
	fields := logrus.Fields{
		"module":     "service",
		"session_id": movement.SessionID,
		"receipt_id": movement.ReceiptID,
		"amount":     movement.Amount.StringFixed(2),
		"error":      err.Error(),
	}
	if _, spoolErr := d.svc.spool.Enqueue(ctx, movement, err.Error()); spoolErr != nil {
		logging.LogError(d.svc.logger, "service", "Drawer.Post", "spool cash movement", fields, spoolErr)
		return
	}
	d.svc.logger.WithFields(fields).Warn("cash movement spooled for replay")
}

func (s *Service) OpenCashbox(ctx context.Context, req domain.CashboxOpenRequest) (domain.CashboxSessionResponse, error) {
	if req.OpeningAmount.IsNegative() {
		return domain.CashboxSessionResponse{}, apperr.Validation("opening amount cannot be negative",
			apperr.FieldError{Field: "opening_amount", Message: "must be zero or greater"})
	}

	actor := s.actor(ctx)
	session, err := s.repo.CreateCashboxSession(ctx, domain.CashboxSession{
		ID:            xid.New("cbx"),
		Status:        domain.CashboxOpen,
		OpeningAmount: req.OpeningAmount.Round(2),
		OpenedAt:      s.now(),
		OpenedBy:      actor.Username,
		Note:          strings.TrimSpace(req.Note),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.CashboxSessionResponse{}, apperr.Conflict("a cashbox session is already open")
		}
		return domain.CashboxSessionResponse{}, mapStoreError(err, apperr.ErrNotFound)
	}

	s.logAudit(ctx, "cashbox_open", "cashbox_session", session.ID, fmt.Sprintf("opening=%s", session.OpeningAmount.StringFixed(2)))
	return domain.CashboxSessionResponse{Session: *session}, nil
}

// CloseCashbox settles the open session against the counted drawer amount and
// persists the settlement with it.
func (s *Service) CloseCashbox(ctx context.Context, req domain.CashboxCloseRequest) (domain.CashboxReport, error) {
	if req.CountedAmount.IsNegative() {
		return domain.CashboxReport{}, apperr.Validation("counted amount cannot be negative",
			apperr.FieldError{Field: "counted_amount", Message: "must be zero or greater"})
	}

	open, err := s.repo.GetOpenCashboxSession(ctx)
	if err != nil {
		return domain.CashboxReport{}, mapStoreError(err, apperr.ErrNoOpenSession)
	}

	counted := req.CountedAmount.Round(2)
	closedAt := s.now()
	closedBy := s.actor(ctx).Username
	note := strings.TrimSpace(req.Note)
	closed, err := s.repo.CloseCashboxSession(ctx, open.ID, func(session domain.CashboxSession, movements []domain.CashMovement) domain.CashboxSession {
		totals := cashbook.Summarize(movements)
		expected, variance := cashbook.Settle(session.OpeningAmount, counted, totals)
		session.ClosedAt = &closedAt
		session.ClosedBy = closedBy
		session.CountedAmount = &counted
		session.ExpectedCash = &expected
		session.Variance = &variance
		session.Totals = &totals
		session.Note = note
		return session
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return domain.CashboxReport{}, apperr.ErrNoOpenSession
		}
		return domain.CashboxReport{}, mapStoreError(err, apperr.ErrNoOpenSession)
	}
	totals := *closed.Totals
	expected, variance := *closed.ExpectedCash, *closed.Variance

	s.logAudit(ctx, "cashbox_close", "cashbox_session", closed.ID, fmt.Sprintf("expected=%s,counted=%s,variance=%s", expected.StringFixed(2), counted.StringFixed(2), variance.StringFixed(2)))
	return cashbook.Report(*closed, totals), nil
}

func (s *Service) AdjustCashbox(ctx context.Context, req domain.CashboxAdjustRequest) (domain.CashMovement, error) {
	fields := make([]apperr.FieldError, 0, 3)
	if req.Direction != domain.CashIn && req.Direction != domain.CashOut {
		fields = append(fields, apperr.FieldError{Field: "direction", Message: "must be in or out"})
	}
	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		fields = append(fields, apperr.FieldError{Field: "amount", Message: "must be greater than zero"})
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		fields = append(fields, apperr.FieldError{Field: "reason", Message: "required"})
	}
	if len(fields) > 0 {
		return domain.CashMovement{}, apperr.Validation("invalid adjustment", fields...)
	}

	drawer, err := s.OpenDrawer(ctx)
	if err != nil {
		return domain.CashMovement{}, err
	}
	movement, err := drawer.Record(ctx, domain.CashMovement{
		Amount:    amount,
		Direction: req.Direction,
		Source:    domain.CashSourceAdjustment,
		UserID:    s.actor(ctx).Username,
		Reason:    reason,
	})
	if err != nil {
		return domain.CashMovement{}, mapStoreError(err, apperr.ErrCashboxClosed)
	}

	s.logAudit(ctx, "cashbox_adjust", "cash_movement", movement.ID, fmt.Sprintf("direction=%s,amount=%s,reason=%s", movement.Direction, amount.StringFixed(2), reason))
	return *movement, nil
}

// CurrentCashbox is the live report of the open session with nothing counted.
func (s *Service) CurrentCashbox(ctx context.Context) (domain.CashboxReport, error) {
	drawer, err := s.OpenDrawer(ctx)
	if err != nil {
		return domain.CashboxReport{}, err
	}
	session := drawer.Session()
	movements, err := s.repo.ListCashMovements(ctx, session.ID)
	if err != nil {
		return domain.CashboxReport{}, mapStoreError(err, apperr.ErrCashboxClosed)
	}
	return cashbook.Report(session, cashbook.Summarize(movements)), nil
}

// CashboxReport rebuilds the report of any session from its movements.
func (s *Service) CashboxReport(ctx context.Context, sessionID string) (domain.CashboxReport, error) {
	session, err := s.repo.GetCashboxSession(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return domain.CashboxReport{}, mapStoreError(err, apperr.ErrNotFound)
	}
	movements, err := s.repo.ListCashMovements(ctx, session.ID)
	if err != nil {
		return domain.CashboxReport{}, mapStoreError(err, apperr.ErrNotFound)
	}
	return cashbook.Report(*session, cashbook.Summarize(movements)), nil
}

func (s *Service) ListCashboxSessions(ctx context.Context, limit int) (domain.CashboxSessionListResponse, error) {
	if limit < 1 {
		limit = 30
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	sessions, err := s.repo.ListCashboxSessions(ctx, limit)
	if err != nil {
		return domain.CashboxSessionListResponse{}, mapStoreError(err, apperr.ErrNotFound)
	}
	return domain.CashboxSessionListResponse{Sessions: sessions}, nil
}

func (s *Service) ListCashMovements(ctx context.Context, sessionID string) (domain.CashMovementListResponse, error) {
	movements, err := s.repo.ListCashMovements(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return domain.CashMovementListResponse{}, mapStoreError(err, apperr.ErrNotFound)
	}
	if movements == nil {
		movements = []domain.CashMovement{}
	}
	return domain.CashMovementListResponse{Movements: movements}, nil
}
