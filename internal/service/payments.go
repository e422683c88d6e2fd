package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gudangkas/backend/internal/apperr"
	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/receiptflow"
	"gudangkas/backend/internal/store"
	"gudangkas/backend/internal/xid"
)

// AddPayment appends a payment to a sale. A payment that settles the due
// advances the receipt status; a cash payment also lands in the open drawer.
func (s *Service) AddPayment(ctx context.Context, receiptID string, req domain.PaymentRequest) (domain.ReceiptResponse, error) {
	return s.addPayment(ctx, receiptID, req, domain.CashSourcePayment)
}

func (s *Service) addPayment(ctx context.Context, receiptID string, req domain.PaymentRequest, source domain.CashSource) (domain.ReceiptResponse, error) {
	method := normalizeMethod(req.Method)
	amount := req.Amount.Round(2)
	fields := make([]apperr.FieldError, 0, 2)
	if !amount.IsPositive() {
		fields = append(fields, apperr.FieldError{Field: "amount", Message: "must be greater than zero"})
	}
	if !isSupportedPaymentMethod(method) {
		fields = append(fields, apperr.FieldError{Field: "method", Message: fmt.Sprintf("unsupported method %q", req.Method)})
	}
	if len(fields) > 0 {
		return domain.ReceiptResponse{}, apperr.Validation("invalid payment", fields...)
	}

	receipt, err := s.repo.GetReceipt(ctx, strings.TrimSpace(receiptID))
	if err != nil {
		return domain.ReceiptResponse{}, mapStoreError(err, apperr.ErrReceiptNotFound)
	}
	if !s.machine.AcceptsPayments(receipt.Type) {
		return domain.ReceiptResponse{}, apperr.Validationf("%s receipts do not accept payments", receipt.Type)
	}
	if receipt.Status == domain.StatusCompleted {
		return domain.ReceiptResponse{}, apperr.ErrReceiptLocked
	}

	// The drawer check runs before the due check so a cash payment without an
	// open session is always reported as such.
	var drawer *Drawer
	if method == domain.PaymentMethodCash {
		drawer, err = s.OpenDrawer(ctx)
		if err != nil {
			return domain.ReceiptResponse{}, err
		}
	}

	due := s.dueOf(*receipt)
	if amount.GreaterThan(due) {
		return domain.ReceiptResponse{}, apperr.Validationf("payment %s exceeds due %s", amount.StringFixed(2), due.StringFixed(2))
	}

	next := receipt.Status
	if amount.Equal(due) {
		next = statusAfterSettlement(*receipt)
		if next != receipt.Status {
			if err := s.machine.AssertTransition(receipt.Type, receipt.Status, next, receiptflow.TransitionContext{
				HasDelivery: receipt.HasDelivery(),
				FullyPaid:   true,
			}); err != nil {
				return domain.ReceiptResponse{}, err
			}
		}
	}

	actor := s.actor(ctx)
	payment := domain.Payment{
		ID:        xid.New("pay"),
		Amount:    amount,
		Method:    method,
		Note:      strings.TrimSpace(req.Note),
		At:        s.now(),
		CreatedBy: actor.Username,
	}
	updated, err := s.repo.AppendPayment(ctx, receipt.ID, payment, receipt.Status, next)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransaction) {
			return domain.ReceiptResponse{}, apperr.Validation("payment exceeds due")
		}
		return domain.ReceiptResponse{}, mapStoreError(err, apperr.ErrReceiptNotFound)
	}

	if drawer != nil {
		drawer.Post(ctx, domain.CashMovement{
			Amount:    amount,
			Direction: domain.CashIn,
			Source:    source,
			ReceiptID: updated.ID,
			UserID:    actor.Username,
		})
	}

	s.logAudit(ctx, "payment_add", "receipt", updated.ID, fmt.Sprintf("method=%s,amount=%s,status=%s", method, amount.StringFixed(2), updated.Status))
	return s.receiptResponse(*updated), nil
}

// statusAfterSettlement is the status a sale moves to once nothing is due.
func statusAfterSettlement(receipt domain.Receipt) domain.ReceiptStatus {
	if !receipt.HasDelivery() {
		return domain.StatusCompleted
	}
	switch receipt.Status {
	case domain.StatusOnDelivery:
		return domain.StatusPaymentCollected
	case domain.StatusReadyToReceive:
		return domain.StatusCompleted
	default:
		return receipt.Status
	}
}
