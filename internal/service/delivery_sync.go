package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gudangkas/backend/internal/apperr"
	"gudangkas/backend/internal/delivery"
	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/receiptflow"
)

// syncOutcome is the result of syncing one receipt. recorded is true once the
// poll was written to the delivery history; err is any failure after that.
type syncOutcome struct {
	receiptID string
	recorded  bool
	err       error
}

// SyncDeliveries polls the courier for a bounded batch of due receipts, one
// at a time. A failing receipt is reported in the result and never stops the
// batch.
func (s *Service) SyncDeliveries(ctx context.Context) (domain.SyncResult, error) {
	lease, err := s.obtainJobLock(ctx, syncLockKey, "delivery sync is already running")
	if err != nil {
		return domain.SyncResult{}, err
	}
	defer s.releaseJobLock(lease, syncLockKey)

	now := s.now()
	candidates, err := s.repo.ListDeliverySyncCandidates(ctx, now, s.syncBatchLimit)
	if err != nil {
		return domain.SyncResult{}, apperr.Internal(err)
	}

	result := domain.SyncResult{Errors: []domain.SyncError{}}
	for _, receipt := range candidates {
		outcome := s.syncOne(ctx, receipt, now)
		if outcome.recorded {
			result.Updated++
		}
		if outcome.err != nil {
			result.Errors = append(result.Errors, domain.SyncError{ID: outcome.receiptID, Message: outcome.err.Error()})
			s.logger.WithFields(logrus.Fields{
				"module":     "service",
				"job":        syncLockKey,
				"receipt_id": outcome.receiptID,
				"error":      outcome.err.Error(),
			}).Warn("delivery sync item failed")
		}
	}

	s.logAudit(ctx, "delivery_sync", "job", syncLockKey, fmt.Sprintf("candidates=%d,updated=%d,errors=%d", len(candidates), result.Updated, len(result.Errors)))
	return result, nil
}

func (s *Service) syncOne(ctx context.Context, receipt domain.Receipt, now time.Time) syncOutcome {
	outcome := syncOutcome{receiptID: receipt.ID}
	nextSyncAt := now.Add(s.syncBackoff)

	status, providerErr := s.provider.GetStatus(ctx, delivery.StatusQuery{
		Company:    receipt.Delivery.Company,
		ExternalID: receipt.Delivery.ExternalID,
	})
	entry := domain.DeliveryHistoryEntry{At: now}
	if providerErr != nil {
		entry.Error = providerErr.Error()
	} else {
		entry.ProviderStatus = status.ProviderStatus
		entry.InternalStatus = status.Internal
		entry.TrackingNumber = status.TrackingNumber
		entry.TrackingURL = status.TrackingURL
	}

	synced, err := s.repo.RecordDeliverySync(ctx, receipt.ID, entry, nextSyncAt)
	if err != nil {
		outcome.err = fmt.Errorf("record sync: %w", err)
		return outcome
	}
	outcome.recorded = true
	if providerErr != nil {
		outcome.err = fmt.Errorf("delivery provider: %w", providerErr)
		return outcome
	}

	target := status.Internal
	if target == "" || target == synced.Status {
		return outcome
	}
	if !s.machine.KnownStatus(synced.Type, target) {
		outcome.err = fmt.Errorf("provider mapped to unknown status %q", target)
		return outcome
	}

	if target == domain.StatusPaymentCollected && synced.Type == domain.ReceiptTypeSale {
		before := synced.Status
		collected := false
		if due := s.dueOf(*synced); due.IsPositive() {
			_, err := s.addPayment(ctx, synced.ID, domain.PaymentRequest{
				Amount: due,
				Method: domain.PaymentMethodCOD,
				Note:   "collected by courier " + synced.Delivery.Company,
			}, domain.CashSourcePayment)
			if err != nil {
				outcome.err = fmt.Errorf("cod payment: %w", err)
				return outcome
			}
			collected = true
		}
		reloaded, err := s.repo.GetReceipt(ctx, synced.ID)
		if err != nil {
			outcome.err = fmt.Errorf("reload after cod: %w", err)
			return outcome
		}
		synced = reloaded
		// Settling from ready_to_receive completes the sale, past the target.
		if synced.Status == target || (collected && synced.Status != before) {
			return outcome
		}
	}

	if err := s.machine.AssertTransition(synced.Type, synced.Status, target, receiptflow.TransitionContext{
		HasDelivery: synced.HasDelivery(),
		FullyPaid:   s.dueOf(*synced).IsZero(),
	}); err != nil {
		outcome.err = err
		return outcome
	}
	if _, err := s.repo.UpdateReceiptStatus(ctx, synced.ID, synced.Status, target, now); err != nil {
		outcome.err = mapStoreError(err, apperr.ErrReceiptNotFound)
		return outcome
	}
	s.logAudit(ctx, "receipt_status", "receipt", synced.ID, fmt.Sprintf("from=%s,to=%s,source=delivery_sync", synced.Status, target))
	return outcome
}
