package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gudangkas/backend/internal/apperr"
	"gudangkas/backend/internal/delivery"
	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/inventory"
	"gudangkas/backend/internal/pricing"
	"gudangkas/backend/internal/receiptflow"
	"gudangkas/backend/internal/xid"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

var hundred = decimal.NewFromInt(100)

func (s *Service) Quote(_ context.Context, req domain.QuoteRequest) (domain.QuoteResponse, error) {
	if !req.Type.Valid() {
		return domain.QuoteResponse{}, apperr.Validationf("unknown receipt type %q", req.Type)
	}
	if err := validateLines(req.Items, req.BillDiscount, req.TaxPercent); err != nil {
		return domain.QuoteResponse{}, err
	}

	items := make([]domain.ReceiptItem, 0, len(req.Items))
	for _, input := range req.Items {
		items = append(items, itemFromInput(input, domain.ItemSnapshot{}))
	}
	result := pricing.ComputeTotals(pricing.Payload{
		Type:         req.Type,
		Items:        items,
		BillDiscount: req.BillDiscount,
		TaxPercent:   req.TaxPercent,
	}, pricing.Options{IncludeItems: req.IncludeItems})

	return domain.QuoteResponse{Totals: result.Totals, Items: result.Items}, nil
}

func (s *Service) CreateReceipt(ctx context.Context, req domain.ReceiptCreateRequest) (domain.ReceiptResponse, error) {
	if !req.Type.Valid() {
		return domain.ReceiptResponse{}, apperr.Validationf("unknown receipt type %q", req.Type)
	}
	if err := validateLines(req.Items, req.BillDiscount, req.TaxPercent); err != nil {
		return domain.ReceiptResponse{}, err
	}
	if req.Type == domain.ReceiptTypePurchase && strings.TrimSpace(req.CompanyID) == "" {
		return domain.ReceiptResponse{}, apperr.Validation("company_id is required for purchase receipts",
			apperr.FieldError{Field: "company_id", Message: "required"})
	}
	if len(req.Payments) > 0 && !s.machine.AcceptsPayments(req.Type) {
		return domain.ReceiptResponse{}, apperr.Validationf("%s receipts do not accept payments", req.Type)
	}
	refundMethod := normalizeMethod(req.RefundMethod)
	if refundMethod != "" {
		if req.Type != domain.ReceiptTypeSaleReturn {
			return domain.ReceiptResponse{}, apperr.Validation("refund_method is only valid for sale returns")
		}
		if !isSupportedPaymentMethod(refundMethod) || refundMethod == domain.PaymentMethodCOD {
			return domain.ReceiptResponse{}, apperr.Validationf("unsupported refund method %q", req.RefundMethod)
		}
	}

	status, err := s.machine.InitialStatus(req.Type, req.Status)
	if err != nil {
		return domain.ReceiptResponse{}, err
	}
	variants, err := s.resolveVariants(ctx, req.Items)
	if err != nil {
		return domain.ReceiptResponse{}, err
	}

	actor := s.actor(ctx)
	now := s.now()
	items := make([]domain.ReceiptItem, 0, len(req.Items))
	for _, input := range req.Items {
		items = append(items, itemFromInput(input, variants[input.VariantID].Snapshot()))
	}

	receipt := domain.Receipt{
		ID:           xid.New("rcp"),
		Type:         req.Type,
		Status:       status,
		CompanyID:    strings.TrimSpace(req.CompanyID),
		CustomerID:   strings.TrimSpace(req.CustomerID),
		Items:        items,
		BillDiscount: req.BillDiscount,
		TaxPercent:   req.TaxPercent,
		Payments:     []domain.Payment{},
		Note:         strings.TrimSpace(req.Note),
		CreatedBy:    actor.Username,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	receipt.Totals = s.totalsOf(receipt)

	needsDrawer := refundMethod == domain.PaymentMethodCash
	paid := decimal.Zero
	for i, input := range req.Payments {
		method := normalizeMethod(input.Method)
		amount := input.Amount.Round(2)
		if !amount.IsPositive() || !isSupportedPaymentMethod(method) {
			return domain.ReceiptResponse{}, apperr.Validation("invalid payment",
				apperr.FieldError{Field: fmt.Sprintf("payments[%d]", i), Message: "amount must be positive and method supported"})
		}
		needsDrawer = needsDrawer || method == domain.PaymentMethodCash
		paid = paid.Add(amount)
		receipt.Payments = append(receipt.Payments, domain.Payment{
			ID:        xid.New("pay"),
			Amount:    amount,
			Method:    method,
			Note:      strings.TrimSpace(input.Note),
			At:        now,
			CreatedBy: actor.Username,
		})
	}
	if paid.GreaterThan(receipt.Totals.GrandTotal) {
		return domain.ReceiptResponse{}, apperr.Validationf("payments %s exceed grand total %s", paid.StringFixed(2), receipt.Totals.GrandTotal.StringFixed(2))
	}

	// Walk-in sales settled at the counter and refunded returns complete at once.
	fullyPaid := len(receipt.Payments) > 0 && paid.Equal(receipt.Totals.GrandTotal)
	if (fullyPaid || refundMethod != "") && receipt.Status != domain.StatusCompleted {
		if err := s.machine.AssertTransition(receipt.Type, receipt.Status, domain.StatusCompleted, receiptflow.TransitionContext{FullyPaid: true}); err != nil {
			return domain.ReceiptResponse{}, err
		}
		receipt.Status = domain.StatusCompleted
	}
	if receipt.Status == domain.StatusCompleted {
		completedAt := now
		receipt.CompletedAt = &completedAt
	}

	var drawer *Drawer
	if needsDrawer {
		d, err := s.OpenDrawer(ctx)
		if err != nil {
			return domain.ReceiptResponse{}, err
		}
		drawer = d
	}

	var deltas []domain.StockDelta
	if receipt.Type == domain.ReceiptTypePurchase {
		deltas = inventory.Diff(nil, receipt.Items)
	}
	created, err := s.repo.CreateReceipt(ctx, receipt, deltas)
	if err != nil {
		return domain.ReceiptResponse{}, mapStoreError(err, apperr.Validation("unknown variant"))
	}

	if drawer != nil {
		for _, payment := range created.Payments {
			if payment.Method != domain.PaymentMethodCash {
				continue
			}
			drawer.Post(ctx, domain.CashMovement{
				Amount:    payment.Amount,
				Direction: domain.CashIn,
				Source:    domain.CashSourceSale,
				ReceiptID: created.ID,
				UserID:    actor.Username,
			})
		}
		if refundMethod == domain.PaymentMethodCash && created.Totals.GrandTotal.IsPositive() {
			drawer.Post(ctx, domain.CashMovement{
				Amount:    created.Totals.GrandTotal,
				Direction: domain.CashOut,
				Source:    domain.CashSourceReturn,
				ReceiptID: created.ID,
				UserID:    actor.Username,
				Reason:    "sale return refund",
			})
		}
	}

	s.logAudit(ctx, "receipt_create", "receipt", created.ID, fmt.Sprintf("type=%s,status=%s,grand_total=%s", created.Type, created.Status, created.Totals.GrandTotal.StringFixed(2)))
	return s.receiptResponse(*created), nil
}

func (s *Service) GetReceipt(ctx context.Context, id string) (domain.ReceiptResponse, error) {
	receipt, err := s.repo.GetReceipt(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.ReceiptResponse{}, mapStoreError(err, apperr.ErrReceiptNotFound)
	}
	return s.receiptResponse(*receipt), nil
}

func (s *Service) ListReceipts(ctx context.Context, filter domain.ReceiptFilter) (domain.ReceiptListResponse, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return domain.ReceiptListResponse{}, apperr.Validationf("unknown receipt type %q", filter.Type)
	}
	if filter.Limit < 1 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	receipts, err := s.repo.ListReceipts(ctx, filter)
	if err != nil {
		return domain.ReceiptListResponse{}, mapStoreError(err, apperr.ErrNotFound)
	}
	return domain.ReceiptListResponse{Receipts: receipts}, nil
}

func (s *Service) UpdateReceipt(ctx context.Context, id string, req domain.ReceiptUpdateRequest) (domain.ReceiptResponse, error) {
	if err := validateLines(req.Items, req.BillDiscount, req.TaxPercent); err != nil {
		return domain.ReceiptResponse{}, err
	}

	current, err := s.repo.GetReceipt(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.ReceiptResponse{}, mapStoreError(err, apperr.ErrReceiptNotFound)
	}
	if current.Status == domain.StatusCompleted {
		return domain.ReceiptResponse{}, apperr.ErrReceiptLocked
	}
	if !s.machine.Editable(current.Type, current.Status) {
		return domain.ReceiptResponse{}, apperr.Conflict(fmt.Sprintf("%s receipt cannot be edited in status %s", current.Type, current.Status))
	}

	// Lines for variants already on the receipt keep their stored snapshot.
	snapshots := make(map[string]domain.ItemSnapshot, len(current.Items))
	for _, item := range current.Items {
		if _, ok := snapshots[item.VariantID]; !ok {
			snapshots[item.VariantID] = item.Snapshot
		}
	}
	fresh := make([]domain.ReceiptItemInput, 0, len(req.Items))
	for _, input := range req.Items {
		if _, ok := snapshots[input.VariantID]; !ok {
			fresh = append(fresh, input)
		}
	}
	variants, err := s.resolveVariants(ctx, fresh)
	if err != nil {
		return domain.ReceiptResponse{}, err
	}

	items := make([]domain.ReceiptItem, 0, len(req.Items))
	for _, input := range req.Items {
		snapshot, ok := snapshots[input.VariantID]
		if !ok {
			snapshot = variants[input.VariantID].Snapshot()
		}
		items = append(items, itemFromInput(input, snapshot))
	}

	updated := *current
	updated.Items = items
	updated.BillDiscount = req.BillDiscount
	updated.TaxPercent = req.TaxPercent
	if req.CompanyID != nil {
		updated.CompanyID = strings.TrimSpace(*req.CompanyID)
	}
	if req.CustomerID != nil {
		updated.CustomerID = strings.TrimSpace(*req.CustomerID)
	}
	if req.Note != nil {
		updated.Note = strings.TrimSpace(*req.Note)
	}
	updated.UpdatedAt = s.now()
	updated.Totals = s.totalsOf(updated)

	paid := updated.PaidTotal()
	if paid.GreaterThan(updated.Totals.GrandTotal) {
		return domain.ReceiptResponse{}, apperr.Validationf("grand total %s cannot drop below paid amount %s", updated.Totals.GrandTotal.StringFixed(2), paid.StringFixed(2))
	}
	// An edit down to the paid amount settles the receipt like a payment would.
	if s.machine.AcceptsPayments(current.Type) && paid.IsPositive() && paid.Equal(updated.Totals.GrandTotal) {
		next := statusAfterSettlement(*current)
		if next != current.Status {
			if err := s.machine.AssertTransition(current.Type, current.Status, next, receiptflow.TransitionContext{
				HasDelivery: current.HasDelivery(),
				FullyPaid:   true,
			}); err != nil {
				return domain.ReceiptResponse{}, err
			}
			updated.Status = next
		}
	}

	var deltas []domain.StockDelta
	if current.Type == domain.ReceiptTypePurchase {
		deltas = inventory.Diff(current.Items, updated.Items)
		if !inventory.Check(current.Items, updated.Items, deltas) {
			return domain.ReceiptResponse{}, apperr.Internal(errors.New("stock deltas do not balance receipt lines"))
		}
	}

	saved, err := s.repo.UpdateReceipt(ctx, updated, current.Status, deltas)
	if err != nil {
		return domain.ReceiptResponse{}, mapStoreError(err, apperr.ErrReceiptNotFound)
	}

	s.logAudit(ctx, "receipt_update", "receipt", saved.ID, fmt.Sprintf("items=%d,deltas=%d,grand_total=%s,status=%s", len(saved.Items), len(deltas), saved.Totals.GrandTotal.StringFixed(2), saved.Status))
	return s.receiptResponse(*saved), nil
}

// DeleteReceipt removes a purchase receipt that has not completed and takes
// its quantities back out of stock.
func (s *Service) DeleteReceipt(ctx context.Context, id string) error {
	current, err := s.repo.GetReceipt(ctx, strings.TrimSpace(id))
	if err != nil {
		return mapStoreError(err, apperr.ErrReceiptNotFound)
	}
	if current.Type != domain.ReceiptTypePurchase {
		return apperr.Validationf("%s receipts cannot be deleted", current.Type)
	}
	if current.Status == domain.StatusCompleted {
		return apperr.ErrReceiptLocked
	}

	deltas := inventory.Diff(current.Items, nil)
	if err := s.repo.DeleteReceipt(ctx, current.ID, current.Status, deltas); err != nil {
		return mapStoreError(err, apperr.ErrReceiptNotFound)
	}

	s.logAudit(ctx, "receipt_delete", "receipt", current.ID, fmt.Sprintf("type=%s,deltas=%d", current.Type, len(deltas)))
	return nil
}

func (s *Service) TransitionReceipt(ctx context.Context, id string, req domain.StatusChangeRequest) (domain.ReceiptResponse, error) {
	next := domain.ReceiptStatus(strings.TrimSpace(string(req.Status)))
	if next == "" {
		return domain.ReceiptResponse{}, apperr.Validation("status is required", apperr.FieldError{Field: "status", Message: "required"})
	}

	current, err := s.repo.GetReceipt(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.ReceiptResponse{}, mapStoreError(err, apperr.ErrReceiptNotFound)
	}
	if !s.machine.KnownStatus(current.Type, next) {
		return domain.ReceiptResponse{}, apperr.Validationf("unknown status %q for %s receipts", next, current.Type)
	}
	if err := s.machine.AssertTransition(current.Type, current.Status, next, receiptflow.TransitionContext{
		HasDelivery: current.HasDelivery(),
		FullyPaid:   s.dueOf(*current).IsZero(),
	}); err != nil {
		return domain.ReceiptResponse{}, err
	}

	updated, err := s.repo.UpdateReceiptStatus(ctx, current.ID, current.Status, next, s.now())
	if err != nil {
		return domain.ReceiptResponse{}, mapStoreError(err, apperr.ErrReceiptNotFound)
	}

	s.logAudit(ctx, "receipt_status", "receipt", updated.ID, fmt.Sprintf("from=%s,to=%s", current.Status, next))
	return s.receiptResponse(*updated), nil
}

// AttachDelivery books a courier order for a sale and moves it to on_delivery.
// The outstanding due is sent as the cash-on-delivery amount.
func (s *Service) AttachDelivery(ctx context.Context, id string, req domain.DeliveryAttachRequest) (domain.ReceiptResponse, error) {
	req.Company = strings.TrimSpace(req.Company)
	req.RecipientName = strings.TrimSpace(req.RecipientName)
	req.Address = strings.TrimSpace(req.Address)
	fields := make([]apperr.FieldError, 0, 3)
	if req.Company == "" {
		fields = append(fields, apperr.FieldError{Field: "company", Message: "required"})
	}
	if req.RecipientName == "" {
		fields = append(fields, apperr.FieldError{Field: "recipient_name", Message: "required"})
	}
	if req.Address == "" {
		fields = append(fields, apperr.FieldError{Field: "address", Message: "required"})
	}
	if len(fields) > 0 {
		return domain.ReceiptResponse{}, apperr.Validation("invalid delivery request", fields...)
	}

	current, err := s.repo.GetReceipt(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.ReceiptResponse{}, mapStoreError(err, apperr.ErrReceiptNotFound)
	}
	if current.Type != domain.ReceiptTypeSale {
		return domain.ReceiptResponse{}, apperr.Validationf("%s receipts cannot be delivered", current.Type)
	}
	if current.HasDelivery() {
		return domain.ReceiptResponse{}, apperr.Conflict("receipt already has a delivery")
	}
	due := s.dueOf(*current)
	if err := s.machine.AssertTransition(current.Type, current.Status, domain.StatusOnDelivery, receiptflow.TransitionContext{
		HasDelivery: true,
		FullyPaid:   due.IsZero(),
	}); err != nil {
		return domain.ReceiptResponse{}, err
	}

	order, err := s.provider.CreateOrder(ctx, delivery.OrderDetails{
		Company:        req.Company,
		ReceiptID:      current.ID,
		RecipientName:  req.RecipientName,
		RecipientPhone: strings.TrimSpace(req.RecipientPhone),
		Address:        req.Address,
		Note:           strings.TrimSpace(req.Note),
		CODAmount:      due,
	})
	if err != nil {
		if errors.Is(err, delivery.ErrProviderUnavailable) {
			return domain.ReceiptResponse{}, apperr.Conflict("delivery provider is not configured")
		}
		return domain.ReceiptResponse{}, apperr.Internal(fmt.Errorf("create delivery order: %w", err))
	}

	attached, err := s.repo.AttachDelivery(ctx, current.ID, domain.Delivery{
		Company:        req.Company,
		ExternalID:     order.ExternalID,
		Status:         order.ProviderStatus,
		TrackingNumber: order.TrackingNumber,
		TrackingURL:    order.TrackingURL,
		History:        []domain.DeliveryHistoryEntry{},
	}, current.Status, domain.StatusOnDelivery, s.now())
	if err != nil {
		return domain.ReceiptResponse{}, mapStoreError(err, apperr.ErrReceiptNotFound)
	}

	s.logAudit(ctx, "delivery_attach", "receipt", attached.ID, fmt.Sprintf("company=%s,external_id=%s,cod=%s", req.Company, order.ExternalID, due.StringFixed(2)))
	return s.receiptResponse(*attached), nil
}

func (s *Service) GetVariant(ctx context.Context, id string) (domain.Variant, error) {
	variant, err := s.repo.GetVariant(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Variant{}, mapStoreError(err, apperr.ErrNotFound)
	}
	return *variant, nil
}

// ListAuditLogs returns one UTC day of audit entries. An empty date means the
// last 24 hours.
func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = defaultListLimit
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, apperr.Validation("date must be YYYY-MM-DD", apperr.FieldError{Field: "date", Message: "invalid format"})
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	logs, err := s.repo.ListAuditLogs(ctx, from, to, limit)
	if err != nil {
		return nil, mapStoreError(err, apperr.ErrNotFound)
	}
	return logs, nil
}

func (s *Service) resolveVariants(ctx context.Context, inputs []domain.ReceiptItemInput) (map[string]domain.Variant, error) {
	ids := make([]string, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for _, input := range inputs {
		if _, ok := seen[input.VariantID]; ok {
			continue
		}
		seen[input.VariantID] = struct{}{}
		ids = append(ids, input.VariantID)
	}

	variants, err := s.repo.GetVariants(ctx, ids)
	if err != nil {
		return nil, mapStoreError(err, apperr.ErrNotFound)
	}
	fields := make([]apperr.FieldError, 0)
	for _, id := range ids {
		if _, ok := variants[id]; !ok {
			fields = append(fields, apperr.FieldError{Field: "items", Message: fmt.Sprintf("unknown variant %s", id)})
		}
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("unknown variant", fields...)
	}
	return variants, nil
}

func itemFromInput(input domain.ReceiptItemInput, snapshot domain.ItemSnapshot) domain.ReceiptItem {
	return domain.ReceiptItem{
		VariantID: strings.TrimSpace(input.VariantID),
		Qty:       input.Qty,
		UnitCost:  input.UnitCost.Round(2),
		UnitPrice: input.UnitPrice.Round(2),
		Discount:  input.Discount,
		Snapshot:  snapshot,
	}
}

func validateLines(items []domain.ReceiptItemInput, billDiscount *domain.Discount, taxPercent decimal.Decimal) error {
	fields := make([]apperr.FieldError, 0)
	if len(items) == 0 {
		fields = append(fields, apperr.FieldError{Field: "items", Message: "at least one item is required"})
	}
	for i, item := range items {
		prefix := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(item.VariantID) == "" {
			fields = append(fields, apperr.FieldError{Field: prefix + ".variant_id", Message: "required"})
		}
		if item.Qty < 1 {
			fields = append(fields, apperr.FieldError{Field: prefix + ".qty", Message: "must be greater than zero"})
		}
		if item.UnitCost.IsNegative() || item.UnitPrice.IsNegative() {
			fields = append(fields, apperr.FieldError{Field: prefix, Message: "unit cost and price cannot be negative"})
		}
		if msg := discountProblem(item.Discount); msg != "" {
			fields = append(fields, apperr.FieldError{Field: prefix + ".discount", Message: msg})
		}
	}
	if msg := discountProblem(billDiscount); msg != "" {
		fields = append(fields, apperr.FieldError{Field: "bill_discount", Message: msg})
	}
	if taxPercent.IsNegative() || taxPercent.GreaterThan(hundred) {
		fields = append(fields, apperr.FieldError{Field: "tax_percent", Message: "must be between 0 and 100"})
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid receipt lines", fields...)
	}
	return nil
}

func discountProblem(discount *domain.Discount) string {
	if discount == nil {
		return ""
	}
	switch discount.Mode {
	case domain.DiscountPercent:
		if discount.Value.IsNegative() || discount.Value.GreaterThan(hundred) {
			return "percent must be between 0 and 100"
		}
	case domain.DiscountAmount:
		if discount.Value.IsNegative() {
			return "amount cannot be negative"
		}
	default:
		return fmt.Sprintf("unknown discount mode %q", discount.Mode)
	}
	return ""
}
