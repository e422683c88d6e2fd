package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/inventory"
	"gudangkas/backend/internal/store"
	"gudangkas/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	variants        map[string]domain.Variant
	receiptsByID    map[string]domain.Receipt
	sessionsByID    map[string]domain.CashboxSession
	openSessionID   string
	movementsBySess map[string][]domain.CashMovement
	auditLogs       []domain.AuditLog
}

func New() *Store {
	return &Store{
		variants:        make(map[string]domain.Variant),
		receiptsByID:    make(map[string]domain.Receipt),
		sessionsByID:    make(map[string]domain.CashboxSession),
		movementsBySess: make(map[string][]domain.CashMovement),
		auditLogs:       make([]domain.AuditLog, 0, 128),
	}
}

// NewSeeded returns a store with a small apparel catalog for dev/demo mode.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	products := []struct {
		id   string
		code string
		name string
	}{
		{"prd-kaos", "KAOS-01", "Kaos Polos Cotton"},
		{"prd-kemeja", "KMJ-01", "Kemeja Flanel"},
		{"prd-celana", "CLN-01", "Celana Chino"},
	}
	sizes := []struct{ id, name string }{{"size-m", "M"}, {"size-l", "L"}}
	colors := []struct{ id, name string }{{"color-hitam", "Hitam"}, {"color-putih", "Putih"}}

	for _, p := range products {
		for _, size := range sizes {
			for _, color := range colors {
				id := "var-" + strings.TrimPrefix(p.id, "prd-") + "-" + strings.TrimPrefix(color.id, "color-") + "-" + strings.ToLower(size.name)
				s.variants[id] = domain.Variant{
					ID:          id,
					ProductID:   p.id,
					SizeID:      size.id,
					ColorID:     color.id,
					CompanyID:   "cmp-konveksi-jaya",
					Qty:         40,
					ProductCode: p.code,
					ProductName: p.name,
					SizeName:    size.name,
					ColorName:   color.name,
					UpdatedAt:   now,
				}
			}
		}
	}
	return s
}

// PutVariant inserts or replaces a variant. Used by seeds and tests.
func (s *Store) PutVariant(variant domain.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[variant.ID] = variant
}

func (s *Store) GetVariant(_ context.Context, id string) (*domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	variant, ok := s.variants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &variant, nil
}

func (s *Store) GetVariants(_ context.Context, ids []string) (map[string]domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Variant, len(ids))
	for _, id := range ids {
		if variant, ok := s.variants[id]; ok {
			out[id] = variant
		}
	}
	return out, nil
}

func (s *Store) CreateReceipt(_ context.Context, receipt domain.Receipt, deltas []domain.StockDelta) (*domain.Receipt, error) {
	if !receipt.Type.Valid() || len(receipt.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if receipt.ID == "" {
		receipt.ID = xid.New("rcp")
	}
	if _, exists := s.receiptsByID[receipt.ID]; exists {
		return nil, store.ErrConflict
	}
	if err := s.applyDeltasLocked(deltas, receipt.CreatedAt); err != nil {
		return nil, err
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}
	if receipt.UpdatedAt.IsZero() {
		receipt.UpdatedAt = receipt.CreatedAt
	}

	stored := cloneReceipt(receipt)
	s.receiptsByID[receipt.ID] = stored
	out := cloneReceipt(stored)
	return &out, nil
}

func (s *Store) GetReceipt(_ context.Context, id string) (*domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.receiptsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneReceipt(receipt)
	return &out, nil
}

func (s *Store) ListReceipts(_ context.Context, filter domain.ReceiptFilter) ([]domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Receipt, 0, 32)
	for _, receipt := range s.receiptsByID {
		if filter.Type != "" && receipt.Type != filter.Type {
			continue
		}
		if filter.Status != "" && receipt.Status != filter.Status {
			continue
		}
		result = append(result, cloneReceipt(receipt))
	}

	slices.SortFunc(result, func(a, b domain.Receipt) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) UpdateReceipt(_ context.Context, receipt domain.Receipt, expected domain.ReceiptStatus, deltas []domain.StockDelta) (*domain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.receiptsByID[receipt.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Status != expected {
		return nil, store.ErrStaleWrite
	}
	if receipt.UpdatedAt.IsZero() {
		receipt.UpdatedAt = time.Now().UTC()
	}
	if err := s.applyDeltasLocked(deltas, receipt.UpdatedAt); err != nil {
		return nil, err
	}

	// Identity, payments and delivery are not editable through this path.
	next := receipt.Status
	if next == "" {
		next = current.Status
	}
	receipt.Type = current.Type
	receipt.Payments = current.Payments
	receipt.Delivery = current.Delivery
	receipt.CreatedAt = current.CreatedAt
	receipt.CreatedBy = current.CreatedBy
	receipt.CompletedAt = current.CompletedAt
	setStatus(&receipt, next, receipt.UpdatedAt)

	stored := cloneReceipt(receipt)
	s.receiptsByID[receipt.ID] = stored
	out := cloneReceipt(stored)
	return &out, nil
}

func (s *Store) DeleteReceipt(_ context.Context, id string, expected domain.ReceiptStatus, deltas []domain.StockDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.receiptsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if current.Status != expected {
		return store.ErrStaleWrite
	}
	if err := s.applyDeltasLocked(deltas, time.Now().UTC()); err != nil {
		return err
	}
	delete(s.receiptsByID, id)
	return nil
}

func (s *Store) UpdateReceiptStatus(_ context.Context, id string, from domain.ReceiptStatus, to domain.ReceiptStatus, at time.Time) (*domain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.receiptsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if receipt.Status != from {
		return nil, store.ErrStaleWrite
	}
	setStatus(&receipt, to, at)

	s.receiptsByID[id] = receipt
	out := cloneReceipt(receipt)
	return &out, nil
}

func (s *Store) AppendPayment(_ context.Context, id string, payment domain.Payment, from domain.ReceiptStatus, to domain.ReceiptStatus) (*domain.Receipt, error) {
	if !payment.Amount.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.receiptsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if receipt.Status != from {
		return nil, store.ErrStaleWrite
	}
	if receipt.PaidTotal().Add(payment.Amount).GreaterThan(receipt.Totals.GrandTotal) {
		return nil, store.ErrInvalidTransaction
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.At.IsZero() {
		payment.At = time.Now().UTC()
	}

	receipt.Payments = append(slices.Clone(receipt.Payments), payment)
	setStatus(&receipt, to, payment.At)

	s.receiptsByID[id] = receipt
	out := cloneReceipt(receipt)
	return &out, nil
}

func (s *Store) AttachDelivery(_ context.Context, id string, delivery domain.Delivery, from domain.ReceiptStatus, to domain.ReceiptStatus, at time.Time) (*domain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.receiptsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if receipt.Status != from {
		return nil, store.ErrStaleWrite
	}
	if receipt.HasDelivery() {
		return nil, store.ErrConflict
	}

	attached := cloneDelivery(delivery)
	receipt.Delivery = &attached
	setStatus(&receipt, to, at)

	s.receiptsByID[id] = receipt
	out := cloneReceipt(receipt)
	return &out, nil
}

func (s *Store) ListDeliverySyncCandidates(_ context.Context, now time.Time, limit int) ([]domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Receipt, 0, 16)
	for _, receipt := range s.receiptsByID {
		if receipt.Type != domain.ReceiptTypeSale || receipt.Status == domain.StatusCompleted || !receipt.HasDelivery() {
			continue
		}
		next := receipt.Delivery.NextSyncAt
		if next != nil && next.After(now) {
			continue
		}
		result = append(result, cloneReceipt(receipt))
	}

	slices.SortFunc(result, compareSyncOrder)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) RecordDeliverySync(_ context.Context, id string, entry domain.DeliveryHistoryEntry, nextSyncAt time.Time) (*domain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.receiptsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !receipt.HasDelivery() {
		return nil, store.ErrInvalidTransaction
	}

	delivery := cloneDelivery(*receipt.Delivery)
	applySyncEntry(&delivery, entry, nextSyncAt)
	receipt.Delivery = &delivery
	receipt.UpdatedAt = entry.At

	s.receiptsByID[id] = receipt
	out := cloneReceipt(receipt)
	return &out, nil
}

func (s *Store) CreateCashboxSession(_ context.Context, session domain.CashboxSession) (*domain.CashboxSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openSessionID != "" {
		return nil, store.ErrConflict
	}
	if session.ID == "" {
		session.ID = xid.New("cbx")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.CashboxOpen
	session.ClosedAt = nil
	session.CountedAmount = nil
	session.ExpectedCash = nil
	session.Variance = nil
	session.Totals = nil

	s.sessionsByID[session.ID] = session
	s.openSessionID = session.ID
	copySession := session
	return &copySession, nil
}

func (s *Store) GetOpenCashboxSession(_ context.Context) (*domain.CashboxSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.openSessionID == "" {
		return nil, store.ErrNotFound
	}
	session, ok := s.sessionsByID[s.openSessionID]
	if !ok || session.Status != domain.CashboxOpen {
		return nil, store.ErrNotFound
	}
	copySession := session
	return &copySession, nil
}

func (s *Store) GetCashboxSession(_ context.Context, id string) (*domain.CashboxSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copySession := session
	return &copySession, nil
}

func (s *Store) ListCashboxSessions(_ context.Context, limit int) ([]domain.CashboxSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashboxSession, 0, len(s.sessionsByID))
	for _, session := range s.sessionsByID {
		result = append(result, session)
	}
	slices.SortFunc(result, func(a, b domain.CashboxSession) int {
		if a.OpenedAt.Equal(b.OpenedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.OpenedAt.After(b.OpenedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CloseCashboxSession(_ context.Context, id string, settle store.SettleFunc) (*domain.CashboxSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Status != domain.CashboxOpen {
		return nil, store.ErrStaleWrite
	}

	closing := settle(current, slices.Clone(s.movementsBySess[id]))
	if closing.ClosedAt == nil {
		closedAt := time.Now().UTC()
		closing.ClosedAt = &closedAt
	}

	current.Status = domain.CashboxClosed
	current.ClosedAt = closing.ClosedAt
	current.ClosedBy = closing.ClosedBy
	current.CountedAmount = closing.CountedAmount
	current.ExpectedCash = closing.ExpectedCash
	current.Variance = closing.Variance
	current.Totals = closing.Totals
	if closing.Note != "" {
		current.Note = closing.Note
	}

	s.sessionsByID[current.ID] = current
	if s.openSessionID == current.ID {
		s.openSessionID = ""
	}
	copySession := current
	return &copySession, nil
}

func (s *Store) CreateCashMovement(_ context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	if !movement.Amount.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[movement.SessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.CashboxOpen {
		return nil, store.ErrSessionClosed
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	for _, existing := range s.movementsBySess[movement.SessionID] {
		if existing.ID == movement.ID {
			return nil, store.ErrConflict
		}
	}

	s.movementsBySess[movement.SessionID] = append(s.movementsBySess[movement.SessionID], movement)
	copyMovement := movement
	return &copyMovement, nil
}

func (s *Store) ListCashMovements(_ context.Context, sessionID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessionsByID[sessionID]; !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(s.movementsBySess[sessionID]), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// applyDeltasLocked validates every delta before touching any variant so a
// failed write leaves stock unchanged.
func (s *Store) applyDeltasLocked(deltas []domain.StockDelta, at time.Time) error {
	current := make(map[string]int, len(deltas))
	for _, delta := range deltas {
		variant, ok := s.variants[delta.VariantID]
		if !ok {
			return store.ErrNotFound
		}
		current[delta.VariantID] = variant.Qty
	}
	next := inventory.Apply(current, deltas)
	for _, qty := range next {
		if qty < 0 {
			return store.ErrInsufficientStock
		}
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	for id, qty := range next {
		variant := s.variants[id]
		variant.Qty = qty
		variant.UpdatedAt = at
		s.variants[id] = variant
	}
	return nil
}

func setStatus(receipt *domain.Receipt, to domain.ReceiptStatus, at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	receipt.Status = to
	receipt.UpdatedAt = at
	if to == domain.StatusCompleted && receipt.CompletedAt == nil {
		completedAt := at
		receipt.CompletedAt = &completedAt
	}
}

func applySyncEntry(delivery *domain.Delivery, entry domain.DeliveryHistoryEntry, nextSyncAt time.Time) {
	delivery.History = append(delivery.History, entry)
	if entry.Error == "" && entry.ProviderStatus != "" {
		delivery.Status = entry.ProviderStatus
	}
	if entry.TrackingNumber != "" {
		delivery.TrackingNumber = entry.TrackingNumber
	}
	if entry.TrackingURL != "" {
		delivery.TrackingURL = entry.TrackingURL
	}
	lastSync := entry.At
	next := nextSyncAt
	delivery.LastSyncAt = &lastSync
	delivery.NextSyncAt = &next
}

// compareSyncOrder puts never-synced receipts first, then the most overdue.
func compareSyncOrder(a, b domain.Receipt) int {
	an, bn := a.Delivery.NextSyncAt, b.Delivery.NextSyncAt
	switch {
	case an == nil && bn != nil:
		return -1
	case an != nil && bn == nil:
		return 1
	case an != nil && bn != nil && !an.Equal(*bn):
		if an.Before(*bn) {
			return -1
		}
		return 1
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

func cloneReceipt(src domain.Receipt) domain.Receipt {
	dup := src
	dup.Items = make([]domain.ReceiptItem, len(src.Items))
	for i, item := range src.Items {
		if item.Discount != nil {
			discount := *item.Discount
			item.Discount = &discount
		}
		dup.Items[i] = item
	}
	dup.Payments = slices.Clone(src.Payments)
	if dup.Payments == nil {
		dup.Payments = []domain.Payment{}
	}
	if src.BillDiscount != nil {
		discount := *src.BillDiscount
		dup.BillDiscount = &discount
	}
	if src.Delivery != nil {
		delivery := cloneDelivery(*src.Delivery)
		dup.Delivery = &delivery
	}
	if src.CompletedAt != nil {
		completedAt := *src.CompletedAt
		dup.CompletedAt = &completedAt
	}
	return dup
}

func cloneDelivery(src domain.Delivery) domain.Delivery {
	dup := src
	dup.History = slices.Clone(src.History)
	if dup.History == nil {
		dup.History = []domain.DeliveryHistoryEntry{}
	}
	if src.NextSyncAt != nil {
		next := *src.NextSyncAt
		dup.NextSyncAt = &next
	}
	if src.LastSyncAt != nil {
		last := *src.LastSyncAt
		dup.LastSyncAt = &last
	}
	return dup
}
