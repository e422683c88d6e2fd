package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/store"
	"gudangkas/backend/internal/xid"
)

type Store struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string, logger logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// unit is one write unit. Without a transaction it runs statements directly
// against the pool and commit is a no-op.
type unit struct {
	q  querier
	tx *sql.Tx
}

func (u *unit) commit() error {
	if u.tx == nil {
		return nil
	}
	return u.tx.Commit()
}

func (u *unit) rollback() {
	if u.tx != nil {
		_ = u.tx.Rollback()
	}
}

func (s *Store) begin(ctx context.Context, op string) *unit {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"module": "store/postgres",
			"op":     op,
			"error":  err.Error(),
		}).Warn("transaction unavailable; falling back to sequential writes")
		return &unit{q: s.db}
	}
	return &unit{q: tx, tx: tx}
}

const variantSelect = `
	SELECT v.id, v.product_id, v.size_id, v.color_id, v.company_id, v.qty, v.updated_at,
		p.code, p.name, sz.name, c.name
	FROM variants v
	JOIN products p ON p.id = v.product_id
	JOIN sizes sz ON sz.id = v.size_id
	JOIN colors c ON c.id = v.color_id
`

func scanVariant(row rowScanner) (domain.Variant, error) {
	var v domain.Variant
	err := row.Scan(&v.ID, &v.ProductID, &v.SizeID, &v.ColorID, &v.CompanyID, &v.Qty, &v.UpdatedAt,
		&v.ProductCode, &v.ProductName, &v.SizeName, &v.ColorName)
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, err
}

func (s *Store) GetVariant(ctx context.Context, id string) (*domain.Variant, error) {
	variant, err := scanVariant(s.db.QueryRowContext(ctx, variantSelect+` WHERE v.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &variant, nil
}

func (s *Store) GetVariants(ctx context.Context, ids []string) (map[string]domain.Variant, error) {
	result := make(map[string]domain.Variant, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, variantSelect+` WHERE v.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		variant, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		result[variant.ID] = variant
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateReceipt(ctx context.Context, receipt domain.Receipt, deltas []domain.StockDelta) (*domain.Receipt, error) {
	if !receipt.Type.Valid() || len(receipt.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if receipt.ID == "" {
		receipt.ID = xid.New("rcp")
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}
	if receipt.UpdatedAt.IsZero() {
		receipt.UpdatedAt = receipt.CreatedAt
	}

	u := s.begin(ctx, "create_receipt")
	defer u.rollback()

	billMode, billValue := discountColumns(receipt.BillDiscount)
	var delivery domain.Delivery
	if receipt.Delivery != nil {
		delivery = *receipt.Delivery
	}
	_, err := u.q.ExecContext(ctx, `
		INSERT INTO receipts (
			id, type, status, company_id, customer_id, bill_discount_mode, bill_discount_value, tax_percent,
			item_subtotal, item_discount_total, bill_discount_total, sub_total_after_discounts, tax_total, grand_total,
			note, created_by, created_at, updated_at, completed_at,
			delivery_company, delivery_external_id, delivery_status, delivery_tracking_number, delivery_tracking_url,
			delivery_next_sync_at, delivery_last_sync_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
	`, receipt.ID, receipt.Type, receipt.Status, receipt.CompanyID, receipt.CustomerID, billMode, billValue, receipt.TaxPercent,
		receipt.Totals.ItemSubtotal, receipt.Totals.ItemDiscountTotal, receipt.Totals.BillDiscountTotal,
		receipt.Totals.SubTotalAfterDiscounts, receipt.Totals.TaxTotal, receipt.Totals.GrandTotal,
		receipt.Note, receipt.CreatedBy, receipt.CreatedAt, receipt.UpdatedAt, nullTime(receipt.CompletedAt),
		nullIfEmpty(delivery.Company), nullIfEmpty(delivery.ExternalID), nullIfEmpty(delivery.Status),
		nullIfEmpty(delivery.TrackingNumber), nullIfEmpty(delivery.TrackingURL),
		nullTime(delivery.NextSyncAt), nullTime(delivery.LastSyncAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	if err := insertItems(ctx, u.q, receipt.ID, receipt.Items); err != nil {
		return nil, err
	}
	for _, payment := range receipt.Payments {
		if err := insertPayment(ctx, u.q, receipt.ID, payment); err != nil {
			return nil, err
		}
	}
	if err := applyDeltas(ctx, u.q, deltas, receipt.CreatedAt); err != nil {
		return nil, err
	}
	if err := u.commit(); err != nil {
		return nil, err
	}
	return s.GetReceipt(ctx, receipt.ID)
}

func (s *Store) GetReceipt(ctx context.Context, id string) (*domain.Receipt, error) {
	return loadReceipt(ctx, s.db, id, false)
}

func (s *Store) ListReceipts(ctx context.Context, filter domain.ReceiptFilter) ([]domain.Receipt, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, receiptSelect+`
		WHERE ($1 = '' OR type = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, string(filter.Type), string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	receipts, err := scanReceipts(rows)
	if err != nil {
		return nil, err
	}
	for i := range receipts {
		if err := loadChildren(ctx, s.db, &receipts[i]); err != nil {
			return nil, err
		}
	}
	return receipts, nil
}

func (s *Store) UpdateReceipt(ctx context.Context, receipt domain.Receipt, expected domain.ReceiptStatus, deltas []domain.StockDelta) (*domain.Receipt, error) {
	if len(receipt.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if receipt.UpdatedAt.IsZero() {
		receipt.UpdatedAt = time.Now().UTC()
	}

	u := s.begin(ctx, "update_receipt")
	defer u.rollback()

	if err := lockReceiptStatus(ctx, u.q, receipt.ID, expected); err != nil {
		return nil, err
	}

	status := receipt.Status
	if status == "" {
		status = expected
	}
	billMode, billValue := discountColumns(receipt.BillDiscount)
	_, err := u.q.ExecContext(ctx, `
		UPDATE receipts
		SET company_id = $2, customer_id = $3, bill_discount_mode = $4, bill_discount_value = $5, tax_percent = $6,
			item_subtotal = $7, item_discount_total = $8, bill_discount_total = $9, sub_total_after_discounts = $10,
			tax_total = $11, grand_total = $12, note = $13, updated_at = $14, status = $15,
			completed_at = CASE WHEN $15 = 'completed' THEN COALESCE(completed_at, $14) ELSE completed_at END
		WHERE id = $1
	`, receipt.ID, receipt.CompanyID, receipt.CustomerID, billMode, billValue, receipt.TaxPercent,
		receipt.Totals.ItemSubtotal, receipt.Totals.ItemDiscountTotal, receipt.Totals.BillDiscountTotal,
		receipt.Totals.SubTotalAfterDiscounts, receipt.Totals.TaxTotal, receipt.Totals.GrandTotal,
		receipt.Note, receipt.UpdatedAt, string(status))
	if err != nil {
		return nil, err
	}

	if _, err := u.q.ExecContext(ctx, `DELETE FROM receipt_items WHERE receipt_id = $1`, receipt.ID); err != nil {
		return nil, err
	}
	if err := insertItems(ctx, u.q, receipt.ID, receipt.Items); err != nil {
		return nil, err
	}
	if err := applyDeltas(ctx, u.q, deltas, receipt.UpdatedAt); err != nil {
		return nil, err
	}
	if err := u.commit(); err != nil {
		return nil, err
	}
	return s.GetReceipt(ctx, receipt.ID)
}

func (s *Store) DeleteReceipt(ctx context.Context, id string, expected domain.ReceiptStatus, deltas []domain.StockDelta) error {
	u := s.begin(ctx, "delete_receipt")
	defer u.rollback()

	if err := lockReceiptStatus(ctx, u.q, id, expected); err != nil {
		return err
	}
	if err := applyDeltas(ctx, u.q, deltas, time.Now().UTC()); err != nil {
		return err
	}
	if _, err := u.q.ExecContext(ctx, `DELETE FROM receipts WHERE id = $1`, id); err != nil {
		return err
	}
	return u.commit()
}

func (s *Store) UpdateReceiptStatus(ctx context.Context, id string, from domain.ReceiptStatus, to domain.ReceiptStatus, at time.Time) (*domain.Receipt, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE receipts
		SET status = $3, updated_at = $4,
			completed_at = CASE WHEN $3 = 'completed' THEN COALESCE(completed_at, $4) ELSE completed_at END
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return nil, err
	}
	if err := expectRow(ctx, s.db, res, id); err != nil {
		return nil, err
	}
	return s.GetReceipt(ctx, id)
}

func (s *Store) AppendPayment(ctx context.Context, id string, payment domain.Payment, from domain.ReceiptStatus, to domain.ReceiptStatus) (*domain.Receipt, error) {
	if !payment.Amount.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.At.IsZero() {
		payment.At = time.Now().UTC()
	}

	u := s.begin(ctx, "append_payment")
	defer u.rollback()

	var status string
	var grandTotal decimal.Decimal
	err := u.q.QueryRowContext(ctx, `
		SELECT status, grand_total FROM receipts WHERE id = $1 FOR UPDATE
	`, id).Scan(&status, &grandTotal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if domain.ReceiptStatus(status) != from {
		return nil, store.ErrStaleWrite
	}

	var paid decimal.Decimal
	if err := u.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM receipt_payments WHERE receipt_id = $1
	`, id).Scan(&paid); err != nil {
		return nil, err
	}
	if paid.Add(payment.Amount).GreaterThan(grandTotal) {
		return nil, store.ErrInvalidTransaction
	}

	if err := insertPayment(ctx, u.q, id, payment); err != nil {
		return nil, err
	}
	if _, err := u.q.ExecContext(ctx, `
		UPDATE receipts
		SET status = $2, updated_at = $3,
			completed_at = CASE WHEN $2 = 'completed' THEN COALESCE(completed_at, $3) ELSE completed_at END
		WHERE id = $1
	`, id, string(to), payment.At); err != nil {
		return nil, err
	}
	if err := u.commit(); err != nil {
		return nil, err
	}
	return s.GetReceipt(ctx, id)
}

func (s *Store) AttachDelivery(ctx context.Context, id string, delivery domain.Delivery, from domain.ReceiptStatus, to domain.ReceiptStatus, at time.Time) (*domain.Receipt, error) {
	if delivery.ExternalID == "" {
		return nil, store.ErrInvalidTransaction
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE receipts
		SET delivery_company = $4, delivery_external_id = $5, delivery_status = $6,
			delivery_tracking_number = $7, delivery_tracking_url = $8,
			delivery_next_sync_at = $9, delivery_last_sync_at = $10,
			status = $3, updated_at = $11
		WHERE id = $1 AND status = $2 AND COALESCE(delivery_external_id, '') = ''
	`, id, string(from), string(to), delivery.Company, delivery.ExternalID, nullIfEmpty(delivery.Status),
		nullIfEmpty(delivery.TrackingNumber), nullIfEmpty(delivery.TrackingURL),
		nullTime(delivery.NextSyncAt), nullTime(delivery.LastSyncAt), at)
	if err != nil {
		return nil, err
	}
	if err := expectRow(ctx, s.db, res, id); err != nil {
		return nil, err
	}
	return s.GetReceipt(ctx, id)
}

func (s *Store) ListDeliverySyncCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Receipt, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, receiptSelect+`
		WHERE type = 'sale'
			AND status <> 'completed'
			AND COALESCE(delivery_external_id, '') <> ''
			AND (delivery_next_sync_at IS NULL OR delivery_next_sync_at <= $1)
		ORDER BY delivery_next_sync_at ASC NULLS FIRST, created_at ASC, id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	receipts, err := scanReceipts(rows)
	if err != nil {
		return nil, err
	}
	for i := range receipts {
		if err := loadChildren(ctx, s.db, &receipts[i]); err != nil {
			return nil, err
		}
	}
	return receipts, nil
}

func (s *Store) RecordDeliverySync(ctx context.Context, id string, entry domain.DeliveryHistoryEntry, nextSyncAt time.Time) (*domain.Receipt, error) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	u := s.begin(ctx, "record_delivery_sync")
	defer u.rollback()

	res, err := u.q.ExecContext(ctx, `
		UPDATE receipts
		SET delivery_status = CASE WHEN $3 = '' AND $2 <> '' THEN $2 ELSE delivery_status END,
			delivery_tracking_number = COALESCE(NULLIF($4, ''), delivery_tracking_number),
			delivery_tracking_url = COALESCE(NULLIF($5, ''), delivery_tracking_url),
			delivery_last_sync_at = $6,
			delivery_next_sync_at = $7,
			updated_at = $6
		WHERE id = $1 AND COALESCE(delivery_external_id, '') <> ''
	`, id, entry.ProviderStatus, entry.Error, entry.TrackingNumber, entry.TrackingURL, entry.At, nextSyncAt)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.GetReceipt(ctx, id); err != nil {
			return nil, err
		}
		return nil, store.ErrInvalidTransaction
	}

	_, err = u.q.ExecContext(ctx, `
		INSERT INTO receipt_delivery_history (
			receipt_id, at, provider_status, internal_status, tracking_number, tracking_url, error
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, id, entry.At, entry.ProviderStatus, string(entry.InternalStatus), entry.TrackingNumber, entry.TrackingURL, entry.Error)
	if err != nil {
		return nil, err
	}
	if err := u.commit(); err != nil {
		return nil, err
	}
	return s.GetReceipt(ctx, id)
}

const receiptSelect = `
	SELECT id, type, status, company_id, customer_id, bill_discount_mode, bill_discount_value, tax_percent,
		item_subtotal, item_discount_total, bill_discount_total, sub_total_after_discounts, tax_total, grand_total,
		note, created_by, created_at, updated_at, completed_at,
		delivery_company, delivery_external_id, delivery_status, delivery_tracking_number, delivery_tracking_url,
		delivery_next_sync_at, delivery_last_sync_at
	FROM receipts
`

func scanReceipt(row rowScanner) (domain.Receipt, error) {
	var (
		r              domain.Receipt
		billMode       sql.NullString
		billValue      decimal.NullDecimal
		completedAt    sql.NullTime
		company        sql.NullString
		externalID     sql.NullString
		deliveryStatus sql.NullString
		trackingNumber sql.NullString
		trackingURL    sql.NullString
		nextSyncAt     sql.NullTime
		lastSyncAt     sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Type, &r.Status, &r.CompanyID, &r.CustomerID, &billMode, &billValue, &r.TaxPercent,
		&r.Totals.ItemSubtotal, &r.Totals.ItemDiscountTotal, &r.Totals.BillDiscountTotal,
		&r.Totals.SubTotalAfterDiscounts, &r.Totals.TaxTotal, &r.Totals.GrandTotal,
		&r.Note, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt, &completedAt,
		&company, &externalID, &deliveryStatus, &trackingNumber, &trackingURL, &nextSyncAt, &lastSyncAt)
	if err != nil {
		return domain.Receipt{}, err
	}

	r.Totals.TaxPercent = r.TaxPercent
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.CompletedAt = timePtr(completedAt)
	r.BillDiscount = discountFromColumns(billMode, billValue)
	if externalID.Valid && externalID.String != "" {
		r.Delivery = &domain.Delivery{
			Company:        company.String,
			ExternalID:     externalID.String,
			Status:         deliveryStatus.String,
			TrackingNumber: trackingNumber.String,
			TrackingURL:    trackingURL.String,
			NextSyncAt:     timePtr(nextSyncAt),
			LastSyncAt:     timePtr(lastSyncAt),
			History:        []domain.DeliveryHistoryEntry{},
		}
	}
	return r, nil
}

func scanReceipts(rows *sql.Rows) ([]domain.Receipt, error) {
	defer rows.Close()

	receipts := make([]domain.Receipt, 0, 32)
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return receipts, nil
}

func loadReceipt(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Receipt, error) {
	query := receiptSelect + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	receipt, err := scanReceipt(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := loadChildren(ctx, q, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func loadChildren(ctx context.Context, q querier, receipt *domain.Receipt) error {
	itemRows, err := q.QueryContext(ctx, `
		SELECT variant_id, qty, unit_cost, unit_price, discount_mode, discount_value,
			product_code, product_name, size_name, color_name
		FROM receipt_items
		WHERE receipt_id = $1
		ORDER BY line_no ASC
	`, receipt.ID)
	if err != nil {
		return err
	}
	receipt.Items = make([]domain.ReceiptItem, 0, 8)
	for itemRows.Next() {
		var item domain.ReceiptItem
		var mode sql.NullString
		var value decimal.NullDecimal
		if err := itemRows.Scan(&item.VariantID, &item.Qty, &item.UnitCost, &item.UnitPrice, &mode, &value,
			&item.Snapshot.ProductCode, &item.Snapshot.ProductName, &item.Snapshot.Size, &item.Snapshot.Color); err != nil {
			_ = itemRows.Close()
			return err
		}
		item.Discount = discountFromColumns(mode, value)
		receipt.Items = append(receipt.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	paymentRows, err := q.QueryContext(ctx, `
		SELECT id, amount, method, note, paid_at, created_by
		FROM receipt_payments
		WHERE receipt_id = $1
		ORDER BY paid_at ASC, id ASC
	`, receipt.ID)
	if err != nil {
		return err
	}
	receipt.Payments = make([]domain.Payment, 0, 4)
	for paymentRows.Next() {
		var p domain.Payment
		if err := paymentRows.Scan(&p.ID, &p.Amount, &p.Method, &p.Note, &p.At, &p.CreatedBy); err != nil {
			_ = paymentRows.Close()
			return err
		}
		p.At = p.At.UTC()
		receipt.Payments = append(receipt.Payments, p)
	}
	if err := paymentRows.Err(); err != nil {
		_ = paymentRows.Close()
		return err
	}
	_ = paymentRows.Close()

	if receipt.Delivery == nil {
		return nil
	}
	historyRows, err := q.QueryContext(ctx, `
		SELECT at, provider_status, internal_status, tracking_number, tracking_url, error
		FROM receipt_delivery_history
		WHERE receipt_id = $1
		ORDER BY at ASC, id ASC
	`, receipt.ID)
	if err != nil {
		return err
	}
	defer historyRows.Close()
	for historyRows.Next() {
		var entry domain.DeliveryHistoryEntry
		var internal string
		if err := historyRows.Scan(&entry.At, &entry.ProviderStatus, &internal, &entry.TrackingNumber, &entry.TrackingURL, &entry.Error); err != nil {
			return err
		}
		entry.At = entry.At.UTC()
		entry.InternalStatus = domain.ReceiptStatus(internal)
		receipt.Delivery.History = append(receipt.Delivery.History, entry)
	}
	return historyRows.Err()
}

func insertItems(ctx context.Context, q querier, receiptID string, items []domain.ReceiptItem) error {
	for i, item := range items {
		mode, value := discountColumns(item.Discount)
		_, err := q.ExecContext(ctx, `
			INSERT INTO receipt_items (
				receipt_id, line_no, variant_id, qty, unit_cost, unit_price, discount_mode, discount_value,
				product_code, product_name, size_name, color_name
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, receiptID, i+1, item.VariantID, item.Qty, item.UnitCost, item.UnitPrice, mode, value,
			item.Snapshot.ProductCode, item.Snapshot.ProductName, item.Snapshot.Size, item.Snapshot.Color)
		if err != nil {
			return err
		}
	}
	return nil
}

func insertPayment(ctx context.Context, q querier, receiptID string, payment domain.Payment) error {
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO receipt_payments (id, receipt_id, amount, method, note, paid_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, payment.ID, receiptID, payment.Amount, payment.Method, payment.Note, payment.At, payment.CreatedBy)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

// applyDeltas moves variant stock. A delta that would take stock below zero
// fails the unit with ErrInsufficientStock.
func applyDeltas(ctx context.Context, q querier, deltas []domain.StockDelta, at time.Time) error {
	for _, delta := range deltas {
		res, err := q.ExecContext(ctx, `
			UPDATE variants
			SET qty = qty + $2, updated_at = $3
			WHERE id = $1 AND qty + $2 >= 0
		`, delta.VariantID, delta.Delta, at)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 1 {
			continue
		}
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM variants WHERE id = $1)`, delta.VariantID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrInsufficientStock
	}
	return nil
}

func lockReceiptStatus(ctx context.Context, q querier, id string, expected domain.ReceiptStatus) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM receipts WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if domain.ReceiptStatus(status) != expected {
		return store.ErrStaleWrite
	}
	return nil
}

// expectRow turns a zero-row compare-and-set into ErrNotFound or ErrStaleWrite.
func expectRow(ctx context.Context, q querier, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM receipts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrStaleWrite
}

func discountColumns(discount *domain.Discount) (any, any) {
	if discount == nil {
		return nil, nil
	}
	return string(discount.Mode), discount.Value
}

func discountFromColumns(mode sql.NullString, value decimal.NullDecimal) *domain.Discount {
	if !mode.Valid || mode.String == "" {
		return nil
	}
	discount := &domain.Discount{Mode: domain.DiscountMode(mode.String), Value: decimal.Zero}
	if value.Valid {
		discount.Value = value.Decimal
	}
	return discount
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func decimalPtr(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	d := val.Decimal
	return &d
}
