package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReceiptType string

const (
	ReceiptTypePurchase   ReceiptType = "purchase"
	ReceiptTypeSale       ReceiptType = "sale"
	ReceiptTypeSaleReturn ReceiptType = "sale_return"
)

// SaleLike reports whether lines are priced by unit price rather than unit cost.
func (t ReceiptType) SaleLike() bool {
	return t == ReceiptTypeSale || t == ReceiptTypeSaleReturn
}

func (t ReceiptType) Valid() bool {
	switch t {
	case ReceiptTypePurchase, ReceiptTypeSale, ReceiptTypeSaleReturn:
		return true
	default:
		return false
	}
}

type ReceiptStatus string

const (
	StatusPending          ReceiptStatus = "pending"
	StatusOrdered          ReceiptStatus = "ordered"
	StatusOnDelivery       ReceiptStatus = "on_delivery"
	StatusPaymentCollected ReceiptStatus = "payment_collected"
	StatusReadyToReceive   ReceiptStatus = "ready_to_receive"
	StatusCompleted        ReceiptStatus = "completed"
)

type DiscountMode string

const (
	DiscountPercent DiscountMode = "percent"
	DiscountAmount  DiscountMode = "amount"
)

type Discount struct {
	Mode  DiscountMode    `json:"mode"`
	Value decimal.Decimal `json:"value"`
}

// ItemSnapshot is display data captured when a line is first written.
// It is never refreshed from the catalog afterwards.
type ItemSnapshot struct {
	ProductCode string `json:"product_code"`
	ProductName string `json:"product_name"`
	Size        string `json:"size"`
	Color       string `json:"color"`
}

type ReceiptItem struct {
	VariantID string          `json:"variant_id"`
	Qty       int             `json:"qty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  *Discount       `json:"discount,omitempty"`
	Snapshot  ItemSnapshot    `json:"snapshot"`
}

type Totals struct {
	ItemSubtotal           decimal.Decimal `json:"item_subtotal"`
	ItemDiscountTotal      decimal.Decimal `json:"item_discount_total"`
	BillDiscountTotal      decimal.Decimal `json:"bill_discount_total"`
	SubTotalAfterDiscounts decimal.Decimal `json:"sub_total_after_discounts"`
	TaxPercent             decimal.Decimal `json:"tax_percent"`
	TaxTotal               decimal.Decimal `json:"tax_total"`
	GrandTotal             decimal.Decimal `json:"grand_total"`
}

const (
	PaymentMethodCash     = "cash"
	PaymentMethodCard     = "card"
	PaymentMethodTransfer = "transfer"
	PaymentMethodEwallet  = "ewallet"
	PaymentMethodCOD      = "cod"
)

type Payment struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Note      string          `json:"note,omitempty"`
	At        time.Time       `json:"at"`
	CreatedBy string          `json:"created_by"`
}

type DeliveryHistoryEntry struct {
	At             time.Time     `json:"at"`
	ProviderStatus string        `json:"provider_status"`
	InternalStatus ReceiptStatus `json:"internal_status,omitempty"`
	TrackingNumber string        `json:"tracking_number,omitempty"`
	TrackingURL    string        `json:"tracking_url,omitempty"`
	Error          string        `json:"error,omitempty"`
}

type Delivery struct {
	Company        string                 `json:"company"`
	ExternalID     string                 `json:"external_id"`
	Status         string                 `json:"status"`
	TrackingNumber string                 `json:"tracking_number,omitempty"`
	TrackingURL    string                 `json:"tracking_url,omitempty"`
	NextSyncAt     *time.Time             `json:"next_sync_at,omitempty"`
	LastSyncAt     *time.Time             `json:"last_sync_at,omitempty"`
	History        []DeliveryHistoryEntry `json:"history"`
}

type Receipt struct {
	ID           string          `json:"id"`
	Type         ReceiptType     `json:"type"`
	Status       ReceiptStatus   `json:"status"`
	CompanyID    string          `json:"company_id,omitempty"`
	CustomerID   string          `json:"customer_id,omitempty"`
	Items        []ReceiptItem   `json:"items"`
	BillDiscount *Discount       `json:"bill_discount,omitempty"`
	TaxPercent   decimal.Decimal `json:"tax_percent"`
	Totals       Totals          `json:"totals"`
	Payments     []Payment       `json:"payments"`
	Delivery     *Delivery       `json:"delivery,omitempty"`
	Note         string          `json:"note,omitempty"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func (r Receipt) PaidTotal() decimal.Decimal {
	paid := decimal.Zero
	for _, p := range r.Payments {
		paid = paid.Add(p.Amount)
	}
	return paid
}

func (r Receipt) HasDelivery() bool {
	return r.Delivery != nil && r.Delivery.ExternalID != ""
}

type ReceiptFilter struct {
	Type   ReceiptType
	Status ReceiptStatus
	Limit  int
}

type Variant struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	SizeID      string    `json:"size_id"`
	ColorID     string    `json:"color_id"`
	CompanyID   string    `json:"company_id"`
	Qty         int       `json:"qty"`
	ProductCode string    `json:"product_code"`
	ProductName string    `json:"product_name"`
	SizeName    string    `json:"size_name"`
	ColorName   string    `json:"color_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (v Variant) Snapshot() ItemSnapshot {
	return ItemSnapshot{
		ProductCode: v.ProductCode,
		ProductName: v.ProductName,
		Size:        v.SizeName,
		Color:       v.ColorName,
	}
}

type StockDelta struct {
	VariantID string `json:"variant_id"`
	Delta     int    `json:"delta"`
}

type Actor struct {
	Username string
	Role     string
}

type ReceiptItemInput struct {
	VariantID string          `json:"variant_id"`
	Qty       int             `json:"qty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  *Discount       `json:"discount,omitempty"`
}

type ReceiptCreateRequest struct {
	Type         ReceiptType        `json:"type"`
	Status       ReceiptStatus      `json:"status,omitempty"`
	CompanyID    string             `json:"company_id,omitempty"`
	CustomerID   string             `json:"customer_id,omitempty"`
	Items        []ReceiptItemInput `json:"items"`
	BillDiscount *Discount          `json:"bill_discount,omitempty"`
	TaxPercent   decimal.Decimal    `json:"tax_percent"`
	Note         string             `json:"note,omitempty"`
	Payments     []PaymentRequest   `json:"payments,omitempty"`
	RefundMethod string             `json:"refund_method,omitempty"`
}

type ReceiptUpdateRequest struct {
	CompanyID    *string            `json:"company_id,omitempty"`
	CustomerID   *string            `json:"customer_id,omitempty"`
	Items        []ReceiptItemInput `json:"items"`
	BillDiscount *Discount          `json:"bill_discount,omitempty"`
	TaxPercent   decimal.Decimal    `json:"tax_percent"`
	Note         *string            `json:"note,omitempty"`
}

type StatusChangeRequest struct {
	Status ReceiptStatus `json:"status"`
}

type ReceiptResponse struct {
	Receipt   Receipt         `json:"receipt"`
	PaidTotal decimal.Decimal `json:"paid_total"`
	DueTotal  decimal.Decimal `json:"due_total"`
}

type ReceiptListResponse struct {
	Receipts []Receipt `json:"receipts"`
}

type QuoteRequest struct {
	Type         ReceiptType        `json:"type"`
	Items        []ReceiptItemInput `json:"items"`
	BillDiscount *Discount          `json:"bill_discount,omitempty"`
	TaxPercent   decimal.Decimal    `json:"tax_percent"`
	IncludeItems bool               `json:"include_items"`
}

type QuoteLine struct {
	VariantID    string          `json:"variant_id"`
	Qty          int             `json:"qty"`
	Unit         decimal.Decimal `json:"unit"`
	LineTotal    decimal.Decimal `json:"line_total"`
	LineDiscount decimal.Decimal `json:"line_discount"`
	NetTotal     decimal.Decimal `json:"net_total"`
}

type QuoteResponse struct {
	Totals Totals      `json:"totals"`
	Items  []QuoteLine `json:"items,omitempty"`
}

type PaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
	Note   string          `json:"note,omitempty"`
}

type DeliveryAttachRequest struct {
	Company        string `json:"company"`
	RecipientName  string `json:"recipient_name"`
	RecipientPhone string `json:"recipient_phone"`
	Address        string `json:"address"`
	Note           string `json:"note,omitempty"`
}

type SyncError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type SyncResult struct {
	Updated int         `json:"updated"`
	Errors  []SyncError `json:"errors"`
}

type ReplayResult struct {
	Posted  int `json:"posted"`
	Dead    int `json:"dead"`
	Pending int `json:"pending"`
}

type CashboxStatus string

const (
	CashboxOpen   CashboxStatus = "open"
	CashboxClosed CashboxStatus = "closed"
)

type CashDirection string

const (
	CashIn  CashDirection = "in"
	CashOut CashDirection = "out"
)

type CashSource string

const (
	CashSourceSale       CashSource = "sale"
	CashSourcePayment    CashSource = "payment"
	CashSourceReturn     CashSource = "return"
	CashSourceAdjustment CashSource = "adjustment"
)

type CashSourceTotals struct {
	Sale          decimal.Decimal `json:"sale"`
	Payment       decimal.Decimal `json:"payment"`
	Return        decimal.Decimal `json:"return"`
	AdjustmentIn  decimal.Decimal `json:"adjustmentIn"`
	AdjustmentOut decimal.Decimal `json:"adjustmentOut"`
}

type CashboxTotals struct {
	CashIn   decimal.Decimal  `json:"cashIn"`
	CashOut  decimal.Decimal  `json:"cashOut"`
	BySource CashSourceTotals `json:"bySource"`
}

type CashboxSession struct {
	ID            string           `json:"id"`
	Status        CashboxStatus    `json:"status"`
	OpeningAmount decimal.Decimal  `json:"opening_amount"`
	OpenedAt      time.Time        `json:"opened_at"`
	OpenedBy      string           `json:"opened_by"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	ClosedBy      string           `json:"closed_by,omitempty"`
	CountedAmount *decimal.Decimal `json:"counted_amount,omitempty"`
	ExpectedCash  *decimal.Decimal `json:"expected_cash,omitempty"`
	Variance      *decimal.Decimal `json:"variance,omitempty"`
	Totals        *CashboxTotals   `json:"totals,omitempty"`
	Note          string           `json:"note,omitempty"`
}

type CashMovement struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Amount    decimal.Decimal `json:"amount"`
	Direction CashDirection   `json:"direction"`
	Source    CashSource      `json:"source"`
	ReceiptID string          `json:"receipt_id,omitempty"`
	UserID    string          `json:"user_id"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CashboxReport is the settlement shape returned on close and persisted with the session.
type CashboxReport struct {
	SessionID     string           `json:"sessionId"`
	OpenedAt      time.Time        `json:"openedAt"`
	OpenedBy      string           `json:"openedBy"`
	ClosedAt      *time.Time       `json:"closedAt"`
	ClosedBy      string           `json:"closedBy"`
	OpeningAmount decimal.Decimal  `json:"openingAmount"`
	ExpectedCash  decimal.Decimal  `json:"expectedCash"`
	CountedAmount *decimal.Decimal `json:"countedAmount"`
	Variance      *decimal.Decimal `json:"variance"`
	Totals        CashboxTotals    `json:"totals"`
}

type CashboxOpenRequest struct {
	OpeningAmount decimal.Decimal `json:"opening_amount"`
	Note          string          `json:"note,omitempty"`
}

type CashboxCloseRequest struct {
	CountedAmount decimal.Decimal `json:"counted_amount"`
	Note          string          `json:"note,omitempty"`
}

type CashboxAdjustRequest struct {
	Direction CashDirection   `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
}

type CashboxSessionResponse struct {
	Session CashboxSession `json:"session"`
}

type CashboxSessionListResponse struct {
	Sessions []CashboxSession `json:"sessions"`
}

type CashMovementListResponse struct {
	Movements []CashMovement `json:"movements"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
