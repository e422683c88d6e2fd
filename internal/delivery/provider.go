// Package delivery is the contract with the external courier collaborator and
// a generic JSON-over-HTTP binding of it.
package delivery

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"gudangkas/backend/internal/domain"
)

var ErrProviderUnavailable = errors.New("delivery provider is not configured")

type StatusQuery struct {
	Company    string `json:"company"`
	ExternalID string `json:"external_id"`
}

// Status is the provider view of a shipment. Internal is empty when the
// provider status has no receipt status counterpart.
type Status struct {
	ProviderStatus string               `json:"status"`
	TrackingNumber string               `json:"tracking_number"`
	TrackingURL    string               `json:"tracking_url"`
	Internal       domain.ReceiptStatus `json:"internal_status"`
}

type OrderDetails struct {
	Company        string          `json:"company"`
	ReceiptID      string          `json:"receipt_id"`
	RecipientName  string          `json:"recipient_name"`
	RecipientPhone string          `json:"recipient_phone"`
	Address        string          `json:"address"`
	Note           string          `json:"note,omitempty"`
	CODAmount      decimal.Decimal `json:"cod_amount"`
}

type Order struct {
	ExternalID     string `json:"external_id"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url"`
	ProviderStatus string `json:"status"`
}

type Provider interface {
	GetStatus(ctx context.Context, query StatusQuery) (Status, error)
	CreateOrder(ctx context.Context, details OrderDetails) (Order, error)
}

// Unconfigured is the Provider used when no courier endpoint is set.
type Unconfigured struct{}

func (Unconfigured) GetStatus(_ context.Context, _ StatusQuery) (Status, error) {
	return Status{}, ErrProviderUnavailable
}

func (Unconfigured) CreateOrder(_ context.Context, _ OrderDetails) (Order, error) {
	return Order{}, ErrProviderUnavailable
}
