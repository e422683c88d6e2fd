// Package receiptflow holds the receipt status graphs and the guards that
// decide whether a transition is allowed. It is pure: callers load the
// receipt and pass in what the guards need.
package receiptflow

import (
	"fmt"

	"gudangkas/backend/internal/apperr"
	"gudangkas/backend/internal/domain"
)

// TransitionContext carries receipt facts some guards depend on.
type TransitionContext struct {
	HasDelivery bool
	FullyPaid   bool
}

// GuardResult is the outcome of a single guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

func allow() GuardResult { return GuardResult{Allowed: true} }

func deny(format string, args ...any) GuardResult {
	return GuardResult{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

type Guard func(from domain.ReceiptStatus, to domain.ReceiptStatus, ctx TransitionContext) GuardResult

// Graph is the transition table of one receipt type.
type Graph struct {
	Initial         []domain.ReceiptStatus
	Successors      map[domain.ReceiptStatus][]domain.ReceiptStatus
	Editable        []domain.ReceiptStatus
	AcceptsPayments bool
	Guards          []Guard
}

func (g Graph) has(list []domain.ReceiptStatus, status domain.ReceiptStatus) bool {
	for _, candidate := range list {
		if candidate == status {
			return true
		}
	}
	return false
}

func (g Graph) known(status domain.ReceiptStatus) bool {
	if status == domain.StatusCompleted {
		return true
	}
	_, ok := g.Successors[status]
	return ok
}

type Machine struct {
	graphs map[domain.ReceiptType]Graph
}

func NewMachine() *Machine {
	return &Machine{graphs: make(map[domain.ReceiptType]Graph)}
}

// Default returns a machine with the purchase, sale and sale return graphs registered.
func Default() *Machine {
	m := NewMachine()
	m.Register(domain.ReceiptTypePurchase, PurchaseGraph())
	m.Register(domain.ReceiptTypeSale, SaleGraph())
	m.Register(domain.ReceiptTypeSaleReturn, SaleReturnGraph())
	return m
}

func (m *Machine) Register(receiptType domain.ReceiptType, graph Graph) {
	m.graphs[receiptType] = graph
}

func (m *Machine) graph(receiptType domain.ReceiptType) (Graph, error) {
	graph, ok := m.graphs[receiptType]
	if !ok {
		return Graph{}, apperr.Validationf("unknown receipt type %q", receiptType)
	}
	return graph, nil
}

// AssertTransition fails with ReceiptLocked when current is completed and
// with InvalidStatusTransition when next is not reachable from current.
func (m *Machine) AssertTransition(receiptType domain.ReceiptType, current domain.ReceiptStatus, next domain.ReceiptStatus, ctx TransitionContext) error {
	graph, err := m.graph(receiptType)
	if err != nil {
		return err
	}
	if current == domain.StatusCompleted {
		return apperr.ErrReceiptLocked
	}
	if !graph.has(graph.Successors[current], next) {
		return apperr.InvalidTransition(string(receiptType), string(current), string(next), "")
	}
	for _, guard := range graph.Guards {
		if result := guard(current, next, ctx); !result.Allowed {
			return apperr.InvalidTransition(string(receiptType), string(current), string(next), result.Reason)
		}
	}
	return nil
}

// InitialStatus resolves the status a new receipt starts in. An empty request
// picks the first initial status of the graph.
func (m *Machine) InitialStatus(receiptType domain.ReceiptType, requested domain.ReceiptStatus) (domain.ReceiptStatus, error) {
	graph, err := m.graph(receiptType)
	if err != nil {
		return "", err
	}
	if requested == "" {
		return graph.Initial[0], nil
	}
	if !graph.has(graph.Initial, requested) {
		return "", apperr.Validationf("%s receipts cannot start in status %q", receiptType, requested)
	}
	return requested, nil
}

func (m *Machine) Editable(receiptType domain.ReceiptType, status domain.ReceiptStatus) bool {
	graph, err := m.graph(receiptType)
	if err != nil {
		return false
	}
	return graph.has(graph.Editable, status)
}

func (m *Machine) AcceptsPayments(receiptType domain.ReceiptType) bool {
	graph, err := m.graph(receiptType)
	if err != nil {
		return false
	}
	return graph.AcceptsPayments
}

// KnownStatus reports whether status belongs to the graph of receiptType.
func (m *Machine) KnownStatus(receiptType domain.ReceiptType, status domain.ReceiptStatus) bool {
	graph, err := m.graph(receiptType)
	if err != nil {
		return false
	}
	return graph.known(status)
}

func PurchaseGraph() Graph {
	return Graph{
		Initial: []domain.ReceiptStatus{domain.StatusOrdered},
		Successors: map[domain.ReceiptStatus][]domain.ReceiptStatus{
			domain.StatusOrdered:    {domain.StatusOnDelivery},
			domain.StatusOnDelivery: {domain.StatusCompleted},
		},
		Editable: []domain.ReceiptStatus{domain.StatusOrdered, domain.StatusOnDelivery},
	}
}

func SaleGraph() Graph {
	return Graph{
		Initial: []domain.ReceiptStatus{domain.StatusOrdered, domain.StatusPending},
		Successors: map[domain.ReceiptStatus][]domain.ReceiptStatus{
			domain.StatusPending:          {domain.StatusOrdered, domain.StatusOnDelivery, domain.StatusCompleted},
			domain.StatusOrdered:          {domain.StatusOnDelivery, domain.StatusCompleted},
			domain.StatusOnDelivery:       {domain.StatusPaymentCollected, domain.StatusReadyToReceive},
			domain.StatusPaymentCollected: {domain.StatusReadyToReceive, domain.StatusCompleted},
			domain.StatusReadyToReceive:   {domain.StatusCompleted},
		},
		Editable:        []domain.ReceiptStatus{domain.StatusPending, domain.StatusOrdered},
		AcceptsPayments: true,
		Guards:          []Guard{deliveryStatesNeedDelivery, deliveryCompletionNeedsPayment},
	}
}

func SaleReturnGraph() Graph {
	return Graph{
		Initial: []domain.ReceiptStatus{domain.StatusPending, domain.StatusCompleted},
		Successors: map[domain.ReceiptStatus][]domain.ReceiptStatus{
			domain.StatusPending: {domain.StatusCompleted},
		},
		Editable: []domain.ReceiptStatus{domain.StatusPending},
	}
}

func deliveryStatesNeedDelivery(_ domain.ReceiptStatus, to domain.ReceiptStatus, ctx TransitionContext) GuardResult {
	switch to {
	case domain.StatusOnDelivery, domain.StatusPaymentCollected, domain.StatusReadyToReceive:
		if !ctx.HasDelivery {
			return deny("no delivery attached")
		}
	}
	return allow()
}

func deliveryCompletionNeedsPayment(from domain.ReceiptStatus, to domain.ReceiptStatus, ctx TransitionContext) GuardResult {
	if to != domain.StatusCompleted || !ctx.HasDelivery {
		return allow()
	}
	if from != domain.StatusPaymentCollected && from != domain.StatusReadyToReceive {
		return deny("delivery sales complete only after payment collection or receipt")
	}
	if !ctx.FullyPaid {
		return deny("delivery sale still has an outstanding balance")
	}
	return allow()
}
