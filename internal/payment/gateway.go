// Package payment abstracts the wallet top-up payment provider.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Payment statuses follow the provider lifecycle: a payment is created
// open, and moves to paid, failed, or expired.
const (
	StatusOpen    = "open"
	StatusPaid    = "paid"
	StatusFailed  = "failed"
	StatusExpired = "expired"
)

var ErrPaymentNotFound = errors.New("payment not found")

// Payment is one top-up attempt at the provider.
type Payment struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CheckoutURL string    `json:"checkout_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// Gateway is the provider surface the wallet handlers drive.
type Gateway interface {
	CreatePayment(ctx context.Context, userID int64, amount float64, currency string) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	ListMethods(ctx context.Context) ([]string, error)
}

// StubGateway is an in-memory gateway for development and tests. Every
// payment it creates is immediately payable: the first GetPayment after
// creation reports it paid, standing in for the provider redirect flow.
type StubGateway struct {
	mu       sync.Mutex
	payments map[string]*Payment
}

func NewStubGateway() *StubGateway {
	return &StubGateway{payments: make(map[string]*Payment)}
}

func (g *StubGateway) CreatePayment(_ context.Context, userID int64, amount float64, currency string) (*Payment, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("invalid top-up amount: %.2f", amount)
	}
	if currency == "" {
		currency = "EUR"
	}

	p := &Payment{
		ID:        "tr_" + uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Currency:  currency,
		Status:    StatusOpen,
		CreatedAt: time.Now(),
	}
	p.CheckoutURL = "https://pay.example.com/checkout/" + p.ID

	g.mu.Lock()
	g.payments[p.ID] = p
	g.mu.Unlock()
	return copyPayment(p), nil
}

func (g *StubGateway) GetPayment(_ context.Context, id string) (*Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.Status == StatusOpen {
		p.Status = StatusPaid
	}
	return copyPayment(p), nil
}

func (g *StubGateway) ListMethods(_ context.Context) ([]string, error) {
	return []string{"ideal", "creditcard", "paypal"}, nil
}

func copyPayment(p *Payment) *Payment {
	out := *p
	return &out
}
