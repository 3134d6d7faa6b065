package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the payment-gateway adapter. None of its operations are
// idempotent on the gateway side; callers provide safety through their own
// transactional guards.
type Gateway interface {
	CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	CreateInvoice(ctx context.Context, params InvoiceParams) (*Invoice, error)
	CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error)
	VoidInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	CancelPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	ExpireCheckout(ctx context.Context, sessionID string) (*CheckoutSession, error)
	RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
}

// CheckoutParams configures a hosted checkout session.
type CheckoutParams struct {
	CustomerID   string
	Amount       decimal.Decimal
	Currency     string
	Subscription bool
	PriceID      string
	SuccessURL   string
	CancelURL    string
	Metadata     map[string]string
}

// InvoiceParams configures an auto-advancing invoice charged off-session.
type InvoiceParams struct {
	CustomerID      string
	Amount          decimal.Decimal
	Currency        string
	Description     string
	PaymentMethodID string
	Metadata        map[string]string
}

// PaymentIntentParams configures an off-session payment intent confirmation.
type PaymentIntentParams struct {
	CustomerID      string
	Amount          decimal.Decimal
	Currency        string
	PaymentMethodID string
	Confirm         bool
	OffSession      bool
	Metadata        map[string]string
}

// CheckoutSession is the gateway-neutral view of a checkout object.
type CheckoutSession struct {
	ID            string
	Status        string
	PaymentStatus string
	URL           string
}

// Invoice is the gateway-neutral view of an invoice object.
type Invoice struct {
	ID     string
	Status string
	URL    string
}

// PaymentIntent is the gateway-neutral view of a payment intent object.
type PaymentIntent struct {
	ID     string
	Status string
}

// Customer is the gateway-neutral view of a customer object.
type Customer struct {
	ID                     string
	DefaultPaymentMethodID string
}

// PaymentMethod is the gateway-neutral view of a stored payment method.
type PaymentMethod struct {
	ID    string
	Brand string
	Last4 string
}
