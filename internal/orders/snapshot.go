package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/perceptra-ai/metering-backend/internal/gateway"
	"github.com/perceptra-ai/metering-backend/pkg/enums"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
)

// Snapshot is the last-known gateway object for an order, tagged by kind.
// Exactly one variant is populated. Amounts are serialized as strings so the
// structural hash is stable across encodings.
type Snapshot struct {
	Kind          enums.OrderKind        `json:"kind"`
	Checkout      *CheckoutSnapshot      `json:"checkout,omitempty"`
	Invoice       *InvoiceSnapshot       `json:"invoice,omitempty"`
	PaymentIntent *PaymentIntentSnapshot `json:"payment_intent,omitempty"`
}

// CheckoutSnapshot captures a checkout session (one-time or subscription).
type CheckoutSnapshot struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// InvoiceSnapshot captures an invoice.
type InvoiceSnapshot struct {
	InvoiceID string `json:"invoice_id"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

// PaymentIntentSnapshot captures a payment intent.
type PaymentIntentSnapshot struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Status          string `json:"status"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
}

// SnapshotFromCheckout builds a snapshot from a gateway checkout session.
func SnapshotFromCheckout(kind enums.OrderKind, sess *gateway.CheckoutSession, amount decimal.Decimal, currency string) Snapshot {
	return Snapshot{
		Kind: kind,
		Checkout: &CheckoutSnapshot{
			SessionID:     sess.ID,
			Status:        sess.Status,
			PaymentStatus: sess.PaymentStatus,
			Amount:        amount.String(),
			Currency:      currency,
		},
	}
}

// SnapshotFromInvoice builds a snapshot from a gateway invoice.
func SnapshotFromInvoice(inv *gateway.Invoice, amount decimal.Decimal, currency string) Snapshot {
	return Snapshot{
		Kind: enums.OrderKindInvoice,
		Invoice: &InvoiceSnapshot{
			InvoiceID: inv.ID,
			Status:    inv.Status,
			Amount:    amount.String(),
			Currency:  currency,
		},
	}
}

// SnapshotFromPaymentIntent builds a snapshot from a gateway payment intent.
func SnapshotFromPaymentIntent(pi *gateway.PaymentIntent, amount decimal.Decimal, currency string) Snapshot {
	return Snapshot{
		Kind: enums.OrderKindPaymentIntent,
		PaymentIntent: &PaymentIntentSnapshot{
			PaymentIntentID: pi.ID,
			Status:          pi.Status,
			Amount:          amount.String(),
			Currency:        currency,
		},
	}
}

// DecodeSnapshot parses a stored snapshot payload.
func DecodeSnapshot(raw json.RawMessage) (Snapshot, error) {
	var snap Snapshot
	if len(raw) == 0 {
		return snap, nil
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode snapshot")
	}
	return snap, nil
}

// CorrelationID returns the gateway object id of the populated variant.
func (s Snapshot) CorrelationID() string {
	switch {
	case s.Checkout != nil:
		return s.Checkout.SessionID
	case s.Invoice != nil:
		return s.Invoice.InvoiceID
	case s.PaymentIntent != nil:
		return s.PaymentIntent.PaymentIntentID
	default:
		return ""
	}
}

// Status returns the lifecycle status of the populated variant.
func (s Snapshot) Status() enums.OrderStatus {
	switch {
	case s.Checkout != nil:
		return enums.OrderStatus(s.Checkout.Status)
	case s.Invoice != nil:
		return enums.OrderStatus(s.Invoice.Status)
	case s.PaymentIntent != nil:
		return enums.OrderStatus(s.PaymentIntent.Status)
	default:
		return ""
	}
}

// Currency returns the currency of the populated variant.
func (s Snapshot) Currency() string {
	switch {
	case s.Checkout != nil:
		return s.Checkout.Currency
	case s.Invoice != nil:
		return s.Invoice.Currency
	case s.PaymentIntent != nil:
		return s.PaymentIntent.Currency
	default:
		return ""
	}
}

// Amount returns the monetary amount of the populated variant.
func (s Snapshot) Amount() (decimal.Decimal, error) {
	var raw string
	switch {
	case s.Checkout != nil:
		raw = s.Checkout.Amount
	case s.Invoice != nil:
		raw = s.Invoice.Amount
	case s.PaymentIntent != nil:
		raw = s.PaymentIntent.Amount
	default:
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeInternal, "empty snapshot")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "snapshot amount")
	}
	return amount, nil
}

// Encode marshals the snapshot and returns the payload with its structural
// hash. Struct fields marshal in declaration order, so equal snapshots always
// hash equal.
func (s Snapshot) Encode() (json.RawMessage, string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode snapshot")
	}
	sum := sha256.Sum256(payload)
	return payload, hex.EncodeToString(sum[:]), nil
}
