package enums

// OrderKind distinguishes the gateway object a payment order mirrors.
type OrderKind string

const (
	OrderKindOnetimeCheckout      OrderKind = "onetime_checkout"
	OrderKindSubscriptionCheckout OrderKind = "subscription_checkout"
	OrderKindPaymentIntent        OrderKind = "payment_intent"
	OrderKindInvoice              OrderKind = "invoice"
)

// AllOrderKinds lists every supported kind in a stable order.
func AllOrderKinds() []OrderKind {
	return []OrderKind{
		OrderKindOnetimeCheckout,
		OrderKindSubscriptionCheckout,
		OrderKindPaymentIntent,
		OrderKindInvoice,
	}
}

// IsValid reports whether the kind is known.
func (k OrderKind) IsValid() bool {
	switch k {
	case OrderKindOnetimeCheckout, OrderKindSubscriptionCheckout, OrderKindPaymentIntent, OrderKindInvoice:
		return true
	default:
		return false
	}
}
