package enums

// OrderStatus carries the gateway-defined lifecycle state of a payment order.
// The value set is the union of Stripe checkout session, invoice, and payment
// intent statuses; which values are reachable depends on the order kind.
type OrderStatus string

const (
	OrderStatusDraft                 OrderStatus = "draft"
	OrderStatusOpen                  OrderStatus = "open"
	OrderStatusComplete              OrderStatus = "complete"
	OrderStatusExpired               OrderStatus = "expired"
	OrderStatusPaid                  OrderStatus = "paid"
	OrderStatusVoid                  OrderStatus = "void"
	OrderStatusUncollectible         OrderStatus = "uncollectible"
	OrderStatusProcessing            OrderStatus = "processing"
	OrderStatusSucceeded             OrderStatus = "succeeded"
	OrderStatusCanceled              OrderStatus = "canceled"
	OrderStatusRequiresAction        OrderStatus = "requires_action"
	OrderStatusRequiresCapture       OrderStatus = "requires_capture"
	OrderStatusRequiresConfirmation  OrderStatus = "requires_confirmation"
	OrderStatusRequiresPaymentMethod OrderStatus = "requires_payment_method"
)

// IsCancelable reports whether an order in this status may still be canceled,
// voided, or expired against the gateway.
func (s OrderStatus) IsCancelable() bool {
	switch s {
	case OrderStatusDraft,
		OrderStatusOpen,
		OrderStatusUncollectible,
		OrderStatusRequiresAction,
		OrderStatusRequiresCapture,
		OrderStatusRequiresConfirmation,
		OrderStatusRequiresPaymentMethod:
		return true
	default:
		return false
	}
}

// PaidStatusFor returns the terminal "funds received" status for the kind.
func PaidStatusFor(kind OrderKind) OrderStatus {
	switch kind {
	case OrderKindOnetimeCheckout, OrderKindSubscriptionCheckout:
		return OrderStatusComplete
	case OrderKindPaymentIntent:
		return OrderStatusSucceeded
	case OrderKindInvoice:
		return OrderStatusPaid
	default:
		return ""
	}
}
