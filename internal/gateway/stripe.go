package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/invoice"
	"github.com/stripe/stripe-go/v84/invoiceitem"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/paymentmethod"

	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
	"github.com/perceptra-ai/metering-backend/pkg/metrics"
	pkgstripe "github.com/perceptra-ai/metering-backend/pkg/stripe"
)

// stripeGateway implements Gateway against Stripe. It is constructed once at
// startup and injected wherever gateway access is needed.
type stripeGateway struct {
	metrics *metrics.BillingMetrics
	timeout time.Duration
}

// NewStripeGateway wraps the configured Stripe client as a Gateway.
func NewStripeGateway(client *pkgstripe.Client, m *metrics.BillingMetrics, callTimeout time.Duration) (Gateway, error) {
	if client == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe client required")
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &stripeGateway{metrics: m, timeout: callTimeout}, nil
}

func (g *stripeGateway) CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer g.observe("create_checkout", time.Now())

	sessionParams := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(params.CustomerID),
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
	}
	sessionParams.Context = ctx
	for k, v := range params.Metadata {
		sessionParams.AddMetadata(k, v)
	}
	if params.Subscription {
		sessionParams.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		sessionParams.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(params.PriceID),
			Quantity: stripe.Int64(1),
		}}
	} else {
		sessionParams.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		sessionParams.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(params.Currency),
				UnitAmount: stripe.Int64(toCents(params.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Credits"),
				},
			},
			Quantity: stripe.Int64(1),
		}}
	}

	created, err := session.New(sessionParams)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayFailed, err, "create checkout session")
	}
	return checkoutFromStripe(created), nil
}

func (g *stripeGateway) CreateInvoice(ctx context.Context, params InvoiceParams) (*Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer g.observe("create_invoice", time.Now())

	itemParams := &stripe.InvoiceItemParams{
		Customer:    stripe.String(params.CustomerID),
		Amount:      stripe.Int64(toCents(params.Amount)),
		Currency:    stripe.String(params.Currency),
		Description: stripe.String(params.Description),
	}
	itemParams.Context = ctx
	if _, err := invoiceitem.New(itemParams); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayFailed, err, "create invoice item")
	}

	invoiceParams := &stripe.InvoiceParams{
		Customer:         stripe.String(params.CustomerID),
		AutoAdvance:      stripe.Bool(true),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically)),
	}
	invoiceParams.Context = ctx
	if params.PaymentMethodID != "" {
		invoiceParams.DefaultPaymentMethod = stripe.String(params.PaymentMethodID)
	}
	for k, v := range params.Metadata {
		invoiceParams.AddMetadata(k, v)
	}

	created, err := invoice.New(invoiceParams)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayFailed, err, "create invoice")
	}
	return invoiceFromStripe(created), nil
}

func (g *stripeGateway) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer g.observe("create_payment_intent", time.Now())

	intentParams := &stripe.PaymentIntentParams{
		Customer:      stripe.String(params.CustomerID),
		Amount:        stripe.Int64(toCents(params.Amount)),
		Currency:      stripe.String(params.Currency),
		PaymentMethod: stripe.String(params.PaymentMethodID),
		Confirm:       stripe.Bool(params.Confirm),
	}
	intentParams.Context = ctx
	if params.OffSession {
		intentParams.OffSession = stripe.Bool(true)
	}
	for k, v := range params.Metadata {
		intentParams.AddMetadata(k, v)
	}

	created, err := paymentintent.New(intentParams)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayFailed, err, "create payment intent")
	}
	return intentFromStripe(created), nil
}

func (g *stripeGateway) VoidInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer g.observe("void_invoice", time.Now())

	params := &stripe.InvoiceVoidInvoiceParams{}
	params.Context = ctx
	voided, err := invoice.VoidInvoice(invoiceID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayFailed, err, "void invoice")
	}
	return invoiceFromStripe(voided), nil
}

func (g *stripeGateway) CancelPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer g.observe("cancel_payment_intent", time.Now())

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	canceled, err := paymentintent.Cancel(paymentIntentID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayFailed, err, "cancel payment intent")
	}
	return intentFromStripe(canceled), nil
}

func (g *stripeGateway) ExpireCheckout(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer g.observe("expire_checkout", time.Now())

	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	expired, err := session.Expire(sessionID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayFailed, err, "expire checkout session")
	}
	return checkoutFromStripe(expired), nil
}

func (g *stripeGateway) RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer g.observe("retrieve_customer", time.Now())

	params := &stripe.CustomerParams{}
	params.Context = ctx
	found, err := customer.Get(customerID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayFailed, err, "retrieve customer")
	}

	result := &Customer{ID: found.ID}
	if found.InvoiceSettings != nil && found.InvoiceSettings.DefaultPaymentMethod != nil {
		result.DefaultPaymentMethodID = found.InvoiceSettings.DefaultPaymentMethod.ID
	}
	return result, nil
}

func (g *stripeGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer g.observe("list_payment_methods", time.Now())

	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx

	var methods []PaymentMethod
	iter := paymentmethod.List(params)
	for iter.Next() {
		pm := iter.PaymentMethod()
		method := PaymentMethod{ID: pm.ID}
		if pm.Card != nil {
			method.Brand = string(pm.Card.Brand)
			method.Last4 = pm.Card.Last4
		}
		methods = append(methods, method)
	}
	if err := iter.Err(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayFailed, err, "list payment methods")
	}
	return methods, nil
}

func (g *stripeGateway) observe(operation string, start time.Time) {
	g.metrics.ObserveGatewayLatency(operation, time.Since(start))
}

func checkoutFromStripe(s *stripe.CheckoutSession) *CheckoutSession {
	return &CheckoutSession{
		ID:            s.ID,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		URL:           s.URL,
	}
}

func invoiceFromStripe(in *stripe.Invoice) *Invoice {
	return &Invoice{
		ID:     in.ID,
		Status: string(in.Status),
		URL:    in.HostedInvoiceURL,
	}
}

func intentFromStripe(pi *stripe.PaymentIntent) *PaymentIntent {
	return &PaymentIntent{
		ID:     pi.ID,
		Status: string(pi.Status),
	}
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
