package payments

import (
	"context"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeGateway charges wallet top-ups through Stripe PaymentIntents.
type StripeGateway struct {
	// PaymentMethod is attached to every intent; test mode accepts
	// "pm_card_visa".
	PaymentMethod string
}

// NewStripeGateway initializes the stripe client with the given secret key.
func NewStripeGateway(apiKey, paymentMethod string) *StripeGateway {
	stripe.Key = apiKey
	if paymentMethod == "" {
		paymentMethod = "pm_card_visa"
	}
	return &StripeGateway{PaymentMethod: paymentMethod}
}

// Charge creates and confirms a PaymentIntent with automatic capture.
// It returns the PaymentIntent ID on success.
func (s *StripeGateway) Charge(ctx context.Context, amount decimal.Decimal, currency, reference string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits(amount)),
		Currency:      stripe.String(currency),
		PaymentMethod: stripe.String(s.PaymentMethod),
		Confirm:       stripe.Bool(true),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodAutomatic)),
	}
	params.Context = ctx
	if reference != "" {
		params.AddMetadata("reference", reference)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
