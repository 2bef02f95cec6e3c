package payments

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripeClient holds, captures and releases ride fares as manual-capture PaymentIntents.
type StripeClient struct {
	api *client.API
}

// NewStripeClient builds a client bound to one secret key instead of the package-global one.
func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil)}
}

// Hold authorizes the fare without charging it. The ride id is the idempotency
// key, so a retried hold for the same ride returns the same intent.
func (s *StripeClient) Hold(ctx context.Context, amountMinor int64, currency, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountMinor),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", rideID)
	params.SetIdempotencyKey("hold-" + rideID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeClient) Capture(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Capture(ref, params)
	return err
}

func (s *StripeClient) Cancel(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.CancellationReason = stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer))
	_, err := s.api.PaymentIntents.Cancel(ref, params)
	return err
}

// MinorUnits converts a fare total into the integer amount the gateway charges.
func MinorUnits(total float64) int64 { return int64(math.Round(total * 100)) }
