package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

var (
	ErrPaymentNotSettled = errors.New("payment not settled")
	ErrMissingReference  = errors.New("payment reference is required")
)

// minorPerUnit converts a fare, kept in whole currency units, to the smallest currency unit
// stripe amounts are expressed in.
const minorPerUnit = 100

// Verifier confirms with the payment provider that a card payment went through.
type Verifier interface {
	Verify(ctx context.Context, reference string, amount int64) error
}

// intentAPI is the part of the stripe PaymentIntent API the verifier needs.
type intentAPI interface {
	get(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	capture(ctx context.Context, id string) (*stripe.PaymentIntent, error)
}

type stripeIntents struct{}

func (stripeIntents) get(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	return paymentintent.Get(id, params)
}

func (stripeIntents) capture(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	return paymentintent.Capture(id, params)
}

// StripeVerifier treats the payment reference as a PaymentIntent id. Intents held with
// capture_method=manual are captured here, when the passenger confirms the payment.
type StripeVerifier struct {
	intents intentAPI
}

func NewStripeVerifier(apiKey string) *StripeVerifier {
	stripe.Key = apiKey
	return &StripeVerifier{intents: stripeIntents{}}
}

func (s *StripeVerifier) Verify(ctx context.Context, reference string, amount int64) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return ErrMissingReference
	}
	pi, err := s.intents.get(ctx, reference)
	if err != nil {
		return fmt.Errorf("retrieve payment intent: %w", err)
	}
	if pi.Status == stripe.PaymentIntentStatusRequiresCapture {
		if pi, err = s.intents.capture(ctx, reference); err != nil {
			return fmt.Errorf("capture payment intent: %w", err)
		}
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: intent %s is %s", ErrPaymentNotSettled, pi.ID, pi.Status)
	}
	if want := amount * minorPerUnit; amount > 0 && pi.Amount < want {
		return fmt.Errorf("%w: intent %s covers %d of %d", ErrPaymentNotSettled, pi.ID, pi.Amount, want)
	}
	return nil
}
