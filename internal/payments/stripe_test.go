package payments

import (
	"testing"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/example/ride-bidding/internal/models"
)

func TestMinorUnits(t *testing.T) {
	cases := map[string]int64{
		"38":     3800,
		"46.25":  4625,
		"2.505":  251,
		"0":      0,
		"0.01":   1,
		"100.10": 10010,
	}
	for in, want := range cases {
		if got := MinorUnits(decimal.RequireFromString(in)); got != want {
			t.Fatalf("%s: expected %d, got %d", in, want, got)
		}
	}
}

func TestResultForPaymentIntentStatus(t *testing.T) {
	cases := []struct {
		status stripe.PaymentIntentStatus
		want   models.PaymentStatus
	}{
		{stripe.PaymentIntentStatusRequiresCapture, models.PaymentSucceeded},
		{stripe.PaymentIntentStatusSucceeded, models.PaymentSucceeded},
		{stripe.PaymentIntentStatusRequiresAction, models.PaymentRequiresAction},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, models.PaymentFailed},
		{stripe.PaymentIntentStatusCanceled, models.PaymentFailed},
	}
	for _, c := range cases {
		res := resultFor(&stripe.PaymentIntent{ID: "pi_1", Status: c.status})
		if res.Status != c.want || res.ProviderRef != "pi_1" {
			t.Fatalf("%s: expected %s, got %+v", c.status, c.want, res)
		}
	}
}
