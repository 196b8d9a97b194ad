package ride

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/example/ride-bidding/internal/models"
)

// Any sequence of operations, successful or rejected, leaves a ride whose
// final price is set exactly when its status requires one.
func TestProperty_PriceSetIffPricedStatus(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r, err := New(models.Ride{
			ID:        "r",
			RiderID:   "rider",
			Itinerary: models.Itinerary{Pickup: models.Location{Address: "a"}, Dropoff: models.Location{Address: "b"}, ScheduledTime: now},
		}, now)
		if err != nil {
			t.Fatalf("new: %v", err)
		}

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			at := now.Add(time.Duration(i) * time.Minute)
			var next models.Ride
			switch rapid.IntRange(0, 7).Draw(t, "op") {
			case 0:
				next, err = StartBidding(r, at)
			case 1:
				amount := rapid.Int64Range(0, 500).Draw(t, "amount")
				status := rapid.SampledFrom([]models.RideStatus{models.StatusScheduled, models.StatusPaymentPending, models.StatusPaid}).Draw(t, "assign_to")
				next, err = Assign(r, models.Bid{ID: "b", RideID: r.ID, DriverID: "d", Amount: decimal.NewFromInt(amount)}, status, at)
			case 2:
				next, err = MarkPaid(r, "pi", at)
			case 3:
				status := rapid.SampledFrom([]models.RideStatus{
					models.StatusEnRoute, models.StatusArrived, models.StatusInProgress, models.StatusCompleted, models.StatusPaid, models.StatusRequested,
				}).Draw(t, "advance_to")
				next, err = Advance(r, status, at)
			case 4:
				party := rapid.SampledFrom([]models.Party{models.PartyRider, models.PartyDriver}).Draw(t, "party")
				next, err = Cancel(r, Cancellation{Initiator: party, Late: rapid.Bool().Draw(t, "late"), Fee: decimal.NewFromInt(25)}, at)
			case 5:
				next, err = EnterEdit(r, at)
			case 6:
				next, err = ExitEdit(r, nil, at)
			case 7:
				it := r.Itinerary
				it.Instructions = rapid.String().Draw(t, "instructions")
				next, err = ExitEdit(r, &it, at)
			}
			if err == nil {
				r = next
			}
			if cerr := Check(r); cerr != nil {
				t.Fatalf("step %d: %v", i, cerr)
			}
			if r.FinalPrice.Valid != r.Status.Priced() {
				t.Fatalf("step %d: status %s final price set=%v", i, r.Status, r.FinalPrice.Valid)
			}
		}
	})
}
