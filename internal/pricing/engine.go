// Package pricing computes display prices and cancellation fees. Both
// functions are pure: callers pass the settings snapshot they want applied.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-bidding/internal/models"
)

// LateCancellationWindow is how close to pickup a cancellation counts as late.
const LateCancellationWindow = 24 * time.Hour

type Source string

const (
	SourceFinal        Source = "final_price"
	SourceBid          Source = "highest_bid"
	SourceRiderBid     Source = "rider_bid"
	SourceEstimate     Source = "distance_estimate"
	SourceUndetermined Source = "undetermined"
)

// Quote is a computed price. A zero Amount with SourceUndetermined means
// there was not enough data; a zero Amount from any other source is a real
// free ride.
type Quote struct {
	Amount decimal.Decimal `json:"amount"`
	Source Source          `json:"source"`
}

func (q Quote) Determined() bool { return q.Source != SourceUndetermined }

// Input is everything ComputePrice looks at.
type Input struct {
	FinalPrice      decimal.NullDecimal
	HighestLiveBid  decimal.NullDecimal
	RiderBid        decimal.NullDecimal
	DistanceMiles   *float64
	VehicleType     models.VehicleType
	IsRoundTrip     bool
	ScheduledTime   time.Time
	WaitTimeMinutes int
}

// InputFor builds an Input from a ride snapshot. The caller fills in the
// live bid and distance, which the ride itself does not carry.
func InputFor(r models.Ride) Input {
	in := Input{
		FinalPrice:    r.FinalPrice,
		RiderBid:      r.RiderBid,
		VehicleType:   r.VehicleType,
		IsRoundTrip:   r.IsRoundTrip,
		ScheduledTime: r.ScheduledTime,
	}
	if r.Accessibility.NeedsWaitTime {
		in.WaitTimeMinutes = r.Accessibility.WaitTimeMinutes
	}
	return in
}

func ComputePrice(in Input, s Settings) Quote {
	if in.FinalPrice.Valid {
		return Quote{Amount: in.FinalPrice.Decimal, Source: SourceFinal}
	}
	if in.HighestLiveBid.Valid {
		return Quote{Amount: in.HighestLiveBid.Decimal, Source: SourceBid}
	}
	if in.RiderBid.Valid && in.RiderBid.Decimal.IsPositive() {
		return Quote{Amount: in.RiderBid.Decimal, Source: SourceRiderBid}
	}
	if in.DistanceMiles != nil && *in.DistanceMiles >= 0 {
		return Quote{Amount: estimate(in, *in.DistanceMiles, s), Source: SourceEstimate}
	}
	return Quote{Amount: decimal.Zero, Source: SourceUndetermined}
}

func estimate(in Input, miles float64, s Settings) decimal.Decimal {
	distancePrice := s.BasePricePerMile.Mul(decimal.NewFromFloat(miles))
	if !in.ScheduledTime.IsZero() {
		local := in.ScheduledTime.In(s.location())
		if isNight(local) {
			distancePrice = distancePrice.Mul(s.NightMultiplier)
		}
		if isWeekend(local) {
			distancePrice = distancePrice.Mul(s.WeekendMultiplier)
		}
	}
	distancePrice = distancePrice.Mul(s.SurgeFactor)

	price := distancePrice.Add(accessibilityPremium(in.VehicleType, s))
	if in.WaitTimeMinutes > 0 {
		price = price.Add(s.WaitingRatePerMinute.Mul(decimal.NewFromInt(int64(in.WaitTimeMinutes))))
	}
	if in.IsRoundTrip {
		price = price.Mul(s.RoundTripMultiplier)
	}
	return price.Round(2)
}

func accessibilityPremium(v models.VehicleType, s Settings) decimal.Decimal {
	switch v {
	case models.VehicleWheelchair:
		return s.WheelchairSurcharge
	case models.VehicleStretcher:
		return s.StretcherSurcharge
	default:
		return decimal.Zero
	}
}

// 22:00 up to but not including 06:00, market local time.
func isNight(t time.Time) bool {
	h := t.Hour()
	return h >= 22 || h < 6
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsLateCancellation reports whether pickup is less than 24h after now.
func IsLateCancellation(scheduled, now time.Time) bool {
	return scheduled.Sub(now) < LateCancellationWindow
}

// ComputeCancellationFee returns the flat fee for a late cancellation and
// zero otherwise.
func ComputeCancellationFee(r models.Ride, now time.Time, s Settings) decimal.Decimal {
	if IsLateCancellation(r.ScheduledTime, now) {
		return s.CancellationFee
	}
	return decimal.Zero
}
