package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-bidding/internal/models"
)

// Settings are the market-wide rates read by every pricing call.
type Settings struct {
	BasePricePerMile     decimal.Decimal `json:"base_price_per_mile"`
	WaitingRatePerMinute decimal.Decimal `json:"waiting_rate_per_minute"`
	WheelchairSurcharge  decimal.Decimal `json:"wheelchair_surcharge"`
	StretcherSurcharge   decimal.Decimal `json:"stretcher_surcharge"`
	NightMultiplier      decimal.Decimal `json:"night_multiplier"`
	WeekendMultiplier    decimal.Decimal `json:"weekend_multiplier"`
	RoundTripMultiplier  decimal.Decimal `json:"round_trip_multiplier"`
	SurgeFactor          decimal.Decimal `json:"surge_factor"`
	CancellationFee      decimal.Decimal `json:"cancellation_fee"`
	TimeZone             string          `json:"time_zone"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func DefaultSettings() Settings {
	return Settings{
		BasePricePerMile:     decimal.RequireFromString("2.50"),
		WaitingRatePerMinute: decimal.RequireFromString("0.50"),
		WheelchairSurcharge:  decimal.RequireFromString("15.00"),
		StretcherSurcharge:   decimal.RequireFromString("40.00"),
		NightMultiplier:      decimal.RequireFromString("1.25"),
		WeekendMultiplier:    decimal.RequireFromString("1.10"),
		RoundTripMultiplier:  decimal.RequireFromString("2.00"),
		SurgeFactor:          decimal.NewFromInt(1),
		CancellationFee:      decimal.RequireFromString("25.00"),
		TimeZone:             "UTC",
	}
}

func (s Settings) Validate() error {
	nonNegative := map[string]decimal.Decimal{
		"base_price_per_mile":     s.BasePricePerMile,
		"waiting_rate_per_minute": s.WaitingRatePerMinute,
		"wheelchair_surcharge":    s.WheelchairSurcharge,
		"stretcher_surcharge":     s.StretcherSurcharge,
		"cancellation_fee":        s.CancellationFee,
	}
	for name, v := range nonNegative {
		if v.IsNegative() {
			return models.Validationf("%s must be >= 0", name)
		}
	}
	positive := map[string]decimal.Decimal{
		"night_multiplier":      s.NightMultiplier,
		"weekend_multiplier":    s.WeekendMultiplier,
		"round_trip_multiplier": s.RoundTripMultiplier,
		"surge_factor":          s.SurgeFactor,
	}
	for name, v := range positive {
		if !v.IsPositive() {
			return models.Validationf("%s must be > 0", name)
		}
	}
	if _, err := time.LoadLocation(s.TimeZone); err != nil {
		return models.Validationf("time_zone %q: %v", s.TimeZone, err)
	}
	return nil
}

func (s Settings) location() *time.Location {
	if s.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
