package pricing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-bidding/internal/models"
)

func miles(v float64) *float64 { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nullDec(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: dec(s), Valid: true}
}

func TestComputePrice(t *testing.T) {
	// Tuesday noon: no night or weekend multiplier.
	weekday := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	night := time.Date(2026, 2, 10, 23, 30, 0, 0, time.UTC)
	earlyMorning := time.Date(2026, 2, 10, 5, 59, 0, 0, time.UTC)
	morning := time.Date(2026, 2, 10, 6, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

	s := DefaultSettings()
	surged := DefaultSettings()
	surged.SurgeFactor = dec("1.5")

	tests := []struct {
		name       string
		in         Input
		settings   Settings
		want       string
		wantSource Source
	}{
		{
			name:       "locked final price wins",
			in:         Input{FinalPrice: nullDec("38"), HighestLiveBid: nullDec("40"), RiderBid: nullDec("30"), DistanceMiles: miles(10)},
			settings:   s,
			want:       "38",
			wantSource: SourceFinal,
		},
		{
			name:       "zero final price is a real price",
			in:         Input{FinalPrice: nullDec("0"), DistanceMiles: miles(10)},
			settings:   s,
			want:       "0",
			wantSource: SourceFinal,
		},
		{
			name:       "highest live bid before rider bid",
			in:         Input{HighestLiveBid: nullDec("40"), RiderBid: nullDec("30"), DistanceMiles: miles(10)},
			settings:   s,
			want:       "40",
			wantSource: SourceBid,
		},
		{
			name:       "rider bid outranks distance estimate",
			in:         Input{RiderBid: nullDec("30"), DistanceMiles: miles(10), ScheduledTime: weekday},
			settings:   s,
			want:       "30",
			wantSource: SourceRiderBid,
		},
		{
			name:       "non-positive rider bid falls through",
			in:         Input{RiderBid: nullDec("0"), DistanceMiles: miles(10), ScheduledTime: weekday},
			settings:   s,
			want:       "25",
			wantSource: SourceEstimate,
		},
		{
			name:       "wheelchair 10mi at 2.50",
			in:         Input{DistanceMiles: miles(10), VehicleType: models.VehicleWheelchair, ScheduledTime: weekday},
			settings:   s,
			want:       "40", // 2.5*10 + 15
			wantSource: SourceEstimate,
		},
		{
			name:       "stretcher 4mi",
			in:         Input{DistanceMiles: miles(4), VehicleType: models.VehicleStretcher, ScheduledTime: weekday},
			settings:   s,
			want:       "50", // 2.5*4 + 40
			wantSource: SourceEstimate,
		},
		{
			name:       "round trip multiplies everything",
			in:         Input{DistanceMiles: miles(10), VehicleType: models.VehicleWheelchair, IsRoundTrip: true, ScheduledTime: weekday},
			settings:   s,
			want:       "80",
			wantSource: SourceEstimate,
		},
		{
			name:       "night multiplier on distance part",
			in:         Input{DistanceMiles: miles(10), VehicleType: models.VehicleWheelchair, ScheduledTime: night},
			settings:   s,
			want:       "46.25", // 25*1.25 + 15
			wantSource: SourceEstimate,
		},
		{
			name:       "05:59 is still night",
			in:         Input{DistanceMiles: miles(10), ScheduledTime: earlyMorning},
			settings:   s,
			want:       "31.25",
			wantSource: SourceEstimate,
		},
		{
			name:       "06:00 is day",
			in:         Input{DistanceMiles: miles(10), ScheduledTime: morning},
			settings:   s,
			want:       "25",
			wantSource: SourceEstimate,
		},
		{
			name:       "weekend multiplier",
			in:         Input{DistanceMiles: miles(10), ScheduledTime: saturday},
			settings:   s,
			want:       "27.5",
			wantSource: SourceEstimate,
		},
		{
			name:       "surge applies before round trip",
			in:         Input{DistanceMiles: miles(10), IsRoundTrip: true, ScheduledTime: weekday},
			settings:   surged,
			want:       "75", // 25*1.5*2
			wantSource: SourceEstimate,
		},
		{
			name:       "waiting time adds per-minute charge",
			in:         Input{DistanceMiles: miles(10), WaitTimeMinutes: 30, ScheduledTime: weekday},
			settings:   s,
			want:       "40", // 25 + 0.5*30
			wantSource: SourceEstimate,
		},
		{
			name:       "rounds half up to cents",
			in:         Input{DistanceMiles: miles(1.003), ScheduledTime: weekday},
			settings:   s,
			want:       "2.51", // 2.5075
			wantSource: SourceEstimate,
		},
		{
			name:       "no data is undetermined",
			in:         Input{VehicleType: models.VehicleStandard},
			settings:   s,
			want:       "0",
			wantSource: SourceUndetermined,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputePrice(tt.in, tt.settings)
			if got.Source != tt.wantSource {
				t.Fatalf("source = %s, want %s", got.Source, tt.wantSource)
			}
			if !got.Amount.Equal(dec(tt.want)) {
				t.Fatalf("amount = %s, want %s", got.Amount, tt.want)
			}
		})
	}
}

func TestComputePriceIdempotent(t *testing.T) {
	in := Input{DistanceMiles: miles(7.3), VehicleType: models.VehicleStretcher, IsRoundTrip: true,
		ScheduledTime: time.Date(2026, 2, 14, 23, 0, 0, 0, time.UTC)}
	s := DefaultSettings()
	first := ComputePrice(in, s)
	second := ComputePrice(in, s)
	if !first.Amount.Equal(second.Amount) || first.Source != second.Source {
		t.Fatalf("expected identical quotes, got %v and %v", first, second)
	}
}

func TestUndeterminedDistinctFromFree(t *testing.T) {
	s := DefaultSettings()
	free := ComputePrice(Input{FinalPrice: nullDec("0")}, s)
	none := ComputePrice(Input{}, s)
	if !free.Determined() {
		t.Fatalf("free ride should be determined")
	}
	if none.Determined() {
		t.Fatalf("empty input should be undetermined")
	}
}

func TestNightWindowUsesMarketTimeZone(t *testing.T) {
	s := DefaultSettings()
	s.TimeZone = "America/New_York"
	// 03:00 UTC on a Tuesday is 22:00 the previous evening in New York (EST).
	at := time.Date(2026, 2, 10, 3, 0, 0, 0, time.UTC)
	got := ComputePrice(Input{DistanceMiles: miles(10), ScheduledTime: at}, s)
	if !got.Amount.Equal(dec("31.25")) {
		t.Fatalf("amount = %s, want 31.25", got.Amount)
	}
}

func TestComputeCancellationFee(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := DefaultSettings()

	cases := []struct {
		name  string
		until time.Duration
		want  string
	}{
		{"2h out", 2 * time.Hour, "25"},
		{"23h59m out", 23*time.Hour + 59*time.Minute, "25"},
		{"exactly 24h out", 24 * time.Hour, "0"},
		{"24h01m out", 24*time.Hour + time.Minute, "0"},
		{"48h out", 48 * time.Hour, "0"},
		{"already past", -time.Hour, "25"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := models.Ride{Itinerary: models.Itinerary{ScheduledTime: now.Add(tc.until)}}
			got := ComputeCancellationFee(r, now, s)
			if !got.Equal(dec(tc.want)) {
				t.Fatalf("fee = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	s.SurgeFactor = decimal.Zero
	if err := s.Validate(); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	s = DefaultSettings()
	s.TimeZone = "Mars/Olympus"
	if err := s.Validate(); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for zone, got %v", err)
	}
}

type fakeSettingsStore struct {
	saved  *Settings
	loadFn func() (Settings, error)
}

func (f *fakeSettingsStore) LoadPricingSettings(ctx context.Context) (Settings, error) {
	if f.loadFn != nil {
		return f.loadFn()
	}
	if f.saved == nil {
		return Settings{}, models.ErrNotFound
	}
	return *f.saved, nil
}

func (f *fakeSettingsStore) SavePricingSettings(ctx context.Context, s Settings) error {
	f.saved = &s
	return nil
}

func TestRegistrySeedsDefaultsAndUpdates(t *testing.T) {
	ctx := context.Background()
	st := &fakeSettingsStore{}
	reg := NewRegistry(st)
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.saved == nil {
		t.Fatalf("expected defaults to be persisted")
	}
	next := reg.Current()
	next.SurgeFactor = dec("2")
	if _, err := reg.Update(ctx, next); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !reg.Current().SurgeFactor.Equal(dec("2")) {
		t.Fatalf("current settings not swapped")
	}

	bad := reg.Current()
	bad.BasePricePerMile = dec("-1")
	if _, err := reg.Update(ctx, bad); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !reg.Current().BasePricePerMile.Equal(dec("2.5")) {
		t.Fatalf("invalid update must not replace settings")
	}
}

func TestRegistryRejectsInvalidStoredSettings(t *testing.T) {
	ctx := context.Background()
	stored := DefaultSettings()
	stored.SurgeFactor = decimal.Zero
	st := &fakeSettingsStore{saved: &stored}

	reg := NewRegistry(st, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reg.Current().SurgeFactor.Equal(DefaultSettings().SurgeFactor) {
		t.Fatalf("invalid stored settings installed: surge %s", reg.Current().SurgeFactor)
	}
	if !st.saved.SurgeFactor.IsZero() {
		t.Fatalf("stored row should be left for the operator")
	}
	q := ComputePrice(Input{DistanceMiles: miles(10), ScheduledTime: time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)}, reg.Current())
	if !q.Amount.IsPositive() {
		t.Fatalf("estimate zeroed: %s", q.Amount)
	}
}
