package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a pickup or dropoff point. The coordinate is optional because
// riders can book by address alone.
type Location struct {
	Address string `json:"address"`
	Coord   *Coord `json:"coord,omitempty"`
}

func (l Location) clone() Location {
	if l.Coord != nil {
		c := *l.Coord
		l.Coord = &c
	}
	return l
}

type VehicleType string

const (
	VehicleStandard   VehicleType = "standard"
	VehicleWheelchair VehicleType = "wheelchair"
	VehicleStretcher  VehicleType = "stretcher"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleStandard, VehicleWheelchair, VehicleStretcher:
		return true
	}
	return false
}

type Accessibility struct {
	NeedsRamp       bool `json:"needs_ramp"`
	NeedsWaitTime   bool `json:"needs_wait_time"`
	HasCompanion    bool `json:"has_companion"`
	NeedsStairChair bool `json:"needs_stair_chair"`
	WaitTimeMinutes int  `json:"wait_time_minutes"`
}

// Itinerary holds the fields an edit request is allowed to rewrite.
type Itinerary struct {
	Pickup        Location  `json:"pickup"`
	Dropoff       Location  `json:"dropoff"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Instructions  string    `json:"instructions,omitempty"`
}

type Ride struct {
	ID       string `json:"id"`
	RiderID  string `json:"rider_id"`
	DriverID string `json:"driver_id,omitempty"`

	Itinerary
	IsRoundTrip   bool          `json:"is_round_trip"`
	VehicleType   VehicleType   `json:"vehicle_type"`
	Accessibility Accessibility `json:"accessibility"`

	RiderBid   decimal.NullDecimal `json:"rider_bid"`
	FinalPrice decimal.NullDecimal `json:"final_price"`

	Status        RideStatus `json:"status"`
	PreEditStatus RideStatus `json:"pre_edit_status,omitempty"`

	PaymentRef      string              `json:"payment_ref,omitempty"`
	CancelledBy     Party               `json:"cancelled_by,omitempty"`
	CancellationFee decimal.NullDecimal `json:"cancellation_fee"`
	ReliabilityFlag bool                `json:"reliability_flag"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so stores can hand out snapshots.
func (r Ride) Clone() Ride {
	r.Pickup = r.Pickup.clone()
	r.Dropoff = r.Dropoff.clone()
	return r
}

type Party string

const (
	PartyRider  Party = "rider"
	PartyDriver Party = "driver"
)

func (p Party) Valid() bool { return p == PartyRider || p == PartyDriver }

type BidStatus string

const (
	BidActive     BidStatus = "active"
	BidSelected   BidStatus = "selected"
	BidAccepted   BidStatus = "accepted"
	BidRejected   BidStatus = "rejected"
	BidCountered  BidStatus = "countered"
	BidMaxReached BidStatus = "maxReached"
)

// Live bids can still be accepted, countered or selected.
func (s BidStatus) Live() bool { return s == BidActive || s == BidSelected }

type Bid struct {
	ID           string          `json:"id"`
	RideID       string          `json:"ride_id"`
	DriverID     string          `json:"driver_id"`
	Amount       decimal.Decimal `json:"amount"`
	Notes        string          `json:"notes,omitempty"`
	Status       BidStatus       `json:"status"`
	ParentBidID  string          `json:"parent_bid_id,omitempty"`
	CounterParty Party           `json:"counter_party"`
	Round        int             `json:"round"`
	CreatedAt    time.Time       `json:"created_at"`
}

type EditStatus string

const (
	EditPending  EditStatus = "pending"
	EditAccepted EditStatus = "accepted"
	EditRejected EditStatus = "rejected"
)

// ItineraryPatch is a partial itinerary; nil fields are left untouched.
type ItineraryPatch struct {
	Pickup        *Location  `json:"pickup,omitempty"`
	Dropoff       *Location  `json:"dropoff,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	Instructions  *string    `json:"instructions,omitempty"`
}

func (p ItineraryPatch) Empty() bool {
	return p.Pickup == nil && p.Dropoff == nil && p.ScheduledTime == nil && p.Instructions == nil
}

// Apply merges the patch onto it and returns the result.
func (p ItineraryPatch) Apply(it Itinerary) Itinerary {
	if p.Pickup != nil {
		it.Pickup = p.Pickup.clone()
	}
	if p.Dropoff != nil {
		it.Dropoff = p.Dropoff.clone()
	}
	if p.ScheduledTime != nil {
		it.ScheduledTime = *p.ScheduledTime
	}
	if p.Instructions != nil {
		it.Instructions = *p.Instructions
	}
	return it
}

type RideEdit struct {
	ID            string         `json:"id"`
	RideID        string         `json:"ride_id"`
	ProposedBy    Party          `json:"proposed_by"`
	ProposedData  ItineraryPatch `json:"proposed_data"`
	RequestNotes  string         `json:"request_notes,omitempty"`
	ResponseNotes string         `json:"response_notes,omitempty"`
	Status        EditStatus     `json:"status"`
	PriorStatus   RideStatus     `json:"prior_status"`
	CreatedAt     time.Time      `json:"created_at"`
	RespondedAt   *time.Time     `json:"responded_at,omitempty"`
}

type PaymentStatus string

const (
	PaymentPending        PaymentStatus = "pending"
	PaymentSucceeded      PaymentStatus = "succeeded"
	PaymentFailed         PaymentStatus = "failed"
	PaymentRequiresAction PaymentStatus = "requires_action"
)

// PaymentAttempt tracks charges for one ride at one price so retries never
// double-charge.
type PaymentAttempt struct {
	Key         string          `json:"key"`
	RideID      string          `json:"ride_id"`
	RiderID     string          `json:"rider_id"`
	Amount      decimal.Decimal `json:"amount"`
	Attempts    int             `json:"attempts"`
	Status      PaymentStatus   `json:"status"`
	ProviderRef string          `json:"provider_ref,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PaymentKey derives the idempotency key for charging a ride at a price.
func PaymentKey(rideID string, amount decimal.Decimal) string {
	return rideID + ":" + amount.StringFixed(2)
}

// DriverPosition is a driver location report used to invite nearby bidders.
type DriverPosition struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Rating  float64   `json:"rating"` // 0..5
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}
