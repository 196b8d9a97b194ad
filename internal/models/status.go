package models

type RideStatus string

const (
	StatusRequested      RideStatus = "requested"
	StatusBidding        RideStatus = "bidding"
	StatusScheduled      RideStatus = "scheduled"
	StatusPaymentPending RideStatus = "payment_pending"
	StatusPaid           RideStatus = "paid"
	StatusEnRoute        RideStatus = "en_route"
	StatusArrived        RideStatus = "arrived"
	StatusInProgress     RideStatus = "in_progress"
	StatusCompleted      RideStatus = "completed"
	StatusCancelled      RideStatus = "cancelled"
	StatusEditPending    RideStatus = "edit_pending"
)

var allStatuses = []RideStatus{
	StatusRequested, StatusBidding, StatusScheduled, StatusPaymentPending, StatusPaid,
	StatusEnRoute, StatusArrived, StatusInProgress, StatusCompleted, StatusCancelled,
	StatusEditPending,
}

func ParseRideStatus(s string) (RideStatus, bool) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Assigned reports whether a driver has been committed to the ride. These are
// the statuses an edit may be proposed from.
func (s RideStatus) Assigned() bool {
	switch s {
	case StatusScheduled, StatusPaymentPending, StatusPaid, StatusEnRoute, StatusArrived, StatusInProgress:
		return true
	}
	return false
}

// Priced reports whether FinalPrice must be set in this status. edit_pending
// keeps the locked price while the itinerary change is negotiated.
func (s RideStatus) Priced() bool {
	return s.Assigned() || s == StatusCompleted || s == StatusEditPending
}

// Cancellable statuses may move to cancelled.
func (s RideStatus) Cancellable() bool {
	switch s {
	case StatusRequested, StatusBidding, StatusScheduled, StatusPaymentPending, StatusPaid:
		return true
	}
	return false
}
