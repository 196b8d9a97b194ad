package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/example/ride-bidding/internal/edits"
	"github.com/example/ride-bidding/internal/marketplace"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/pricing"
	"github.com/example/ride-bidding/internal/storage"
)

type createRideRequest struct {
	RiderID       string               `json:"rider_id"`
	Pickup        models.Location      `json:"pickup"`
	Dropoff       models.Location      `json:"dropoff"`
	ScheduledTime time.Time            `json:"scheduled_time"`
	Instructions  string               `json:"instructions"`
	IsRoundTrip   bool                 `json:"is_round_trip"`
	VehicleType   models.VehicleType   `json:"vehicle_type"`
	Accessibility models.Accessibility `json:"accessibility"`
	RiderBid      decimal.NullDecimal  `json:"rider_bid"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Market.RequestRide(r.Context(), marketplace.RideRequest{
		RiderID: req.RiderID,
		Itinerary: models.Itinerary{
			Pickup:        req.Pickup,
			Dropoff:       req.Dropoff,
			ScheduledTime: req.ScheduledTime,
			Instructions:  req.Instructions,
		},
		IsRoundTrip:   req.IsRoundTrip,
		VehicleType:   req.VehicleType,
		Accessibility: req.Accessibility,
		RiderBid:      req.RiderBid,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RideFilter{RiderID: q.Get("rider_id"), DriverID: q.Get("driver_id")}
	for _, v := range q["status"] {
		for _, part := range strings.Split(v, ",") {
			st, ok := models.ParseRideStatus(strings.TrimSpace(part))
			if !ok {
				s.writeError(w, r, models.Validationf("unknown status %q", part))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.writeError(w, r, models.Validationf("limit must be a positive integer"))
			return
		}
		f.Limit = n
	}
	rides, err := s.Market.ListRides(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rides == nil {
		rides = []models.Ride{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Market.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	q, err := s.Market.DisplayPrice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleRideBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.Market.RideBidHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": nonNil(bids)})
}

type placeBidRequest struct {
	DriverID string          `json:"driver_id"`
	Amount   decimal.Decimal `json:"amount"`
	Notes    string          `json:"notes"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	bid, err := s.Market.SubmitBid(r.Context(), mux.Vars(r)["id"], req.DriverID, req.Amount, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

type counterRequest struct {
	ProposedBy models.Party    `json:"proposed_by"`
	Amount     decimal.Decimal `json:"amount"`
	Notes      string          `json:"notes"`
}

func (s *Server) handleCounter(w http.ResponseWriter, r *http.Request) {
	var req counterRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Market.SubmitCounter(r.Context(), mux.Vars(r)["id"], req.ProposedBy, req.Amount, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	bid, err := s.Market.SelectBid(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// handleAccept reports the locked ride even when payment fails afterwards,
// so the client can offer a retry.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	res, err := s.Market.AcceptBid(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if res.Ride.ID != "" {
			s.writeErrorWith(w, r, err, map[string]any{"ride": res.Ride, "bid": res.Bid})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBidHistory(w http.ResponseWriter, r *http.Request) {
	chain, err := s.Market.BidHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": nonNil(chain)})
}

func (s *Server) handleRetryPayment(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Market.RetryPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type proposeEditRequest struct {
	ProposedBy   models.Party          `json:"proposed_by"`
	ProposedData models.ItineraryPatch `json:"proposed_data"`
	Notes        string                `json:"notes"`
}

func (s *Server) handleProposeEdit(w http.ResponseWriter, r *http.Request) {
	var req proposeEditRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	edit, err := s.Market.ProposeEdit(r.Context(), edits.Proposal{
		RideID:     mux.Vars(r)["id"],
		ProposedBy: req.ProposedBy,
		Patch:      req.ProposedData,
		Notes:      req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, edit)
}

func (s *Server) handleListEdits(w http.ResponseWriter, r *http.Request) {
	list, err := s.Market.ListEdits(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.RideEdit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"edits": list})
}

type respondEditRequest struct {
	Accept bool   `json:"accept"`
	Notes  string `json:"notes"`
}

func (s *Server) handleRespondEdit(w http.ResponseWriter, r *http.Request) {
	var req respondEditRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	edit, ride, err := s.Market.RespondToEdit(r.Context(), mux.Vars(r)["id"], req.Accept, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edit": edit, "ride": ride})
}

type advanceRequest struct {
	Status   models.RideStatus `json:"status"`
	DriverID string            `json:"driver_id"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, ok := models.ParseRideStatus(string(req.Status)); !ok {
		s.writeError(w, r, models.Validationf("unknown status %q", req.Status))
		return
	}
	// milestones are driver actions
	if req.DriverID == "" {
		s.writeError(w, r, models.Validationf("driver_id is required"))
		return
	}
	ride, err := s.Market.AdvanceRideStatus(r.Context(), mux.Vars(r)["id"], req.DriverID, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelRequest struct {
	Initiator models.Party `json:"initiator"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Market.CancelRide(r.Context(), mux.Vars(r)["id"], req.Initiator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Market.GetPricingSettings())
}

func (s *Server) handleUpdatePricing(w http.ResponseWriter, r *http.Request) {
	var settings pricing.Settings
	if err := decode(r, &settings); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.Market.UpdatePricingSettings(r.Context(), settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.DriverPosition
	if err := decode(r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if d.ID == "" {
		s.writeError(w, r, models.Validationf("id is required"))
		return
	}
	d.Online = true
	// publish to kafka if configured
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("publish driver location failed", "driver_id", d.ID, "error", err)
		}
	}
	if err := s.Geo.Upsert(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if c, ok := s.Geo.(interface{ OnlineCount() int }); ok {
		observability.DriversOnline.Set(float64(c.OnlineCount()))
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleWS registers the socket for notifications and holds it until the
// client goes away. Inbound frames are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "user_id", id, "error", err)
		return
	}
	sess := s.WSReg.Add(id, conn)
	go func() {
		defer func() {
			s.WSReg.Remove(id, sess)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func nonNil(bids []models.Bid) []models.Bid {
	if bids == nil {
		return []models.Bid{}
	}
	return bids
}
