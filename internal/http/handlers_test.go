package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/marketplace"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/payments"
	"github.com/example/ride-bidding/internal/payments/paymenttest"
	"github.com/example/ride-bidding/internal/pricing"
	"github.com/example/ride-bidding/internal/storage"
)

type captured struct {
	pos []models.DriverPosition
}

func (c *captured) PublishLocation(ctx context.Context, d models.DriverPosition) error {
	c.pos = append(c.pos, d)
	return nil
}

type fixture struct {
	srv  *Server
	pay  *paymenttest.Fake
	geo  *geo.Index
	ws   *dispatch.WSRegistry
	locs *captured
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := pricing.NewRegistry(store)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load pricing: %v", err)
	}
	f := &fixture{pay: paymenttest.New(), geo: geo.NewIndex(), ws: dispatch.NewWSRegistry(), locs: &captured{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	market := marketplace.New(marketplace.Deps{
		Store:    store,
		Pricing:  reg,
		Payments: f.pay,
		Notifier: f.ws,
		Events:   &events.Memory{},
		Log:      logger,
		Currency: "usd",
	})
	f.srv = NewServer(market, f.geo, f.ws, f.locs, logger)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func rideBody(scheduled time.Time) string {
	b, _ := json.Marshal(map[string]any{
		"rider_id":       "rider-1",
		"pickup":         map[string]any{"address": "1 Main St", "coord": map[string]float64{"lat": 40.0, "lon": -73.0}},
		"dropoff":        map[string]any{"address": "9 Elm St"},
		"scheduled_time": scheduled,
		"vehicle_type":   "wheelchair",
	})
	return string(b)
}

func (f *fixture) createRide(t *testing.T) models.Ride {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/rides", rideBody(time.Now().Add(72*time.Hour)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create ride: %d %s", rec.Code, rec.Body.String())
	}
	return decodeBody[models.Ride](t, rec)
}

func TestCreateAndGetRide(t *testing.T) {
	f := newFixture(t)
	ride := f.createRide(t)
	if ride.Status != models.StatusRequested || ride.VehicleType != models.VehicleWheelchair {
		t.Fatalf("unexpected ride %+v", ride)
	}
	if rid := f.do(t, http.MethodGet, "/healthz", "").Code; rid != http.StatusOK {
		t.Fatalf("healthz: %d", rid)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/rides/"+ride.ID, "")
	if rec.Code != http.StatusOK || decodeBody[models.Ride](t, rec).ID != ride.ID {
		t.Fatalf("get ride: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/rides/nope", "")
	body := decodeBody[errorBody](t, rec)
	if rec.Code != http.StatusNotFound || body.Kind != "not_found" || body.Action != actionRefresh {
		t.Fatalf("unknown ride: %d %+v", rec.Code, body)
	}
}

func TestCreateRideValidation(t *testing.T) {
	f := newFixture(t)
	for name, payload := range map[string]string{
		"malformed":     `{"rider_id":`,
		"unknown field": `{"rider_id":"r","surprise":1}`,
		"no pickup":     `{"rider_id":"r","dropoff":{"address":"x"},"scheduled_time":"2030-01-01T00:00:00Z"}`,
	} {
		rec := f.do(t, http.MethodPost, "/api/v1/rides", payload)
		body := decodeBody[errorBody](t, rec)
		if rec.Code != http.StatusBadRequest || body.Kind != "validation_error" || body.Action != actionFixRequest {
			t.Fatalf("%s: %d %+v", name, rec.Code, body)
		}
	}
}

func TestListRidesFilters(t *testing.T) {
	f := newFixture(t)
	f.createRide(t)
	second := f.createRide(t)
	f.do(t, http.MethodPost, "/api/v1/rides/"+second.ID+"/bids", `{"driver_id":"d1","amount":"40"}`)

	rec := f.do(t, http.MethodGet, "/api/v1/rides?rider_id=rider-1&status=bidding", "")
	got := decodeBody[struct{ Rides []models.Ride }](t, rec)
	if rec.Code != http.StatusOK || len(got.Rides) != 1 || got.Rides[0].ID != second.ID {
		t.Fatalf("filtered list: %d %+v", rec.Code, got)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/rides?status=flying", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/rides?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestAcceptWithDeclinedPaymentReportsRide(t *testing.T) {
	f := newFixture(t)
	ride := f.createRide(t)

	rec := f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/bids", `{"driver_id":"d1","amount":"40.00","notes":"van available"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("bid: %d %s", rec.Code, rec.Body.String())
	}
	bid := decodeBody[models.Bid](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/bids/"+bid.ID+"/counter", `{"proposed_by":"rider","amount":"36"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("counter: %d %s", rec.Code, rec.Body.String())
	}
	counter := decodeBody[marketplace.CounterResult](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/bids/"+bid.ID+"/counter", `{"proposed_by":"rider","amount":"30"}`)
	if body := decodeBody[errorBody](t, rec); rec.Code != http.StatusConflict || body.Kind != "bid_terminal" {
		t.Fatalf("countering closed bid: %d %+v", rec.Code, body)
	}

	f.pay.Next(payments.ChargeResult{Status: models.PaymentFailed, Reason: "card_declined"})
	rec = f.do(t, http.MethodPost, "/api/v1/bids/"+counter.Bid.ID+"/accept", "")
	var got struct {
		Kind      string      `json:"kind"`
		Action    string      `json:"action"`
		Retryable bool        `json:"retryable"`
		Reason    string      `json:"reason"`
		Ride      models.Ride `json:"ride"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusPaymentRequired || got.Kind != "payment_declined" || got.Action != actionUpdatePayment || !got.Retryable || got.Reason != "card_declined" {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}
	if got.Ride.Status != models.StatusPaymentPending || got.Ride.DriverID != "d1" {
		t.Fatalf("ride not reported: %+v", got.Ride)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/payment", "")
	if rec.Code != http.StatusOK || decodeBody[models.Ride](t, rec).Status != models.StatusPaid {
		t.Fatalf("retry payment: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/bids/"+counter.Bid.ID+"/history", "")
	hist := decodeBody[struct{ Bids []models.Bid }](t, rec)
	if len(hist.Bids) != 2 || hist.Bids[0].ID != bid.ID {
		t.Fatalf("history: %+v", hist)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/cancel", `{"initiator":"rider"}`)
	out := decodeBody[marketplace.CancelOutcome](t, rec)
	if rec.Code != http.StatusOK || out.Ride.Status != models.StatusCancelled || out.FeeApplied {
		t.Fatalf("cancel: %d %+v", rec.Code, out)
	}
	if len(f.pay.Released) != 1 {
		t.Fatalf("hold not released")
	}
}

func TestEditAndAdvanceRoutes(t *testing.T) {
	f := newFixture(t)
	ride := f.createRide(t)
	bid := decodeBody[models.Bid](t, f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/bids", `{"driver_id":"d1","amount":"40"}`))
	if rec := f.do(t, http.MethodPost, "/api/v1/bids/"+bid.ID+"/accept", ""); rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}

	rec := f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/edits", `{"proposed_data":{"instructions":"ring twice"},"notes":"please"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("propose: %d %s", rec.Code, rec.Body.String())
	}
	edit := decodeBody[models.RideEdit](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/status", `{"status":"en_route","driver_id":"d1"}`)
	if body := decodeBody[errorBody](t, rec); rec.Code != http.StatusConflict || body.Kind != "invalid_transition" {
		t.Fatalf("advance during edit: %d %+v", rec.Code, body)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/edits/"+edit.ID+"/respond", `{"accept":true}`)
	resp := decodeBody[struct {
		Edit models.RideEdit
		Ride models.Ride
	}](t, rec)
	if rec.Code != http.StatusOK || resp.Ride.Status != models.StatusPaid || resp.Ride.Instructions != "ring twice" {
		t.Fatalf("respond: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/status", `{"status":"en_route","driver_id":"d1"}`)
	if rec.Code != http.StatusOK || decodeBody[models.Ride](t, rec).Status != models.StatusEnRoute {
		t.Fatalf("advance: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/status", `{"status":"teleported","driver_id":"d1"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/status", `{"status":"arrived"}`)
	if body := decodeBody[errorBody](t, rec); rec.Code != http.StatusBadRequest || body.Kind != "validation_error" {
		t.Fatalf("advance without driver: %d %+v", rec.Code, body)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/status", `{"status":"arrived","driver_id":"d2"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("advance by other driver: %d %s", rec.Code, rec.Body.String())
	}
	if got, _ := f.srv.Market.GetRide(context.Background(), ride.ID); got.Status != models.StatusEnRoute {
		t.Fatalf("ride moved without its driver: %s", got.Status)
	}

	list := decodeBody[struct{ Edits []models.RideEdit }](t, f.do(t, http.MethodGet, "/api/v1/rides/"+ride.ID+"/edits", ""))
	if len(list.Edits) != 1 || list.Edits[0].Status != models.EditAccepted {
		t.Fatalf("edits: %+v", list)
	}
}

func TestPricingAdmin(t *testing.T) {
	f := newFixture(t)
	settings := decodeBody[pricing.Settings](t, f.do(t, http.MethodGet, "/api/v1/admin/pricing", ""))
	settings.SurgeFactor = settings.SurgeFactor.Add(settings.SurgeFactor)
	settings.UpdatedAt = time.Time{}
	b, _ := json.Marshal(settings)

	rec := f.do(t, http.MethodPut, "/api/v1/admin/pricing", string(b))
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[pricing.Settings](t, rec); !got.SurgeFactor.Equal(settings.SurgeFactor) {
		t.Fatalf("surge not saved: %s", got.SurgeFactor)
	}

	settings.TimeZone = "Mars/Olympus"
	b, _ = json.Marshal(settings)
	if rec := f.do(t, http.MethodPut, "/api/v1/admin/pricing", string(b)); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad time zone: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDriverLocationIngest(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/internal/driver/locations", `{"id":"d1","loc":{"lat":40.001,"lon":-73.001},"rating":4.8}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("ingest: %d %s", rec.Code, rec.Body.String())
	}
	if len(f.locs.pos) != 1 || !f.locs.pos[0].Online {
		t.Fatalf("location not mirrored: %+v", f.locs.pos)
	}
	near, _ := f.geo.Nearby(context.Background(), models.Coord{Lat: 40, Lon: -73}, 5)
	if len(near) != 1 || near[0].ID != "d1" {
		t.Fatalf("driver not indexed: %+v", near)
	}
	if rec := f.do(t, http.MethodPost, "/internal/driver/locations", `{"loc":{"lat":1,"lon":1}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id: %d", rec.Code)
	}
}

func TestWebsocketReceivesBidNotification(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rider-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for !f.ws.Connected("rider-1") {
		if time.Now().After(deadline) {
			t.Fatalf("session never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ride := f.createRide(t)
	resp, err := http.Post(ts.URL+"/api/v1/rides/"+ride.ID+"/bids", "application/json", bytes.NewBufferString(`{"driver_id":"d1","amount":"42"}`))
	if err != nil {
		t.Fatalf("post bid: %v", err)
	}
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Event   string     `json:"event"`
		Payload models.Bid `json:"payload"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Event != events.BidPlaced || frame.Payload.DriverID != "d1" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}
