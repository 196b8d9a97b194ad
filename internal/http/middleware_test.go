package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
)

func TestMiddlewareTagsMarketActions(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	f.srv.logger = slog.New(slog.NewJSONHandler(&buf, nil))
	ride := f.createRide(t)

	placed := observability.MarketActions.WithLabelValues("place_bid", "201")
	before := testutil.ToFloat64(placed)
	buf.Reset()
	rec := f.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/bids", `{"driver_id":"d1","amount":"40"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("bid: %d %s", rec.Code, rec.Body.String())
	}
	if got := testutil.ToFloat64(placed); got != before+1 {
		t.Fatalf("expected place_bid counted, got %v -> %v", before, got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log %q: %v", buf.String(), err)
	}
	if line["action"] != "place_bid" || line["ride_id"] != ride.ID || line["route"] != "/api/v1/rides/{id}/bids" {
		t.Fatalf("unexpected log line %v", line)
	}

	// reads are not market actions
	buf.Reset()
	f.do(t, http.MethodGet, "/api/v1/rides/"+ride.ID, "")
	if strings.Contains(buf.String(), `"action"`) {
		t.Fatalf("read tagged as action: %s", buf.String())
	}
	bid := decodeBody[struct{ Bids []models.Bid }](t, f.do(t, http.MethodGet, "/api/v1/rides/"+ride.ID+"/bids", "")).Bids[0]
	buf.Reset()
	f.do(t, http.MethodPost, "/api/v1/bids/"+bid.ID+"/select", "")
	if !strings.Contains(buf.String(), `"bid_id":"`+bid.ID+`"`) {
		t.Fatalf("bid id not logged: %s", buf.String())
	}
}

func TestSubjectKey(t *testing.T) {
	cases := map[string]string{
		"/api/v1/rides/{id}/cancel":  "ride_id",
		"/api/v1/bids/{id}/accept":   "bid_id",
		"/api/v1/edits/{id}/respond": "edit_id",
		"/api/v1/rides":              "",
		"/internal/driver/locations": "",
	}
	for route, want := range cases {
		if got := subjectKey(route); got != want {
			t.Fatalf("%s: expected %q, got %q", route, want, got)
		}
	}
}
