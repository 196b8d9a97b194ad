package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/marketplace"
	"github.com/example/ride-bidding/internal/models"
)

// LocationPublisher mirrors driver positions to a stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.DriverPosition) error
}

type Server struct {
	Market    *marketplace.Coordinator
	Geo       geo.Geo
	Locations LocationPublisher
	WSReg     *dispatch.WSRegistry
	logger    *slog.Logger
	mux       *mux.Router
}

// NewServer builds the router. locations may be nil.
func NewServer(market *marketplace.Coordinator, g geo.Geo, ws *dispatch.WSRegistry, locations LocationPublisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Market:    market,
		Geo:       g,
		Locations: locations,
		WSReg:     ws,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/price", s.handlePrice).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/bids", s.handleRideBids).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/bids", s.handlePlaceBid).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/payment", s.handleRetryPayment).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/edits", s.handleListEdits).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/edits", s.handleProposeEdit).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/status", s.handleAdvance).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/bids/{id}/counter", s.handleCounter).Methods(http.MethodPost)
	api.HandleFunc("/bids/{id}/select", s.handleSelect).Methods(http.MethodPost)
	api.HandleFunc("/bids/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/bids/{id}/history", s.handleBidHistory).Methods(http.MethodGet)
	api.HandleFunc("/edits/{id}/respond", s.handleRespondEdit).Methods(http.MethodPost)
	api.HandleFunc("/admin/pricing", s.handleGetPricing).Methods(http.MethodGet)
	api.HandleFunc("/admin/pricing", s.handleUpdatePricing).Methods(http.MethodPut)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
