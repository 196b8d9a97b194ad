package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-bidding/internal/models"
)

// Action hints tell clients how to react to an error.
const (
	actionRefresh       = "refresh"
	actionRetry         = "retry"
	actionUpdatePayment = "update_payment"
	actionFixRequest    = "fix_request"
)

type errorKind struct {
	target error
	status int
	kind   string
	action string
}

// Order matters: the first matching kind wins.
var errorKinds = []errorKind{
	{models.ErrValidation, http.StatusBadRequest, "validation_error", actionFixRequest},
	{models.ErrNotFound, http.StatusNotFound, "not_found", actionRefresh},
	{models.ErrAlreadyAssigned, http.StatusConflict, "already_assigned", actionRefresh},
	{models.ErrInvalidTransition, http.StatusConflict, "invalid_transition", actionRefresh},
	{models.ErrBidTerminal, http.StatusConflict, "bid_terminal", actionRefresh},
	{models.ErrNegotiationDepthExceeded, http.StatusConflict, "negotiation_depth_exceeded", actionRefresh},
	{models.ErrDuplicateBid, http.StatusConflict, "duplicate_bid", actionRefresh},
	{models.ErrEditAlreadyPending, http.StatusConflict, "edit_already_pending", actionRefresh},
	{models.ErrEditNotPending, http.StatusConflict, "edit_not_pending", actionRefresh},
	{models.ErrConflict, http.StatusConflict, "conflict", actionRetry},
	{models.ErrPaymentMethodRequired, http.StatusPaymentRequired, "payment_method_required", actionUpdatePayment},
	{models.ErrPaymentDeclined, http.StatusPaymentRequired, "payment_declined", actionUpdatePayment},
	{models.ErrPaymentVerificationRequired, http.StatusPaymentRequired, "payment_verification_required", actionUpdatePayment},
	{models.ErrPaymentAttemptsExhausted, http.StatusPaymentRequired, "payment_attempts_exhausted", actionRefresh},
	{models.ErrPaymentUnavailable, http.StatusServiceUnavailable, "payment_unavailable", actionRetry},
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Action    string `json:"action,omitempty"`
	Retryable bool   `json:"retryable"`
	Reason    string `json:"reason,omitempty"`
}

func classify(err error) (int, errorBody) {
	body := errorBody{Error: err.Error(), Kind: "internal", Retryable: models.Retryable(err)}
	var perr *models.PaymentError
	if errors.As(err, &perr) {
		body.Reason = perr.Reason
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			body.Kind, body.Action = k.kind, k.action
			return k.status, body
		}
	}
	body.Error = "internal error"
	return http.StatusInternalServerError, body
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorWith(w, r, err, nil)
}

// writeErrorWith adds the fields of extra next to the error, so a partially
// successful operation can still report its result.
func (s *Server) writeErrorWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	if extra == nil {
		writeJSON(w, status, body)
		return
	}
	out := map[string]any{
		"error":     body.Error,
		"kind":      body.Kind,
		"action":    body.Action,
		"retryable": body.Retryable,
	}
	if body.Reason != "" {
		out["reason"] = body.Reason
	}
	for k, v := range extra {
		out[k] = v
	}
	writeJSON(w, status, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return models.Validationf("invalid request body: %v", err)
	}
	return nil
}
