// Package httpapi exposes the dispatcher over REST next to the realtime socket endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

// LocationPublisher hands telemetry to the stream consumed by the presence updater.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

// ReadyCheck is probed by /ready.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Options struct {
	Dispatcher *dispatch.Dispatcher
	Notes      *notify.Service
	// Locations is optional; without it telemetry is applied in process.
	Locations LocationPublisher
	Verifier  auth.Verifier
	Socket    http.Handler
	Ready     []ReadyCheck
	Logger    *slog.Logger
}

type Server struct {
	dispatcher *dispatch.Dispatcher
	notes      *notify.Service
	locations  LocationPublisher
	verifier   auth.Verifier
	socket     http.Handler
	ready      []ReadyCheck
	logger     *slog.Logger
	mux        *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		dispatcher: opts.Dispatcher,
		notes:      opts.Notes,
		locations:  opts.Locations,
		verifier:   opts.Verifier,
		socket:     opts.Socket,
		ready:      opts.Ready,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.socket != nil {
		s.mux.Handle("/ws", s.socket)
	}
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/active", s.handleActiveRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/response", s.handleRideResponse).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/status", s.handleRideStatus).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/payment", s.handlePayment).Methods(http.MethodPost)
	api.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/unread-count", s.handleUnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", s.handleMarkAllRead).Methods(http.MethodPatch)
	api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods(http.MethodPatch)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range s.ready {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", c.Name, "error", err)
			http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	if s.locations != nil {
		if err := ingest.ValidateLocation(u); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.locations.PublishLocation(r.Context(), u); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	applied, err := s.dispatcher.UpdateLocation(r.Context(), u)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	var req dispatch.RideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch ident.Role {
	case models.RolePassenger:
		req.PassengerID = ident.ID
	case models.RoleAdmin:
	default:
		writeError(w, http.StatusForbidden, "only passengers request rides")
		return
	}
	ride, err := s.dispatcher.RequestRide(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	active, err := s.dispatcher.ReconnectToActiveRide(r.Context(), identityFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleRideResponse(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if ident.Role != models.RoleDriver {
		writeError(w, http.StatusForbidden, "only drivers respond to rides")
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.dispatcher.RespondToRide(r.Context(), ident.ID, mux.Vars(r)["id"], body.Status); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.RideStatus `json:"status"`
		Fare   *float64          `json:"fare"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	var fareOverride *int64
	if body.Fare != nil {
		f := int64(math.Round(*body.Fare))
		fareOverride = &f
	}
	id := mux.Vars(r)["id"]
	if err := s.dispatcher.UpdateRideStatus(r.Context(), identityFromContext(r.Context()), id, body.Status, fareOverride); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req dispatch.PaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RideID = mux.Vars(r)["id"]
	if err := s.dispatcher.CompletePayment(r.Context(), identityFromContext(r.Context()), req); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.notes.List(r.Context(), identityFromContext(r.Context()).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispatch.NotificationList{Notifications: list})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.UnreadCount(r.Context(), identityFromContext(r.Context()).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispatch.NotificationsCount{Count: n})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.MarkRead(r.Context(), identityFromContext(r.Context()).ID, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.MarkAllRead(r.Context(), identityFromContext(r.Context()).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// fail maps an operation error onto a status code. Collaborator failures are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	outcome := dispatch.Classify(err)
	status := statusFor(outcome)
	observability.IntentsTotal.WithLabelValues("http", string(outcome)).Inc()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, status, "temporarily unavailable, retry")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(o dispatch.Outcome) int {
	switch o {
	case dispatch.OutcomeInvalid:
		return http.StatusBadRequest
	case dispatch.OutcomeForbidden:
		return http.StatusForbidden
	case dispatch.OutcomeNotFound:
		return http.StatusNotFound
	case dispatch.OutcomeConflict, dispatch.OutcomeTaken:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: strconv.Itoa(status)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
