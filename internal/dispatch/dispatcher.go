// Package dispatch coordinates presence, the ride lifecycle and notifications, and fans the
// results out to the connected clients.
//
// Every operation first commits its durable changes (ride state, notifications) and only
// then emits realtime events. Emission is best effort: a lost event is recovered from the
// notification inbox, never by replaying state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ridestate"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrForbidden      = errors.New("actor may not perform this action")
)

// EventPublisher streams ride lifecycle events to other services.
type EventPublisher interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

type Deps struct {
	Rides    storage.RideStore
	Profiles storage.ProfileStore
	Notes    *notify.Service
	Presence presence.Registry
	Fanout   gateway.Fanout
	// Events and Payments are optional.
	Events   EventPublisher
	Payments payments.Verifier
	Logger   *slog.Logger
}

type Dispatcher struct {
	rides    storage.RideStore
	profiles storage.ProfileStore
	notes    *notify.Service
	presence presence.Registry
	machine  *ridestate.Machine
	fanout   gateway.Fanout
	events   EventPublisher
	payments payments.Verifier
	logger   *slog.Logger
	now      func() time.Time
}

func New(d Deps) *Dispatcher {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		rides:    d.Rides,
		profiles: d.Profiles,
		notes:    d.Notes,
		presence: d.Presence,
		machine:  ridestate.NewMachine(d.Rides),
		fanout:   d.Fanout,
		events:   d.Events,
		payments: d.Payments,
		logger:   logger,
		now:      time.Now,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func passengerRooms(id models.ActorID) []string {
	return []string{gateway.UserRoom(id), gateway.PassengerRoom(id)}
}

func driverRooms(id models.ActorID) []string {
	return []string{gateway.UserRoom(id), gateway.DriverRoom(id)}
}

// outbox collects the events of one operation so they are emitted only after every durable
// write of that operation has been made.
type outbox struct {
	events []pendingEvent
}

type pendingEvent struct {
	event   string
	payload any
	rooms   []string
}

func (o *outbox) add(event string, payload any, rooms ...string) {
	o.events = append(o.events, pendingEvent{event: event, payload: payload, rooms: rooms})
}

func (d *Dispatcher) flush(ctx context.Context, o *outbox) {
	for _, e := range o.events {
		d.fanout.Emit(ctx, e.event, e.payload, e.rooms...)
	}
}

// notifyUser persists a notification and queues its realtime copy. Failures are logged;
// the ride change that caused the notification already stands.
func (d *Dispatcher) notifyUser(ctx context.Context, o *outbox, user models.ActorID, typ models.NotificationType, title, message, rideID string) {
	if user.IsZero() {
		return
	}
	n, err := d.notes.Create(ctx, user, typ, title, message, rideID)
	if err != nil {
		d.logger.Error("create notification failed", "user_id", user, "type", typ, "ride_id", rideID, "error", err)
		return
	}
	o.add(EventNewNotification, n, gateway.UserRoom(user))
}

func (d *Dispatcher) publish(ctx context.Context, r *models.Ride) {
	if d.events == nil {
		return
	}
	if err := d.events.PublishRideEvent(ctx, models.NewRideEvent(r)); err != nil {
		d.logger.Warn("publish ride event failed", "ride_id", r.ID, "status", r.Status, "error", err)
	}
}

func (d *Dispatcher) driverProfile(ctx context.Context, id models.ActorID) *models.DriverProfile {
	if id.IsZero() {
		return nil
	}
	p, err := d.profiles.GetDriver(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn("driver profile lookup failed", "driver_id", id, "error", err)
		}
		return nil
	}
	return p
}

func (d *Dispatcher) passengerProfile(ctx context.Context, id models.ActorID) *models.PassengerProfile {
	p, err := d.profiles.GetPassenger(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn("passenger profile lookup failed", "passenger_id", id, "error", err)
		}
		return nil
	}
	return p
}

// GoOnline marks the driver online. The vehicle class falls back to the driver's profile and
// then to Bike. Only a real offline -> online change is broadcast.
func (d *Dispatcher) GoOnline(ctx context.Context, id models.ActorID, class models.VehicleClass, loc *models.Coord) (bool, error) {
	if id.IsZero() {
		return false, models.ErrEmptyActorID
	}
	if class == "" {
		if p := d.driverProfile(ctx, id); p != nil && p.VehicleClass != "" {
			class = models.NormalizeVehicleClass(string(p.VehicleClass))
		} else {
			class = models.VehicleBike
		}
	}
	became, err := d.presence.SetOnline(ctx, id, class, loc)
	if err != nil {
		return false, err
	}
	if became {
		observability.DriversOnline.Inc()
		d.logger.Info("driver online", "driver_id", id, "vehicle_class", class)
		d.fanout.Broadcast(ctx, EventDriverAvailable, DriverAvailable{DriverID: id, Status: "online", VehicleClass: class, Location: loc})
	}
	return became, nil
}

func (d *Dispatcher) GoOffline(ctx context.Context, id models.ActorID) (bool, error) {
	if id.IsZero() {
		return false, models.ErrEmptyActorID
	}
	went, err := d.presence.SetOffline(ctx, id)
	if err != nil {
		return false, err
	}
	if went {
		observability.DriversOnline.Dec()
		d.logger.Info("driver offline", "driver_id", id)
		d.fanout.Broadcast(ctx, EventDriverAvailable, DriverAvailable{DriverID: id, Status: "offline"})
	}
	return went, nil
}

// DriverLost handles a driver whose last connection closed and did not come back within the
// grace period.
func (d *Dispatcher) DriverLost(ctx context.Context, id models.ActorID) error {
	went, err := d.GoOffline(ctx, id)
	if err != nil {
		d.logger.Error("driver lost: set offline failed", "driver_id", id, "error", err)
		return err
	}
	if went {
		d.logger.Info("driver lost after grace period", "driver_id", id)
	}
	return nil
}

func (d *Dispatcher) DriverOnline(ctx context.Context, id models.ActorID) bool {
	on, err := d.presence.IsOnline(ctx, id)
	if err != nil {
		d.logger.Warn("presence lookup failed", "driver_id", id, "error", err)
	}
	return on
}

// UpdateLocation records a telemetry sample. Samples from offline drivers are ignored. The
// passenger of the driver's current ride gets a dedicated update.
func (d *Dispatcher) UpdateLocation(ctx context.Context, u models.LocationUpdate) (bool, error) {
	if err := ingest.ValidateLocation(u); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	applied, err := d.presence.UpdateLocation(ctx, u.DriverID, u.Location)
	if err != nil {
		return false, err
	}
	if !applied {
		observability.LocationUpdatesTotal.WithLabelValues("ignored").Inc()
		return false, nil
	}
	observability.LocationUpdatesTotal.WithLabelValues("applied").Inc()
	d.fanout.Broadcast(ctx, EventDriverLocationChanged, DriverLocation{DriverID: u.DriverID, Location: u.Location})

	r, err := d.rides.FindActiveRide(ctx, u.DriverID, models.RoleDriver)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		d.logger.Warn("active ride lookup failed", "driver_id", u.DriverID, "error", err)
	default:
		d.fanout.Emit(ctx, EventDriverLocationUpdate,
			DriverLocation{DriverID: u.DriverID, Location: u.Location, RideID: r.ID},
			passengerRooms(r.PassengerID)...)
	}
	return true, nil
}

// RideRequest is the payload of request-ride.
type RideRequest struct {
	PassengerID         models.ActorID `json:"passengerId"`
	PickupLocation      *models.Coord  `json:"pickupLocation"`
	DropoffLocation     *models.Coord  `json:"dropoffLocation"`
	PickupLocationName  string         `json:"pickupLocationName"`
	DropoffLocationName string         `json:"dropoffLocationName"`
	VehicleType         string         `json:"vehicleType"`
	Distance            float64        `json:"distance"`
	EstimatedTime       float64        `json:"estimatedTime"`
	PaymentMethod       string         `json:"paymentMethod,omitempty"`
	SpecificDriverID    models.ActorID `json:"specificDriverId,omitempty"`
}

func (req RideRequest) validate() error {
	if req.PassengerID.IsZero() {
		return models.ErrEmptyActorID
	}
	if req.PickupLocation == nil || req.DropoffLocation == nil {
		return invalid("pickupLocation and dropoffLocation are required")
	}
	if strings.TrimSpace(req.VehicleType) == "" {
		return invalid("vehicleType is required")
	}
	if !fare.ValidDistance(req.Distance) {
		return invalid("distance must be a finite non-negative number")
	}
	if math.IsNaN(req.EstimatedTime) || math.IsInf(req.EstimatedTime, 0) || req.EstimatedTime < 0 {
		return invalid("estimatedTime must be a finite non-negative number")
	}
	return nil
}

// RequestRide creates a requested ride and offers it either to the named driver or to every
// online driver of the requested class.
func (d *Dispatcher) RequestRide(ctx context.Context, req RideRequest) (*models.Ride, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	class := models.NormalizeVehicleClass(req.VehicleType)
	method := strings.TrimSpace(req.PaymentMethod)
	if method == "" {
		method = "cash"
	}
	now := d.now().UTC()
	r := &models.Ride{
		ID:                  uuid.NewString(),
		PassengerID:         req.PassengerID,
		PickupLocation:      *req.PickupLocation,
		DropoffLocation:     *req.DropoffLocation,
		PickupLocationName:  req.PickupLocationName,
		DropoffLocationName: req.DropoffLocationName,
		VehicleClass:        class,
		Distance:            req.Distance,
		EstimatedTime:       req.EstimatedTime,
		Fare:                fare.Calculate(req.Distance, class),
		PaymentMethod:       method,
		PaymentStatus:       models.PaymentPending,
		Status:              models.RideRequested,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := d.rides.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	observability.RideRequestsTotal.WithLabelValues(string(class)).Inc()

	var targets []models.ActorID
	if !req.SpecificDriverID.IsZero() {
		targets = []models.ActorID{req.SpecificDriverID}
	} else {
		online, err := d.presence.ListOnlineByVehicleClass(ctx, class)
		if err != nil {
			// the ride exists; it can still be offered on the next reject or retried by the client
			d.logger.Error("list online drivers failed", "ride_id", r.ID, "error", err)
		}
		targets = online
	}

	var o outbox
	d.offer(ctx, &o, r, targets)
	o.add(EventRideStatus, RideStatus{RideID: r.ID, Status: r.Status, Fare: r.Fare, PaymentStatus: r.PaymentStatus}, passengerRooms(r.PassengerID)...)
	d.flush(ctx, &o)
	d.publish(ctx, r)

	d.logger.Info("ride requested", "ride_id", r.ID, "passenger_id", r.PassengerID, "vehicle_class", class, "drivers", len(targets))
	return r, nil
}

// offer writes a ride_request notification for each target and queues the ride-request event
// to the target's driver room.
func (d *Dispatcher) offer(ctx context.Context, o *outbox, r *models.Ride, targets []models.ActorID) {
	if len(targets) == 0 {
		return
	}
	payload := RideOffer{Ride: r, Passenger: d.passengerProfile(ctx, r.PassengerID)}
	msg := fmt.Sprintf("New %s ride request: %s", r.VehicleClass, describeRoute(r))
	for _, id := range targets {
		o.add(EventRideRequest, payload, gateway.DriverRoom(id))
		d.notifyUser(ctx, o, id, models.NotifyRideRequest, "New ride request", msg, r.ID)
	}
}

func describeRoute(r *models.Ride) string {
	from, to := r.PickupLocationName, r.DropoffLocationName
	if from == "" {
		from = "pickup"
	}
	if to == "" {
		to = "destination"
	}
	return from + " to " + to
}

// RespondToRide applies a driver's accept or reject.
func (d *Dispatcher) RespondToRide(ctx context.Context, driverID models.ActorID, rideID, response string) error {
	if driverID.IsZero() {
		return models.ErrEmptyActorID
	}
	if strings.TrimSpace(rideID) == "" {
		return invalid("rideId is required")
	}
	switch response {
	case "accepted":
		return d.accept(ctx, driverID, rideID)
	case "rejected":
		return d.reject(ctx, driverID, rideID)
	default:
		return invalid("status must be accepted or rejected, got %q", response)
	}
}

func (d *Dispatcher) accept(ctx context.Context, driverID models.ActorID, rideID string) error {
	r, err := d.machine.Accept(ctx, rideID, driverID)
	switch {
	case err == nil:
	case errors.Is(err, ridestate.ErrAlreadyAccepted):
		d.fanout.Emit(ctx, EventRideStatus, d.acceptedStatus(ctx, r), driverRooms(driverID)...)
		return nil
	case errors.Is(err, ridestate.ErrRideTaken):
		observability.AcceptConflictsTotal.Inc()
		d.logger.Info("accept lost race", "ride_id", rideID, "driver_id", driverID)
		d.fanout.Emit(ctx, EventRideNotification,
			RideNotification{RideID: rideID, Message: "Ride already taken by another driver"},
			driverRooms(driverID)...)
		return err
	default:
		return err
	}
	observability.RideTransitionsTotal.WithLabelValues(string(models.RideAccepted)).Inc()

	var o outbox
	status := d.acceptedStatus(ctx, r)
	msg := "A driver accepted your ride"
	if p := status.Driver; p != nil {
		msg = fmt.Sprintf("%s accepted your ride (%s %s, plate %s)", p.Name, p.VehicleClass, p.VehicleModel, p.VehiclePlate)
		msg = strings.Join(strings.Fields(msg), " ")
	}
	d.notifyUser(ctx, &o, r.PassengerID, models.NotifyRideAccepted, "Ride accepted", msg, r.ID)
	o.add(EventRideStatus, status, passengerRooms(r.PassengerID)...)
	o.add(EventRideStatus, status, driverRooms(driverID)...)
	d.flush(ctx, &o)
	d.publish(ctx, r)

	d.logger.Info("ride accepted", "ride_id", r.ID, "driver_id", driverID)
	return nil
}

func (d *Dispatcher) acceptedStatus(ctx context.Context, r *models.Ride) RideStatus {
	return RideStatus{
		RideID:        r.ID,
		Status:        r.Status,
		DriverID:      r.DriverID,
		Fare:          r.Fare,
		PaymentStatus: r.PaymentStatus,
		Driver:        d.driverProfile(ctx, r.DriverID),
	}
}

// reject records the refusal and re-offers the ride to every other eligible driver who has
// not declined it yet. Once the ride left requested there is nothing to re-offer.
func (d *Dispatcher) reject(ctx context.Context, driverID models.ActorID, rideID string) error {
	r, err := d.machine.Reject(ctx, rideID, driverID)
	if errors.Is(err, ridestate.ErrNotRequested) {
		d.logger.Debug("reject ignored, ride no longer requested", "ride_id", rideID, "driver_id", driverID)
		return nil
	}
	if errors.Is(err, ridestate.ErrAlreadyRejected) {
		d.logger.Debug("reject ignored, driver already declined", "ride_id", rideID, "driver_id", driverID)
		return nil
	}
	if err != nil {
		return err
	}
	online, err := d.presence.ListOnlineByVehicleClass(ctx, r.VehicleClass)
	if err != nil {
		return err
	}
	targets := make([]models.ActorID, 0, len(online))
	for _, id := range online {
		if !r.HasRejected(id) {
			targets = append(targets, id)
		}
	}
	var o outbox
	d.offer(ctx, &o, r, targets)
	d.flush(ctx, &o)

	d.logger.Info("ride rejected, re-offered", "ride_id", r.ID, "driver_id", driverID, "drivers", len(targets))
	return nil
}

func canChangeStatus(actor models.Identity, r *models.Ride, to models.RideStatus) bool {
	switch actor.Role {
	case models.RoleAdmin:
		return true
	case models.RoleDriver:
		return !r.DriverID.IsZero() && r.DriverID == actor.ID
	case models.RolePassenger:
		return r.PassengerID == actor.ID && to == models.RideCanceled
	default:
		return false
	}
}

// UpdateRideStatus moves a ride forward on behalf of actor and tells both sides.
func (d *Dispatcher) UpdateRideStatus(ctx context.Context, actor models.Identity, rideID string, to models.RideStatus, fareOverride *int64) error {
	if actor.ID.IsZero() {
		return models.ErrEmptyActorID
	}
	if strings.TrimSpace(rideID) == "" {
		return invalid("rideId is required")
	}
	if fareOverride != nil && *fareOverride < 0 {
		return invalid("fare must not be negative")
	}
	switch to {
	case models.RideAccepted:
		if actor.Role != models.RoleDriver {
			return fmt.Errorf("%w: only drivers accept rides", ErrForbidden)
		}
		return d.accept(ctx, actor.ID, rideID)
	case models.RidePickedUp, models.RideCompleted, models.RideCanceled:
	default:
		return invalid("unsupported status %q", to)
	}

	current, err := d.rides.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if !canChangeStatus(actor, current, to) {
		return fmt.Errorf("%w: %s %s cannot set %s on ride %s", ErrForbidden, actor.Role, actor.ID, to, rideID)
	}
	if fareOverride != nil && actor.Role == models.RolePassenger {
		return fmt.Errorf("%w: passengers cannot set the fare", ErrForbidden)
	}

	r, err := d.machine.Advance(ctx, rideID, to, fareOverride)
	if err != nil {
		return err
	}
	observability.RideTransitionsTotal.WithLabelValues(string(to)).Inc()

	var o outbox
	status := RideStatus{RideID: r.ID, Status: r.Status, DriverID: r.DriverID, Fare: r.Fare, PaymentStatus: r.PaymentStatus}
	both := passengerRooms(r.PassengerID)
	if !r.DriverID.IsZero() {
		both = append(both, driverRooms(r.DriverID)...)
	}
	switch to {
	case models.RidePickedUp:
		d.notifyUser(ctx, &o, r.PassengerID, models.NotifyRideStarted, "Ride started", "Your driver has picked you up", r.ID)
		o.add(EventRideStatus, status, both...)
	case models.RideCompleted:
		d.notifyUser(ctx, &o, r.PassengerID, models.NotifyRideCompleted, "Ride completed",
			fmt.Sprintf("You have arrived. Fare: %d", r.Fare), r.ID)
		d.notifyUser(ctx, &o, r.DriverID, models.NotifyTripCompleted, "Trip completed",
			fmt.Sprintf("Trip finished. Fare: %d", r.Fare), r.ID)
		o.add(EventRideStatus, status, both...)
		o.add(EventRideCompleted, RideCompleted{RideID: r.ID, Message: "Ride completed", Fare: r.Fare}, both...)
	case models.RideCanceled:
		by := "the passenger"
		switch actor.Role {
		case models.RoleDriver:
			by = "the driver"
		case models.RoleAdmin:
			by = "support"
		}
		d.notifyUser(ctx, &o, r.PassengerID, models.NotifyRideCanceled, "Ride canceled", "Your ride was canceled by "+by, r.ID)
		d.notifyUser(ctx, &o, r.DriverID, models.NotifyTripCancelled, "Trip cancelled", "The trip was canceled by "+by, r.ID)
		o.add(EventRideStatus, status, both...)
		o.add(EventRideNotification, RideNotification{RideID: r.ID, Message: "Ride has been canceled"}, both...)
	}
	d.flush(ctx, &o)
	d.publish(ctx, r)

	d.logger.Info("ride status updated", "ride_id", r.ID, "status", r.Status, "actor_id", actor.ID)
	return nil
}

// PaymentRequest is the payload of payment-completed.
type PaymentRequest struct {
	RideID        string         `json:"rideId"`
	PaymentMethod string         `json:"paymentMethod"`
	PassengerID   models.ActorID `json:"passengerId"`
	Amount        float64        `json:"amount"`
	// Reference identifies the card payment at the provider.
	Reference string `json:"paymentReference,omitempty"`
}

// CompletePayment settles a completed ride once and tells the driver and the passenger.
// Repeating it after success changes nothing.
func (d *Dispatcher) CompletePayment(ctx context.Context, actor models.Identity, req PaymentRequest) error {
	if actor.ID.IsZero() {
		return models.ErrEmptyActorID
	}
	if strings.TrimSpace(req.RideID) == "" {
		return invalid("rideId is required")
	}
	current, err := d.rides.GetRide(ctx, req.RideID)
	if err != nil {
		return err
	}
	switch actor.Role {
	case models.RoleAdmin:
	case models.RolePassenger:
		if current.PassengerID != actor.ID {
			return fmt.Errorf("%w: ride %s belongs to another passenger", ErrForbidden, current.ID)
		}
	case models.RoleDriver:
		if current.DriverID != actor.ID {
			return fmt.Errorf("%w: ride %s belongs to another driver", ErrForbidden, current.ID)
		}
	default:
		return ErrForbidden
	}
	if !req.PassengerID.IsZero() && req.PassengerID != current.PassengerID {
		return fmt.Errorf("%w: passengerId does not match ride", ErrForbidden)
	}
	if current.PaymentStatus == models.PaymentCompleted {
		return nil
	}

	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = current.PaymentMethod
	}
	if req.Amount > 0 && int64(math.Round(req.Amount)) != current.Fare {
		d.logger.Warn("payment amount differs from fare", "ride_id", current.ID, "amount", req.Amount, "fare", current.Fare)
	}
	if current.Status != models.RideCompleted {
		return fmt.Errorf("%w: ride is %s, payment needs completed", ridestate.ErrInvalidTransition, current.Status)
	}
	if method == "card" && d.payments != nil {
		if err := d.payments.Verify(ctx, req.Reference, current.Fare); err != nil {
			return err
		}
	}

	r, err := d.machine.SettlePayment(ctx, req.RideID, method)
	if errors.Is(err, ridestate.ErrPaymentSettled) {
		return nil
	}
	if err != nil {
		return err
	}

	var o outbox
	d.notifyUser(ctx, &o, r.DriverID, models.NotifyPaymentReceived, "Payment received",
		fmt.Sprintf("Received %d by %s", r.Fare, r.PaymentMethod), r.ID)
	d.notifyUser(ctx, &o, r.PassengerID, models.NotifyPaymentCompleted, "Payment confirmed",
		fmt.Sprintf("Your payment of %d was confirmed", r.Fare), r.ID)
	if !r.DriverID.IsZero() {
		o.add(EventPaymentReceived, PaymentReceived{
			RideID:         r.ID,
			Message:        "Payment received",
			PaymentStatus:  r.PaymentStatus,
			PaymentMethod:  r.PaymentMethod,
			ResetDashboard: true,
		}, driverRooms(r.DriverID)...)
	}
	o.add(EventPaymentConfirmation, PaymentConfirmation{
		RideID:         r.ID,
		Status:         r.PaymentStatus,
		Message:        "Payment confirmed",
		ResetDashboard: true,
	}, passengerRooms(r.PassengerID)...)
	d.flush(ctx, &o)
	d.publish(ctx, r)

	d.logger.Info("payment completed", "ride_id", r.ID, "method", r.PaymentMethod, "fare", r.Fare)
	return nil
}

// ReconnectToActiveRide returns the actor's most recent unfinished ride with the
// counterpart's profile attached. storage.ErrNotFound means there is none.
func (d *Dispatcher) ReconnectToActiveRide(ctx context.Context, actor models.Identity) (*ActiveRide, error) {
	if actor.ID.IsZero() {
		return nil, models.ErrEmptyActorID
	}
	if actor.Role != models.RoleDriver && actor.Role != models.RolePassenger {
		return nil, invalid("role must be driver or passenger")
	}
	r, err := d.rides.FindActiveRide(ctx, actor.ID, actor.Role)
	if err != nil {
		return nil, err
	}
	out := &ActiveRide{Ride: r}
	if actor.Role == models.RoleDriver {
		out.PassengerInfo = d.passengerProfile(ctx, r.PassengerID)
	} else {
		out.DriverInfo = d.driverProfile(ctx, r.DriverID)
	}
	return out, nil
}
