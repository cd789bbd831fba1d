package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

// Sessions is the part of the gateway the router manages: identity binding and rooms.
type Sessions interface {
	Bind(c *gateway.Conn, ident models.Identity) (bool, error)
	Join(c *gateway.Conn, room string)
	JoinActor(id models.ActorID, room string)
	LeaveActor(id models.ActorID, room string)
}

// Router turns socket intents into dispatcher calls. It implements gateway.Handler.
type Router struct {
	d        *Dispatcher
	notes    *notify.Service
	sessions Sessions
	logger   *slog.Logger
}

func NewRouter(d *Dispatcher, notes *notify.Service, sessions Sessions, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{d: d, notes: notes, sessions: sessions, logger: logger}
}

// actorRef is the loose identity payload the apps send: a bare id, an id object, or an
// object naming the actor under one of several keys.
type actorRef struct {
	UserID      models.ActorID `json:"userId"`
	DriverID    models.ActorID `json:"driverId"`
	PassengerID models.ActorID `json:"passengerId"`
	UserType    string         `json:"userType"`
	Role        string         `json:"role"`
	VehicleType string         `json:"vehicleType"`
	Location    *models.Coord  `json:"location"`
}

func (a actorRef) id() models.ActorID {
	for _, id := range []models.ActorID{a.DriverID, a.PassengerID, a.UserID} {
		if !id.IsZero() {
			return id
		}
	}
	return ""
}

func (a actorRef) role() models.Role {
	if r := models.ParseRole(a.UserType); r != "" {
		return r
	}
	return models.ParseRole(a.Role)
}

func decodeActorRef(data json.RawMessage) (actorRef, error) {
	var ref actorRef
	b := bytes.TrimSpace(data)
	if len(b) == 0 {
		return ref, nil
	}
	if b[0] == '{' {
		if err := json.Unmarshal(b, &ref); err != nil {
			return ref, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if ref.id().IsZero() {
			var id models.ActorID
			if err := json.Unmarshal(b, &id); err == nil {
				ref.UserID = id
			}
		}
		return ref, nil
	}
	if err := json.Unmarshal(b, &ref.UserID); err != nil {
		return ref, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return ref, nil
}

func decode(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// actorFor resolves who is acting on c. A bound connection acts as its identity and may
// not claim another; an unbound one is bound to the claimed id.
func (rt *Router) actorFor(c *gateway.Conn, claimed models.ActorID, role models.Role) (models.Identity, error) {
	if ident, ok := c.Identity(); ok {
		if !claimed.IsZero() && claimed != ident.ID {
			return models.Identity{}, gateway.ErrIdentityMismatch
		}
		if ident.Role == "" && role != "" {
			if _, err := rt.sessions.Bind(c, models.Identity{ID: ident.ID, Role: role}); err != nil {
				return models.Identity{}, err
			}
			ident.Role = role
		}
		return ident, nil
	}
	if claimed.IsZero() {
		return models.Identity{}, models.ErrEmptyActorID
	}
	ident := models.Identity{ID: claimed, Role: role}
	resumed, err := rt.sessions.Bind(c, ident)
	if err != nil {
		return models.Identity{}, err
	}
	if resumed {
		rt.logger.Info("actor reconnected within grace period", "actor_id", claimed)
	}
	return ident, nil
}

func requireRole(ident models.Identity, role models.Role) error {
	if ident.Role == role || ident.Role == models.RoleAdmin {
		return nil
	}
	return fmt.Errorf("%w: %s intent from %s", ErrForbidden, role, ident.Role)
}

func (rt *Router) HandleIntent(ctx context.Context, c *gateway.Conn, event string, data json.RawMessage) {
	var err error
	switch event {
	case IntentJoinUser:
		err = rt.joinUser(ctx, c, data)
	case IntentJoinPassenger:
		err = rt.joinPassenger(c, data)
	case IntentDriverOnline:
		err = rt.driverOnline(ctx, c, data)
	case IntentDriverOffline:
		err = rt.driverOffline(ctx, c, data)
	case IntentDriverLocation:
		err = rt.driverLocation(ctx, c, data)
	case IntentRequestRide:
		err = rt.requestRide(ctx, c, data)
	case IntentRideResponse:
		err = rt.rideResponse(ctx, c, data)
	case IntentRideStatusUpdate:
		err = rt.rideStatusUpdate(ctx, c, data)
	case IntentPaymentCompleted:
		err = rt.paymentCompleted(ctx, c, data)
	case IntentNotificationsCount:
		err = rt.notificationsCount(ctx, c, data)
	case IntentNotifications:
		err = rt.notifications(ctx, c, data)
	case IntentMarkRead:
		err = rt.markRead(ctx, c, data)
	case IntentMarkAllRead:
		err = rt.markAllRead(ctx, c, data)
	case IntentReconnect:
		err = rt.reconnect(ctx, c, data)
	default:
		rt.logger.Warn("unknown intent", "event", event, "conn_id", c.ID())
		c.SendError(event, errors.New("unknown event"))
		observability.IntentsTotal.WithLabelValues("unknown", string(OutcomeInvalid)).Inc()
		return
	}
	rt.finish(c, event, err)
}

func (rt *Router) finish(c *gateway.Conn, event string, err error) {
	outcome := Classify(err)
	observability.IntentsTotal.WithLabelValues(event, string(outcome)).Inc()
	switch outcome {
	case OutcomeOK:
	case OutcomeNotFound:
		rt.logger.Info("intent references unknown record", "event", event, "conn_id", c.ID(), "error", err)
	case OutcomeTaken:
		// the driver was already told through ride-notification
	case OutcomeUnavailable:
		rt.logger.Error("intent failed", "event", event, "conn_id", c.ID(), "error", err)
		c.SendError(event, errors.New("temporarily unavailable, retry"))
	default:
		rt.logger.Warn("intent rejected", "event", event, "conn_id", c.ID(), "outcome", outcome, "error", err)
		c.SendError(event, err)
	}
}

func (rt *Router) HandleGraceExpired(ctx context.Context, driverID models.ActorID) {
	if err := rt.d.DriverLost(ctx, driverID); err != nil {
		return
	}
	rt.sessions.LeaveActor(driverID, gateway.DriverRoom(driverID))
}

func (rt *Router) joinUser(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	ref, err := decodeActorRef(data)
	if err != nil {
		return err
	}
	ident, err := rt.actorFor(c, ref.id(), ref.role())
	if err != nil {
		return err
	}
	if ident.Role == models.RoleDriver && rt.d.DriverOnline(ctx, ident.ID) {
		rt.sessions.Join(c, gateway.DriverRoom(ident.ID))
	}
	return rt.sendCount(ctx, c, ident.ID)
}

func (rt *Router) joinPassenger(c *gateway.Conn, data json.RawMessage) error {
	ref, err := decodeActorRef(data)
	if err != nil {
		return err
	}
	ident, err := rt.actorFor(c, ref.id(), models.RolePassenger)
	if err != nil {
		return err
	}
	rt.sessions.Join(c, gateway.PassengerRoom(ident.ID))
	return nil
}

func (rt *Router) driverOnline(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	ref, err := decodeActorRef(data)
	if err != nil {
		return err
	}
	ident, err := rt.actorFor(c, ref.id(), models.RoleDriver)
	if err != nil {
		return err
	}
	if err := requireRole(ident, models.RoleDriver); err != nil {
		return err
	}
	var class models.VehicleClass
	if strings.TrimSpace(ref.VehicleType) != "" {
		class = models.NormalizeVehicleClass(ref.VehicleType)
	}
	if _, err := rt.d.GoOnline(ctx, ident.ID, class, ref.Location); err != nil {
		return err
	}
	rt.sessions.JoinActor(ident.ID, gateway.DriverRoom(ident.ID))
	return nil
}

func (rt *Router) driverOffline(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	ref, err := decodeActorRef(data)
	if err != nil {
		return err
	}
	ident, err := rt.actorFor(c, ref.id(), models.RoleDriver)
	if err != nil {
		return err
	}
	if err := requireRole(ident, models.RoleDriver); err != nil {
		return err
	}
	rt.sessions.LeaveActor(ident.ID, gateway.DriverRoom(ident.ID))
	_, err = rt.d.GoOffline(ctx, ident.ID)
	return err
}

func (rt *Router) driverLocation(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	var u models.LocationUpdate
	if err := decode(data, &u); err != nil {
		return err
	}
	ident, err := rt.actorFor(c, u.DriverID, models.RoleDriver)
	if err != nil {
		return err
	}
	if err := requireRole(ident, models.RoleDriver); err != nil {
		return err
	}
	u.DriverID = ident.ID
	u.At = rt.d.now().UTC()
	_, err = rt.d.UpdateLocation(ctx, u)
	return err
}

func (rt *Router) requestRide(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	var req RideRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	ident, err := rt.actorFor(c, req.PassengerID, models.RolePassenger)
	if err != nil {
		return err
	}
	if err := requireRole(ident, models.RolePassenger); err != nil {
		return err
	}
	req.PassengerID = ident.ID
	rt.sessions.Join(c, gateway.PassengerRoom(ident.ID))
	_, err = rt.d.RequestRide(ctx, req)
	return err
}

type rideResponse struct {
	RideID   string         `json:"rideId"`
	DriverID models.ActorID `json:"driverId"`
	Status   string         `json:"status"`
}

func (rt *Router) rideResponse(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	var in rideResponse
	if err := decode(data, &in); err != nil {
		return err
	}
	ident, err := rt.actorFor(c, in.DriverID, models.RoleDriver)
	if err != nil {
		return err
	}
	if ident.Role != models.RoleDriver {
		return fmt.Errorf("%w: only drivers respond to rides", ErrForbidden)
	}
	return rt.d.RespondToRide(ctx, ident.ID, in.RideID, in.Status)
}

type statusUpdate struct {
	RideID string            `json:"rideId"`
	Status models.RideStatus `json:"status"`
	Fare   *float64          `json:"fare"`
	UserID models.ActorID    `json:"userId"`
	Role   string            `json:"userType"`
}

func (rt *Router) rideStatusUpdate(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	var in statusUpdate
	if err := decode(data, &in); err != nil {
		return err
	}
	ident, err := rt.actorFor(c, in.UserID, models.ParseRole(in.Role))
	if err != nil {
		return err
	}
	var fareOverride *int64
	if in.Fare != nil {
		f := int64(math.Round(*in.Fare))
		fareOverride = &f
	}
	return rt.d.UpdateRideStatus(ctx, ident, in.RideID, in.Status, fareOverride)
}

func (rt *Router) paymentCompleted(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	var in PaymentRequest
	if err := decode(data, &in); err != nil {
		return err
	}
	ident, err := rt.actorFor(c, in.PassengerID, models.RolePassenger)
	if err != nil {
		return err
	}
	return rt.d.CompletePayment(ctx, ident, in)
}

func (rt *Router) sendCount(ctx context.Context, c *gateway.Conn, id models.ActorID) error {
	n, err := rt.notes.UnreadCount(ctx, id)
	if err != nil {
		return err
	}
	c.Send(EventNotificationsCount, NotificationsCount{Count: n})
	return nil
}

func (rt *Router) notificationsCount(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	ref, err := decodeActorRef(data)
	if err != nil {
		return err
	}
	ident, err := rt.actorFor(c, ref.id(), ref.role())
	if err != nil {
		return err
	}
	return rt.sendCount(ctx, c, ident.ID)
}

func (rt *Router) notifications(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	ref, err := decodeActorRef(data)
	if err != nil {
		return err
	}
	ident, err := rt.actorFor(c, ref.id(), ref.role())
	if err != nil {
		return err
	}
	list, err := rt.notes.List(ctx, ident.ID)
	if err != nil {
		return err
	}
	c.Send(EventNotifications, NotificationList{Notifications: list})
	return nil
}

type markRead struct {
	UserID         models.ActorID `json:"userId"`
	NotificationID string         `json:"notificationId"`
}

func (rt *Router) markRead(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	var in markRead
	if err := decode(data, &in); err != nil {
		return err
	}
	ident, err := rt.actorFor(c, in.UserID, "")
	if err != nil {
		return err
	}
	if _, err := rt.notes.MarkRead(ctx, ident.ID, in.NotificationID); err != nil {
		return err
	}
	return rt.sendCount(ctx, c, ident.ID)
}

func (rt *Router) markAllRead(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	ref, err := decodeActorRef(data)
	if err != nil {
		return err
	}
	ident, err := rt.actorFor(c, ref.id(), ref.role())
	if err != nil {
		return err
	}
	if _, err := rt.notes.MarkAllRead(ctx, ident.ID); err != nil {
		return err
	}
	return rt.sendCount(ctx, c, ident.ID)
}

func (rt *Router) reconnect(ctx context.Context, c *gateway.Conn, data json.RawMessage) error {
	ref, err := decodeActorRef(data)
	if err != nil {
		return err
	}
	ident, err := rt.actorFor(c, ref.id(), ref.role())
	if err != nil {
		return err
	}
	switch ident.Role {
	case models.RolePassenger:
		rt.sessions.Join(c, gateway.PassengerRoom(ident.ID))
	case models.RoleDriver:
		if rt.d.DriverOnline(ctx, ident.ID) {
			rt.sessions.Join(c, gateway.DriverRoom(ident.ID))
		}
	}
	active, err := rt.d.ReconnectToActiveRide(ctx, ident)
	if err != nil {
		return err
	}
	c.Send(EventActiveRideFound, active)
	return nil
}
