package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ridestate"
	"github.com/example/ride-dispatch/internal/storage"
)

type emitted struct {
	event   string
	payload any
	rooms   []string
	all     bool
}

type fakeFanout struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeFanout) Emit(ctx context.Context, event string, payload any, rooms ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{event: event, payload: payload, rooms: rooms})
}

func (f *fakeFanout) Broadcast(ctx context.Context, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{event: event, payload: payload, all: true})
}

func (f *fakeFanout) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

// to returns the events delivered to room, in order.
func (f *fakeFanout) to(room string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.events {
		for _, r := range e.rooms {
			if r == room {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func (f *fakeFanout) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func hasEvent(list []emitted, event string) bool {
	for _, e := range list {
		if e.event == event {
			return true
		}
	}
	return false
}

func hasNotification(list []models.Notification, typ models.NotificationType, rideID string) bool {
	for _, n := range list {
		if n.Type == typ && n.RelatedID == rideID {
			return true
		}
	}
	return false
}

type fixture struct {
	d        *Dispatcher
	store    *storage.MemoryStore
	presence *presence.MemoryRegistry
	notes    *notify.Service
	fanout   *fakeFanout
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := presence.NewMemoryRegistry()
	fan := &fakeFanout{}
	notes := notify.NewService(store, nil, logging.Discard())
	d := New(Deps{
		Rides:    store,
		Profiles: store,
		Notes:    notes,
		Presence: reg,
		Fanout:   fan,
		Logger:   logging.Discard(),
	})
	store.PutPassenger(models.PassengerProfile{ID: "p1", Name: "Ana"})
	store.PutDriver(models.DriverProfile{ID: "d1", Name: "Ben", VehicleClass: models.VehicleCar, VehiclePlate: "KA-1"})
	return &fixture{d: d, store: store, presence: reg, notes: notes, fanout: fan}
}

func (fx *fixture) online(t *testing.T, class models.VehicleClass, ids ...models.ActorID) {
	t.Helper()
	for _, id := range ids {
		if _, err := fx.d.GoOnline(context.Background(), id, class, &models.Coord{Lat: 1, Lon: 1}); err != nil {
			t.Fatalf("online %s: %v", id, err)
		}
	}
}

func (fx *fixture) request(t *testing.T, class models.VehicleClass) *models.Ride {
	t.Helper()
	r, err := fx.d.RequestRide(context.Background(), RideRequest{
		PassengerID:         "p1",
		PickupLocation:      &models.Coord{Lat: 12.9, Lon: 77.6},
		DropoffLocation:     &models.Coord{Lat: 13.0, Lon: 77.7},
		PickupLocationName:  "Market",
		DropoffLocationName: "Airport",
		VehicleType:         string(class),
		Distance:            10,
		EstimatedTime:       25,
	})
	if err != nil {
		t.Fatalf("request ride: %v", err)
	}
	return r
}

func (fx *fixture) unread(t *testing.T, id models.ActorID) int64 {
	t.Helper()
	n, err := fx.notes.UnreadCount(context.Background(), id)
	if err != nil {
		t.Fatalf("unread %s: %v", id, err)
	}
	return n
}

func TestRequestRideOffersToOnlineDriversOfClass(t *testing.T) {
	fx := newFixture(t)
	fx.online(t, models.VehicleCar, "d1", "d2")
	fx.online(t, models.VehicleBike, "d3")
	fx.fanout.reset()

	r := fx.request(t, models.VehicleCar)
	if r.Status != models.RideRequested || r.Fare != 400 || r.PaymentMethod != "cash" {
		t.Fatalf("unexpected ride %+v", r)
	}
	for _, id := range []models.ActorID{"d1", "d2"} {
		if !hasEvent(fx.fanout.to(gateway.DriverRoom(id)), EventRideRequest) {
			t.Fatalf("expected ride-request for %s", id)
		}
		if fx.unread(t, id) != 1 {
			t.Fatalf("expected ride_request notification for %s", id)
		}
	}
	if len(fx.fanout.to(gateway.DriverRoom("d3"))) != 0 {
		t.Fatalf("bike driver should not get a car offer")
	}
	ack := fx.fanout.to(gateway.PassengerRoom("p1"))
	if len(ack) != 1 || ack[0].event != EventRideStatus || ack[0].payload.(RideStatus).Status != models.RideRequested {
		t.Fatalf("expected requested ack to passenger, got %+v", ack)
	}
}

func TestRequestRideToSpecificDriver(t *testing.T) {
	fx := newFixture(t)
	fx.online(t, models.VehicleCar, "d1", "d2")
	fx.fanout.reset()

	_, err := fx.d.RequestRide(context.Background(), RideRequest{
		PassengerID: "p1", PickupLocation: &models.Coord{}, DropoffLocation: &models.Coord{Lat: 1},
		VehicleType: "car", Distance: 1, SpecificDriverID: "d2",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if fx.fanout.count(EventRideRequest) != 1 || !hasEvent(fx.fanout.to(gateway.DriverRoom("d2")), EventRideRequest) {
		t.Fatalf("expected a single offer to d2")
	}
}

func TestRequestRideValidationLeavesNoRide(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cases := []RideRequest{
		{PassengerID: "p1", PickupLocation: &models.Coord{}, VehicleType: "Car"},
		{PassengerID: "p1", PickupLocation: &models.Coord{}, DropoffLocation: &models.Coord{}},
		{PassengerID: "p1", PickupLocation: &models.Coord{}, DropoffLocation: &models.Coord{}, VehicleType: "Car", Distance: -1},
	}
	for i, req := range cases {
		if _, err := fx.d.RequestRide(ctx, req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
	if _, err := fx.d.RequestRide(ctx, RideRequest{}); !errors.Is(err, models.ErrEmptyActorID) {
		t.Fatalf("expected ErrEmptyActorID, got %v", err)
	}
	if _, err := fx.store.FindActiveRide(ctx, "p1", models.RolePassenger); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no ride to be stored, got %v", err)
	}
	if len(fx.fanout.events) != 0 {
		t.Fatalf("expected no events, got %d", len(fx.fanout.events))
	}
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	fx := newFixture(t)
	fx.online(t, models.VehicleCar, "d1", "d2")
	r := fx.request(t, models.VehicleCar)
	fx.fanout.reset()

	var wg sync.WaitGroup
	errs := make(map[models.ActorID]error)
	var mu sync.Mutex
	for _, id := range []models.ActorID{"d1", "d2"} {
		wg.Add(1)
		go func(id models.ActorID) {
			defer wg.Done()
			err := fx.d.RespondToRide(context.Background(), id, r.ID, "accepted")
			mu.Lock()
			errs[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	var winner, loser models.ActorID
	for id, err := range errs {
		switch {
		case err == nil:
			winner = id
		case errors.Is(err, ridestate.ErrRideTaken):
			loser = id
		default:
			t.Fatalf("unexpected error for %s: %v", id, err)
		}
	}
	if winner == "" || loser == "" {
		t.Fatalf("expected one winner and one loser, got %v", errs)
	}
	got, _ := fx.store.GetRide(context.Background(), r.ID)
	if got.DriverID != winner || got.Status != models.RideAccepted {
		t.Fatalf("expected ride owned by %s, got %+v", winner, got)
	}
	lost := fx.fanout.to(gateway.DriverRoom(loser))
	if len(lost) != 1 || lost[0].event != EventRideNotification {
		t.Fatalf("expected already-taken notice for loser, got %+v", lost)
	}
	if !hasEvent(fx.fanout.to(gateway.DriverRoom(winner)), EventRideStatus) {
		t.Fatalf("expected ride-status for winner")
	}
	var sawAccepted bool
	for _, e := range fx.fanout.to(gateway.PassengerRoom("p1")) {
		if st, ok := e.payload.(RideStatus); ok && st.Status == models.RideAccepted && st.DriverID == winner {
			sawAccepted = true
		}
	}
	if !sawAccepted {
		t.Fatalf("passenger did not receive accepted status")
	}
}

func TestAcceptAgainByOwnerIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.online(t, models.VehicleCar, "d1")
	r := fx.request(t, models.VehicleCar)
	ctx := context.Background()
	if err := fx.d.RespondToRide(ctx, "d1", r.ID, "accepted"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	before := fx.unread(t, "p1")
	fx.fanout.reset()
	if err := fx.d.RespondToRide(ctx, "d1", r.ID, "accepted"); err != nil {
		t.Fatalf("repeat accept: %v", err)
	}
	if fx.unread(t, "p1") != before {
		t.Fatalf("repeat accept must not notify the passenger again")
	}
	if len(fx.fanout.to(gateway.PassengerRoom("p1"))) != 0 {
		t.Fatalf("repeat accept must not reach the passenger")
	}
}

func TestAcceptedStatusCarriesDriverInfo(t *testing.T) {
	fx := newFixture(t)
	fx.online(t, models.VehicleCar, "d1")
	r := fx.request(t, models.VehicleCar)
	fx.fanout.reset()
	if err := fx.d.RespondToRide(context.Background(), "d1", r.ID, "accepted"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, e := range fx.fanout.to(gateway.PassengerRoom("p1")) {
		if st, ok := e.payload.(RideStatus); ok {
			if st.Driver == nil || st.Driver.VehiclePlate != "KA-1" {
				t.Fatalf("expected driver info, got %+v", st.Driver)
			}
			return
		}
	}
	t.Fatalf("no ride-status for passenger")
}

func TestRejectReoffersToRemainingDrivers(t *testing.T) {
	fx := newFixture(t)
	fx.online(t, models.VehicleBike, "d1", "d2", "d3")
	r := fx.request(t, models.VehicleBike)
	ctx := context.Background()

	fx.fanout.reset()
	if err := fx.d.RespondToRide(ctx, "d1", r.ID, "rejected"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if hasEvent(fx.fanout.to(gateway.DriverRoom("d1")), EventRideRequest) {
		t.Fatalf("rejecting driver must not be re-offered")
	}
	if !hasEvent(fx.fanout.to(gateway.DriverRoom("d2")), EventRideRequest) || !hasEvent(fx.fanout.to(gateway.DriverRoom("d3")), EventRideRequest) {
		t.Fatalf("expected re-offer to d2 and d3")
	}

	fx.fanout.reset()
	if err := fx.d.RespondToRide(ctx, "d2", r.ID, "rejected"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if fx.fanout.count(EventRideRequest) != 1 || !hasEvent(fx.fanout.to(gateway.DriverRoom("d3")), EventRideRequest) {
		t.Fatalf("expected a single re-offer to d3")
	}

	got, _ := fx.store.GetRide(ctx, r.ID)
	if got.Status != models.RideRequested {
		t.Fatalf("reject must not change the status, got %s", got.Status)
	}
}

func TestRepeatedRejectDoesNotReoffer(t *testing.T) {
	fx := newFixture(t)
	fx.online(t, models.VehicleBike, "d1", "d2")
	r := fx.request(t, models.VehicleBike)
	ctx := context.Background()

	if err := fx.d.RespondToRide(ctx, "d1", r.ID, "rejected"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	before := fx.unread(t, "d2")

	fx.fanout.reset()
	if err := fx.d.RespondToRide(ctx, "d1", r.ID, "rejected"); err != nil {
		t.Fatalf("repeat reject: %v", err)
	}
	if n := fx.fanout.count(EventRideRequest); n != 0 {
		t.Fatalf("repeat reject re-offered the ride %d times", n)
	}
	if after := fx.unread(t, "d2"); after != before {
		t.Fatalf("d2 unread changed from %d to %d", before, after)
	}
	got, _ := fx.store.GetRide(ctx, r.ID)
	if len(got.RejectedBy) != 1 {
		t.Fatalf("expected a single rejection entry, got %v", got.RejectedBy)
	}
}

func TestRejectAfterAcceptIsIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.online(t, models.VehicleBike, "d1", "d2")
	r := fx.request(t, models.VehicleBike)
	ctx := context.Background()
	if err := fx.d.RespondToRide(ctx, "d1", r.ID, "accepted"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	fx.fanout.reset()
	if err := fx.d.RespondToRide(ctx, "d2", r.ID, "rejected"); err != nil {
		t.Fatalf("late reject should be silent, got %v", err)
	}
	if len(fx.fanout.events) != 0 {
		t.Fatalf("late reject must not emit, got %+v", fx.fanout.events)
	}
}

func TestRespondRejectsUnknownResponse(t *testing.T) {
	fx := newFixture(t)
	if err := fx.d.RespondToRide(context.Background(), "d1", "r1", "maybe"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func acceptedRide(t *testing.T, fx *fixture) *models.Ride {
	t.Helper()
	fx.online(t, models.VehicleCar, "d1")
	r := fx.request(t, models.VehicleCar)
	if err := fx.d.RespondToRide(context.Background(), "d1", r.ID, "accepted"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return r
}

var (
	driver    = models.Identity{ID: "d1", Role: models.RoleDriver}
	passenger = models.Identity{ID: "p1", Role: models.RolePassenger}
)

func TestPaymentNotifiesDriverAndPassenger(t *testing.T) {
	fx := newFixture(t)
	r := acceptedRide(t, fx)
	ctx := context.Background()
	fare := int64(300)
	if err := fx.d.UpdateRideStatus(ctx, driver, r.ID, models.RidePickedUp, nil); err != nil {
		t.Fatalf("pick up: %v", err)
	}
	if err := fx.d.UpdateRideStatus(ctx, driver, r.ID, models.RideCompleted, &fare); err != nil {
		t.Fatalf("complete: %v", err)
	}
	driverUnread, passengerUnread := fx.unread(t, "d1"), fx.unread(t, "p1")
	fx.fanout.reset()

	if err := fx.d.CompletePayment(ctx, passenger, PaymentRequest{RideID: r.ID, PaymentMethod: "cash", Amount: 300}); err != nil {
		t.Fatalf("pay: %v", err)
	}
	got, _ := fx.store.GetRide(ctx, r.ID)
	if got.PaymentStatus != models.PaymentCompleted || got.Fare != 300 || got.PaymentMethod != "cash" {
		t.Fatalf("unexpected ride after payment %+v", got)
	}
	if fx.unread(t, "d1") != driverUnread+1 || fx.unread(t, "p1") != passengerUnread+1 {
		t.Fatalf("expected one new notification for each side")
	}
	var received *PaymentReceived
	for _, e := range fx.fanout.to(gateway.DriverRoom("d1")) {
		if p, ok := e.payload.(PaymentReceived); ok {
			received = &p
		}
	}
	if received == nil || !received.ResetDashboard || received.PaymentMethod != "cash" {
		t.Fatalf("expected payment-received for driver, got %+v", received)
	}
	if !hasEvent(fx.fanout.to(gateway.PassengerRoom("p1")), EventPaymentConfirmation) {
		t.Fatalf("expected payment-confirmation for passenger")
	}
	list, _ := fx.notes.List(ctx, "d1")
	if !hasNotification(list, models.NotifyPaymentReceived, r.ID) {
		t.Fatalf("expected payment_received notification, got %+v", list)
	}

	fx.fanout.reset()
	if err := fx.d.CompletePayment(ctx, passenger, PaymentRequest{RideID: r.ID, PaymentMethod: "cash"}); err != nil {
		t.Fatalf("repeat payment: %v", err)
	}
	if len(fx.fanout.events) != 0 || fx.unread(t, "d1") != driverUnread+1 {
		t.Fatalf("repeat payment must not notify again")
	}
}

func TestPaymentNeedsCompletedRide(t *testing.T) {
	fx := newFixture(t)
	r := acceptedRide(t, fx)
	err := fx.d.CompletePayment(context.Background(), passenger, PaymentRequest{RideID: r.ID, PaymentMethod: "cash"})
	if !errors.Is(err, ridestate.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPaymentByOtherPassengerIsForbidden(t *testing.T) {
	fx := newFixture(t)
	r := acceptedRide(t, fx)
	other := models.Identity{ID: "p2", Role: models.RolePassenger}
	if err := fx.d.CompletePayment(context.Background(), other, PaymentRequest{RideID: r.ID}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

type fakeVerifier struct {
	err   error
	calls int
}

func (f *fakeVerifier) Verify(ctx context.Context, ref string, amount int64) error {
	f.calls++
	return f.err
}

func TestCardPaymentIsVerified(t *testing.T) {
	fx := newFixture(t)
	v := &fakeVerifier{err: errors.New("declined")}
	fx.d.payments = v
	r := acceptedRide(t, fx)
	ctx := context.Background()
	if err := fx.d.UpdateRideStatus(ctx, driver, r.ID, models.RideCompleted, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := fx.d.CompletePayment(ctx, passenger, PaymentRequest{RideID: r.ID, PaymentMethod: "card", Reference: "pi_1"}); err == nil {
		t.Fatalf("expected verifier error")
	}
	got, _ := fx.store.GetRide(ctx, r.ID)
	if got.PaymentStatus != models.PaymentPending {
		t.Fatalf("failed verification must leave payment pending")
	}
	v.err = nil
	if err := fx.d.CompletePayment(ctx, passenger, PaymentRequest{RideID: r.ID, PaymentMethod: "card", Reference: "pi_1"}); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if v.calls != 2 {
		t.Fatalf("expected two verifications, got %d", v.calls)
	}
}

func TestCompletionComputesFareAndNotifiesBoth(t *testing.T) {
	fx := newFixture(t)
	r := acceptedRide(t, fx)
	ctx := context.Background()
	fx.fanout.reset()
	if err := fx.d.UpdateRideStatus(ctx, driver, r.ID, models.RideCompleted, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := fx.store.GetRide(ctx, r.ID)
	if got.Fare != 400 || got.PaymentStatus != models.PaymentPending {
		t.Fatalf("unexpected ride %+v", got)
	}
	if !hasEvent(fx.fanout.to(gateway.PassengerRoom("p1")), EventRideCompleted) || !hasEvent(fx.fanout.to(gateway.DriverRoom("d1")), EventRideCompleted) {
		t.Fatalf("expected ride-completed for both sides")
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	fx := newFixture(t)
	r := acceptedRide(t, fx)
	ctx := context.Background()
	if err := fx.d.UpdateRideStatus(ctx, driver, r.ID, models.RideCompleted, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	fx.fanout.reset()
	if err := fx.d.UpdateRideStatus(ctx, driver, r.ID, models.RideCanceled, nil); !errors.Is(err, ridestate.ErrRideFinalized) {
		t.Fatalf("expected ErrRideFinalized, got %v", err)
	}
	if err := fx.d.UpdateRideStatus(ctx, driver, r.ID, models.RidePickedUp, nil); !errors.Is(err, ridestate.ErrRideFinalized) {
		t.Fatalf("expected ErrRideFinalized, got %v", err)
	}
	if len(fx.fanout.events) != 0 {
		t.Fatalf("rejected transitions must not emit")
	}
	got, _ := fx.store.GetRide(ctx, r.ID)
	if got.Status != models.RideCompleted {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestPassengerMayOnlyCancel(t *testing.T) {
	fx := newFixture(t)
	r := acceptedRide(t, fx)
	ctx := context.Background()
	if err := fx.d.UpdateRideStatus(ctx, passenger, r.ID, models.RidePickedUp, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	other := models.Identity{ID: "d9", Role: models.RoleDriver}
	if err := fx.d.UpdateRideStatus(ctx, other, r.ID, models.RideCanceled, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign driver, got %v", err)
	}
	fx.fanout.reset()
	if err := fx.d.UpdateRideStatus(ctx, passenger, r.ID, models.RideCanceled, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !hasEvent(fx.fanout.to(gateway.DriverRoom("d1")), EventRideNotification) {
		t.Fatalf("driver should hear about the cancel")
	}
	list, _ := fx.notes.List(ctx, "d1")
	if !hasNotification(list, models.NotifyTripCancelled, r.ID) {
		t.Fatalf("expected trip_cancelled notification, got %+v", list)
	}
}

func TestUnknownRideChangesNothing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if err := fx.d.UpdateRideStatus(ctx, driver, "missing", models.RidePickedUp, nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := fx.d.RespondToRide(ctx, "d1", "missing", "accepted"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on accept, got %v", err)
	}
	if len(fx.fanout.events) != 0 {
		t.Fatalf("expected no events, got %+v", fx.fanout.events)
	}
}

func TestGoOnlineBroadcastsOnlyOnChange(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := fx.d.GoOnline(ctx, "d1", "", nil); err != nil {
			t.Fatalf("online: %v", err)
		}
	}
	if fx.fanout.count(EventDriverAvailable) != 1 {
		t.Fatalf("expected a single driver-available, got %d", fx.fanout.count(EventDriverAvailable))
	}
	rec, _ := fx.presence.Get(ctx, "d1")
	if rec == nil || rec.VehicleClass != models.VehicleCar {
		t.Fatalf("expected class from profile, got %+v", rec)
	}
	for i := 0; i < 2; i++ {
		if _, err := fx.d.GoOffline(ctx, "d1"); err != nil {
			t.Fatalf("offline: %v", err)
		}
	}
	if fx.fanout.count(EventDriverAvailable) != 2 {
		t.Fatalf("expected one offline broadcast")
	}
	if _, err := fx.d.GoOnline(ctx, "d7", "", nil); err != nil {
		t.Fatalf("online: %v", err)
	}
	if rec, _ := fx.presence.Get(ctx, "d7"); rec.VehicleClass != models.VehicleBike {
		t.Fatalf("expected Bike default, got %s", rec.VehicleClass)
	}
}

func TestLocationUpdateReachesRidePassenger(t *testing.T) {
	fx := newFixture(t)
	r := acceptedRide(t, fx)
	ctx := context.Background()
	fx.fanout.reset()

	applied, err := fx.d.UpdateLocation(ctx, models.LocationUpdate{DriverID: "d1", Location: models.Coord{Lat: 12.95, Lon: 77.61}})
	if err != nil || !applied {
		t.Fatalf("update: applied=%v err=%v", applied, err)
	}
	var found bool
	for _, e := range fx.fanout.to(gateway.PassengerRoom("p1")) {
		if loc, ok := e.payload.(DriverLocation); ok && e.event == EventDriverLocationUpdate && loc.RideID == r.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("passenger did not get the driver location")
	}
	if fx.fanout.count(EventDriverLocationChanged) != 1 {
		t.Fatalf("expected a driver-location-changed broadcast")
	}

	fx.fanout.reset()
	applied, err = fx.d.UpdateLocation(ctx, models.LocationUpdate{DriverID: "d5", Location: models.Coord{Lat: 1, Lon: 1}})
	if err != nil || applied || len(fx.fanout.events) != 0 {
		t.Fatalf("offline driver update should be ignored, applied=%v err=%v", applied, err)
	}
	if _, err := fx.d.UpdateLocation(ctx, models.LocationUpdate{DriverID: "d1", Location: models.Coord{Lat: 91}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestReconnectToActiveRide(t *testing.T) {
	fx := newFixture(t)
	r := acceptedRide(t, fx)
	ctx := context.Background()

	got, err := fx.d.ReconnectToActiveRide(ctx, driver)
	if err != nil {
		t.Fatalf("reconnect driver: %v", err)
	}
	if got.Ride.ID != r.ID || got.PassengerInfo == nil || got.PassengerInfo.Name != "Ana" || got.DriverInfo != nil {
		t.Fatalf("unexpected active ride for driver %+v", got)
	}
	got, err = fx.d.ReconnectToActiveRide(ctx, passenger)
	if err != nil {
		t.Fatalf("reconnect passenger: %v", err)
	}
	if got.DriverInfo == nil || got.DriverInfo.Name != "Ben" {
		t.Fatalf("expected driver info for passenger, got %+v", got)
	}

	if err := fx.d.UpdateRideStatus(ctx, driver, r.ID, models.RideCanceled, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := fx.d.ReconnectToActiveRide(ctx, passenger); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after cancel, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := map[Outcome]error{
		OutcomeOK:          nil,
		OutcomeInvalid:     ErrInvalidRequest,
		OutcomeForbidden:   gateway.ErrIdentityMismatch,
		OutcomeNotFound:    storage.ErrNotFound,
		OutcomeTaken:       ridestate.ErrRideTaken,
		OutcomeConflict:    ridestate.ErrRideFinalized,
		OutcomeUnavailable: errors.New("connection refused"),
	}
	for want, err := range cases {
		if got := Classify(err); got != want {
			t.Fatalf("Classify(%v) = %s, want %s", err, got, want)
		}
	}
}
