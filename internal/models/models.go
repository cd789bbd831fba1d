package models

import (
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lon float64 `json:"lon" bson:"lon"`
}

// VehicleClass is the category of vehicle a driver operates and a passenger requests.
type VehicleClass string

const (
	VehicleBike     VehicleClass = "Bike"
	VehicleCar      VehicleClass = "Car"
	VehicleElectric VehicleClass = "Electric"
)

// NormalizeVehicleClass maps case variants of the known classes onto their canonical
// spelling. Unknown classes are returned trimmed but otherwise untouched.
func NormalizeVehicleClass(s string) VehicleClass {
	s = strings.TrimSpace(s)
	for _, c := range []VehicleClass{VehicleBike, VehicleCar, VehicleElectric} {
		if strings.EqualFold(s, string(c)) {
			return c
		}
	}
	return VehicleClass(s)
}

type RideStatus string

const (
	RideRequested RideStatus = "requested"
	RideAccepted  RideStatus = "accepted"
	RidePickedUp  RideStatus = "picked_up"
	RideCompleted RideStatus = "completed"
	RideCanceled  RideStatus = "canceled"
)

func (s RideStatus) IsTerminal() bool { return s == RideCompleted || s == RideCanceled }

// ActiveRideStatuses lists every non-terminal status.
var ActiveRideStatuses = []RideStatus{RideRequested, RideAccepted, RidePickedUp}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

type Ride struct {
	ID                  string        `json:"rideId" bson:"_id"`
	PassengerID         ActorID       `json:"passengerId" bson:"passenger_id"`
	DriverID            ActorID       `json:"driverId,omitempty" bson:"driver_id,omitempty"`
	PickupLocation      Coord         `json:"pickupLocation" bson:"pickup_location"`
	DropoffLocation     Coord         `json:"dropoffLocation" bson:"dropoff_location"`
	PickupLocationName  string        `json:"pickupLocationName" bson:"pickup_location_name"`
	DropoffLocationName string        `json:"dropoffLocationName" bson:"dropoff_location_name"`
	VehicleClass        VehicleClass  `json:"vehicleType" bson:"vehicle_class"`
	Distance            float64       `json:"distance" bson:"distance"`
	EstimatedTime       float64       `json:"estimatedTime" bson:"estimated_time"`
	Fare                int64         `json:"fare" bson:"fare"`
	PaymentMethod       string        `json:"paymentMethod" bson:"payment_method"`
	PaymentStatus       PaymentStatus `json:"paymentStatus" bson:"payment_status"`
	Status              RideStatus    `json:"status" bson:"status"`
	RejectedBy          []ActorID     `json:"-" bson:"rejected_by"`
	CreatedAt           time.Time     `json:"createdAt" bson:"created_at"`
	UpdatedAt           time.Time     `json:"updatedAt" bson:"updated_at"`
}

// Clone returns a deep copy so callers never share the rejection slice.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.RejectedBy = append([]ActorID(nil), r.RejectedBy...)
	return &c
}

// HasRejected reports whether the driver already declined this ride.
func (r *Ride) HasRejected(id ActorID) bool {
	for _, d := range r.RejectedBy {
		if d == id {
			return true
		}
	}
	return false
}

type NotificationType string

const (
	NotifyTripUpdate       NotificationType = "trip_update"
	NotifyStatusUpdate     NotificationType = "status_update"
	NotifyTripCancelled    NotificationType = "trip_cancelled"
	NotifyNewBooking       NotificationType = "new_booking"
	NotifyBookingCancelled NotificationType = "booking_cancelled"
	NotifyTripCompleted    NotificationType = "trip_completed"
	NotifyPaymentReceived  NotificationType = "payment_received"
	NotifyRideRequest      NotificationType = "ride_request"
	NotifyRideAccepted     NotificationType = "ride_accepted"
	NotifyRideStarted      NotificationType = "ride_started"
	NotifyRideCompleted    NotificationType = "ride_completed"
	NotifyRideCanceled     NotificationType = "ride_canceled"
	NotifyPaymentCompleted NotificationType = "payment_completed"
)

var notificationTypes = map[NotificationType]struct{}{
	NotifyTripUpdate: {}, NotifyStatusUpdate: {}, NotifyTripCancelled: {}, NotifyNewBooking: {},
	NotifyBookingCancelled: {}, NotifyTripCompleted: {}, NotifyPaymentReceived: {}, NotifyRideRequest: {},
	NotifyRideAccepted: {}, NotifyRideStarted: {}, NotifyRideCompleted: {}, NotifyRideCanceled: {},
	NotifyPaymentCompleted: {},
}

func (t NotificationType) Valid() bool {
	_, ok := notificationTypes[t]
	return ok
}

type Notification struct {
	ID        string           `json:"id" bson:"_id"`
	UserID    ActorID          `json:"userId" bson:"user_id"`
	Title     string           `json:"title" bson:"title"`
	Message   string           `json:"message" bson:"message"`
	Type      NotificationType `json:"type" bson:"type"`
	RelatedID string           `json:"relatedId,omitempty" bson:"related_id,omitempty"`
	Read      bool             `json:"read" bson:"read"`
	CreatedAt time.Time        `json:"createdAt" bson:"created_at"`
}

type PresenceRecord struct {
	DriverID     ActorID      `json:"driverId"`
	Online       bool         `json:"online"`
	VehicleClass VehicleClass `json:"vehicleType"`
	Location     *Coord       `json:"location,omitempty"`
	LastSeenAt   time.Time    `json:"lastSeenAt"`
}

type DriverProfile struct {
	ID           ActorID      `json:"id" bson:"_id"`
	Name         string       `json:"name" bson:"name"`
	Phone        string       `json:"phone,omitempty" bson:"phone"`
	VehicleClass VehicleClass `json:"vehicleType" bson:"vehicle_class"`
	VehiclePlate string       `json:"vehiclePlate" bson:"vehicle_plate"`
	VehicleModel string       `json:"vehicleModel,omitempty" bson:"vehicle_model"`
}

type PassengerProfile struct {
	ID    ActorID `json:"id" bson:"_id"`
	Name  string  `json:"name" bson:"name"`
	Phone string  `json:"phone,omitempty" bson:"phone"`
}

// LocationUpdate is a single driver telemetry sample.
type LocationUpdate struct {
	DriverID ActorID   `json:"driverId"`
	Location Coord     `json:"location"`
	At       time.Time `json:"at"`
}

// RideEvent is the lifecycle record streamed after every durable ride change.
type RideEvent struct {
	RideID        string        `json:"rideId"`
	Status        RideStatus    `json:"status"`
	PassengerID   ActorID       `json:"passengerId"`
	DriverID      ActorID       `json:"driverId,omitempty"`
	VehicleClass  VehicleClass  `json:"vehicleType"`
	Fare          int64         `json:"fare"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	At            time.Time     `json:"at"`
}

func NewRideEvent(r *Ride) RideEvent {
	return RideEvent{
		RideID:        r.ID,
		Status:        r.Status,
		PassengerID:   r.PassengerID,
		DriverID:      r.DriverID,
		VehicleClass:  r.VehicleClass,
		Fare:          r.Fare,
		PaymentStatus: r.PaymentStatus,
		At:            r.UpdatedAt,
	}
}
