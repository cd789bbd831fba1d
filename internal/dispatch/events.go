package dispatch

import "github.com/example/ride-dispatch/internal/models"

// Inbound intents.
const (
	IntentJoinUser           = "join-user"
	IntentJoinPassenger      = "join-passenger"
	IntentDriverOnline       = "driver-online"
	IntentDriverOffline      = "driver-offline"
	IntentDriverLocation     = "driver-location-update"
	IntentRequestRide        = "request-ride"
	IntentRideResponse       = "ride-response"
	IntentRideStatusUpdate   = "ride-status-update"
	IntentPaymentCompleted   = "payment-completed"
	IntentNotificationsCount = "get-notifications-count"
	IntentNotifications      = "get-notifications"
	IntentMarkRead           = "mark-notification-read"
	IntentMarkAllRead        = "mark-all-notifications-read"
	IntentReconnect          = "reconnect-to-active-ride"
)

// Outbound events.
const (
	EventDriverAvailable       = "driver-available"
	EventDriverLocationChanged = "driver-location-changed"
	EventDriverLocationUpdate  = "driver-location-update"
	EventRideRequest           = "ride-request"
	EventRideStatus            = "ride-status"
	EventRideNotification      = "ride-notification"
	EventRideCompleted         = "ride-completed"
	EventPaymentReceived       = "payment-received"
	EventPaymentConfirmation   = "payment-confirmation"
	EventNewNotification       = "new-notification"
	EventNotificationsCount    = "notifications-count"
	EventNotifications         = "notifications"
	EventActiveRideFound       = "active-ride-found"
)

type DriverAvailable struct {
	DriverID     models.ActorID      `json:"driverId"`
	Status       string              `json:"status"`
	VehicleClass models.VehicleClass `json:"vehicleType,omitempty"`
	Location     *models.Coord       `json:"location,omitempty"`
}

type DriverLocation struct {
	DriverID models.ActorID `json:"driverId"`
	Location models.Coord   `json:"location"`
	RideID   string         `json:"rideId,omitempty"`
}

// RideOffer is the ride-request payload: the ride plus who is asking.
type RideOffer struct {
	*models.Ride
	Passenger *models.PassengerProfile `json:"passengerInfo,omitempty"`
}

type RideStatus struct {
	RideID        string                `json:"rideId"`
	Status        models.RideStatus     `json:"status"`
	DriverID      models.ActorID        `json:"driverId,omitempty"`
	Fare          int64                 `json:"fare,omitempty"`
	PaymentStatus models.PaymentStatus  `json:"paymentStatus,omitempty"`
	Driver        *models.DriverProfile `json:"driverInfo,omitempty"`
	Message       string                `json:"message,omitempty"`
}

type RideNotification struct {
	RideID  string `json:"rideId,omitempty"`
	Message string `json:"message"`
}

type RideCompleted struct {
	RideID  string `json:"rideId"`
	Message string `json:"message"`
	Fare    int64  `json:"fare"`
}

type PaymentReceived struct {
	RideID         string               `json:"rideId"`
	Message        string               `json:"message"`
	PaymentStatus  models.PaymentStatus `json:"paymentStatus"`
	PaymentMethod  string               `json:"paymentMethod"`
	ResetDashboard bool                 `json:"resetDashboard"`
}

type PaymentConfirmation struct {
	RideID         string               `json:"rideId"`
	Status         models.PaymentStatus `json:"status"`
	Message        string               `json:"message"`
	ResetDashboard bool                 `json:"resetDashboard"`
}

type NotificationsCount struct {
	Count int64 `json:"count"`
}

type NotificationList struct {
	Notifications []models.Notification `json:"notifications"`
}

// ActiveRide is what a reconnecting client needs to restore its ride screen.
type ActiveRide struct {
	Ride          *models.Ride             `json:"ride"`
	DriverInfo    *models.DriverProfile    `json:"driverInfo,omitempty"`
	PassengerInfo *models.PassengerProfile `json:"passengerInfo,omitempty"`
}
