package gateway

import (
	"encoding/json"

	"github.com/example/ride-dispatch/internal/models"
)

// EventError is sent to a single connection when one of its intents was rejected.
const EventError = "error"

// Frame is the envelope used in both directions on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ErrorPayload struct {
	Intent  string `json:"intent,omitempty"`
	Message string `json:"message"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

func UserRoom(id models.ActorID) string { return "user-" + string(id) }

// DriverRoom is joined while the driver is online; ride offers go here.
func DriverRoom(id models.ActorID) string { return "driver-" + string(id) }

func PassengerRoom(id models.ActorID) string { return "passenger-" + string(id) }
