// Package ingest moves ride lifecycle events and driver telemetry through Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrInvalidLocation = errors.New("invalid location update")

const publishTimeout = 2 * time.Second

// Producer writes ride events keyed by ride id and driver locations keyed by driver id, so
// each ride and each driver stays ordered within its partition.
type Producer struct {
	locations *kafka.Writer
	rides     *kafka.Writer
}

func NewProducer(brokers []string, locationTopic, rideTopic string) *Producer {
	return &Producer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.Hash{}}),
		rides:     kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: rideTopic, Balancer: &kafka.Hash{}}),
	}
}

func (p *Producer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	if err := ValidateLocation(u); err != nil {
		return err
	}
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.locations.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

func (p *Producer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.rides.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b})
}

func (p *Producer) Close() error {
	return errors.Join(p.locations.Close(), p.rides.Close())
}

// DecodeLocation parses and validates a telemetry message.
func DecodeLocation(b []byte) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	return u, ValidateLocation(u)
}

func ValidateLocation(u models.LocationUpdate) error {
	if u.DriverID.IsZero() {
		return fmt.Errorf("%w: %v", ErrInvalidLocation, models.ErrEmptyActorID)
	}
	lat, lon := u.Location.Lat, u.Location.Lon
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidLocation)
	}
	return nil
}
