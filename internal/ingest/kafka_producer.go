package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// RideEvent is the lifecycle record streamed for every ride transition.
type RideEvent struct {
	RideID      string            `json:"ride_id"`
	RideCode    string            `json:"ride_code"`
	Status      models.RideStatus `json:"status"`
	RequesterID string            `json:"requester_id"`
	DriverID    string            `json:"driver_id,omitempty"`
	FareTotal   float64           `json:"fare_total"`
	At          time.Time         `json:"at"`
}

// NewRideEvent snapshots r for the event stream.
func NewRideEvent(r *models.Ride, at time.Time) RideEvent {
	return RideEvent{
		RideID:      r.ID,
		RideCode:    r.Code,
		Status:      r.Status,
		RequesterID: r.RequesterID,
		DriverID:    r.DriverID,
		FareTotal:   r.Fare.Total,
		At:          at,
	}
}

// Sink receives the analytics/audit stream. Publishing is best effort: callers log
// failures and carry on.
type Sink interface {
	PublishLocation(ctx context.Context, rep models.LocationReport) error
	PublishRideEvent(ctx context.Context, ev RideEvent) error
}

// Discard is the Sink used when no broker is configured.
type Discard struct{}

func (Discard) PublishLocation(context.Context, models.LocationReport) error { return nil }
func (Discard) PublishRideEvent(context.Context, RideEvent) error            { return nil }

// KafkaProducer writes location reports and ride events to their topics. Messages are
// keyed by driver or ride id so each key stays ordered within its partition.
type KafkaProducer struct {
	locations *kafka.Writer
	rides     *kafka.Writer
	timeout   time.Duration
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		}
	}
	return &KafkaProducer{locations: newWriter(locationTopic), rides: newWriter(rideTopic), timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, rep models.LocationReport) error {
	b, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return k.write(ctx, k.locations, kafka.Message{Key: []byte(rep.DriverID), Value: b, Time: rep.At})
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev RideEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.write(ctx, k.rides, kafka.Message{Key: []byte(ev.RideID), Value: b, Time: ev.At})
}

func (k *KafkaProducer) write(ctx context.Context, w *kafka.Writer, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return w.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k == nil {
		return nil
	}
	err := k.locations.Close()
	if rerr := k.rides.Close(); err == nil {
		err = rerr
	}
	return err
}
