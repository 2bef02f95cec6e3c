package safety

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

var errNotParty = apperr.Forbidden("not_ride_party", "only the rider or driver of a ride can raise an alert")

// Escalator raises safety alerts to the admin group. Delivery is fire and forget;
// nothing here retries or waits for an acknowledgement.
type Escalator struct {
	Store     storage.Store
	Publisher session.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// TriggerAlert flags rideID on behalf of actorID and notifies the admin group. Repeat
// triggers keep the first timestamp but are delivered again.
func (e *Escalator) TriggerAlert(ctx context.Context, rideID, actorID string) (*models.Ride, error) {
	now := time.Now().UTC()
	if e.Now != nil {
		now = e.Now().UTC()
	}
	r, err := e.Store.UpdateRide(ctx, rideID, func(r *models.Ride) error {
		if actorID != r.RequesterID && (r.DriverID == "" || actorID != r.DriverID) {
			return errNotParty
		}
		if !r.Safety.Triggered {
			r.Safety = models.SafetyFlag{
				Triggered:        true,
				TriggeredAt:      &now,
				TriggeredBy:      actorID,
				ContactsNotified: []string{models.TopicAdmin},
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.SafetyAlerts.Inc()
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("safety alert raised", "ride_id", r.ID, "triggered_by", actorID)

	alert := models.SafetyAlert{
		RideID:      r.ID,
		RideCode:    r.Code,
		RequesterID: r.RequesterID,
		DriverID:    r.DriverID,
		TriggeredBy: actorID,
		Pickup:      r.Pickup.Coord,
		At:          now,
	}
	if err := e.Publisher.Publish(ctx, models.TopicAdmin, alert); err != nil {
		logger.Error("safety alert not delivered", "ride_id", r.ID, "error", err)
	}
	return r, nil
}
