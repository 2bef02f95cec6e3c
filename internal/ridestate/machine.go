// Package ridestate moves assigned rides through their lifecycle and records the
// cancellation and rating outcomes.
package ridestate

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	maxReviewLength = 500

	// driver updates that follow a committed ride change are retried on store faults
	driverUpdateAttempts = 4
	driverRetryDelay     = 25 * time.Millisecond
)

var (
	errNotRideDriver    = apperr.Forbidden("not_ride_driver", "caller is not the assigned driver")
	errNotRideRequester = apperr.Forbidden("not_ride_requester", "caller is not the ride requester")
	errNoDriver         = apperr.New(apperr.KindInvalidState, "no_driver_assigned", "ride has no driver yet")
	errNotCompleted     = apperr.New(apperr.KindInvalidState, "ride_not_completed", "only completed rides can be rated")
	errAlreadyRated     = apperr.New(apperr.KindAlreadyRated, "already_rated", "ride was already rated")
	errOTPRequired      = apperr.Validation("otp_required", "pickup code is required to start the ride")
	errOTPMismatch      = apperr.Validation("otp_mismatch", "pickup code does not match")
)

// allowedFrom lists, per driver-initiated target status, the statuses it may be entered from.
// requested -> accepted belongs to the dispatch engine and cancelled is handled by Cancel.
var allowedFrom = map[models.RideStatus][]models.RideStatus{
	models.StatusArriving:  {models.StatusAccepted},
	models.StatusArrived:   {models.StatusAccepted, models.StatusArriving},
	models.StatusStarted:   {models.StatusAccepted, models.StatusArriving, models.StatusArrived},
	models.StatusCompleted: {models.StatusStarted},
}

// Machine applies lifecycle transitions through conditional store updates. Payments,
// Sink and Logger may be nil.
type Machine struct {
	Store     storage.Store
	Publisher session.Publisher
	Sink      ingest.Sink
	Payments  *payments.Hooks
	Logger    *slog.Logger
	Now       func() time.Time
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Machine) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Advance moves rideID to status on behalf of its assigned driver. Starting requires
// the pickup code the requester holds.
func (m *Machine) Advance(ctx context.Context, driverID, rideID string, to models.RideStatus, otp string) (*models.Ride, error) {
	from, ok := allowedFrom[to]
	if !ok {
		return nil, apperr.Validation("invalid_status", "status cannot be set directly: "+string(to))
	}
	now := m.now()
	var prev models.RideStatus
	r, err := m.Store.UpdateRide(ctx, rideID, func(r *models.Ride) error {
		prev = r.Status
		if r.DriverID == "" {
			if r.Status.Terminal() {
				return apperr.InvalidTransition(r.Status, to)
			}
			return errNoDriver
		}
		if r.DriverID != driverID {
			return errNotRideDriver
		}
		if !slices.Contains(from, r.Status) {
			return apperr.InvalidTransition(r.Status, to)
		}
		switch to {
		case models.StatusArrived:
			r.Pickup.ArrivedAt = &now
		case models.StatusStarted:
			if err := checkOTP(r.OTP, otp); err != nil {
				return err
			}
			r.StartedAt = &now
		case models.StatusCompleted:
			r.CompletedAt = &now
			r.Drop.ReachedAt = &now
			if r.StartedAt != nil {
				r.DurationSeconds = now.Sub(*r.StartedAt).Seconds()
			}
		}
		r.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := m.logger().With("ride_id", r.ID, "driver_id", driverID)
	if to == models.StatusCompleted {
		if err := m.settle(ctx, driverID, r); err != nil {
			log.Error("driver not released after completion", "error", err)
		}
		m.Payments.OnCompleted(ctx, r)
	}

	observability.RideTransitions.WithLabelValues(string(to)).Inc()
	log.Info("ride status changed", "from", prev, "to", to)
	m.publish(ctx, models.IdentityTopic(r.RequesterID), models.RideStatusChanged{RideID: r.ID, Status: to, At: now})
	m.emit(ctx, r, now)
	return r, nil
}

func (m *Machine) MarkArriving(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	return m.Advance(ctx, driverID, rideID, models.StatusArriving, "")
}

func (m *Machine) MarkArrived(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	return m.Advance(ctx, driverID, rideID, models.StatusArrived, "")
}

func (m *Machine) Start(ctx context.Context, driverID, rideID, otp string) (*models.Ride, error) {
	return m.Advance(ctx, driverID, rideID, models.StatusStarted, otp)
}

func (m *Machine) Complete(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	return m.Advance(ctx, driverID, rideID, models.StatusCompleted, "")
}

// Cancel ends a non-terminal ride. A terminal ride cannot be cancelled again; the second
// call fails with an invalid transition. The system party may cancel any ride.
func (m *Machine) Cancel(ctx context.Context, by models.Party, actorID, rideID, reason string) (*models.Ride, error) {
	if len(reason) > 256 {
		return nil, apperr.Validation("invalid_reason", "reason is too long")
	}
	switch by {
	case models.PartyRequester, models.PartyDriver, models.PartySystem:
	default:
		return nil, apperr.Validation("invalid_party", "unknown cancelling party")
	}
	now := m.now()
	r, err := m.Store.UpdateRide(ctx, rideID, func(r *models.Ride) error {
		if r.Status.Terminal() {
			return apperr.InvalidTransition(r.Status, models.StatusCancelled)
		}
		switch by {
		case models.PartyRequester:
			if r.RequesterID != actorID {
				return errNotRideRequester
			}
		case models.PartyDriver:
			if r.DriverID == "" || r.DriverID != actorID {
				return errNotRideDriver
			}
		}
		r.Status = models.StatusCancelled
		r.CancelledAt = &now
		r.Cancellation = &models.Cancellation{By: by, ActorID: actorID, Reason: reason, At: now}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := m.logger().With("ride_id", r.ID, "cancelled_by", by)
	if r.DriverID != "" {
		if err := m.settle(ctx, r.DriverID, r); err != nil {
			log.Error("driver not released after cancellation", "driver_id", r.DriverID, "error", err)
		}
	}
	m.Payments.OnCancelled(ctx, r)

	observability.RideTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	log.Info("ride cancelled", "reason", reason)

	notice := models.RideCancelled{RideID: r.ID, By: by, Reason: reason}
	if by != models.PartyRequester {
		m.publish(ctx, models.IdentityTopic(r.RequesterID), notice)
	}
	if r.DriverID != "" {
		if by != models.PartyDriver {
			m.publish(ctx, models.IdentityTopic(r.DriverID), notice)
		}
	} else {
		// withdraw the outstanding offers
		for _, o := range r.Offers {
			m.publish(ctx, models.IdentityTopic(o.DriverID), notice)
		}
	}
	m.emit(ctx, r, now)
	return r, nil
}

// Rate records the requester's single rating for a completed ride and folds it into
// the driver's running average.
func (m *Machine) Rate(ctx context.Context, requesterID, rideID string, score int, review string) (*models.Ride, error) {
	if score < 1 || score > 5 {
		return nil, apperr.Validation("invalid_score", "score must be between 1 and 5")
	}
	review = strings.TrimSpace(review)
	if len(review) > maxReviewLength {
		return nil, apperr.Validation("invalid_review", "review is too long")
	}
	now := m.now()
	r, err := m.Store.UpdateRide(ctx, rideID, func(r *models.Ride) error {
		if r.RequesterID != requesterID {
			return errNotRideRequester
		}
		if r.Status != models.StatusCompleted {
			return errNotCompleted
		}
		if r.Rating != nil {
			return errAlreadyRated
		}
		r.Rating = &models.RideRating{Score: score, Review: review, At: now}
		return nil
	})
	if errors.Is(err, errAlreadyRated) {
		// a rating whose driver update was lost is applied on the next attempt
		if cur, gerr := m.Store.GetRide(ctx, rideID); gerr == nil && !cur.Rating.Applied {
			m.applyRating(ctx, cur)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	m.applyRating(ctx, r)
	return r, nil
}

// settle releases the driver from a finished ride, retrying store faults. Settle is a
// no-op once the driver is released, so a retry never credits twice.
func (m *Machine) settle(ctx context.Context, driverID string, r *models.Ride) error {
	return storage.Retry(ctx, driverUpdateAttempts, driverRetryDelay, func() error {
		_, err := storage.Settle(ctx, m.Store, driverID, r)
		return err
	})
}

// applyRating folds the ride's score into the driver's average and marks the rating
// applied. The driver keeps the ids of rides it has counted, so a repeat is ignored.
func (m *Machine) applyRating(ctx context.Context, r *models.Ride) {
	log := m.logger().With("ride_id", r.ID, "driver_id", r.DriverID)
	err := storage.Retry(ctx, driverUpdateAttempts, driverRetryDelay, func() error {
		_, err := m.Store.UpdateDriver(ctx, r.DriverID, func(d *models.Driver) error {
			d.AddRatingFor(r.ID, r.Rating.Score)
			return nil
		})
		return err
	})
	if err != nil {
		log.Error("rating not applied to driver", "error", err)
		return
	}
	r.Rating.Applied = true
	_, err = m.Store.UpdateRide(ctx, r.ID, func(cur *models.Ride) error {
		if cur.Rating != nil {
			cur.Rating.Applied = true
		}
		return nil
	})
	if err != nil {
		log.Warn("rating not marked applied", "error", err)
	}
}

func checkOTP(want, got string) error {
	if got == "" {
		return errOTPRequired
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return errOTPMismatch
	}
	return nil
}

func (m *Machine) publish(ctx context.Context, topic string, ev models.Event) {
	if m.Publisher == nil {
		return
	}
	if err := m.Publisher.Publish(ctx, topic, ev); err != nil {
		m.logger().Warn("publish failed", "topic", topic, "type", ev.EventType(), "error", err)
	}
}

func (m *Machine) emit(ctx context.Context, r *models.Ride, at time.Time) {
	if m.Sink == nil {
		return
	}
	if err := m.Sink.PublishRideEvent(ctx, ingest.NewRideEvent(r, at)); err != nil {
		m.logger().Warn("ride event not streamed", "ride_id", r.ID, "error", err)
	}
}
