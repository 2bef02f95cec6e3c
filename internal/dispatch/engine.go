package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/validate"
)

const (
	DefaultRadiusMeters = 5000
	DefaultFanout       = 10
	DefaultOfferWindow  = 30 * time.Second

	codeAttempts = 3
)

var (
	errDriverUnavailable = apperr.New(apperr.KindInvalidState, "driver_unavailable", "driver is not available")
	errRideNotMatchable  = apperr.New(apperr.KindInvalidState, "ride_not_matchable", "ride is not awaiting a driver")
	errAlreadyTaken      = apperr.New(apperr.KindAlreadyTaken, "already_taken", "ride was accepted by another driver")
	errNoOffer           = apperr.New(apperr.KindInvalidState, "no_offer", "ride was not offered to this driver")
	errOfferExpired      = apperr.New(apperr.KindOfferExpired, "offer_expired", "offer window has closed")
)

// Engine matches new rides to nearby drivers and resolves the accept race.
// Mutual exclusion comes from the store's conditional updates only, so any
// number of Engine instances may serve the same rides.
type Engine struct {
	Store     storage.Store
	Geo       geo.Geo
	Publisher session.Publisher
	// ETA, Sink and Payments may be nil.
	ETA       *eta.Estimator
	Sink      ingest.Sink
	Payments  *payments.Hooks
	Logger    *slog.Logger
	Now       func() time.Time // defaults to time.Now

	RadiusMeters float64
	Fanout       int
	OfferWindow  time.Duration
	// EnforceExpiry rejects accepts from drivers without a live offer for the ride.
	// With it off, any available driver may accept while the ride is unassigned.
	EnforceExpiry bool
}

// RequestResult is the created ride and how many drivers were offered it.
type RequestResult struct {
	Ride       *models.Ride `json:"ride"`
	Candidates int          `json:"candidates"`
}

// AcceptResult is the assigned ride and the winning driver's updated record.
type AcceptResult struct {
	Ride   *models.Ride   `json:"ride"`
	Driver *models.Driver `json:"driver"`
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) sink() ingest.Sink {
	if e.Sink != nil {
		return e.Sink
	}
	return ingest.Discard{}
}

// RequestRide persists a new ride and fans ranked offers out to the nearest
// available drivers of the requested class. Finding nobody is not an error:
// the ride stays requested and the requester is told there were no matches.
func (e *Engine) RequestRide(ctx context.Context, req models.RideRequest) (RequestResult, error) {
	if err := validate.RideRequest(req); err != nil {
		return RequestResult{}, err
	}
	start := time.Now()
	now := e.now()

	ride, err := e.createRide(ctx, req, now)
	if err != nil {
		return RequestResult{}, err
	}
	observability.RidesRequested.Inc()
	log := e.logger().With("ride_id", ride.ID, "ride_code", ride.Code)

	cands, err := e.candidates(ctx, ride)
	if err != nil {
		// the ride exists; a caller retry would duplicate it, so report zero matches instead
		log.Warn("candidate search failed", "error", err)
		cands = nil
	}

	if len(cands) > 0 {
		ride, err = e.recordOffers(ctx, ride.ID, cands, now)
		if err != nil {
			log.Warn("recording offers failed", "error", err)
			cands = nil
		}
	}

	if len(cands) == 0 {
		e.publish(ctx, models.IdentityTopic(ride.RequesterID), models.NoDrivers{RideID: ride.ID})
	} else {
		requesterName := ""
		if u, err := e.Store.GetUser(ctx, ride.RequesterID); err == nil {
			requesterName = u.Name
		}
		for _, c := range cands {
			offer, _ := ride.OfferFor(c.Driver.ID)
			e.publish(ctx, models.IdentityTopic(c.Driver.ID), models.RideOffer{
				RideID:         ride.ID,
				RideCode:       ride.Code,
				Priority:       c.Priority,
				Pickup:         ride.Pickup.Location,
				Drop:           ride.Drop.Location,
				VehicleClass:   ride.VehicleClass,
				FareTotal:      ride.Fare.Total,
				DistanceMeters: c.DistanceMeters,
				ETA:            c.ETA,
				RequesterName:  requesterName,
				ExpiresAt:      offer.ExpiresAt,
			})
		}
		observability.OffersSent.Add(float64(len(cands)))
	}
	e.publish(ctx, models.TopicDrivers, models.RideSummary{
		RideID:       ride.ID,
		VehicleClass: ride.VehicleClass,
		Pickup:       ride.Pickup.Coord,
		Candidates:   len(cands),
	})
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	e.emit(ctx, ride, now)
	log.Info("ride requested", "candidates", len(cands), "vehicle_class", ride.VehicleClass)

	return RequestResult{Ride: ride, Candidates: len(cands)}, nil
}

func (e *Engine) createRide(ctx context.Context, req models.RideRequest, now time.Time) (*models.Ride, error) {
	otp, err := newOTP()
	if err != nil {
		return nil, err
	}
	var lastErr error
	for i := 0; i < codeAttempts; i++ {
		ride := &models.Ride{
			ID:           newRideID(),
			Code:         newRideCode(),
			RequesterID:  req.RequesterID,
			VehicleClass: req.VehicleClass,
			Pickup:       models.Pickup{Location: *req.Pickup},
			Drop:         models.Drop{Location: *req.Drop},
			Fare:         *req.Fare,
			Status:       models.StatusRequested,
			OTP:          otp,
			RequestedAt:  now,
			UpdatedAt:    now,
		}
		err := e.Store.CreateRide(ctx, ride)
		if err == nil {
			return ride, nil
		}
		if apperr.CodeOf(err) != "duplicate_ride_code" {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Engine) candidates(ctx context.Context, ride *models.Ride) ([]matcher.Candidate, error) {
	radius := e.RadiusMeters
	if radius <= 0 {
		radius = DefaultRadiusMeters
	}
	fanout := e.Fanout
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	hits, err := storage.NearbyDrivers(ctx, e.Store, e.Geo, storage.NearbyQuery{
		Center:        ride.Pickup.Coord,
		RadiusMeters:  radius,
		VehicleClass:  ride.VehicleClass,
		OnlyAvailable: true,
		Limit:         fanout,
	})
	if err != nil {
		return nil, err
	}
	return matcher.Rank(ctx, ride.Pickup.Coord, hits, e.ETA), nil
}

// recordOffers stores the offers on the ride before any is published, so an accept
// arriving on another instance can check it.
func (e *Engine) recordOffers(ctx context.Context, rideID string, cands []matcher.Candidate, now time.Time) (*models.Ride, error) {
	window := e.OfferWindow
	if window <= 0 {
		window = DefaultOfferWindow
	}
	offers := make([]models.MatchOffer, 0, len(cands))
	for _, c := range cands {
		offers = append(offers, models.MatchOffer{
			DriverID:       c.Driver.ID,
			Priority:       c.Priority,
			DistanceMeters: c.DistanceMeters,
			ETA:            c.ETA,
			ExpiresAt:      now.Add(window),
		})
	}
	return e.Store.UpdateRide(ctx, rideID, func(r *models.Ride) error {
		r.Offers = append(r.Offers, offers...)
		return nil
	})
}

// AcceptOffer assigns rideID to driverID if no other driver got there first.
//
// The driver is claimed first, then the ride is claimed with a single conditional
// update ("driver unset and status requested"); that update is the only thing that
// decides the race. A driver claimed for a ride it then loses is released again.
func (e *Engine) AcceptOffer(ctx context.Context, driverID, rideID string) (res AcceptResult, err error) {
	defer func() {
		outcome := "accepted"
		if err != nil {
			outcome = apperr.CodeOf(err)
		}
		observability.AcceptOutcomes.WithLabelValues(outcome).Inc()
	}()
	now := e.now()
	log := e.logger().With("ride_id", rideID, "driver_id", driverID)

	d, err := e.Store.GetDriver(ctx, driverID)
	if err != nil {
		return AcceptResult{}, err
	}
	if d.CurrentRide != "" {
		// a driver still bound to an ended ride lost its release; settle it now
		if d, err = storage.ReleaseIfFinished(ctx, e.Store, d); err != nil {
			return AcceptResult{}, err
		}
	}
	if !d.Available || d.CurrentRide != "" {
		return AcceptResult{}, errDriverUnavailable
	}
	r, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := e.checkMatchable(r, driverID, now); err != nil {
		return AcceptResult{}, err
	}

	claimed, err := e.Store.UpdateDriver(ctx, driverID, func(d *models.Driver) error {
		if !d.Available || d.CurrentRide != "" {
			return errDriverUnavailable
		}
		d.Available = false
		d.CurrentRide = rideID
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}

	won, err := e.Store.UpdateRide(ctx, rideID, func(r *models.Ride) error {
		if err := e.checkMatchable(r, driverID, now); err != nil {
			return err
		}
		r.DriverID = driverID
		r.Status = models.StatusAccepted
		r.AcceptedAt = &now
		return nil
	})
	if err != nil {
		won, err = e.reconcile(ctx, driverID, rideID, err, log)
		if err != nil {
			return AcceptResult{}, err
		}
	}

	observability.RideTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	log.Info("ride accepted")
	e.announceAssignment(ctx, won, claimed)
	e.emit(ctx, won, now)
	e.Payments.OnAccepted(ctx, won)
	return AcceptResult{Ride: won, Driver: claimed}, nil
}

func (e *Engine) checkMatchable(r *models.Ride, driverID string, now time.Time) error {
	if r.DriverID != "" {
		return errAlreadyTaken
	}
	if r.Status != models.StatusRequested {
		return errRideNotMatchable
	}
	if !e.EnforceExpiry {
		return nil
	}
	offer, ok := r.OfferFor(driverID)
	if !ok {
		return errNoOffer
	}
	if offer.Expired(now) {
		return errOfferExpired
	}
	return nil
}

// reconcile handles a failed ride claim. A store fault leaves the outcome unknown, so
// the ride is re-read rather than written again: if it already carries this driver
// the claim did land. Anything else releases the driver.
func (e *Engine) reconcile(ctx context.Context, driverID, rideID string, claimErr error, log *slog.Logger) (*models.Ride, error) {
	if apperr.KindOf(claimErr) == apperr.KindStoreUnavailable {
		cur, err := e.Store.GetRide(ctx, rideID)
		if err != nil {
			log.Error("ride claim outcome unknown, driver left bound", "error", claimErr, "reread_error", err)
			return nil, claimErr
		}
		if cur.DriverID == driverID {
			return cur, nil
		}
		if cur.DriverID != "" {
			claimErr = errAlreadyTaken
		}
	}
	if _, err := storage.ReleaseDriver(ctx, e.Store, driverID, rideID); err != nil {
		log.Error("releasing driver after lost claim", "error", err)
	}
	if errors.Is(claimErr, apperr.ErrAlreadyTaken) {
		log.Info("accept lost race")
	}
	return nil, claimErr
}

func (e *Engine) announceAssignment(ctx context.Context, r *models.Ride, d *models.Driver) {
	e.publish(ctx, models.IdentityTopic(r.RequesterID), models.RideAssigned{
		RideID: r.ID,
		Driver: d.Profile(),
		OTP:    r.OTP,
	})
	e.publish(ctx, models.IdentityTopic(d.ID), models.RideDetails{
		Ride:        r,
		OTPRequired: true,
		OTPLength:   otpLength,
	})
	for _, o := range r.Offers {
		if o.DriverID == d.ID {
			continue
		}
		e.publish(ctx, models.IdentityTopic(o.DriverID), models.RideTaken{RideID: r.ID})
	}
}

func (e *Engine) publish(ctx context.Context, topic string, ev models.Event) {
	if err := e.Publisher.Publish(ctx, topic, ev); err != nil {
		e.logger().Warn("publish failed", "topic", topic, "type", ev.EventType(), "error", err)
	}
}

func (e *Engine) emit(ctx context.Context, r *models.Ride, at time.Time) {
	if err := e.sink().PublishRideEvent(ctx, ingest.NewRideEvent(r, at)); err != nil {
		e.logger().Warn("ride event not streamed", "ride_id", r.ID, "error", err)
	}
}
