// Package telemetry relays driver positions to riders and to the ambient map feed,
// and tracks driver presence in the geo index.
package telemetry

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/validate"
)

const stripes = 64

var (
	errStaleReport = apperr.New(apperr.KindInvalidState, "stale_location", "a newer location is already stored")
	errNotBound    = errors.New("ride no longer bound to driver")
)

// Relay is safe for concurrent use. Reports from one driver are applied in arrival
// order on this instance; across instances the store rejects a report older than the
// stored one.
type Relay struct {
	store  storage.Store
	geo    geo.Geo
	pub    session.Publisher
	sink   ingest.Sink
	logger *slog.Logger
	now    func() time.Time

	locks [stripes]sync.Mutex
}

func NewRelay(st storage.Store, idx geo.Geo, pub session.Publisher, sink ingest.Sink, logger *slog.Logger) *Relay {
	if sink == nil {
		sink = ingest.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: st, geo: idx, pub: pub, sink: sink, logger: logger, now: time.Now}
}

func (r *Relay) lock(driverID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(driverID))
	return &r.locks[h.Sum32()%stripes]
}

// ReportLocation stores the driver's position and fans it out: to the requester of the
// ride the driver is bound to, and anonymously to every connected session.
func (r *Relay) ReportLocation(ctx context.Context, driverID string, loc models.Coord) error {
	if err := validate.Coord("loc", loc); err != nil {
		return err
	}
	mu := r.lock(driverID)
	mu.Lock()
	defer mu.Unlock()

	at := r.now().UTC()
	d, err := r.store.UpdateDriver(ctx, driverID, func(d *models.Driver) error {
		if at.Before(d.Updated) {
			return errStaleReport
		}
		d.Loc = loc
		d.Updated = at
		return nil
	})
	if err != nil {
		return err
	}
	observability.LocationReports.Inc()
	log := r.logger.With("driver_id", driverID)

	if d.Online {
		if err := r.geo.Upsert(ctx, driverID, loc); err != nil {
			log.Warn("geo index not updated", "error", err)
		}
	}
	if d.CurrentRide != "" {
		r.appendRoute(ctx, d, at, log)
	}
	r.publish(ctx, models.TopicSessions, models.VehiclePosition{VehicleClass: d.VehicleClass, Loc: loc})
	r.stream(ctx, d, at)
	return nil
}

func (r *Relay) appendRoute(ctx context.Context, d *models.Driver, at time.Time, log *slog.Logger) {
	ride, err := r.store.UpdateRide(ctx, d.CurrentRide, func(ride *models.Ride) error {
		if ride.DriverID != d.ID || !ride.Status.Active() {
			return errNotBound
		}
		ride.Route = append(ride.Route, models.RouteSample{Coord: d.Loc, At: at})
		return nil
	})
	if errors.Is(err, errNotBound) {
		return
	}
	if err != nil {
		log.Warn("route sample not recorded", "ride_id", d.CurrentRide, "error", err)
		return
	}
	r.publish(ctx, models.IdentityTopic(ride.RequesterID), models.LocationUpdate{
		RideID:   ride.ID,
		DriverID: d.ID,
		Loc:      d.Loc,
		At:       at,
	})
}

// SetOnline toggles the driver's presence. Going offline drops the driver from the geo
// index so it stops receiving offers; a bound ride is left untouched.
func (r *Relay) SetOnline(ctx context.Context, driverID string, online bool) (*models.Driver, error) {
	mu := r.lock(driverID)
	mu.Lock()
	defer mu.Unlock()

	cur, err := r.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if cur.CurrentRide != "" {
		if _, err := storage.ReleaseIfFinished(ctx, r.store, cur); err != nil {
			r.logger.Warn("stale ride binding not cleared", "driver_id", driverID, "ride_id", cur.CurrentRide, "error", err)
		}
	}

	d, err := r.store.UpdateDriver(ctx, driverID, func(d *models.Driver) error {
		d.Online = online
		if online && d.CurrentRide == "" {
			d.Available = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	switch {
	case !online:
		err = r.geo.Remove(ctx, driverID)
	case !d.Loc.IsZero():
		err = r.geo.Upsert(ctx, driverID, d.Loc)
	}
	if err != nil {
		// the record is authoritative; the next location report re-indexes the driver
		r.logger.Warn("geo index not updated", "driver_id", driverID, "online", online, "error", err)
	}
	r.logger.Info("driver presence changed", "driver_id", driverID, "online", online)
	r.stream(ctx, d, r.now().UTC())
	return d, nil
}

func (r *Relay) publish(ctx context.Context, topic string, ev models.Event) {
	if err := r.pub.Publish(ctx, topic, ev); err != nil {
		r.logger.Warn("publish failed", "topic", topic, "type", ev.EventType(), "error", err)
	}
}

func (r *Relay) stream(ctx context.Context, d *models.Driver, at time.Time) {
	rep := models.LocationReport{
		DriverID:     d.ID,
		VehicleClass: d.VehicleClass,
		Loc:          d.Loc,
		Online:       d.Online,
		Rating:       d.Rating,
		At:           at,
	}
	if err := r.sink.PublishLocation(ctx, rep); err != nil {
		r.logger.Warn("location not streamed", "driver_id", d.ID, "error", err)
	}
}
