package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

var errDriverBusy = apperr.New(apperr.KindInvalidState, "driver_busy", "vehicle class cannot change during a ride")

// RideMutation inspects the current ride and either mutates it in place or returns
// an error to abort. It is the predicate and the mutation of a conditional update in one.
type RideMutation func(r *models.Ride) error

// DriverMutation is the driver-record counterpart of RideMutation.
type DriverMutation func(d *models.Driver) error

// Store persists rides, drivers and users. UpdateRide and UpdateDriver are the only
// ways to change an existing record: the mutation runs against the current state and is
// committed only if that state was not changed underneath it.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRidesByRequester(ctx context.Context, requesterID string) ([]*models.Ride, error)
	UpdateRide(ctx context.Context, id string, fn RideMutation) (*models.Ride, error)

	// SaveDriver inserts a new driver; an existing id is a duplicate_driver error.
	SaveDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetDrivers(ctx context.Context, ids []string) (map[string]*models.Driver, error)
	UpdateDriver(ctx context.Context, id string, fn DriverMutation) (*models.Driver, error)

	SaveUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// ReleaseDriver frees driverID if it is still bound to rideID.
func ReleaseDriver(ctx context.Context, st Store, driverID, rideID string) (*models.Driver, error) {
	return st.UpdateDriver(ctx, driverID, func(d *models.Driver) error {
		if d.CurrentRide == rideID {
			d.Available = true
			d.CurrentRide = ""
		}
		return nil
	})
}

// Settle frees driverID from the finished ride r and, when r completed with that
// driver, credits the ride and its fare in the same update. Once the driver is no
// longer bound to r a repeat changes nothing, so it is safe to retry.
func Settle(ctx context.Context, st Store, driverID string, r *models.Ride) (*models.Driver, error) {
	return st.UpdateDriver(ctx, driverID, func(d *models.Driver) error {
		if d.CurrentRide != r.ID {
			return nil
		}
		d.Available = true
		d.CurrentRide = ""
		if r.Status == models.StatusCompleted && r.DriverID == driverID {
			d.TotalRides++
			d.TotalEarnings += r.Fare.Total
		}
		return nil
	})
}

// UpdateProfile copies the registrar-owned fields of p onto the stored driver. Presence,
// assignment and stats are left alone.
func UpdateProfile(ctx context.Context, st Store, p *models.Driver) (*models.Driver, error) {
	return st.UpdateDriver(ctx, p.ID, func(d *models.Driver) error {
		if d.VehicleClass != p.VehicleClass && d.CurrentRide != "" {
			return errDriverBusy
		}
		d.Name = p.Name
		d.Phone = p.Phone
		d.VehicleNumber = p.VehicleNumber
		d.VehicleClass = p.VehicleClass
		return nil
	})
}

// ReleaseIfFinished frees d when the ride it is bound to has already ended or no longer
// exists, settling an ended ride the way its own transition would have. A binding to a
// live ride is returned unchanged.
func ReleaseIfFinished(ctx context.Context, st Store, d *models.Driver) (*models.Driver, error) {
	if d.CurrentRide == "" {
		return d, nil
	}
	r, err := st.GetRide(ctx, d.CurrentRide)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return ReleaseDriver(ctx, st, d.ID, d.CurrentRide)
	case err != nil:
		return nil, err
	case !r.Status.Terminal():
		return d, nil
	}
	return Settle(ctx, st, d.ID, r)
}

// Retry runs op up to attempts times, doubling delay between tries, for as long as it
// fails with StoreUnavailable. Any other error is returned at once.
func Retry(ctx context.Context, attempts int, delay time.Duration, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil || !errors.Is(err, apperr.ErrStoreUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
