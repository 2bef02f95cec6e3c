package httpapi

import (
	"context"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/validate"
)

// Actions shared by the REST handlers and the websocket message router. Each one
// checks the caller's role, validates the message, and calls into the core.

func (s *Server) acceptOffer(ctx context.Context, id session.Identity, rideID string) (models.RideDetails, error) {
	if err := allow(id, session.RoleDriver); err != nil {
		return models.RideDetails{}, err
	}
	if err := validate.Struct(models.AcceptOfferMsg{RideID: rideID}); err != nil {
		return models.RideDetails{}, err
	}
	res, err := s.Engine.AcceptOffer(ctx, id.ID, rideID)
	if err != nil {
		return models.RideDetails{}, err
	}
	return driverView(res.Ride), nil
}

func (s *Server) updateStatus(ctx context.Context, id session.Identity, msg models.UpdateStatusMsg) (*models.Ride, error) {
	if err := allow(id, session.RoleDriver); err != nil {
		return nil, err
	}
	if err := validate.Struct(msg); err != nil {
		return nil, err
	}
	return s.Rides.Advance(ctx, id.ID, msg.RideID, msg.Status, msg.OTP)
}

func (s *Server) cancelRide(ctx context.Context, id session.Identity, msg models.CancelRideMsg) (*models.Ride, error) {
	if err := validate.Struct(msg); err != nil {
		return nil, err
	}
	var by models.Party
	switch id.Role {
	case session.RoleRider:
		by = models.PartyRequester
	case session.RoleDriver:
		by = models.PartyDriver
	case session.RoleAdmin:
		by = models.PartySystem
	default:
		return nil, errForbidden
	}
	return s.Rides.Cancel(ctx, by, id.ID, msg.RideID, msg.Reason)
}

func (s *Server) triggerSafety(ctx context.Context, id session.Identity, rideID string) (*models.Ride, error) {
	if err := allow(id, session.RoleRider, session.RoleDriver); err != nil {
		return nil, err
	}
	if err := validate.Struct(models.TriggerSafetyMsg{RideID: rideID}); err != nil {
		return nil, err
	}
	return s.Safety.TriggerAlert(ctx, rideID, id.ID)
}

func (s *Server) reportLocation(ctx context.Context, id session.Identity, msg models.ReportLocationMsg) error {
	if err := allow(id, session.RoleDriver); err != nil {
		return err
	}
	return s.Relay.ReportLocation(ctx, id.ID, msg.Loc)
}

func (s *Server) setOnline(ctx context.Context, id session.Identity, msg models.SetOnlineMsg) (*models.Driver, error) {
	if err := allow(id, session.RoleDriver); err != nil {
		return nil, err
	}
	return s.Relay.SetOnline(ctx, id.ID, msg.Online)
}

var errForbidden = apperr.Forbidden("forbidden", "role may not perform this action")

func allow(id session.Identity, roles ...session.Role) error {
	for _, r := range roles {
		if id.Role == r {
			return nil
		}
	}
	return errForbidden
}

// driverView is the ride as its driver sees it: everything but the pickup code.
func driverView(r *models.Ride) models.RideDetails {
	return models.RideDetails{Ride: r, OTPRequired: r.Status.Rank() < models.StatusStarted.Rank(), OTPLength: len(r.OTP)}
}

func viewFor(id session.Identity, r *models.Ride) any {
	if id.Role == session.RoleDriver {
		return driverView(r)
	}
	return r
}
