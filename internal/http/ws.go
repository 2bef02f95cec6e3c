package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/validate"
)

// handleWS authenticates before upgrading; an unauthenticated caller never gets a session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := session.BearerToken(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
	id, err := s.Auth.Authenticate(token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		s.logger.Warn("websocket upgrade failed", "identity", id.ID, "error", err)
		return
	}
	client := session.NewClient(conn, id, s.Hub, s, s.logger)
	client.Serve(r.Context())
}

// HandleMessage routes one inbound session frame and returns the caller's reply.
func (s *Server) HandleMessage(ctx context.Context, id session.Identity, raw []byte) models.Event {
	var env models.InboundEnvelope
	if err := validate.Decode(raw, &env); err != nil {
		return rejection("", err)
	}
	rideID, err := s.route(ctx, id, env)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown || apperr.KindOf(err) == apperr.KindStoreUnavailable {
			s.logger.Error("session request failed", "identity", id.ID, "type", env.Type, "error", err)
		}
		return rejection(env.Type, err)
	}
	return models.Ack{Request: env.Type, RideID: rideID}
}

func (s *Server) route(ctx context.Context, id session.Identity, env models.InboundEnvelope) (string, error) {
	switch env.Type {
	case models.InAcceptOffer:
		var msg models.AcceptOfferMsg
		if err := validate.Decode(env.Data, &msg); err != nil {
			return "", err
		}
		_, err := s.acceptOffer(ctx, id, msg.RideID)
		return msg.RideID, err
	case models.InReportLocation:
		var msg models.ReportLocationMsg
		if err := validate.Decode(env.Data, &msg); err != nil {
			return "", err
		}
		return "", s.reportLocation(ctx, id, msg)
	case models.InUpdateStatus:
		var msg models.UpdateStatusMsg
		if err := validate.Decode(env.Data, &msg); err != nil {
			return "", err
		}
		_, err := s.updateStatus(ctx, id, msg)
		return msg.RideID, err
	case models.InCancelRide:
		var msg models.CancelRideMsg
		if err := validate.Decode(env.Data, &msg); err != nil {
			return "", err
		}
		_, err := s.cancelRide(ctx, id, msg)
		return msg.RideID, err
	case models.InTriggerSafety:
		var msg models.TriggerSafetyMsg
		if err := validate.Decode(env.Data, &msg); err != nil {
			return "", err
		}
		_, err := s.triggerSafety(ctx, id, msg.RideID)
		return msg.RideID, err
	case models.InSetOnline:
		var msg models.SetOnlineMsg
		if err := validate.Decode(env.Data, &msg); err != nil {
			return "", err
		}
		_, err := s.setOnline(ctx, id, msg)
		return "", err
	default:
		return "", apperr.Validation("unknown_message_type", "unsupported message type "+env.Type)
	}
}

// Disconnected takes a driver offline once its last session on this instance closes.
// A bound ride is not touched.
func (s *Server) Disconnected(ctx context.Context, id session.Identity, last bool) {
	if !last || id.Role != session.RoleDriver {
		return
	}
	if _, err := s.Relay.SetOnline(ctx, id.ID, false); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("driver not marked offline after disconnect", "driver_id", id.ID, "error", err)
	}
}

func rejection(request string, err error) models.Rejection {
	d := describe(err)
	return models.Rejection{Request: request, Kind: d.Kind, Code: d.Code, Message: d.Message}
}
