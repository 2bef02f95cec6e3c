package payments

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Gateway is the payments collaborator's hold/capture/cancel surface.
type Gateway interface {
	Hold(ctx context.Context, amountMinor int64, currency, rideID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

// Hooks reports frozen fare terms to the gateway at lifecycle points. Gateway
// failures are logged and never change ride state. A nil *Hooks does nothing.
type Hooks struct {
	Gateway  Gateway
	Currency string
	Store    storage.Store
	Logger   *slog.Logger
}

func NewHooks(gw Gateway, currency string, st storage.Store, logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{Gateway: gw, Currency: currency, Store: st, Logger: logger}
}

// OnAccepted holds the frozen total and records the reference on the ride.
func (h *Hooks) OnAccepted(ctx context.Context, r *models.Ride) {
	if h == nil || h.Gateway == nil {
		return
	}
	ref, err := h.Gateway.Hold(ctx, MinorUnits(r.Fare.Total), h.Currency, r.ID)
	if err != nil {
		h.Logger.Warn("payment hold failed", "ride_id", r.ID, "error", err)
		return
	}
	_, err = h.Store.UpdateRide(ctx, r.ID, func(cur *models.Ride) error {
		if cur.PaymentRef == "" {
			cur.PaymentRef = ref
		}
		return nil
	})
	if err != nil {
		h.Logger.Warn("payment ref not recorded", "ride_id", r.ID, "error", err)
	}
}

func (h *Hooks) OnCompleted(ctx context.Context, r *models.Ride) {
	if h == nil || h.Gateway == nil || r.PaymentRef == "" {
		return
	}
	if err := h.Gateway.Capture(ctx, r.PaymentRef); err != nil {
		h.Logger.Warn("payment capture failed", "ride_id", r.ID, "error", err)
	}
}

func (h *Hooks) OnCancelled(ctx context.Context, r *models.Ride) {
	if h == nil || h.Gateway == nil || r.PaymentRef == "" {
		return
	}
	if err := h.Gateway.Cancel(ctx, r.PaymentRef); err != nil {
		h.Logger.Warn("payment cancel failed", "ride_id", r.ID, "error", err)
	}
}
