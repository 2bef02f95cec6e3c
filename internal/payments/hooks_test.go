package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeGateway struct {
	holdErr  error
	held     []int64
	captured []string
	released []string
}

func (f *fakeGateway) Hold(_ context.Context, amountMinor int64, _, rideID string) (string, error) {
	if f.holdErr != nil {
		return "", f.holdErr
	}
	f.held = append(f.held, amountMinor)
	return "pi_" + rideID, nil
}

func (f *fakeGateway) Capture(_ context.Context, ref string) error {
	f.captured = append(f.captured, ref)
	return nil
}

func (f *fakeGateway) Cancel(_ context.Context, ref string) error {
	f.released = append(f.released, ref)
	return nil
}

func TestHooksHoldRecordsReference(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	r := &models.Ride{ID: "r1", Status: models.StatusAccepted, Fare: models.FareBreakdown{Total: 150.25}}
	if err := st.CreateRide(ctx, r); err != nil {
		t.Fatal(err)
	}
	gw := &fakeGateway{}
	h := NewHooks(gw, "inr", st, nil)
	h.OnAccepted(ctx, r)

	if len(gw.held) != 1 || gw.held[0] != 15025 {
		t.Fatalf("expected one hold of 15025, got %v", gw.held)
	}
	got, _ := st.GetRide(ctx, "r1")
	if got.PaymentRef != "pi_r1" {
		t.Fatalf("payment ref not recorded: %q", got.PaymentRef)
	}

	got.Status = models.StatusCompleted
	h.OnCompleted(ctx, got)
	if len(gw.captured) != 1 || gw.captured[0] != "pi_r1" {
		t.Fatalf("expected capture of pi_r1, got %v", gw.captured)
	}
}

func TestHooksFailuresLeaveRideAlone(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	r := &models.Ride{ID: "r1", Status: models.StatusAccepted}
	_ = st.CreateRide(ctx, r)
	gw := &fakeGateway{holdErr: errors.New("card declined")}
	h := NewHooks(gw, "inr", st, nil)

	h.OnAccepted(ctx, r)
	got, _ := st.GetRide(ctx, "r1")
	if got.PaymentRef != "" || got.Status != models.StatusAccepted {
		t.Fatalf("ride changed by failed hold: %+v", got)
	}
	// nothing held, nothing to release
	h.OnCancelled(ctx, got)
	if len(gw.released) != 0 {
		t.Fatalf("unexpected cancel %v", gw.released)
	}
}

func TestNilHooksAreNoops(t *testing.T) {
	var h *Hooks
	r := &models.Ride{ID: "r1", PaymentRef: "pi_1"}
	h.OnAccepted(context.Background(), r)
	h.OnCompleted(context.Background(), r)
	h.OnCancelled(context.Background(), r)
}
