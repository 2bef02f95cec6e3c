package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type published struct {
	topic string
	ev    models.Event
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, ev: ev})
	return nil
}

func (p *recordingPublisher) to(topic, typ string) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, s := range p.sent {
		if s.topic == topic && s.ev.EventType() == typ {
			out = append(out, s.ev)
		}
	}
	return out
}

type fixture struct {
	store *storage.MemoryStore
	idx   *geo.Index
	pub   *recordingPublisher
	eng   *Engine
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		idx:   geo.NewIndex(),
		pub:   &recordingPublisher{},
		now:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.eng = &Engine{
		Store:         f.store,
		Geo:           f.idx,
		Publisher:     f.pub,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           func() time.Time { return f.now },
		RadiusMeters:  5000,
		Fanout:        10,
		OfferWindow:   30 * time.Second,
		EnforceExpiry: true,
	}
	return f
}

func (f *fixture) addDriver(t *testing.T, id string, class models.VehicleClass, loc models.Coord) {
	t.Helper()
	ctx := context.Background()
	d := &models.Driver{ID: id, Name: "Driver " + id, VehicleClass: class, Online: true, Available: true, Loc: loc}
	if err := f.store.SaveDriver(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := f.idx.Upsert(ctx, id, loc); err != nil {
		t.Fatal(err)
	}
}

func request(class models.VehicleClass) models.RideRequest {
	return models.RideRequest{
		RequesterID:  "u1",
		Pickup:       &models.Location{Address: "Charminar", Coord: models.Coord{Lat: 17.385, Lon: 78.486}},
		Drop:         &models.Location{Address: "Hitech City", Coord: models.Coord{Lat: 17.440, Lon: 78.448}},
		Fare:         &models.FareBreakdown{Base: 30, Distance: 120, Time: 20, Total: 170},
		VehicleClass: class,
	}
}

func TestRequestRideOffersNearestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "far", models.VehicleBike, models.Coord{Lat: 17.400, Lon: 78.486})
	f.addDriver(t, "near", models.VehicleBike, models.Coord{Lat: 17.386, Lon: 78.486})
	f.addDriver(t, "mid", models.VehicleBike, models.Coord{Lat: 17.390, Lon: 78.486})
	f.addDriver(t, "auto", models.VehicleAuto, models.Coord{Lat: 17.385, Lon: 78.486})

	res, err := f.eng.RequestRide(ctx, request(models.VehicleBike))
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates != 3 {
		t.Fatalf("expected 3 candidates, got %d", res.Candidates)
	}
	if res.Ride.Status != models.StatusRequested || len(res.Ride.OTP) != otpLength {
		t.Fatalf("unexpected ride: %+v", res.Ride)
	}
	for id, want := range map[string]int{"near": 1, "mid": 2, "far": 3} {
		offers := f.pub.to(models.IdentityTopic(id), "ride_offer")
		if len(offers) != 1 {
			t.Fatalf("%s: expected one offer, got %d", id, len(offers))
		}
		if got := offers[0].(models.RideOffer).Priority; got != want {
			t.Fatalf("%s: expected priority %d, got %d", id, want, got)
		}
	}
	if got := f.pub.to(models.IdentityTopic("auto"), "ride_offer"); len(got) != 0 {
		t.Fatal("driver of another vehicle class received an offer")
	}
	if got := f.pub.to(models.TopicDrivers, "ride_summary"); len(got) != 1 {
		t.Fatalf("expected one summary broadcast, got %d", len(got))
	}

	stored, _ := f.store.GetRide(ctx, res.Ride.ID)
	if len(stored.Offers) != 3 {
		t.Fatalf("offers not persisted: %+v", stored.Offers)
	}
}

func TestAcceptByLowerPriorityDriverNotifiesOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", models.VehicleAuto, models.Coord{Lat: 17.386, Lon: 78.486})
	f.addDriver(t, "d2", models.VehicleAuto, models.Coord{Lat: 17.390, Lon: 78.486})
	f.addDriver(t, "d3", models.VehicleAuto, models.Coord{Lat: 17.400, Lon: 78.486})

	res, err := f.eng.RequestRide(ctx, request(models.VehicleAuto))
	if err != nil {
		t.Fatal(err)
	}
	acc, err := f.eng.AcceptOffer(ctx, "d2", res.Ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Ride.DriverID != "d2" || acc.Ride.Status != models.StatusAccepted || acc.Ride.AcceptedAt == nil {
		t.Fatalf("unexpected ride after accept: %+v", acc.Ride)
	}
	if acc.Driver.Available || acc.Driver.CurrentRide != res.Ride.ID {
		t.Fatalf("driver not bound: %+v", acc.Driver)
	}

	assigned := f.pub.to(models.IdentityTopic("u1"), "ride_assigned")
	if len(assigned) != 1 || assigned[0].(models.RideAssigned).OTP != res.Ride.OTP {
		t.Fatalf("requester assignment missing or without otp: %+v", assigned)
	}
	if got := f.pub.to(models.IdentityTopic("d2"), "ride_details"); len(got) != 1 {
		t.Fatalf("winner expected ride details, got %d", len(got))
	}
	for _, id := range []string{"d1", "d3"} {
		if got := f.pub.to(models.IdentityTopic(id), "ride_taken"); len(got) != 1 {
			t.Fatalf("%s expected ride_taken, got %d", id, len(got))
		}
	}
	if got := f.pub.to(models.IdentityTopic("d2"), "ride_taken"); len(got) != 0 {
		t.Fatal("winner received ride_taken")
	}
}

func TestRequestRideWithoutDrivers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "faraway", models.VehicleBike, models.Coord{Lat: 18.5, Lon: 78.486})

	res, err := f.eng.RequestRide(ctx, request(models.VehicleBike))
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates != 0 || res.Ride.Status != models.StatusRequested {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := f.pub.to(models.IdentityTopic("u1"), "no_drivers"); len(got) != 1 {
		t.Fatalf("expected no_drivers notice, got %d", len(got))
	}
}

func TestRequestRideRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	req := request(models.VehicleBike)
	req.Pickup.Coord = models.Coord{}
	if _, err := f.eng.RequestRide(context.Background(), req); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	req = request("truck")
	if _, err := f.eng.RequestRide(context.Background(), req); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for class, got %v", err)
	}
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('a'+i)) + "-driver"
		f.addDriver(t, ids[i], models.VehicleAuto, models.Coord{Lat: 17.385 + float64(i)*0.001, Lon: 78.486})
	}
	res, err := f.eng.RequestRide(ctx, request(models.VehicleAuto))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.eng.AcceptOffer(ctx, ids[i], res.Ride.ID)
		}(i)
	}
	wg.Wait()

	winner := ""
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != "" {
				t.Fatalf("two winners: %s and %s", winner, ids[i])
			}
			winner = ids[i]
		case !errors.Is(err, apperr.ErrAlreadyTaken):
			t.Fatalf("%s: expected already taken, got %v", ids[i], err)
		}
	}
	if winner == "" {
		t.Fatal("no accept succeeded")
	}

	ride, _ := f.store.GetRide(ctx, res.Ride.ID)
	if ride.DriverID != winner {
		t.Fatalf("ride bound to %q, winner was %q", ride.DriverID, winner)
	}
	for _, id := range ids {
		d, _ := f.store.GetDriver(ctx, id)
		if id == winner {
			if d.CurrentRide != ride.ID || d.Available {
				t.Fatalf("winner not bound: %+v", d)
			}
			continue
		}
		if d.CurrentRide != "" || !d.Available {
			t.Fatalf("loser %s left bound: %+v", id, d)
		}
	}
}

func TestAcceptOfferPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", models.VehicleBike, models.Coord{Lat: 17.386, Lon: 78.486})
	f.addDriver(t, "d2", models.VehicleBike, models.Coord{Lat: 17.387, Lon: 78.486})
	f.addDriver(t, "auto", models.VehicleAuto, models.Coord{Lat: 17.386, Lon: 78.486})
	res, err := f.eng.RequestRide(ctx, request(models.VehicleBike))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.eng.AcceptOffer(ctx, "ghost", res.Ride.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown driver: got %v", err)
	}
	if _, err := f.eng.AcceptOffer(ctx, "d1", "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown ride: got %v", err)
	}
	if _, err := f.eng.AcceptOffer(ctx, "auto", res.Ride.ID); apperr.CodeOf(err) != "no_offer" {
		t.Fatalf("unoffered driver: got %v", err)
	}
	if _, err := f.eng.AcceptOffer(ctx, "d1", res.Ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.AcceptOffer(ctx, "d2", res.Ride.ID); !errors.Is(err, apperr.ErrAlreadyTaken) {
		t.Fatalf("second accept: got %v", err)
	}

	// d1 is now busy and cannot take another ride.
	other, err := f.eng.RequestRide(ctx, request(models.VehicleBike))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.AcceptOffer(ctx, "d1", other.Ride.ID); apperr.CodeOf(err) != "driver_unavailable" {
		t.Fatalf("busy driver: got %v", err)
	}
}

func TestAcceptAfterOfferWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", models.VehicleBike, models.Coord{Lat: 17.386, Lon: 78.486})
	res, err := f.eng.RequestRide(ctx, request(models.VehicleBike))
	if err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(31 * time.Second)
	if _, err := f.eng.AcceptOffer(ctx, "d1", res.Ride.ID); !errors.Is(err, apperr.ErrOfferExpired) {
		t.Fatalf("expected offer expired, got %v", err)
	}
	d, _ := f.store.GetDriver(ctx, "d1")
	if !d.Available || d.CurrentRide != "" {
		t.Fatalf("driver claimed by expired offer: %+v", d)
	}

	f.eng.EnforceExpiry = false
	if _, err := f.eng.AcceptOffer(ctx, "d1", res.Ride.ID); err != nil {
		t.Fatalf("expected accept without enforcement, got %v", err)
	}
}

type failingRideStore struct {
	*storage.MemoryStore
	fail bool
}

func (s *failingRideStore) UpdateRide(ctx context.Context, id string, fn storage.RideMutation) (*models.Ride, error) {
	if s.fail {
		return nil, apperr.Unavailable("update ride", errors.New("connection reset"))
	}
	return s.MemoryStore.UpdateRide(ctx, id, fn)
}

func TestAcceptReleasesDriverWhenRideClaimFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	st := &failingRideStore{MemoryStore: f.store}
	f.eng.Store = st
	f.addDriver(t, "d1", models.VehicleBike, models.Coord{Lat: 17.386, Lon: 78.486})
	res, err := f.eng.RequestRide(ctx, request(models.VehicleBike))
	if err != nil {
		t.Fatal(err)
	}

	st.fail = true
	if _, err := f.eng.AcceptOffer(ctx, "d1", res.Ride.ID); !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	d, _ := f.store.GetDriver(ctx, "d1")
	if !d.Available || d.CurrentRide != "" {
		t.Fatalf("driver left bound after failed claim: %+v", d)
	}
}

func TestRideCodeShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		c := newRideCode()
		if len(c) != 11 || c[:3] != "RD-" {
			t.Fatalf("bad code %q", c)
		}
		seen[c] = true
	}
	if len(seen) < 95 {
		t.Fatalf("codes repeat too often: %d unique of 100", len(seen))
	}
	otp, err := newOTP()
	if err != nil || len(otp) != otpLength {
		t.Fatalf("bad otp %q: %v", otp, err)
	}
}

func TestAcceptSettlesBindingToEndedRide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", models.VehicleBike, models.Coord{Lat: 17.386, Lon: 78.486})
	old := &models.Ride{ID: "old", Code: "RD-OLD", RequesterID: "u2", DriverID: "d1", Status: models.StatusCancelled}
	if err := f.store.CreateRide(ctx, old); err != nil {
		t.Fatal(err)
	}
	// a cancellation whose driver release never landed
	_, _ = f.store.UpdateDriver(ctx, "d1", func(d *models.Driver) error {
		d.Available = false
		d.CurrentRide = "old"
		return nil
	})

	res, err := f.eng.RequestRide(ctx, request(models.VehicleBike))
	if err != nil {
		t.Fatal(err)
	}
	// still unavailable at request time, so no offer; accept without enforcement
	f.eng.EnforceExpiry = false
	if _, err := f.eng.AcceptOffer(ctx, "d1", res.Ride.ID); err != nil {
		t.Fatalf("driver bound to an ended ride could not accept: %v", err)
	}
	d, _ := f.store.GetDriver(ctx, "d1")
	if d.CurrentRide != res.Ride.ID || d.TotalRides != 0 {
		t.Fatalf("unexpected driver state: %+v", d)
	}
}

func TestAcceptStillRejectsDriverOnLiveRide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", models.VehicleBike, models.Coord{Lat: 17.386, Lon: 78.486})
	first, err := f.eng.RequestRide(ctx, request(models.VehicleBike))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.AcceptOffer(ctx, "d1", first.Ride.ID); err != nil {
		t.Fatal(err)
	}
	second, err := f.eng.RequestRide(ctx, request(models.VehicleBike))
	if err != nil {
		t.Fatal(err)
	}
	f.eng.EnforceExpiry = false
	if _, err := f.eng.AcceptOffer(ctx, "d1", second.Ride.ID); apperr.CodeOf(err) != "driver_unavailable" {
		t.Fatalf("expected driver_unavailable, got %v", err)
	}
}
