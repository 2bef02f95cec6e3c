package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type recordingSink struct {
	mu      sync.Mutex
	reports []models.LocationReport
}

func (s *recordingSink) PublishLocation(_ context.Context, rep models.LocationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, rep)
	return nil
}

func (s *recordingSink) PublishRideEvent(context.Context, ingest.RideEvent) error { return nil }

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Relay, *storage.MemoryStore, *geo.Index, *recordingPublisher, *recordingSink) {
	t.Helper()
	st := storage.NewMemoryStore()
	idx := geo.NewIndex()
	pub := &recordingPublisher{}
	sink := &recordingSink{}
	r := NewRelay(st, idx, pub, sink, nil)
	r.now = func() time.Time { return t0 }
	d := &models.Driver{ID: "d1", VehicleClass: models.VehicleAuto, Online: true, Available: true}
	if err := st.SaveDriver(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return r, st, idx, pub, sink
}

func TestReportWhileBoundAppendsOneRouteSample(t *testing.T) {
	ctx := context.Background()
	r, st, idx, pub, sink := setup(t)
	_ = st.CreateRide(ctx, &models.Ride{ID: "x", Code: "RD-X", RequesterID: "u1", DriverID: "d1", Status: models.StatusStarted})
	_, _ = st.UpdateDriver(ctx, "d1", func(d *models.Driver) error {
		d.Available = false
		d.CurrentRide = "x"
		return nil
	})

	loc := models.Coord{Lat: 17.39, Lon: 78.49}
	if err := r.ReportLocation(ctx, "d1", loc); err != nil {
		t.Fatal(err)
	}

	ride, _ := st.GetRide(ctx, "x")
	if len(ride.Route) != 1 || ride.Route[0].Coord != loc || !ride.Route[0].At.Equal(t0) {
		t.Fatalf("expected one route sample, got %+v", ride.Route)
	}
	if n := pub.count(models.IdentityTopic("u1")); n != 1 {
		t.Fatalf("expected one requester delivery, got %d", n)
	}
	if n := pub.count(models.TopicSessions); n != 1 {
		t.Fatalf("expected one ambient broadcast, got %d", n)
	}
	if hits, _ := idx.Nearby(ctx, loc, 10, 0); len(hits) != 1 {
		t.Fatal("geo index not updated")
	}
	if len(sink.reports) != 1 || sink.reports[0].DriverID != "d1" {
		t.Fatalf("report not streamed: %+v", sink.reports)
	}
	d, _ := st.GetDriver(ctx, "d1")
	if d.Loc != loc || !d.Updated.Equal(t0) {
		t.Fatalf("driver position not stored: %+v", d)
	}
}

func TestReportWithoutRideOnlyBroadcasts(t *testing.T) {
	ctx := context.Background()
	r, _, _, pub, _ := setup(t)
	if err := r.ReportLocation(ctx, "d1", models.Coord{Lat: 17.39, Lon: 78.49}); err != nil {
		t.Fatal(err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != models.TopicSessions {
		t.Fatalf("unexpected deliveries: %v", pub.topics)
	}
	if pos, ok := pub.events[0].(models.VehiclePosition); !ok || pos.VehicleClass != models.VehicleAuto {
		t.Fatalf("unexpected broadcast: %+v", pub.events[0])
	}
}

func TestReportForFinishedRideSkipsRoute(t *testing.T) {
	ctx := context.Background()
	r, st, _, pub, _ := setup(t)
	_ = st.CreateRide(ctx, &models.Ride{ID: "x", Code: "RD-X", RequesterID: "u1", DriverID: "d1", Status: models.StatusCancelled})
	_, _ = st.UpdateDriver(ctx, "d1", func(d *models.Driver) error {
		d.CurrentRide = "x"
		return nil
	})
	if err := r.ReportLocation(ctx, "d1", models.Coord{Lat: 17.39, Lon: 78.49}); err != nil {
		t.Fatal(err)
	}
	ride, _ := st.GetRide(ctx, "x")
	if len(ride.Route) != 0 || pub.count(models.IdentityTopic("u1")) != 0 {
		t.Fatal("location relayed for a ride that is no longer active")
	}
}

func TestReportRejects(t *testing.T) {
	ctx := context.Background()
	r, st, _, _, _ := setup(t)

	if err := r.ReportLocation(ctx, "d1", models.Coord{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("missing coordinate: got %v", err)
	}
	if err := r.ReportLocation(ctx, "ghost", models.Coord{Lat: 1, Lon: 1}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown driver: got %v", err)
	}

	_, _ = st.UpdateDriver(ctx, "d1", func(d *models.Driver) error {
		d.Updated = t0.Add(time.Second)
		return nil
	})
	if err := r.ReportLocation(ctx, "d1", models.Coord{Lat: 1, Lon: 1}); apperr.CodeOf(err) != "stale_location" {
		t.Fatalf("older report: got %v", err)
	}
}

func TestSetOnlineTogglesIndex(t *testing.T) {
	ctx := context.Background()
	r, _, idx, _, sink := setup(t)
	loc := models.Coord{Lat: 17.39, Lon: 78.49}
	if err := r.ReportLocation(ctx, "d1", loc); err != nil {
		t.Fatal(err)
	}

	d, err := r.SetOnline(ctx, "d1", false)
	if err != nil {
		t.Fatal(err)
	}
	if d.Online {
		t.Fatal("driver still online")
	}
	if hits, _ := idx.Nearby(ctx, loc, 10, 0); len(hits) != 0 {
		t.Fatal("offline driver still indexed")
	}
	if last := sink.reports[len(sink.reports)-1]; last.Online {
		t.Fatalf("offline transition not streamed: %+v", last)
	}

	if _, err := r.SetOnline(ctx, "d1", true); err != nil {
		t.Fatal(err)
	}
	if hits, _ := idx.Nearby(ctx, loc, 10, 0); len(hits) != 1 {
		t.Fatal("driver not re-indexed at last position")
	}
}

func TestConcurrentReportsSameDriver(t *testing.T) {
	ctx := context.Background()
	r, st, _, _, _ := setup(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.ReportLocation(ctx, "d1", models.Coord{Lat: 17 + float64(i)*0.01, Lon: 78})
		}(i)
	}
	wg.Wait()
	d, _ := st.GetDriver(ctx, "d1")
	if d.Loc.IsZero() {
		t.Fatal("no report applied")
	}
}

type downGeo struct{ *geo.Index }

func (downGeo) Upsert(context.Context, string, models.Coord) error {
	return errors.New("geo down")
}

func TestSetOnlineSurvivesIndexFailure(t *testing.T) {
	ctx := context.Background()
	r, st, _, _, sink := setup(t)
	if err := r.ReportLocation(ctx, "d1", models.Coord{Lat: 17.39, Lon: 78.49}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetOnline(ctx, "d1", false); err != nil {
		t.Fatal(err)
	}
	r.geo = downGeo{geo.NewIndex()}

	d, err := r.SetOnline(ctx, "d1", true)
	if err != nil {
		t.Fatalf("index failure surfaced as error: %v", err)
	}
	stored, _ := st.GetDriver(ctx, "d1")
	if !d.Online || !stored.Online {
		t.Fatalf("driver not online: returned=%+v stored=%+v", d, stored)
	}
	if last := sink.reports[len(sink.reports)-1]; !last.Online {
		t.Fatalf("online transition not streamed: %+v", last)
	}
}

func TestSetOnlineSettlesBindingToEndedRide(t *testing.T) {
	ctx := context.Background()
	r, st, _, _, _ := setup(t)
	ride := &models.Ride{ID: "r9", Code: "RD-R9", RequesterID: "u1", DriverID: "d1", Status: models.StatusCompleted, Fare: models.FareBreakdown{Total: 120}}
	if err := st.CreateRide(ctx, ride); err != nil {
		t.Fatal(err)
	}
	// a completion whose driver release never landed
	_, _ = st.UpdateDriver(ctx, "d1", func(d *models.Driver) error {
		d.Available = false
		d.CurrentRide = "r9"
		return nil
	})

	d, err := r.SetOnline(ctx, "d1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Available || d.CurrentRide != "" {
		t.Fatalf("driver still bound: %+v", d)
	}
	if d.TotalRides != 1 || d.TotalEarnings != 120 {
		t.Fatalf("completed ride not credited: rides=%d earnings=%v", d.TotalRides, d.TotalEarnings)
	}
}
