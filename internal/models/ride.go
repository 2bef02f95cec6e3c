package models

import (
	"slices"
	"time"
)

type RideStatus string

const (
	StatusRequested RideStatus = "requested"
	StatusAccepted  RideStatus = "accepted"
	StatusArriving  RideStatus = "arriving"
	StatusArrived   RideStatus = "arrived"
	StatusStarted   RideStatus = "started"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

var statusRank = map[RideStatus]int{
	StatusRequested: 0,
	StatusAccepted:  1,
	StatusArriving:  2,
	StatusArrived:   3,
	StatusStarted:   4,
	StatusCompleted: 5,
	StatusCancelled: 6,
}

// Rank orders statuses along the lifecycle; unknown statuses rank -1.
func (s RideStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

func (s RideStatus) String() string { return string(s) }

func (s RideStatus) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Active reports whether a driver is bound to the ride in this status.
func (s RideStatus) Active() bool {
	switch s {
	case StatusAccepted, StatusArriving, StatusArrived, StatusStarted:
		return true
	}
	return false
}

type Party string

const (
	PartyRequester Party = "requester"
	PartyDriver    Party = "driver"
	PartySystem    Party = "system"
)

type Pickup struct {
	Location
	ArrivedAt *time.Time `json:"arrived_at,omitempty"`
}

type Drop struct {
	Location
	ReachedAt *time.Time `json:"reached_at,omitempty"`
}

type RouteSample struct {
	Coord Coord     `json:"coord"`
	At    time.Time `json:"at"`
}

type Cancellation struct {
	By      Party     `json:"by"`
	ActorID string    `json:"actor_id,omitempty"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

type SafetyFlag struct {
	Triggered        bool       `json:"triggered"`
	TriggeredAt      *time.Time `json:"triggered_at,omitempty"`
	TriggeredBy      string     `json:"triggered_by,omitempty"`
	ContactsNotified []string   `json:"contacts_notified,omitempty"`
}

type RideRating struct {
	Score  int       `json:"score"`
	Review string    `json:"review,omitempty"`
	At     time.Time `json:"at"`

	// Applied is set once the score is part of the driver's average.
	Applied bool `json:"applied"`
}

type Ride struct {
	ID           string        `json:"id"`
	Code         string        `json:"code"`
	RequesterID  string        `json:"requester_id"`
	DriverID     string        `json:"driver_id,omitempty"`
	VehicleClass VehicleClass  `json:"vehicle_class"`
	Pickup       Pickup        `json:"pickup"`
	Drop         Drop          `json:"drop"`
	Fare         FareBreakdown `json:"fare"`
	Status       RideStatus    `json:"status"`
	OTP          string        `json:"otp"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	DurationSeconds float64       `json:"duration_seconds,omitempty"`
	Cancellation    *Cancellation `json:"cancellation,omitempty"`
	Route           []RouteSample `json:"route,omitempty"`
	Safety          SafetyFlag    `json:"safety"`
	Rating          *RideRating   `json:"rating,omitempty"`
	Offers          []MatchOffer  `json:"offers,omitempty"`
	PaymentRef      string        `json:"payment_ref,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// OfferFor returns the offer made to driverID, if any.
func (r *Ride) OfferFor(driverID string) (MatchOffer, bool) {
	for _, o := range r.Offers {
		if o.DriverID == driverID {
			return o, true
		}
	}
	return MatchOffer{}, false
}

// Clone returns a deep copy so stores never hand out shared slices or pointers.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.Pickup.ArrivedAt = cloneTime(r.Pickup.ArrivedAt)
	c.Drop.ReachedAt = cloneTime(r.Drop.ReachedAt)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.Safety.TriggeredAt = cloneTime(r.Safety.TriggeredAt)
	c.Safety.ContactsNotified = slices.Clone(r.Safety.ContactsNotified)
	c.Route = slices.Clone(r.Route)
	c.Offers = slices.Clone(r.Offers)
	if r.Cancellation != nil {
		cc := *r.Cancellation
		c.Cancellation = &cc
	}
	if r.Rating != nil {
		rr := *r.Rating
		c.Rating = &rr
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
