package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// IsZero reports whether c is the (0,0) placeholder clients send for a missing point.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// Location is an address string plus the coordinate it resolves to.
type Location struct {
	Address string `json:"address" validate:"required,max=512"`
	Coord   Coord  `json:"coord"`
}

type VehicleClass string

const (
	VehicleBike VehicleClass = "bike"
	VehicleAuto VehicleClass = "auto"
)

func (v VehicleClass) Valid() bool { return v == VehicleBike || v == VehicleAuto }

// FareBreakdown is frozen at request time and never recomputed by this service.
type FareBreakdown struct {
	Base     float64 `json:"base" validate:"gte=0"`
	Distance float64 `json:"distance" validate:"gte=0"`
	Time     float64 `json:"time" validate:"gte=0"`
	Surge    float64 `json:"surge" validate:"gte=0"`
	Discount float64 `json:"discount" validate:"gte=0"`
	Total    float64 `json:"total" validate:"gt=0"`
}

type User struct {
	ID    string `json:"id" db:"id" validate:"required,max=64"`
	Name  string `json:"name" db:"name" validate:"max=128"`
	Phone string `json:"phone" db:"phone" validate:"max=32"`
}

// RideRequest is what the request-intake collaborator hands to the dispatch engine.
type RideRequest struct {
	RequesterID  string         `json:"requester_id" validate:"required,max=64"`
	Pickup       *Location      `json:"pickup" validate:"required"`
	Drop         *Location      `json:"drop" validate:"required"`
	Fare         *FareBreakdown `json:"fare" validate:"required"`
	VehicleClass VehicleClass   `json:"vehicle_class" validate:"required,oneof=bike auto"`
}

type MatchOffer struct {
	DriverID       string    `json:"driver_id"`
	Priority       int       `json:"priority"`
	DistanceMeters float64   `json:"distance_meters"`
	ETA            float64   `json:"eta_seconds"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired compares against the caller's clock so every instance evaluates the same record.
func (o MatchOffer) Expired(now time.Time) bool { return now.After(o.ExpiresAt) }

// DriverHit is a driver record joined with its distance from a query point.
type DriverHit struct {
	Driver         Driver  `json:"driver"`
	DistanceMeters float64 `json:"distance_meters"`
}

// LocationReport is the record streamed to the location topic for every relayed report.
type LocationReport struct {
	DriverID     string       `json:"driver_id"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Loc          Coord        `json:"loc"`
	Online       bool         `json:"online"`
	Rating       float64      `json:"rating"`
	At           time.Time    `json:"at"`
}
