package models

import (
	"slices"
	"time"
)

// ratedRidesKept bounds the per-driver record of rides already folded into Rating.
const ratedRidesKept = 32

type Driver struct {
	ID            string       `json:"id" validate:"required,max=64"`
	Name          string       `json:"name" validate:"max=128"`
	Phone         string       `json:"phone,omitempty" validate:"max=32"`
	VehicleNumber string       `json:"vehicle_number" validate:"max=32"`
	VehicleClass  VehicleClass `json:"vehicle_class" validate:"required,oneof=bike auto"`

	Online      bool      `json:"online"`
	Available   bool      `json:"available"`
	Loc         Coord     `json:"loc"`
	Updated     time.Time `json:"updated"`
	CurrentRide string    `json:"current_ride,omitempty"`

	TotalRides    int64   `json:"total_rides"`
	TotalEarnings float64 `json:"total_earnings"`
	Rating        float64 `json:"rating"` // 0..5
	RatingCount   int64   `json:"rating_count"`

	// RatedRides holds the most recent ride ids whose score is already in Rating.
	RatedRides []string `json:"rated_rides,omitempty"`
}

// AddRating folds one score into the running mean.
func (d *Driver) AddRating(score int) {
	d.Rating = (d.Rating*float64(d.RatingCount) + float64(score)) / float64(d.RatingCount+1)
	d.RatingCount++
}

// AddRatingFor folds score in once per ride. It reports false when rideID was
// already counted.
func (d *Driver) AddRatingFor(rideID string, score int) bool {
	if slices.Contains(d.RatedRides, rideID) {
		return false
	}
	d.AddRating(score)
	rated := append(slices.Clone(d.RatedRides), rideID)
	if len(rated) > ratedRidesKept {
		rated = rated[len(rated)-ratedRidesKept:]
	}
	d.RatedRides = rated
	return true
}

// DriverProfile is the public view shown to a requester.
type DriverProfile struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	VehicleNumber string       `json:"vehicle_number"`
	VehicleClass  VehicleClass `json:"vehicle_class"`
	Rating        float64      `json:"rating"`
	Loc           Coord        `json:"loc"`
}

func (d *Driver) Profile() DriverProfile {
	return DriverProfile{
		ID:            d.ID,
		Name:          d.Name,
		VehicleNumber: d.VehicleNumber,
		VehicleClass:  d.VehicleClass,
		Rating:        d.Rating,
		Loc:           d.Loc,
	}
}
