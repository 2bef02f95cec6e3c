package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Broadcast topics. Identity topics are built with IdentityTopic.
const (
	TopicDrivers  = "role:driver"
	TopicAdmin    = "role:admin"
	TopicSessions = "sessions:all"
)

func IdentityTopic(id string) string { return "identity:" + id }

// Event is one outbound message variant. Each variant has a fixed schema.
type Event interface {
	EventType() string
}

// Envelope is the wire frame for every outbound message.
type Envelope struct {
	Type   string          `json:"type"`
	SentAt time.Time       `json:"sent_at"`
	Data   json.RawMessage `json:"data"`
}

// Encode frames ev in an Envelope.
func Encode(ev Event, now time.Time) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return json.Marshal(Envelope{Type: ev.EventType(), SentAt: now.UTC(), Data: data})
}

// RideOffer is the actionable, ranked offer sent to one candidate driver.
type RideOffer struct {
	RideID         string       `json:"ride_id"`
	RideCode       string       `json:"ride_code"`
	Priority       int          `json:"priority"`
	Pickup         Location     `json:"pickup"`
	Drop           Location     `json:"drop"`
	VehicleClass   VehicleClass `json:"vehicle_class"`
	FareTotal      float64      `json:"fare_total"`
	DistanceMeters float64      `json:"distance_to_pickup_meters"`
	ETA            float64      `json:"eta_seconds"`
	RequesterName  string       `json:"requester_name,omitempty"`
	ExpiresAt      time.Time    `json:"expires_at"`
}

func (RideOffer) EventType() string { return "ride_offer" }

// RideSummary is the non-actionable awareness broadcast to all drivers.
type RideSummary struct {
	RideID       string       `json:"ride_id"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Pickup       Coord        `json:"pickup"`
	Candidates   int          `json:"candidates"`
}

func (RideSummary) EventType() string { return "ride_summary" }

type RideTaken struct {
	RideID string `json:"ride_id"`
}

func (RideTaken) EventType() string { return "ride_taken" }

type NoDrivers struct {
	RideID string `json:"ride_id"`
}

func (NoDrivers) EventType() string { return "no_drivers" }

// RideAssigned tells the requester who is coming.
type RideAssigned struct {
	RideID string        `json:"ride_id"`
	Driver DriverProfile `json:"driver"`
	OTP    string        `json:"otp"`
}

func (RideAssigned) EventType() string { return "ride_assigned" }

// RideDetails is the full ride sent to the driver who won the assignment.
type RideDetails struct {
	Ride        *Ride `json:"ride"`
	OTPRequired bool  `json:"otp_required"`
	OTPLength   int   `json:"otp_length"`
}

// MarshalJSON omits the code itself; the driver collects it from the requester in person.
func (d RideDetails) MarshalJSON() ([]byte, error) {
	type alias RideDetails
	out := alias(d)
	if out.Ride != nil {
		out.Ride = out.Ride.Clone()
		out.Ride.OTP = ""
	}
	return json.Marshal(out)
}

func (RideDetails) EventType() string { return "ride_details" }

type RideStatusChanged struct {
	RideID string     `json:"ride_id"`
	Status RideStatus `json:"status"`
	At     time.Time  `json:"at"`
}

func (RideStatusChanged) EventType() string { return "ride_status" }

type RideCancelled struct {
	RideID string `json:"ride_id"`
	By     Party  `json:"by"`
	Reason string `json:"reason"`
}

func (RideCancelled) EventType() string { return "ride_cancelled" }

// LocationUpdate goes to the requester of the ride the driver is bound to.
type LocationUpdate struct {
	RideID   string    `json:"ride_id"`
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}

func (LocationUpdate) EventType() string { return "location_update" }

// VehiclePosition is the anonymous, low-fidelity map broadcast.
type VehiclePosition struct {
	VehicleClass VehicleClass `json:"vehicle_class"`
	Loc          Coord        `json:"loc"`
}

func (VehiclePosition) EventType() string { return "vehicle_position" }

type SafetyAlert struct {
	RideID      string    `json:"ride_id"`
	RideCode    string    `json:"ride_code"`
	RequesterID string    `json:"requester_id"`
	DriverID    string    `json:"driver_id,omitempty"`
	TriggeredBy string    `json:"triggered_by"`
	Pickup      Coord     `json:"pickup"`
	At          time.Time `json:"at"`
}

func (SafetyAlert) EventType() string { return "safety_alert" }

// Rejection is the structured refusal returned to a websocket caller.
type Rejection struct {
	Request string `json:"request"`
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Rejection) EventType() string { return "rejection" }

// Ack confirms a websocket request succeeded.
type Ack struct {
	Request string `json:"request"`
	RideID  string `json:"ride_id,omitempty"`
}

func (Ack) EventType() string { return "ack" }

// Inbound message kinds accepted over a session.
const (
	InAcceptOffer    = "accept_offer"
	InReportLocation = "report_location"
	InUpdateStatus   = "update_status"
	InCancelRide     = "cancel_ride"
	InTriggerSafety  = "trigger_safety"
	InSetOnline      = "set_online"
)

// InboundEnvelope frames a client message; Data is decoded per Type.
type InboundEnvelope struct {
	Type string          `json:"type" validate:"required"`
	Data json.RawMessage `json:"data"`
}

type AcceptOfferMsg struct {
	RideID string `json:"ride_id" validate:"required,max=64"`
}

type ReportLocationMsg struct {
	Loc Coord `json:"loc"`
}

type UpdateStatusMsg struct {
	RideID string     `json:"ride_id" validate:"required,max=64"`
	Status RideStatus `json:"status" validate:"required,oneof=arriving arrived started completed"`
	OTP    string     `json:"otp,omitempty" validate:"omitempty,numeric,len=4"`
}

type CancelRideMsg struct {
	RideID string `json:"ride_id" validate:"required,max=64"`
	Reason string `json:"reason" validate:"max=256"`
}

type TriggerSafetyMsg struct {
	RideID string `json:"ride_id" validate:"required,max=64"`
}

type SetOnlineMsg struct {
	Online bool `json:"online"`
}
