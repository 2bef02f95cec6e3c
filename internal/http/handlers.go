package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ridestate"
	"github.com/example/ride-dispatch/internal/safety"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/telemetry"
	"github.com/example/ride-dispatch/internal/validate"
)

const (
	maxNearbyRadius = 20000
	maxNearbyLimit  = 50
)

// Deps are the core services the API fronts.
type Deps struct {
	Engine  *dispatch.Engine
	Rides   *ridestate.Machine
	Relay   *telemetry.Relay
	Safety  *safety.Escalator
	Store   storage.Store
	Geo     geo.Geo
	Hub     *session.Hub
	Auth    *session.Authenticator
	Healthy func(ctx context.Context) error // optional readiness check
}

type Server struct {
	Deps
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Deps:     d,
		logger:   logger,
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/status", s.handleStatus).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/rating", s.handleRate).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/safety", s.handleSafety).Methods(http.MethodPost)
	api.HandleFunc("/drivers/location", s.handleLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/online", s.handleOnline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware, requireRole(session.RoleAdmin))
	internal.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	internal.HandleFunc("/users", s.handleRegisterUser).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Healthy != nil {
		if err := s.Healthy(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type rideRequestBody struct {
	Pickup       *models.Location      `json:"pickup"`
	Drop         *models.Location      `json:"drop"`
	Fare         *models.FareBreakdown `json:"fare"`
	VehicleClass models.VehicleClass   `json:"vehicle_class"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := allow(id, session.RoleRider); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body rideRequestBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Engine.RequestRide(r.Context(), models.RideRequest{
		RequesterID:  id.ID,
		Pickup:       body.Pickup,
		Drop:         body.Drop,
		Fare:         body.Fare,
		VehicleClass: body.VehicleClass,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	requester := id.ID
	if id.Role == session.RoleAdmin {
		if q := r.URL.Query().Get("requester_id"); q != "" {
			requester = q
		}
	} else if err := allow(id, session.RoleRider); err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, err := s.Store.ListRidesByRequester(r.Context(), requester)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	ride, err := s.Store.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	switch {
	case id.Role == session.RoleAdmin, ride.RequesterID == id.ID:
		writeJSON(w, http.StatusOK, ride)
	case ride.DriverID == id.ID:
		writeJSON(w, http.StatusOK, driverView(ride))
	default:
		// hide existence from unrelated callers
		s.writeError(w, r, apperr.NotFound("ride_not_found", "ride not found"))
	}
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	res, err := s.acceptOffer(r.Context(), identityFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type statusBody struct {
	Status models.RideStatus `json:"status"`
	OTP    string            `json:"otp,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg := models.UpdateStatusMsg{RideID: mux.Vars(r)["id"], Status: body.Status, OTP: body.OTP}
	ride, err := s.updateStatus(r.Context(), identityFrom(r.Context()), msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, driverView(ride))
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decodeOptionalJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := identityFrom(r.Context())
	ride, err := s.cancelRide(r.Context(), id, models.CancelRideMsg{RideID: mux.Vars(r)["id"], Reason: body.Reason})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFor(id, ride))
}

type ratingBody struct {
	Score  int    `json:"score" validate:"required,min=1,max=5"`
	Review string `json:"review" validate:"max=500"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := allow(id, session.RoleRider); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body ratingBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validate.Struct(body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Rides.Rate(r.Context(), id.ID, mux.Vars(r)["id"], body.Score, body.Review)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if _, err := s.triggerSafety(r.Context(), id, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var msg models.ReportLocationMsg
	if err := decodeJSON(r, &msg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.reportLocation(r.Context(), identityFrom(r.Context()), msg); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	var msg models.SetOnlineMsg
	if err := decodeJSON(r, &msg); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.setOnline(r.Context(), identityFrom(r.Context()), msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type nearbyDriver struct {
	models.DriverProfile
	DistanceMeters float64 `json:"distance_meters"`
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	center, err := parseCoord(q.Get("lat"), q.Get("lon"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius := float64(dispatch.DefaultRadiusMeters)
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			s.writeError(w, r, apperr.Validation("invalid_radius", "radius must be a positive number of meters"))
			return
		}
		radius = min(f, maxNearbyRadius)
	}
	class := models.VehicleClass(q.Get("vehicle_class"))
	if class != "" && !class.Valid() {
		s.writeError(w, r, apperr.Validation("invalid_vehicle_class", "unknown vehicle class"))
		return
	}

	hits, err := storage.NearbyDrivers(r.Context(), s.Store, s.Geo, storage.NearbyQuery{
		Center:       center,
		RadiusMeters: radius,
		VehicleClass: class,
		Limit:        maxNearbyLimit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]nearbyDriver, 0, len(hits))
	for _, h := range hits {
		out = append(out, nearbyDriver{DriverProfile: h.Driver.Profile(), DistanceMeters: h.DistanceMeters})
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": out})
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := decodeJSON(r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validate.Struct(d); err != nil {
		s.writeError(w, r, err)
		return
	}
	// presence, assignment and stats are owned by this service, not the registrar
	d.Online = false
	d.Available = true
	d.CurrentRide = ""
	d.TotalRides, d.TotalEarnings, d.Rating, d.RatingCount = 0, 0, 0, 0
	d.RatedRides = nil
	err := s.Store.SaveDriver(r.Context(), &d)
	if apperr.CodeOf(err) == "duplicate_driver" {
		// a known driver only gets its profile refreshed
		updated, err := storage.UpdateProfile(r.Context(), s.Store, &d)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("driver profile updated", "driver_id", d.ID, "vehicle_class", updated.VehicleClass)
		writeJSON(w, http.StatusOK, updated)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("driver registered", "driver_id", d.ID, "vehicle_class", d.VehicleClass)
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var u models.User
	if err := decodeJSON(r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validate.Struct(u); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Store.SaveUser(r.Context(), &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}
