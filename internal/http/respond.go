package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/validate"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// describe turns err into the structured rejection every boundary returns. Unclassified
// errors are reported as internal without their text.
func describe(err error) errorDetail {
	var e *apperr.Error
	if errors.As(err, &e) {
		return errorDetail{Kind: e.Kind.String(), Code: e.Code, Message: e.Msg}
	}
	return errorDetail{Kind: apperr.KindUnknown.String(), Code: "internal", Message: "internal error"}
}

func statusFor(err error) int {
	return apperr.KindOf(err).HTTPStatus()
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, errorBody{Error: describe(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("empty_payload", "request body is required")
		}
		return apperr.Validation("malformed_payload", err.Error())
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, dst any) error {
	err := decodeJSON(r, dst)
	if apperr.CodeOf(err) == "empty_payload" {
		return nil
	}
	return err
}

func parseCoord(lat, lon string) (models.Coord, error) {
	la, err1 := strconv.ParseFloat(lat, 64)
	lo, err2 := strconv.ParseFloat(lon, 64)
	if err1 != nil || err2 != nil {
		return models.Coord{}, apperr.Validation("invalid_center", "lat and lon query parameters are required")
	}
	c := models.Coord{Lat: la, Lon: lo}
	return c, validate.Coord("center", c)
}
