package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	once sync.Once
	v    *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		v = validator.New()
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return v
}

// Struct validates s by its tags and returns a Validation error naming the first bad field.
func Struct(s any) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Validation("invalid_"+fe.Field(), fmt.Sprintf("%s failed %q check", fe.Namespace(), fe.Tag()))
	}
	return apperr.Validation("invalid_input", err.Error())
}

// Decode unmarshals raw into dst and validates it.
func Decode(raw []byte, dst any) error {
	if len(raw) == 0 {
		return apperr.Validation("empty_payload", "payload is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Validation("malformed_payload", err.Error())
	}
	return Struct(dst)
}

// Coord rejects non-finite values and the (0,0) placeholder.
func Coord(field string, c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return apperr.Validation("invalid_"+field, field+" is not a finite coordinate")
	}
	if c.IsZero() {
		return apperr.Validation("missing_"+field, field+" coordinate is required")
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return apperr.Validation("invalid_"+field, field+" coordinate out of range")
	}
	return nil
}

// RideRequest checks everything the dispatch engine needs before persisting a ride.
func RideRequest(req models.RideRequest) error {
	if err := Struct(req); err != nil {
		return err
	}
	if err := Coord("pickup", req.Pickup.Coord); err != nil {
		return err
	}
	if err := Coord("drop", req.Drop.Coord); err != nil {
		return err
	}
	f := req.Fare
	for _, x := range []float64{f.Base, f.Distance, f.Time, f.Surge, f.Discount, f.Total} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return apperr.Validation("invalid_fare", "fare terms must be finite")
		}
	}
	return nil
}
