package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-wallet/internal/models"
)

// EarthRadiusMeters is the spherical-earth radius used for all distances.
const EarthRadiusMeters = 6371000.0

const geohashPrecision = 7

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Validate rejects latitudes outside [-90,90], longitudes outside
// [-180,180] and non-finite values.
func Validate(c models.Coordinate) error {
	if !finite(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, c.Latitude)
	}
	if !finite(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, c.Longitude)
	}
	return nil
}

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b models.Coordinate) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	// exact match only; the same point written another way (a pole at any
	// longitude, lon -180 vs 180) falls through and comes out within float error of 0
	if a == b {
		return 0, nil
	}
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude), nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push a marginally past 1 for antipodal points
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Geohash encodes c at roughly 150m precision.
func Geohash(c models.Coordinate) string {
	return geohash.EncodeWithPrecision(c.Latitude, c.Longitude, geohashPrecision)
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
