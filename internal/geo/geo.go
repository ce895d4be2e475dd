// Package geo computes distances between travelers.
package geo

import (
	"math"
	"sort"

	"wanderlink/internal/models"
)

// EarthRadiusKm is the mean Earth radius used by Distance
const EarthRadiusKm = 6371.0

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Distance returns the great-circle distance between a and b in kilometres
func Distance(a, b models.Location) float64 {
	lat1, lat2 := radians(a.Latitude), radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// Nearest returns travelers ordered by distance from origin with DistanceKm
// filled in. The origin user is skipped. maxKm <= 0 means no radius limit and
// limit <= 0 means no size limit.
func Nearest(origin models.Location, travelers []models.Traveler, maxKm float64, limit int) []models.Traveler {
	out := make([]models.Traveler, 0, len(travelers))
	for _, t := range travelers {
		if origin.UserID != "" && t.UserID == origin.UserID {
			continue
		}
		t.DistanceKm = Distance(origin, t.Location)
		if maxKm > 0 && t.DistanceKm > maxKm {
			continue
		}
		out = append(out, t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceKm < out[j].DistanceKm
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
