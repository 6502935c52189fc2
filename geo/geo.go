package geo

import (
	"math"
	"time"

	"patrolkeeper/models"
)

const earthRadiusKm = 6371.0

// WalkingSpeedKmh is the pace used for patrol ETAs when none is configured.
const WalkingSpeedKmh = 5.0

// HaversineKm returns the great-circle distance between two coordinates in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// HaversineMeters is HaversineKm between two positions, in meters.
func HaversineMeters(from, to models.Position) float64 {
	return HaversineKm(from.Latitude, from.Longitude, to.Latitude, to.Longitude) * 1000
}

// PathLengthMeters sums the segment lengths of an ordered geometry.
func PathLengthMeters(path []models.Position) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += HaversineMeters(path[i-1], path[i])
	}
	return total
}

// DurationAtSpeed is the time needed to cover meters at speedKmh.
// A non-positive speed yields zero.
func DurationAtSpeed(meters, speedKmh float64) time.Duration {
	if speedKmh <= 0 || meters <= 0 {
		return 0
	}
	hours := (meters / 1000) / speedKmh
	return time.Duration(hours * float64(time.Hour))
}

// ETA returns the expected arrival time when walking from one position to
// another at speedKmh, starting at now.
func ETA(from, to models.Position, speedKmh float64, now time.Time) time.Time {
	return now.Add(DurationAtSpeed(HaversineMeters(from, to), speedKmh))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
