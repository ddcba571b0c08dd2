// Package geo provides the great-circle geometry used to decide whether a
// recorded track forms a closed loop.
package geo

import "math"

// ClosureThresholdMeters is the maximum distance between a track's start and
// end points for the track to count as a closed loop. The boundary is
// inclusive: a track whose endpoints are exactly this far apart is closed.
const ClosureThresholdMeters = 200.0

const earthRadiusMeters = 6371000.0

// DistanceMeters returns the haversine great-circle distance in meters between
// two latitude/longitude pairs expressed in degrees.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// IsClosedLoop reports whether a start/end separation qualifies as a closed loop.
func IsClosedLoop(distanceMeters float64) bool {
	return distanceMeters <= ClosureThresholdMeters
}
