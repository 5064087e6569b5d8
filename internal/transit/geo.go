package transit

import "math"

const EarthRadiusMeters = 6371000.0

func toRad(d float64) float64 { return d * math.Pi / 180 }

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Distance is the haversine distance between two stops.
func Distance(a, b Stop) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Bearing from a to b in degrees, 0..360.
func Bearing(a, b Stop) float64 {
	y := math.Sin(toRad(b.Lon-a.Lon)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lon-a.Lon))
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// Interpolate returns the point at fraction f of the straight lat/lon line from a to b.
// f is clamped to [0,1]; the endpoints are returned exactly at 0 and 1.
func Interpolate(a, b Stop, f float64) (lat, lon float64) {
	f = Clamp01(f)
	switch f {
	case 0:
		return a.Lat, a.Lon
	case 1:
		return b.Lat, b.Lon
	}
	lat = a.Lat + (b.Lat-a.Lat)*f
	lon = a.Lon + (b.Lon-a.Lon)*f
	return lat, lon
}

func Clamp01(f float64) float64 {
	if f < 0 || math.IsNaN(f) {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
