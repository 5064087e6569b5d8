package transit

import (
	"fmt"
	"math"
)

// FormatSeconds renders a duration in seconds as "N seconds", rounded to the nearest integer.
func FormatSeconds(sec float64) string {
	return fmt.Sprintf("%d seconds", int64(math.Round(sec)))
}

// FormatMinutes renders a duration in seconds as whole minutes, "N minutes".
func FormatMinutes(sec float64) string {
	return fmt.Sprintf("%d minutes", int64(math.Round(sec/60)))
}

// FormatLocation renders "name (lat, lon)" with 4-decimal coordinates.
func FormatLocation(l *BusLocation) string {
	if l == nil {
		return ""
	}
	return fmt.Sprintf("%s (%.4f, %.4f)", l.LocationName, l.Lat, l.Lon)
}
