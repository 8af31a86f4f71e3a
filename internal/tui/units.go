package tui

import (
	"fmt"

	"loadengine/internal/config"
	"loadengine/internal/service"
)

// Units provides unit conversion and formatting based on user preferences
type Units struct {
	cfg config.DisplayConfig
}

// NewUnits creates a new Units helper with the given display config
func NewUnits(cfg config.DisplayConfig) Units {
	return Units{cfg: cfg}
}

// FormatDistance formats a distance in meters to the user's preferred unit
func (u Units) FormatDistance(meters float64) string {
	return fmt.Sprintf("%.1f %s", u.Distance(meters), u.DistanceLabel())
}

// FormatOptionalDistance formats a nullable distance, "-" when undefined
func (u Units) FormatOptionalDistance(meters *float64) string {
	if meters == nil {
		return "-"
	}
	return u.FormatDistance(*meters)
}

// Distance converts meters to the user's preferred unit
func (u Units) Distance(meters float64) float64 {
	if u.IsMiles() {
		return meters / service.MetersPerMile
	}
	return meters / service.MetersPerKilometer
}

// DistanceLabel returns the short unit label ("mi" or "km")
func (u Units) DistanceLabel() string {
	if u.IsMiles() {
		return "mi"
	}
	return "km"
}

// IsMiles returns true if distance unit is miles
func (u Units) IsMiles() bool {
	return u.cfg.DistanceUnit == "mi"
}
