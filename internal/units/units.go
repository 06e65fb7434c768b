// Package units provides shared constants and conversions for the length
// and angle units used when reporting head positions. Values are stored
// in metres and radians.
package units

import "math"

// Length unit constants
const (
	M  = "m"
	CM = "cm"
	MM = "mm"
)

// Angle unit constants
const (
	Rad = "rad"
	Deg = "deg"
)

// ValidLengthUnits contains all valid length unit values
var ValidLengthUnits = []string{M, CM, MM}

// ValidAngleUnits contains all valid angle unit values
var ValidAngleUnits = []string{Rad, Deg}

// IsValidLength checks if the given unit is a valid length unit
func IsValidLength(unit string) bool {
	for _, u := range ValidLengthUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// IsValidAngle checks if the given unit is a valid angle unit
func IsValidAngle(unit string) bool {
	return unit == Rad || unit == Deg
}

// GetValidLengthUnitsString returns a comma-separated string of valid length
// units for error messages
func GetValidLengthUnitsString() string {
	return "m, cm, mm"
}

// ConvertLength converts a length from metres to the target units.
func ConvertLength(metres float64, targetUnits string) float64 {
	switch targetUnits {
	case CM:
		return metres * 100
	case MM:
		return metres * 1000
	default:
		return metres
	}
}

// ConvertAngle converts an angle from radians to the target units.
func ConvertAngle(radians float64, targetUnits string) float64 {
	if targetUnits == Deg {
		return radians * 180 / math.Pi
	}
	return radians
}
