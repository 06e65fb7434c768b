package units

import (
	"math"
	"testing"
)

func TestConvertLength(t *testing.T) {
	tests := []struct {
		name     string
		metres   float64
		units    string
		expected float64
	}{
		{"1 mm in mm", 0.001, MM, 1},
		{"4 cm in cm", 0.04, CM, 4},
		{"metres unchanged", 0.123, M, 0.123},
		{"unknown units default to m", 0.5, "furlong", 0.5},
		{"negative offset", -0.0025, MM, -2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertLength(tt.metres, tt.units)
			if math.Abs(result-tt.expected) > 1e-12 {
				t.Errorf("ConvertLength(%g, %s) = %g, want %g", tt.metres, tt.units, result, tt.expected)
			}
		})
	}
}

func TestConvertAngle(t *testing.T) {
	if got := ConvertAngle(math.Pi, Deg); math.Abs(got-180) > 1e-12 {
		t.Errorf("ConvertAngle(pi, deg) = %g, want 180", got)
	}
	if got := ConvertAngle(0.1, Rad); got != 0.1 {
		t.Errorf("ConvertAngle(0.1, rad) = %g, want 0.1", got)
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		unit   string
		length bool
		angle  bool
	}{
		{M, true, false},
		{CM, true, false},
		{MM, true, false},
		{Rad, false, true},
		{Deg, false, true},
		{"MM", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		if got := IsValidLength(tt.unit); got != tt.length {
			t.Errorf("IsValidLength(%q) = %v, want %v", tt.unit, got, tt.length)
		}
		if got := IsValidAngle(tt.unit); got != tt.angle {
			t.Errorf("IsValidAngle(%q) = %v, want %v", tt.unit, got, tt.angle)
		}
	}
	if GetValidLengthUnitsString() != "m, cm, mm" {
		t.Errorf("unexpected units string %q", GetValidLengthUnitsString())
	}
}
