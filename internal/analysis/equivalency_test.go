package analysis

import (
	"math"
	"testing"
)

const (
	metersPerMile = 1609.344
	metersPerFoot = 0.3048
)

func TestParseDiscipline(t *testing.T) {
	tests := []struct {
		label string
		want  Discipline
	}{
		{"Run", DisciplineRun},
		{"TrailRun", DisciplineTrailRun},
		{"trail run", DisciplineTrailRun},
		{"Hike", DisciplineHike},
		{"VirtualRide", DisciplineRide},
		{"Swim", DisciplineSwim},
		{"Kayaking", DisciplinePaddle},
		{"Rowing", DisciplinePaddle},
		{"Crossfit", DisciplineUnknown},
		{"", DisciplineUnknown},
	}
	for _, tt := range tests {
		if got := ParseDiscipline(tt.label); got != tt.want {
			t.Errorf("ParseDiscipline(%q) = %v, want %v", tt.label, got, tt.want)
		}
	}
}

func TestEquivalentDistance(t *testing.T) {
	eq := DefaultParams().Equivalency

	tests := []struct {
		name        string
		discipline  Discipline
		distance    float64
		elevation   float64
		expected    float64
		defaultRule bool
	}{
		{
			name:       "run adds 750 ft per mile of climbing",
			discipline: DisciplineRun,
			distance:   5 * metersPerMile,
			elevation:  1000 * metersPerFoot,
			expected:   (5 + 1000.0/750.0) * metersPerMile,
		},
		{
			name:       "hike uses the same foot rule",
			discipline: DisciplineHike,
			distance:   10000,
			elevation:  750 * metersPerFoot,
			expected:   10000 + metersPerMile,
		},
		{
			name:       "ride ignores elevation and scales distance",
			discipline: DisciplineRide,
			distance:   40000,
			elevation:  500,
			expected:   10000,
		},
		{
			name:       "swim scales distance up",
			discipline: DisciplineSwim,
			distance:   2000,
			expected:   8000,
		},
		{
			name:        "unknown falls back to the foot rule",
			discipline:  DisciplineUnknown,
			distance:    3000,
			elevation:   100,
			expected:    3000 + 100*DefaultElevationFactor,
			defaultRule: true,
		},
		{
			name:       "negative elevation is ignored",
			discipline: DisciplineRun,
			distance:   5000,
			elevation:  -40,
			expected:   5000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EquivalentDistance(tt.discipline, tt.distance, tt.elevation, eq)
			if math.Abs(got.Distance-tt.expected) > 1e-6 {
				t.Errorf("EquivalentDistance() = %v, want %v", got.Distance, tt.expected)
			}
			if got.DefaultRule != tt.defaultRule {
				t.Errorf("DefaultRule = %v, want %v", got.DefaultRule, tt.defaultRule)
			}
		})
	}
}

func TestEquivalentDistanceMissingRatioUsesDefaultRule(t *testing.T) {
	eq := Equivalency{ElevationFactor: DefaultElevationFactor}
	got := EquivalentDistance(DisciplineRide, 10000, 100, eq)
	if !got.DefaultRule {
		t.Error("expected default rule when the ratio is missing")
	}
}

func TestEquivalentDistanceIsPure(t *testing.T) {
	p := DefaultParams()
	in := ActivityInput{
		ID:            7,
		Discipline:    "Run",
		Distance:      8046.72,
		ElevationGain: 304.8,
		Samples:       steadyStream(1800, 1, 145),
	}

	first := ComputeActivityLoad(in, p)
	for i := 0; i < 10; i++ {
		again := ComputeActivityLoad(in, p)
		if math.Float64bits(again.EquivalentDistance) != math.Float64bits(first.EquivalentDistance) {
			t.Fatalf("equivalent distance changed between calls: %v vs %v", again.EquivalentDistance, first.EquivalentDistance)
		}
		if math.Float64bits(again.Impulse) != math.Float64bits(first.Impulse) {
			t.Fatalf("impulse changed between calls: %v vs %v", again.Impulse, first.Impulse)
		}
	}
}
