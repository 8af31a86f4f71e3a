package analysis

import (
	"math"
	"testing"

	"loadengine/internal/calendar"
)

func steadySamples(minutes int, hr float64) []HRSample {
	samples := make([]HRSample, minutes+1)
	for i := range samples {
		samples[i] = HRSample{Offset: float64(i * 60), Heartrate: hr}
	}
	return samples
}

func TestComputeActivityLoad(t *testing.T) {
	params := DefaultParams()

	tests := []struct {
		name    string
		input   ActivityInput
		checkFn func(t *testing.T, got ActivityLoad)
	}{
		{
			name: "run without samples",
			input: ActivityInput{
				ID:            123,
				Date:          day1,
				Discipline:    "run",
				Distance:      10000,
				ElevationGain: 75,
			},
			checkFn: func(t *testing.T, got ActivityLoad) {
				if got.ActivityID != 123 || !got.Date.Equal(day1) {
					t.Errorf("identity = (%d, %s), want (123, %s)", got.ActivityID, got.Date, day1)
				}
				want := 10000 + 75*DefaultElevationFactor
				if math.Abs(got.EquivalentDistance-want) > 1e-9 {
					t.Errorf("EquivalentDistance = %v, want %v", got.EquivalentDistance, want)
				}
				if got.Impulse != 0 || got.ImpulseFallback != FallbackNoSamples {
					t.Errorf("impulse = (%v, %q), want (0, %q)", got.Impulse, got.ImpulseFallback, FallbackNoSamples)
				}
				if got.DefaultRule {
					t.Error("run should not use the default rule")
				}
			},
		},
		{
			name: "ride with steady heart rate",
			input: ActivityInput{
				ID:         456,
				Date:       day1,
				Discipline: "Ride",
				Distance:   40000,
				Samples:    steadySamples(60, 140),
			},
			checkFn: func(t *testing.T, got ActivityLoad) {
				if math.Abs(got.EquivalentDistance-10000) > 1e-9 {
					t.Errorf("EquivalentDistance = %v, want 10000", got.EquivalentDistance)
				}
				x := (140.0 - 50) / (185 - 50)
				want := 60 * x * 0.64 * math.Exp(1.92*x)
				if math.Abs(got.Impulse-want) > 1e-6 {
					t.Errorf("Impulse = %v, want %v", got.Impulse, want)
				}
				if got.ImpulseFallback != FallbackNone {
					t.Errorf("ImpulseFallback = %q, want none", got.ImpulseFallback)
				}
			},
		},
		{
			name: "unknown discipline falls back to foot rule",
			input: ActivityInput{
				ID:         789,
				Date:       day1,
				Discipline: "skateboard",
				Distance:   5000,
			},
			checkFn: func(t *testing.T, got ActivityLoad) {
				if !got.DefaultRule {
					t.Error("DefaultRule should be set for unknown discipline")
				}
				if got.EquivalentDistance != 5000 {
					t.Errorf("EquivalentDistance = %v, want 5000", got.EquivalentDistance)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checkFn(t, ComputeActivityLoad(tt.input, params))
		})
	}
}

func TestBuildDailyMetricsSkipsInactiveDays(t *testing.T) {
	agg := NewAggregator(DefaultParams().Decay)
	loads := []DayLoad{load(1, 1000, 50), load(2, 1000, 50)}

	// 40 days: rows stop once day 2 leaves the 28 day window
	rows, err := BuildDailyMetrics(agg, loads, day1.AddDays(39), StrategyFlat)
	if err != nil {
		t.Fatalf("BuildDailyMetrics: %v", err)
	}
	if len(rows) != 29 {
		t.Fatalf("got %d rows, want 29", len(rows))
	}
	if last := rows[len(rows)-1].Date; !last.Equal(calendar.New(2024, 1, 29)) {
		t.Errorf("last row = %s, want 2024-01-29", last)
	}
	if !agg.Last().Equal(day1.AddDays(39)) {
		t.Errorf("aggregator advanced to %s, want %s", agg.Last(), day1.AddDays(39))
	}

	first := rows[0]
	if first.Ratios.External == nil {
		t.Fatal("external ratio undefined on the first day")
	}
	// one day of history: acute and chronic means are equal
	if math.Abs(*first.Ratios.External-1) > 1e-9 {
		t.Errorf("external ratio = %v, want 1", *first.Ratios.External)
	}
}
