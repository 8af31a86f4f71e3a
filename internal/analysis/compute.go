package analysis

import (
	"strconv"

	"loadengine/internal/calendar"
)

// ActivityInput is the raw data of one activity needed to derive its loads
type ActivityInput struct {
	ID            int64
	Date          calendar.Date
	Discipline    string
	Distance      float64 // metres
	ElevationGain float64 // metres
	Samples       []HRSample
}

// ActivityLoad is the derived external and internal load of one activity
type ActivityLoad struct {
	ActivityID         int64
	Date               calendar.Date
	EquivalentDistance float64
	Impulse            float64
	ImpulseFallback    Fallback
	DefaultRule        bool
}

// ComputeActivityLoad runs the normalizer and impulse calculator for one activity.
// It is a pure function of its inputs.
func ComputeActivityLoad(in ActivityInput, p Params) ActivityLoad {
	eq := EquivalentDistance(ParseDiscipline(in.Discipline), in.Distance, in.ElevationGain, p.Equivalency)
	imp := Impulse(in.Samples, p.Zones, p.Impulse, p.AlgorithmVersion)

	return ActivityLoad{
		ActivityID:         in.ID,
		Date:               in.Date,
		EquivalentDistance: eq.Distance,
		Impulse:            imp.Score,
		ImpulseFallback:    imp.Fallback,
		DefaultRule:        eq.DefaultRule,
	}
}

// DailyMetric is one persisted day: the rolling aggregates plus ratios
type DailyMetric struct {
	DayAggregate
	Ratios Ratios
}

// BuildDailyMetrics advances the aggregator through `through` and keeps the days
// on which an activity exists in the trailing chronic window.
func BuildDailyMetrics(agg *Aggregator, loads []DayLoad, through calendar.Date, strategy RatioStrategy) ([]DailyMetric, error) {
	days, err := agg.Advance(loads, through)
	if err != nil {
		return nil, err
	}

	out := make([]DailyMetric, 0, len(days))
	for _, d := range days {
		if !d.RecentActivity {
			continue
		}
		out = append(out, DailyMetric{
			DayAggregate: d,
			Ratios:       ComputeRatios(d, strategy),
		})
	}
	return out, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
