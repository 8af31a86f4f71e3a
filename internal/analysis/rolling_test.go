package analysis

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"loadengine/internal/calendar"
)

var day1 = calendar.New(2024, 1, 1)

func load(day int, ext, in float64) DayLoad {
	return DayLoad{Date: day1.AddDays(day - 1), External: ext, Internal: in, Activities: 1}
}

func floatPtr(f float64) *float64 {
	return &f
}

func approx(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s = nil, want %v", name, want)
	}
	if math.Abs(*got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", name, *got, want)
	}
}

func TestAggregatorWindowGap(t *testing.T) {
	agg := NewAggregator(DefaultParams().Decay)
	loads := []DayLoad{load(1, 100, 50), load(10, 70, 35)}

	days, err := agg.Advance(loads, day1.AddDays(9))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if len(days) != 10 {
		t.Fatalf("got %d days, want 10", len(days))
	}

	d10 := days[9]
	// acute window is days 4-10: day 1 excluded
	approx(t, "acute external", d10.External.AcuteFlat, 70.0/7)
	// chronic window holds 10 days of history: both activities
	approx(t, "chronic external", d10.External.ChronicFlat, 170.0/10)
	approx(t, "chronic internal", d10.Internal.ChronicFlat, 85.0/10)
}

func TestAggregatorUndefinedBeforeHistory(t *testing.T) {
	agg := NewAggregator(DefaultParams().Decay)

	// a day without any activity before history starts
	out, err := agg.Step(DayLoad{Date: day1})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if out.External.AcuteFlat != nil || out.External.ChronicFlat != nil ||
		out.External.AcuteDecay != nil || out.External.ChronicDecay != nil {
		t.Error("aggregates should be undefined before any history exists")
	}
	if agg.Started() {
		t.Error("aggregator should not start on an empty day")
	}

	// first day of history: acute and chronic equal that day's load
	out, err = agg.Step(load(2, 60, 30))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	approx(t, "acute flat", out.External.AcuteFlat, 60)
	approx(t, "chronic flat", out.External.ChronicFlat, 60)
	approx(t, "acute decay", out.External.AcuteDecay, 60)
	approx(t, "chronic decay", out.External.ChronicDecay, 60)
}

func TestAggregatorRestDaysStayInWindow(t *testing.T) {
	agg := NewAggregator(DefaultParams().Decay)
	days, err := agg.Advance([]DayLoad{load(1, 70, 0)}, day1.AddDays(3))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	d4 := days[3]
	approx(t, "acute after three rest days", d4.External.AcuteFlat, 70.0/4)
	if !d4.RecentActivity {
		t.Error("day 4 should still see the day 1 activity")
	}
}

func TestAggregatorRecentActivityExpires(t *testing.T) {
	agg := NewAggregator(DefaultParams().Decay)
	days, err := agg.Advance([]DayLoad{load(1, 10, 1)}, day1.AddDays(29))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !days[27].RecentActivity {
		t.Error("day 28 should still include day 1 in the chronic window")
	}
	if days[28].RecentActivity {
		t.Error("day 29 should no longer include day 1")
	}
}

func TestAggregatorDecayFavorsRecentDays(t *testing.T) {
	agg := NewAggregator(DefaultParams().Decay)
	loads := []DayLoad{load(1, 0, 0), load(14, 100, 0)}
	days, err := agg.Advance(loads, day1.AddDays(13))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	last := days[len(days)-1]
	if *last.External.AcuteDecay <= *last.External.ChronicDecay {
		t.Errorf("a fresh spike should weigh more in the acute decay (%v) than chronic (%v)",
			*last.External.AcuteDecay, *last.External.ChronicDecay)
	}
	if *last.External.AcuteDecay <= *last.External.AcuteFlat {
		t.Errorf("decay-weighted acute (%v) should exceed the flat acute mean (%v)",
			*last.External.AcuteDecay, *last.External.AcuteFlat)
	}
}

func TestAggregatorRejectsGaps(t *testing.T) {
	agg := NewAggregator(DefaultParams().Decay)
	if _, err := agg.Step(load(1, 1, 1)); err != nil {
		t.Fatalf("Step: %v", err)
	}
	_, err := agg.Step(load(3, 1, 1))
	if !errors.Is(err, ErrNonConsecutiveDay) {
		t.Errorf("expected ErrNonConsecutiveDay, got %v", err)
	}
}

func TestAggregatorStateRoundTrip(t *testing.T) {
	decay := DefaultParams().Decay
	var loads []DayLoad
	for d := 1; d <= 90; d++ {
		if d%3 == 0 {
			continue
		}
		loads = append(loads, load(d, float64(d)*13.37, float64(d%11)*7.1))
	}
	end := day1.AddDays(89)

	clean := NewAggregator(decay)
	want, err := clean.Advance(loads, end)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// split at day 40, serialize, restore, continue
	first := NewAggregator(decay)
	head, err := first.Advance(loads, day1.AddDays(39))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	raw, err := json.Marshal(first.State())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var state AggregatorState
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resumed := RestoreAggregator(decay, state)
	tail, err := resumed.Advance(loads, end)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	got := append(head, tail...)
	if len(got) != len(want) {
		t.Fatalf("got %d days, want %d", len(got), len(want))
	}
	for i := range want {
		if !sameAggregate(got[i].External, want[i].External) || !sameAggregate(got[i].Internal, want[i].Internal) {
			t.Fatalf("day %s differs after resume", want[i].Date)
		}
	}
}

func sameAggregate(a, b Aggregate) bool {
	return samePtr(a.AcuteFlat, b.AcuteFlat) && samePtr(a.ChronicFlat, b.ChronicFlat) &&
		samePtr(a.AcuteDecay, b.AcuteDecay) && samePtr(a.ChronicDecay, b.ChronicDecay)
}

func samePtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return math.Float64bits(*a) == math.Float64bits(*b)
}

func TestSumDailyLoads(t *testing.T) {
	loads := []ActivityLoad{
		{ActivityID: 2, Date: day1.AddDays(1), EquivalentDistance: 5, Impulse: 1},
		{ActivityID: 1, Date: day1, EquivalentDistance: 10, Impulse: 2},
		{ActivityID: 3, Date: day1.AddDays(1), EquivalentDistance: 7, Impulse: 3},
	}
	days := SumDailyLoads(loads)
	if len(days) != 2 {
		t.Fatalf("got %d days, want 2", len(days))
	}
	if !days[0].Date.Equal(day1) || days[0].External != 10 || days[0].Activities != 1 {
		t.Errorf("day 1 = %+v", days[0])
	}
	if days[1].External != 12 || days[1].Internal != 4 || days[1].Activities != 2 {
		t.Errorf("day 2 = %+v", days[1])
	}
}
