package analysis

import (
	"errors"
	"fmt"
	"sort"

	"loadengine/internal/calendar"
)

// Window lengths in days
const (
	AcuteWindowDays   = 7
	ChronicWindowDays = 28
)

// ErrNonConsecutiveDay is returned when the aggregator is fed a day out of sequence
var ErrNonConsecutiveDay = errors.New("aggregator days must be consecutive")

// DayLoad is the summed load of all activities on one date
type DayLoad struct {
	Date       calendar.Date
	External   float64 // equivalent distance, metres
	Internal   float64 // impulse
	Activities int
}

// Aggregate holds the windowed values of one load type. Nil means undefined.
type Aggregate struct {
	AcuteFlat    *float64
	ChronicFlat  *float64
	AcuteDecay   *float64
	ChronicDecay *float64
}

// Acute returns the acute value under the given strategy
func (a Aggregate) Acute(strategy RatioStrategy) *float64 {
	if strategy == StrategyDecay {
		return a.AcuteDecay
	}
	return a.AcuteFlat
}

// Chronic returns the chronic value under the given strategy
func (a Aggregate) Chronic(strategy RatioStrategy) *float64 {
	if strategy == StrategyDecay {
		return a.ChronicDecay
	}
	return a.ChronicFlat
}

// DayAggregate is the rolling view of a user's load as of one date
type DayAggregate struct {
	Date         calendar.Date
	ExternalLoad float64
	InternalLoad float64
	External     Aggregate
	Internal     Aggregate
	// RecentActivity is true when an activity exists in the trailing chronic window
	RecentActivity bool
}

// AggregatorState is everything needed to continue aggregation after Last.
// It round-trips through JSON exactly, which makes checkpoints resumable.
type AggregatorState struct {
	First      calendar.Date `json:"first"`
	Last       calendar.Date `json:"last"`
	External   []float64     `json:"external"`   // trailing daily loads ending at Last, oldest first
	Internal   []float64     `json:"internal"`   // same length as External
	Activities []int         `json:"activities"` // same length as External

	ExternalAcuteSum   float64 `json:"external_acute_sum"`
	ExternalChronicSum float64 `json:"external_chronic_sum"`
	InternalAcuteSum   float64 `json:"internal_acute_sum"`
	InternalChronicSum float64 `json:"internal_chronic_sum"`
	AcuteWeight        float64 `json:"acute_weight"`
	ChronicWeight      float64 `json:"chronic_weight"`
}

// Aggregator maintains acute and chronic aggregates one day at a time
type Aggregator struct {
	acuteKeep   float64
	chronicKeep float64
	state       AggregatorState
}

// NewAggregator creates an aggregator with no history
func NewAggregator(decay Decay) *Aggregator {
	return &Aggregator{
		acuteKeep:   keepFactor(decay.AcuteDays),
		chronicKeep: keepFactor(decay.ChronicDays),
	}
}

// RestoreAggregator continues from a previously captured state
func RestoreAggregator(decay Decay, state AggregatorState) *Aggregator {
	a := NewAggregator(decay)
	a.state = state.clone()
	return a
}

// keepFactor is 1-α for an EMA with α = 2/(τ+1)
func keepFactor(days float64) float64 {
	return 1 - 2/(days+1)
}

// State returns a copy of the current state
func (a *Aggregator) State() AggregatorState {
	return a.state.clone()
}

// Started reports whether any history exists yet
func (a *Aggregator) Started() bool {
	return !a.state.First.IsZero()
}

// Last returns the most recent date fed to the aggregator
func (a *Aggregator) Last() calendar.Date {
	return a.state.Last
}

// Step feeds the next day. History begins on the first day that carries an activity;
// days before that are ignored and return an aggregate with every value undefined.
func (a *Aggregator) Step(day DayLoad) (DayAggregate, error) {
	out := DayAggregate{
		Date:         day.Date,
		ExternalLoad: day.External,
		InternalLoad: day.Internal,
	}

	if !a.Started() {
		if day.Activities == 0 {
			return out, nil
		}
		a.state.First = day.Date
	} else if !day.Date.Equal(a.state.Last.AddDays(1)) {
		return out, fmt.Errorf("%w: got %s after %s", ErrNonConsecutiveDay, day.Date, a.state.Last)
	}
	a.state.Last = day.Date

	s := &a.state
	s.External = appendWindow(s.External, day.External)
	s.Internal = appendWindow(s.Internal, day.Internal)
	s.Activities = appendWindowInt(s.Activities, day.Activities)

	s.ExternalAcuteSum = day.External + a.acuteKeep*s.ExternalAcuteSum
	s.ExternalChronicSum = day.External + a.chronicKeep*s.ExternalChronicSum
	s.InternalAcuteSum = day.Internal + a.acuteKeep*s.InternalAcuteSum
	s.InternalChronicSum = day.Internal + a.chronicKeep*s.InternalChronicSum
	s.AcuteWeight = 1 + a.acuteKeep*s.AcuteWeight
	s.ChronicWeight = 1 + a.chronicKeep*s.ChronicWeight

	history := s.Last.DaysSince(s.First) + 1

	out.External = Aggregate{
		AcuteFlat:    trailingMean(s.External, AcuteWindowDays, history),
		ChronicFlat:  trailingMean(s.External, ChronicWindowDays, history),
		AcuteDecay:   ratioOf(s.ExternalAcuteSum, s.AcuteWeight),
		ChronicDecay: ratioOf(s.ExternalChronicSum, s.ChronicWeight),
	}
	out.Internal = Aggregate{
		AcuteFlat:    trailingMean(s.Internal, AcuteWindowDays, history),
		ChronicFlat:  trailingMean(s.Internal, ChronicWindowDays, history),
		AcuteDecay:   ratioOf(s.InternalAcuteSum, s.AcuteWeight),
		ChronicDecay: ratioOf(s.InternalChronicSum, s.ChronicWeight),
	}
	for _, n := range s.Activities {
		if n > 0 {
			out.RecentActivity = true
			break
		}
	}

	return out, nil
}

// Advance feeds every day after the last one through `through`, using loads for
// days that have them and zero for rest days. Loads at or before the last fed day
// are ignored. If no history exists yet, aggregation begins at the earliest load.
func (a *Aggregator) Advance(loads []DayLoad, through calendar.Date) ([]DayAggregate, error) {
	byDate := make(map[calendar.Date]DayLoad, len(loads))
	for _, l := range loads {
		cur := byDate[l.Date]
		cur.Date = l.Date
		cur.External += l.External
		cur.Internal += l.Internal
		cur.Activities += l.Activities
		byDate[l.Date] = cur
	}

	var start calendar.Date
	if a.Started() {
		start = a.state.Last.AddDays(1)
	} else {
		for _, l := range loads {
			if l.Activities == 0 {
				continue
			}
			if start.IsZero() || l.Date.Before(start) {
				start = l.Date
			}
		}
		if start.IsZero() {
			return nil, nil
		}
	}

	var out []DayAggregate
	for d := start; !d.After(through); d = d.AddDays(1) {
		day, ok := byDate[d]
		if !ok {
			day = DayLoad{Date: d}
		}
		agg, err := a.Step(day)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, nil
}

// SumDailyLoads collapses per-activity loads into one sorted entry per date
func SumDailyLoads(loads []ActivityLoad) []DayLoad {
	byDate := make(map[calendar.Date]*DayLoad)
	for _, l := range loads {
		d, ok := byDate[l.Date]
		if !ok {
			d = &DayLoad{Date: l.Date}
			byDate[l.Date] = d
		}
		d.External += l.EquivalentDistance
		d.Internal += l.Impulse
		d.Activities++
	}

	out := make([]DayLoad, 0, len(byDate))
	for _, d := range byDate {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// trailingMean averages the last n entries of window that fall inside history
func trailingMean(window []float64, n, history int) *float64 {
	count := n
	if history < count {
		count = history
	}
	if count > len(window) {
		count = len(window)
	}
	if count <= 0 {
		return nil
	}
	var sum float64
	for _, v := range window[len(window)-count:] {
		sum += v
	}
	mean := sum / float64(count)
	return &mean
}

func ratioOf(num, den float64) *float64 {
	if den <= 0 {
		return nil
	}
	v := num / den
	return &v
}

func appendWindow(w []float64, v float64) []float64 {
	w = append(w, v)
	if len(w) > ChronicWindowDays {
		w = append([]float64(nil), w[len(w)-ChronicWindowDays:]...)
	}
	return w
}

func appendWindowInt(w []int, v int) []int {
	w = append(w, v)
	if len(w) > ChronicWindowDays {
		w = append([]int(nil), w[len(w)-ChronicWindowDays:]...)
	}
	return w
}

func (s AggregatorState) clone() AggregatorState {
	out := s
	out.External = append([]float64(nil), s.External...)
	out.Internal = append([]float64(nil), s.Internal...)
	out.Activities = append([]int(nil), s.Activities...)
	return out
}
