// Package calcconfig defines the versioned calculation configuration of a user
// and the rules that decide which algorithm versions a user may run.
package calcconfig

import (
	"fmt"
	"math"
	"strings"
	"time"

	"loadengine/internal/analysis"
)

// Config is one immutable version of a user's calculation configuration
type Config struct {
	OwnerID     int64
	Version     int64
	EffectiveAt time.Time
	Params      analysis.Params
	// RolledBackAt is set when the version was abandoned by a rolled-back recalculation
	RolledBackAt *time.Time
}

// Change is a requested modification. Nil fields keep the current value.
type Change struct {
	Zones            *analysis.Zones
	Impulse          *analysis.ImpulseModel
	Equivalency      *EquivalencyChange
	Decay            *analysis.Decay
	RatioStrategy    *analysis.RatioStrategy
	AlgorithmVersion *int
}

// EquivalencyChange edits equivalency factors. A nil ElevationFactor keeps the
// current one; Ratios are merged by discipline.
type EquivalencyChange struct {
	ElevationFactor *float64
	Ratios          map[string]float64
}

// Empty reports whether the change modifies nothing
func (c Change) Empty() bool {
	return c.Zones == nil && c.Impulse == nil && c.Equivalency == nil &&
		c.Decay == nil && c.RatioStrategy == nil && c.AlgorithmVersion == nil
}

// Apply returns base with the change applied. Equivalency ratios are merged by discipline.
func (c Change) Apply(base analysis.Params) analysis.Params {
	out := base.Clone()
	if c.Zones != nil {
		out.Zones = analysis.Zones{
			RestingHR:  c.Zones.RestingHR,
			MaxHR:      c.Zones.MaxHR,
			Boundaries: append([]float64(nil), c.Zones.Boundaries...),
		}
	}
	if c.Impulse != nil {
		out.Impulse = *c.Impulse
	}
	if c.Equivalency != nil {
		if c.Equivalency.ElevationFactor != nil {
			out.Equivalency.ElevationFactor = *c.Equivalency.ElevationFactor
		}
		for k, v := range c.Equivalency.Ratios {
			out.Equivalency.Ratios[k] = v
		}
	}
	if c.Decay != nil {
		out.Decay = *c.Decay
	}
	if c.RatioStrategy != nil {
		out.RatioStrategy = *c.RatioStrategy
	}
	if c.AlgorithmVersion != nil {
		out.AlgorithmVersion = *c.AlgorithmVersion
	}
	return out
}

// ValidationError lists every problem found in a configuration
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid calculation configuration: " + strings.Join(e.Problems, "; ")
}

// Validate rejects configurations that cannot produce meaningful values
func Validate(p analysis.Params) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if p.AlgorithmVersion < 1 || p.AlgorithmVersion > analysis.LatestAlgorithm {
		add("algorithm_version must be between 1 and %d, got %d", analysis.LatestAlgorithm, p.AlgorithmVersion)
	}

	z := p.Zones
	if !positive(z.RestingHR) {
		add("zones.resting_hr must be positive, got %v", z.RestingHR)
	}
	if !positive(z.MaxHR) {
		add("zones.max_hr must be positive, got %v", z.MaxHR)
	}
	if z.RestingHR >= z.MaxHR {
		add("zones.resting_hr (%v) must be less than zones.max_hr (%v)", z.RestingHR, z.MaxHR)
	}
	if p.AlgorithmVersion == analysis.AlgorithmZoneStepped && len(z.Boundaries) == 0 {
		add("zones.boundaries are required by algorithm %d", analysis.AlgorithmZoneStepped)
	}
	for i, b := range z.Boundaries {
		if !finite(b) || b <= z.RestingHR || b >= z.MaxHR {
			add("zones.boundaries[%d] (%v) must lie between resting_hr and max_hr", i, b)
		}
		if i > 0 && b <= z.Boundaries[i-1] {
			add("zones.boundaries must be strictly increasing: [%d]=%v after %v", i, b, z.Boundaries[i-1])
		}
	}

	if !positive(p.Impulse.Coefficient) {
		add("impulse.coefficient must be positive, got %v", p.Impulse.Coefficient)
	}
	if !positive(p.Impulse.Exponent) {
		add("impulse.exponent must be positive, got %v", p.Impulse.Exponent)
	}

	if !positive(p.Equivalency.ElevationFactor) {
		add("equivalency.elevation_factor must be positive, got %v", p.Equivalency.ElevationFactor)
	}
	for _, d := range analysis.RatioDisciplines() {
		r, ok := p.Equivalency.Ratios[d.String()]
		if !ok {
			add("equivalency.ratios.%s is required", d)
			continue
		}
		if !positive(r) {
			add("equivalency.ratios.%s must be positive, got %v", d, r)
		}
	}
	for name := range p.Equivalency.Ratios {
		d := analysis.ParseDiscipline(name)
		if d == analysis.DisciplineUnknown || d.FootBased() {
			add("equivalency.ratios.%s is not a ratio discipline", name)
		}
	}

	if !positive(p.Decay.AcuteDays) {
		add("decay.acute_days must be positive, got %v", p.Decay.AcuteDays)
	}
	if !positive(p.Decay.ChronicDays) {
		add("decay.chronic_days must be positive, got %v", p.Decay.ChronicDays)
	}
	if positive(p.Decay.AcuteDays) && positive(p.Decay.ChronicDays) && p.Decay.AcuteDays >= p.Decay.ChronicDays {
		add("decay.acute_days (%v) must be shorter than decay.chronic_days (%v)", p.Decay.AcuteDays, p.Decay.ChronicDays)
	}

	switch p.RatioStrategy {
	case analysis.StrategyFlat, analysis.StrategyDecay:
	default:
		add("ratio_strategy must be %q or %q, got %q", analysis.StrategyFlat, analysis.StrategyDecay, p.RatioStrategy)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func positive(f float64) bool {
	return finite(f) && f > 0
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
