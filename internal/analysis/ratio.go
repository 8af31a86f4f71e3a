package analysis

import "math"

// Ratios holds the acute:chronic ratios and their divergence. Nil means undefined.
type Ratios struct {
	External   *float64
	Internal   *float64
	Divergence *float64
}

// AcuteChronicRatio divides acute by chronic load.
// Undefined when either side is undefined or chronic is zero; an empty acute
// window with chronic history is a valid ratio of 0.
func AcuteChronicRatio(acute, chronic *float64) *float64 {
	if acute == nil || chronic == nil || *chronic == 0 {
		return nil
	}
	r := *acute / *chronic
	if !isFinite(r) {
		return nil
	}
	return &r
}

// Divergence is (external - internal) / mean(external, internal).
// Negative values mean internal load is rising faster than the work explains.
// Undefined unless both ratios are defined and their sum is non-zero.
func Divergence(external, internal *float64) *float64 {
	if external == nil || internal == nil {
		return nil
	}
	mean := (*external + *internal) / 2
	if mean == 0 {
		return nil
	}
	d := (*external - *internal) / mean
	if !isFinite(d) {
		return nil
	}
	return &d
}

// ComputeRatios derives ratios and divergence for one day
func ComputeRatios(day DayAggregate, strategy RatioStrategy) Ratios {
	ext := AcuteChronicRatio(day.External.Acute(strategy), day.External.Chronic(strategy))
	in := AcuteChronicRatio(day.Internal.Acute(strategy), day.Internal.Chronic(strategy))
	return Ratios{
		External:   ext,
		Internal:   in,
		Divergence: Divergence(ext, in),
	}
}

// DivergenceDescription returns a human-readable reading of the divergence index
func DivergenceDescription(d *float64) string {
	if d == nil {
		return "Not enough data"
	}
	switch v := *d; {
	case v <= -0.3:
		return "Body working much harder than the work suggests"
	case v <= -0.1:
		return "Internal load outpacing external load"
	case v < 0.1:
		return "Balanced"
	case v < 0.3:
		return "Handling the work comfortably"
	default:
		return "Work far exceeds physiological response"
	}
}

// RatioDescription returns a human-readable reading of an acute:chronic ratio
func RatioDescription(r *float64) string {
	if r == nil {
		return "Undefined"
	}
	switch v := *r; {
	case v < 0.8:
		return "Detraining"
	case v <= 1.3:
		return "Sweet spot"
	case v <= 1.5:
		return "Elevated"
	default:
		return "Spike - injury risk"
	}
}

// roundTo rounds f to n decimal places for display
func roundTo(f float64, n int) float64 {
	p := math.Pow(10, float64(n))
	return math.Round(f*p) / p
}

// FormatOptional formats a nullable value with two decimals, or "-" when undefined
func FormatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatFloat(roundTo(*v, 2))
}
