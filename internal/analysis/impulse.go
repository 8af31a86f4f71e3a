package analysis

import (
	"math"
)

// HRSample is one heart rate reading at an elapsed-time offset from the activity start
type HRSample struct {
	Offset    float64 // seconds
	Heartrate float64 // bpm
}

// Fallback names a data-quality problem that forced a documented fallback value
type Fallback string

const (
	FallbackNone         Fallback = ""
	FallbackNoSamples    Fallback = "no_samples"
	FallbackNonMonotonic Fallback = "non_monotonic"
	FallbackMalformed    Fallback = "malformed"
	FallbackInvalidZones Fallback = "invalid_zones"
)

// ImpulseResult is the impulse score of one activity plus any fallback applied
type ImpulseResult struct {
	Score    float64
	Fallback Fallback
}

// Impulse integrates a heart rate stream into a training impulse score.
// Each interval between consecutive samples contributes
// Δt(min) · x · a · e^(b·x), where x is the heart-rate-reserve fraction of the
// sample closing the interval. Samples with no reading (0 bpm) are dropouts and
// contribute nothing. Offsets must be strictly increasing in delivery order;
// otherwise the stream is discarded and the score falls back to 0.
func Impulse(samples []HRSample, zones Zones, model ImpulseModel, algorithm int) ImpulseResult {
	if len(samples) == 0 {
		return ImpulseResult{Fallback: FallbackNoSamples}
	}

	reserve := zones.MaxHR - zones.RestingHR
	if reserve <= 0 {
		return ImpulseResult{Fallback: FallbackInvalidZones}
	}

	for i, s := range samples {
		if !isFinite(s.Offset) || !isFinite(s.Heartrate) || s.Offset < 0 || s.Heartrate < 0 {
			return ImpulseResult{Fallback: FallbackMalformed}
		}
		if i > 0 && s.Offset <= samples[i-1].Offset {
			return ImpulseResult{Fallback: FallbackNonMonotonic}
		}
	}

	var total float64
	for i := 1; i < len(samples); i++ {
		hr := samples[i].Heartrate
		if hr <= 0 {
			continue
		}
		deltaMinutes := (samples[i].Offset - samples[i-1].Offset) / 60.0
		x := reserveFraction(hr, zones, algorithm)
		total += deltaMinutes * impulseWeight(x, model)
	}

	return ImpulseResult{Score: total}
}

// impulseWeight is the exponential weighting of a reserve fraction
func impulseWeight(x float64, model ImpulseModel) float64 {
	return x * model.Coefficient * math.Exp(model.Exponent*x)
}

// reserveFraction maps a heart rate to [0,1] on the resting..max scale
func reserveFraction(hr float64, zones Zones, algorithm int) float64 {
	if algorithm == AlgorithmZoneStepped {
		hr = zoneFloor(hr, zones)
	}
	x := (hr - zones.RestingHR) / (zones.MaxHR - zones.RestingHR)
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// zoneFloor returns the lower boundary of the zone hr falls in.
// Below the first boundary the floor is the resting heart rate.
func zoneFloor(hr float64, zones Zones) float64 {
	floor := zones.RestingHR
	for _, b := range zones.Boundaries {
		if hr < b {
			break
		}
		floor = b
	}
	return floor
}

// ZoneIndex returns the 1-based zone of hr (0 below the first boundary)
func ZoneIndex(hr float64, zones Zones) int {
	idx := 0
	for _, b := range zones.Boundaries {
		if hr < b {
			break
		}
		idx++
	}
	return idx
}

// ImpulseDescription returns a human-readable intensity label for a score
func ImpulseDescription(score float64) string {
	switch {
	case score < 50:
		return "Recovery"
	case score < 100:
		return "Easy"
	case score < 150:
		return "Moderate"
	case score < 250:
		return "Hard"
	default:
		return "Very Hard"
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
