package analysis

// Algorithm versions understood by the impulse calculator
const (
	AlgorithmContinuous  = 1 // weight each sample by its own heart-rate-reserve fraction
	AlgorithmZoneStepped = 2 // weight each sample by the lower boundary of its zone
)

// LatestAlgorithm is the newest algorithm version this build can compute
const LatestAlgorithm = AlgorithmZoneStepped

// RatioStrategy selects which aggregates feed the acute:chronic ratios
type RatioStrategy string

const (
	StrategyFlat  RatioStrategy = "flat"
	StrategyDecay RatioStrategy = "decay"
)

// Zones holds the athlete's heart rate anchors and zone thresholds (bpm)
type Zones struct {
	RestingHR  float64   `json:"resting_hr" yaml:"resting_hr"`
	MaxHR      float64   `json:"max_hr" yaml:"max_hr"`
	Boundaries []float64 `json:"boundaries" yaml:"boundaries"`
}

// ImpulseModel holds the Banister weighting coefficients: Δt·x·a·e^(b·x)
type ImpulseModel struct {
	Coefficient float64 `json:"coefficient" yaml:"coefficient"`
	Exponent    float64 `json:"exponent" yaml:"exponent"`
}

// Equivalency holds the factors that convert external work into equivalent distance
type Equivalency struct {
	// ElevationFactor is horizontal metres credited per metre climbed on foot
	ElevationFactor float64 `json:"elevation_factor" yaml:"elevation_factor"`
	// Ratios maps non-foot discipline names (ride, swim, paddle) to a distance multiplier
	Ratios map[string]float64 `json:"ratios" yaml:"ratios"`
}

// Decay holds exponential smoothing time constants in days
type Decay struct {
	AcuteDays   float64 `json:"acute_days" yaml:"acute_days"`
	ChronicDays float64 `json:"chronic_days" yaml:"chronic_days"`
}

// Params is the full set of inputs that determine every derived value for a user
type Params struct {
	AlgorithmVersion int           `json:"algorithm_version" yaml:"algorithm_version"`
	Zones            Zones         `json:"zones" yaml:"zones"`
	Impulse          ImpulseModel  `json:"impulse" yaml:"impulse"`
	Equivalency      Equivalency   `json:"equivalency" yaml:"equivalency"`
	Decay            Decay         `json:"decay" yaml:"decay"`
	RatioStrategy    RatioStrategy `json:"ratio_strategy" yaml:"ratio_strategy"`
}

// DefaultParams returns the documented defaults given to new users
func DefaultParams() Params {
	return Params{
		AlgorithmVersion: AlgorithmContinuous,
		Zones: Zones{
			RestingHR:  50,
			MaxHR:      185,
			Boundaries: []float64{131, 145, 158, 171},
		},
		Impulse: ImpulseModel{
			Coefficient: 0.64,
			Exponent:    1.92,
		},
		Equivalency: Equivalency{
			ElevationFactor: DefaultElevationFactor,
			Ratios: map[string]float64{
				DisciplineRide.String():   0.25,
				DisciplineSwim.String():   4.0,
				DisciplinePaddle.String(): 0.5,
			},
		},
		Decay: Decay{
			AcuteDays:   AcuteWindowDays,
			ChronicDays: ChronicWindowDays,
		},
		RatioStrategy: StrategyFlat,
	}
}

// Clone returns a deep copy so callers can derive a new version without aliasing
func (p Params) Clone() Params {
	out := p
	out.Zones.Boundaries = append([]float64(nil), p.Zones.Boundaries...)
	out.Equivalency.Ratios = make(map[string]float64, len(p.Equivalency.Ratios))
	for k, v := range p.Equivalency.Ratios {
		out.Equivalency.Ratios[k] = v
	}
	return out
}
