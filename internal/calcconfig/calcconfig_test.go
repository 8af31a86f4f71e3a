package calcconfig

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadengine/internal/analysis"
)

func TestValidateDefaults(t *testing.T) {
	require.NoError(t, Validate(analysis.DefaultParams()))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(p *analysis.Params)
		errContains string
	}{
		{
			name:        "overlapping boundaries",
			mutate:      func(p *analysis.Params) { p.Zones.Boundaries = []float64{130, 150, 150, 170} },
			errContains: "strictly increasing",
		},
		{
			name:        "decreasing boundaries",
			mutate:      func(p *analysis.Params) { p.Zones.Boundaries = []float64{160, 140} },
			errContains: "strictly increasing",
		},
		{
			name:        "boundary above max",
			mutate:      func(p *analysis.Params) { p.Zones.Boundaries = []float64{130, 190} },
			errContains: "between resting_hr and max_hr",
		},
		{
			name:        "resting above max",
			mutate:      func(p *analysis.Params) { p.Zones.RestingHR = 190 },
			errContains: "must be less than zones.max_hr",
		},
		{
			name:        "non-positive elevation factor",
			mutate:      func(p *analysis.Params) { p.Equivalency.ElevationFactor = 0 },
			errContains: "elevation_factor must be positive",
		},
		{
			name:        "negative discipline ratio",
			mutate:      func(p *analysis.Params) { p.Equivalency.Ratios["swim"] = -1 },
			errContains: "ratios.swim must be positive",
		},
		{
			name:        "missing discipline ratio",
			mutate:      func(p *analysis.Params) { delete(p.Equivalency.Ratios, "ride") },
			errContains: "ratios.ride is required",
		},
		{
			name:        "ratio for a foot discipline",
			mutate:      func(p *analysis.Params) { p.Equivalency.Ratios["run"] = 1 },
			errContains: "not a ratio discipline",
		},
		{
			name:        "unknown algorithm",
			mutate:      func(p *analysis.Params) { p.AlgorithmVersion = 9 },
			errContains: "algorithm_version",
		},
		{
			name:        "zone-stepped needs boundaries",
			mutate:      func(p *analysis.Params) { p.AlgorithmVersion = 2; p.Zones.Boundaries = nil },
			errContains: "boundaries are required",
		},
		{
			name:        "acute not shorter than chronic",
			mutate:      func(p *analysis.Params) { p.Decay.AcuteDays = 30 },
			errContains: "must be shorter",
		},
		{
			name:        "unknown ratio strategy",
			mutate:      func(p *analysis.Params) { p.RatioStrategy = "median" },
			errContains: "ratio_strategy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := analysis.DefaultParams()
			tt.mutate(&p)

			err := Validate(p)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestChangeApply(t *testing.T) {
	base := analysis.DefaultParams()
	algo := analysis.AlgorithmZoneStepped
	change := Change{
		Zones:            &analysis.Zones{RestingHR: 45, MaxHR: 190, Boundaries: []float64{120, 140, 160}},
		Equivalency:      &EquivalencyChange{Ratios: map[string]float64{"ride": 0.3}},
		AlgorithmVersion: &algo,
	}

	got := change.Apply(base)
	assert.Equal(t, 45.0, got.Zones.RestingHR)
	assert.Equal(t, []float64{120, 140, 160}, got.Zones.Boundaries)
	assert.Equal(t, 0.3, got.Equivalency.Ratios["ride"])
	assert.Equal(t, 4.0, got.Equivalency.Ratios["swim"], "unchanged ratios are kept")
	assert.Equal(t, base.Equivalency.ElevationFactor, got.Equivalency.ElevationFactor)
	assert.Equal(t, algo, got.AlgorithmVersion)

	// base is untouched
	assert.Equal(t, 0.25, base.Equivalency.Ratios["ride"])
	assert.Equal(t, 50.0, base.Zones.RestingHR)
}

func TestChangeApplyExplicitZeroFactor(t *testing.T) {
	zero := 0.0
	got := Change{Equivalency: &EquivalencyChange{ElevationFactor: &zero}}.Apply(analysis.DefaultParams())

	assert.Equal(t, 0.0, got.Equivalency.ElevationFactor)
	err := Validate(got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "elevation_factor must be positive")
}

func TestChangeEmpty(t *testing.T) {
	assert.True(t, Change{}.Empty())
	algo := 1
	assert.False(t, Change{AlgorithmVersion: &algo}.Empty())
}

func TestRolloutEnabled(t *testing.T) {
	assert.True(t, Rollout{AlgorithmVersion: 1}.Enabled(99), "algorithm 1 is always enabled")
	assert.False(t, Rollout{AlgorithmVersion: 2}.Enabled(99))
	assert.True(t, Rollout{AlgorithmVersion: 2, Allow: []int64{99}}.Enabled(99))
	assert.True(t, Rollout{AlgorithmVersion: 2, Percent: 100}.Enabled(99))

	// raising the percentage never removes an owner
	for owner := int64(1); owner <= 200; owner++ {
		enabledAt := -1
		for pct := 0; pct <= 100; pct += 10 {
			on := Rollout{AlgorithmVersion: 2, Percent: pct}.Enabled(owner)
			if on && enabledAt < 0 {
				enabledAt = pct
			}
			if !on && enabledAt >= 0 {
				t.Fatalf("owner %d enabled at %d%% but not at %d%%", owner, enabledAt, pct)
			}
		}
	}
}

func TestBucketIsStable(t *testing.T) {
	assert.Equal(t, Bucket(42, 2), Bucket(42, 2))
	b := Bucket(42, 2)
	assert.GreaterOrEqual(t, b, 0)
	assert.Less(t, b, 100)
}
