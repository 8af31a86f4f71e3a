package main

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadengine/internal/analysis"
	"loadengine/internal/calcconfig"
)

func TestChangeFromFlags(t *testing.T) {
	active := analysis.DefaultParams()

	flags := configSetCmd.Flags()
	require.NoError(t, flags.Set("max-hr", "190"))
	require.NoError(t, flags.Set("ratio", "Ride=0.3"))
	require.NoError(t, flags.Set("strategy", "decay"))

	change, err := changeFromFlags(configSetCmd, active)
	require.NoError(t, err)

	require.NotNil(t, change.Zones)
	assert.Equal(t, 190.0, change.Zones.MaxHR)
	assert.Equal(t, active.Zones.RestingHR, change.Zones.RestingHR, "unset zone fields keep active values")
	assert.Equal(t, active.Zones.Boundaries, change.Zones.Boundaries)

	require.NotNil(t, change.Equivalency)
	assert.Equal(t, map[string]float64{"ride": 0.3}, change.Equivalency.Ratios)

	require.NotNil(t, change.RatioStrategy)
	assert.Equal(t, analysis.StrategyDecay, *change.RatioStrategy)

	assert.Nil(t, change.Impulse)
	assert.Nil(t, change.Decay)
	assert.Nil(t, change.AlgorithmVersion)

	applied := change.Apply(active)
	assert.NoError(t, calcconfig.Validate(applied))
	assert.Equal(t, 4.0, applied.Equivalency.Ratios["swim"], "ratios merge by discipline")
}

func TestChangeFromFlagsZeroElevationFactor(t *testing.T) {
	require.NoError(t, configSetCmd.Flags().Set("elevation-factor", "0"))
	t.Cleanup(func() {
		_ = configSetCmd.Flags().Set("elevation-factor", strconv.FormatFloat(analysis.DefaultElevationFactor, 'f', -1, 64))
	})

	change, err := changeFromFlags(configSetCmd, analysis.DefaultParams())
	require.NoError(t, err)
	require.NotNil(t, change.Equivalency)
	require.NotNil(t, change.Equivalency.ElevationFactor)
	assert.Equal(t, 0.0, *change.Equivalency.ElevationFactor)

	assert.Error(t, calcconfig.Validate(change.Apply(analysis.DefaultParams())))
}

func TestFormatZones(t *testing.T) {
	z := analysis.Zones{RestingHR: 50, MaxHR: 185, Boundaries: []float64{131, 145.5}}
	assert.Equal(t, "50/131/145.5/185", formatZones(z))
}
