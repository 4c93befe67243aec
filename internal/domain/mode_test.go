package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, s := range []string{"development", "staging", "production"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), m)
	}

	_, err := ParseMode("prod")
	assert.Error(t, err)
	_, err = ParseMode("")
	assert.Error(t, err)
}

func TestModePolicies(t *testing.T) {
	dev := ModeDevelopment.Policy()
	assert.False(t, dev.EnforceMarketHours)
	assert.False(t, dev.RequireAuth)
	assert.False(t, dev.EnforceCostBudget)
	assert.False(t, dev.ShadowSignals)
	assert.True(t, dev.SimulatedInput)

	stg := ModeStaging.Policy()
	assert.True(t, stg.EnforceMarketHours)
	assert.True(t, stg.RequireAuth)
	assert.False(t, stg.EnforceCostBudget)
	assert.True(t, stg.ShadowSignals, "staging routes signals to the shadow collection")
	assert.False(t, stg.SimulatedInput)

	prod := ModeProduction.Policy()
	assert.True(t, prod.EnforceMarketHours)
	assert.True(t, prod.RequireAuth)
	assert.True(t, prod.EnforceCostBudget)
	assert.False(t, prod.ShadowSignals)
	assert.False(t, prod.SimulatedInput)
}
