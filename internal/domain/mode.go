package domain

import "fmt"

// Mode selects the orchestrator's operating profile. Each mode carries its own
// behavior table so market-hours, auth, budget, and routing decisions can never
// drift into inconsistent boolean combinations.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeStaging     Mode = "staging"
	ModeProduction  Mode = "production"
)

// ModePolicy is the behavior table one mode carries.
type ModePolicy struct {
	EnforceMarketHours bool
	RequireAuth        bool
	EnforceCostBudget  bool
	ShadowSignals      bool // divert signals to the shadow collection
	SimulatedInput     bool
}

var modePolicies = map[Mode]ModePolicy{
	ModeDevelopment: {
		EnforceMarketHours: false,
		RequireAuth:        false,
		EnforceCostBudget:  false,
		ShadowSignals:      false,
		SimulatedInput:     true,
	},
	ModeStaging: {
		EnforceMarketHours: true,
		RequireAuth:        true,
		EnforceCostBudget:  false,
		ShadowSignals:      true,
		SimulatedInput:     false,
	},
	ModeProduction: {
		EnforceMarketHours: true,
		RequireAuth:        true,
		EnforceCostBudget:  true,
		ShadowSignals:      false,
		SimulatedInput:     false,
	},
}

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if _, ok := modePolicies[m]; !ok {
		return "", fmt.Errorf("unknown mode %q (want development|staging|production)", s)
	}
	return m, nil
}

// Policy returns the behavior table for the mode.
func (m Mode) Policy() ModePolicy {
	return modePolicies[m]
}
