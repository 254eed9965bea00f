package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/migadu/selftest/modestore"
)

func TestScenarioDecisions(t *testing.T) {
	tests := []struct {
		scenario  modestore.Scenario
		advertise bool
		action    STARTTLSAction
		disrupts  bool
	}{
		{modestore.Baseline, true, STARTTLSUpgrade, false},
		{modestore.T1, false, STARTTLSUpgrade, false},
		{modestore.T2, true, STARTTLSInterrupt, false},
		{modestore.T3, true, STARTTLSRefuse, false},
		{modestore.T4, true, STARTTLSUpgrade, true},
	}

	for _, tt := range tests {
		t.Run(tt.scenario.String(), func(t *testing.T) {
			assert.Equal(t, tt.advertise, AdvertiseSTARTTLS(tt.scenario))
			assert.Equal(t, tt.action, STARTTLSActionFor(tt.scenario))
			assert.Equal(t, tt.disrupts, DisruptsAfterAuth(tt.scenario))
		})
	}
	assert.Len(t, tests, len(modestore.Scenarios()))
}
