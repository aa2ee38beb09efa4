package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseDependencies_MatchesDAG(t *testing.T) {
	assert.Empty(t, PhaseDependencies[PhaseKeywordMetrics])
	assert.ElementsMatch(t, []Phase{PhaseKeywordMetrics}, PhaseDependencies[PhaseSerpCollection])
	assert.ElementsMatch(t, []Phase{PhaseSerpCollection}, PhaseDependencies[PhaseCompanyEnrichmentSerp])
	assert.ElementsMatch(t, []Phase{PhaseSerpCollection}, PhaseDependencies[PhaseYoutubeEnrichment])
	assert.ElementsMatch(t, []Phase{PhaseSerpCollection}, PhaseDependencies[PhaseContentScraping])
	assert.ElementsMatch(t,
		[]Phase{PhaseContentScraping, PhaseCompanyEnrichmentSerp, PhaseYoutubeEnrichment},
		PhaseDependencies[PhaseContentAnalysis],
	)
	assert.ElementsMatch(t, []Phase{PhaseContentAnalysis}, PhaseDependencies[PhaseDSICalculation])
}

func TestCriticalPhases_ExcludesYoutube(t *testing.T) {
	assert.True(t, CriticalPhases[PhaseSerpCollection])
	assert.True(t, CriticalPhases[PhaseContentScraping])
	assert.True(t, CriticalPhases[PhaseContentAnalysis])
	assert.True(t, CriticalPhases[PhaseDSICalculation])
	assert.False(t, CriticalPhases[PhaseYoutubeEnrichment])
	assert.False(t, CriticalPhases[PhaseCompanyEnrichmentSerp])
}

func TestPhaseExecStatus_Terminal(t *testing.T) {
	assert.True(t, PhaseExecCompleted.Terminal())
	assert.True(t, PhaseExecFailed.Terminal())
	assert.True(t, PhaseExecSkipped.Terminal())
	assert.True(t, PhaseExecBlocked.Terminal())
	assert.False(t, PhaseExecPending.Terminal())
	assert.False(t, PhaseExecRunning.Terminal())
	assert.False(t, PhaseExecQueued.Terminal())
}
