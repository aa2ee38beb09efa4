package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

// checkPreconditions enforces the DB-backed runtime checks phase_orchestrator.py
// calls _check_preconditions: data availability gates that the DAG's static
// dependency graph can't express (e.g. "serp_collection completed" says
// nothing about whether any rows actually landed).
//
// A store error here is never treated as a block: the caller logs and allows
// execution, since a precondition outage must not deadlock the pipeline.
func (o *Orchestrator) checkPreconditions(ctx context.Context, runID uuid.UUID, phase model.Phase) (ok bool, reason string, err error) {
	switch phase {
	case model.PhaseCompanyEnrichmentSerp:
		serpPhase, getErr := o.store.GetPhase(ctx, runID, model.PhaseSerpCollection)
		if getErr != nil {
			return false, "", getErr
		}
		if serpPhase == nil || serpPhase.Status != model.PhaseExecCompleted {
			return false, "serp_phase_not_complete", nil
		}
		count, countErr := o.store.CountSerpResults(ctx, runID, "")
		if countErr != nil {
			return false, "", countErr
		}
		if count == 0 {
			return false, "no_serp_results", nil
		}

	case model.PhaseContentScraping:
		count, countErr := o.store.CountSerpResults(ctx, runID, "")
		if countErr != nil {
			return false, "", countErr
		}
		if count == 0 {
			return false, "no_serp_results_for_scraping", nil
		}

	case model.PhaseYoutubeEnrichment:
		count, countErr := o.store.CountSerpResults(ctx, runID, model.ContentTypeVideo)
		if countErr != nil {
			return false, "", countErr
		}
		if count == 0 {
			return false, "no_video_serp_results", nil
		}

	case model.PhaseContentAnalysis:
		ready, readyErr := o.contentAnalysisReady(ctx, runID)
		if readyErr != nil {
			return false, "", readyErr
		}
		if !ready {
			return false, "no_ready_content_for_analysis", nil
		}

	case model.PhaseDSICalculation:
		analyzed, countErr := o.store.CountContentAnalysis(ctx, runID)
		if countErr != nil {
			return false, "", countErr
		}
		if analyzed == 0 {
			return false, "no_content_analysis_results", nil
		}
		resolved, resolvedErr := o.store.AllChannelsResolved(ctx, runID)
		if resolvedErr != nil {
			return false, "", resolvedErr
		}
		if !resolved {
			return false, "channel_company_resolution_pending", nil
		}
	}

	return true, "", nil
}

// contentAnalysisReady checks whether content_analysis may run ahead of its
// normal turn: scraped content exists, enriched with a company name, and not
// yet analyzed. Mirrors _content_analysis_ready.
func (o *Orchestrator) contentAnalysisReady(ctx context.Context, runID uuid.UUID) (bool, error) {
	count, err := o.store.CountUnanalyzedEligible(ctx, runID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
