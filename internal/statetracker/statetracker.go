// Package statetracker implements the State Tracker: granular per-item
// progress tracking that lets a pipeline run resume from any point instead
// of restarting a phase from scratch.
package statetracker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
)

// WorkItem is one unit of work a phase processes (a keyword search, a
// company domain, a URL to scrape, a video). Only the fields relevant to the
// item's phase need to be set; Metadata is persisted as-is for later
// retrieval via GetPending.
type WorkItem struct {
	Keyword  string
	Region   string
	Type     string
	Domain   string
	URL      string
	VideoID  string
	Metadata map[string]any
}

// Tracker tracks PipelineStateItem rows for a single pipeline run.
type Tracker struct {
	store store.StateStore
	log   *zap.Logger
}

// New builds a Tracker against the given StateStore.
func New(s store.StateStore) *Tracker {
	return &Tracker{store: s, log: zap.L().Named("statetracker")}
}

// ItemIdentifier computes the natural key for an item within a phase,
// mirroring state_tracker.py's _generate_item_identifier: keyword-based
// phases key on keyword+region+type, domain-based phases key on domain,
// URL-based phases key on URL, video-based phases key on URL or video ID,
// and anything else falls back to a stable hash of its fields.
func ItemIdentifier(phase model.Phase, item WorkItem) string {
	switch phase {
	case model.PhaseKeywordMetrics, model.PhaseSerpCollection:
		region := item.Region
		if region == "" {
			region = "global"
		}
		typ := item.Type
		if typ == "" {
			typ = "web"
		}
		return fmt.Sprintf("%s:%s:%s", item.Keyword, region, typ)
	case model.PhaseCompanyEnrichmentSerp:
		return item.Domain
	case model.PhaseContentScraping, model.PhaseContentAnalysis:
		return item.URL
	case model.PhaseYoutubeEnrichment:
		if item.URL != "" {
			return item.URL
		}
		if item.VideoID != "" {
			return item.VideoID
		}
		return hashItem(item)
	default:
		return hashItem(item)
	}
}

// hashItem produces a stable fallback identifier for items outside the known
// phase cases, sorting metadata keys so the hash doesn't depend on map
// iteration order.
func hashItem(item WorkItem) string {
	keys := make([]string, 0, len(item.Metadata))
	for k := range item.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]any, len(item.Metadata)+4)
	ordered["keyword"] = item.Keyword
	ordered["region"] = item.Region
	ordered["type"] = item.Type
	ordered["domain"] = item.Domain
	ordered["url"] = item.URL
	ordered["video_id"] = item.VideoID
	for _, k := range keys {
		ordered[k] = item.Metadata[k]
	}

	encoded, err := json.Marshal(ordered)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", item))
	}
	sum := sha1.Sum(encoded)
	return hex.EncodeToString(sum[:])
}

func itemType(phase model.Phase, item WorkItem) model.ItemType {
	if item.Type != "" {
		switch item.Type {
		case string(model.ItemTypeSerpSearch), string(model.ItemTypeVideo), string(model.ItemTypeURL),
			string(model.ItemTypeDomain), string(model.ItemTypeKeywordRegion):
			return model.ItemType(item.Type)
		}
	}
	switch phase {
	case model.PhaseKeywordMetrics, model.PhaseSerpCollection:
		return model.ItemTypeKeywordRegion
	case model.PhaseCompanyEnrichmentSerp:
		return model.ItemTypeDomain
	case model.PhaseContentScraping, model.PhaseContentAnalysis:
		return model.ItemTypeURL
	case model.PhaseYoutubeEnrichment:
		return model.ItemTypeVideo
	default:
		return model.ItemTypeURL
	}
}

// Initialize creates pending PipelineStateItem rows for the cross product of
// phases x items, skipping any (phase, item_identifier) pair that already
// exists so repeated calls (resume, retry) stay idempotent without relying on
// a DB uniqueness violation to detect the duplicate.
func (t *Tracker) Initialize(ctx context.Context, runID uuid.UUID, phases []model.Phase, items []WorkItem) (int, error) {
	var toInsert []model.PipelineStateItem

	for _, phase := range phases {
		existing, err := t.store.ExistingItemIdentifiers(ctx, runID, phase)
		if err != nil {
			return 0, eris.Wrapf(err, "statetracker: load existing identifiers for %s", phase)
		}
		for _, item := range items {
			id := ItemIdentifier(phase, item)
			if existing[id] {
				continue
			}
			toInsert = append(toInsert, model.PipelineStateItem{
				ID:             uuid.New(),
				RunID:          runID,
				Phase:          phase,
				ItemIdentifier: id,
				ItemType:       itemType(phase, item),
				Status:         model.StateStatusPending,
				ProgressData:   item.Metadata,
			})
		}
	}

	if len(toInsert) == 0 {
		return 0, nil
	}

	created, err := t.store.BulkInsertItems(ctx, toInsert)
	if err != nil {
		return 0, eris.Wrap(err, "statetracker: bulk insert items")
	}

	t.log.Info("initialized pipeline state tracking",
		zap.String("run_id", runID.String()),
		zap.Int("phases", len(phases)),
		zap.Int("items", len(items)),
		zap.Int("states_created", created),
	)
	return created, nil
}

// GetPending returns up to limit pending items for phase, ordered by the
// store (fewest attempts, oldest first) so retries don't starve fresh work.
func (t *Tracker) GetPending(ctx context.Context, runID uuid.UUID, phase model.Phase, limit int) ([]model.PipelineStateItem, error) {
	items, err := t.store.GetPendingItems(ctx, runID, phase, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "statetracker: get pending items for %s", phase)
	}
	return items, nil
}

// Update records a state transition for one item. Progress, lastErr, and
// errCategory are optional (pass "" / nil to leave them untouched).
func (t *Tracker) Update(ctx context.Context, id uuid.UUID, status model.StateStatus, progress map[string]any, lastErr, errCategory string) error {
	if err := t.store.UpdateItemState(ctx, id, status, progress, lastErr, errCategory); err != nil {
		return eris.Wrapf(err, "statetracker: update item %s", id)
	}
	return nil
}

// BulkUpdate transitions many items to the same status in one round-trip.
func (t *Tracker) BulkUpdate(ctx context.Context, ids []uuid.UUID, status model.StateStatus) (int, error) {
	updated, err := t.store.BulkUpdateItemStates(ctx, ids, status)
	if err != nil {
		return 0, eris.Wrap(err, "statetracker: bulk update items")
	}
	return updated, nil
}

// PhaseProgress reports completion counts for one (run, phase).
func (t *Tracker) PhaseProgress(ctx context.Context, runID uuid.UUID, phase model.Phase) (model.PhaseProgress, error) {
	progress, err := t.store.PhaseProgress(ctx, runID, phase)
	if err != nil {
		return model.PhaseProgress{}, eris.Wrapf(err, "statetracker: phase progress for %s", phase)
	}
	return progress, nil
}

// Checkpoint persists a named resume point for phase, stamping it with the
// phase's current progress counters.
func (t *Tracker) Checkpoint(ctx context.Context, runID uuid.UUID, phase model.Phase, name string, stateData map[string]any) error {
	progress, err := t.store.PhaseProgress(ctx, runID, phase)
	if err != nil {
		return eris.Wrapf(err, "statetracker: checkpoint progress lookup for %s", phase)
	}

	cp := model.PipelineCheckpoint{
		RunID:          runID,
		Phase:          phase,
		CheckpointName: name,
		StateData:      stateData,
		Counters: map[string]int{
			"items_processed": progress.ByStatus[model.StateStatusCompleted],
			"items_total":     progress.Total,
		},
	}
	if err := t.store.UpsertCheckpoint(ctx, cp); err != nil {
		return eris.Wrapf(err, "statetracker: upsert checkpoint %s/%s", phase, name)
	}

	t.log.Info("created checkpoint",
		zap.String("run_id", runID.String()),
		zap.String("phase", string(phase)),
		zap.String("checkpoint", name),
	)
	return nil
}

// GetCheckpoint retrieves a previously-saved checkpoint, or nil if none
// exists for (run, phase, name).
func (t *Tracker) GetCheckpoint(ctx context.Context, runID uuid.UUID, phase model.Phase, name string) (*model.PipelineCheckpoint, error) {
	cp, err := t.store.GetCheckpoint(ctx, runID, phase, name)
	if err != nil {
		return nil, eris.Wrapf(err, "statetracker: get checkpoint %s/%s", phase, name)
	}
	return cp, nil
}

// GetFailedItems returns every failed item for phase, for inspection or
// targeted retry.
func (t *Tracker) GetFailedItems(ctx context.Context, runID uuid.UUID, phase model.Phase) ([]model.PipelineStateItem, error) {
	items, err := t.store.GetFailedItems(ctx, runID, phase)
	if err != nil {
		return nil, eris.Wrapf(err, "statetracker: get failed items for %s", phase)
	}
	return items, nil
}

// ResetFailedItems resets up to maxItems failed items back to pending for
// retry, clearing their error fields and attempt counter. maxItems <= 0
// means unbounded.
func (t *Tracker) ResetFailedItems(ctx context.Context, runID uuid.UUID, phase model.Phase, maxItems int) (int, error) {
	reset, err := t.store.ResetFailedItems(ctx, runID, phase, maxItems)
	if err != nil {
		return 0, eris.Wrapf(err, "statetracker: reset failed items for %s", phase)
	}
	t.log.Info("reset failed items",
		zap.String("run_id", runID.String()),
		zap.String("phase", string(phase)),
		zap.Int("count", reset),
	)
	return reset, nil
}
