//go:build integration

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/resilience"
)

// pgxIface is the subset of *pgxpool.Pool this package relies on, narrowed
// to an interface so pgxmock can stand in for it in unit tests.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool pgxIface
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS pipeline_executions (
	id            UUID PRIMARY KEY,
	mode          TEXT NOT NULL,
	status        TEXT NOT NULL,
	config        JSONB NOT NULL,
	counters      JSONB NOT NULL DEFAULT '{}',
	phase_results JSONB,
	errors        JSONB NOT NULL DEFAULT '[]',
	warnings      JSONB NOT NULL DEFAULT '[]',
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pipeline_executions_status ON pipeline_executions(status);

CREATE TABLE IF NOT EXISTS pipeline_phase_status (
	run_id       UUID NOT NULL REFERENCES pipeline_executions(id),
	phase        TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       JSONB,
	reason       TEXT,
	skip_reasons JSONB,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, phase)
);

CREATE TABLE IF NOT EXISTS pipeline_state (
	id              UUID PRIMARY KEY,
	run_id          UUID NOT NULL REFERENCES pipeline_executions(id),
	phase           TEXT NOT NULL,
	item_identifier TEXT NOT NULL,
	item_type       TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempt_count   INT NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ,
	last_error      TEXT,
	error_category  TEXT,
	progress_data   JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	UNIQUE (run_id, phase, item_identifier)
);
CREATE INDEX IF NOT EXISTS idx_pipeline_state_pending ON pipeline_state(run_id, phase, status, attempt_count, created_at);

CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
	run_id          UUID NOT NULL REFERENCES pipeline_executions(id),
	phase           TEXT NOT NULL,
	checkpoint_name TEXT NOT NULL,
	state_data      JSONB NOT NULL,
	counters        JSONB,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, phase, checkpoint_name)
);

CREATE TABLE IF NOT EXISTS job_queue (
	id            UUID PRIMARY KEY,
	queue_name    TEXT NOT NULL,
	job_type      TEXT NOT NULL,
	payload       JSONB NOT NULL,
	priority      INT NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INT NOT NULL DEFAULT 0,
	max_attempts  INT NOT NULL DEFAULT 5,
	scheduled_for TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_at     TIMESTAMPTZ,
	locked_by     TEXT,
	last_error    TEXT,
	dead_letter   BOOLEAN NOT NULL DEFAULT false,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_job_queue_acquire ON job_queue(queue_name, status, dead_letter, scheduled_for, priority);

CREATE TABLE IF NOT EXISTS circuit_breakers (
	service_name     TEXT PRIMARY KEY,
	state            TEXT NOT NULL DEFAULT 'closed',
	failure_count    INT NOT NULL DEFAULT 0,
	success_count    INT NOT NULL DEFAULT 0,
	total_requests   BIGINT NOT NULL DEFAULT 0,
	total_failures   BIGINT NOT NULL DEFAULT 0,
	total_successes  BIGINT NOT NULL DEFAULT 0,
	opened_at        TIMESTAMPTZ,
	half_opened_at   TIMESTAMPTZ,
	last_failure_at  TIMESTAMPTZ,
	last_success_at  TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS error_categories (
	code               TEXT PRIMARY KEY,
	description        TEXT,
	is_retryable       BOOLEAN NOT NULL DEFAULT true,
	backoff_strategy   TEXT NOT NULL DEFAULT 'exponential',
	base_delay_seconds DOUBLE PRECISION NOT NULL DEFAULT 1,
	max_delay_seconds  DOUBLE PRECISION NOT NULL DEFAULT 60,
	max_retries        INT NOT NULL DEFAULT 3,
	http_status_codes  JSONB,
	error_patterns     JSONB
);

CREATE TABLE IF NOT EXISTS retry_history (
	id              UUID PRIMARY KEY,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	error_category  TEXT NOT NULL,
	attempt_number  INT NOT NULL,
	succeeded       BOOLEAN NOT NULL,
	error_message   TEXT,
	delay_applied_ms BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_retry_history_entity ON retry_history(entity_type, created_at);

CREATE TABLE IF NOT EXISTS keywords (
	id                    TEXT PRIMARY KEY,
	term                  TEXT NOT NULL,
	region                TEXT NOT NULL,
	avg_monthly_searches  INT,
	competition           TEXT,
	fetched_metrics_at    TIMESTAMPTZ,
	UNIQUE (term, region)
);

CREATE TABLE IF NOT EXISTS serp_results (
	id                    UUID PRIMARY KEY,
	keyword_id            TEXT NOT NULL,
	keyword               TEXT NOT NULL,
	search_date           TIMESTAMPTZ NOT NULL,
	location              TEXT NOT NULL,
	serp_type             TEXT NOT NULL,
	url                   TEXT NOT NULL,
	position              INT NOT NULL,
	title                 TEXT,
	snippet               TEXT,
	domain                TEXT NOT NULL,
	provider_metadata     JSONB,
	avg_monthly_searches  INT,
	pipeline_execution_id UUID,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (keyword_id, search_date, location, serp_type, url)
);
CREATE INDEX IF NOT EXISTS idx_serp_results_run ON serp_results(pipeline_execution_id, serp_type);

CREATE TABLE IF NOT EXISTS scraped_content (
	url                   TEXT PRIMARY KEY,
	domain                TEXT NOT NULL,
	title                 TEXT,
	content               TEXT,
	html                  TEXT,
	word_count            INT NOT NULL DEFAULT 0,
	status                TEXT NOT NULL,
	error_message         TEXT,
	pipeline_execution_id UUID,
	scraped_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS content_analysis (
	url                    TEXT NOT NULL,
	project_id             TEXT NOT NULL,
	classification         TEXT,
	persona_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
	jtbd_score             DOUBLE PRECISION NOT NULL DEFAULT 0,
	mentions               JSONB,
	source_classification  TEXT,
	sentiment              TEXT,
	confidence             DOUBLE PRECISION NOT NULL DEFAULT 0,
	dimension_scores       JSONB,
	analyzed_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (url, project_id)
);

CREATE TABLE IF NOT EXISTS company_profiles (
	domain                TEXT PRIMARY KEY,
	company_name          TEXT NOT NULL,
	industry              TEXT,
	size_range            TEXT,
	revenue_range         TEXT,
	description           TEXT,
	source_type           TEXT NOT NULL,
	confidence_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	technologies          JSONB,
	social_profiles       JSONB,
	headquarters_location TEXT,
	parent_domain         TEXT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS company_domains (
	alias_domain     TEXT PRIMARY KEY,
	canonical_domain TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS youtube_channel_companies (
	channel_id    TEXT PRIMARY KEY,
	company_name  TEXT NOT NULL,
	company_domain TEXT NOT NULL,
	channel_type  TEXT,
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	reasoning     TEXT,
	resolved_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS video_snapshots (
	video_id            TEXT PRIMARY KEY,
	url                 TEXT NOT NULL,
	channel_id          TEXT NOT NULL,
	title               TEXT,
	duration_seconds    INT NOT NULL DEFAULT 0,
	view_count          BIGINT NOT NULL DEFAULT 0,
	like_count          BIGINT NOT NULL DEFAULT 0,
	comment_count       BIGINT NOT NULL DEFAULT 0,
	channel_subscribers BIGINT NOT NULL DEFAULT 0,
	fetched_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dsi_scores (
	pipeline_execution_id UUID NOT NULL,
	company_domain        TEXT NOT NULL,
	components            JSONB NOT NULL,
	dsi_score             DOUBLE PRECISION NOT NULL,
	metadata              JSONB,
	calculated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (pipeline_execution_id, company_domain)
);

CREATE TABLE IF NOT EXISTS historical_page_dsi_snapshots (
	url           TEXT NOT NULL,
	snapshot_date DATE NOT NULL,
	page_dsi      DOUBLE PRECISION NOT NULL,
	traffic_share DOUBLE PRECISION NOT NULL,
	persona_score DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (url, snapshot_date)
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run model.PipelineRun) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal config")
	}
	countersJSON, err := json.Marshal(run.Counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counters")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_executions (id, mode, status, config, counters, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		run.ID, string(run.Mode), string(run.Status), cfgJSON, countersJSON, run.StartedAt,
	)
	return eris.Wrap(err, "postgres: create run")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID uuid.UUID, status model.RunStatus) error {
	var completedAt any
	if status.Terminal() {
		completedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_executions SET status=$1, completed_at=$2, updated_at=now() WHERE id=$3`,
		string(status), completedAt, runID,
	)
	return eris.Wrapf(err, "postgres: update run status %s", runID)
}

func (s *PostgresStore) UpdateRunCounters(ctx context.Context, runID uuid.UUID, counters model.RunCounters) error {
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counters")
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE pipeline_executions SET counters=$1, updated_at=now() WHERE id=$2`,
		countersJSON, runID,
	)
	return eris.Wrapf(err, "postgres: update counters %s", runID)
}

func (s *PostgresStore) AppendRunError(ctx context.Context, runID uuid.UUID, message string, isWarning bool) error {
	col := "errors"
	if isWarning {
		col = "warnings"
	}
	query := fmt.Sprintf(`UPDATE pipeline_executions SET %s = %s || to_jsonb($1::text), updated_at=now() WHERE id=$2`, col, col)
	_, err := s.pool.Exec(ctx, query, message, runID)
	return eris.Wrapf(err, "postgres: append run %s", col)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID uuid.UUID) (*model.PipelineRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, runSelectSQL+` WHERE id=$1`, runID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

const runSelectSQL = `SELECT id, mode, status, config, counters, phase_results, errors, warnings, started_at, completed_at, created_at, updated_at FROM pipeline_executions`

func scanRun(row pgx.Row) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var cfgJSON, countersJSON, phaseResultsJSON, errorsJSON, warningsJSON []byte
	if err := row.Scan(&r.ID, &r.Mode, &r.Status, &cfgJSON, &countersJSON, &phaseResultsJSON, &errorsJSON, &warningsJSON,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfgJSON, &r.Config); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(countersJSON, &r.Counters)
	if phaseResultsJSON != nil {
		_ = json.Unmarshal(phaseResultsJSON, &r.PhaseResults)
	}
	_ = json.Unmarshal(errorsJSON, &r.Errors)
	_ = json.Unmarshal(warningsJSON, &r.Warnings)
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := runSelectSQL + ` WHERE true`
	var args []any
	idx := 1
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, string(filter.Status))
		idx++
	}
	if filter.ClientID != "" {
		query += fmt.Sprintf(" AND config->>'client_id'=$%d", idx)
		args = append(args, filter.ClientID)
		idx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(" AND created_at > $%d", idx)
		args = append(args, filter.CreatedAfter)
		idx++
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", idx)
	args = append(args, limit)
	idx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ListRunningRuns(ctx context.Context) ([]model.PipelineRun, error) {
	return s.ListRuns(ctx, RunFilter{Status: model.RunStatusRunning, Limit: 1000})
}

func (s *PostgresStore) DeleteAllRuns(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE pipeline_executions, pipeline_phase_status, pipeline_state, pipeline_checkpoints CASCADE`)
	return eris.Wrap(err, "postgres: delete all runs")
}

// --- Phases ---

func (s *PostgresStore) InitializePhases(ctx context.Context, runID uuid.UUID, enabled map[model.Phase]bool) error {
	for _, phase := range model.AllPhases() {
		status := model.PhaseExecSkipped
		if enabled[phase] {
			status = model.PhaseExecPending
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO pipeline_phase_status (run_id, phase, status, created_at, updated_at)
			 VALUES ($1, $2, $3, now(), now())
			 ON CONFLICT (run_id, phase) DO UPDATE SET
			   status = CASE WHEN pipeline_phase_status.status IN ('completed','failed','blocked')
			                 THEN pipeline_phase_status.status ELSE EXCLUDED.status END,
			   updated_at = now()`,
			runID, string(phase), string(status),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: initialize phase %s", phase)
		}
	}
	return nil
}

const phaseSelectSQL = `SELECT run_id, phase, status, result, reason, skip_reasons, started_at, completed_at, created_at, updated_at FROM pipeline_phase_status`

func scanPhase(row pgx.Row) (*model.PhaseExecution, error) {
	var p model.PhaseExecution
	var resultJSON, skipReasonsJSON []byte
	if err := row.Scan(&p.RunID, &p.Phase, &p.Status, &resultJSON, &p.Reason, &skipReasonsJSON,
		&p.StartedAt, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if resultJSON != nil {
		_ = json.Unmarshal(resultJSON, &p.Result)
	}
	if skipReasonsJSON != nil {
		_ = json.Unmarshal(skipReasonsJSON, &p.SkipReasons)
	}
	return &p, nil
}

func (s *PostgresStore) GetPhase(ctx context.Context, runID uuid.UUID, phase model.Phase) (*model.PhaseExecution, error) {
	p, err := scanPhase(s.pool.QueryRow(ctx, phaseSelectSQL+` WHERE run_id=$1 AND phase=$2`, runID, string(phase)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get phase %s/%s", runID, phase)
	}
	return p, nil
}

func (s *PostgresStore) ListPhases(ctx context.Context, runID uuid.UUID) ([]model.PhaseExecution, error) {
	rows, err := s.pool.Query(ctx, phaseSelectSQL+` WHERE run_id=$1`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list phases")
	}
	defer rows.Close()
	var out []model.PhaseExecution
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan phase")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list phases iterate")
}

func (s *PostgresStore) SetPhaseRunning(ctx context.Context, runID uuid.UUID, phase model.Phase) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_phase_status SET status='running', started_at=now(), updated_at=now() WHERE run_id=$1 AND phase=$2`,
		runID, string(phase),
	)
	return eris.Wrapf(err, "postgres: set phase running %s/%s", runID, phase)
}

func (s *PostgresStore) CompletePhase(ctx context.Context, runID uuid.UUID, phase model.Phase, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phase result")
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE pipeline_phase_status SET status='completed', result=$1, completed_at=now(), updated_at=now() WHERE run_id=$2 AND phase=$3`,
		resultJSON, runID, string(phase),
	)
	return eris.Wrapf(err, "postgres: complete phase %s/%s", runID, phase)
}

func (s *PostgresStore) FailPhase(ctx context.Context, runID uuid.UUID, phase model.Phase, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_phase_status SET status='failed', reason=$1, completed_at=now(), updated_at=now() WHERE run_id=$2 AND phase=$3`,
		reason, runID, string(phase),
	)
	return eris.Wrapf(err, "postgres: fail phase %s/%s", runID, phase)
}

func (s *PostgresStore) SkipPhase(ctx context.Context, runID uuid.UUID, phase model.Phase, reasons []string) error {
	reasonsJSON, _ := json.Marshal(reasons)
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_phase_status SET status='skipped', skip_reasons=$1, completed_at=now(), updated_at=now() WHERE run_id=$2 AND phase=$3`,
		reasonsJSON, runID, string(phase),
	)
	return eris.Wrapf(err, "postgres: skip phase %s/%s", runID, phase)
}

func (s *PostgresStore) BlockPendingPhases(ctx context.Context, runID uuid.UUID, phases []model.Phase) error {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_phase_status SET status='blocked', updated_at=now()
		 WHERE run_id=$1 AND phase = ANY($2) AND status='pending'`,
		runID, names,
	)
	return eris.Wrap(err, "postgres: block pending phases")
}

func (s *PostgresStore) CountSerpResults(ctx context.Context, runID uuid.UUID, contentType model.ContentType) (int, error) {
	var count int
	query := `SELECT count(*) FROM serp_results WHERE pipeline_execution_id=$1`
	args := []any{runID}
	if contentType != "" {
		query += ` AND serp_type=$2`
		args = append(args, string(contentType))
	}
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	return count, eris.Wrap(err, "postgres: count serp results")
}

func (s *PostgresStore) CountUnanalyzedEligible(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM scraped_content sc
		JOIN company_profiles cp ON cp.domain = sc.domain
		LEFT JOIN content_analysis ca ON ca.url = sc.url
		WHERE sc.pipeline_execution_id=$1 AND sc.status='completed' AND ca.url IS NULL`,
		runID,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count unanalyzed eligible")
}

func (s *PostgresStore) CountContentAnalysis(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM content_analysis ca
		JOIN scraped_content sc ON sc.url = ca.url
		WHERE sc.pipeline_execution_id=$1`,
		runID,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count content analysis")
}

func (s *PostgresStore) AllChannelsResolved(ctx context.Context, runID uuid.UUID) (bool, error) {
	var unresolved int
	err := s.pool.QueryRow(ctx, `
		SELECT count(DISTINCT vs.channel_id) FROM serp_results sr
		JOIN video_snapshots vs ON vs.url = sr.url
		LEFT JOIN youtube_channel_companies yc ON yc.channel_id = vs.channel_id
		WHERE sr.pipeline_execution_id=$1 AND sr.serp_type='video' AND yc.channel_id IS NULL`,
		runID,
	).Scan(&unresolved)
	if err != nil {
		return false, eris.Wrap(err, "postgres: check unresolved channels")
	}
	return unresolved == 0, nil
}

// --- State items ---

func (s *PostgresStore) ExistingItemIdentifiers(ctx context.Context, runID uuid.UUID, phase model.Phase) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT item_identifier FROM pipeline_state WHERE run_id=$1 AND phase=$2`, runID, string(phase))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing item identifiers")
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item identifier")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "postgres: existing item identifiers iterate")
}

func (s *PostgresStore) BulkInsertItems(ctx context.Context, items []model.PipelineStateItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	rowsInput := make([][]any, len(items))
	for i, it := range items {
		progressJSON, _ := json.Marshal(it.ProgressData)
		rowsInput[i] = []any{it.ID, it.RunID, string(it.Phase), it.ItemIdentifier, string(it.ItemType), string(it.Status), it.CreatedAt, progressJSON}
	}
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"pipeline_state"},
		[]string{"id", "run_id", "phase", "item_identifier", "item_type", "status", "created_at", "progress_data"},
		pgx.CopyFromRows(rowsInput),
	)
	return int(n), eris.Wrap(err, "postgres: bulk insert state items")
}

func (s *PostgresStore) GetPendingItems(ctx context.Context, runID uuid.UUID, phase model.Phase, limit int) ([]model.PipelineStateItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, phase, item_identifier, item_type, status, attempt_count, last_attempt_at, last_error, error_category, progress_data, created_at, completed_at
		FROM pipeline_state
		WHERE run_id=$1 AND phase=$2 AND status IN ('pending','queued')
		ORDER BY attempt_count ASC, created_at ASC LIMIT $3`,
		runID, string(phase), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get pending items")
	}
	defer rows.Close()
	var out []model.PipelineStateItem
	for rows.Next() {
		var it model.PipelineStateItem
		var progressJSON []byte
		if err := rows.Scan(&it.ID, &it.RunID, &it.Phase, &it.ItemIdentifier, &it.ItemType, &it.Status,
			&it.AttemptCount, &it.LastAttemptAt, &it.LastError, &it.ErrorCategory, &progressJSON, &it.CreatedAt, &it.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending item")
		}
		if progressJSON != nil {
			_ = json.Unmarshal(progressJSON, &it.ProgressData)
		}
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get pending items iterate")
}

func (s *PostgresStore) UpdateItemState(ctx context.Context, id uuid.UUID, status model.StateStatus, progress map[string]any, lastErr, errCategory string) error {
	if len(lastErr) > 1000 {
		lastErr = lastErr[:1000]
	}
	progressJSON, _ := json.Marshal(progress)

	switch status {
	case model.StateStatusProcessing:
		_, err := s.pool.Exec(ctx,
			`UPDATE pipeline_state SET status=$1, attempt_count=attempt_count+1, last_attempt_at=now(), progress_data=$2 WHERE id=$3`,
			string(status), progressJSON, id,
		)
		return eris.Wrap(err, "postgres: update item state to processing")
	case model.StateStatusCompleted:
		_, err := s.pool.Exec(ctx,
			`UPDATE pipeline_state SET status=$1, completed_at=now(), progress_data=$2, last_error=NULL, error_category=NULL WHERE id=$3`,
			string(status), progressJSON, id,
		)
		return eris.Wrap(err, "postgres: update item state to completed")
	default:
		_, err := s.pool.Exec(ctx,
			`UPDATE pipeline_state SET status=$1, last_error=$2, error_category=$3, progress_data=$4 WHERE id=$5`,
			string(status), lastErr, errCategory, progressJSON, id,
		)
		return eris.Wrap(err, "postgres: update item state")
	}
}

func (s *PostgresStore) BulkUpdateItemStates(ctx context.Context, ids []uuid.UUID, status model.StateStatus) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE pipeline_state SET status=$1 WHERE id = ANY($2)`, string(status), ids)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: bulk update item states")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PhaseProgress(ctx context.Context, runID uuid.UUID, phase model.Phase) (model.PhaseProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM pipeline_state WHERE run_id=$1 AND phase=$2 GROUP BY status`,
		runID, string(phase),
	)
	if err != nil {
		return model.PhaseProgress{}, eris.Wrap(err, "postgres: phase progress")
	}
	defer rows.Close()

	progress := model.PhaseProgress{ByStatus: map[model.StateStatus]int{}}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.PhaseProgress{}, eris.Wrap(err, "postgres: scan phase progress")
		}
		progress.ByStatus[model.StateStatus(status)] = count
		progress.Total += count
	}
	if progress.Total > 0 {
		progress.CompletionPercentage = float64(progress.ByStatus[model.StateStatusCompleted]) / float64(progress.Total) * 100
	}
	return progress, eris.Wrap(rows.Err(), "postgres: phase progress iterate")
}

func (s *PostgresStore) UpsertCheckpoint(ctx context.Context, cp model.PipelineCheckpoint) error {
	stateJSON, err := json.Marshal(cp.StateData)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal checkpoint state")
	}
	countersJSON, _ := json.Marshal(cp.Counters)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_checkpoints (run_id, phase, checkpoint_name, state_data, counters, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (run_id, phase, checkpoint_name) DO UPDATE
		SET state_data=EXCLUDED.state_data, counters=EXCLUDED.counters, updated_at=now()`,
		cp.RunID, string(cp.Phase), cp.CheckpointName, stateJSON, countersJSON,
	)
	return eris.Wrap(err, "postgres: upsert checkpoint")
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, runID uuid.UUID, phase model.Phase, name string) (*model.PipelineCheckpoint, error) {
	var cp model.PipelineCheckpoint
	var stateJSON, countersJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, phase, checkpoint_name, state_data, counters, updated_at FROM pipeline_checkpoints WHERE run_id=$1 AND phase=$2 AND checkpoint_name=$3`,
		runID, string(phase), name,
	).Scan(&cp.RunID, &cp.Phase, &cp.CheckpointName, &stateJSON, &countersJSON, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get checkpoint")
	}
	_ = json.Unmarshal(stateJSON, &cp.StateData)
	if countersJSON != nil {
		_ = json.Unmarshal(countersJSON, &cp.Counters)
	}
	return &cp, nil
}

func (s *PostgresStore) GetFailedItems(ctx context.Context, runID uuid.UUID, phase model.Phase) ([]model.PipelineStateItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, phase, item_identifier, item_type, status, attempt_count, last_attempt_at, last_error, error_category, progress_data, created_at, completed_at
		 FROM pipeline_state WHERE run_id=$1 AND phase=$2 AND status='failed'`,
		runID, string(phase),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get failed items")
	}
	defer rows.Close()
	var out []model.PipelineStateItem
	for rows.Next() {
		var it model.PipelineStateItem
		var progressJSON []byte
		if err := rows.Scan(&it.ID, &it.RunID, &it.Phase, &it.ItemIdentifier, &it.ItemType, &it.Status,
			&it.AttemptCount, &it.LastAttemptAt, &it.LastError, &it.ErrorCategory, &progressJSON, &it.CreatedAt, &it.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed item")
		}
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get failed items iterate")
}

func (s *PostgresStore) ResetFailedItems(ctx context.Context, runID uuid.UUID, phase model.Phase, maxItems int) (int, error) {
	query := `UPDATE pipeline_state SET status='pending', attempt_count=0, last_error=NULL, error_category=NULL
		WHERE id IN (SELECT id FROM pipeline_state WHERE run_id=$1 AND phase=$2 AND status='failed'`
	args := []any{runID, string(phase)}
	if maxItems > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, maxItems)
	}
	query += ")"
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset failed items")
	}
	return int(tag.RowsAffected()), nil
}

// --- Job queue ---

func (s *PostgresStore) Enqueue(ctx context.Context, job model.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job payload")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_queue (id, queue_name, job_type, payload, priority, status, attempts, max_attempts, scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7, now())`,
		job.ID, job.QueueName, job.JobType, payloadJSON, job.Priority, job.MaxAttempts, job.ScheduledFor,
	)
	return eris.Wrap(err, "postgres: enqueue job")
}

func (s *PostgresStore) BulkEnqueue(ctx context.Context, jobs []model.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	rowsInput := make([][]any, len(jobs))
	for i, j := range jobs {
		payloadJSON, _ := json.Marshal(j.Payload)
		rowsInput[i] = []any{j.ID, j.QueueName, j.JobType, payloadJSON, j.Priority, "pending", 0, j.MaxAttempts, j.ScheduledFor, time.Now().UTC()}
	}
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"job_queue"},
		[]string{"id", "queue_name", "job_type", "payload", "priority", "status", "attempts", "max_attempts", "scheduled_for", "created_at"},
		pgx.CopyFromRows(rowsInput),
	)
	return int(n), eris.Wrap(err, "postgres: bulk enqueue jobs")
}

// Acquire implements the canonical lease protocol: release expired locks,
// then atomically claim one pending row ordered by priority DESC,
// scheduled_for ASC, skipping rows locked by a concurrent worker.
func (s *PostgresStore) Acquire(ctx context.Context, queueName, workerID string, lockTimeout time.Duration) (*model.Job, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_queue SET status='pending', locked_at=NULL, locked_by=NULL
		WHERE queue_name=$1 AND status='processing' AND locked_at < $2`,
		queueName, time.Now().UTC().Add(-lockTimeout),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: release expired job locks")
	}

	var j model.Job
	var payloadJSON []byte
	err = s.pool.QueryRow(ctx, `
		UPDATE job_queue SET status='processing', locked_at=now(), locked_by=$2,
		       started_at=COALESCE(started_at, now()), attempts=attempts+1
		WHERE id = (
			SELECT id FROM job_queue
			WHERE queue_name=$1 AND status='pending' AND NOT dead_letter AND scheduled_for <= now()
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue_name, job_type, payload, priority, status, attempts, max_attempts, scheduled_for, locked_at, locked_by, last_error, dead_letter, started_at, completed_at, created_at`,
		queueName, workerID,
	).Scan(&j.ID, &j.QueueName, &j.JobType, &payloadJSON, &j.Priority, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.ScheduledFor, &j.LockedAt, &j.LockedBy, &j.LastError, &j.DeadLetter, &j.StartedAt, &j.CompletedAt, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: acquire job")
	}
	_ = json.Unmarshal(payloadJSON, &j.Payload)
	return &j, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_queue SET status='completed', completed_at=now(), locked_at=NULL, locked_by=NULL WHERE id=$1`,
		id,
	)
	return eris.Wrapf(err, "postgres: complete job %s", id)
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string, baseDelay time.Duration) error {
	base := baseDelay.Seconds()
	if base <= 0 {
		base = 1
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE job_queue SET
			last_error = $2,
			status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
			dead_letter = attempts >= max_attempts,
			locked_at = NULL,
			locked_by = NULL,
			scheduled_for = CASE WHEN attempts >= max_attempts THEN scheduled_for
			                     ELSE now() + ($3 * power(2, attempts - 1)) * interval '1 second' END
		WHERE id=$1`,
		id, errMsg, base,
	)
	return eris.Wrapf(err, "postgres: fail job %s", id)
}

func (s *PostgresStore) QueueStats(ctx context.Context, queueName string) (model.QueueStats, error) {
	stats := model.QueueStats{QueueName: queueName}
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM job_queue WHERE queue_name=$1 GROUP BY status`, queueName)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: queue stats")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, eris.Wrap(err, "postgres: scan queue stats")
		}
		switch model.JobStatus(status) {
		case model.JobStatusPending:
			stats.Pending = count
		case model.JobStatusProcessing:
			stats.Processing = count
		case model.JobStatusCompleted:
			stats.Completed = count
		case model.JobStatusFailed:
			stats.Failed = count
		}
	}
	// dead_letter is a boolean flag set alongside status='failed' (see
	// FailJob), not a distinct status value, so it needs its own count.
	_ = s.pool.QueryRow(ctx, `SELECT count(*) FROM job_queue WHERE queue_name=$1 AND dead_letter`, queueName).Scan(&stats.DeadLetter)
	var avgSeconds *float64
	_ = s.pool.QueryRow(ctx, `
		SELECT extract(epoch FROM avg(completed_at - started_at))
		FROM job_queue WHERE queue_name=$1 AND status='completed' AND started_at IS NOT NULL`,
		queueName,
	).Scan(&avgSeconds)
	if avgSeconds != nil {
		stats.AverageProcessingTime = time.Duration(*avgSeconds * float64(time.Second))
	}
	return stats, eris.Wrap(rows.Err(), "postgres: queue stats iterate")
}

func (s *PostgresStore) RetryDeadLetter(ctx context.Context, ids []uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue SET status='pending', dead_letter=false, attempts=0, scheduled_for=now(), last_error=NULL
		WHERE id = ANY($1) AND dead_letter`,
		ids,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: retry dead letter")
	}
	return int(tag.RowsAffected()), nil
}

// --- Circuit breaker persistence ---

func (s *PostgresStore) LoadCircuitState(ctx context.Context, service string) (*resilience.PersistedCircuitState, error) {
	var p resilience.PersistedCircuitState
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT service_name, state, failure_count, success_count, total_requests, total_failures, total_successes,
		       opened_at, half_opened_at, last_failure_at, last_success_at
		FROM circuit_breakers WHERE service_name=$1`,
		service,
	).Scan(&p.Service, &state, &p.FailureCount, &p.SuccessCount, &p.TotalRequests, &p.TotalFailures, &p.TotalSuccesses,
		&p.OpenedAt, &p.HalfOpenedAt, &p.LastFailureAt, &p.LastSuccessAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: load circuit state")
	}
	p.State = resilience.ParseCircuitState(state)
	return &p, nil
}

func (s *PostgresStore) SaveCircuitState(ctx context.Context, state resilience.PersistedCircuitState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO circuit_breakers (service_name, state, failure_count, success_count, total_requests, total_failures, total_successes,
		                               opened_at, half_opened_at, last_failure_at, last_success_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (service_name) DO UPDATE SET
			state=EXCLUDED.state, failure_count=EXCLUDED.failure_count, success_count=EXCLUDED.success_count,
			total_requests=EXCLUDED.total_requests, total_failures=EXCLUDED.total_failures, total_successes=EXCLUDED.total_successes,
			opened_at=EXCLUDED.opened_at, half_opened_at=EXCLUDED.half_opened_at,
			last_failure_at=EXCLUDED.last_failure_at, last_success_at=EXCLUDED.last_success_at, updated_at=now()`,
		state.Service, state.State.String(), state.FailureCount, state.SuccessCount, state.TotalRequests, state.TotalFailures, state.TotalSuccesses,
		state.OpenedAt, state.HalfOpenedAt, state.LastFailureAt, state.LastSuccessAt,
	)
	return eris.Wrap(err, "postgres: save circuit state")
}

// --- Retry category / history ---

func (s *PostgresStore) LoadErrorCategories(ctx context.Context) ([]resilience.ErrorCategory, error) {
	rows, err := s.pool.Query(ctx, `SELECT code, description, is_retryable, backoff_strategy, base_delay_seconds, max_delay_seconds, max_retries, http_status_codes, error_patterns FROM error_categories`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load error categories")
	}
	defer rows.Close()
	var out []resilience.ErrorCategory
	for rows.Next() {
		var c resilience.ErrorCategory
		var strategy string
		var codesJSON, patternsJSON []byte
		if err := rows.Scan(&c.Code, &c.Description, &c.IsRetryable, &strategy, &c.BaseDelaySeconds, &c.MaxDelaySeconds, &c.MaxRetries, &codesJSON, &patternsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan error category")
		}
		c.BackoffStrategy = resilience.BackoffStrategy(strategy)
		if codesJSON != nil {
			_ = json.Unmarshal(codesJSON, &c.HTTPStatusCodes)
		}
		if patternsJSON != nil {
			_ = json.Unmarshal(patternsJSON, &c.ErrorPatterns)
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load error categories iterate")
}

func (s *PostgresStore) SaveErrorCategory(ctx context.Context, cat resilience.ErrorCategory) error {
	codesJSON, _ := json.Marshal(cat.HTTPStatusCodes)
	patternsJSON, _ := json.Marshal(cat.ErrorPatterns)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO error_categories (code, description, is_retryable, backoff_strategy, base_delay_seconds, max_delay_seconds, max_retries, http_status_codes, error_patterns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO UPDATE SET
			description=EXCLUDED.description, is_retryable=EXCLUDED.is_retryable, backoff_strategy=EXCLUDED.backoff_strategy,
			base_delay_seconds=EXCLUDED.base_delay_seconds, max_delay_seconds=EXCLUDED.max_delay_seconds,
			max_retries=EXCLUDED.max_retries, http_status_codes=EXCLUDED.http_status_codes, error_patterns=EXCLUDED.error_patterns`,
		cat.Code, cat.Description, cat.IsRetryable, string(cat.BackoffStrategy), cat.BaseDelaySeconds, cat.MaxDelaySeconds, cat.MaxRetries, codesJSON, patternsJSON,
	)
	return eris.Wrap(err, "postgres: save error category")
}

func (s *PostgresStore) RecordRetryAttempt(ctx context.Context, attempt resilience.RetryAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO retry_history (id, entity_type, entity_id, error_category, attempt_number, succeeded, error_message, delay_applied_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		attempt.ID, attempt.EntityType, attempt.EntityID, attempt.ErrorCategory, attempt.AttemptNumber, attempt.Succeeded, attempt.ErrorMessage, attempt.DelayAppliedMs,
	)
	return eris.Wrap(err, "postgres: record retry attempt")
}

func (s *PostgresStore) RetryStatistics(ctx context.Context, entityType string, window time.Duration) (resilience.RetryStats, error) {
	stats := resilience.RetryStats{ByCategory: map[string]int{}}
	since := time.Now().UTC().Add(-window)

	rows, err := s.pool.Query(ctx, `
		SELECT error_category, succeeded, count(*) FROM retry_history
		WHERE entity_type=$1 AND created_at >= $2 GROUP BY error_category, succeeded`,
		entityType, since,
	)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: retry statistics")
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var succeeded bool
		var count int
		if err := rows.Scan(&category, &succeeded, &count); err != nil {
			return stats, eris.Wrap(err, "postgres: scan retry statistics")
		}
		stats.ByCategory[category] += count
		stats.TotalAttempts += count
		if succeeded {
			stats.TotalSuccesses += count
		} else {
			stats.TotalFailures += count
		}
	}
	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.TotalSuccesses) / float64(stats.TotalAttempts) * 100
	}
	return stats, eris.Wrap(rows.Err(), "postgres: retry statistics iterate")
}

// --- SERP ---

func (s *PostgresStore) UpsertKeyword(ctx context.Context, kw model.Keyword) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO keywords (id, term, region, avg_monthly_searches, competition, fetched_metrics_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (term, region) DO UPDATE SET
			avg_monthly_searches=EXCLUDED.avg_monthly_searches, competition=EXCLUDED.competition, fetched_metrics_at=EXCLUDED.fetched_metrics_at`,
		kw.ID, kw.Term, kw.Region, kw.AvgMonthlySearches, kw.Competition, kw.FetchedMetricsAt,
	)
	return eris.Wrap(err, "postgres: upsert keyword")
}

func (s *PostgresStore) UpsertSerpResults(ctx context.Context, results []model.SerpResult) (int, error) {
	n := 0
	for _, r := range results {
		metaJSON, _ := json.Marshal(r.ProviderMetadata)
		_, err := s.pool.Exec(ctx, `
			INSERT INTO serp_results (id, keyword_id, keyword, search_date, location, serp_type, url, position, title, snippet, domain, provider_metadata, avg_monthly_searches, pipeline_execution_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
			ON CONFLICT (keyword_id, search_date, location, serp_type, url) DO UPDATE SET
				position=EXCLUDED.position, title=EXCLUDED.title, snippet=EXCLUDED.snippet,
				provider_metadata=EXCLUDED.provider_metadata, pipeline_execution_id=EXCLUDED.pipeline_execution_id`,
			r.ID, r.KeywordID, r.Keyword, r.SearchDate, r.Location, string(r.SerpType), r.URL, r.Position, r.Title, r.Snippet,
			r.Domain, metaJSON, r.AvgMonthlySearches, r.PipelineExecutionID,
		)
		if err != nil {
			return n, eris.Wrapf(err, "postgres: upsert serp result %s", r.URL)
		}
		n++
	}
	return n, nil
}

func (s *PostgresStore) ListSerpResultURLs(ctx context.Context, runID uuid.UUID, contentTypes []model.ContentType) ([]model.SerpResult, error) {
	types := make([]string, len(contentTypes))
	for i, c := range contentTypes {
		types[i] = string(c)
	}
	query := `SELECT id, keyword_id, keyword, search_date, location, serp_type, url, position, title, snippet, domain, provider_metadata, avg_monthly_searches, pipeline_execution_id, created_at
		FROM serp_results WHERE pipeline_execution_id=$1`
	args := []any{runID}
	if len(types) > 0 {
		query += ` AND serp_type = ANY($2)`
		args = append(args, types)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list serp result urls")
	}
	defer rows.Close()
	var out []model.SerpResult
	for rows.Next() {
		var r model.SerpResult
		var metaJSON []byte
		if err := rows.Scan(&r.ID, &r.KeywordID, &r.Keyword, &r.SearchDate, &r.Location, &r.SerpType, &r.URL, &r.Position,
			&r.Title, &r.Snippet, &r.Domain, &metaJSON, &r.AvgMonthlySearches, &r.PipelineExecutionID, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan serp result")
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &r.ProviderMetadata)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list serp result urls iterate")
}

// --- Content ---

func (s *PostgresStore) UpsertScrapedContent(ctx context.Context, content model.ScrapedContent) error {
	content.WordCount = len(strings.Fields(content.Content))
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scraped_content (url, domain, title, content, html, word_count, status, error_message, pipeline_execution_id, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (url) DO UPDATE SET
			domain=EXCLUDED.domain, title=EXCLUDED.title, content=EXCLUDED.content, html=EXCLUDED.html,
			word_count=EXCLUDED.word_count, status=EXCLUDED.status, error_message=EXCLUDED.error_message,
			pipeline_execution_id=EXCLUDED.pipeline_execution_id, scraped_at=now()`,
		content.URL, content.Domain, content.Title, content.Content, content.HTML, content.WordCount,
		string(content.Status), content.ErrorMessage, content.PipelineExecutionID,
	)
	return eris.Wrapf(err, "postgres: upsert scraped content %s", content.URL)
}

func (s *PostgresStore) GetUnscrapedURLs(ctx context.Context, runID uuid.UUID) ([]model.SerpResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sr.id, sr.keyword_id, sr.keyword, sr.search_date, sr.location, sr.serp_type, sr.url, sr.position, sr.title, sr.snippet, sr.domain, sr.provider_metadata, sr.avg_monthly_searches, sr.pipeline_execution_id, sr.created_at
		FROM serp_results sr
		LEFT JOIN scraped_content sc ON sc.url = sr.url
		WHERE sr.pipeline_execution_id=$1 AND sr.serp_type IN ('organic','news') AND sc.url IS NULL`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get unscraped urls")
	}
	defer rows.Close()
	var out []model.SerpResult
	for rows.Next() {
		var r model.SerpResult
		var metaJSON []byte
		if err := rows.Scan(&r.ID, &r.KeywordID, &r.Keyword, &r.SearchDate, &r.Location, &r.SerpType, &r.URL, &r.Position,
			&r.Title, &r.Snippet, &r.Domain, &metaJSON, &r.AvgMonthlySearches, &r.PipelineExecutionID, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan unscraped url")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get unscraped urls iterate")
}

func (s *PostgresStore) CountScrapedQualifying(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM scraped_content WHERE pipeline_execution_id=$1 AND status='completed' AND length(content) >= 100`,
		runID,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count scraped qualifying")
}

func (s *PostgresStore) UpsertContentAnalysis(ctx context.Context, analysis model.ContentAnalysis) error {
	mentionsJSON, _ := json.Marshal(analysis.Mentions)
	dimJSON, _ := json.Marshal(analysis.DimensionScores)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO content_analysis (url, project_id, classification, persona_score, jtbd_score, mentions, source_classification, sentiment, confidence, dimension_scores, analyzed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (url, project_id) DO UPDATE SET
			classification=EXCLUDED.classification, persona_score=EXCLUDED.persona_score, jtbd_score=EXCLUDED.jtbd_score,
			mentions=EXCLUDED.mentions, source_classification=EXCLUDED.source_classification, sentiment=EXCLUDED.sentiment,
			confidence=EXCLUDED.confidence, dimension_scores=EXCLUDED.dimension_scores, analyzed_at=now()`,
		analysis.URL, analysis.ProjectID, analysis.Classification, analysis.PersonaScore, analysis.JTBDScore,
		mentionsJSON, analysis.SourceClassification, analysis.Sentiment, analysis.Confidence, dimJSON,
	)
	return eris.Wrapf(err, "postgres: upsert content analysis %s", analysis.URL)
}

func (s *PostgresStore) GetUnanalyzedURLs(ctx context.Context, runID uuid.UUID, limit int) ([]model.ScrapedContent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT sc.url, sc.domain, sc.title, sc.content, sc.html, sc.word_count, sc.status, sc.error_message, sc.pipeline_execution_id, sc.scraped_at
		FROM scraped_content sc
		LEFT JOIN content_analysis ca ON ca.url = sc.url
		WHERE sc.pipeline_execution_id=$1 AND sc.status='completed' AND length(sc.content) >= 100 AND ca.url IS NULL
		LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get unanalyzed urls")
	}
	defer rows.Close()
	var out []model.ScrapedContent
	for rows.Next() {
		var c model.ScrapedContent
		if err := rows.Scan(&c.URL, &c.Domain, &c.Title, &c.Content, &c.HTML, &c.WordCount, &c.Status, &c.ErrorMessage, &c.PipelineExecutionID, &c.ScrapedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan unanalyzed content")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get unanalyzed urls iterate")
}

func (s *PostgresStore) CountContentAnalyzed(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM content_analysis ca JOIN scraped_content sc ON sc.url=ca.url
		WHERE sc.pipeline_execution_id=$1`,
		runID,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count content analyzed")
}

func (s *PostgresStore) AnalysisByURL(ctx context.Context, runID uuid.UUID) (map[string]model.ContentAnalysis, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ca.url, ca.project_id, ca.classification, ca.persona_score, ca.jtbd_score, ca.mentions,
			ca.source_classification, ca.sentiment, ca.confidence, ca.dimension_scores, ca.analyzed_at
		FROM content_analysis ca
		JOIN scraped_content sc ON sc.url = ca.url
		WHERE sc.pipeline_execution_id=$1
		ORDER BY ca.analyzed_at DESC`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: analysis by url")
	}
	defer rows.Close()

	out := make(map[string]model.ContentAnalysis)
	for rows.Next() {
		var a model.ContentAnalysis
		var mentionsJSON, dimJSON []byte
		if err := rows.Scan(&a.URL, &a.ProjectID, &a.Classification, &a.PersonaScore, &a.JTBDScore, &mentionsJSON,
			&a.SourceClassification, &a.Sentiment, &a.Confidence, &dimJSON, &a.AnalyzedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan analysis by url")
		}
		if mentionsJSON != nil {
			_ = json.Unmarshal(mentionsJSON, &a.Mentions)
		}
		if dimJSON != nil {
			_ = json.Unmarshal(dimJSON, &a.DimensionScores)
		}
		if _, seen := out[a.URL]; !seen {
			out[a.URL] = a
		}
	}
	return out, eris.Wrap(rows.Err(), "postgres: analysis by url iterate")
}

// --- Company / channel / video ---

func (s *PostgresStore) GetCompanyByDomain(ctx context.Context, domain string) (*model.CompanyProfile, error) {
	var canonical string
	err := s.pool.QueryRow(ctx, `SELECT canonical_domain FROM company_domains WHERE alias_domain=$1`, domain).Scan(&canonical)
	if err == nil {
		domain = canonical
	}

	var cp model.CompanyProfile
	var techJSON, socialJSON []byte
	err = s.pool.QueryRow(ctx, `
		SELECT domain, company_name, industry, size_range, revenue_range, description, source_type, confidence_score, technologies, social_profiles, headquarters_location, parent_domain, created_at, updated_at
		FROM company_profiles WHERE domain=$1`,
		domain,
	).Scan(&cp.Domain, &cp.CompanyName, &cp.Industry, &cp.SizeRange, &cp.RevenueRange, &cp.Description, &cp.SourceType,
		&cp.ConfidenceScore, &techJSON, &socialJSON, &cp.HeadquartersLocation, &cp.ParentDomain, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get company by domain")
	}
	if techJSON != nil {
		_ = json.Unmarshal(techJSON, &cp.Technologies)
	}
	if socialJSON != nil {
		_ = json.Unmarshal(socialJSON, &cp.SocialProfiles)
	}
	return &cp, nil
}

func (s *PostgresStore) UpsertCompanyProfile(ctx context.Context, profile model.CompanyProfile) error {
	techJSON, _ := json.Marshal(profile.Technologies)
	socialJSON, _ := json.Marshal(profile.SocialProfiles)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO company_profiles (domain, company_name, industry, size_range, revenue_range, description, source_type, confidence_score, technologies, social_profiles, headquarters_location, parent_domain, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		ON CONFLICT (domain) DO UPDATE SET
			company_name=EXCLUDED.company_name, industry=EXCLUDED.industry, size_range=EXCLUDED.size_range,
			revenue_range=EXCLUDED.revenue_range, description=EXCLUDED.description, source_type=EXCLUDED.source_type,
			confidence_score=EXCLUDED.confidence_score, technologies=EXCLUDED.technologies, social_profiles=EXCLUDED.social_profiles,
			headquarters_location=EXCLUDED.headquarters_location, parent_domain=EXCLUDED.parent_domain, updated_at=now()`,
		profile.Domain, profile.CompanyName, profile.Industry, profile.SizeRange, profile.RevenueRange, profile.Description,
		string(profile.SourceType), profile.ConfidenceScore, techJSON, socialJSON, profile.HeadquartersLocation, profile.ParentDomain,
	)
	return eris.Wrapf(err, "postgres: upsert company profile %s", profile.Domain)
}

func (s *PostgresStore) UpsertCompanyDomainAlias(ctx context.Context, alias model.CompanyDomain) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO company_domains (alias_domain, canonical_domain, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (alias_domain) DO UPDATE SET canonical_domain=EXCLUDED.canonical_domain`,
		alias.AliasDomain, alias.CanonicalDomain,
	)
	return eris.Wrap(err, "postgres: upsert company domain alias")
}

func (s *PostgresStore) UpsertChannelMapping(ctx context.Context, mapping model.ChannelCompanyMapping) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO youtube_channel_companies (channel_id, company_name, company_domain, channel_type, confidence, reasoning, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (channel_id) DO UPDATE SET
			company_name=EXCLUDED.company_name, company_domain=EXCLUDED.company_domain, channel_type=EXCLUDED.channel_type,
			confidence=EXCLUDED.confidence, reasoning=EXCLUDED.reasoning, resolved_at=now()`,
		mapping.ChannelID, mapping.CompanyName, mapping.CompanyDomain, mapping.ChannelType, mapping.Confidence, mapping.Reasoning,
	)
	return eris.Wrap(err, "postgres: upsert channel mapping")
}

func (s *PostgresStore) GetChannelMapping(ctx context.Context, channelID string) (*model.ChannelCompanyMapping, error) {
	var m model.ChannelCompanyMapping
	err := s.pool.QueryRow(ctx, `
		SELECT channel_id, company_name, company_domain, channel_type, confidence, reasoning, resolved_at
		FROM youtube_channel_companies WHERE channel_id=$1`,
		channelID,
	).Scan(&m.ChannelID, &m.CompanyName, &m.CompanyDomain, &m.ChannelType, &m.Confidence, &m.Reasoning, &m.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get channel mapping")
	}
	return &m, nil
}

func (s *PostgresStore) UpsertVideoSnapshot(ctx context.Context, snap model.VideoSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_snapshots (video_id, url, channel_id, title, duration_seconds, view_count, like_count, comment_count, channel_subscribers, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (video_id) DO UPDATE SET
			title=EXCLUDED.title, duration_seconds=EXCLUDED.duration_seconds, view_count=EXCLUDED.view_count,
			like_count=EXCLUDED.like_count, comment_count=EXCLUDED.comment_count, channel_subscribers=EXCLUDED.channel_subscribers, fetched_at=now()`,
		snap.VideoID, snap.URL, snap.ChannelID, snap.Title, snap.DurationSeconds, snap.ViewCount, snap.LikeCount, snap.CommentCount, snap.ChannelSubscribers,
	)
	return eris.Wrap(err, "postgres: upsert video snapshot")
}

func (s *PostgresStore) ListVideoSnapshotsForRun(ctx context.Context, runID uuid.UUID) (map[string]model.VideoSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT vs.video_id, vs.url, vs.channel_id, vs.title, vs.duration_seconds, vs.view_count, vs.like_count, vs.comment_count, vs.channel_subscribers, vs.fetched_at
		FROM video_snapshots vs
		JOIN serp_results sr ON sr.url = vs.url
		WHERE sr.pipeline_execution_id=$1 AND sr.serp_type='video'`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list video snapshots for run")
	}
	defer rows.Close()

	out := make(map[string]model.VideoSnapshot)
	for rows.Next() {
		var v model.VideoSnapshot
		if err := rows.Scan(&v.VideoID, &v.URL, &v.ChannelID, &v.Title, &v.DurationSeconds, &v.ViewCount, &v.LikeCount, &v.CommentCount, &v.ChannelSubscribers, &v.FetchedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan video snapshot")
		}
		out[v.URL] = v
	}
	return out, eris.Wrap(rows.Err(), "postgres: list video snapshots for run iterate")
}

func (s *PostgresStore) ListChannelMappings(ctx context.Context) (map[string]model.ChannelCompanyMapping, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT channel_id, company_name, company_domain, channel_type, confidence, reasoning, resolved_at
		FROM youtube_channel_companies`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list channel mappings")
	}
	defer rows.Close()

	out := make(map[string]model.ChannelCompanyMapping)
	for rows.Next() {
		var m model.ChannelCompanyMapping
		if err := rows.Scan(&m.ChannelID, &m.CompanyName, &m.CompanyDomain, &m.ChannelType, &m.Confidence, &m.Reasoning, &m.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan channel mapping")
		}
		out[m.ChannelID] = m
	}
	return out, eris.Wrap(rows.Err(), "postgres: list channel mappings iterate")
}

// --- DSI ---

func (s *PostgresStore) UpsertDSIScoreMax(ctx context.Context, score model.DSIScore) error {
	componentsJSON, _ := json.Marshal(score.Components)
	metadataJSON, _ := json.Marshal(score.Metadata)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dsi_scores (pipeline_execution_id, company_domain, components, dsi_score, metadata, calculated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (pipeline_execution_id, company_domain) DO UPDATE SET
			dsi_score = GREATEST(dsi_scores.dsi_score, EXCLUDED.dsi_score),
			components = CASE WHEN EXCLUDED.dsi_score > dsi_scores.dsi_score THEN EXCLUDED.components ELSE dsi_scores.components END,
			metadata = CASE WHEN EXCLUDED.dsi_score > dsi_scores.dsi_score THEN EXCLUDED.metadata ELSE dsi_scores.metadata END,
			calculated_at = now()`,
		score.PipelineExecutionID, score.CompanyDomain, componentsJSON, score.DSIScore, metadataJSON,
	)
	return eris.Wrap(err, "postgres: upsert dsi score")
}

func (s *PostgresStore) InsertPageDSISnapshot(ctx context.Context, snap model.HistoricalPageDSISnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO historical_page_dsi_snapshots (url, snapshot_date, page_dsi, traffic_share, persona_score)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (url, snapshot_date) DO UPDATE SET
			page_dsi=EXCLUDED.page_dsi, traffic_share=EXCLUDED.traffic_share, persona_score=EXCLUDED.persona_score`,
		snap.URL, snap.SnapshotDate, snap.PageDSI, snap.TrafficShare, snap.PersonaScore,
	)
	return eris.Wrap(err, "postgres: insert page dsi snapshot")
}

func (s *PostgresStore) ListDSIScores(ctx context.Context, runID uuid.UUID) ([]model.DSIScore, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pipeline_execution_id, company_domain, components, dsi_score, metadata, calculated_at
		FROM dsi_scores WHERE pipeline_execution_id=$1 ORDER BY dsi_score DESC`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dsi scores")
	}
	defer rows.Close()
	var out []model.DSIScore
	for rows.Next() {
		var d model.DSIScore
		var componentsJSON, metadataJSON []byte
		if err := rows.Scan(&d.PipelineExecutionID, &d.CompanyDomain, &componentsJSON, &d.DSIScore, &metadataJSON, &d.CalculatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dsi score")
		}
		_ = json.Unmarshal(componentsJSON, &d.Components)
		if metadataJSON != nil {
			_ = json.Unmarshal(metadataJSON, &d.Metadata)
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dsi scores iterate")
}
