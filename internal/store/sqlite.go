package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/resilience"
)

// SQLiteStore implements Store using database/sql over modernc.org/sqlite.
// It is the secondary backend named in SPEC_FULL.md's DOMAIN STACK section,
// intended for local development and single-process testing where standing
// up Postgres is unnecessary. SQLite has no row-level locking, so Acquire
// serializes job claims through one transaction on the store's single
// connection rather than Postgres's FOR UPDATE SKIP LOCKED.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite-backed store at path, embedding WAL-mode pragmas
// into the DSN so concurrent readers don't block the single writer.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS pipeline_executions (
	id            TEXT PRIMARY KEY,
	mode          TEXT NOT NULL,
	status        TEXT NOT NULL,
	config        TEXT NOT NULL,
	counters      TEXT NOT NULL DEFAULT '{}',
	phase_results TEXT,
	errors        TEXT NOT NULL DEFAULT '[]',
	warnings      TEXT NOT NULL DEFAULT '[]',
	started_at    DATETIME NOT NULL,
	completed_at  DATETIME,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_executions_status ON pipeline_executions(status);

CREATE TABLE IF NOT EXISTS pipeline_phase_status (
	run_id       TEXT NOT NULL,
	phase        TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       TEXT,
	reason       TEXT,
	skip_reasons TEXT,
	started_at   DATETIME,
	completed_at DATETIME,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	PRIMARY KEY (run_id, phase)
);

CREATE TABLE IF NOT EXISTS pipeline_state (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	phase           TEXT NOT NULL,
	item_identifier TEXT NOT NULL,
	item_type       TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	last_attempt_at DATETIME,
	last_error      TEXT,
	error_category  TEXT,
	progress_data   TEXT,
	created_at      DATETIME NOT NULL,
	completed_at    DATETIME,
	UNIQUE (run_id, phase, item_identifier)
);
CREATE INDEX IF NOT EXISTS idx_pipeline_state_pending ON pipeline_state(run_id, phase, status);

CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
	run_id          TEXT NOT NULL,
	phase           TEXT NOT NULL,
	checkpoint_name TEXT NOT NULL,
	state_data      TEXT NOT NULL,
	counters        TEXT,
	updated_at      DATETIME NOT NULL,
	PRIMARY KEY (run_id, phase, checkpoint_name)
);

CREATE TABLE IF NOT EXISTS job_queue (
	id            TEXT PRIMARY KEY,
	queue_name    TEXT NOT NULL,
	job_type      TEXT NOT NULL,
	payload       TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 5,
	scheduled_for DATETIME NOT NULL,
	locked_at     DATETIME,
	locked_by     TEXT,
	last_error    TEXT,
	dead_letter   INTEGER NOT NULL DEFAULT 0,
	started_at    DATETIME,
	completed_at  DATETIME,
	created_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_queue_acquire ON job_queue(queue_name, status, dead_letter, scheduled_for, priority);

CREATE TABLE IF NOT EXISTS circuit_breakers (
	service_name     TEXT PRIMARY KEY,
	state            TEXT NOT NULL DEFAULT 'closed',
	failure_count    INTEGER NOT NULL DEFAULT 0,
	success_count    INTEGER NOT NULL DEFAULT 0,
	total_requests   INTEGER NOT NULL DEFAULT 0,
	total_failures   INTEGER NOT NULL DEFAULT 0,
	total_successes  INTEGER NOT NULL DEFAULT 0,
	opened_at        DATETIME,
	half_opened_at   DATETIME,
	last_failure_at  DATETIME,
	last_success_at  DATETIME,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS error_categories (
	code               TEXT PRIMARY KEY,
	description        TEXT,
	is_retryable       INTEGER NOT NULL DEFAULT 1,
	backoff_strategy   TEXT NOT NULL DEFAULT 'exponential',
	base_delay_seconds REAL NOT NULL DEFAULT 1,
	max_delay_seconds  REAL NOT NULL DEFAULT 60,
	max_retries        INTEGER NOT NULL DEFAULT 3,
	http_status_codes  TEXT,
	error_patterns     TEXT
);

CREATE TABLE IF NOT EXISTS retry_history (
	id               TEXT PRIMARY KEY,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	error_category   TEXT NOT NULL,
	attempt_number   INTEGER NOT NULL,
	succeeded        INTEGER NOT NULL,
	error_message    TEXT,
	delay_applied_ms INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retry_history_entity ON retry_history(entity_type, created_at);

CREATE TABLE IF NOT EXISTS keywords (
	id                   TEXT PRIMARY KEY,
	term                 TEXT NOT NULL,
	region               TEXT NOT NULL,
	avg_monthly_searches INTEGER,
	competition          TEXT,
	fetched_metrics_at   DATETIME,
	UNIQUE (term, region)
);

CREATE TABLE IF NOT EXISTS serp_results (
	id                    TEXT PRIMARY KEY,
	keyword_id            TEXT NOT NULL,
	keyword               TEXT NOT NULL,
	search_date           DATETIME NOT NULL,
	location              TEXT NOT NULL,
	serp_type             TEXT NOT NULL,
	url                   TEXT NOT NULL,
	position              INTEGER NOT NULL,
	title                 TEXT,
	snippet               TEXT,
	domain                TEXT NOT NULL,
	provider_metadata     TEXT,
	avg_monthly_searches  INTEGER,
	pipeline_execution_id TEXT,
	created_at            DATETIME NOT NULL,
	UNIQUE (keyword_id, search_date, location, serp_type, url)
);
CREATE INDEX IF NOT EXISTS idx_serp_results_run ON serp_results(pipeline_execution_id, serp_type);

CREATE TABLE IF NOT EXISTS scraped_content (
	url                   TEXT PRIMARY KEY,
	domain                TEXT NOT NULL,
	title                 TEXT,
	content               TEXT,
	html                  TEXT,
	word_count            INTEGER NOT NULL DEFAULT 0,
	status                TEXT NOT NULL,
	error_message         TEXT,
	pipeline_execution_id TEXT,
	scraped_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS content_analysis (
	url                   TEXT NOT NULL,
	project_id            TEXT NOT NULL,
	classification        TEXT,
	persona_score         REAL NOT NULL DEFAULT 0,
	jtbd_score            REAL NOT NULL DEFAULT 0,
	mentions              TEXT,
	source_classification TEXT,
	sentiment             TEXT,
	confidence            REAL NOT NULL DEFAULT 0,
	dimension_scores      TEXT,
	analyzed_at           DATETIME NOT NULL,
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
	confidence_score      REAL NOT NULL DEFAULT 0,
	technologies          TEXT,
	social_profiles       TEXT,
	headquarters_location TEXT,
	parent_domain         TEXT,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS company_domains (
	alias_domain     TEXT PRIMARY KEY,
	canonical_domain TEXT NOT NULL,
	created_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS youtube_channel_companies (
	channel_id     TEXT PRIMARY KEY,
	company_name   TEXT NOT NULL,
	company_domain TEXT NOT NULL,
	channel_type   TEXT,
	confidence     REAL NOT NULL DEFAULT 0,
	reasoning      TEXT,
	resolved_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS video_snapshots (
	video_id            TEXT PRIMARY KEY,
	url                 TEXT NOT NULL,
	channel_id          TEXT NOT NULL,
	title               TEXT,
	duration_seconds    INTEGER NOT NULL DEFAULT 0,
	view_count          INTEGER NOT NULL DEFAULT 0,
	like_count          INTEGER NOT NULL DEFAULT 0,
	comment_count       INTEGER NOT NULL DEFAULT 0,
	channel_subscribers INTEGER NOT NULL DEFAULT 0,
	fetched_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dsi_scores (
	pipeline_execution_id TEXT NOT NULL,
	company_domain        TEXT NOT NULL,
	components            TEXT NOT NULL,
	dsi_score             REAL NOT NULL,
	metadata              TEXT,
	calculated_at         DATETIME NOT NULL,
	PRIMARY KEY (pipeline_execution_id, company_domain)
);

CREATE TABLE IF NOT EXISTS historical_page_dsi_snapshots (
	url           TEXT NOT NULL,
	snapshot_date TEXT NOT NULL,
	page_dsi      REAL NOT NULL,
	traffic_share REAL NOT NULL,
	persona_score REAL NOT NULL,
	PRIMARY KEY (url, snapshot_date)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run model.PipelineRun) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal config")
	}
	countersJSON, _ := json.Marshal(run.Counters)
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_executions (id, mode, status, config, counters, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), string(run.Mode), string(run.Status), string(cfgJSON), string(countersJSON), run.StartedAt, now, now,
	)
	return eris.Wrap(err, "sqlite: create run")
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID uuid.UUID, status model.RunStatus) error {
	var completedAt any
	if status.Terminal() {
		completedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_executions SET status=?, completed_at=?, updated_at=? WHERE id=?`,
		string(status), completedAt, time.Now().UTC(), runID.String(),
	)
	return eris.Wrapf(err, "sqlite: update run status %s", runID)
}

func (s *SQLiteStore) UpdateRunCounters(ctx context.Context, runID uuid.UUID, counters model.RunCounters) error {
	countersJSON, _ := json.Marshal(counters)
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_executions SET counters=?, updated_at=? WHERE id=?`,
		string(countersJSON), time.Now().UTC(), runID.String(),
	)
	return eris.Wrapf(err, "sqlite: update counters %s", runID)
}

func (s *SQLiteStore) AppendRunError(ctx context.Context, runID uuid.UUID, message string, isWarning bool) error {
	col := "errors"
	if isWarning {
		col = "warnings"
	}
	var raw string
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM pipeline_executions WHERE id=?`, col), runID.String()).Scan(&raw); err != nil {
		return eris.Wrapf(err, "sqlite: read run %s", col)
	}
	var list []string
	_ = json.Unmarshal([]byte(raw), &list)
	list = append(list, message)
	updated, err := json.Marshal(list)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run "+col)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE pipeline_executions SET %s=?, updated_at=? WHERE id=?`, col),
		string(updated), time.Now().UTC(), runID.String())
	return eris.Wrapf(err, "sqlite: append run %s", col)
}

const sqliteRunSelectSQL = `SELECT id, mode, status, config, counters, phase_results, errors, warnings, started_at, completed_at, created_at, updated_at FROM pipeline_executions`

func scanSQLiteRun(row *sql.Row) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var id string
	var cfgJSON, countersJSON, errorsJSON, warningsJSON string
	var phaseResultsJSON sql.NullString
	if err := row.Scan(&id, &r.Mode, &r.Status, &cfgJSON, &countersJSON, &phaseResultsJSON, &errorsJSON, &warningsJSON,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	r.ID = parsed
	if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(countersJSON), &r.Counters)
	if phaseResultsJSON.Valid {
		_ = json.Unmarshal([]byte(phaseResultsJSON.String), &r.PhaseResults)
	}
	_ = json.Unmarshal([]byte(errorsJSON), &r.Errors)
	_ = json.Unmarshal([]byte(warningsJSON), &r.Warnings)
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID uuid.UUID) (*model.PipelineRun, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, sqliteRunSelectSQL+` WHERE id=?`, runID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := sqliteRunSelectSQL + ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		var r model.PipelineRun
		var id string
		var cfgJSON, countersJSON, errorsJSON, warningsJSON string
		var phaseResultsJSON sql.NullString
		if err := rows.Scan(&id, &r.Mode, &r.Status, &cfgJSON, &countersJSON, &phaseResultsJSON, &errorsJSON, &warningsJSON,
			&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse run id")
		}
		_ = json.Unmarshal([]byte(cfgJSON), &r.Config)
		_ = json.Unmarshal([]byte(countersJSON), &r.Counters)
		if phaseResultsJSON.Valid {
			_ = json.Unmarshal([]byte(phaseResultsJSON.String), &r.PhaseResults)
		}
		_ = json.Unmarshal([]byte(errorsJSON), &r.Errors)
		_ = json.Unmarshal([]byte(warningsJSON), &r.Warnings)
		if filter.ClientID != "" && r.Config.ClientID != filter.ClientID {
			continue
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ListRunningRuns(ctx context.Context) ([]model.PipelineRun, error) {
	return s.ListRuns(ctx, RunFilter{Status: model.RunStatusRunning, Limit: 1000})
}

func (s *SQLiteStore) DeleteAllRuns(ctx context.Context) error {
	for _, table := range []string{"pipeline_checkpoints", "pipeline_state", "pipeline_phase_status", "pipeline_executions"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return eris.Wrapf(err, "sqlite: delete all %s", table)
		}
	}
	return nil
}

// --- Phases ---

func (s *SQLiteStore) InitializePhases(ctx context.Context, runID uuid.UUID, enabled map[model.Phase]bool) error {
	now := time.Now().UTC()
	for _, phase := range model.AllPhases() {
		status := model.PhaseExecSkipped
		if enabled[phase] {
			status = model.PhaseExecPending
		}
		var existing string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM pipeline_phase_status WHERE run_id=? AND phase=?`, runID.String(), string(phase)).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = s.db.ExecContext(ctx,
				`INSERT INTO pipeline_phase_status (run_id, phase, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
				runID.String(), string(phase), string(status), now, now,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: initialize phase %s", phase)
			}
		case err != nil:
			return eris.Wrapf(err, "sqlite: check phase %s", phase)
		default:
			terminal := model.PhaseExecStatus(existing).Terminal()
			if terminal {
				continue
			}
			_, err = s.db.ExecContext(ctx, `UPDATE pipeline_phase_status SET status=?, updated_at=? WHERE run_id=? AND phase=?`,
				string(status), now, runID.String(), string(phase))
			if err != nil {
				return eris.Wrapf(err, "sqlite: update phase %s", phase)
			}
		}
	}
	return nil
}

const sqlitePhaseSelectSQL = `SELECT run_id, phase, status, result, reason, skip_reasons, started_at, completed_at, created_at, updated_at FROM pipeline_phase_status`

func scanSQLitePhase(scan func(dest ...any) error) (*model.PhaseExecution, error) {
	var p model.PhaseExecution
	var runID string
	var resultJSON, reason, skipReasonsJSON sql.NullString
	if err := scan(&runID, &p.Phase, &p.Status, &resultJSON, &reason, &skipReasonsJSON, &p.StartedAt, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, err
	}
	p.RunID = id
	p.Reason = reason.String
	if resultJSON.Valid {
		_ = json.Unmarshal([]byte(resultJSON.String), &p.Result)
	}
	if skipReasonsJSON.Valid {
		_ = json.Unmarshal([]byte(skipReasonsJSON.String), &p.SkipReasons)
	}
	return &p, nil
}

func (s *SQLiteStore) GetPhase(ctx context.Context, runID uuid.UUID, phase model.Phase) (*model.PhaseExecution, error) {
	row := s.db.QueryRowContext(ctx, sqlitePhaseSelectSQL+` WHERE run_id=? AND phase=?`, runID.String(), string(phase))
	p, err := scanSQLitePhase(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get phase %s/%s", runID, phase)
	}
	return p, nil
}

func (s *SQLiteStore) ListPhases(ctx context.Context, runID uuid.UUID) ([]model.PhaseExecution, error) {
	rows, err := s.db.QueryContext(ctx, sqlitePhaseSelectSQL+` WHERE run_id=?`, runID.String())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list phases")
	}
	defer rows.Close()
	var out []model.PhaseExecution
	for rows.Next() {
		p, err := scanSQLitePhase(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan phase")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list phases iterate")
}

func (s *SQLiteStore) SetPhaseRunning(ctx context.Context, runID uuid.UUID, phase model.Phase) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_phase_status SET status='running', started_at=?, updated_at=? WHERE run_id=? AND phase=?`,
		now, now, runID.String(), string(phase),
	)
	return eris.Wrapf(err, "sqlite: set phase running %s/%s", runID, phase)
}

func (s *SQLiteStore) CompletePhase(ctx context.Context, runID uuid.UUID, phase model.Phase, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phase result")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE pipeline_phase_status SET status='completed', result=?, completed_at=?, updated_at=? WHERE run_id=? AND phase=?`,
		string(resultJSON), now, now, runID.String(), string(phase),
	)
	return eris.Wrapf(err, "sqlite: complete phase %s/%s", runID, phase)
}

func (s *SQLiteStore) FailPhase(ctx context.Context, runID uuid.UUID, phase model.Phase, reason string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_phase_status SET status='failed', reason=?, completed_at=?, updated_at=? WHERE run_id=? AND phase=?`,
		reason, now, now, runID.String(), string(phase),
	)
	return eris.Wrapf(err, "sqlite: fail phase %s/%s", runID, phase)
}

func (s *SQLiteStore) SkipPhase(ctx context.Context, runID uuid.UUID, phase model.Phase, reasons []string) error {
	reasonsJSON, _ := json.Marshal(reasons)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_phase_status SET status='skipped', skip_reasons=?, completed_at=?, updated_at=? WHERE run_id=? AND phase=?`,
		string(reasonsJSON), now, now, runID.String(), string(phase),
	)
	return eris.Wrapf(err, "sqlite: skip phase %s/%s", runID, phase)
}

func (s *SQLiteStore) BlockPendingPhases(ctx context.Context, runID uuid.UUID, phases []model.Phase) error {
	if len(phases) == 0 {
		return nil
	}
	placeholders := make([]string, len(phases))
	args := make([]any, 0, len(phases)+2)
	args = append(args, time.Now().UTC(), runID.String())
	for i, p := range phases {
		placeholders[i] = "?"
		args = append(args, string(p))
	}
	query := fmt.Sprintf(`UPDATE pipeline_phase_status SET status='blocked', updated_at=? WHERE run_id=? AND phase IN (%s) AND status='pending'`,
		strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, query, args...)
	return eris.Wrap(err, "sqlite: block pending phases")
}

func (s *SQLiteStore) CountSerpResults(ctx context.Context, runID uuid.UUID, contentType model.ContentType) (int, error) {
	var count int
	query := `SELECT count(*) FROM serp_results WHERE pipeline_execution_id=?`
	args := []any{runID.String()}
	if contentType != "" {
		query += ` AND serp_type=?`
		args = append(args, string(contentType))
	}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count serp results")
}

func (s *SQLiteStore) CountUnanalyzedEligible(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM scraped_content sc
		JOIN company_profiles cp ON cp.domain = sc.domain
		LEFT JOIN content_analysis ca ON ca.url = sc.url
		WHERE sc.pipeline_execution_id=? AND sc.status='completed' AND ca.url IS NULL`,
		runID.String(),
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count unanalyzed eligible")
}

func (s *SQLiteStore) CountContentAnalysis(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM content_analysis ca
		JOIN scraped_content sc ON sc.url = ca.url
		WHERE sc.pipeline_execution_id=?`,
		runID.String(),
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count content analysis")
}

func (s *SQLiteStore) AllChannelsResolved(ctx context.Context, runID uuid.UUID) (bool, error) {
	var unresolved int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(DISTINCT vs.channel_id) FROM serp_results sr
		JOIN video_snapshots vs ON vs.url = sr.url
		LEFT JOIN youtube_channel_companies yc ON yc.channel_id = vs.channel_id
		WHERE sr.pipeline_execution_id=? AND sr.serp_type='video' AND yc.channel_id IS NULL`,
		runID.String(),
	).Scan(&unresolved)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: check unresolved channels")
	}
	return unresolved == 0, nil
}

// --- State items ---

func (s *SQLiteStore) ExistingItemIdentifiers(ctx context.Context, runID uuid.UUID, phase model.Phase) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_identifier FROM pipeline_state WHERE run_id=? AND phase=?`, runID.String(), string(phase))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing item identifiers")
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item identifier")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "sqlite: existing item identifiers iterate")
}

func (s *SQLiteStore) BulkInsertItems(ctx context.Context, items []model.PipelineStateItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin bulk insert items")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pipeline_state (id, run_id, phase, item_identifier, item_type, status, created_at, progress_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare bulk insert items")
	}
	defer stmt.Close()

	n := 0
	for _, it := range items {
		progressJSON, _ := json.Marshal(it.ProgressData)
		if _, err := stmt.ExecContext(ctx, it.ID.String(), it.RunID.String(), string(it.Phase), it.ItemIdentifier,
			string(it.ItemType), string(it.Status), it.CreatedAt, string(progressJSON)); err != nil {
			return n, eris.Wrap(err, "sqlite: bulk insert state item")
		}
		n++
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit bulk insert items")
}

func (s *SQLiteStore) GetPendingItems(ctx context.Context, runID uuid.UUID, phase model.Phase, limit int) ([]model.PipelineStateItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, phase, item_identifier, item_type, status, attempt_count, last_attempt_at, last_error, error_category, progress_data, created_at, completed_at
		FROM pipeline_state
		WHERE run_id=? AND phase=? AND status IN ('pending','queued')
		ORDER BY attempt_count ASC, created_at ASC LIMIT ?`,
		runID.String(), string(phase), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get pending items")
	}
	defer rows.Close()
	var out []model.PipelineStateItem
	for rows.Next() {
		it, err := scanSQLiteStateItem(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending item")
		}
		out = append(out, *it)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get pending items iterate")
}

func scanSQLiteStateItem(scan func(dest ...any) error) (*model.PipelineStateItem, error) {
	var it model.PipelineStateItem
	var id, runID string
	var lastError, errorCategory, progressJSON sql.NullString
	if err := scan(&id, &runID, &it.Phase, &it.ItemIdentifier, &it.ItemType, &it.Status,
		&it.AttemptCount, &it.LastAttemptAt, &lastError, &errorCategory, &progressJSON, &it.CreatedAt, &it.CompletedAt); err != nil {
		return nil, err
	}
	it.LastError = lastError.String
	it.ErrorCategory = errorCategory.String
	var err error
	if it.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if it.RunID, err = uuid.Parse(runID); err != nil {
		return nil, err
	}
	if progressJSON.Valid {
		_ = json.Unmarshal([]byte(progressJSON.String), &it.ProgressData)
	}
	return &it, nil
}

func (s *SQLiteStore) UpdateItemState(ctx context.Context, id uuid.UUID, status model.StateStatus, progress map[string]any, lastErr, errCategory string) error {
	if len(lastErr) > 1000 {
		lastErr = lastErr[:1000]
	}
	progressJSON, _ := json.Marshal(progress)
	now := time.Now().UTC()

	switch status {
	case model.StateStatusProcessing:
		_, err := s.db.ExecContext(ctx,
			`UPDATE pipeline_state SET status=?, attempt_count=attempt_count+1, last_attempt_at=?, progress_data=? WHERE id=?`,
			string(status), now, string(progressJSON), id.String(),
		)
		return eris.Wrap(err, "sqlite: update item state to processing")
	case model.StateStatusCompleted:
		_, err := s.db.ExecContext(ctx,
			`UPDATE pipeline_state SET status=?, completed_at=?, progress_data=?, last_error=NULL, error_category=NULL WHERE id=?`,
			string(status), now, string(progressJSON), id.String(),
		)
		return eris.Wrap(err, "sqlite: update item state to completed")
	default:
		_, err := s.db.ExecContext(ctx,
			`UPDATE pipeline_state SET status=?, last_error=?, error_category=?, progress_data=? WHERE id=?`,
			string(status), lastErr, errCategory, string(progressJSON), id.String(),
		)
		return eris.Wrap(err, "sqlite: update item state")
	}
}

func (s *SQLiteStore) BulkUpdateItemStates(ctx context.Context, ids []uuid.UUID, status model.StateStatus) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(status))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id.String())
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE pipeline_state SET status=? WHERE id IN (%s)`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: bulk update item states")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) PhaseProgress(ctx context.Context, runID uuid.UUID, phase model.Phase) (model.PhaseProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM pipeline_state WHERE run_id=? AND phase=? GROUP BY status`,
		runID.String(), string(phase),
	)
	if err != nil {
		return model.PhaseProgress{}, eris.Wrap(err, "sqlite: phase progress")
	}
	defer rows.Close()

	progress := model.PhaseProgress{ByStatus: map[model.StateStatus]int{}}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.PhaseProgress{}, eris.Wrap(err, "sqlite: scan phase progress")
		}
		progress.ByStatus[model.StateStatus(status)] = count
		progress.Total += count
	}
	if progress.Total > 0 {
		progress.CompletionPercentage = float64(progress.ByStatus[model.StateStatusCompleted]) / float64(progress.Total) * 100
	}
	return progress, eris.Wrap(rows.Err(), "sqlite: phase progress iterate")
}

func (s *SQLiteStore) UpsertCheckpoint(ctx context.Context, cp model.PipelineCheckpoint) error {
	stateJSON, err := json.Marshal(cp.StateData)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal checkpoint state")
	}
	countersJSON, _ := json.Marshal(cp.Counters)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_checkpoints (run_id, phase, checkpoint_name, state_data, counters, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, phase, checkpoint_name) DO UPDATE
		SET state_data=excluded.state_data, counters=excluded.counters, updated_at=excluded.updated_at`,
		cp.RunID.String(), string(cp.Phase), cp.CheckpointName, string(stateJSON), string(countersJSON), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert checkpoint")
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID uuid.UUID, phase model.Phase, name string) (*model.PipelineCheckpoint, error) {
	var cp model.PipelineCheckpoint
	var runIDStr, stateJSON string
	var countersJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, phase, checkpoint_name, state_data, counters, updated_at FROM pipeline_checkpoints WHERE run_id=? AND phase=? AND checkpoint_name=?`,
		runID.String(), string(phase), name,
	).Scan(&runIDStr, &cp.Phase, &cp.CheckpointName, &stateJSON, &countersJSON, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get checkpoint")
	}
	if cp.RunID, err = uuid.Parse(runIDStr); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse checkpoint run id")
	}
	_ = json.Unmarshal([]byte(stateJSON), &cp.StateData)
	if countersJSON.Valid {
		_ = json.Unmarshal([]byte(countersJSON.String), &cp.Counters)
	}
	return &cp, nil
}

func (s *SQLiteStore) GetFailedItems(ctx context.Context, runID uuid.UUID, phase model.Phase) ([]model.PipelineStateItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, phase, item_identifier, item_type, status, attempt_count, last_attempt_at, last_error, error_category, progress_data, created_at, completed_at
		 FROM pipeline_state WHERE run_id=? AND phase=? AND status='failed'`,
		runID.String(), string(phase),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get failed items")
	}
	defer rows.Close()
	var out []model.PipelineStateItem
	for rows.Next() {
		it, err := scanSQLiteStateItem(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed item")
		}
		out = append(out, *it)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get failed items iterate")
}

func (s *SQLiteStore) ResetFailedItems(ctx context.Context, runID uuid.UUID, phase model.Phase, maxItems int) (int, error) {
	query := `SELECT id FROM pipeline_state WHERE run_id=? AND phase=? AND status='failed'`
	args := []any{runID.String(), string(phase)}
	if maxItems > 0 {
		query += ` LIMIT ?`
		args = append(args, maxItems)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset failed items select")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "sqlite: scan failed item id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	updateArgs := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		updateArgs[i] = id
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE pipeline_state SET status='pending', attempt_count=0, last_error=NULL, error_category=NULL WHERE id IN (%s)`,
		strings.Join(placeholders, ",")), updateArgs...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset failed items update")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Job queue ---

func (s *SQLiteStore) Enqueue(ctx context.Context, job model.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job payload")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_queue (id, queue_name, job_type, payload, priority, status, attempts, max_attempts, scheduled_for, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
		job.ID.String(), job.QueueName, job.JobType, string(payloadJSON), job.Priority, job.MaxAttempts, job.ScheduledFor, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue job")
}

func (s *SQLiteStore) BulkEnqueue(ctx context.Context, jobs []model.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin bulk enqueue")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_queue (id, queue_name, job_type, payload, priority, status, attempts, max_attempts, scheduled_for, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare bulk enqueue")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	n := 0
	for _, j := range jobs {
		payloadJSON, _ := json.Marshal(j.Payload)
		if _, err := stmt.ExecContext(ctx, j.ID.String(), j.QueueName, j.JobType, string(payloadJSON), j.Priority, j.MaxAttempts, j.ScheduledFor, now); err != nil {
			return n, eris.Wrap(err, "sqlite: bulk enqueue job")
		}
		n++
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit bulk enqueue")
}

// Acquire releases expired locks, then selects and claims one job inside a
// single transaction, since there is no row-level FOR UPDATE SKIP LOCKED to
// rely on. The pool holds one connection (SetMaxOpenConns(1)), so concurrent
// claims are serialized.
func (s *SQLiteStore) Acquire(ctx context.Context, queueName, workerID string, lockTimeout time.Duration) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin acquire")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE job_queue SET status='pending', locked_at=NULL, locked_by=NULL
		WHERE queue_name=? AND status='processing' AND locked_at < ?`,
		queueName, now.Add(-lockTimeout),
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: release expired job locks")
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM job_queue
		WHERE queue_name=? AND status='pending' AND dead_letter=0 AND scheduled_for <= ?
		ORDER BY priority DESC, scheduled_for ASC LIMIT 1`,
		queueName, now,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: select job to acquire")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE job_queue SET status='processing', locked_at=?, locked_by=?, started_at=COALESCE(started_at, ?), attempts=attempts+1
		WHERE id=?`,
		now, workerID, now, id,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job")
	}

	var j model.Job
	var jobID, payloadJSON string
	var lockedBy, lastError sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, queue_name, job_type, payload, priority, status, attempts, max_attempts, scheduled_for, locked_at, locked_by, last_error, dead_letter, started_at, completed_at, created_at
		FROM job_queue WHERE id=?`, id,
	).Scan(&jobID, &j.QueueName, &j.JobType, &payloadJSON, &j.Priority, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.ScheduledFor, &j.LockedAt, &lockedBy, &lastError, &j.DeadLetter, &j.StartedAt, &j.CompletedAt, &j.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reload claimed job")
	}
	if j.ID, err = uuid.Parse(jobID); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse job id")
	}
	j.LockedBy = lockedBy.String
	j.LastError = lastError.String
	_ = json.Unmarshal([]byte(payloadJSON), &j.Payload)

	return &j, eris.Wrap(tx.Commit(), "sqlite: commit acquire")
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_queue SET status='completed', completed_at=?, locked_at=NULL, locked_by=NULL WHERE id=?`,
		time.Now().UTC(), id.String(),
	)
	return eris.Wrapf(err, "sqlite: complete job %s", id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string, baseDelay time.Duration) error {
	base := baseDelay.Seconds()
	if base <= 0 {
		base = 1
	}
	var attempts, maxAttempts int
	if err := s.db.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM job_queue WHERE id=?`, id.String()).Scan(&attempts, &maxAttempts); err != nil {
		return eris.Wrapf(err, "sqlite: load job %s for fail", id)
	}
	if attempts >= maxAttempts {
		_, err := s.db.ExecContext(ctx,
			`UPDATE job_queue SET status='failed', dead_letter=1, last_error=?, locked_at=NULL, locked_by=NULL WHERE id=?`,
			errMsg, id.String(),
		)
		return eris.Wrapf(err, "sqlite: dead-letter job %s", id)
	}
	delay := time.Duration(base*float64(int64(1)<<uint(attempts-1))) * time.Second
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_queue SET status='pending', last_error=?, locked_at=NULL, locked_by=NULL, scheduled_for=? WHERE id=?`,
		errMsg, time.Now().UTC().Add(delay), id.String(),
	)
	return eris.Wrapf(err, "sqlite: reschedule job %s", id)
}

func (s *SQLiteStore) QueueStats(ctx context.Context, queueName string) (model.QueueStats, error) {
	stats := model.QueueStats{QueueName: queueName}
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM job_queue WHERE queue_name=? GROUP BY status`, queueName)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: queue stats")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, eris.Wrap(err, "sqlite: scan queue stats")
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
	var deadLetterCount sql.NullInt64
	_ = s.db.QueryRowContext(ctx, `SELECT count(*) FROM job_queue WHERE queue_name=? AND dead_letter=1`, queueName).Scan(&deadLetterCount)
	stats.DeadLetter = int(deadLetterCount.Int64)
	var avgSeconds sql.NullFloat64
	_ = s.db.QueryRowContext(ctx, `
		SELECT avg((julianday(completed_at) - julianday(started_at)) * 86400.0)
		FROM job_queue WHERE queue_name=? AND status='completed' AND started_at IS NOT NULL`,
		queueName,
	).Scan(&avgSeconds)
	if avgSeconds.Valid {
		stats.AverageProcessingTime = time.Duration(avgSeconds.Float64 * float64(time.Second))
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: queue stats iterate")
}

func (s *SQLiteStore) RetryDeadLetter(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id.String())
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE job_queue SET status='pending', dead_letter=0, attempts=0, scheduled_for=?, last_error=NULL WHERE id IN (%s) AND dead_letter=1`,
		strings.Join(placeholders, ",")), args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: retry dead letter")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Circuit breaker persistence ---

func (s *SQLiteStore) LoadCircuitState(ctx context.Context, service string) (*resilience.PersistedCircuitState, error) {
	var p resilience.PersistedCircuitState
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT service_name, state, failure_count, success_count, total_requests, total_failures, total_successes,
		       opened_at, half_opened_at, last_failure_at, last_success_at
		FROM circuit_breakers WHERE service_name=?`,
		service,
	).Scan(&p.Service, &state, &p.FailureCount, &p.SuccessCount, &p.TotalRequests, &p.TotalFailures, &p.TotalSuccesses,
		&p.OpenedAt, &p.HalfOpenedAt, &p.LastFailureAt, &p.LastSuccessAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: load circuit state")
	}
	p.State = resilience.ParseCircuitState(state)
	return &p, nil
}

func (s *SQLiteStore) SaveCircuitState(ctx context.Context, state resilience.PersistedCircuitState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breakers (service_name, state, failure_count, success_count, total_requests, total_failures, total_successes,
		                               opened_at, half_opened_at, last_failure_at, last_success_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_name) DO UPDATE SET
			state=excluded.state, failure_count=excluded.failure_count, success_count=excluded.success_count,
			total_requests=excluded.total_requests, total_failures=excluded.total_failures, total_successes=excluded.total_successes,
			opened_at=excluded.opened_at, half_opened_at=excluded.half_opened_at,
			last_failure_at=excluded.last_failure_at, last_success_at=excluded.last_success_at, updated_at=excluded.updated_at`,
		state.Service, state.State.String(), state.FailureCount, state.SuccessCount, state.TotalRequests, state.TotalFailures, state.TotalSuccesses,
		state.OpenedAt, state.HalfOpenedAt, state.LastFailureAt, state.LastSuccessAt, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: save circuit state")
}

// --- Retry category / history ---

func (s *SQLiteStore) LoadErrorCategories(ctx context.Context) ([]resilience.ErrorCategory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, description, is_retryable, backoff_strategy, base_delay_seconds, max_delay_seconds, max_retries, http_status_codes, error_patterns FROM error_categories`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load error categories")
	}
	defer rows.Close()
	var out []resilience.ErrorCategory
	for rows.Next() {
		var c resilience.ErrorCategory
		var strategy string
		var isRetryable int
		var codesJSON, patternsJSON sql.NullString
		if err := rows.Scan(&c.Code, &c.Description, &isRetryable, &strategy, &c.BaseDelaySeconds, &c.MaxDelaySeconds, &c.MaxRetries, &codesJSON, &patternsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan error category")
		}
		c.IsRetryable = isRetryable != 0
		c.BackoffStrategy = resilience.BackoffStrategy(strategy)
		if codesJSON.Valid {
			_ = json.Unmarshal([]byte(codesJSON.String), &c.HTTPStatusCodes)
		}
		if patternsJSON.Valid {
			_ = json.Unmarshal([]byte(patternsJSON.String), &c.ErrorPatterns)
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load error categories iterate")
}

func (s *SQLiteStore) SaveErrorCategory(ctx context.Context, cat resilience.ErrorCategory) error {
	codesJSON, _ := json.Marshal(cat.HTTPStatusCodes)
	patternsJSON, _ := json.Marshal(cat.ErrorPatterns)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_categories (code, description, is_retryable, backoff_strategy, base_delay_seconds, max_delay_seconds, max_retries, http_status_codes, error_patterns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET
			description=excluded.description, is_retryable=excluded.is_retryable, backoff_strategy=excluded.backoff_strategy,
			base_delay_seconds=excluded.base_delay_seconds, max_delay_seconds=excluded.max_delay_seconds,
			max_retries=excluded.max_retries, http_status_codes=excluded.http_status_codes, error_patterns=excluded.error_patterns`,
		cat.Code, cat.Description, boolToInt(cat.IsRetryable), string(cat.BackoffStrategy), cat.BaseDelaySeconds, cat.MaxDelaySeconds, cat.MaxRetries, string(codesJSON), string(patternsJSON),
	)
	return eris.Wrap(err, "sqlite: save error category")
}

func (s *SQLiteStore) RecordRetryAttempt(ctx context.Context, attempt resilience.RetryAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_history (id, entity_type, entity_id, error_category, attempt_number, succeeded, error_message, delay_applied_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID.String(), attempt.EntityType, attempt.EntityID, attempt.ErrorCategory, attempt.AttemptNumber,
		boolToInt(attempt.Succeeded), attempt.ErrorMessage, attempt.DelayAppliedMs, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: record retry attempt")
}

func (s *SQLiteStore) RetryStatistics(ctx context.Context, entityType string, window time.Duration) (resilience.RetryStats, error) {
	stats := resilience.RetryStats{ByCategory: map[string]int{}}
	since := time.Now().UTC().Add(-window)

	rows, err := s.db.QueryContext(ctx, `
		SELECT error_category, succeeded, count(*) FROM retry_history
		WHERE entity_type=? AND created_at >= ? GROUP BY error_category, succeeded`,
		entityType, since,
	)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: retry statistics")
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var succeeded int
		var count int
		if err := rows.Scan(&category, &succeeded, &count); err != nil {
			return stats, eris.Wrap(err, "sqlite: scan retry statistics")
		}
		stats.ByCategory[category] += count
		stats.TotalAttempts += count
		if succeeded != 0 {
			stats.TotalSuccesses += count
		} else {
			stats.TotalFailures += count
		}
	}
	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.TotalSuccesses) / float64(stats.TotalAttempts) * 100
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: retry statistics iterate")
}

// --- SERP ---

func (s *SQLiteStore) UpsertKeyword(ctx context.Context, kw model.Keyword) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keywords (id, term, region, avg_monthly_searches, competition, fetched_metrics_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (term, region) DO UPDATE SET
			avg_monthly_searches=excluded.avg_monthly_searches, competition=excluded.competition, fetched_metrics_at=excluded.fetched_metrics_at`,
		kw.ID, kw.Term, kw.Region, kw.AvgMonthlySearches, kw.Competition, kw.FetchedMetricsAt,
	)
	return eris.Wrap(err, "sqlite: upsert keyword")
}

func (s *SQLiteStore) UpsertSerpResults(ctx context.Context, results []model.SerpResult) (int, error) {
	n := 0
	for _, r := range results {
		metaJSON, _ := json.Marshal(r.ProviderMetadata)
		var pipelineExecID any
		if r.PipelineExecutionID != nil {
			pipelineExecID = r.PipelineExecutionID.String()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO serp_results (id, keyword_id, keyword, search_date, location, serp_type, url, position, title, snippet, domain, provider_metadata, avg_monthly_searches, pipeline_execution_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (keyword_id, search_date, location, serp_type, url) DO UPDATE SET
				position=excluded.position, title=excluded.title, snippet=excluded.snippet,
				provider_metadata=excluded.provider_metadata, pipeline_execution_id=excluded.pipeline_execution_id`,
			r.ID.String(), r.KeywordID, r.Keyword, r.SearchDate, r.Location, string(r.SerpType), r.URL, r.Position, r.Title, r.Snippet,
			r.Domain, string(metaJSON), r.AvgMonthlySearches, pipelineExecID, time.Now().UTC(),
		)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: upsert serp result %s", r.URL)
		}
		n++
	}
	return n, nil
}

func (s *SQLiteStore) ListSerpResultURLs(ctx context.Context, runID uuid.UUID, contentTypes []model.ContentType) ([]model.SerpResult, error) {
	query := `SELECT id, keyword_id, keyword, search_date, location, serp_type, url, position, title, snippet, domain, provider_metadata, avg_monthly_searches, pipeline_execution_id, created_at
		FROM serp_results WHERE pipeline_execution_id=?`
	args := []any{runID.String()}
	if len(contentTypes) > 0 {
		placeholders := make([]string, len(contentTypes))
		for i, c := range contentTypes {
			placeholders[i] = "?"
			args = append(args, string(c))
		}
		query += ` AND serp_type IN (` + strings.Join(placeholders, ",") + `)`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list serp result urls")
	}
	defer rows.Close()
	var out []model.SerpResult
	for rows.Next() {
		r, err := scanSQLiteSerpResult(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan serp result")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list serp result urls iterate")
}

func scanSQLiteSerpResult(scan func(dest ...any) error) (*model.SerpResult, error) {
	var r model.SerpResult
	var id string
	var metaJSON sql.NullString
	var pipelineExecID sql.NullString
	if err := scan(&id, &r.KeywordID, &r.Keyword, &r.SearchDate, &r.Location, &r.SerpType, &r.URL, &r.Position,
		&r.Title, &r.Snippet, &r.Domain, &metaJSON, &r.AvgMonthlySearches, &pipelineExecID, &r.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &r.ProviderMetadata)
	}
	if pipelineExecID.Valid {
		parsed, err := uuid.Parse(pipelineExecID.String)
		if err != nil {
			return nil, err
		}
		r.PipelineExecutionID = &parsed
	}
	return &r, nil
}

// --- Content ---

func (s *SQLiteStore) UpsertScrapedContent(ctx context.Context, content model.ScrapedContent) error {
	content.WordCount = len(strings.Fields(content.Content))
	var pipelineExecID any
	if content.PipelineExecutionID != nil {
		pipelineExecID = content.PipelineExecutionID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scraped_content (url, domain, title, content, html, word_count, status, error_message, pipeline_execution_id, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			domain=excluded.domain, title=excluded.title, content=excluded.content, html=excluded.html,
			word_count=excluded.word_count, status=excluded.status, error_message=excluded.error_message,
			pipeline_execution_id=excluded.pipeline_execution_id, scraped_at=excluded.scraped_at`,
		content.URL, content.Domain, content.Title, content.Content, content.HTML, content.WordCount,
		string(content.Status), content.ErrorMessage, pipelineExecID, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert scraped content %s", content.URL)
}

func (s *SQLiteStore) GetUnscrapedURLs(ctx context.Context, runID uuid.UUID) ([]model.SerpResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sr.id, sr.keyword_id, sr.keyword, sr.search_date, sr.location, sr.serp_type, sr.url, sr.position, sr.title, sr.snippet, sr.domain, sr.provider_metadata, sr.avg_monthly_searches, sr.pipeline_execution_id, sr.created_at
		FROM serp_results sr
		LEFT JOIN scraped_content sc ON sc.url = sr.url
		WHERE sr.pipeline_execution_id=? AND sr.serp_type IN ('organic','news') AND sc.url IS NULL`,
		runID.String(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get unscraped urls")
	}
	defer rows.Close()
	var out []model.SerpResult
	for rows.Next() {
		r, err := scanSQLiteSerpResult(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unscraped url")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get unscraped urls iterate")
}

func (s *SQLiteStore) CountScrapedQualifying(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM scraped_content WHERE pipeline_execution_id=? AND status='completed' AND length(content) >= 100`,
		runID.String(),
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count scraped qualifying")
}

func (s *SQLiteStore) UpsertContentAnalysis(ctx context.Context, analysis model.ContentAnalysis) error {
	mentionsJSON, _ := json.Marshal(analysis.Mentions)
	dimJSON, _ := json.Marshal(analysis.DimensionScores)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_analysis (url, project_id, classification, persona_score, jtbd_score, mentions, source_classification, sentiment, confidence, dimension_scores, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url, project_id) DO UPDATE SET
			classification=excluded.classification, persona_score=excluded.persona_score, jtbd_score=excluded.jtbd_score,
			mentions=excluded.mentions, source_classification=excluded.source_classification, sentiment=excluded.sentiment,
			confidence=excluded.confidence, dimension_scores=excluded.dimension_scores, analyzed_at=excluded.analyzed_at`,
		analysis.URL, analysis.ProjectID, analysis.Classification, analysis.PersonaScore, analysis.JTBDScore,
		string(mentionsJSON), analysis.SourceClassification, analysis.Sentiment, analysis.Confidence, string(dimJSON), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert content analysis %s", analysis.URL)
}

func (s *SQLiteStore) GetUnanalyzedURLs(ctx context.Context, runID uuid.UUID, limit int) ([]model.ScrapedContent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sc.url, sc.domain, sc.title, sc.content, sc.html, sc.word_count, sc.status, sc.error_message, sc.pipeline_execution_id, sc.scraped_at
		FROM scraped_content sc
		LEFT JOIN content_analysis ca ON ca.url = sc.url
		WHERE sc.pipeline_execution_id=? AND sc.status='completed' AND length(sc.content) >= 100 AND ca.url IS NULL
		LIMIT ?`,
		runID.String(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get unanalyzed urls")
	}
	defer rows.Close()
	var out []model.ScrapedContent
	for rows.Next() {
		var c model.ScrapedContent
		var pipelineExecID sql.NullString
		if err := rows.Scan(&c.URL, &c.Domain, &c.Title, &c.Content, &c.HTML, &c.WordCount, &c.Status, &c.ErrorMessage, &pipelineExecID, &c.ScrapedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unanalyzed content")
		}
		if pipelineExecID.Valid {
			parsed, err := uuid.Parse(pipelineExecID.String)
			if err != nil {
				return nil, eris.Wrap(err, "sqlite: parse pipeline execution id")
			}
			c.PipelineExecutionID = &parsed
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get unanalyzed urls iterate")
}

func (s *SQLiteStore) CountContentAnalyzed(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM content_analysis ca JOIN scraped_content sc ON sc.url=ca.url
		WHERE sc.pipeline_execution_id=?`,
		runID.String(),
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count content analyzed")
}

func (s *SQLiteStore) AnalysisByURL(ctx context.Context, runID uuid.UUID) (map[string]model.ContentAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ca.url, ca.project_id, ca.classification, ca.persona_score, ca.jtbd_score, ca.mentions,
			ca.source_classification, ca.sentiment, ca.confidence, ca.dimension_scores, ca.analyzed_at
		FROM content_analysis ca
		JOIN scraped_content sc ON sc.url = ca.url
		WHERE sc.pipeline_execution_id=?
		ORDER BY ca.analyzed_at DESC`,
		runID.String(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: analysis by url")
	}
	defer rows.Close()

	out := make(map[string]model.ContentAnalysis)
	for rows.Next() {
		var a model.ContentAnalysis
		var mentionsJSON, dimJSON sql.NullString
		if err := rows.Scan(&a.URL, &a.ProjectID, &a.Classification, &a.PersonaScore, &a.JTBDScore, &mentionsJSON,
			&a.SourceClassification, &a.Sentiment, &a.Confidence, &dimJSON, &a.AnalyzedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan analysis by url")
		}
		if mentionsJSON.Valid {
			_ = json.Unmarshal([]byte(mentionsJSON.String), &a.Mentions)
		}
		if dimJSON.Valid {
			_ = json.Unmarshal([]byte(dimJSON.String), &a.DimensionScores)
		}
		if _, seen := out[a.URL]; !seen {
			out[a.URL] = a
		}
	}
	return out, eris.Wrap(rows.Err(), "sqlite: analysis by url iterate")
}

// --- Company / channel / video ---

func (s *SQLiteStore) GetCompanyByDomain(ctx context.Context, domain string) (*model.CompanyProfile, error) {
	var canonical string
	err := s.db.QueryRowContext(ctx, `SELECT canonical_domain FROM company_domains WHERE alias_domain=?`, domain).Scan(&canonical)
	if err == nil {
		domain = canonical
	}

	var cp model.CompanyProfile
	var techJSON, socialJSON sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT domain, company_name, industry, size_range, revenue_range, description, source_type, confidence_score, technologies, social_profiles, headquarters_location, parent_domain, created_at, updated_at
		FROM company_profiles WHERE domain=?`,
		domain,
	).Scan(&cp.Domain, &cp.CompanyName, &cp.Industry, &cp.SizeRange, &cp.RevenueRange, &cp.Description, &cp.SourceType,
		&cp.ConfidenceScore, &techJSON, &socialJSON, &cp.HeadquartersLocation, &cp.ParentDomain, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get company by domain")
	}
	if techJSON.Valid {
		_ = json.Unmarshal([]byte(techJSON.String), &cp.Technologies)
	}
	if socialJSON.Valid {
		_ = json.Unmarshal([]byte(socialJSON.String), &cp.SocialProfiles)
	}
	return &cp, nil
}

func (s *SQLiteStore) UpsertCompanyProfile(ctx context.Context, profile model.CompanyProfile) error {
	techJSON, _ := json.Marshal(profile.Technologies)
	socialJSON, _ := json.Marshal(profile.SocialProfiles)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO company_profiles (domain, company_name, industry, size_range, revenue_range, description, source_type, confidence_score, technologies, social_profiles, headquarters_location, parent_domain, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET
			company_name=excluded.company_name, industry=excluded.industry, size_range=excluded.size_range,
			revenue_range=excluded.revenue_range, description=excluded.description, source_type=excluded.source_type,
			confidence_score=excluded.confidence_score, technologies=excluded.technologies, social_profiles=excluded.social_profiles,
			headquarters_location=excluded.headquarters_location, parent_domain=excluded.parent_domain, updated_at=excluded.updated_at`,
		profile.Domain, profile.CompanyName, profile.Industry, profile.SizeRange, profile.RevenueRange, profile.Description,
		string(profile.SourceType), profile.ConfidenceScore, string(techJSON), string(socialJSON), profile.HeadquartersLocation, profile.ParentDomain, now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert company profile %s", profile.Domain)
}

func (s *SQLiteStore) UpsertCompanyDomainAlias(ctx context.Context, alias model.CompanyDomain) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO company_domains (alias_domain, canonical_domain, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (alias_domain) DO UPDATE SET canonical_domain=excluded.canonical_domain`,
		alias.AliasDomain, alias.CanonicalDomain, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert company domain alias")
}

func (s *SQLiteStore) UpsertChannelMapping(ctx context.Context, mapping model.ChannelCompanyMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO youtube_channel_companies (channel_id, company_name, company_domain, channel_type, confidence, reasoning, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET
			company_name=excluded.company_name, company_domain=excluded.company_domain, channel_type=excluded.channel_type,
			confidence=excluded.confidence, reasoning=excluded.reasoning, resolved_at=excluded.resolved_at`,
		mapping.ChannelID, mapping.CompanyName, mapping.CompanyDomain, mapping.ChannelType, mapping.Confidence, mapping.Reasoning, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert channel mapping")
}

func (s *SQLiteStore) GetChannelMapping(ctx context.Context, channelID string) (*model.ChannelCompanyMapping, error) {
	var m model.ChannelCompanyMapping
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, company_name, company_domain, channel_type, confidence, reasoning, resolved_at
		FROM youtube_channel_companies WHERE channel_id=?`,
		channelID,
	).Scan(&m.ChannelID, &m.CompanyName, &m.CompanyDomain, &m.ChannelType, &m.Confidence, &m.Reasoning, &m.ResolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get channel mapping")
	}
	return &m, nil
}

func (s *SQLiteStore) UpsertVideoSnapshot(ctx context.Context, snap model.VideoSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO video_snapshots (video_id, url, channel_id, title, duration_seconds, view_count, like_count, comment_count, channel_subscribers, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (video_id) DO UPDATE SET
			title=excluded.title, duration_seconds=excluded.duration_seconds, view_count=excluded.view_count,
			like_count=excluded.like_count, comment_count=excluded.comment_count, channel_subscribers=excluded.channel_subscribers, fetched_at=excluded.fetched_at`,
		snap.VideoID, snap.URL, snap.ChannelID, snap.Title, snap.DurationSeconds, snap.ViewCount, snap.LikeCount, snap.CommentCount, snap.ChannelSubscribers, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert video snapshot")
}

func (s *SQLiteStore) ListVideoSnapshotsForRun(ctx context.Context, runID uuid.UUID) (map[string]model.VideoSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vs.video_id, vs.url, vs.channel_id, vs.title, vs.duration_seconds, vs.view_count, vs.like_count, vs.comment_count, vs.channel_subscribers, vs.fetched_at
		FROM video_snapshots vs
		JOIN serp_results sr ON sr.url = vs.url
		WHERE sr.pipeline_execution_id=? AND sr.serp_type='video'`,
		runID.String(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list video snapshots for run")
	}
	defer rows.Close()

	out := make(map[string]model.VideoSnapshot)
	for rows.Next() {
		var v model.VideoSnapshot
		if err := rows.Scan(&v.VideoID, &v.URL, &v.ChannelID, &v.Title, &v.DurationSeconds, &v.ViewCount, &v.LikeCount, &v.CommentCount, &v.ChannelSubscribers, &v.FetchedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan video snapshot")
		}
		out[v.URL] = v
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list video snapshots for run iterate")
}

func (s *SQLiteStore) ListChannelMappings(ctx context.Context) (map[string]model.ChannelCompanyMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, company_name, company_domain, channel_type, confidence, reasoning, resolved_at
		FROM youtube_channel_companies`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list channel mappings")
	}
	defer rows.Close()

	out := make(map[string]model.ChannelCompanyMapping)
	for rows.Next() {
		var m model.ChannelCompanyMapping
		if err := rows.Scan(&m.ChannelID, &m.CompanyName, &m.CompanyDomain, &m.ChannelType, &m.Confidence, &m.Reasoning, &m.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan channel mapping")
		}
		out[m.ChannelID] = m
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list channel mappings iterate")
}

// --- DSI ---

func (s *SQLiteStore) UpsertDSIScoreMax(ctx context.Context, score model.DSIScore) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert dsi score")
	}
	defer tx.Rollback()

	var existing float64
	err = tx.QueryRowContext(ctx, `SELECT dsi_score FROM dsi_scores WHERE pipeline_execution_id=? AND company_domain=?`,
		score.PipelineExecutionID.String(), score.CompanyDomain).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eris.Wrap(err, "sqlite: read existing dsi score")
	}

	componentsJSON, _ := json.Marshal(score.Components)
	metadataJSON, _ := json.Marshal(score.Metadata)
	now := time.Now().UTC()

	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dsi_scores (pipeline_execution_id, company_domain, components, dsi_score, metadata, calculated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			score.PipelineExecutionID.String(), score.CompanyDomain, string(componentsJSON), score.DSIScore, string(metadataJSON), now,
		)
		return eris.Wrap(err, "sqlite: insert dsi score")
	}

	if score.DSIScore > existing {
		_, err = tx.ExecContext(ctx, `
			UPDATE dsi_scores SET dsi_score=?, components=?, metadata=?, calculated_at=? WHERE pipeline_execution_id=? AND company_domain=?`,
			score.DSIScore, string(componentsJSON), string(metadataJSON), now, score.PipelineExecutionID.String(), score.CompanyDomain,
		)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE dsi_scores SET calculated_at=? WHERE pipeline_execution_id=? AND company_domain=?`,
			now, score.PipelineExecutionID.String(), score.CompanyDomain)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: update dsi score")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert dsi score")
}

func (s *SQLiteStore) InsertPageDSISnapshot(ctx context.Context, snap model.HistoricalPageDSISnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO historical_page_dsi_snapshots (url, snapshot_date, page_dsi, traffic_share, persona_score)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (url, snapshot_date) DO UPDATE SET
			page_dsi=excluded.page_dsi, traffic_share=excluded.traffic_share, persona_score=excluded.persona_score`,
		snap.URL, snap.SnapshotDate.Format("2006-01-02"), snap.PageDSI, snap.TrafficShare, snap.PersonaScore,
	)
	return eris.Wrap(err, "sqlite: insert page dsi snapshot")
}

func (s *SQLiteStore) ListDSIScores(ctx context.Context, runID uuid.UUID) ([]model.DSIScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pipeline_execution_id, company_domain, components, dsi_score, metadata, calculated_at
		FROM dsi_scores WHERE pipeline_execution_id=? ORDER BY dsi_score DESC`,
		runID.String(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dsi scores")
	}
	defer rows.Close()
	var out []model.DSIScore
	for rows.Next() {
		var d model.DSIScore
		var pipelineExecID, componentsJSON string
		var metadataJSON sql.NullString
		if err := rows.Scan(&pipelineExecID, &d.CompanyDomain, &componentsJSON, &d.DSIScore, &metadataJSON, &d.CalculatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dsi score")
		}
		var err error
		if d.PipelineExecutionID, err = uuid.Parse(pipelineExecID); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse dsi score pipeline execution id")
		}
		_ = json.Unmarshal([]byte(componentsJSON), &d.Components)
		if metadataJSON.Valid {
			_ = json.Unmarshal([]byte(metadataJSON.String), &d.Metadata)
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dsi scores iterate")
}
