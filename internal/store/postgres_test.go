//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	runID := uuid.New()

	mock.ExpectQuery(`SELECT id, mode, status, config, counters, phase_results, errors, warnings, started_at, completed_at, created_at, updated_at FROM pipeline_executions WHERE id=\$1`).
		WithArgs(runID).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun_Insert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO pipeline_executions`).
		WithArgs(pgxmock.AnyArg(), "batch", "pending", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run := model.PipelineRun{
		ID:        uuid.New(),
		Mode:      model.RunModeBatch,
		Status:    model.RunStatusPending,
		StartedAt: time.Now().UTC(),
	}
	err := s.CreateRun(context.Background(), run)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_TerminalSetsCompletedAt(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	runID := uuid.New()

	mock.ExpectExec(`UPDATE pipeline_executions SET status=\$1`).
		WithArgs("completed", pgxmock.AnyArg(), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateRunStatus(context.Background(), runID, model.RunStatusCompleted)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountSerpResults_WithContentType(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	runID := uuid.New()

	mock.ExpectQuery(`SELECT count\(\*\) FROM serp_results WHERE pipeline_execution_id=\$1 AND serp_type=\$2`).
		WithArgs(runID, "organic").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(42))

	count, err := s.CountSerpResults(context.Background(), runID, model.ContentTypeOrganic)
	require.NoError(t, err)
	assert.Equal(t, 42, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertDSIScoreMax_GreatestSQL(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(pipeline_execution_id, company_domain\) DO UPDATE SET`).
		WithArgs(pgxmock.AnyArg(), "acme.com", pgxmock.AnyArg(), 87.5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	score := model.DSIScore{
		PipelineExecutionID: uuid.New(),
		CompanyDomain:       "acme.com",
		DSIScore:            87.5,
	}
	err := s.UpsertDSIScoreMax(context.Background(), score)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailJob_ReschedulesWithBackoff(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	jobID := uuid.New()

	mock.ExpectExec(`UPDATE job_queue SET`).
		WithArgs(jobID, "boom", float64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FailJob(context.Background(), jobID, "boom", 2*time.Second)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueueStats_AggregatesCounts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, count\(\*\) FROM job_queue WHERE queue_name=\$1 GROUP BY status`).
		WithArgs("serp_collection").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", int64(3)).
			AddRow("completed", int64(10)))
	mock.ExpectQuery(`SELECT count\(\*\) FROM job_queue WHERE queue_name=\$1 AND dead_letter`).
		WithArgs("serp_collection").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectQuery(`SELECT extract\(epoch FROM avg`).
		WithArgs("serp_collection").
		WillReturnRows(pgxmock.NewRows([]string{"avg"}).AddRow(float64(1.5)))

	stats, err := s.QueueStats(context.Background(), "serp_collection")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 10, stats.Completed)
	assert.Equal(t, 2, stats.DeadLetter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadCircuitState_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM circuit_breakers WHERE service_name=\$1`).
		WithArgs("dataforseo").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.LoadCircuitState(context.Background(), "dataforseo")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCompanyByDomain_ResolvesAlias(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT canonical_domain FROM company_domains WHERE alias_domain=\$1`).
		WithArgs("old-acme.com").
		WillReturnRows(pgxmock.NewRows([]string{"canonical_domain"}).AddRow("acme.com"))
	mock.ExpectQuery(`SELECT .+ FROM company_profiles WHERE domain=\$1`).
		WithArgs("acme.com").
		WillReturnRows(pgxmock.NewRows([]string{
			"domain", "company_name", "industry", "size_range", "revenue_range", "description",
			"source_type", "confidence_score", "technologies", "social_profiles",
			"headquarters_location", "parent_domain", "created_at", "updated_at",
		}).AddRow(
			"acme.com", "Acme Inc", "Software", "", "", "",
			"crawled", 0.9, ([]byte)(nil), ([]byte)(nil),
			"", "", time.Now(), time.Now(),
		))

	got, err := s.GetCompanyByDomain(context.Background(), "old-acme.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acme.com", got.Domain)
	assert.Equal(t, "Acme Inc", got.CompanyName)
	assert.NoError(t, mock.ExpectationsWereMet())
}
