package transform

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSource serves step SQL from memory keyed by file name.
type memSource map[string]string

func (m memSource) SQL(step Step) (string, error) {
	sql, ok := m[step.SQLFile]
	if !ok {
		return "", eris.Errorf("transform: SQL file not found: %s", step.SQLFile)
	}
	return sql, nil
}

func testSteps() []Step {
	return []Step{
		{Name: "silver_a", SQLFile: "a.sql"},
		{Name: "silver_b", SQLFile: "b.sql"},
		{Name: "gold_c", SQLFile: "c.sql"},
	}
}

func testSource() memSource {
	return memSource{
		"a.sql": "CREATE TABLE silver.a AS SELECT * FROM {project_id}_raw.a",
		"b.sql": "CREATE TABLE silver.b AS SELECT * FROM {project_id}_raw.b",
		"c.sql": "CREATE TABLE gold.c AS SELECT 1",
	}
}

func expectLayers(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS silver").WillReturnResult(pgxmock.NewResult("CREATE SCHEMA", 0))
	mock.ExpectExec("COMMENT ON SCHEMA silver").WillReturnResult(pgxmock.NewResult("COMMENT", 0))
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS gold").WillReturnResult(pgxmock.NewResult("CREATE SCHEMA", 0))
	mock.ExpectExec("COMMENT ON SCHEMA gold").WillReturnResult(pgxmock.NewResult("COMMENT", 0))
}

func goldRows() *pgxmock.Rows {
	minDate := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	maxDate := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	return pgxmock.NewRows([]string{"count", "columns", "min", "max", "distinct"}).
		AddRow(int64(1096), int64(24), &minDate, &maxDate, int64(1096))
}

func newTestRunner(t *testing.T, mock pgxmock.PgxPoolIface, src SQLSource) *Runner {
	t.Helper()
	r, err := NewRunner(mock, src, "aq", WithSteps(testSteps()), WithProgressInterval(0))
	require.NoError(t, err)
	return r
}

func TestRun_AllSucceed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLayers(mock)
	mock.ExpectExec(regexp.QuoteMeta("FROM aq_raw.a")).WillReturnResult(pgxmock.NewResult("SELECT", 10))
	mock.ExpectExec(regexp.QuoteMeta("FROM aq_raw.b")).WillReturnResult(pgxmock.NewResult("SELECT", 20))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE gold.c")).WillReturnResult(pgxmock.NewResult("SELECT", 30))
	mock.ExpectQuery("FROM gold.health_environment_features").WillReturnRows(goldRows())

	summary, err := newTestRunner(t, mock, testSource()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.OK())
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 3, summary.Total)
	assert.Empty(t, summary.Failed)
	assert.Equal(t, int64(20), summary.Results[1].RowsAffected)
	require.NotNil(t, summary.Gold)
	assert.Equal(t, int64(1096), summary.Gold.Rows)
	assert.Equal(t, int64(24), summary.Gold.Columns)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_StepFailureContinues(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLayers(mock)
	mock.ExpectExec("silver.a").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("silver.b").WillReturnError(fmt.Errorf(`relation "aq_raw.b" does not exist`))
	mock.ExpectExec("gold.c").WillReturnResult(pgxmock.NewResult("SELECT", 1))

	summary, err := newTestRunner(t, mock, testSource()).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.OK())
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, []string{"silver_b"}, summary.Failed)
	assert.Nil(t, summary.Gold)
	require.Error(t, summary.Err())
	assert.Contains(t, summary.Err().Error(), "silver_b")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_MissingSQLFileIsStepFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	src := testSource()
	delete(src, "a.sql")

	expectLayers(mock)
	mock.ExpectExec("silver.b").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("gold.c").WillReturnResult(pgxmock.NewResult("SELECT", 1))

	summary, err := newTestRunner(t, mock, src).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"silver_a"}, summary.Failed)
	assert.Contains(t, summary.Results[0].Err.Error(), "SQL file not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_SchemaFailureIsFatal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS silver").WillReturnError(fmt.Errorf("permission denied"))

	summary, err := newTestRunner(t, mock, testSource()).Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.Contains(t, err.Error(), "create schema silver")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_VerifyFailureIsWarning(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLayers(mock)
	for range 3 {
		mock.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	}
	mock.ExpectQuery("FROM gold.health_environment_features").WillReturnError(fmt.Errorf("relation does not exist"))

	summary, err := newTestRunner(t, mock, testSource()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.OK())
	assert.Nil(t, summary.Gold)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_Cancelled(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	expectLayers(mock)
	mock.ExpectExec("silver.a").WillReturnResult(pgxmock.NewResult("SELECT", 1))

	r := newTestRunner(t, mock, cancelOn{src: testSource(), step: "silver_b", cancel: cancel})
	summary, err := r.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, []string{"silver_b"}, summary.Failed)
	assert.Len(t, summary.Results, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// cancelOn cancels the run when the named step's SQL is requested.
type cancelOn struct {
	src    memSource
	step   string
	cancel context.CancelFunc
}

func (c cancelOn) SQL(step Step) (string, error) {
	if step.Name == c.step {
		c.cancel()
		return "", context.Canceled
	}
	return c.src.SQL(step)
}

func TestRun_ProgressTicker(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLayers(mock)
	mock.ExpectExec("silver.a").WillReturnResult(pgxmock.NewResult("SELECT", 1)).WillDelayFor(30 * time.Millisecond)
	mock.ExpectExec("silver.b").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("gold.c").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM gold.health_environment_features").WillReturnRows(goldRows())

	r, err := NewRunner(mock, testSource(), "aq", WithSteps(testSteps()), WithProgressInterval(5*time.Millisecond))
	require.NoError(t, err)
	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.OK())
	assert.GreaterOrEqual(t, summary.Results[0].Elapsed, 30*time.Millisecond)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRunner(t *testing.T) {
	_, err := NewRunner(nil, DirSource{}, "")
	require.Error(t, err)

	r, err := NewRunner(nil, DirSource{}, "aq")
	require.NoError(t, err)
	assert.Len(t, r.Steps(), 4)
	assert.Equal(t, DefaultProgressInterval, r.progressInterval)
}
