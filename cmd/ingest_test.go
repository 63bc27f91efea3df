package main

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/aq-pipeline/internal/config"
	"github.com/sells-group/aq-pipeline/internal/model"
	"github.com/sells-group/aq-pipeline/pkg/openaq"
)

type fakeOpenAQ struct {
	records []model.Record
	err     error
	gotIDs  []int64
}

func (f *fakeOpenAQ) FetchSensorDays(context.Context, int64) ([]model.Record, error) {
	return f.records, f.err
}

func (f *fakeOpenAQ) FetchAll(_ context.Context, ids []int64) (*openaq.FetchResult, error) {
	f.gotIDs = ids
	if f.err != nil {
		return nil, f.err
	}
	return &openaq.FetchResult{Records: f.records}, nil
}

var stagingColumns = []string{
	"batch_seq", "sensor_id", "date_utc", "value", "units", "parameter",
	"location_id", "longitude", "latitude", "raw_json",
}

func testIngest() config.Ingest {
	return config.Ingest{
		Project:   "aq-proj",
		Dataset:   "raw",
		Table:     "openaq_pm25_days_raw",
		Location:  "europe-north2",
		APIKey:    "key",
		DateFrom:  "2024-01-01",
		DateTo:    "2024-01-31",
		SensorIDs: []int64{101, 202},
		Limit:     1000,
		Timeout:   40 * time.Second,
	}
}

func testRecords() []model.Record {
	v := 12.5
	return []model.Record{
		{SensorID: 101, DateUTC: "2024-01-01T00:00:00Z", Value: &v, RawJSON: `{}`},
		{SensorID: 202, DateUTC: "2024-01-01T00:00:00Z", Value: &v, RawJSON: `{}`},
	}
}

func expectProvision(mock pgxmock.PgxPoolIface) {
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE SCHEMA", 0))
	mock.ExpectExec("PARTITION BY RANGE").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`(?s)openaq_pm25_days_raw_y2024.*openaq_pm25_days_raw_y2025`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("openaq_pm25_days_raw_staging").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("ops.pipeline_runs").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCommit()
}

func TestRunIngest_FetchesAndMerges(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectProvision(mock)
	mock.ExpectExec("INSERT INTO ops.pipeline_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectBegin()
	mock.ExpectExec("TRUNCATE TABLE").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"raw", "openaq_pm25_days_raw_staging"}, stagingColumns).WillReturnResult(2)
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`"raw"."openaq_pm25_days_raw_y2024" PARTITION OF`)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCommit()
	mock.ExpectExec("MERGE INTO").WillReturnResult(pgxmock.NewResult("MERGE", 2))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'complete'")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	client := &fakeOpenAQ{records: testRecords()}
	res, err := runIngest(context.Background(), mock, client, testIngest())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Staged)
	assert.Equal(t, int64(2), res.Merged)
	assert.Equal(t, []int64{101, 202}, client.gotIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIngest_NoRowsSkipsLoad(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectProvision(mock)
	mock.ExpectExec("INSERT INTO ops.pipeline_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'complete'")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	res, err := runIngest(context.Background(), mock, &fakeOpenAQ{}, testIngest())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIngest_FetchErrorMarksRunFailed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectProvision(mock)
	mock.ExpectExec("INSERT INTO ops.pipeline_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	_, err = runIngest(context.Background(), mock, &fakeOpenAQ{err: errors.New("boom")}, testIngest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: fetch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIngest_RunLogFailureIsWarning(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectProvision(mock)
	mock.ExpectExec("INSERT INTO ops.pipeline_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("relation does not exist"))

	res, err := runIngest(context.Background(), mock, &fakeOpenAQ{}, testIngest())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIngest_ProvisionErrorStops(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(pgxmock.AnyArg()).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	client := &fakeOpenAQ{}
	_, err = runIngest(context.Background(), mock, client, testIngest())
	require.Error(t, err)
	assert.Nil(t, client.gotIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestTarget(t *testing.T) {
	tgt := ingestTarget(testIngest())
	assert.Equal(t, "raw.openaq_pm25_days_raw", tgt.FQN())
	assert.Equal(t, "aq-proj", tgt.Project)
	assert.NoError(t, tgt.Validate())
}

func TestNewOpenAQClient(t *testing.T) {
	assert.NotNil(t, newOpenAQClient(testIngest()))
}
