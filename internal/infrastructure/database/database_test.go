package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_service/pkg/metrics"
)

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	mock.ExpectPing()
	assert.NoError(t, HealthCheck(context.Background(), sqlxDB))

	mock.ExpectPing().WillReturnError(errors.New("connection reset"))
	err = HealthCheck(context.Background(), sqlxDB)
	assert.ErrorContains(t, err, "database health check failed")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPoolStats(t *testing.T) {
	recordPoolStats(sql.DBStats{OpenConnections: 7, InUse: 3, Idle: 4, WaitCount: 2})

	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.DatabaseConnectionsGauge.WithLabelValues("open")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.DatabaseConnectionsGauge.WithLabelValues("in_use")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.DatabaseConnectionsGauge.WithLabelValues("idle")))
}

func TestReportPoolStats_StopsWithContext(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Returns after one publication once the context is done.
	ReportPoolStats(ctx, sqlx.NewDb(db, "postgres"), 0)
}
