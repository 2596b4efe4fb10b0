//go:build integration

package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/spinachchain/spinachchain/pkg/config"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	c, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("spinachchain"),
		tcpostgres.WithUsername("spinach"),
		tcpostgres.WithPassword("spinach"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err)
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func startMySQL(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	c, err := tcmysql.Run(ctx, "mysql:8.0",
		tcmysql.WithDatabase("spinachchain"),
		tcmysql.WithUsername("spinach"),
		tcmysql.WithPassword("spinach"),
	)
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err)
	dsn, err := c.ConnectionString(ctx, "parseTime=true")
	require.NoError(t, err)
	return dsn
}

func TestIntegration_Dialects(t *testing.T) {
	tests := []struct {
		name  string
		start func(*testing.T) string
	}{
		{"postgres", startPostgres},
		{"mysql", startMySQL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Database = config.DatabaseConfig{Type: tt.name, DSN: tt.start(t)}
			cfg.HA.MigrationLock = true
			s := newTestServer(t, cfg)
			// A second replica migrating the same schema must not fail.
			require.NoError(t, s.Migrate(context.Background()))

			alice := signUp(t, s.Router(), "alice", "farmer")
			rec, _ := alice.do(http.MethodPost, "/api/v1/batches", map[string]string{"batch_id": "PG-1"})
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
			for _, temp := range []float64{3, 4} {
				rec, _ = alice.do(http.MethodPost, "/api/v1/batches/PG-1/readings", reading(temp))
				require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
			}
			rec, _ = alice.do(http.MethodPost, "/api/v1/batches/PG-1/finalize", nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			rec, _ = alice.do(http.MethodPost, "/api/v1/batches", map[string]string{"batch_id": "PG-1"})
			require.Equal(t, http.StatusConflict, rec.Code, "duplicate key must map to conflict")
		})
	}
}
