package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinachchain/spinachchain/pkg/batch"
	"github.com/spinachchain/spinachchain/pkg/publisher"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spinachchain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SECRET_KEY", testSecret)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "jwt", cfg.Auth.Mode)
	assert.Equal(t, testSecret, cfg.Auth.Secret, "legacy SECRET_KEY")
	assert.Equal(t, batch.ModeStrict, cfg.LifecycleMode())
	assert.Equal(t, 8.0, cfg.IntegrityConfig().ColdChainThreshold)

	pc := cfg.PublisherConfig()
	assert.Equal(t, publisher.BackendMemory, pc.Backend)
	assert.Equal(t, publisher.DefaultRetryConfig(), pc.Retry)

	jc := cfg.JobConfig()
	assert.Equal(t, 3, jc.MaxRetries)
	assert.True(t, jc.Enabled)

	assert.Equal(t, 90, cfg.AuditConfig().RetentionDays)
	assert.True(t, cfg.HAConfig().MigrationLockEnabled)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.CacheConfig().TTL)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
server:
  listen: ":9000"
  cors_origins: ["https://app.example"]
auth:
  mode: header
lifecycle:
  mode: permissive
ingest:
  cold_chain_threshold: 4.5
publisher:
  backend: s3
  s3:
    bucket: batches
  attempt_timeout: 2s
jobs:
  concurrency: 5
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, []string{"https://app.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "header", cfg.Auth.Mode)
	assert.Equal(t, batch.ModePermissive, cfg.LifecycleMode())
	assert.Equal(t, 4.5, cfg.Ingest.ColdChainThreshold)
	assert.Equal(t, "batches", cfg.PublisherConfig().S3.Bucket)
	assert.Equal(t, 2*time.Second, cfg.PublisherConfig().Retry.AttemptTimeout)
	assert.Equal(t, 5, cfg.JobConfig().Concurrency)
	assert.Equal(t, 3, cfg.Publisher.MaxAttempts, "unset keys keep defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "auth:\n  mode: header\npublisher:\n  backend: pinata\n")
	t.Setenv("SPINACHCHAIN_PUBLISHER_BACKEND", "memory")
	t.Setenv("SPINACHCHAIN_JOBS_MAX_RETRIES", "7")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/spinach")
	t.Setenv("SPINACHCHAIN_DATABASE_TYPE", "postgres")
	t.Setenv("PINATA_API_KEY", "key")
	t.Setenv("PINATA_SECRET_KEY", "secret")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Publisher.Backend)
	assert.Equal(t, 7, cfg.Jobs.MaxRetries)
	assert.Equal(t, "postgres://u:p@db/spinach", cfg.Database.DSN)
	assert.Equal(t, "key", cfg.Publisher.Pinata.APIKey)
	assert.Equal(t, "secret", cfg.Publisher.Pinata.SecretKey)
}

func TestLoad_PrefixedEnvBeatsLegacy(t *testing.T) {
	t.Setenv("SECRET_KEY", "legacy-secret-value-1234")
	t.Setenv("SPINACHCHAIN_AUTH_SECRET", testSecret)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Auth.Secret)
}

func TestLoad_Flags(t *testing.T) {
	t.Setenv("SPINACHCHAIN_SERVER_LISTEN", ":7000")
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.String("listen", ":8080", "")
	fs.String("auth-mode", "jwt", "")
	require.NoError(t, fs.Parse([]string{"--listen", ":6000", "--auth-mode", "header"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Server.Listen, "explicit flag beats env")
	assert.Equal(t, "header", cfg.Auth.Mode)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err, "explicit file must exist")

	_, err = Load("", nil)
	assert.ErrorContains(t, err, "auth.secret")

	path := writeFile(t, `
auth:
  mode: header
  authz: ldap
database:
  type: oracle
log:
  format: xml
lifecycle:
  mode: lenient
publisher:
  backend: ftp
`)
	_, err = Load(path, nil)
	require.Error(t, err)
	for _, want := range []string{"database.type", "log.format", "unknown authz mode", "lifecycle.mode", "publisher.backend"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Format: "json", Level: "warn"}.NewLogger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LogConfig{Format: "json", Level: "info"}.NewLogger(&buf).Info("shown", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	LogConfig{Format: "text", Level: "debug"}.NewLogger(&buf).Debug("dbg")
	assert.Contains(t, buf.String(), "msg=dbg")
}
