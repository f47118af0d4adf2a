package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "approvals.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "be-plt-approvals", cfg.Service.Name)
	assert.Equal(t, 8090, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "log", cfg.Notifier.Driver)
	assert.Equal(t, time.Minute, cfg.Engine.SweepInterval)
	assert.True(t, cfg.Engine.DispatchInline)
	assert.False(t, cfg.Engine.CallbackOnWithdraw)
	assert.Equal(t, uint32(5), cfg.Engine.Outbox.BreakerFailures)

	eng := cfg.EngineOptions()
	assert.Equal(t, time.UTC, eng.Location)
	assert.Equal(t, 8, eng.Outbox.MaxAttempts)
	assert.Equal(t, 10*time.Second, eng.Outbox.BaseBackoff)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
service:
  environment: production
store:
  driver: postgres
  auto_migrate: true
database:
  host: db.internal
  max_conns: 25
engine:
  location: Asia/Shanghai
  action_url_base: https://approvals.example.com
  callback_on_withdraw: true
  outbox:
    max_attempts: 3
objects:
  - content_type: contract
    table: contracts
    summary_column: title
    submit_statuses: [draft, rejected]
  - content_type: payment
    driver: grpc
    address: payments:9090
`)
	t.Setenv("APPROVALS_SERVER_HTTP_PORT", "18080")
	t.Setenv("APPROVALS_DATABASE_PASSWORD", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Service.Environment)
	assert.Equal(t, 18080, cfg.Server.HTTPPort)
	assert.True(t, cfg.Store.AutoMigrate)

	pool := cfg.PoolConfig()
	assert.Equal(t, "db.internal", pool.Host)
	assert.Equal(t, "s3cret", pool.Password)
	assert.Equal(t, int32(25), pool.MaxConns)
	assert.Equal(t, 5432, pool.Port)

	eng := cfg.EngineOptions()
	assert.Equal(t, "Asia/Shanghai", eng.Location.String())
	assert.Equal(t, "https://approvals.example.com", eng.ActionURLBase)
	assert.Equal(t, 3, eng.Outbox.MaxAttempts)
	assert.True(t, eng.CallbackOnWithdraw)

	require.Len(t, cfg.Objects, 2)
	assert.Equal(t, "contract", cfg.Objects[0].ContentType)
	assert.Equal(t, "contracts", cfg.Objects[0].Table)
	assert.Equal(t, "title", cfg.Objects[0].SummaryColumn)
	assert.Equal(t, []string{"draft", "rejected"}, cfg.Objects[0].SubmitStatuses)
	assert.Equal(t, "grpc", cfg.Objects[1].Driver)
	assert.Equal(t, "payments:9090", cfg.Objects[1].Address)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"unknown store", "store: {driver: mongo}", "store.driver"},
		{"unknown notifier", "notifier: {driver: sms}", "notifier.driver"},
		{"lark without credentials", "notifier: {driver: lark}", "lark.app_id"},
		{"postgres directory on memory store", "directory: {driver: postgres}", "directory.driver"},
		{"bad location", "engine: {location: Mars/Olympus}", "engine.location"},
		{"table object on memory store", "objects: [{content_type: contract, table: contracts}]", "objects[0].driver"},
		{"grpc object without address", "objects: [{content_type: contract, driver: grpc}]", "objects[0].address"},
		{"object without content type", "objects: [{driver: grpc, address: x:1}]", "objects[0].content_type"},
		{"duplicate content type", `objects: [{content_type: a, driver: grpc, address: x:1}, {content_type: a, driver: grpc, address: y:1}]`, "objects[1].content_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
			assert.Equal(t, tt.field, errors.DetailOf(err, "field"))
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
