package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequired sets the minimum environment using the bare variable names.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("APP_TOKEN", "app-token")
	t.Setenv("PERSONAL_BASE_TOKEN", "pbt")
	t.Setenv("TABLE_ID", "tbl")
	t.Setenv("PDFDEAL_TOKEN", "doc2x-key")
	t.Setenv("ORIGIN_COLUMN", "PDF")
	t.Setenv("TARGET_FILE_COLUMN", "MDZip")
	t.Setenv("TARGET_CONTEXT_COLUMN", "Markdown")
	t.Setenv("NAME_COLUMN", "Name")
}

func TestLoad_BareEnvAndDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := load("")
	require.NoError(t, err)

	assert.Equal(t, "app-token", cfg.Store.AppToken)
	assert.Equal(t, "pbt", cfg.Store.PersonalBaseToken)
	assert.Equal(t, "tbl", cfg.Store.TableID)
	assert.Equal(t, "doc2x-key", cfg.Converter.APIKey)
	assert.Equal(t, ColumnsConfig{Name: "Name", Origin: "PDF", TargetFile: "MDZip", TargetContext: "Markdown"}, cfg.Columns)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Store.PageSize)
	assert.Equal(t, 5, cfg.Concurrency.Workers)
	assert.Equal(t, "files", cfg.Staging.Root)
	assert.Equal(t, 3*time.Second, cfg.Converter.PollInterval)
	assert.Equal(t, "logs/app.log", cfg.Log.File)
	assert.Equal(t, 7200, cfg.InFlight.TTL)
}

func TestLoad_PrefixedEnvWins(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_STORE_TABLE_ID", "tbl-prefixed")
	t.Setenv("SINGLE_PAGE_SIZE", "100")
	t.Setenv("APP_CONCURRENCY_WORKERS", "8")
	t.Setenv("APP_CONVERTER_POLL_INTERVAL", "250ms")

	cfg, err := load("")
	require.NoError(t, err)

	assert.Equal(t, "tbl-prefixed", cfg.Store.TableID)
	assert.Equal(t, 100, cfg.Store.PageSize)
	assert.Equal(t, 8, cfg.Concurrency.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Converter.PollInterval)
}

func TestLoad_File(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
concurrency:
  workers: 3
staging:
  root: /tmp/stage
`), 0o644))

	cfg, err := load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Concurrency.Workers)
	assert.Equal(t, "/tmp/stage", cfg.Staging.Root)

	_, err = load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"APP_TOKEN=from-dotenv\nPERSONAL_BASE_TOKEN=pbt\nTABLE_ID=tbl\nPDFDEAL_TOKEN=k\n"+
			"ORIGIN_COLUMN=PDF\nTARGET_FILE_COLUMN=MDZip\nTARGET_CONTEXT_COLUMN=Markdown\nNAME_COLUMN=Name\n",
	), 0o644))
	t.Setenv("APP_ENV_FILE", envFile)
	for _, k := range []string{"APP_TOKEN", "PERSONAL_BASE_TOKEN", "TABLE_ID", "PDFDEAL_TOKEN",
		"ORIGIN_COLUMN", "TARGET_FILE_COLUMN", "TARGET_CONTEXT_COLUMN", "NAME_COLUMN"} {
		// register for restore, then clear so godotenv can fill it
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Store.AppToken)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing app token", map[string]string{"APP_TOKEN": ""}, "store.app_token is required"},
		{"missing table", map[string]string{"TABLE_ID": ""}, "store.table_id is required"},
		{"no credentials", map[string]string{"PERSONAL_BASE_TOKEN": ""}, "store.personal_base_token"},
		{"missing api key", map[string]string{"PDFDEAL_TOKEN": ""}, "converter.api_key is required"},
		{"missing columns", map[string]string{"ORIGIN_COLUMN": "", "NAME_COLUMN": " "}, "missing column names: columns.name, columns.origin"},
		{"page size too big", map[string]string{"SINGLE_PAGE_SIZE": "501"}, "store.page_size"},
		{"zero workers", map[string]string{"APP_CONCURRENCY_WORKERS": "0"}, "concurrency.workers"},
		{"tracing without endpoint", map[string]string{"APP_TRACING_ENABLED": "true"}, "tracing.otlp_endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_AppCredentials(t *testing.T) {
	setRequired(t)
	t.Setenv("PERSONAL_BASE_TOKEN", "")
	t.Setenv("APP_STORE_APP_ID", "cli_1")
	t.Setenv("APP_STORE_APP_SECRET", "secret")

	cfg, err := load("")
	require.NoError(t, err)
	assert.Equal(t, "cli_1", cfg.Store.AppID)
}

func TestLoadAndGet(t *testing.T) {
	setRequired(t)
	require.NoError(t, Load(""))
	assert.Equal(t, "app-token", Get().Store.AppToken)

	t.Setenv("APP_TOKEN", "rotated")
	require.NoError(t, Reload(""))
	assert.Equal(t, "rotated", Get().Store.AppToken)
}
