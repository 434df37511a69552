package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuomag9/comments-collator/internal/api"
	"github.com/fuomag9/comments-collator/internal/config"
	"github.com/fuomag9/comments-collator/internal/database"
	"github.com/fuomag9/comments-collator/internal/jobs"
	"github.com/fuomag9/comments-collator/internal/repository"
	"github.com/fuomag9/comments-collator/internal/seal"
)

const testSecret = "cli-test-secret-0123456789abcdef"

func testConfig(t *testing.T, apiBaseURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Environment:   "development",
		JWTSecret:     testSecret,
		Database:      config.DatabaseConfig{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "cli.db")},
		Figma:         config.FigmaConfig{APIBaseURL: apiBaseURL},
		StateTTL:      30 * time.Minute,
		SessionMaxAge: 24 * time.Hour,
		Sync:          config.SyncConfig{BatchSize: 5},
	}
}

func run(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	opts := &RootOptions{LoadConfig: func(context.Context) (*config.Config, error) { return cfg, nil }}
	cmd := newRootCommand(opts)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "collatorctl", cmd.Use)

	for _, name := range []string{"migrate", "sync", "sweep", "operator-token"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := run(t, cfg, "sweep", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMigrate(t *testing.T) {
	cfg := testConfig(t, "")

	out, err := run(t, cfg, "migrate")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "sqlite schema at version "), out)

	// second run is a no-op
	out, err = run(t, cfg, "migrate", "--format", "json")
	require.NoError(t, err)
	var result MigrateResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "sqlite", result.Database)
	assert.NotZero(t, result.Version)
	assert.False(t, result.Dirty)
}

func TestSweep(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := run(t, cfg, "migrate")
	require.NoError(t, err)

	out, err := run(t, cfg, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "Removed 0 sessions, 0 OAuth states, 0 webhook events\n", out)

	out, err = run(t, cfg, "sweep", "--format", "json")
	require.NoError(t, err)
	var report jobs.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, jobs.Report{}, report)
}

func TestOperatorToken(t *testing.T) {
	cfg := testConfig(t, "")

	out, err := run(t, cfg, "operator-token", "--subject", "prometheus", "--ttl", "1h")
	require.NoError(t, err)

	subject, err := api.ParseOperatorToken(testSecret, strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "prometheus", subject)

	_, err = run(t, cfg, "operator-token", "--ttl", "0s")
	assert.Error(t, err)
}

func TestSync(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/files/file-1/comments" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"comments":[{"id":"c1","message":"hello","user":{"id":"u-bob","handle":"bob"},"created_at":"2024-06-03T09:00:00Z"}]}`)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	_, err := run(t, cfg, "migrate")
	require.NoError(t, err)

	seedUser(t, cfg, "ann", "at-ann")

	_, err = run(t, cfg, "sync", "file-1")
	require.Error(t, err, "--user is required")

	_, err = run(t, cfg, "sync", "file-1", "--user", "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	out, err := run(t, cfg, "sync", "file-1", "--user", "ann")
	require.NoError(t, err)
	assert.Equal(t, "Synced file-1: 1 upserted, 0 deleted\n", out)
	assert.Equal(t, "Bearer at-ann", gotAuth)
}

func seedUser(t *testing.T, cfg *config.Config, handle, accessToken string) {
	t.Helper()
	sealer, err := seal.FromConfig(cfg.EncryptionKey, cfg.JWTSecret)
	require.NoError(t, err)

	db, err := database.Connect(cfg.Database)
	require.NoError(t, err)
	defer database.Close(db)

	repos := repository.New(db, sealer, nil)
	_, err = repos.Users.Upsert(context.Background(),
		repository.Profile{ExternalID: "ext-" + handle, Handle: handle, DisplayName: handle},
		repository.Credentials{AccessToken: accessToken})
	require.NoError(t, err)
}
