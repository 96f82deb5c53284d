package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funf-org/funf/internal/compiler"
	"github.com/funf-org/funf/internal/config"
	"github.com/funf-org/funf/internal/runtime"
	"github.com/funf-org/funf/internal/testutil"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

// seedDataDir runs doc once against a runtime on dir, firing every due
// alarm, and shuts it down leaving its state behind.
func seedDataDir(t *testing.T, dir, doc string) {
	t.Helper()
	ctx := context.Background()
	cfg := &config.Config{
		DataDir:    dir,
		Database:   filepath.Join(dir, "funf.db"),
		ArchiveDir: filepath.Join(dir, "archive"),
		LogLevel:   "info",
		LogFormat:  "text",
		Upload:     config.UploadConfig{MaxItemRetries: 3, MaxDestinationRetries: 6},
	}
	clock := testutil.NewFakeClock(t0)
	timer := testutil.NewManualTimer(clock)
	rt, err := runtime.New(cfg,
		runtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		runtime.WithClock(clock),
		runtime.WithTimer(timer),
	)
	require.NoError(t, err)

	obj, err := compiler.Parse([]byte(doc), compiler.FormatJSON, "seed.json")
	require.NoError(t, err)
	res, err := rt.Start(ctx, obj)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	timer.FireDue()

	rt.Manager().Shutdown(ctx)
	require.NoError(t, rt.Close())
}

func TestStatus_EmptyDataDir(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, context.Background(), "--data-dir", dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "funf.db"))
	assert.Contains(t, out, "Pending records: 0")
	assert.Contains(t, out, "No sources registered")
}

func TestStatus_ShowsPersistedSources(t *testing.T) {
	dir := t.TempDir()
	seedDataDir(t, dir, `{"@type": "Basic", "data": [{"@probe": "Alarm", "interval": 30}]}`)

	out, err := execute(t, context.Background(), "--data-dir", dir, "--format", "json", "status")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   StatusResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(1), resp.Data.PendingRecords)
	require.Len(t, resp.Data.Sources, 1)

	src := resp.Data.Sources[0]
	assert.Equal(t, "probe.Alarm", src.Type)
	assert.Equal(t, 1, src.Requests)
	require.NotNil(t, src.LastRun)
	assert.True(t, t0.Equal(*src.LastRun))
}

func TestStatus_TextListsSources(t *testing.T) {
	dir := t.TempDir()
	seedDataDir(t, dir, `{"@type": "Basic", "data": [{"@probe": "Alarm", "interval": 30}]}`)

	out, err := execute(t, context.Background(), "--data-dir", dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Sources (1):")
	assert.Contains(t, out, "probe.Alarm")
	assert.Contains(t, out, "requests: 1")
	assert.Contains(t, out, "last run: 2026-05-01T08:00:00Z")
}

func TestStatus_BadConfig(t *testing.T) {
	out, err := execute(t, context.Background(), "--data-dir", t.TempDir(), "--log-format", "xml", "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "[E101]")
}
