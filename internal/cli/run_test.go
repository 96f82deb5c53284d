package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funf-org/funf/internal/store"
)

func TestRun_MissingDocument(t *testing.T) {
	out, err := execute(t, context.Background(), "--data-dir", t.TempDir(), "run", "/nonexistent/funf.json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "[E200]")
}

func TestRun_RequiresDocument(t *testing.T) {
	_, err := execute(t, context.Background(), "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestRun_StopsOnCancelAndKeepsRequests(t *testing.T) {
	dir := t.TempDir()
	doc := writeDoc(t, "funf.json", `{"main": {"@type": "Basic", "data": [{"@probe": "Alarm", "interval": 3600}]}}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "--data-dir", dir, "run", doc)
		done <- err
	}()

	dbPath := filepath.Join(dir, "funf.db")
	require.Eventually(t, func() bool {
		st, err := store.Open(dbPath)
		if err != nil {
			return false
		}
		defer st.Close()
		n, err := st.CountRecords(context.Background())
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond, "the alarm fires once on start")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	sources, err := st.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "probe.Alarm", sources[0].Type)
	assert.Equal(t, 1, sources[0].Requests)
}
