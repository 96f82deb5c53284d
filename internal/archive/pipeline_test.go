package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funf-org/funf/internal/metric"
	"github.com/funf-org/funf/internal/testutil"
)

// fakeRemote fails the first failFirst uploads, or every upload when
// failFirst is negative.
type fakeRemote struct {
	id string

	mu        sync.Mutex
	failFirst int
	calls     int
	stored    map[string][]byte
}

func newFakeRemote(id string, failFirst int) *fakeRemote {
	return &fakeRemote{id: id, failFirst: failFirst, stored: map[string][]byte{}}
}

func (f *fakeRemote) ID() string { return f.id }

func (f *fakeRemote) Add(_ context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFirst < 0 || f.calls <= f.failFirst {
		return errors.New("503 service unavailable")
	}
	f.stored[name] = append([]byte(nil), data...)
	return nil
}

func (f *fakeRemote) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) setFailing(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFirst = n
	f.calls = 0
}

type toggleConn struct {
	mu     sync.Mutex
	online bool
}

func (c *toggleConn) IsOnline(context.Context, Network) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *toggleConn) set(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
}

func noBackoff() Config {
	return Config{MaxItemRetries: 3, MaxDestinationRetries: 6}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocal(t *testing.T, ids ...string) *DirArchive {
	t.Helper()
	local, err := NewDirArchive(t.TempDir())
	require.NoError(t, err)
	for _, id := range ids {
		_, err := local.Add(context.Background(), id, []byte(`{"batch":"`+id+`"}`+"\n"))
		require.NoError(t, err)
	}
	return local
}

func TestPipeline_UploadRemovesLocalEntry(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t, "b1")
	remote := newFakeRemote("r", 0)
	m := metric.New()
	p := NewPipeline(local, []RemoteArchive{remote}, WithConfig(noBackoff()), WithLogger(discard()), WithMetrics(m))

	added, err := p.Enqueue(Item{LocalID: "b1", RemoteID: "r"})
	require.NoError(t, err)
	require.True(t, added)
	require.NoError(t, p.Flush(ctx))

	assert.Equal(t, []byte(`{"batch":"b1"}`+"\n"), remote.stored["b1"])
	ids, err := local.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, p.Pending())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.UploadsTotal.WithLabelValues("r", "success")))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.ArchiveQueue))
}

// An item whose upload fails MaxItemRetries times is dropped
// with a permanent-failure log entry.
func TestPipeline_ItemDroppedAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	local := newLocal(t, "b1")
	remote := newFakeRemote("r", -1)
	p := NewPipeline(local, []RemoteArchive{remote}, WithConfig(noBackoff()), WithLogger(logger))

	item := Item{LocalID: "b1", RemoteID: "r"}
	_, err := p.Enqueue(item)
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))

	assert.Equal(t, 3, remote.Calls())
	assert.False(t, p.Contains(item))
	assert.Empty(t, p.Pending())
	assert.Contains(t, logs.String(), "upload failed permanently")
	assert.Contains(t, logs.String(), `"local_id":"b1"`)

	ids, err := local.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids, "a dropped item keeps its local batch")
}

func TestPipeline_EnqueueDeduplicates(t *testing.T) {
	p := NewPipeline(newLocal(t, "b1"), []RemoteArchive{newFakeRemote("r", 0), newFakeRemote("s", 0)}, WithLogger(discard()))

	added, err := p.Enqueue(Item{LocalID: "b1", RemoteID: "r"})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = p.Enqueue(Item{LocalID: "b1", RemoteID: "r", Attempts: 2})
	require.NoError(t, err)
	assert.False(t, added)
	added, err = p.Enqueue(Item{LocalID: "b1", RemoteID: "s"})
	require.NoError(t, err)
	assert.True(t, added, "same batch, other destination")

	assert.Len(t, p.Pending(), 2)

	_, err = p.Enqueue(Item{LocalID: "b1", RemoteID: "nowhere"})
	assert.Error(t, err)
}

func TestPipeline_BlockedDestinationParksUntilNewEnqueue(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t, "a", "b")
	remote := newFakeRemote("r", -1)
	cfg := Config{MaxItemRetries: 5, MaxDestinationRetries: 2}
	p := NewPipeline(local, []RemoteArchive{remote}, WithConfig(cfg), WithLogger(discard()))

	_, err := p.Enqueue(Item{LocalID: "a", RemoteID: "r"})
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))

	assert.Equal(t, 2, remote.Calls(), "destination budget stops further attempts")
	assert.Equal(t, 2, p.DestinationFailures("r"))
	pending := p.Pending()
	require.Len(t, pending, 1, "parked, not dropped")
	assert.Equal(t, 2, pending[0].Attempts)

	remote.setFailing(0)
	_, err = p.Enqueue(Item{LocalID: "b", RemoteID: "r"})
	require.NoError(t, err)
	assert.Equal(t, 0, p.DestinationFailures("r"))
	require.NoError(t, p.Flush(ctx))

	assert.Contains(t, remote.stored, "a")
	assert.Contains(t, remote.stored, "b")
	assert.Empty(t, p.Pending())
}

func TestPipeline_RepeatedEnqueueReleasesParkedItem(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote("r", -1)
	cfg := Config{MaxItemRetries: 5, MaxDestinationRetries: 2}
	p := NewPipeline(newLocal(t, "a"), []RemoteArchive{remote}, WithConfig(cfg), WithLogger(discard()))

	_, err := p.Enqueue(Item{LocalID: "a", RemoteID: "r"})
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))
	require.Len(t, p.Pending(), 1)
	require.Equal(t, 2, p.DestinationFailures("r"))

	remote.setFailing(0)
	added, err := p.Enqueue(Item{LocalID: "a", RemoteID: "r"})
	require.NoError(t, err)
	assert.False(t, added, "no second copy")
	assert.Equal(t, 0, p.DestinationFailures("r"))
	assert.Len(t, p.Pending(), 1)

	require.NoError(t, p.Flush(ctx))
	assert.Contains(t, remote.stored, "a")
	assert.Empty(t, p.Pending())
}

func TestPipeline_EnqueueAllReleasesParkedBatches(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote("r", -1)
	cfg := Config{MaxItemRetries: 5, MaxDestinationRetries: 2}
	p := NewPipeline(newLocal(t, "a"), []RemoteArchive{remote}, WithConfig(cfg), WithLogger(discard()))

	added, err := p.EnqueueAll(ctx, "r", NetworkAny)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.NoError(t, p.Flush(ctx))
	require.Len(t, p.Pending(), 1)

	remote.setFailing(0)
	added, err = p.EnqueueAll(ctx, "r", NetworkAny)
	require.NoError(t, err)
	assert.Zero(t, added)
	require.NoError(t, p.Flush(ctx))

	assert.Contains(t, remote.stored, "a")
	assert.Empty(t, p.Pending())
}

func TestPipeline_SuccessResetsDestinationFailures(t *testing.T) {
	remote := newFakeRemote("r", 1)
	p := NewPipeline(newLocal(t, "a"), []RemoteArchive{remote}, WithConfig(noBackoff()), WithLogger(discard()))

	_, err := p.Enqueue(Item{LocalID: "a", RemoteID: "r"})
	require.NoError(t, err)
	require.NoError(t, p.Flush(context.Background()))

	assert.Equal(t, 2, remote.Calls())
	assert.Equal(t, 0, p.DestinationFailures("r"))
	assert.Contains(t, remote.stored, "a")
}

func TestPipeline_OfflineItemsWaitForConnectivity(t *testing.T) {
	ctx := context.Background()
	conn := &toggleConn{}
	remote := newFakeRemote("r", 0)
	p := NewPipeline(newLocal(t, "a"), []RemoteArchive{remote},
		WithConfig(noBackoff()), WithLogger(discard()), WithConnectivity(conn))

	_, err := p.Enqueue(Item{LocalID: "a", RemoteID: "r", Network: NetworkUnmetered})
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))
	assert.Zero(t, remote.Calls())
	require.Len(t, p.Pending(), 1)
	assert.Zero(t, p.Pending()[0].Attempts, "offline is not an attempt")

	p.Recheck(ctx)
	require.NoError(t, p.Flush(ctx))
	assert.Zero(t, remote.Calls())

	conn.set(true)
	p.Recheck(ctx)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 1, remote.Calls())
	assert.Empty(t, p.Pending())
}

func TestPipeline_BackoffDelaysRetry(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	remote := newFakeRemote("r", 1)
	cfg := Config{MaxItemRetries: 3, MaxDestinationRetries: 6, InitialDelay: time.Minute, MaxDelay: time.Hour, Multiplier: 2}
	p := NewPipeline(newLocal(t, "a"), []RemoteArchive{remote},
		WithConfig(cfg), WithLogger(discard()), WithClock(clock.Now))

	_, err := p.Enqueue(Item{LocalID: "a", RemoteID: "r"})
	require.NoError(t, err)

	progressed, _ := p.step(ctx)
	require.True(t, progressed)
	progressed, wait := p.step(ctx)
	assert.False(t, progressed)
	assert.Equal(t, time.Minute, wait)

	clock.Advance(time.Minute)
	progressed, _ = p.step(ctx)
	assert.True(t, progressed)
	assert.Contains(t, remote.stored, "a")
}

func TestPipeline_BackoffGrowsAndCaps(t *testing.T) {
	p := NewPipeline(newLocal(t), nil, WithConfig(Config{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}))
	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 5*time.Second, p.backoff(4))
	assert.Equal(t, 5*time.Second, p.backoff(10))
}

func TestPipeline_RunUploadsUntilCancelled(t *testing.T) {
	remote := newFakeRemote("r", 0)
	p := NewPipeline(newLocal(t, "a", "b"), []RemoteArchive{remote}, WithConfig(noBackoff()), WithLogger(discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	n, err := p.EnqueueAll(ctx, "r", NetworkAny)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool { return remote.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParseNetwork(t *testing.T) {
	n, err := ParseNetwork("wifi")
	require.NoError(t, err)
	assert.Equal(t, NetworkUnmetered, n)
	n, err = ParseNetwork("")
	require.NoError(t, err)
	assert.Equal(t, NetworkAny, n)
	_, err = ParseNetwork("carrier pigeon")
	assert.Error(t, err)
}

func TestPipeline_AddRemoteMakesDestinationAvailable(t *testing.T) {
	p := NewPipeline(newLocal(t, "a"), nil, WithConfig(noBackoff()), WithLogger(discard()))
	_, err := p.Enqueue(Item{LocalID: "a", RemoteID: "late"})
	require.Error(t, err)

	remote := newFakeRemote("late", 0)
	p.AddRemote(remote)
	assert.Equal(t, []string{"late"}, p.Destinations())

	_, err = p.Enqueue(Item{LocalID: "a", RemoteID: "late"})
	require.NoError(t, err)
	require.NoError(t, p.Flush(context.Background()))
	assert.Contains(t, remote.stored, "a")
}

func TestPipeline_SharedBatchKeptUntilEveryDestinationUploads(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t, "b1")
	first, second := newFakeRemote("a", 0), newFakeRemote("b", 0)
	p := NewPipeline(local, []RemoteArchive{first, second}, WithConfig(noBackoff()), WithLogger(discard()))

	n, err := p.EnqueueAll(ctx, "a", NetworkAny)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = p.EnqueueAll(ctx, "b", NetworkAny)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, p.Flush(ctx))

	assert.Contains(t, first.stored, "b1")
	assert.Contains(t, second.stored, "b1")
	ids, err := local.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
