package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funf-org/funf/internal/ir"
)

func TestRunState_NeverRan(t *testing.T) {
	s := createTestStore(t)

	last, params, err := s.LoadRunState(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, last.IsZero())
	assert.Empty(t, params.Requesters)
}

func TestRunState_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	params := ir.RunParams{
		Schedule:   ir.Schedule{Period: 10 * time.Second, End: testEpoch.Add(time.Hour)},
		Extra:      ir.Object{"mode": ir.String("fast")},
		Requesters: []string{"a", "b"},
	}
	require.NoError(t, s.SaveRunState(ctx, "k", testEpoch, params))
	require.NoError(t, s.SaveRunState(ctx, "k", testEpoch.Add(10*time.Second), params))

	last, got, err := s.LoadRunState(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(10*time.Second), last)
	assert.Equal(t, params.Schedule, got.Schedule)
	assert.Equal(t, params.Requesters, got.Requesters)
	assert.True(t, ir.Equal(params.Extra, got.Extra))
}

func TestCheckpoint_Opaque(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadCheckpoint(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	cp := json.RawMessage(`{"files":{"/tmp/a":3}}`)
	require.NoError(t, s.SaveCheckpoint(ctx, "k", cp))
	cp2 := json.RawMessage(`{"files":{"/tmp/a":4}}`)
	require.NoError(t, s.SaveCheckpoint(ctx, "k", cp2))

	got, ok, err := s.LoadCheckpoint(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, string(cp2), string(got))
}

func TestListSources_Status(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	spec := ir.NewSourceSpec("probe.Alarm", ir.Object{"interval": ir.Int(60)})
	key := ir.MustSourceKey(spec)
	require.NoError(t, s.RegisterSource(ctx, key, spec))
	require.NoError(t, s.RegisterSource(ctx, key, spec))
	require.NoError(t, s.PutRequest(ctx, key, createTestRequest("a", time.Minute)))
	require.NoError(t, s.SaveRunState(ctx, key, testEpoch, ir.RunParams{}))
	require.NoError(t, s.SaveCheckpoint(ctx, key, json.RawMessage(`1`)))

	got, err := s.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, key, got[0].Key)
	assert.Equal(t, "probe.Alarm", got[0].Type)
	assert.Equal(t, `{"interval":60}`, got[0].Config)
	assert.Equal(t, 1, got[0].Requests)
	assert.Equal(t, testEpoch, got[0].LastRun)
	assert.True(t, got[0].HasCheckpoint)
}
