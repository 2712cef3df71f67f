package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

func TestLog_AppendRejectsDuplicateSequence(t *testing.T) {
	db := setupEventsDB(t)
	insertRun(t, db, "run-1")

	log := NewLog(db)
	ctx := context.Background()

	event := Event{
		RunID:     "run-1",
		Sequence:  1,
		Type:      EventRunStart,
		Timestamp: time.Now().UTC(),
		Payload:   json.RawMessage(`{"target":"juice_shop"}`),
	}
	require.NoError(t, log.Append(ctx, event))

	err := log.Append(ctx, event)
	require.Error(t, err)
	assert.Equal(t, types.DB_QUERY_FAILED, types.CodeOf(err))
}

func TestLog_RangeAndAfter(t *testing.T) {
	db := setupEventsDB(t)
	insertRun(t, db, "run-1")

	log := NewLog(db)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, log.Append(ctx, Event{
			RunID:     "run-1",
			Sequence:  seq,
			Type:      EventStepResult,
			Timestamp: time.Now().UTC(),
		}))
	}

	window, err := log.Range(ctx, "run-1", 2, 4)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, int64(2), window[0].Sequence)
	assert.Equal(t, int64(4), window[2].Sequence)

	tail, err := log.After(ctx, "run-1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].Sequence)
	assert.Equal(t, int64(5), tail[1].Sequence)

	empty, err := log.After(ctx, "run-1", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLog_LastSequence(t *testing.T) {
	db := setupEventsDB(t)
	insertRun(t, db, "run-1")

	log := NewLog(db)
	ctx := context.Background()

	last, err := log.LastSequence(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), last, "a run with no events starts at zero")

	require.NoError(t, log.Append(ctx, Event{RunID: "run-1", Sequence: 1, Type: EventRunStart, Timestamp: time.Now().UTC()}))
	require.NoError(t, log.Append(ctx, Event{RunID: "run-1", Sequence: 2, Type: EventRunEnd, Timestamp: time.Now().UTC()}))

	last, err = log.LastSequence(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestLog_EmptyPayloadStoredAsObject(t *testing.T) {
	db := setupEventsDB(t)
	insertRun(t, db, "run-1")

	log := NewLog(db)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, Event{RunID: "run-1", Sequence: 1, Type: EventRunStart, Timestamp: time.Now().UTC()}))

	logged, err := log.After(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.JSONEq(t, `{}`, string(logged[0].Payload))
}
