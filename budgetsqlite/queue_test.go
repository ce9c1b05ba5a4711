package budgetsqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-budgetsync/budget"
)

func TestQueue_EnqueueAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	j1, err := s.Queue.Enqueue(ctx, "acc1", budget.EntityAccount, budget.OpCreate, json.RawMessage(`{"nom":"Chèques","solde":100.0}`))
	require.NoError(t, err)
	j2, err := s.Queue.Enqueue(ctx, "acc1", budget.EntityAccount, budget.OpUpdate, json.RawMessage(`{"nom":"Chèques","solde":80.0}`))
	require.NoError(t, err)
	j3, err := s.Queue.Enqueue(ctx, "acc2", budget.EntityAccount, budget.OpCreate, json.RawMessage(`{"nom":"Épargne","solde":0}`))
	require.NoError(t, err)

	require.Less(t, j1.ID, j2.ID)
	require.Less(t, j2.ID, j3.ID)

	jobs, err := s.Queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, []int64{j1.ID, j2.ID, j3.ID}, []int64{jobs[0].ID, jobs[1].ID, jobs[2].ID})
	require.JSONEq(t, `{"nom":"Chèques","solde":100.0}`, string(jobs[0].Payload))
	require.False(t, jobs[0].EnqueuedAt.IsZero())
}

func TestQueue_PayloadRules(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Queue.Enqueue(ctx, "acc1", budget.EntityAccount, budget.OpDelete, nil)
	require.NoError(t, err)
	_, err = s.Queue.Enqueue(ctx, "acc1", budget.EntityAccount, budget.OpDelete, json.RawMessage(`null`))
	require.NoError(t, err)

	_, err = s.Queue.Enqueue(ctx, "acc1", budget.EntityAccount, budget.OpCreate, nil)
	require.ErrorIs(t, err, ErrPayloadRequired)
	_, err = s.Queue.Enqueue(ctx, "acc1", budget.EntityAccount, budget.OpUpdate, json.RawMessage(`null`))
	require.ErrorIs(t, err, ErrPayloadRequired)
	_, err = s.Queue.Enqueue(ctx, "acc1", budget.EntityAccount, budget.OpDelete, json.RawMessage(`{"nom":"x"}`))
	require.ErrorIs(t, err, ErrPayloadNotAllowed)

	_, err = s.Queue.Enqueue(ctx, "acc1", budget.EntityType("Budget"), budget.OpCreate, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrUnknownEntityType)
	_, err = s.Queue.Enqueue(ctx, "acc1", budget.EntityAccount, budget.OpCreate, json.RawMessage(`{"solde":"abc"}`))
	require.ErrorIs(t, err, budget.ErrInvalidPayload)
	_, err = s.Queue.Enqueue(ctx, "acc1", budget.EntityAccount, budget.OpCreate, json.RawMessage(`{"id":"acc9","nom":"x"}`))
	require.ErrorIs(t, err, budget.ErrInvalidPayload)

	n, err := s.Queue.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestQueue_RemoveExactlyOne(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	j1, err := s.Queue.Enqueue(ctx, "t1", budget.EntityTiers, budget.OpCreate, json.RawMessage(`{"nom":"A"}`))
	require.NoError(t, err)
	j2, err := s.Queue.Enqueue(ctx, "t1", budget.EntityTiers, budget.OpUpdate, json.RawMessage(`{"nom":"A"}`))
	require.NoError(t, err)

	require.NoError(t, s.Queue.Remove(ctx, j1))
	require.ErrorIs(t, s.Queue.Remove(ctx, j1), ErrNotFound)

	jobs, err := s.Queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, j2.ID, jobs[0].ID)
}

func TestQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "budget.db")

	s, err := Open(path, quietLogger())
	require.NoError(t, err)
	job, err := s.Queue.Enqueue(ctx, "env1", budget.EntityEnvelope, budget.OpDelete, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, quietLogger())
	require.NoError(t, err)
	defer s.Close()

	jobs, err := s.Queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, job.ID, jobs[0].ID)
	require.Equal(t, budget.OpDelete, jobs[0].OperationType)

	next, err := s.Queue.Enqueue(ctx, "env2", budget.EntityEnvelope, budget.OpDelete, nil)
	require.NoError(t, err)
	require.Greater(t, next.ID, job.ID)
}

func TestQueue_OnEnqueueHook(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	calls := 0
	s.Queue.OnEnqueue(func() { calls++ })

	_, err := s.Queue.Enqueue(ctx, "t1", budget.EntityTiers, budget.OpCreate, json.RawMessage(`{"nom":"A"}`))
	require.NoError(t, err)
	_, err = s.Tiers.Update(ctx, &budget.Tiers{ID: "t1", Name: "B"})
	require.NoError(t, err)
	_, err = s.Queue.Enqueue(ctx, "t1", budget.EntityTiers, budget.OpCreate, nil)
	require.Error(t, err)

	require.Equal(t, 2, calls)
}
