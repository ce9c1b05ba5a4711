package budgetsqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-budgetsync/budget"
)

func TestHydrate_ReplacesSnapshotButKeepsPendingRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Stale row the remote no longer has.
	require.NoError(t, s.Accounts.SaveAll(ctx, []*budget.Account{{ID: "old", Name: "Ancien"}}))
	// Local edit not yet replayed.
	_, err := s.Accounts.Update(ctx, &budget.Account{ID: "acc1", Name: "Renamed locally"})
	require.NoError(t, err)

	remote := newFakeRemote(nil)
	remote.lists[budget.EntityAccount] = []budget.Entity{
		&budget.Account{ID: "acc1", Name: "Server name", SyncMeta: budget.SyncMeta{ServerVersion: 3}},
		&budget.Account{ID: "acc2", Name: "Épargne", SyncMeta: budget.SyncMeta{ServerVersion: 1}},
	}
	remote.lists[budget.EntityCategory] = []budget.Entity{
		&budget.Category{ID: "cat1", Name: "Fixes"},
	}

	written, err := s.Hydrate(ctx, remote)
	require.NoError(t, err)
	require.Equal(t, 1, written[budget.EntityAccount])
	require.Equal(t, 1, written[budget.EntityCategory])
	require.Zero(t, written[budget.EntityTransaction])

	accounts, err := s.Accounts.GetAll(ctx)
	require.NoError(t, err)
	byID := make(map[string]*budget.Account)
	for _, a := range accounts {
		byID[a.ID] = a
	}
	require.Len(t, byID, 2)
	require.NotContains(t, byID, "old")
	require.Equal(t, "Renamed locally", byID["acc1"].Name)
	require.EqualValues(t, 1, byID["acc2"].ServerVersion)

	cats, err := s.Categories.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 1)

	// Hydration never touches the queue.
	n, err := s.Queue.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

// replayingRemote runs a replay pass while the remote is listing, the way a
// background replayer can interleave with hydration.
type replayingRemote struct {
	*fakeRemote
	replay func()
}

func (r *replayingRemote) List(ctx context.Context, kind budget.EntityType) ([]budget.Entity, error) {
	items, err := r.fakeRemote.List(ctx, kind)
	if kind == budget.EntityAccount && r.replay != nil {
		r.replay()
	}
	return items, err
}

func TestHydrate_KeepsRowConfirmedDuringFetch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Accounts.Create(ctx, &budget.Account{ID: "acc1", Name: "Chèques"})
	require.NoError(t, err)

	fake := newFakeRemote(nil)
	r := newTestReplayer(t, s, fake)
	remote := &replayingRemote{fakeRemote: fake}
	remote.replay = func() {
		report, err := r.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Done)
	}

	// The listed snapshot predates the Create reaching the remote.
	_, err = s.Hydrate(ctx, remote)
	require.NoError(t, err)

	got, err := s.Accounts.Get(ctx, "acc1")
	require.NoError(t, err)
	require.Equal(t, "Chèques", got.Name)
	require.Equal(t, []budget.Operation{budget.OpCreate}, fake.callsFor(budget.EntityAccount, "acc1"))

	n, err := s.Queue.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReplayer_HydrateWaitsForPass(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Accounts.Create(ctx, &budget.Account{ID: "acc1", Name: "Chèques"})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	fake := newFakeRemote(func(_ context.Context, _ remoteCall, e budget.Entity) (budget.Entity, error) {
		close(started)
		<-release
		return e, nil
	})
	fake.lists[budget.EntityAccount] = []budget.Entity{
		&budget.Account{ID: "acc1", Name: "Chèques", SyncMeta: budget.SyncMeta{ServerVersion: 1}},
	}
	r := newTestReplayer(t, s, fake)

	passDone := make(chan error, 1)
	go func() {
		_, err := r.RunOnce(ctx)
		passDone <- err
	}()
	<-started

	hydrated := make(chan error, 1)
	go func() {
		_, err := r.Hydrate(ctx)
		hydrated <- err
	}()

	select {
	case <-hydrated:
		t.Fatal("hydration ran while a replay pass was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-passDone)
	require.NoError(t, <-hydrated)

	got, err := s.Accounts.Get(ctx, "acc1")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.ServerVersion)
}
