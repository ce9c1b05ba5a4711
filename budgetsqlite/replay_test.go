package budgetsqlite

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-budgetsync/budget"
)

type remoteCall struct {
	Op   budget.Operation
	Kind budget.EntityType
	ID   string
}

type remoteHandler func(ctx context.Context, call remoteCall, e budget.Entity) (budget.Entity, error)

// fakeRemote records dispatch order and the largest number of concurrent
// calls seen for a single entity.
type fakeRemote struct {
	mu          sync.Mutex
	calls       []remoteCall
	inFlight    map[string]int
	maxInFlight int
	handler     remoteHandler
	lists       map[budget.EntityType][]budget.Entity
}

func newFakeRemote(h remoteHandler) *fakeRemote {
	return &fakeRemote{inFlight: make(map[string]int), handler: h, lists: make(map[budget.EntityType][]budget.Entity)}
}

func (f *fakeRemote) setHandler(h remoteHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeRemote) call(ctx context.Context, c remoteCall, e budget.Entity) (budget.Entity, error) {
	key := laneKey(c.Kind, c.ID)
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.inFlight[key]++
	if f.inFlight[key] > f.maxInFlight {
		f.maxInFlight = f.inFlight[key]
	}
	h := f.handler
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight[key]--
		f.mu.Unlock()
	}()
	if h != nil {
		return h(ctx, c, e)
	}
	return e, nil
}

func (f *fakeRemote) Create(ctx context.Context, e budget.Entity) (budget.Entity, error) {
	return f.call(ctx, remoteCall{budget.OpCreate, e.EntityType(), e.EntityID()}, e)
}

func (f *fakeRemote) Update(ctx context.Context, e budget.Entity) (budget.Entity, error) {
	return f.call(ctx, remoteCall{budget.OpUpdate, e.EntityType(), e.EntityID()}, e)
}

func (f *fakeRemote) Delete(ctx context.Context, kind budget.EntityType, id string) error {
	_, err := f.call(ctx, remoteCall{budget.OpDelete, kind, id}, nil)
	return err
}

func (f *fakeRemote) List(_ context.Context, kind budget.EntityType) ([]budget.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[kind], nil
}

func (f *fakeRemote) callsFor(kind budget.EntityType, id string) []budget.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops []budget.Operation
	for _, c := range f.calls {
		if c.Kind == kind && c.ID == id {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testReplayConfig() *ReplayConfig {
	return &ReplayConfig{
		Workers:         4,
		BackoffMin:      time.Second,
		BackoffMax:      time.Minute,
		DispatchTimeout: 5 * time.Second,
		PollInterval:    20 * time.Millisecond,
	}
}

func newTestReplayer(t *testing.T, s *Store, remote Remote) *Replayer {
	t.Helper()
	r, err := NewReplayer(s, remote, testReplayConfig())
	require.NoError(t, err)
	return r
}

func enqueue(t *testing.T, s *Store, id string, kind budget.EntityType, op budget.Operation, payload string) SyncJob {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	job, err := s.Queue.Enqueue(context.Background(), id, kind, op, raw)
	require.NoError(t, err)
	return job
}

func TestReplayer_PerEntityOrderAcrossConcurrentEntities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	enqueue(t, s, "acc1", budget.EntityAccount, budget.OpCreate, `{"nom":"Chèques","solde":100.0}`)
	enqueue(t, s, "acc1", budget.EntityAccount, budget.OpUpdate, `{"nom":"Chèques","solde":80.0}`)
	enqueue(t, s, "acc2", budget.EntityAccount, budget.OpCreate, `{"nom":"Épargne","solde":0}`)
	enqueue(t, s, "acc1", budget.EntityAccount, budget.OpDelete, "")

	remote := newFakeRemote(func(ctx context.Context, c remoteCall, e budget.Entity) (budget.Entity, error) {
		time.Sleep(10 * time.Millisecond)
		return e, nil
	})
	r := newTestReplayer(t, s, remote)

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplayReport{Dispatched: 4, Done: 4}, report)

	require.Equal(t, []budget.Operation{budget.OpCreate, budget.OpUpdate, budget.OpDelete}, remote.callsFor(budget.EntityAccount, "acc1"))
	require.Equal(t, []budget.Operation{budget.OpCreate}, remote.callsFor(budget.EntityAccount, "acc2"))
	require.Equal(t, 1, remote.maxInFlight)

	n, err := s.Queue.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReplayer_JobEnqueuedMidFlightWaitsForItsEntity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	enqueue(t, s, "acc1", budget.EntityAccount, budget.OpCreate, `{"nom":"Chèques","solde":100.0}`)
	enqueue(t, s, "acc2", budget.EntityAccount, budget.OpCreate, `{"nom":"Épargne","solde":0}`)

	started := make(chan struct{})
	release := make(chan struct{})
	remote := newFakeRemote(func(ctx context.Context, c remoteCall, e budget.Entity) (budget.Entity, error) {
		if c.ID == "acc1" && c.Op == budget.OpCreate {
			close(started)
			<-release
		}
		return e, nil
	})
	r := newTestReplayer(t, s, remote)

	type result struct {
		report ReplayReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := r.RunOnce(ctx)
		done <- result{report, err}
	}()

	<-started
	enqueue(t, s, "acc1", budget.EntityAccount, budget.OpUpdate, `{"nom":"Chèques","solde":60.0}`)

	// acc2 is not held up by acc1.
	require.Eventually(t, func() bool {
		return len(remote.callsFor(budget.EntityAccount, "acc2")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []budget.Operation{budget.OpCreate}, remote.callsFor(budget.EntityAccount, "acc1"))

	close(release)
	first := <-done
	require.NoError(t, first.err)
	require.Equal(t, 2, first.report.Done)

	// The late update goes out on the next pass, after its create.
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Done)
	require.Equal(t, []budget.Operation{budget.OpCreate, budget.OpUpdate}, remote.callsFor(budget.EntityAccount, "acc1"))
	require.Equal(t, 1, remote.maxInFlight)
}

func TestReplayer_RecoverableFailureKeepsJobAndBlocksEntity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := enqueue(t, s, "acc1", budget.EntityAccount, budget.OpCreate, `{"nom":"Chèques"}`)
	enqueue(t, s, "acc1", budget.EntityAccount, budget.OpUpdate, `{"nom":"Chèques 2"}`)
	enqueue(t, s, "acc2", budget.EntityAccount, budget.OpCreate, `{"nom":"Épargne"}`)

	remote := newFakeRemote(func(ctx context.Context, c remoteCall, e budget.Entity) (budget.Entity, error) {
		if c.ID == "acc1" {
			return nil, &RemoteError{Op: "create", StatusCode: http.StatusServiceUnavailable}
		}
		return e, nil
	})
	r := newTestReplayer(t, s, remote)
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplayReport{Dispatched: 2, Done: 1, Deferred: 2}, report)
	require.Equal(t, []budget.Operation{budget.OpCreate}, remote.callsFor(budget.EntityAccount, "acc1"))

	jobs, err := s.Queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, first.ID, jobs[0].ID)

	// Still backing off: nothing is dispatched.
	report, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplayReport{Skipped: 2}, report)

	// Backoff elapsed and the remote recovered.
	now = now.Add(2 * time.Second)
	remote.setHandler(nil)
	report, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplayReport{Dispatched: 2, Done: 2}, report)
	require.Equal(t, []budget.Operation{budget.OpCreate, budget.OpCreate, budget.OpUpdate}, remote.callsFor(budget.EntityAccount, "acc1"))

	conflicts, err := s.ListConflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestReplayer_TerminalFailureRecordsConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rejected := enqueue(t, s, "env1", budget.EntityEnvelope, budget.OpUpdate, `{"nom":"Loyer","categorieId":"cat1"}`)
	enqueue(t, s, "env1", budget.EntityEnvelope, budget.OpDelete, "")

	remote := newFakeRemote(func(ctx context.Context, c remoteCall, e budget.Entity) (budget.Entity, error) {
		if c.Op == budget.OpUpdate {
			return nil, &RemoteError{Op: "update", StatusCode: http.StatusNotFound, Code: "not_found", Message: "Envelope env1: entity not found"}
		}
		return nil, nil
	})
	r := newTestReplayer(t, s, remote)

	var seen []Conflict
	r.OnConflict = func(c Conflict) { seen = append(seen, c) }

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplayReport{Dispatched: 2, Done: 1, Failed: 1}, report)

	conflicts, err := s.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, rejected.ID, conflicts[0].JobID)
	require.Equal(t, budget.OpUpdate, conflicts[0].OperationType)
	require.Contains(t, conflicts[0].Reason, "not_found")
	require.JSONEq(t, `{"nom":"Loyer","categorieId":"cat1"}`, string(conflicts[0].Payload))
	require.Len(t, seen, 1)
	require.Equal(t, conflicts[0].ID, seen[0].ID)

	n, err := s.Queue.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, s.DismissConflict(ctx, conflicts[0].ID))
	require.ErrorIs(t, s.DismissConflict(ctx, conflicts[0].ID), ErrNotFound)
}

func TestReplayer_UndecodablePayloadIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Written behind the queue's back, e.g. by an older app version.
	_, err := s.DB.Exec(`INSERT INTO sync_jobs (entityId, entityType, operationType, payload)
		VALUES ('t1', 'Tiers', 'Create', '{"nom":')`)
	require.NoError(t, err)

	remote := newFakeRemote(nil)
	r := newTestReplayer(t, s, remote)

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Zero(t, remote.callCount())

	conflicts, err := s.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
}

func TestReplayer_CancellationKeepsJob(t *testing.T) {
	s := newTestStore(t)
	job := enqueue(t, s, "tx1", budget.EntityTransaction, budget.OpCreate,
		`{"type":"Depense","montant":"12.50","date":"2025-03-14T00:00:00Z","compteId":"acc1"}`)

	started := make(chan struct{})
	remote := newFakeRemote(func(ctx context.Context, c remoteCall, e budget.Entity) (budget.Entity, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := newTestReplayer(t, s, remote)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := r.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)

	jobs, err := s.Queue.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, job.ID, jobs[0].ID)

	conflicts, err := s.ListConflicts(context.Background())
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestReplayer_DispatchTimeoutIsRecoverable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	enqueue(t, s, "t1", budget.EntityTiers, budget.OpCreate, `{"nom":"Boulangerie"}`)

	remote := newFakeRemote(func(ctx context.Context, c remoteCall, e budget.Entity) (budget.Entity, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testReplayConfig()
	cfg.DispatchTimeout = 20 * time.Millisecond
	r, err := NewReplayer(s, remote, cfg)
	require.NoError(t, err)

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Deferred)

	n, err := s.Queue.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestReplayer_WritesBackServerSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Accounts.Create(ctx, &budget.Account{ID: "acc1", Name: "Chèques"})
	require.NoError(t, err)

	remote := newFakeRemote(func(ctx context.Context, c remoteCall, e budget.Entity) (budget.Entity, error) {
		acc := *e.(*budget.Account)
		acc.ServerVersion = 7
		return &acc, nil
	})
	r := newTestReplayer(t, s, remote)

	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	got, err := s.Accounts.Get(ctx, "acc1")
	require.NoError(t, err)
	require.EqualValues(t, 7, got.ServerVersion)
}

func TestReplayer_SkipsWriteBackWhenNewerJobPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Accounts.Create(ctx, &budget.Account{ID: "acc1", Name: "Chèques"})
	require.NoError(t, err)
	_, err = s.Accounts.Update(ctx, &budget.Account{ID: "acc1", Name: "Compte courant"})
	require.NoError(t, err)

	remote := newFakeRemote(func(ctx context.Context, c remoteCall, e budget.Entity) (budget.Entity, error) {
		if c.Op == budget.OpUpdate {
			return nil, errors.New("connection reset")
		}
		acc := *e.(*budget.Account)
		acc.ServerVersion = 1
		return &acc, nil
	})
	r := newTestReplayer(t, s, remote)

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Done)
	require.Equal(t, 1, report.Deferred)

	got, err := s.Accounts.Get(ctx, "acc1")
	require.NoError(t, err)
	require.Equal(t, "Compte courant", got.Name)
	require.Zero(t, got.ServerVersion)
}

func TestReplayer_RunDrainsOnNotify(t *testing.T) {
	s := newTestStore(t)
	remote := newFakeRemote(nil)
	r := newTestReplayer(t, s, remote)
	r.config.PollInterval = time.Hour
	s.Queue.OnEnqueue(r.Notify)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	_, err := s.Allocations.Create(context.Background(), &budget.Allocation{ID: "al1", EnvelopeID: "env1", Month: "2025-03"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := s.Queue.Count(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []budget.Operation{budget.OpCreate}, remote.callsFor(budget.EntityAllocation, "al1"))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestNewReplayer_Validation(t *testing.T) {
	s := newTestStore(t)

	_, err := NewReplayer(nil, newFakeRemote(nil), nil)
	require.Error(t, err)
	_, err = NewReplayer(s, nil, nil)
	require.Error(t, err)

	cfg := testReplayConfig()
	cfg.Workers = 0
	_, err = NewReplayer(s, newFakeRemote(nil), cfg)
	require.Error(t, err)

	r, err := NewReplayer(s, newFakeRemote(nil), nil)
	require.NoError(t, err)
	require.Equal(t, 4, r.config.Workers)
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{40, time.Minute},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, calculateBackoff(tt.failures, time.Second, time.Minute), "failures=%d", tt.failures)
	}
}

func TestRemoteError_Terminal(t *testing.T) {
	terminal := []int{400, 404, 409, 422}
	for _, code := range terminal {
		require.True(t, (&RemoteError{StatusCode: code}).Terminal(), "status %d", code)
	}
	recoverable := []int{0, 401, 403, 408, 429, 500, 502, 503}
	for _, code := range recoverable {
		require.False(t, (&RemoteError{StatusCode: code}).Terminal(), "status %d", code)
	}
	require.True(t, isTerminal(budget.ErrInvalidPayload))
	require.False(t, isTerminal(context.DeadlineExceeded))
	require.False(t, isTerminal(errors.New("boom")))
}
