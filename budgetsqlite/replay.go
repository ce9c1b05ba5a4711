// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-budgetsync/budget"
)

// Remote is the remote service the replayer dispatches jobs to.
// Create and Update return the entity as stored remotely (nil is allowed).
// Delete of an entity the remote no longer has must succeed.
type Remote interface {
	Create(ctx context.Context, e budget.Entity) (budget.Entity, error)
	Update(ctx context.Context, e budget.Entity) (budget.Entity, error)
	Delete(ctx context.Context, kind budget.EntityType, id string) error
	List(ctx context.Context, kind budget.EntityType) ([]budget.Entity, error)
}

// ReplayConfig tunes the replayer.
type ReplayConfig struct {
	Workers         int           // entities drained concurrently, e.g. 4
	BackoffMin      time.Duration // 1s
	BackoffMax      time.Duration // 60s
	DispatchTimeout time.Duration // per remote call, e.g. 30s
	PollInterval    time.Duration // Run re-reads the queue this often, e.g. 2s
}

// DefaultReplayConfig returns the configuration used by the mobile app.
func DefaultReplayConfig() *ReplayConfig {
	return &ReplayConfig{
		Workers:         4,
		BackoffMin:      1 * time.Second,
		BackoffMax:      60 * time.Second,
		DispatchTimeout: 30 * time.Second,
		PollInterval:    2 * time.Second,
	}
}

// ReplayReport summarizes one pass over the queue.
type ReplayReport struct {
	Dispatched int // jobs sent to the remote
	Done       int // jobs confirmed and removed
	Failed     int // jobs rejected for good and moved to the conflict log
	Deferred   int // jobs left queued after a recoverable failure
	Skipped    int // jobs left queued because their entity is backing off
}

// Replayer drains the sync queue against a Remote.
//
// Jobs of the same entity are dispatched strictly in id order, one at a time;
// different entities are drained concurrently. A job is removed only after the
// remote confirms it, so nothing is lost if the process dies mid-pass.
type Replayer struct {
	store  *Store
	remote Remote
	config *ReplayConfig
	logger *slog.Logger

	// OnConflict, when set, is called after a job is moved to the conflict log.
	OnConflict func(Conflict)

	passMu  sync.Mutex
	backoff *backoffTracker
	wake    chan struct{}
	now     func() time.Time
}

// NewReplayer creates a replayer. A nil config uses DefaultReplayConfig.
func NewReplayer(store *Store, remote Remote, config *ReplayConfig) (*Replayer, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if config == nil {
		config = DefaultReplayConfig()
	}
	if config.Workers <= 0 {
		return nil, fmt.Errorf("config.Workers must be positive, got %d", config.Workers)
	}
	if config.BackoffMin <= 0 || config.BackoffMax < config.BackoffMin {
		return nil, fmt.Errorf("invalid backoff range %s..%s", config.BackoffMin, config.BackoffMax)
	}
	return &Replayer{
		store:   store,
		remote:  remote,
		config:  config,
		logger:  store.logger,
		backoff: newBackoffTracker(config.BackoffMin, config.BackoffMax),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}, nil
}

// Notify asks a running Run loop to start a pass now. It never blocks.
func (r *Replayer) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ResetBackoff forgets every per-entity backoff, e.g. when connectivity returns.
func (r *Replayer) ResetBackoff() {
	r.backoff.clear()
}

// lane is the ordered run of pending jobs for one entity.
type lane struct {
	key  string
	jobs []SyncJob
}

func laneKey(kind budget.EntityType, id string) string {
	return string(kind) + "/" + id
}

func groupLanes(jobs []SyncJob) []lane {
	index := make(map[string]int)
	lanes := make([]lane, 0)
	for _, job := range jobs {
		key := laneKey(job.EntityType, job.EntityID)
		i, ok := index[key]
		if !ok {
			i = len(lanes)
			index[key] = i
			lanes = append(lanes, lane{key: key})
		}
		lanes[i].jobs = append(lanes[i].jobs, job)
	}
	return lanes
}

// RunOnce performs a single pass: every job pending when the pass starts is
// dispatched at most once. Passes never overlap. The returned error reports
// local storage failures or cancellation of ctx; remote failures are reflected
// in the report only.
func (r *Replayer) RunOnce(ctx context.Context) (ReplayReport, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	var report ReplayReport
	jobs, err := r.store.Queue.ListPending(ctx)
	if err != nil {
		return report, err
	}
	if len(jobs) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Workers)

	now := r.now()
	for _, l := range groupLanes(jobs) {
		if !r.backoff.ready(l.key, now) {
			report.Skipped += len(l.jobs)
			continue
		}
		g.Go(func() error {
			res, err := r.drainLane(gctx, l)
			mu.Lock()
			report.Dispatched += res.Dispatched
			report.Done += res.Done
			report.Failed += res.Failed
			report.Deferred += res.Deferred
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()

	r.logger.Debug("replay pass finished",
		"dispatched", report.Dispatched, "done", report.Done, "failed", report.Failed,
		"deferred", report.Deferred, "skipped", report.Skipped)
	if err == nil {
		err = ctx.Err()
	}
	return report, err
}

type jobOutcome int

const (
	outcomeDone jobOutcome = iota
	outcomeFailed
	outcomeRetry
)

// drainLane dispatches one entity's jobs in order. It stops at the first
// recoverable failure so no later job for the entity overtakes it.
func (r *Replayer) drainLane(ctx context.Context, l lane) (ReplayReport, error) {
	var res ReplayReport
	for i, job := range l.jobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Dispatched++
		outcome, err := r.process(ctx, job)
		if err != nil {
			return res, err
		}
		switch outcome {
		case outcomeDone:
			res.Done++
		case outcomeFailed:
			res.Failed++
		case outcomeRetry:
			res.Deferred += len(l.jobs) - i
			delay := r.backoff.fail(l.key, r.now())
			r.logger.Debug("entity backing off", "entity", l.key, "delay", delay)
			return res, nil
		}
	}
	r.backoff.reset(l.key)
	return res, nil
}

// process dispatches a single job and applies the result locally.
func (r *Replayer) process(ctx context.Context, job SyncJob) (jobOutcome, error) {
	var entity budget.Entity
	if job.OperationType.RequiresPayload() {
		e, err := budget.DecodePayloadFor(job.EntityType, job.EntityID, job.Payload)
		if err != nil {
			return r.fail(ctx, job, err)
		}
		entity = e
	}

	result, err := r.dispatch(ctx, job, entity)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by the caller: leave the job for the next pass.
			return outcomeRetry, ctx.Err()
		}
		if isTerminal(err) {
			return r.fail(ctx, job, err)
		}
		r.logger.Warn("sync job failed, will retry",
			"job_id", job.ID, "entity_type", job.EntityType, "entity_id", job.EntityID,
			"op", job.OperationType, "error", err)
		return outcomeRetry, nil
	}

	// The remote already applied the job; record that even if ctx is cancelled now.
	if err := r.complete(context.WithoutCancel(ctx), job, result); err != nil {
		return outcomeRetry, err
	}
	return outcomeDone, nil
}

func (r *Replayer) dispatch(ctx context.Context, job SyncJob, entity budget.Entity) (budget.Entity, error) {
	dctx, cancel := context.WithTimeout(ctx, r.config.DispatchTimeout)
	defer cancel()

	switch job.OperationType {
	case budget.OpCreate:
		return r.remote.Create(dctx, entity)
	case budget.OpUpdate:
		return r.remote.Update(dctx, entity)
	case budget.OpDelete:
		return nil, r.remote.Delete(dctx, job.EntityType, job.EntityID)
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", budget.ErrInvalidPayload, job.OperationType)
	}
}

// complete removes a confirmed job and, when nothing newer is queued for the
// entity, stores the remote's version of it.
func (r *Replayer) complete(ctx context.Context, job SyncJob, result budget.Entity) error {
	tx, err := r.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := removeJobTx(ctx, tx, job.ID); err != nil {
		return err
	}

	if result != nil && job.OperationType != budget.OpDelete && result.EntityType() == job.EntityType {
		var later int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sync_jobs WHERE entityType = ? AND entityId = ?`,
			string(job.EntityType), job.EntityID).Scan(&later); err != nil {
			return fmt.Errorf("failed to count pending jobs: %w", err)
		}
		if later == 0 && result.EntityID() == job.EntityID {
			table, err := r.store.table(job.EntityType)
			if err != nil {
				return err
			}
			if err := table.upsertEntityTx(ctx, tx, result); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job %d: %w", job.ID, err)
	}
	r.logger.Debug("sync job applied",
		"job_id", job.ID, "entity_type", job.EntityType, "entity_id", job.EntityID, "op", job.OperationType)
	return nil
}

// fail moves a permanently rejected job to the conflict log.
func (r *Replayer) fail(ctx context.Context, job SyncJob, cause error) (jobOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	tx, err := r.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return outcomeRetry, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := removeJobTx(ctx, tx, job.ID); err != nil {
		return outcomeRetry, err
	}
	conflict, err := recordConflictTx(ctx, tx, job, cause.Error())
	if err != nil {
		return outcomeRetry, err
	}
	if err := tx.Commit(); err != nil {
		return outcomeRetry, fmt.Errorf("failed to commit conflict for job %d: %w", job.ID, err)
	}

	r.logger.Warn("sync job rejected",
		"job_id", job.ID, "entity_type", job.EntityType, "entity_id", job.EntityID,
		"op", job.OperationType, "reason", cause.Error())
	if r.OnConflict != nil {
		r.OnConflict(conflict)
	}
	return outcomeFailed, nil
}

// removeJobTx deletes a job by id. A job already gone (e.g. after Reset) is not an error.
func removeJobTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove sync job %d: %w", id, err)
	}
	return nil
}

// Run replays the queue until ctx is cancelled. A pass starts on every
// PollInterval tick and whenever Notify is called.
func (r *Replayer) Run(ctx context.Context) error {
	r.logger.Info("replayer started", "workers", r.config.Workers)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("replayer stopped")
			return ctx.Err()
		case <-timer.C:
		case <-r.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if _, err := r.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				r.logger.Info("replayer stopped")
				return ctx.Err()
			}
			r.logger.Error("replay pass failed", "error", err)
		}
		timer.Reset(r.nextDelay())
	}
}

// nextDelay is the poll interval, shortened when an entity's backoff expires sooner.
func (r *Replayer) nextDelay() time.Duration {
	d := r.config.PollInterval
	now := r.now()
	if next := r.backoff.nextRetry(now); !next.IsZero() {
		if until := next.Sub(now); until < d {
			d = until
		}
	}
	return d
}
