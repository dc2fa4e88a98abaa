// Package replication keeps the local store and the remote replica in sync.
// Each round pushes locally-originated changes and pulls the remote change
// feed concurrently; both sides resolve competing revisions with the same
// deterministic winner rule, so they converge without coordination.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/infra/observability"
	"github.com/boddenberg/walletsync-go/internal/infra/resilience"
	"github.com/boddenberg/walletsync-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("replication")

// Checkpoint names in the local store.
const (
	checkpointPush = "replication.push"
	checkpointPull = "replication.pull"
)

// Options configures the replication loop.
type Options struct {
	Interval         time.Duration // poll interval when nothing wakes the loop
	BatchSize        int
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxConcurrency   int // concurrent remote requests
}

// Replicator runs continuous bidirectional sync between a local store and a
// remote replica.
type Replicator struct {
	local    port.ReplicaStore
	remote   port.RemoteStore
	opts     Options
	metrics  *observability.Metrics
	logger   *zap.Logger
	bulkhead *resilience.Bulkhead
	backoff  resilience.Backoff

	// round admits one sync round at a time; push and pull run concurrently
	// inside it. Waiting for it honours the caller's context.
	round     *semaphore.Weighted
	dbEnsured bool

	mu          sync.Mutex
	status      domain.SyncStatus
	wake        chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

// New creates a replicator. It does nothing until Start, SyncOnce, Handshake
// or Flush is called.
func New(local port.ReplicaStore, remote port.RemoteStore, opts Options, metrics *observability.Metrics, logger *zap.Logger) *Replicator {
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	return &Replicator{
		local:    local,
		remote:   remote,
		opts:     opts,
		metrics:  metrics,
		logger:   logger.Named("replication"),
		bulkhead: resilience.NewBulkhead(opts.MaxConcurrency),
		backoff:  resilience.Exponential(opts.InitialBackoff, opts.MaxBackoff),
		round:    semaphore.NewWeighted(1),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the live replication loop. Local writes wake it at once;
// otherwise it runs every Interval. Failures are logged and retried with
// capped exponential backoff. Start is a no-op when already running.
func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.status.Running = true
	r.unsubscribe = r.local.Subscribe(func(c domain.Change) {
		if c.Origin == domain.OriginLocal {
			r.notify()
		}
	})

	go r.loop(ctx, r.done)
	r.logger.Info("replication started",
		zap.Duration("interval", r.opts.Interval),
		zap.Int("batch_size", r.opts.BatchSize),
	)
}

// Stop ends the live loop and waits for the current round to finish.
func (r *Replicator) Stop() {
	r.mu.Lock()
	cancel, done, unsubscribe := r.cancel, r.done, r.unsubscribe
	r.cancel, r.done, r.unsubscribe = nil, nil, nil
	r.status.Running = false
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	unsubscribe()
	cancel()
	<-done
	r.logger.Info("replication stopped")
}

func (r *Replicator) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Replicator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	failures := 0

	for {
		// While backing off, local writes do not cut the wait short.
		wake := r.wake
		if failures > 0 {
			wake = nil
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-timer.C:
		}

		err := r.SyncOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := r.opts.Interval
		if err != nil {
			failures++
			wait = r.backoff(failures)
			r.logger.Warn("replication round failed, backing off",
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
		} else {
			failures = 0
		}
		timer.Reset(wait)
	}
}

// SyncOnce runs one push and pull round.
func (r *Replicator) SyncOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Replicator.SyncOnce")
	defer span.End()

	if err := r.acquireRound(ctx, observability.DirectionHandshake); err != nil {
		return err
	}
	defer r.round.Release(1)

	if !r.dbEnsured {
		if err := r.remote.EnsureDatabase(ctx); err != nil {
			return r.fail(observability.DirectionHandshake, err)
		}
		r.dbEnsured = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.push(gctx) })
	g.Go(func() error { return r.pull(gctx) })
	return g.Wait()
}

// Handshake runs one round bounded by HandshakeTimeout. It reports whether
// the round completed; a failure is logged and never returned, so callers
// proceed with local data.
func (r *Replicator) Handshake(ctx context.Context) bool {
	timeout := r.opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.SyncOnce(ctx); err != nil {
		r.logger.Warn("handshake sync did not complete, continuing with local data",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Flush pushes pending local changes now.
func (r *Replicator) Flush(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Replicator.Flush")
	defer span.End()

	if err := r.acquireRound(ctx, observability.DirectionPush); err != nil {
		return err
	}
	defer r.round.Release(1)

	if !r.dbEnsured {
		if err := r.remote.EnsureDatabase(ctx); err != nil {
			return r.fail(observability.DirectionHandshake, err)
		}
		r.dbEnsured = true
	}
	return r.push(ctx)
}

// Status returns a snapshot of the replication state.
func (r *Replicator) Status() domain.SyncStatus {
	r.mu.Lock()
	st := r.status
	r.mu.Unlock()

	if r.metrics != nil {
		st.DocsPushed, st.DocsPulled, st.Errors = r.metrics.ReplicationTotals()
	}
	return st
}

// push sends locally-originated changes after the push checkpoint in
// batches, advancing the checkpoint after each accepted batch.
func (r *Replicator) push(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Replicator.push")
	defer span.End()

	raw, err := r.local.Checkpoint(ctx, checkpointPush)
	if err != nil {
		return r.fail(observability.DirectionPush, err)
	}
	since, _ := strconv.ParseInt(raw, 10, 64)

	total := 0
	for {
		changes, err := r.local.ChangesSince(ctx, since, r.opts.BatchSize)
		if err != nil {
			return r.fail(observability.DirectionPush, err)
		}
		if len(changes) == 0 {
			break
		}

		docs := make([]domain.ReplicaDoc, 0, len(changes))
		for _, c := range changes {
			docs = append(docs, c.Doc)
		}
		if err := r.withBulkhead(ctx, func() error { return r.remote.BulkDocs(ctx, docs) }); err != nil {
			return r.fail(observability.DirectionPush, err)
		}

		since = changes[len(changes)-1].Seq
		if err := r.local.SetCheckpoint(ctx, checkpointPush, strconv.FormatInt(since, 10)); err != nil {
			return r.fail(observability.DirectionPush, err)
		}
		total += len(docs)
		if r.metrics != nil {
			r.metrics.AddReplicated(observability.DirectionPush, len(docs))
		}
		if len(changes) < r.opts.BatchSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("replication.pushed", total))
	r.mu.Lock()
	r.status.LastPushAt = time.Now().UTC()
	r.status.PushCheckpoint = since
	r.mu.Unlock()
	if total > 0 {
		r.logger.Debug("pushed changes", zap.Int("docs", total), zap.Int64("checkpoint", since))
	}
	return nil
}

// pull applies the remote change feed after the pull checkpoint.
func (r *Replicator) pull(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Replicator.pull")
	defer span.End()

	since, err := r.local.Checkpoint(ctx, checkpointPull)
	if err != nil {
		return r.fail(observability.DirectionPull, err)
	}

	applied := 0
	for {
		var page *domain.RemoteChanges
		err := r.withBulkhead(ctx, func() error {
			var err error
			page, err = r.remote.Changes(ctx, since, r.opts.BatchSize)
			return err
		})
		if err != nil {
			return r.fail(observability.DirectionPull, err)
		}

		for _, d := range page.Docs {
			ok, err := r.local.ApplyRemote(ctx, d)
			var invalid *domain.ErrValidation
			if errors.As(err, &invalid) {
				r.logger.Warn("skipping remote document", zap.String("id", d.ID), zap.Error(err))
				continue
			}
			if err != nil {
				return r.fail(observability.DirectionPull, err)
			}
			if ok {
				applied++
				if r.metrics != nil {
					r.metrics.AddReplicated(observability.DirectionPull, 1)
				}
			}
		}

		if page.LastSeq != "" && page.LastSeq != since {
			since = page.LastSeq
			if err := r.local.SetCheckpoint(ctx, checkpointPull, since); err != nil {
				return r.fail(observability.DirectionPull, err)
			}
		}
		if page.Pending == 0 || len(page.Docs) == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("replication.pulled", applied))
	r.mu.Lock()
	r.status.LastPullAt = time.Now().UTC()
	r.status.PullCheckpoint = since
	r.mu.Unlock()
	if applied > 0 {
		r.logger.Debug("pulled changes", zap.Int("docs", applied), zap.String("checkpoint", since))
	}
	return nil
}

// acquireRound waits for the round in progress, if any, until ctx ends.
// Giving up is not a remote failure, so it is neither counted nor recorded
// in the status.
func (r *Replicator) acquireRound(ctx context.Context, direction string) error {
	if err := r.round.Acquire(ctx, 1); err != nil {
		return &domain.ErrReplication{
			Direction: direction,
			Err:       fmt.Errorf("wait for sync round in progress: %w", err),
		}
	}
	return nil
}

func (r *Replicator) withBulkhead(ctx context.Context, fn func() error) error {
	if err := r.bulkhead.Acquire(ctx); err != nil {
		return err
	}
	defer r.bulkhead.Release()
	return fn()
}

// fail records err for direction and returns it as *domain.ErrReplication.
func (r *Replicator) fail(direction string, err error) error {
	var rerr *domain.ErrReplication
	if !errors.As(err, &rerr) {
		rerr = &domain.ErrReplication{Direction: direction, Err: err}
	}
	if r.metrics != nil {
		r.metrics.IncrReplicationError(direction)
	}

	r.mu.Lock()
	r.status.LastError = rerr.Error()
	r.status.LastErrorAt = time.Now().UTC()
	r.mu.Unlock()
	return rerr
}
