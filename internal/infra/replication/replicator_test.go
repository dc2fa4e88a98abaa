package replication_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/infra/couch"
	"github.com/boddenberg/walletsync-go/internal/infra/couch/couchtest"
	"github.com/boddenberg/walletsync-go/internal/infra/docstore"
	"github.com/boddenberg/walletsync-go/internal/infra/observability"
	"github.com/boddenberg/walletsync-go/internal/infra/replication"
	"github.com/boddenberg/walletsync-go/internal/infra/resilience"
	"github.com/boddenberg/walletsync-go/internal/port"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const dbName = "walletsync"

type device struct {
	store   *docstore.Store
	repl    *replication.Replicator
	metrics *observability.Metrics
}

func newDevice(t *testing.T, srv *couchtest.Server, opts replication.Options) *device {
	t.Helper()
	return newDeviceWith(t, srv, opts, nil)
}

// newDeviceWith lets wrap replace the remote the replicator talks to.
func newDeviceWith(t *testing.T, srv *couchtest.Server, opts replication.Options, wrap func(port.RemoteStore) port.RemoteStore) *device {
	t.Helper()

	store := docstore.New(docstore.Options{PollAttempts: 1, PollInterval: time.Millisecond}, zap.NewNop())
	require.NoError(t, store.Open(docstore.MemoryDSN))
	t.Cleanup(func() { store.Close() })

	remote := couch.NewClient(
		&http.Client{Timeout: time.Second},
		srv.URL, dbName, couch.Credentials{},
		resilience.NewCircuitBreaker(t.Name()),
		resilience.Config{MaxRetries: 0, InitialBackoff: time.Millisecond},
		zap.NewNop(),
	)
	var rs port.RemoteStore = remote
	if wrap != nil {
		rs = wrap(remote)
	}
	metrics := observability.NewMetrics()
	repl := replication.New(store, rs, opts, metrics, zap.NewNop())
	t.Cleanup(repl.Stop)

	return &device{store: store, repl: repl, metrics: metrics}
}

func defaultOptions() replication.Options {
	return replication.Options{
		Interval:         time.Hour,
		BatchSize:        2,
		HandshakeTimeout: 500 * time.Millisecond,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
		MaxConcurrency:   2,
	}
}

func wallet(id, name string) *domain.Wallet {
	return &domain.Wallet{
		Meta:        domain.Meta{ID: id, Type: domain.TypeWallet},
		OwnerUserID: "user_1",
		Name:        name,
		Balance:     decimal.Zero,
	}
}

func TestReplicator_PushThenPull(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	ctx := context.Background()

	a := newDevice(t, srv, defaultOptions())
	b := newDevice(t, srv, defaultOptions())

	for _, id := range []string{"wallet_1", "wallet_2", "wallet_3"} {
		_, err := a.store.Put(ctx, wallet(id, id))
		require.NoError(t, err)
	}

	require.NoError(t, a.repl.SyncOnce(ctx))
	assert.Equal(t, 3, srv.Len(dbName), "pushed in batches of two")

	require.NoError(t, b.repl.SyncOnce(ctx))
	got, err := b.store.Get(ctx, "wallet_3")
	require.NoError(t, err)
	assert.Equal(t, "wallet_3", got.(*domain.Wallet).Name)

	st := b.repl.Status()
	assert.Equal(t, float64(3), st.DocsPulled)
	assert.NotEmpty(t, st.PullCheckpoint)
	assert.False(t, st.LastPullAt.IsZero())
}

func TestReplicator_RemoteChangesAreNotPushedBack(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	ctx := context.Background()

	a := newDevice(t, srv, defaultOptions())
	b := newDevice(t, srv, defaultOptions())

	_, err := a.store.Put(ctx, wallet("wallet_1", "Main"))
	require.NoError(t, err)
	require.NoError(t, a.repl.SyncOnce(ctx))
	require.NoError(t, b.repl.SyncOnce(ctx))
	calls := srv.BulkCalls()

	require.NoError(t, b.repl.Flush(ctx))
	assert.Equal(t, calls, srv.BulkCalls())
	assert.Equal(t, float64(0), b.repl.Status().DocsPushed)
}

func TestReplicator_ConcurrentEditsConverge(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	ctx := context.Background()

	a := newDevice(t, srv, defaultOptions())
	b := newDevice(t, srv, defaultOptions())

	_, err := a.store.Put(ctx, wallet("wallet_1", "Main"))
	require.NoError(t, err)
	require.NoError(t, a.repl.SyncOnce(ctx))
	require.NoError(t, b.repl.SyncOnce(ctx))

	// Both devices edit the same revision while offline.
	onA, err := a.store.Get(ctx, "wallet_1")
	require.NoError(t, err)
	onA.(*domain.Wallet).Name = "Edited on A"
	_, err = a.store.Put(ctx, onA)
	require.NoError(t, err)

	onB, err := b.store.Get(ctx, "wallet_1")
	require.NoError(t, err)
	onB.(*domain.Wallet).Name = "Edited on B"
	_, err = b.store.Put(ctx, onB)
	require.NoError(t, err)

	require.NoError(t, a.repl.SyncOnce(ctx))
	require.NoError(t, b.repl.SyncOnce(ctx))
	require.NoError(t, a.repl.SyncOnce(ctx))

	finalA, err := a.store.Get(ctx, "wallet_1")
	require.NoError(t, err)
	finalB, err := b.store.Get(ctx, "wallet_1")
	require.NoError(t, err)
	remote, ok := srv.Doc(dbName, "wallet_1")
	require.True(t, ok)

	assert.Equal(t, finalA.DocMeta().Rev, finalB.DocMeta().Rev)
	assert.Equal(t, remote.Rev, finalA.DocMeta().Rev)
	assert.Equal(t, finalA.(*domain.Wallet).Name, finalB.(*domain.Wallet).Name)
	assert.Equal(t, 2, domain.Generation(finalA.DocMeta().Rev))
}

func TestReplicator_DeletionReplicates(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	ctx := context.Background()

	a := newDevice(t, srv, defaultOptions())
	b := newDevice(t, srv, defaultOptions())

	saved, err := a.store.Put(ctx, wallet("wallet_1", "Main"))
	require.NoError(t, err)
	require.NoError(t, a.repl.SyncOnce(ctx))
	require.NoError(t, b.repl.SyncOnce(ctx))

	_, err = a.store.Remove(ctx, saved)
	require.NoError(t, err)
	require.NoError(t, a.repl.Flush(ctx))
	require.NoError(t, b.repl.SyncOnce(ctx))

	_, err = b.store.Get(ctx, "wallet_1")
	var nf *domain.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestReplicator_HandshakeNeverFailsCaller(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	ctx := context.Background()

	a := newDevice(t, srv, defaultOptions())
	srv.FailNext(1000)

	start := time.Now()
	ok := a.repl.Handshake(ctx)

	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
	st := a.repl.Status()
	assert.NotEmpty(t, st.LastError)
	assert.False(t, st.LastErrorAt.IsZero())

	srv.FailNext(0)
	assert.True(t, a.repl.Handshake(ctx))
}

func TestReplicator_LiveLoopPushesLocalWrites(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	ctx := context.Background()

	a := newDevice(t, srv, defaultOptions())
	a.repl.Start(ctx)
	assert.True(t, a.repl.Status().Running)

	_, err := a.store.Put(ctx, wallet("wallet_live", "Live"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := srv.Doc(dbName, "wallet_live")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "a local write wakes the loop long before the hourly poll")

	a.repl.Stop()
	assert.False(t, a.repl.Status().Running)
}

func TestReplicator_LiveLoopRecoversAfterFailures(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	ctx := context.Background()

	opts := defaultOptions()
	a := newDevice(t, srv, opts)

	_, err := a.store.Put(ctx, wallet("wallet_1", "Main"))
	require.NoError(t, err)

	srv.FailNext(3)
	a.repl.Start(ctx)

	require.Eventually(t, func() bool {
		_, ok := srv.Doc(dbName, "wallet_1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Positive(t, a.repl.Status().Errors)
}

// hangingRemote blocks every BulkDocs until released, ignoring the context
// the way a black-holed host does until the HTTP client times out.
type hangingRemote struct {
	port.RemoteStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newHangingRemote(remote port.RemoteStore) *hangingRemote {
	return &hangingRemote{RemoteStore: remote, entered: make(chan struct{}), release: make(chan struct{})}
}

func (h *hangingRemote) BulkDocs(context.Context, []domain.ReplicaDoc) error {
	h.once.Do(func() { close(h.entered) })
	<-h.release
	return errors.New("connection timed out")
}

func TestReplicator_BoundedCallsDoNotWaitForAStuckRound(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	ctx := context.Background()

	var hung *hangingRemote
	a := newDeviceWith(t, srv, defaultOptions(), func(r port.RemoteStore) port.RemoteStore {
		hung = newHangingRemote(r)
		return hung
	})
	// Runs before the replicator's own cleanup so Stop can finish.
	t.Cleanup(func() { close(hung.release) })

	a.repl.Start(ctx)
	_, err := a.store.Put(ctx, wallet("wallet_1", "Main"))
	require.NoError(t, err)

	select {
	case <-hung.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("live loop never reached the remote")
	}

	start := time.Now()
	assert.False(t, a.repl.Handshake(ctx))
	assert.Less(t, time.Since(start), time.Second, "handshake waits at most its timeout")

	fctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	start = time.Now()
	err = a.repl.Flush(fctx)
	assert.Less(t, time.Since(start), time.Second)

	var rerr *domain.ErrReplication
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, float64(0), a.repl.Status().Errors, "giving up the wait is not a remote failure")
}
