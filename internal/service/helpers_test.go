package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/infra/cache"
	"github.com/boddenberg/walletsync-go/internal/infra/docstore"
	"github.com/boddenberg/walletsync-go/internal/infra/observability"
	"github.com/boddenberg/walletsync-go/internal/port"
	"github.com/boddenberg/walletsync-go/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// now is the fixed clock of every harness.
var now = time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)

type harness struct {
	ctx        context.Context
	store      *docstore.Store
	metrics    *observability.Metrics
	writer     *service.Writer
	queries    *service.Queries
	agg        *service.Aggregator
	users      *service.UserService
	wallets    *service.WalletService
	categories *service.CategoryService
	txs        *service.TransactionService
	budgets    *service.BudgetService
	bootstrap  *service.Bootstrap
	auth       *service.AuthService
	syncer     *fakeSyncer
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	wrap   func(port.DocumentStore) port.DocumentStore
	syncer *fakeSyncer
	noSync bool
}

// withStore routes every service write through wrap(store).
func withStore(wrap func(port.DocumentStore) port.DocumentStore) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func withSyncer(s *fakeSyncer) harnessOption {
	return func(c *harnessConfig) { c.syncer = s }
}

func withoutSync() harnessOption {
	return func(c *harnessConfig) { c.noSync = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{syncer: &fakeSyncer{}}
	for _, o := range opts {
		o(&cfg)
	}

	store := docstore.New(docstore.Options{PollAttempts: 1, PollInterval: time.Millisecond}, zap.NewNop())
	require.NoError(t, store.Open(docstore.MemoryDSN))
	t.Cleanup(func() { store.Close() })

	var ds port.DocumentStore = store
	if cfg.wrap != nil {
		ds = cfg.wrap(store)
	}

	var syncer port.Syncer
	if !cfg.noSync {
		syncer = cfg.syncer
	}

	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	writer := service.NewWriter(ds, service.WriterOptions{
		ConflictRetries: 3,
		ConflictBackoff: time.Millisecond,
		Now:             func() time.Time { return now },
	}, metrics, logger)
	queries := service.NewQueries(ds, cache.New[[]*domain.Category](time.Minute), metrics, logger)
	t.Cleanup(queries.Close)
	agg := service.NewAggregator(ds, writer, queries, metrics, logger)
	t.Cleanup(agg.Stop)

	users := service.NewUserService(writer, queries, agg, logger)
	categories := service.NewCategoryService(writer, queries, users, logger)
	bootstrap := service.NewBootstrap(writer, queries, categories, agg, logger)

	return &harness{
		ctx:        context.Background(),
		store:      store,
		metrics:    metrics,
		writer:     writer,
		queries:    queries,
		agg:        agg,
		users:      users,
		wallets:    service.NewWalletService(writer, queries, logger),
		categories: categories,
		txs:        service.NewTransactionService(writer, queries, agg, users, syncer, logger),
		budgets:    service.NewBudgetService(writer, queries, agg, users, logger),
		bootstrap:  bootstrap,
		auth:       service.NewAuthService(writer, queries, bootstrap, syncer, "test-secret", time.Hour, logger),
		syncer:     cfg.syncer,
	}
}

// seedUser stores an externally authenticated user and its primary wallet
// without provisioning defaults.
func (h *harness) seedUser(t *testing.T, id string) *domain.User {
	t.Helper()

	walletID := service.PrimaryWalletID(id)
	doc, err := h.writer.Create(h.ctx, &domain.User{
		Meta:          domain.Meta{ID: id, Type: domain.TypeUser},
		Email:         id + "@example.com",
		Name:          id,
		Provider:      domain.ProviderGoogle,
		EmailVerified: true,
		WalletID:      walletID,
	})
	require.NoError(t, err)
	_, err = h.writer.Create(h.ctx, &domain.Wallet{
		Meta:        domain.Meta{ID: walletID, Type: domain.TypeWallet},
		OwnerUserID: id,
		Name:        "Main",
		Balance:     decimal.Zero,
	})
	require.NoError(t, err)
	return doc.(*domain.User)
}

func (h *harness) addCategory(t *testing.T, userID, name, kind string) *domain.Category {
	t.Helper()
	c, err := h.categories.Add(h.ctx, userID, &domain.Category{Name: name, Kind: kind})
	require.NoError(t, err)
	return c
}

func (h *harness) addTx(t *testing.T, userID, walletID, categoryID, kind string, amount int64, at time.Time) *domain.Transaction {
	t.Helper()
	tx, err := h.txs.Add(h.ctx, userID, &domain.Transaction{
		WalletID:   walletID,
		CategoryID: categoryID,
		Kind:       kind,
		Amount:     decimal.NewFromInt(amount),
		Datetime:   at,
	})
	require.NoError(t, err)
	return tx
}

func (h *harness) wallet(t *testing.T, id string) *domain.Wallet {
	t.Helper()
	doc, err := h.store.Get(h.ctx, id)
	require.NoError(t, err)
	return doc.(*domain.Wallet)
}

func (h *harness) budget(t *testing.T, id string) *domain.Budget {
	t.Helper()
	doc, err := h.store.Get(h.ctx, id)
	require.NoError(t, err)
	return doc.(*domain.Budget)
}

func (h *harness) user(t *testing.T, id string) *domain.User {
	t.Helper()
	doc, err := h.store.Get(h.ctx, id)
	require.NoError(t, err)
	return doc.(*domain.User)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ============================================================
// Fakes
// ============================================================

type fakeSyncer struct {
	handshakes atomic.Int32
	flushes    atomic.Int32
	err        error
}

func (f *fakeSyncer) Handshake(context.Context) bool {
	f.handshakes.Add(1)
	return f.err == nil
}

func (f *fakeSyncer) Flush(context.Context) error {
	f.flushes.Add(1)
	return f.err
}

func (f *fakeSyncer) Status() domain.SyncStatus { return domain.SyncStatus{} }

// racingStore runs race once, right before the first Put after arm, to
// simulate a concurrent writer landing between a read and a write.
type racingStore struct {
	port.DocumentStore
	armed atomic.Bool
	race  func()
}

func (r *racingStore) Put(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if r.armed.CompareAndSwap(true, false) {
		r.race()
	}
	return r.DocumentStore.Put(ctx, doc)
}

// conflictingStore rejects every Put with a conflict.
type conflictingStore struct {
	port.DocumentStore
	puts atomic.Int32
}

func (c *conflictingStore) Put(_ context.Context, doc domain.Document) (domain.Document, error) {
	c.puts.Add(1)
	return nil, &domain.ErrConflict{ID: doc.DocMeta().ID, Rev: doc.DocMeta().Rev, CurrentRev: "99-later"}
}

// queryRacingStore runs race once, right after the first Query following
// arm, so a write lands while a caller is still assembling its result.
type queryRacingStore struct {
	port.DocumentStore
	armed atomic.Bool
	race  func()
}

func (r *queryRacingStore) Query(ctx context.Context, q domain.Query) ([]domain.Document, error) {
	docs, err := r.DocumentStore.Query(ctx, q)
	if r.armed.CompareAndSwap(true, false) {
		r.race()
	}
	return docs, err
}
