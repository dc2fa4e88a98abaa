package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/infra/observability"
	"github.com/boddenberg/walletsync-go/internal/port"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var aggTracer = otel.Tracer("service/aggregates")

// Aggregate names used in metrics.
const (
	aggWalletBalance = "wallet_balance"
	aggBudgetSpent   = "budget_spent"
	aggUserRefs      = "user_refs"
)

// Aggregator keeps derived values in line with their sources: wallet
// balances, budget spent totals and the users' reference arrays. Values are
// always recomputed from authoritative queries, never adjusted in place.
type Aggregator struct {
	store   port.DocumentStore
	writer  *Writer
	queries *Queries
	metrics *observability.Metrics
	logger  *zap.Logger

	mu         sync.Mutex
	wallets    map[string]bool
	budgets    map[string]bool
	users      map[string]bool
	allBudgets bool
	signal     chan struct{}

	running     atomic.Bool
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

// NewAggregator creates an aggregator. Remote changes are only followed
// after Start.
func NewAggregator(store port.DocumentStore, writer *Writer, queries *Queries, metrics *observability.Metrics, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:   store,
		writer:  writer,
		queries: queries,
		metrics: metrics,
		logger:  logger.Named("aggregates"),
		wallets: make(map[string]bool),
		budgets: make(map[string]bool),
		users:   make(map[string]bool),
		signal:  make(chan struct{}, 1),
	}
}

// ============================================================
// Pure derivations
// ============================================================

// WalletBalance sums income minus expenses. Transfers are balance-neutral.
func WalletBalance(txs []*domain.Transaction) decimal.Decimal {
	balance := decimal.Zero
	for _, tx := range txs {
		switch tx.Kind {
		case domain.KindIncome:
			balance = balance.Add(tx.Amount)
		case domain.KindExpense:
			balance = balance.Sub(tx.Amount)
		}
	}
	return balance
}

// BudgetSpent sums the expenses in the budget's category dated inside its
// closed period.
func BudgetSpent(b *domain.Budget, txs []*domain.Transaction) decimal.Decimal {
	spent := decimal.Zero
	for _, tx := range txs {
		if tx.Kind != domain.KindExpense || tx.CategoryID != b.CategoryID {
			continue
		}
		ts, ok := tx.When()
		if !ok || !b.Covers(ts) {
			continue
		}
		spent = spent.Add(tx.Amount)
	}
	return spent
}

// ============================================================
// Recomputation
// ============================================================

// RecomputeWallet derives the wallet's balance from its transactions and
// persists it when it changed.
func (a *Aggregator) RecomputeWallet(ctx context.Context, walletID string) (*domain.Wallet, error) {
	ctx, span := aggTracer.Start(ctx, "Aggregator.RecomputeWallet")
	defer span.End()
	span.SetAttributes(attribute.String("wallet.id", walletID))

	changed := false
	w, err := mutateAs(ctx, a.writer, walletID, func(w *domain.Wallet) error {
		txs, err := a.queries.TransactionsForWallet(ctx, walletID, zeroTime, zeroTime)
		if err != nil {
			return err
		}
		balance := WalletBalance(txs)
		if w.Balance.Equal(balance) {
			changed = false
			return ErrUnchanged
		}
		w.Balance = balance
		changed = true
		return nil
	})
	if err != nil {
		a.metrics.IncrRecompute(aggWalletBalance, "error")
		return nil, err
	}
	a.record(aggWalletBalance, changed)
	return w, nil
}

// RecomputeBudget derives one budget's spent total and persists it when it
// changed.
func (a *Aggregator) RecomputeBudget(ctx context.Context, budgetID string) (*domain.Budget, error) {
	ctx, span := aggTracer.Start(ctx, "Aggregator.RecomputeBudget")
	defer span.End()
	span.SetAttributes(attribute.String("budget.id", budgetID))

	changed := false
	b, err := mutateAs(ctx, a.writer, budgetID, func(b *domain.Budget) error {
		txs, err := a.queries.TransactionsInCategory(ctx, b.CategoryID)
		if err != nil {
			return err
		}
		spent := BudgetSpent(b, txs)
		if b.Spent.Equal(spent) {
			changed = false
			return ErrUnchanged
		}
		b.Spent = spent
		changed = true
		return nil
	})
	if err != nil {
		a.metrics.IncrRecompute(aggBudgetSpent, "error")
		return nil, err
	}
	a.record(aggBudgetSpent, changed)
	return b, nil
}

// RecomputeBudgets recomputes every budget.
func (a *Aggregator) RecomputeBudgets(ctx context.Context) error {
	ctx, span := aggTracer.Start(ctx, "Aggregator.RecomputeBudgets")
	defer span.End()

	budgets, err := a.queries.AllBudgets(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, b := range budgets {
		if _, err := a.RecomputeBudget(ctx, b.ID); err != nil && !isNotFound(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AfterTransactionChange recomputes the balances of the touched wallets and
// every budget. Wallets that no longer exist are skipped.
func (a *Aggregator) AfterTransactionChange(ctx context.Context, walletIDs ...string) error {
	var errs []error
	for _, id := range dedupe(walletIDs) {
		if _, err := a.RecomputeWallet(ctx, id); err != nil && !isNotFound(err) {
			errs = append(errs, err)
		}
	}
	if err := a.RecomputeBudgets(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReconcileUser recomputes the user's transaction, budget and category id
// arrays from authoritative queries and overwrites any that drifted. It
// reports whether the user document was rewritten; a second run in a row
// never rewrites.
func (a *Aggregator) ReconcileUser(ctx context.Context, userID string) (bool, error) {
	ctx, span := aggTracer.Start(ctx, "Aggregator.ReconcileUser")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	changed := false
	_, err := mutateAs(ctx, a.writer, userID, func(u *domain.User) error {
		changed = false
		txs, err := a.queries.TransactionsOfUser(ctx, userID)
		if err != nil {
			return err
		}
		budgets, err := a.queries.BudgetsOfUser(ctx, userID)
		if err != nil {
			return err
		}
		categories, err := a.queries.CategoriesCreatedBy(ctx, userID)
		if err != nil {
			return err
		}

		for _, fix := range []struct {
			field string
			dst   *[]string
			want  []string
		}{
			{"transactionIds", &u.TransactionIDs, idsOf(txs)},
			{"budgetIds", &u.BudgetIDs, idsOf(budgets)},
			{"categoryIds", &u.CategoryIDs, idsOf(categories)},
		} {
			if sameSet(*fix.dst, fix.want) {
				continue
			}
			a.logger.Info("reference array drifted, reconciling",
				zap.String("user_id", userID),
				zap.String("field", fix.field),
				zap.Int("stored", len(*fix.dst)),
				zap.Int("actual", len(fix.want)),
			)
			*fix.dst = fix.want
			changed = true
		}
		if !changed {
			return ErrUnchanged
		}
		return nil
	})
	if err != nil {
		a.metrics.IncrRecompute(aggUserRefs, "error")
		return false, err
	}
	a.record(aggUserRefs, changed)
	return changed, nil
}

// ReconcileAll reconciles every user and recomputes every wallet and
// budget. It runs after bulk loads and the first sync.
func (a *Aggregator) ReconcileAll(ctx context.Context) error {
	ctx, span := aggTracer.Start(ctx, "Aggregator.ReconcileAll")
	defer span.End()

	users, err := queryAs[*domain.User](ctx, a.store, domain.ByType(domain.TypeUser))
	if err != nil {
		return err
	}
	wallets, err := queryAs[*domain.Wallet](ctx, a.store, domain.ByType(domain.TypeWallet))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, u := range users {
		g.Go(func() error {
			_, err := a.ReconcileUser(gctx, u.ID)
			return err
		})
	}
	for _, w := range wallets {
		g.Go(func() error {
			_, err := a.RecomputeWallet(gctx, w.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return a.RecomputeBudgets(ctx)
}

func (a *Aggregator) record(aggregate string, changed bool) {
	result := "unchanged"
	if changed {
		result = "updated"
	}
	a.metrics.IncrRecompute(aggregate, result)
}

// ============================================================
// Remote change worker
// ============================================================

// Start follows remote-origin changes and recomputes what they affect in a
// background worker. Local changes are handled inline by the services that
// make them.
func (a *Aggregator) Start(ctx context.Context) {
	if !a.running.CompareAndSwap(false, true) {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.unsubscribe = a.store.Subscribe(a.enqueue)

	go a.work(ctx)
	a.logger.Info("aggregate worker started")
}

// Stop ends the worker after the batch in progress.
func (a *Aggregator) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	a.unsubscribe()
	a.cancel()
	<-a.done
	a.logger.Info("aggregate worker stopped")
}

// enqueue runs on the committing goroutine; it only records work.
func (a *Aggregator) enqueue(c domain.Change) {
	if c.Origin != domain.OriginRemote {
		return
	}

	a.mu.Lock()
	switch d := c.Doc.(type) {
	case *domain.Transaction:
		if d.WalletID != "" {
			a.wallets[d.WalletID] = true
		}
		if d.UserID != "" {
			a.users[d.UserID] = true
		}
		a.allBudgets = true
	case *domain.Budget:
		if !c.Deleted() {
			a.budgets[d.ID] = true
		}
		if d.UserID != "" {
			a.users[d.UserID] = true
		}
	case *domain.Category:
		if d.CreatedByUserID != "" {
			a.users[d.CreatedByUserID] = true
		}
	case *domain.User:
		if !c.Deleted() {
			a.users[d.ID] = true
		}
	case *domain.Wallet:
		// A remote wallet carries the balance its author computed; recompute
		// from the transactions this replica has.
		if !c.Deleted() {
			a.wallets[d.ID] = true
		}
	default:
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

func (a *Aggregator) work(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.signal:
			a.drain(ctx)
		}
	}
}

func (a *Aggregator) drain(ctx context.Context) {
	a.mu.Lock()
	wallets, budgets, users, all := a.wallets, a.budgets, a.users, a.allBudgets
	a.wallets = make(map[string]bool)
	a.budgets = make(map[string]bool)
	a.users = make(map[string]bool)
	a.allBudgets = false
	a.mu.Unlock()

	warn := func(msg, id string, err error) {
		if err != nil && !isNotFound(err) {
			a.logger.Warn(msg, zap.String("id", id), zap.Error(err))
		}
	}

	for id := range wallets {
		_, err := a.RecomputeWallet(ctx, id)
		warn("recompute wallet after remote change", id, err)
	}
	if all {
		warn("recompute budgets after remote change", "*", a.RecomputeBudgets(ctx))
	} else {
		for id := range budgets {
			_, err := a.RecomputeBudget(ctx, id)
			warn("recompute budget after remote change", id, err)
		}
	}
	for id := range users {
		_, err := a.ReconcileUser(ctx, id)
		warn("reconcile user after remote change", id, err)
	}
}

// ============================================================
// Helpers
// ============================================================

func isNotFound(err error) bool {
	var nf *domain.ErrNotFound
	return errors.As(err, &nf)
}

func idsOf[T domain.Document](docs []T) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.DocMeta().ID)
	}
	slices.Sort(ids)
	return ids
}

func sameSet(a, b []string) bool {
	x, y := dedupe(a), dedupe(b)
	if len(x) != len(y) || len(x) != len(a) {
		return false
	}
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// dedupe returns the distinct non-empty values of ids in first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
