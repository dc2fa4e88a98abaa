package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/infra/observability"
	"github.com/boddenberg/walletsync-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var queryTracer = otel.Tracer("service/queries")

const visibleCategoriesCache = "visible_categories"

// zeroTime leaves a range bound open.
var zeroTime time.Time

// Queries exposes typed read helpers over the declared indexes.
type Queries struct {
	store   port.DocumentStore
	visible port.Cache[[]*domain.Category]
	metrics *observability.Metrics
	logger  *zap.Logger

	// generation counts category changes; a result read before a change
	// must not be cached after it.
	genMu      sync.Mutex
	generation uint64

	once        sync.Once
	unsubscribe func()
}

// NewQueries creates the query helpers. The visible-categories cache is
// cleared on every category change, local or remote.
func NewQueries(store port.DocumentStore, visible port.Cache[[]*domain.Category], metrics *observability.Metrics, logger *zap.Logger) *Queries {
	q := &Queries{store: store, visible: visible, metrics: metrics, logger: logger.Named("queries")}
	q.unsubscribe = store.Subscribe(func(c domain.Change) {
		if c.Doc.DocType() == domain.TypeCategory {
			q.genMu.Lock()
			q.generation++
			q.visible.Clear()
			q.genMu.Unlock()
		}
	})
	return q
}

// Close stops cache invalidation.
func (q *Queries) Close() {
	q.once.Do(q.unsubscribe)
}

// queryAs runs a query whose type parameter matches q.Type.
func queryAs[T domain.Document](ctx context.Context, store port.DocumentStore, q domain.Query) ([]T, error) {
	docs, err := store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		typed, err := domain.As[T](d)
		if err != nil {
			return nil, err
		}
		out = append(out, typed)
	}
	return out, nil
}

// getAs fetches id as a concrete document type.
func getAs[T domain.Document](ctx context.Context, store port.DocumentStore, id string) (T, error) {
	doc, err := store.Get(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return domain.As[T](doc)
}

// union concatenates lists keeping the first occurrence of every id.
func union[T domain.Document](lists ...[]T) []T {
	seen := make(map[string]bool)
	var out []T
	for _, list := range lists {
		for _, d := range list {
			id := d.DocMeta().ID
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, d)
		}
	}
	return out
}

// ============================================================
// Wallets
// ============================================================

func (q *Queries) WalletsOwnedBy(ctx context.Context, userID string) ([]*domain.Wallet, error) {
	return queryAs[*domain.Wallet](ctx, q.store, domain.ByOwner(domain.TypeWallet, userID))
}

func (q *Queries) WalletsSharedWith(ctx context.Context, userID string) ([]*domain.Wallet, error) {
	return queryAs[*domain.Wallet](ctx, q.store, domain.SharedWith(domain.TypeWallet, userID))
}

// WalletsVisibleTo returns owned wallets followed by wallets shared with
// the user.
func (q *Queries) WalletsVisibleTo(ctx context.Context, userID string) ([]*domain.Wallet, error) {
	ctx, span := queryTracer.Start(ctx, "Queries.WalletsVisibleTo")
	defer span.End()

	owned, err := q.WalletsOwnedBy(ctx, userID)
	if err != nil {
		return nil, err
	}
	shared, err := q.WalletsSharedWith(ctx, userID)
	if err != nil {
		return nil, err
	}
	return union(owned, shared), nil
}

// ============================================================
// Transactions
// ============================================================

// TransactionsForWallet returns a wallet's transactions newest first,
// optionally bounded to [from, to]; zero bounds are open.
func (q *Queries) TransactionsForWallet(ctx context.Context, walletID string, from, to time.Time) ([]*domain.Transaction, error) {
	ctx, span := queryTracer.Start(ctx, "Queries.TransactionsForWallet")
	defer span.End()
	span.SetAttributes(attribute.String("wallet.id", walletID))

	query := domain.ByWallet(walletID)
	query.From, query.To = from, to
	return queryAs[*domain.Transaction](ctx, q.store, query)
}

func (q *Queries) TransactionsOfUser(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	return queryAs[*domain.Transaction](ctx, q.store, domain.ByUser(domain.TypeTransaction, userID))
}

func (q *Queries) TransactionsInCategory(ctx context.Context, categoryID string) ([]*domain.Transaction, error) {
	return queryAs[*domain.Transaction](ctx, q.store, domain.ByCategory(domain.TypeTransaction, categoryID))
}

// MostRecentTransaction returns the transaction with the greatest recency
// key. Ties keep the earlier element; nil when txs is empty.
func MostRecentTransaction(txs []*domain.Transaction) *domain.Transaction {
	var latest *domain.Transaction
	var key string
	for _, tx := range txs {
		k := tx.RecencyKey()
		if latest == nil || k > key {
			latest, key = tx, k
		}
	}
	return latest
}

// ============================================================
// Budgets
// ============================================================

func (q *Queries) BudgetsOfUser(ctx context.Context, userID string) ([]*domain.Budget, error) {
	return queryAs[*domain.Budget](ctx, q.store, domain.ByUser(domain.TypeBudget, userID))
}

func (q *Queries) BudgetsInCategory(ctx context.Context, categoryID string) ([]*domain.Budget, error) {
	return queryAs[*domain.Budget](ctx, q.store, domain.ByCategory(domain.TypeBudget, categoryID))
}

func (q *Queries) AllBudgets(ctx context.Context) ([]*domain.Budget, error) {
	return queryAs[*domain.Budget](ctx, q.store, domain.ByType(domain.TypeBudget))
}

// ============================================================
// Categories
// ============================================================

func (q *Queries) CategoriesCreatedBy(ctx context.Context, userID string) ([]*domain.Category, error) {
	return queryAs[*domain.Category](ctx, q.store, domain.ByCreator(domain.TypeCategory, userID))
}

// CategoriesVisibleTo returns the categories a user created followed by
// those shared with them, each id once.
func (q *Queries) CategoriesVisibleTo(ctx context.Context, userID string) ([]*domain.Category, error) {
	ctx, span := queryTracer.Start(ctx, "Queries.CategoriesVisibleTo")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	if cached, ok := q.visible.Get(userID); ok {
		q.metrics.IncrCacheHit(visibleCategoriesCache)
		return cloneAll(cached)
	}
	q.metrics.IncrCacheMiss(visibleCategoriesCache)
	gen := q.currentGeneration()

	owned, err := q.CategoriesCreatedBy(ctx, userID)
	if err != nil {
		return nil, err
	}
	shared, err := queryAs[*domain.Category](ctx, q.store, domain.SharedWith(domain.TypeCategory, userID))
	if err != nil {
		return nil, err
	}
	visible := union(owned, shared)
	q.cacheVisible(userID, visible, gen)
	return cloneAll(visible)
}

func (q *Queries) currentGeneration() uint64 {
	q.genMu.Lock()
	defer q.genMu.Unlock()
	return q.generation
}

// cacheVisible stores a result unless a category changed since gen.
func (q *Queries) cacheVisible(userID string, visible []*domain.Category, gen uint64) {
	q.genMu.Lock()
	defer q.genMu.Unlock()
	if q.generation != gen {
		return
	}
	q.visible.Set(userID, visible)
}

func cloneAll[T domain.Document](docs []T) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		c, err := domain.Clone(d)
		if err != nil {
			return nil, err
		}
		typed, err := domain.As[T](c)
		if err != nil {
			return nil, err
		}
		out = append(out, typed)
	}
	return out, nil
}

// ============================================================
// Users
// ============================================================

// UserByEmail resolves an email to a user by querying the store. When
// replication has produced several users with the same email the oldest
// one wins.
func (q *Queries) UserByEmail(ctx context.Context, email string) (*domain.User, error) {
	ctx, span := queryTracer.Start(ctx, "Queries.UserByEmail")
	defer span.End()

	email = strings.ToLower(strings.TrimSpace(email))
	users, err := queryAs[*domain.User](ctx, q.store, domain.ByEmail(email))
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, &domain.ErrNotFound{Resource: "user", ID: email}
	}

	oldest := users[0]
	for _, u := range users[1:] {
		if u.CreatedAt.Before(oldest.CreatedAt) ||
			(u.CreatedAt.Equal(oldest.CreatedAt) && u.ID < oldest.ID) {
			oldest = u
		}
	}
	if len(users) > 1 {
		q.logger.Warn("several users share an email, using the oldest",
			zap.String("email", email),
			zap.Int("count", len(users)),
			zap.String("user_id", oldest.ID),
		)
	}
	return oldest, nil
}
