package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/port"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var txTracer = otel.Tracer("service/transactions")

// WarnPendingSync is reported when a deletion is durable locally but could
// not be pushed to the remote replica yet.
const WarnPendingSync = "deleted locally, will sync later"

const deleteFlushTimeout = 3 * time.Second

// TransactionService owns the transaction lifecycle. Every mutation keeps
// the user's reference array and the affected aggregates current.
type TransactionService struct {
	writer  *Writer
	queries *Queries
	agg     *Aggregator
	users   *UserService
	syncer  port.Syncer
	logger  *zap.Logger
}

// NewTransactionService creates a new transaction service. syncer may be
// nil when replication is disabled.
func NewTransactionService(writer *Writer, queries *Queries, agg *Aggregator, users *UserService, syncer port.Syncer, logger *zap.Logger) *TransactionService {
	return &TransactionService{
		writer:  writer,
		queries: queries,
		agg:     agg,
		users:   users,
		syncer:  syncer,
		logger:  logger.Named("transactions"),
	}
}

// LoadAll returns the user's transactions, most recent first.
func (s *TransactionService) LoadAll(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	ctx, span := txTracer.Start(ctx, "TransactionService.LoadAll")
	defer span.End()

	txs, err := s.queries.TransactionsOfUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sortByRecency(txs)
	return txs, nil
}

// ListForWallet returns a visible wallet's transactions newest first,
// bounded to [from, to] when those are set.
func (s *TransactionService) ListForWallet(ctx context.Context, userID, walletID string, from, to time.Time) ([]*domain.Transaction, error) {
	ctx, span := txTracer.Start(ctx, "TransactionService.ListForWallet")
	defer span.End()
	span.SetAttributes(attribute.String("wallet.id", walletID))

	if _, err := s.visibleWallet(ctx, userID, walletID); err != nil {
		return nil, err
	}
	return s.queries.TransactionsForWallet(ctx, walletID, from, to)
}

func (s *TransactionService) Get(ctx context.Context, userID, txID string) (*domain.Transaction, error) {
	tx, err := getAs[*domain.Transaction](ctx, s.writer.store, txID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		if _, err := s.visibleWallet(ctx, userID, tx.WalletID); err != nil {
			return nil, &domain.ErrNotFound{Resource: "transaction", ID: txID}
		}
	}
	return tx, nil
}

// Add records a transaction for the user. Without a wallet it goes to the
// user's primary wallet; without a timestamp it is dated now.
func (s *TransactionService) Add(ctx context.Context, userID string, tx *domain.Transaction) (*domain.Transaction, error) {
	ctx, span := txTracer.Start(ctx, "TransactionService.Add")
	defer span.End()

	tx.UserID = userID
	if tx.WalletID == "" {
		user, err := getAs[*domain.User](ctx, s.writer.store, userID)
		if err != nil {
			return nil, err
		}
		tx.WalletID = user.WalletID
	}
	span.SetAttributes(attribute.String("wallet.id", tx.WalletID))
	if _, err := s.visibleWallet(ctx, userID, tx.WalletID); err != nil {
		return nil, err
	}
	if err := s.checkCategory(ctx, tx.CategoryID); err != nil {
		return nil, err
	}
	if tx.Datetime.IsZero() && tx.Date == "" {
		tx.Datetime = s.writer.Now()
	}

	doc, err := s.writer.Create(ctx, tx)
	if err != nil {
		return nil, err
	}
	created, err := domain.As[*domain.Transaction](doc)
	if err != nil {
		return nil, err
	}

	if err := s.users.addRef(ctx, userID, transactionRefs, created.ID); err != nil {
		s.logger.Warn("transaction reference not recorded on user", zap.Error(err))
	}
	s.afterChange(ctx, created.WalletID)
	s.logger.Info("transaction added",
		zap.String("transaction_id", created.ID),
		zap.String("wallet_id", created.WalletID),
		zap.String("kind", created.Kind),
		zap.String("amount", created.Amount.String()),
	)
	return created, nil
}

// Update patches a transaction. Moving it to another wallet recomputes both
// balances.
func (s *TransactionService) Update(ctx context.Context, userID, txID string, patch domain.Patch) (*domain.Transaction, error) {
	ctx, span := txTracer.Start(ctx, "TransactionService.Update")
	defer span.End()

	before, err := s.Get(ctx, userID, txID)
	if err != nil {
		return nil, err
	}
	patch = without(patch, "userId")
	if raw, ok := patch["walletId"]; ok {
		walletID, _ := raw.(string)
		if _, err := s.visibleWallet(ctx, userID, walletID); err != nil {
			return nil, err
		}
	}
	if raw, ok := patch["categoryId"]; ok {
		categoryID, _ := raw.(string)
		if err := s.checkCategory(ctx, categoryID); err != nil {
			return nil, err
		}
	}

	doc, err := s.writer.Update(ctx, txID, patch)
	if err != nil {
		return nil, err
	}
	updated, err := domain.As[*domain.Transaction](doc)
	if err != nil {
		return nil, err
	}
	s.afterChange(ctx, before.WalletID, updated.WalletID)
	return updated, nil
}

// Delete tombstones a transaction. Success means the deletion is durable
// locally; when it cannot be pushed right away the result carries a
// warning instead of an error.
func (s *TransactionService) Delete(ctx context.Context, userID, txID string) (*domain.DeleteResult, error) {
	ctx, span := txTracer.Start(ctx, "TransactionService.Delete")
	defer span.End()

	tx, err := s.Get(ctx, userID, txID)
	if err != nil {
		return nil, err
	}
	if _, err := s.writer.Delete(ctx, txID); err != nil {
		return nil, err
	}
	if err := s.users.removeRef(ctx, tx.UserID, transactionRefs, txID); err != nil && !isNotFound(err) {
		s.logger.Warn("transaction reference not removed from user", zap.Error(err))
	}
	s.afterChange(ctx, tx.WalletID)

	result := &domain.DeleteResult{ID: txID, Deleted: true}
	if s.syncer != nil {
		fctx, cancel := context.WithTimeout(ctx, deleteFlushTimeout)
		defer cancel()
		if err := s.syncer.Flush(fctx); err != nil {
			s.logger.Warn("deletion not pushed to remote yet",
				zap.String("transaction_id", txID),
				zap.Error(err),
			)
			result.Warning = WarnPendingSync
		}
	}
	return result, nil
}

// Summary totals the user's income and expenses dated within [from, to]
// (zero bounds are open) together with their current budgets.
func (s *TransactionService) Summary(ctx context.Context, userID string, from, to time.Time) (*domain.FinancialSummary, error) {
	ctx, span := txTracer.Start(ctx, "TransactionService.Summary")
	defer span.End()

	txs, err := s.queries.TransactionsOfUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum := &domain.FinancialSummary{Income: decimal.Zero, Expenses: decimal.Zero}
	for _, tx := range txs {
		ts, ok := tx.When()
		if !ok || (!from.IsZero() && ts.Before(from)) || (!to.IsZero() && ts.After(to)) {
			continue
		}
		switch tx.Kind {
		case domain.KindIncome:
			sum.Income = sum.Income.Add(tx.Amount)
		case domain.KindExpense:
			sum.Expenses = sum.Expenses.Add(tx.Amount)
		}
	}
	sum.Net = sum.Income.Sub(sum.Expenses)

	if sum.Budgets, err = s.queries.BudgetsOfUser(ctx, userID); err != nil {
		return nil, err
	}
	return sum, nil
}

// afterChange recomputes the touched wallets and the budgets. The
// transaction itself is already durable, so a failure here is logged and
// left to the next recomputation or reconciliation.
func (s *TransactionService) afterChange(ctx context.Context, walletIDs ...string) {
	if err := s.agg.AfterTransactionChange(ctx, walletIDs...); err != nil {
		s.logger.Error("aggregate recomputation failed",
			zap.Strings("wallet_ids", walletIDs),
			zap.Error(err),
		)
	}
}

func (s *TransactionService) visibleWallet(ctx context.Context, userID, walletID string) (*domain.Wallet, error) {
	if walletID == "" {
		return nil, domain.Invalid(domain.TypeTransaction, "walletId", "is required")
	}
	w, err := getAs[*domain.Wallet](ctx, s.writer.store, walletID)
	if isNotFound(err) {
		return nil, domain.Invalid(domain.TypeTransaction, "walletId", "unknown wallet "+walletID)
	}
	if err != nil {
		return nil, err
	}
	if !canSee(w, userID) {
		return nil, &domain.ErrForbidden{Action: "use wallet " + walletID}
	}
	return w, nil
}

func (s *TransactionService) checkCategory(ctx context.Context, categoryID string) error {
	if categoryID == "" {
		return nil
	}
	_, err := getAs[*domain.Category](ctx, s.writer.store, categoryID)
	if isNotFound(err) {
		return domain.Invalid(domain.TypeTransaction, "categoryId", "unknown category "+categoryID)
	}
	return err
}

// sortByRecency orders txs newest first. Equal keys keep their order.
func sortByRecency(txs []*domain.Transaction) {
	slices.SortStableFunc(txs, func(a, b *domain.Transaction) int {
		return strings.Compare(b.RecencyKey(), a.RecencyKey())
	})
}
