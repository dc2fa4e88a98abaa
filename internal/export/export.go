// Package export writes a user's transactions as CSV. It only reads
// through the domain services; names are resolved from the user's visible
// wallets and categories.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("export")

// Header is the first CSV row.
var Header = []string{"id", "date", "time", "wallet", "category", "kind", "amount", "currency", "formatted", "notes", "tags"}

// TransactionLister lists a user's transactions, newest first.
type TransactionLister interface {
	LoadAll(ctx context.Context, userID string) ([]*domain.Transaction, error)
}

// WalletLister lists the wallets visible to a user.
type WalletLister interface {
	LoadAll(ctx context.Context, userID string) ([]*domain.Wallet, error)
}

// CategoryLister lists the categories visible to a user.
type CategoryLister interface {
	LoadAll(ctx context.Context, userID string) ([]*domain.Category, error)
}

// Exporter renders transactions to CSV.
type Exporter struct {
	txs        TransactionLister
	wallets    WalletLister
	categories CategoryLister
	logger     *zap.Logger
}

// New creates an exporter.
func New(txs TransactionLister, wallets WalletLister, categories CategoryLister, logger *zap.Logger) *Exporter {
	return &Exporter{txs: txs, wallets: wallets, categories: categories, logger: logger.Named("export")}
}

// Transactions writes the user's transactions dated within [from, to] to w.
// Zero bounds are open. It returns the number of data rows written.
func (e *Exporter) Transactions(ctx context.Context, w io.Writer, userID string, from, to time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "Exporter.Transactions")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	txs, err := e.txs.LoadAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load transactions: %w", err)
	}
	wallets, err := e.wallets.LoadAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load wallets: %w", err)
	}
	categories, err := e.categories.LoadAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load categories: %w", err)
	}

	walletByID := make(map[string]*domain.Wallet, len(wallets))
	for _, wl := range wallets {
		walletByID[wl.ID] = wl
	}
	categoryName := make(map[string]string, len(categories))
	for _, c := range categories {
		categoryName[c.ID] = c.Name
	}

	out := csv.NewWriter(w)
	if err := out.Write(Header); err != nil {
		return 0, err
	}

	n := 0
	for _, tx := range txs {
		ts, ok := tx.When()
		if !ok {
			e.logger.Warn("skipping transaction without a usable date", zap.String("transaction_id", tx.ID))
			continue
		}
		if (!from.IsZero() && ts.Before(from)) || (!to.IsZero() && ts.After(to)) {
			continue
		}

		walletName, currency := tx.WalletID, ""
		if wl, ok := walletByID[tx.WalletID]; ok {
			walletName, currency = wl.Name, wl.Currency
		}
		category, ok := categoryName[tx.CategoryID]
		if !ok {
			category = tx.CategoryID
		}

		ts = ts.UTC()
		if err := out.Write([]string{
			tx.ID,
			ts.Format("2006-01-02"),
			ts.Format("15:04"),
			walletName,
			category,
			tx.Kind,
			tx.Amount.StringFixed(2),
			currency,
			Format(tx.Amount, currency),
			tx.Notes,
			strings.Join(tx.Tags, ";"),
		}); err != nil {
			return n, err
		}
		n++
	}

	out.Flush()
	if err := out.Error(); err != nil {
		return n, err
	}
	span.SetAttributes(attribute.Int("export.rows", n))
	return n, nil
}

// Format renders amount in currency's display form, for example "$1.50".
// Unknown currencies fall back to the plain decimal.
func Format(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(2)
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return money.New(minor.IntPart(), cur.Code).Display()
}
