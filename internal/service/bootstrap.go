package service

import (
	"context"
	"fmt"

	"github.com/boddenberg/walletsync-go/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var bootstrapTracer = otel.Tracer("service/bootstrap")

// DefaultWalletName is the name of the wallet every user starts with.
const DefaultWalletName = "Main Wallet"

// defaultBudget is a monthly budget provisioned for a default category.
type defaultBudget struct {
	category string
	amount   int64
	percent  int64
}

var defaultBudgets = []defaultBudget{
	{category: "Groceries", amount: 3000},
	{category: "Transportation", amount: 1500},
	{category: "Utilities", amount: 2500},
	{category: "Tithes", percent: 10},
}

// PrimaryWalletID is the id of the wallet provisioned for userID.
func PrimaryWalletID(userID string) string {
	return domain.NewID(domain.TypeWallet, userID)
}

// Bootstrap provisions the data a user starts with: the primary wallet,
// the default categories and a monthly budget for some of them. Every step
// skips what already exists, so running it again (or on two replicas) is
// harmless.
type Bootstrap struct {
	writer     *Writer
	queries    *Queries
	categories *CategoryService
	agg        *Aggregator
	logger     *zap.Logger
}

// NewBootstrap creates the provisioning step run on first login.
func NewBootstrap(writer *Writer, queries *Queries, categories *CategoryService, agg *Aggregator, logger *zap.Logger) *Bootstrap {
	return &Bootstrap{writer: writer, queries: queries, categories: categories, agg: agg, logger: logger.Named("bootstrap")}
}

// Provision creates the user's starting data and reconciles the user's
// reference arrays with it.
func (b *Bootstrap) Provision(ctx context.Context, userID string) error {
	ctx, span := bootstrapTracer.Start(ctx, "Bootstrap.Provision")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	user, err := getAs[*domain.User](ctx, b.writer.store, userID)
	if err != nil {
		return err
	}
	walletID := user.WalletID
	if walletID == "" {
		walletID = PrimaryWalletID(userID)
	}

	if _, err := b.writer.store.Get(ctx, walletID); isNotFound(err) {
		if _, err := b.writer.Create(ctx, &domain.Wallet{
			Meta:        domain.Meta{ID: walletID, Type: domain.TypeWallet},
			OwnerUserID: userID,
			Name:        DefaultWalletName,
			Balance:     decimal.Zero,
		}); err != nil {
			return fmt.Errorf("create primary wallet: %w", err)
		}
	} else if err != nil {
		return err
	}

	categories, err := b.categories.EnsureDefaults(ctx, userID)
	if err != nil {
		return fmt.Errorf("create default categories: %w", err)
	}

	existing, err := b.queries.BudgetsOfUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		start, end, _ := PeriodFor(BudgetMonthly, b.writer.Now())
		for _, def := range defaultBudgets {
			cat, ok := categories[foldName(def.category)]
			if !ok {
				continue
			}
			if _, err := b.writer.Create(ctx, &domain.Budget{
				Meta:        domain.Meta{Type: domain.TypeBudget},
				UserID:      userID,
				CategoryID:  cat.ID,
				BudgetType:  BudgetMonthly,
				PeriodStart: start,
				PeriodEnd:   end,
				Amount:      decimal.NewFromInt(def.amount),
				Percent:     decimal.NewFromInt(def.percent),
				Spent:       decimal.Zero,
			}); err != nil {
				return fmt.Errorf("create default budget for %s: %w", def.category, err)
			}
		}
	}

	if _, err := b.agg.ReconcileUser(ctx, userID); err != nil {
		return fmt.Errorf("reconcile provisioned user: %w", err)
	}
	b.logger.Info("user provisioned",
		zap.String("user_id", userID),
		zap.String("wallet_id", walletID),
		zap.Int("categories", len(categories)),
	)
	return nil
}
