package service

import (
	"context"
	"slices"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var budgetTracer = otel.Tracer("service/budgets")

// Budget period types.
const (
	BudgetMonthly = "monthly"
	BudgetWeekly  = "weekly"
	BudgetYearly  = "yearly"
	BudgetCustom  = "custom"
)

// PeriodFor returns the closed period of the given type containing now.
// Weeks start on Monday. Custom periods have no default.
func PeriodFor(budgetType string, now time.Time) (start, end time.Time, ok bool) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch budgetType {
	case "", BudgetMonthly:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	case BudgetWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		end = start.AddDate(0, 0, 7)
	case BudgetYearly:
		start = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	default:
		return time.Time{}, time.Time{}, false
	}
	return start, end.Add(-time.Nanosecond), true
}

// BudgetService owns the budget lifecycle. Spent is derived and cannot be
// written by callers.
type BudgetService struct {
	writer  *Writer
	queries *Queries
	agg     *Aggregator
	users   *UserService
	logger  *zap.Logger
}

// NewBudgetService creates a new budget service.
func NewBudgetService(writer *Writer, queries *Queries, agg *Aggregator, users *UserService, logger *zap.Logger) *BudgetService {
	return &BudgetService{writer: writer, queries: queries, agg: agg, users: users, logger: logger.Named("budgets")}
}

func (s *BudgetService) LoadAll(ctx context.Context, userID string) ([]*domain.Budget, error) {
	ctx, span := budgetTracer.Start(ctx, "BudgetService.LoadAll")
	defer span.End()

	return s.queries.BudgetsOfUser(ctx, userID)
}

// CurrentMonthBudgets returns the user's budgets whose period overlaps the
// current calendar month.
func (s *BudgetService) CurrentMonthBudgets(ctx context.Context, userID string) ([]*domain.Budget, error) {
	all, err := s.LoadAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	start, end, _ := PeriodFor(BudgetMonthly, s.writer.Now())
	return slices.DeleteFunc(all, func(b *domain.Budget) bool {
		return b.PeriodEnd.Before(start) || b.PeriodStart.After(end)
	}), nil
}

func (s *BudgetService) Get(ctx context.Context, userID, budgetID string) (*domain.Budget, error) {
	b, err := getAs[*domain.Budget](ctx, s.writer.store, budgetID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID && !slices.Contains(b.SharedWithUserIDs, userID) {
		return nil, &domain.ErrNotFound{Resource: "budget", ID: budgetID}
	}
	return b, nil
}

// Add creates a budget for the user. A budget without a period gets the
// current one for its type; spent is computed right away.
func (s *BudgetService) Add(ctx context.Context, userID string, b *domain.Budget) (*domain.Budget, error) {
	ctx, span := budgetTracer.Start(ctx, "BudgetService.Add")
	defer span.End()
	span.SetAttributes(attribute.String("category.id", b.CategoryID))

	b.UserID = userID
	b.Spent = decimal.Zero
	if b.PeriodStart.IsZero() && b.PeriodEnd.IsZero() {
		if start, end, ok := PeriodFor(b.BudgetType, s.writer.Now()); ok {
			b.PeriodStart, b.PeriodEnd = start, end
		}
	}
	if b.CategoryID != "" {
		if _, err := getAs[*domain.Category](ctx, s.writer.store, b.CategoryID); err != nil {
			if isNotFound(err) {
				return nil, domain.Invalid(domain.TypeBudget, "categoryId", "unknown category "+b.CategoryID)
			}
			return nil, err
		}
	}

	doc, err := s.writer.Create(ctx, b)
	if err != nil {
		return nil, err
	}
	id := doc.DocMeta().ID
	if err := s.users.addRef(ctx, userID, budgetRefs, id); err != nil {
		s.logger.Warn("budget reference not recorded on user", zap.Error(err))
	}
	return s.agg.RecomputeBudget(ctx, id)
}

// Update patches a budget the user owns and recomputes its spent total.
func (s *BudgetService) Update(ctx context.Context, userID, budgetID string, patch domain.Patch) (*domain.Budget, error) {
	ctx, span := budgetTracer.Start(ctx, "BudgetService.Update")
	defer span.End()

	if err := s.owned(ctx, userID, budgetID); err != nil {
		return nil, err
	}
	if _, err := s.writer.Update(ctx, budgetID, without(patch, "spent", "userId")); err != nil {
		return nil, err
	}
	return s.agg.RecomputeBudget(ctx, budgetID)
}

func (s *BudgetService) Delete(ctx context.Context, userID, budgetID string) error {
	ctx, span := budgetTracer.Start(ctx, "BudgetService.Delete")
	defer span.End()

	if err := s.owned(ctx, userID, budgetID); err != nil {
		return err
	}
	if _, err := s.writer.Delete(ctx, budgetID); err != nil {
		return err
	}
	if err := s.users.removeRef(ctx, userID, budgetRefs, budgetID); err != nil {
		s.logger.Warn("budget reference not removed from user", zap.Error(err))
	}
	return nil
}

func (s *BudgetService) owned(ctx context.Context, userID, budgetID string) error {
	b, err := s.Get(ctx, userID, budgetID)
	if err != nil {
		return err
	}
	if b.UserID != userID {
		return &domain.ErrForbidden{Action: "change a budget shared with you"}
	}
	return nil
}
