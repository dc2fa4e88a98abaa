package service

import (
	"context"
	"slices"
	"strings"

	"github.com/boddenberg/walletsync-go/internal/domain"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

var categoryTracer = otel.Tracer("service/categories")

// DefaultCategory describes a category provisioned for every new user.
type DefaultCategory struct {
	Name        string
	Kind        string
	Icon        string
	Description string
}

// DefaultCategories are created on first login.
var DefaultCategories = []DefaultCategory{
	{"Tithes", domain.KindExpense, "volunteer_activism", "Religious giving - 10% of income"},
	{"Offerings", domain.KindExpense, "local_offer", "Church offerings and donations"},
	{"Faith Promise", domain.KindExpense, "favorite", "Missionary support and faith promises"},
	{"Groceries", domain.KindExpense, "shopping_cart", "Food and groceries"},
	{"Transportation", domain.KindExpense, "directions_car", "Travel and transport expenses"},
	{"Utilities", domain.KindExpense, "bolt", "Bills and utilities"},
	{"Entertainment", domain.KindExpense, "movie", "Movies, fun, and entertainment"},
	{"Healthcare", domain.KindExpense, "local_hospital", "Medical expenses and healthcare"},
	{"Salary", domain.KindIncome, "work", "Employment income and salary"},
	{"Gifts/Grants", domain.KindIncome, "card_giftcard", "Gifts, grants, and other income"},
}

// CategoryService owns the category lifecycle. Names are unique per creator
// under Unicode case folding.
type CategoryService struct {
	writer  *Writer
	queries *Queries
	users   *UserService
	logger  *zap.Logger
}

// NewCategoryService creates a new category service.
func NewCategoryService(writer *Writer, queries *Queries, users *UserService, logger *zap.Logger) *CategoryService {
	return &CategoryService{writer: writer, queries: queries, users: users, logger: logger.Named("categories")}
}

// foldName is the key names are compared by.
func foldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// LoadAll returns the categories visible to the user.
func (s *CategoryService) LoadAll(ctx context.Context, userID string) ([]*domain.Category, error) {
	ctx, span := categoryTracer.Start(ctx, "CategoryService.LoadAll")
	defer span.End()

	return s.queries.CategoriesVisibleTo(ctx, userID)
}

func (s *CategoryService) ExpenseCategories(ctx context.Context, userID string) ([]*domain.Category, error) {
	return s.ofKind(ctx, userID, domain.KindExpense)
}

func (s *CategoryService) IncomeCategories(ctx context.Context, userID string) ([]*domain.Category, error) {
	return s.ofKind(ctx, userID, domain.KindIncome)
}

func (s *CategoryService) ofKind(ctx context.Context, userID, kind string) ([]*domain.Category, error) {
	all, err := s.LoadAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []*domain.Category
	for _, c := range all {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out, nil
}

// Get returns a category visible to the user.
func (s *CategoryService) Get(ctx context.Context, userID, categoryID string) (*domain.Category, error) {
	c, err := getAs[*domain.Category](ctx, s.writer.store, categoryID)
	if err != nil {
		return nil, err
	}
	if c.CreatedByUserID != userID && !slices.Contains(c.SharedWithUserIDs, userID) {
		return nil, &domain.ErrNotFound{Resource: "category", ID: categoryID}
	}
	return c, nil
}

func (s *CategoryService) Add(ctx context.Context, userID string, c *domain.Category) (*domain.Category, error) {
	ctx, span := categoryTracer.Start(ctx, "CategoryService.Add")
	defer span.End()

	c.CreatedByUserID = userID
	c.Name = strings.TrimSpace(c.Name)
	if err := s.checkUnique(ctx, userID, c.Name, ""); err != nil {
		return nil, err
	}

	doc, err := s.writer.Create(ctx, c)
	if err != nil {
		return nil, err
	}
	created, err := domain.As[*domain.Category](doc)
	if err != nil {
		return nil, err
	}
	if err := s.users.addRef(ctx, userID, categoryRefs, created.ID); err != nil {
		s.logger.Warn("category reference not recorded on user", zap.Error(err))
	}
	return created, nil
}

// Update patches a category the user created.
func (s *CategoryService) Update(ctx context.Context, userID, categoryID string, patch domain.Patch) (*domain.Category, error) {
	ctx, span := categoryTracer.Start(ctx, "CategoryService.Update")
	defer span.End()

	if err := s.created(ctx, userID, categoryID); err != nil {
		return nil, err
	}
	patch = without(patch, "createdByUserId")
	if raw, ok := patch["name"]; ok {
		name, _ := raw.(string)
		name = strings.TrimSpace(name)
		if err := s.checkUnique(ctx, userID, name, categoryID); err != nil {
			return nil, err
		}
		patch["name"] = name
	}

	doc, err := s.writer.Update(ctx, categoryID, patch)
	if err != nil {
		return nil, err
	}
	return domain.As[*domain.Category](doc)
}

// Delete tombstones a category the user created. Categories still used by
// transactions are refused.
func (s *CategoryService) Delete(ctx context.Context, userID, categoryID string) error {
	ctx, span := categoryTracer.Start(ctx, "CategoryService.Delete")
	defer span.End()

	if err := s.created(ctx, userID, categoryID); err != nil {
		return err
	}
	txs, err := s.queries.TransactionsInCategory(ctx, categoryID)
	if err != nil {
		return err
	}
	if len(txs) > 0 {
		return domain.Invalid(domain.TypeCategory, "_id", "category is used by transactions")
	}
	if _, err := s.writer.Delete(ctx, categoryID); err != nil {
		return err
	}
	if err := s.users.removeRef(ctx, userID, categoryRefs, categoryID); err != nil {
		s.logger.Warn("category reference not removed from user", zap.Error(err))
	}
	return nil
}

// EnsureDefaults creates the default categories the user does not have yet
// and returns the user's categories by folded name.
func (s *CategoryService) EnsureDefaults(ctx context.Context, userID string) (map[string]*domain.Category, error) {
	ctx, span := categoryTracer.Start(ctx, "CategoryService.EnsureDefaults")
	defer span.End()

	existing, err := s.queries.CategoriesCreatedBy(ctx, userID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*domain.Category, len(existing)+len(DefaultCategories))
	for _, c := range existing {
		byName[foldName(c.Name)] = c
	}

	for _, def := range DefaultCategories {
		if _, ok := byName[foldName(def.Name)]; ok {
			continue
		}
		doc, err := s.writer.Create(ctx, &domain.Category{
			Meta:            domain.Meta{Type: domain.TypeCategory},
			Name:            def.Name,
			Kind:            def.Kind,
			Icon:            def.Icon,
			Description:     def.Description,
			IsShared:        true,
			CreatedByUserID: userID,
		})
		if err != nil {
			return nil, err
		}
		c, err := domain.As[*domain.Category](doc)
		if err != nil {
			return nil, err
		}
		byName[foldName(c.Name)] = c
	}
	return byName, nil
}

func (s *CategoryService) checkUnique(ctx context.Context, userID, name, exceptID string) error {
	if name == "" {
		return nil
	}
	existing, err := s.queries.CategoriesCreatedBy(ctx, userID)
	if err != nil {
		return err
	}
	key := foldName(name)
	for _, c := range existing {
		if c.ID != exceptID && foldName(c.Name) == key {
			return &domain.ErrDuplicate{Key: "category name " + name}
		}
	}
	return nil
}

func (s *CategoryService) created(ctx context.Context, userID, categoryID string) error {
	c, err := s.Get(ctx, userID, categoryID)
	if err != nil {
		return err
	}
	if c.CreatedByUserID != userID {
		return &domain.ErrForbidden{Action: "change a category shared with you"}
	}
	return nil
}
