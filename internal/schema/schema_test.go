package schema_test

import (
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func validTransaction() *domain.Transaction {
	return &domain.Transaction{
		Meta:       domain.Meta{ID: "transaction_1", Type: domain.TypeTransaction},
		WalletID:   "wallet_1",
		UserID:     "user_1",
		Kind:       domain.KindExpense,
		Amount:     decimal.NewFromInt(120),
		CategoryID: "category_1",
		Datetime:   now,
	}
}

func fieldsOf(vs []domain.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Field)
	}
	return out
}

func TestValidate_ValidTransaction(t *testing.T) {
	assert.Empty(t, schema.Validate(validTransaction(), domain.TypeTransaction))
}

func TestValidate_TypeTagMismatch(t *testing.T) {
	tx := validTransaction()
	tx.Type = domain.TypeWallet

	assert.Contains(t, fieldsOf(schema.Validate(tx, domain.TypeTransaction)), "type")
}

func TestValidate_ShapeMismatch(t *testing.T) {
	vs := schema.Validate(validTransaction(), domain.TypeBudget)
	assert.Contains(t, fieldsOf(vs), "type")
}

func TestValidate_TransactionRules(t *testing.T) {
	tx := validTransaction()
	tx.Amount = decimal.NewFromInt(-1)
	tx.Kind = "refund"

	fields := fieldsOf(schema.Validate(tx, domain.TypeTransaction))
	assert.Contains(t, fields, "amount")
	assert.Contains(t, fields, "kind")
}

func TestValidate_TransactionLegacyDateAccepted(t *testing.T) {
	tx := validTransaction()
	tx.Datetime = time.Time{}
	tx.Date = "2025-01-15"
	tx.Time = "17:30"

	assert.Empty(t, schema.Validate(tx, domain.TypeTransaction))
}

func TestValidate_UserEmail(t *testing.T) {
	u := &domain.User{
		Meta:         domain.Meta{ID: "user_1", Type: domain.TypeUser},
		Email:        "not-an-email",
		Name:         "Ana",
		PasswordHash: "hash",
		Provider:     domain.ProviderTraditional,
		WalletID:     "wallet_user_1",
	}

	assert.Equal(t, []string{"email"}, fieldsOf(schema.Validate(u, domain.TypeUser)))

	u.Email = "ana@example.com"
	assert.Empty(t, schema.Validate(u, domain.TypeUser))
}

func TestValidate_ExternalUserWithoutPassword(t *testing.T) {
	u := &domain.User{
		Meta:     domain.Meta{ID: "user_1", Type: domain.TypeUser},
		Email:    "ana@example.com",
		Name:     "Ana",
		Provider: domain.ProviderGoogle,
		WalletID: "wallet_user_1",
	}
	assert.Empty(t, schema.Validate(u, domain.TypeUser))

	u.Provider = domain.ProviderTraditional
	assert.Equal(t, []string{"password"}, fieldsOf(schema.Validate(u, domain.TypeUser)))
}

func TestValidate_BudgetRules(t *testing.T) {
	b := &domain.Budget{
		Meta:        domain.Meta{ID: "budget_1", Type: domain.TypeBudget},
		UserID:      "user_1",
		CategoryID:  "category_1",
		BudgetType:  "monthly",
		PeriodStart: now,
		PeriodEnd:   now.Add(-time.Hour),
		Percent:     decimal.NewFromInt(101),
	}

	fields := fieldsOf(schema.Validate(b, domain.TypeBudget))
	assert.Contains(t, fields, "periodEnd")
	assert.Contains(t, fields, "percent")

	b.PeriodEnd = b.PeriodStart
	b.Percent = decimal.NewFromInt(100)
	assert.Empty(t, schema.Validate(b, domain.TypeBudget))
}

func TestValidate_WalletCurrency(t *testing.T) {
	w := &domain.Wallet{
		Meta:        domain.Meta{ID: "wallet_1", Type: domain.TypeWallet},
		OwnerUserID: "user_1",
		Name:        "Main",
		Currency:    "XYZ",
	}
	assert.Equal(t, []string{"currency"}, fieldsOf(schema.Validate(w, domain.TypeWallet)))

	w.Currency = "PHP"
	assert.Empty(t, schema.Validate(w, domain.TypeWallet))
}

func TestSanitize_FillsDefaults(t *testing.T) {
	c := &domain.Category{
		Meta:            domain.Meta{ID: "category_1"},
		Name:            "Groceries",
		Kind:            domain.KindExpense,
		CreatedByUserID: "user_1",
	}

	require.NoError(t, schema.Sanitize(c, domain.TypeCategory, now))

	assert.Equal(t, domain.TypeCategory, c.Type)
	assert.Equal(t, schema.ExpenseColor, c.Color)
	assert.Equal(t, schema.DefaultIcon, c.Icon)
	assert.NotNil(t, c.SharedWithUserIDs)
	assert.Equal(t, now, c.CreatedAt)
	assert.Equal(t, now, c.UpdatedAt)
}

func TestSanitize_KeepsCreatedAt(t *testing.T) {
	created := now.Add(-24 * time.Hour)
	w := &domain.Wallet{
		Meta:        domain.Meta{ID: "wallet_1", Type: domain.TypeWallet, CreatedAt: created},
		OwnerUserID: "user_1",
		Name:        "Main",
	}

	require.NoError(t, schema.Sanitize(w, domain.TypeWallet, now))

	assert.Equal(t, created, w.CreatedAt)
	assert.Equal(t, now, w.UpdatedAt)
	assert.Equal(t, schema.DefaultCurrency, w.Currency)
	assert.Equal(t, schema.DefaultWalletType, w.WalletType)
}

func TestSanitize_MissingRequiredIsHardError(t *testing.T) {
	u := &domain.User{Meta: domain.Meta{ID: "user_1"}, Name: "Ana"}

	err := schema.Sanitize(u, domain.TypeUser, now)

	var verr *domain.ErrValidation
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{"email", "walletId"}, fieldsOf(verr.Violations))
	assert.NotNil(t, u.TransactionIDs, "reference arrays default to empty")
}

func TestCheck_CombinesViolations(t *testing.T) {
	tx := validTransaction()
	tx.Kind = "gift"

	err := schema.Check(tx, domain.TypeTransaction, now)

	var verr *domain.ErrValidation
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"kind"}, fieldsOf(verr.Violations))
	assert.NotNil(t, tx.SplitPayment)
}
