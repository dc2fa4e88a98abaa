// Package schema validates and sanitizes documents before they are written.
// Everything here is pure: no I/O, no clock reads (callers pass "now").
package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var hundred = decimal.NewFromInt(100)

// Defaults applied by Sanitize.
const (
	DefaultCurrency   = "USD"
	DefaultWalletType = "personal"
	DefaultBudgetType = "monthly"
	DefaultIcon       = "category"
	DefaultWalletIcon = "account_balance_wallet"
	ExpenseColor      = "red-5"
	IncomeColor       = "green-5"
	NeutralColor      = "grey-5"
)

// Validate returns every rule doc breaks when checked as a document of type
// typ. An empty result means the document is valid.
func Validate(doc domain.Document, typ domain.DocType) []domain.Violation {
	var v violations

	meta := doc.DocMeta()
	if meta.ID == "" {
		v.add("_id", "is required")
	}
	if meta.Type != typ {
		v.add("type", fmt.Sprintf("expected %s, got %q", typ, meta.Type))
	}
	if doc.DocType() != typ {
		v.add("type", fmt.Sprintf("document shape is %s, not %s", doc.DocType(), typ))
		return v
	}

	switch d := doc.(type) {
	case *domain.User:
		validateUser(d, &v)
	case *domain.Wallet:
		validateWallet(d, &v)
	case *domain.Category:
		validateCategory(d, &v)
	case *domain.Transaction:
		validateTransaction(d, &v)
	case *domain.Budget:
		validateBudget(d, &v)
	}
	return v
}

func validateUser(u *domain.User, v *violations) {
	v.required("email", u.Email)
	v.required("name", u.Name)
	v.required("walletId", u.WalletID)
	if u.Email != "" && !emailPattern.MatchString(u.Email) {
		v.add("email", "invalid email format")
	}
	if u.Provider == domain.ProviderTraditional && u.PasswordHash == "" {
		v.add("password", "is required for traditional accounts")
	}
	switch u.SharingStatus {
	case "", domain.SharingSingle, domain.SharingShared, domain.SharingDisabled:
	default:
		v.add("sharingStatus", fmt.Sprintf("unknown status %q", u.SharingStatus))
	}
}

func validateWallet(w *domain.Wallet, v *violations) {
	v.required("ownerUserId", w.OwnerUserID)
	v.required("name", w.Name)
	if w.Currency != "" && money.GetCurrency(w.Currency) == nil {
		v.add("currency", fmt.Sprintf("unknown currency %q", w.Currency))
	}
}

func validateCategory(c *domain.Category, v *violations) {
	v.required("name", c.Name)
	v.required("createdByUserId", c.CreatedByUserID)
	if c.Kind != domain.KindIncome && c.Kind != domain.KindExpense {
		v.add("kind", fmt.Sprintf("must be income or expense, got %q", c.Kind))
	}
}

func validateTransaction(t *domain.Transaction, v *violations) {
	v.required("walletId", t.WalletID)
	v.required("userId", t.UserID)
	v.required("categoryId", t.CategoryID)
	if _, ok := t.When(); !ok {
		v.add("datetime", "is required")
	}
	if t.Amount.IsNegative() {
		v.add("amount", "must not be negative")
	}
	switch t.Kind {
	case domain.KindIncome, domain.KindExpense, domain.KindTransfer:
	default:
		v.add("kind", fmt.Sprintf("must be income, expense or transfer, got %q", t.Kind))
	}
}

func validateBudget(b *domain.Budget, v *violations) {
	v.required("userId", b.UserID)
	v.required("categoryId", b.CategoryID)
	v.required("budgetType", b.BudgetType)
	if b.PeriodStart.IsZero() {
		v.add("periodStart", "is required")
	}
	if b.PeriodEnd.IsZero() {
		v.add("periodEnd", "is required")
	}
	if !b.PeriodStart.IsZero() && !b.PeriodEnd.IsZero() && b.PeriodStart.After(b.PeriodEnd) {
		v.add("periodEnd", "must not be before periodStart")
	}
	if b.Amount.IsNegative() {
		v.add("amount", "must not be negative")
	}
	if b.Percent.IsNegative() || b.Percent.GreaterThan(hundred) {
		v.add("percent", "must be between 0 and 100")
	}
}

// Sanitize fills optional fields with their defaults and stamps timestamps.
// It never invents required fields: if one is still missing afterwards the
// result is a validation error.
func Sanitize(doc domain.Document, typ domain.DocType, now time.Time) error {
	meta := doc.DocMeta()
	if meta.Type == "" {
		meta.Type = typ
	}
	now = now.UTC()
	meta.UpdatedAt = now
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}

	switch d := doc.(type) {
	case *domain.User:
		d.CategoryIDs = orEmpty(d.CategoryIDs)
		d.TransactionIDs = orEmpty(d.TransactionIDs)
		d.BudgetIDs = orEmpty(d.BudgetIDs)
		d.SharedWithUserIDs = orEmpty(d.SharedWithUserIDs)
		d.SharedWalletIDs = orEmpty(d.SharedWalletIDs)
		if d.Provider == "" {
			d.Provider = domain.ProviderTraditional
		}
		if d.SharingStatus == "" {
			d.SharingStatus = domain.SharingSingle
		}
		if d.LastSyncAt.IsZero() {
			d.LastSyncAt = now
		}
	case *domain.Wallet:
		d.SharedWithUserIDs = orEmpty(d.SharedWithUserIDs)
		d.SharedWithWalletIDs = orEmpty(d.SharedWithWalletIDs)
		if d.WalletType == "" {
			d.WalletType = DefaultWalletType
		}
		if d.Currency == "" {
			d.Currency = DefaultCurrency
		}
		if d.Icon == "" {
			d.Icon = DefaultWalletIcon
		}
	case *domain.Category:
		d.SharedWithUserIDs = orEmpty(d.SharedWithUserIDs)
		if d.Icon == "" {
			d.Icon = DefaultIcon
		}
		if d.Color == "" {
			d.Color = colorFor(d.Kind)
		}
		if d.Description == "" {
			d.Description = "category description"
		}
	case *domain.Transaction:
		d.Tags = orEmpty(d.Tags)
		if d.SplitPayment == nil {
			d.SplitPayment = &domain.SplitPayment{}
		}
		if d.SplitPayment.SplitDetails == nil {
			d.SplitPayment.SplitDetails = map[string]decimal.Decimal{}
		}
	case *domain.Budget:
		d.SharedWithUserIDs = orEmpty(d.SharedWithUserIDs)
		if d.BudgetType == "" {
			d.BudgetType = DefaultBudgetType
		}
	}

	if missing := missingRequired(doc); len(missing) > 0 {
		return &domain.ErrValidation{DocType: typ, Violations: missing}
	}
	return nil
}

// Check sanitizes then validates doc, returning one *domain.ErrValidation
// that lists every violation.
func Check(doc domain.Document, typ domain.DocType, now time.Time) error {
	if err := Sanitize(doc, typ, now); err != nil {
		return err
	}
	if violations := Validate(doc, typ); len(violations) > 0 {
		return &domain.ErrValidation{DocType: typ, Violations: violations}
	}
	return nil
}

// missingRequired reports required-field violations only.
func missingRequired(doc domain.Document) []domain.Violation {
	var out []domain.Violation
	for _, v := range Validate(doc, doc.DocType()) {
		if v.Message == "is required" {
			out = append(out, v)
		}
	}
	return out
}

func colorFor(kind string) string {
	switch kind {
	case domain.KindExpense:
		return ExpenseColor
	case domain.KindIncome:
		return IncomeColor
	default:
		return NeutralColor
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type violations []domain.Violation

func (v *violations) add(field, message string) {
	*v = append(*v, domain.Violation{Field: field, Message: message})
}

func (v *violations) required(field, value string) {
	if value == "" {
		v.add(field, "is required")
	}
}
