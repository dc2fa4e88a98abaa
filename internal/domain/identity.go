package domain

import "github.com/shopspring/decimal"

// VerifiedIdentity is what an external identity provider hands over after it
// has authenticated a person. The provider's tokens are never seen here.
type VerifiedIdentity struct {
	Email           string `json:"email"`
	DisplayName     string `json:"displayName"`
	PictureURL      string `json:"pictureUrl,omitempty"`
	Provider        string `json:"provider"`
	AlreadyVerified bool   `json:"alreadyVerified"`
}

// Patch is a set of field-level changes keyed by JSON field name.
type Patch map[string]any

// ============================================================
// Request / response shapes
// ============================================================

// RegisterRequest creates a password-based account.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// RegisterResponse carries the verification token handed to the email
// collaborator.
type RegisterResponse struct {
	UserID            string `json:"userId"`
	VerificationToken string `json:"verificationToken"`
}

// LoginRequest authenticates a password-based account.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is returned after a successful login.
type Session struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
	User        *User  `json:"user"`
	IsNewUser   bool   `json:"isNewUser"`
	Synced      bool   `json:"synced"`
}

// DeleteResult reports a local deletion and whether it already reached the
// remote replica.
type DeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
	Warning string `json:"warning,omitempty"`
}

// FinancialSummary aggregates a user's income and expenses.
type FinancialSummary struct {
	Income   decimal.Decimal `json:"income"`
	Expenses decimal.Decimal `json:"expenses"`
	Net      decimal.Decimal `json:"net"`
	Budgets  []*Budget       `json:"budgets"`
}
