package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DocType is the discriminator persisted in every document's "type" field.
// It is used for storage and queries only; the Go type carries the shape.
type DocType string

const (
	TypeUser        DocType = "user"
	TypeWallet      DocType = "wallet"
	TypeCategory    DocType = "category"
	TypeTransaction DocType = "transaction"
	TypeBudget      DocType = "budget"
)

// DocTypes lists every known document type.
var DocTypes = []DocType{TypeUser, TypeWallet, TypeCategory, TypeTransaction, TypeBudget}

// Valid reports whether t is a known document type.
func (t DocType) Valid() bool {
	for _, known := range DocTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Transaction and category kinds.
const (
	KindIncome   = "income"
	KindExpense  = "expense"
	KindTransfer = "transfer"
)

// Authentication providers.
const (
	ProviderTraditional = "traditional"
	ProviderGoogle      = "google"
)

// Sharing statuses of a user.
const (
	SharingSingle   = "single"
	SharingShared   = "shared"
	SharingDisabled = "disabled"
)

// ============================================================
// Envelope
// ============================================================

// Meta is the envelope shared by all persisted documents. The JSON names
// follow the CouchDB wire format so documents replicate unchanged.
type Meta struct {
	ID        string    `json:"_id"`
	Rev       string    `json:"_rev,omitempty"`
	Deleted   bool      `json:"_deleted,omitempty"`
	Type      DocType   `json:"type"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// DocMeta returns the envelope itself so any embedding struct satisfies Document.
func (m *Meta) DocMeta() *Meta { return m }

// Document is the closed set of persisted entity types:
// *User, *Wallet, *Category, *Transaction and *Budget.
type Document interface {
	DocMeta() *Meta
	DocType() DocType
	sealed()
}

// Generation returns the numeric prefix of a "<n>-<hash>" revision,
// or 0 when the revision is empty or malformed.
func Generation(rev string) int {
	head, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}

// NewID returns a type-prefixed document id.
func NewID(t DocType, suffix string) string {
	return fmt.Sprintf("%s_%s", t, suffix)
}

// ============================================================
// Entities
// ============================================================

// User is an account holder. Users are never physically deleted; Disabled
// flags a retired account. The *IDs arrays are denormalized caches that the
// aggregate layer reconciles against authoritative queries.
type User struct {
	Meta
	Email             string    `json:"email"`
	Name              string    `json:"name"`
	PasswordHash      string    `json:"password"`
	Provider          string    `json:"provider,omitempty"`
	EmailVerified     bool      `json:"emailVerified"`
	Picture           string    `json:"picture,omitempty"`
	WalletID          string    `json:"walletId"`
	CategoryIDs       []string  `json:"categoryIds"`
	TransactionIDs    []string  `json:"transactionIds"`
	BudgetIDs         []string  `json:"budgetIds"`
	SharedWithUserIDs []string  `json:"sharedWithUserIds"`
	SharedWalletIDs   []string  `json:"sharedWalletIds"`
	IsSharingEnabled  bool      `json:"isSharingEnabled"`
	SharingStatus     string    `json:"sharingStatus,omitempty"`
	Disabled          bool      `json:"disabled,omitempty"`
	LastSyncAt        time.Time `json:"lastSyncAt,omitzero"`
}

// Wallet holds money. Balance is derived from its transactions.
type Wallet struct {
	Meta
	OwnerUserID         string          `json:"ownerUserId"`
	Name                string          `json:"name"`
	Balance             decimal.Decimal `json:"balance"`
	WalletType          string          `json:"walletType"`
	Currency            string          `json:"currency,omitempty"`
	Icon                string          `json:"icon,omitempty"`
	SharedWithUserIDs   []string        `json:"sharedWithUserIds"`
	SharedWithWalletIDs []string        `json:"sharedWithWalletIds"`
}

// Category classifies transactions. Names are unique per creator,
// compared case-insensitively.
type Category struct {
	Meta
	Name              string   `json:"name"`
	Kind              string   `json:"kind"`
	Icon              string   `json:"icon,omitempty"`
	Color             string   `json:"color,omitempty"`
	Description       string   `json:"description,omitempty"`
	IsShared          bool     `json:"isShared"`
	CreatedByUserID   string   `json:"createdByUserId"`
	SharedWithUserIDs []string `json:"sharedWithUserIds"`
}

// SplitPayment describes how a transaction amount is divided.
type SplitPayment struct {
	IsSplit      bool                       `json:"isSplit"`
	SplitDetails map[string]decimal.Decimal `json:"splitDetails"`
}

// Transaction is a single money movement on a wallet. Amount is never
// negative; the direction is carried by Kind.
type Transaction struct {
	Meta
	WalletID   string          `json:"walletId"`
	UserID     string          `json:"userId"`
	Kind       string          `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	CategoryID string          `json:"categoryId"`
	Datetime   time.Time       `json:"datetime,omitzero"`

	// Date and Time are the legacy split timestamp ("2006-01-02", "15:04")
	// found on older documents without Datetime.
	Date string `json:"date,omitempty"`
	Time string `json:"time,omitempty"`

	Notes              string        `json:"notes,omitempty"`
	Tags               []string      `json:"tags"`
	SplitPayment       *SplitPayment `json:"splitPayment,omitempty"`
	BudgetID           string        `json:"budgetId,omitempty"`
	IsBudgetAllocation bool          `json:"isBudgetAllocation,omitempty"`
	IsTransfer         bool          `json:"isTransfer,omitempty"`
}

// When returns the effective timestamp: Datetime when set, otherwise the
// legacy Date and Time pair parsed in UTC. ok is false when neither is usable.
func (t *Transaction) When() (time.Time, bool) {
	if !t.Datetime.IsZero() {
		return t.Datetime, true
	}
	if t.Date == "" {
		return time.Time{}, false
	}
	clock := t.Time
	if clock == "" {
		clock = "00:00"
	}
	ts, err := time.Parse("2006-01-02 15:04", t.Date+" "+clock)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// RecencyKey is the string compared when ordering transactions by recency:
// the ISO datetime when present, else the "date time" composite.
func (t *Transaction) RecencyKey() string {
	if !t.Datetime.IsZero() {
		return t.Datetime.UTC().Format(SortableTime)
	}
	if t.Date == "" {
		return ""
	}
	return t.Date + "T" + t.Time
}

// SortableTime is a fixed-width UTC layout whose lexical order matches
// chronological order.
const SortableTime = "2006-01-02T15:04:05.000000000Z"

// Budget caps spending on a category for the period [PeriodStart, PeriodEnd].
// Spent is derived from expense transactions.
type Budget struct {
	Meta
	UserID            string          `json:"userId"`
	CategoryID        string          `json:"categoryId"`
	BudgetType        string          `json:"budgetType"`
	PeriodStart       time.Time       `json:"periodStart"`
	PeriodEnd         time.Time       `json:"periodEnd"`
	Amount            decimal.Decimal `json:"amount"`
	Percent           decimal.Decimal `json:"percent"`
	Spent             decimal.Decimal `json:"spent"`
	IsShared          bool            `json:"isShared"`
	SharedWithUserIDs []string        `json:"sharedWithUserIds"`
}

// Covers reports whether ts falls inside the closed budget period.
func (b *Budget) Covers(ts time.Time) bool {
	return !ts.Before(b.PeriodStart) && !ts.After(b.PeriodEnd)
}

func (*User) DocType() DocType        { return TypeUser }
func (*Wallet) DocType() DocType      { return TypeWallet }
func (*Category) DocType() DocType    { return TypeCategory }
func (*Transaction) DocType() DocType { return TypeTransaction }
func (*Budget) DocType() DocType      { return TypeBudget }

func (*User) sealed()        {}
func (*Wallet) sealed()      {}
func (*Category) sealed()    {}
func (*Transaction) sealed() {}
func (*Budget) sealed()      {}

// ============================================================
// Codec
// ============================================================

// New returns an empty document of type t with its type tag set.
func New(t DocType) (Document, error) {
	var doc Document
	switch t {
	case TypeUser:
		doc = &User{}
	case TypeWallet:
		doc = &Wallet{}
	case TypeCategory:
		doc = &Category{}
	case TypeTransaction:
		doc = &Transaction{}
	case TypeBudget:
		doc = &Budget{}
	default:
		return nil, fmt.Errorf("unknown document type %q", t)
	}
	doc.DocMeta().Type = t
	return doc, nil
}

// Decode unmarshals a stored JSON body into its concrete document type,
// selected by the body's "type" field.
func Decode(body []byte) (Document, error) {
	var envelope struct {
		Type DocType `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode document envelope: %w", err)
	}
	doc, err := New(envelope.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, doc); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", envelope.Type, err)
	}
	return doc, nil
}

// Clone returns a deep copy of doc through its JSON form. The copy keeps
// doc's type tag as is, even when it is empty.
func Clone(doc Document) (Document, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out, err := New(doc.DocType())
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("clone %s: %w", doc.DocMeta().ID, err)
	}
	return out, nil
}

// As type-asserts doc to the concrete document type T.
func As[T Document](doc Document) (T, error) {
	typed, ok := doc.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("document %s is a %s, not %T", doc.DocMeta().ID, doc.DocType(), zero)
	}
	return typed, nil
}
