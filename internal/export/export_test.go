package export_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/export"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTxs struct {
	txs []*domain.Transaction
	err error
}

func (f fakeTxs) LoadAll(context.Context, string) ([]*domain.Transaction, error) { return f.txs, f.err }

type fakeWallets []*domain.Wallet

func (f fakeWallets) LoadAll(context.Context, string) ([]*domain.Wallet, error) { return f, nil }

type fakeCategories []*domain.Category

func (f fakeCategories) LoadAll(context.Context, string) ([]*domain.Category, error) { return f, nil }

func fixtures() (fakeTxs, fakeWallets, fakeCategories) {
	wallets := fakeWallets{{Meta: domain.Meta{ID: "wallet_1"}, Name: "Main", Currency: "USD"}}
	categories := fakeCategories{{Meta: domain.Meta{ID: "category_food"}, Name: "Food"}}
	txs := fakeTxs{txs: []*domain.Transaction{
		{
			Meta:       domain.Meta{ID: "transaction_2"},
			WalletID:   "wallet_1",
			CategoryID: "category_food",
			Kind:       domain.KindExpense,
			Amount:     decimal.RequireFromString("1234.5"),
			Datetime:   time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC),
			Notes:      "weekly, big",
			Tags:       []string{"home", "food"},
		},
		{
			Meta:       domain.Meta{ID: "transaction_1"},
			WalletID:   "wallet_gone",
			CategoryID: "category_gone",
			Kind:       domain.KindIncome,
			Amount:     decimal.NewFromInt(10),
			Date:       "2024-12-31",
			Time:       "23:59",
		},
		{Meta: domain.Meta{ID: "transaction_undated"}, Kind: domain.KindIncome},
	}}
	return txs, wallets, categories
}

func TestExporter_Transactions(t *testing.T) {
	txs, wallets, categories := fixtures()
	e := export.New(txs, wallets, categories, zap.NewNop())

	var buf bytes.Buffer
	n, err := e.Transactions(context.Background(), &buf, "user_1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, export.Header, rows[0])
	assert.Equal(t, []string{
		"transaction_2", "2025-01-15", "09:30", "Main", "Food", "expense",
		"1234.50", "USD", "$1,234.50", "weekly, big", "home;food",
	}, rows[1])

	// Unresolvable names fall back to the ids.
	assert.Equal(t, "wallet_gone", rows[2][3])
	assert.Equal(t, "category_gone", rows[2][4])
	assert.Equal(t, "2024-12-31", rows[2][1])
	assert.Equal(t, "10.00", rows[2][8])
}

func TestExporter_DateRange(t *testing.T) {
	txs, wallets, categories := fixtures()
	e := export.New(txs, wallets, categories, zap.NewNop())

	var buf bytes.Buffer
	n, err := e.Transactions(context.Background(), &buf, "user_1",
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExporter_SourceError(t *testing.T) {
	_, wallets, categories := fixtures()
	e := export.New(fakeTxs{err: errors.New("store closed")}, wallets, categories, zap.NewNop())

	var buf bytes.Buffer
	_, err := e.Transactions(context.Background(), &buf, "user_1", time.Time{}, time.Time{})
	assert.ErrorContains(t, err, "store closed")
	assert.Zero(t, buf.Len())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "$1.50", export.Format(decimal.RequireFromString("1.5"), "USD"))
	assert.Equal(t, "7.25", export.Format(decimal.RequireFromString("7.25"), "XYZ"))
}
