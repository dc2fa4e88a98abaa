package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/infra/observability"
	"github.com/boddenberg/walletsync-go/internal/port"
	"github.com/boddenberg/walletsync-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWriter_CreateAssignsIDAndTimestamps(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "user_1")

	doc, err := h.writer.Create(h.ctx, &domain.Category{Name: "Food", Kind: domain.KindExpense, CreatedByUserID: "user_1"})
	require.NoError(t, err)

	meta := doc.DocMeta()
	assert.True(t, strings.HasPrefix(meta.ID, "category_"))
	assert.Equal(t, 1, domain.Generation(meta.Rev))
	assert.Equal(t, domain.TypeCategory, meta.Type)
	assert.True(t, meta.CreatedAt.Equal(now))
	assert.True(t, meta.UpdatedAt.Equal(now))
	assert.Equal(t, "red-5", doc.(*domain.Category).Color, "sanitize fills the kind color")
}

func TestWriter_CreateRejectsInvalidDocument(t *testing.T) {
	h := newHarness(t)

	_, err := h.writer.Create(h.ctx, &domain.Category{Name: "Food", Kind: "gift", CreatedByUserID: "user_1"})

	var invalid *domain.ErrValidation
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "kind", invalid.Violations[0].Field)
}

func TestWriter_SaveMergesOntoStoredDocument(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "user_1")

	w := h.wallet(t, service.PrimaryWalletID("user_1"))
	require.Equal(t, "account_balance_wallet", w.Icon)

	// Only the name is set; everything else keeps its stored value.
	doc, err := h.writer.Save(h.ctx, &domain.Wallet{Meta: domain.Meta{ID: w.ID}, Name: "Savings"})
	require.NoError(t, err)

	saved := doc.(*domain.Wallet)
	assert.Equal(t, "Savings", saved.Name)
	assert.Equal(t, "user_1", saved.OwnerUserID)
	assert.Equal(t, "account_balance_wallet", saved.Icon)
	assert.Equal(t, "USD", saved.Currency)
	assert.True(t, saved.CreatedAt.Equal(w.CreatedAt))
	assert.Equal(t, 2, domain.Generation(saved.Rev))
}

func TestWriter_SaveUnknownIDCreates(t *testing.T) {
	h := newHarness(t)

	doc, err := h.writer.Save(h.ctx, &domain.Wallet{
		Meta:        domain.Meta{ID: "wallet_new", Type: domain.TypeWallet},
		OwnerUserID: "user_1",
		Name:        "New",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, domain.Generation(doc.DocMeta().Rev))
}

func TestWriter_UpdateIgnoresEnvelopeFields(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "user_1")
	id := service.PrimaryWalletID("user_1")

	doc, err := h.writer.Update(h.ctx, id, domain.Patch{
		"_rev": "9-forged",
		"_id":  "wallet_other",
		"name": "Renamed",
	})
	require.NoError(t, err)
	assert.Equal(t, id, doc.DocMeta().ID)
	assert.Equal(t, 2, domain.Generation(doc.DocMeta().Rev))
	assert.Equal(t, "Renamed", doc.(*domain.Wallet).Name)
}

func TestWriter_UpdateRejectsUnknownFields(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "user_1")

	_, err := h.writer.Update(h.ctx, service.PrimaryWalletID("user_1"), domain.Patch{"colour": "red"})

	var invalid *domain.ErrValidation
	assert.ErrorAs(t, err, &invalid)
}

func TestWriter_ValidationErrorsAreNotRetried(t *testing.T) {
	h := newHarness(t)
	c := h.addCategory(t, "user_1", "Food", domain.KindExpense)

	_, err := h.writer.Update(h.ctx, c.ID, domain.Patch{"kind": "bogus"})

	var invalid *domain.ErrValidation
	require.ErrorAs(t, err, &invalid)
	assert.Zero(t, h.metrics.ConflictCount("category"))
}

func TestWriter_UpdateMissingDocument(t *testing.T) {
	h := newHarness(t)

	_, err := h.writer.Update(h.ctx, "wallet_missing", domain.Patch{"name": "x"})

	var nf *domain.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

// Two updates start from the same revision: one sets the name, the other
// the color. The second lands first, so the first conflicts once, re-reads
// and re-applies its change on top.
func TestWriter_ConflictRetryKeepsBothFields(t *testing.T) {
	var h *harness
	var racing *racingStore
	h = newHarness(t, withStore(func(s port.DocumentStore) port.DocumentStore {
		racing = &racingStore{DocumentStore: s}
		return racing
	}))
	c := h.addCategory(t, "user_1", "Food", domain.KindExpense)

	other := service.NewWriter(h.store, service.WriterOptions{}, observability.NewMetrics(), zap.NewNop())
	racing.race = func() {
		_, err := other.Update(context.Background(), c.ID, domain.Patch{"color": "blue-5"})
		require.NoError(t, err)
	}
	racing.armed.Store(true)

	doc, err := h.writer.Update(h.ctx, c.ID, domain.Patch{"name": "Groceries"})
	require.NoError(t, err)

	final := doc.(*domain.Category)
	assert.Equal(t, "Groceries", final.Name)
	assert.Equal(t, "blue-5", final.Color)
	assert.Equal(t, 3, domain.Generation(final.Rev), "created once, then exactly two successful updates")
	assert.Equal(t, float64(1), h.metrics.ConflictCount("category"))
}

func TestWriter_ConcurrentUpdatesToDisjointFields(t *testing.T) {
	h := newHarness(t)
	c := h.addCategory(t, "user_1", "Food", domain.KindExpense)

	patches := []domain.Patch{
		{"name": "Groceries"},
		{"color": "blue-5"},
		{"icon": "local_grocery_store"},
		{"description": "Weekly shopping"},
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, len(patches))
	for i, p := range patches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = h.writer.Update(h.ctx, c.ID, p)
		}()
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	doc, err := h.store.Get(h.ctx, c.ID)
	require.NoError(t, err)
	final := doc.(*domain.Category)
	assert.Equal(t, "Groceries", final.Name)
	assert.Equal(t, "blue-5", final.Color)
	assert.Equal(t, "local_grocery_store", final.Icon)
	assert.Equal(t, "Weekly shopping", final.Description)
	assert.Equal(t, 1+len(patches), domain.Generation(final.Rev))
}

func TestWriter_ConflictBudgetExhausted(t *testing.T) {
	var conflicting *conflictingStore
	h := newHarness(t, withStore(func(s port.DocumentStore) port.DocumentStore {
		conflicting = &conflictingStore{DocumentStore: s}
		return conflicting
	}))
	// Seed past the wrapper; every write through the writer conflicts.
	_, err := h.store.Put(h.ctx, &domain.Category{
		Meta:            domain.Meta{ID: "category_1", Type: domain.TypeCategory},
		Name:            "Food",
		Kind:            domain.KindExpense,
		CreatedByUserID: "user_1",
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = h.writer.Update(h.ctx, "category_1", domain.Patch{"name": "x"})

	var conflict *domain.ErrConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 4, conflict.Attempts, "one attempt plus three retries")
	assert.Equal(t, int32(4), conflicting.puts.Load())
	assert.GreaterOrEqual(t, time.Since(start), 6*time.Millisecond, "waits 1+2+3 backoff units")
}

func TestWriter_DeleteWritesTombstone(t *testing.T) {
	h := newHarness(t)
	c := h.addCategory(t, "user_1", "Food", domain.KindExpense)

	tomb, err := h.writer.Delete(h.ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, tomb.DocMeta().Deleted)
	assert.Equal(t, "Food", tomb.(*domain.Category).Name, "the tombstone keeps the last body")

	_, err = h.store.Get(h.ctx, c.ID)
	var nf *domain.ErrNotFound
	assert.ErrorAs(t, err, &nf)

	_, err = h.writer.Delete(h.ctx, c.ID)
	assert.ErrorAs(t, err, &nf)
}

func TestWriter_MutateWithoutChangesSkipsWrite(t *testing.T) {
	h := newHarness(t)
	c := h.addCategory(t, "user_1", "Food", domain.KindExpense)

	doc, err := h.writer.Mutate(h.ctx, c.ID, func(domain.Document) error { return service.ErrUnchanged })
	require.NoError(t, err)
	assert.Equal(t, c.Rev, doc.DocMeta().Rev)
}

func TestWriter_SubmittedWriteIgnoresCancellation(t *testing.T) {
	h := newHarness(t)
	c := h.addCategory(t, "user_1", "Food", domain.KindExpense)

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	doc, err := h.writer.Update(ctx, c.ID, domain.Patch{"name": "Groceries"})
	require.NoError(t, err)
	assert.Equal(t, "Groceries", doc.(*domain.Category).Name)
}
