package couch_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/infra/couch"
	"github.com/boddenberg/walletsync-go/internal/infra/couch/couchtest"
	"github.com/boddenberg/walletsync-go/internal/infra/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const db = "walletsync"

func newClient(t *testing.T, srv *couchtest.Server, creds couch.Credentials) *couch.Client {
	t.Helper()
	return couch.NewClient(
		&http.Client{Timeout: 2 * time.Second},
		srv.URL, db, creds,
		resilience.NewCircuitBreaker("couch-test"),
		resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond},
		zap.NewNop(),
	)
}

func doc(id, rev string, deleted bool) domain.ReplicaDoc {
	body, _ := json.Marshal(map[string]any{
		"_id": id, "_rev": rev, "_deleted": deleted, "type": "wallet", "name": id,
	})
	return domain.ReplicaDoc{ID: id, Rev: rev, Deleted: deleted, Body: body}
}

func TestClient_EnsureDatabaseIsIdempotent(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	c := newClient(t, srv, couch.Credentials{})
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.EnsureDatabase(ctx))
	require.NoError(t, c.EnsureDatabase(ctx), "412 means the database exists")
}

func TestClient_BulkDocsThenChanges(t *testing.T) {
	srv := couchtest.New("admin", "secret")
	defer srv.Close()
	c := newClient(t, srv, couch.Credentials{Username: "admin", Password: "secret"})
	ctx := context.Background()
	require.NoError(t, c.EnsureDatabase(ctx))

	require.NoError(t, c.BulkDocs(ctx, []domain.ReplicaDoc{
		doc("wallet_a", "1-aaa", false),
		doc("wallet_b", "1-bbb", false),
		doc("wallet_c", "2-ccc", true),
	}))

	page, err := c.Changes(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Docs, 2)
	assert.Equal(t, "wallet_a", page.Docs[0].ID)
	assert.Equal(t, "1-aaa", page.Docs[0].Rev)
	assert.Equal(t, 1, page.Pending)

	rest, err := c.Changes(ctx, page.LastSeq, 10)
	require.NoError(t, err)
	require.Len(t, rest.Docs, 1)
	assert.True(t, rest.Docs[0].Deleted)
	assert.Equal(t, 0, rest.Pending)

	empty, err := c.Changes(ctx, rest.LastSeq, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Docs)
	assert.Equal(t, rest.LastSeq, empty.LastSeq)
}

func TestClient_BulkDocsKeepsWinningRevision(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	c := newClient(t, srv, couch.Credentials{})
	ctx := context.Background()
	require.NoError(t, c.EnsureDatabase(ctx))

	require.NoError(t, c.BulkDocs(ctx, []domain.ReplicaDoc{doc("wallet_a", "3-aaa", false)}))
	require.NoError(t, c.BulkDocs(ctx, []domain.ReplicaDoc{doc("wallet_a", "2-fff", false)}))

	got, ok := srv.Doc(db, "wallet_a")
	require.True(t, ok)
	assert.Equal(t, "3-aaa", got.Rev)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	c := newClient(t, srv, couch.Credentials{})
	ctx := context.Background()
	require.NoError(t, c.EnsureDatabase(ctx))

	srv.FailNext(2)
	_, err := c.Changes(ctx, "0", 10)
	require.NoError(t, err, "two 503s fit in the retry budget")
}

func TestClient_DoesNotRetryAuthFailures(t *testing.T) {
	srv := couchtest.New("admin", "secret")
	defer srv.Close()
	c := newClient(t, srv, couch.Credentials{Username: "admin", Password: "wrong"})

	err := c.Ping(context.Background())

	var ext *domain.ErrExternalService
	require.True(t, errors.As(err, &ext))
	var status *couch.StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusUnauthorized, status.Status)
	assert.Equal(t, 1, srv.Requests())
}

func TestClient_CircuitOpens(t *testing.T) {
	srv := couchtest.New("", "")
	defer srv.Close()
	c := newClient(t, srv, couch.Credentials{})
	ctx := context.Background()

	srv.FailNext(100)
	for range 5 {
		_ = c.Ping(ctx)
	}

	err := c.Ping(ctx)
	var open *domain.ErrCircuitOpen
	assert.True(t, errors.As(err, &open), "expected open circuit, got %v", err)
}
