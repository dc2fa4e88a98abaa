// Package couch is a client for a CouchDB-compatible remote replica.
// It speaks the subset of the HTTP API replication needs: the change feed
// and revision-preserving bulk writes.
package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("couch")

const service = "couchdb"

// Credentials authenticate against the remote replica. They are supplied by
// configuration and never stored in documents.
type Credentials struct {
	Username string
	Password string
}

// Client wraps HTTP calls to one remote database.
type Client struct {
	httpClient *http.Client
	baseURL    string
	database   string
	creds      Credentials
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewClient creates a client for database at baseURL.
func NewClient(httpClient *http.Client, baseURL, database string, creds Credentials, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		database:   database,
		creds:      creds,
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
	}
}

// StatusError is a non-2xx response from the remote.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("couchdb %s %s returned status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// retryable reports whether a status may succeed on another attempt.
func retryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// doRequest executes an authenticated request. path is relative to the
// server root.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("encode %s body: %w", path, err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		c.logger.Error("couchdb: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, resilience.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds.Username != "" {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("couchdb: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("couchdb: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)),
		)
		serr := &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		if !retryable(resp.StatusCode) {
			return nil, resilience.Permanent(serr)
		}
		return nil, serr
	}

	c.logger.Debug("couchdb: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return respBody, nil
}

// call runs fn under the circuit breaker with retries and maps failures to
// domain errors.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, fn)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: service}
	}
	return &domain.ErrExternalService{Service: service + "/" + op, Err: err}
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Couch.Ping")
	defer span.End()

	return c.call(ctx, "ping", func() error {
		_, err := c.doRequest(ctx, http.MethodGet, "/", nil, nil)
		return err
	})
}

// EnsureDatabase creates the database unless it already exists.
func (c *Client) EnsureDatabase(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Couch.EnsureDatabase")
	defer span.End()
	span.SetAttributes(attribute.String("couch.db", c.database))

	return c.call(ctx, "ensure_db", func() error {
		_, err := c.doRequest(ctx, http.MethodPut, url.PathEscape(c.database), nil, nil)
		var serr *StatusError
		if errors.As(err, &serr) && serr.Status == http.StatusPreconditionFailed {
			return nil // already exists
		}
		return err
	})
}

type changesResponse struct {
	Results []struct {
		Seq     json.RawMessage `json:"seq"`
		ID      string          `json:"id"`
		Deleted bool            `json:"deleted"`
		Changes []struct {
			Rev string `json:"rev"`
		} `json:"changes"`
		Doc json.RawMessage `json:"doc"`
	} `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
	Pending int             `json:"pending"`
}

// Changes reads one page of the remote change feed after since ("" or "0"
// for the beginning), documents included.
func (c *Client) Changes(ctx context.Context, since string, limit int) (*domain.RemoteChanges, error) {
	ctx, span := tracer.Start(ctx, "Couch.Changes")
	defer span.End()
	span.SetAttributes(attribute.String("couch.since", since), attribute.Int("couch.limit", limit))

	if since == "" {
		since = "0"
	}
	query := url.Values{}
	query.Set("include_docs", "true")
	query.Set("since", since)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var out *domain.RemoteChanges
	err := c.call(ctx, "changes", func() error {
		body, err := c.doRequest(ctx, http.MethodGet, url.PathEscape(c.database)+"/_changes", query, nil)
		if err != nil {
			return err
		}

		var resp changesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return resilience.Permanent(fmt.Errorf("failed to decode changes: %w", err))
		}

		out = &domain.RemoteChanges{LastSeq: seqString(resp.LastSeq), Pending: resp.Pending}
		for _, r := range resp.Results {
			if len(r.Doc) == 0 || string(r.Doc) == "null" {
				continue
			}
			rev := ""
			if len(r.Changes) > 0 {
				rev = r.Changes[0].Rev
			}
			var env struct {
				Rev     string `json:"_rev"`
				Deleted bool   `json:"_deleted"`
			}
			if err := json.Unmarshal(r.Doc, &env); err == nil && env.Rev != "" {
				rev = env.Rev
			}
			out.Docs = append(out.Docs, domain.ReplicaDoc{
				ID:      r.ID,
				Rev:     rev,
				Deleted: r.Deleted || env.Deleted,
				Body:    r.Doc,
			})
		}
		if out.LastSeq == "" {
			out.LastSeq = since
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("couch.results", len(out.Docs)))
	return out, nil
}

// BulkDocs writes docs with their revisions preserved (new_edits=false),
// so the remote applies the same winner rule as the local store.
func (c *Client) BulkDocs(ctx context.Context, docs []domain.ReplicaDoc) error {
	ctx, span := tracer.Start(ctx, "Couch.BulkDocs")
	defer span.End()
	span.SetAttributes(attribute.Int("couch.docs", len(docs)))

	if len(docs) == 0 {
		return nil
	}
	payload := struct {
		Docs     []json.RawMessage `json:"docs"`
		NewEdits bool              `json:"new_edits"`
	}{Docs: make([]json.RawMessage, 0, len(docs))}
	for _, d := range docs {
		payload.Docs = append(payload.Docs, d.Body)
	}

	return c.call(ctx, "bulk_docs", func() error {
		_, err := c.doRequest(ctx, http.MethodPost, url.PathEscape(c.database)+"/_bulk_docs", nil, payload)
		return err
	})
}

// seqString normalises a sequence that may be a JSON number or string.
func seqString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
