// Package couchtest provides an in-memory CouchDB stand-in for tests. It
// implements database creation, the change feed with include_docs, and
// _bulk_docs with new_edits=false using CouchDB's winning-revision rule.
package couchtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/boddenberg/walletsync-go/internal/domain"
)

type entry struct {
	rev     string
	deleted bool
	body    json.RawMessage
	seq     int
}

// Server is a fake CouchDB server holding one or more databases.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	dbs       map[string]map[string]*entry
	seq       int
	failures  int
	requests  int
	bulkCalls int
	username  string
	password  string
}

// New starts a fake server. Credentials, when non-empty, are required on
// every request.
func New(username, password string) *Server {
	s := &Server{
		dbs:      make(map[string]map[string]*entry),
		username: username,
		password: password,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// FailNext makes the next n requests answer 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// Requests returns how many requests were received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// BulkCalls returns how many _bulk_docs requests succeeded.
func (s *Server) BulkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkCalls
}

// Doc returns the winning revision of a document, tombstones included.
func (s *Server) Doc(db, id string) (domain.ReplicaDoc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dbs[db][id]
	if !ok {
		return domain.ReplicaDoc{}, false
	}
	return domain.ReplicaDoc{ID: id, Rev: e.rev, Deleted: e.deleted, Body: e.body}, true
}

// Len returns the number of documents in db, tombstones included.
func (s *Server) Len(db string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dbs[db])
}

// Write stores body in db as another client would. body must carry _id and
// _rev.
func (s *Server) Write(db string, body json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[db]; !ok {
		s.dbs[db] = make(map[string]*entry)
	}
	return s.apply(db, body)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++

	if s.username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.username || pass != s.password {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}
	if s.failures > 0 {
		s.failures--
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case parts[0] == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"couchdb": "Welcome"})
	case len(parts) == 1 && r.Method == http.MethodPut:
		if _, ok := s.dbs[parts[0]]; ok {
			writeJSON(w, http.StatusPreconditionFailed, map[string]string{"error": "file_exists"})
			return
		}
		s.dbs[parts[0]] = make(map[string]*entry)
		writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	case len(parts) == 2 && parts[1] == "_changes" && r.Method == http.MethodGet:
		s.changes(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "_bulk_docs" && r.Method == http.MethodPost:
		s.bulkDocs(w, r, parts[0])
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	}
}

func (s *Server) changes(w http.ResponseWriter, r *http.Request, db string) {
	docs, ok := s.dbs[db]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "reason": "Database does not exist."})
		return
	}
	since := parseSeq(r.URL.Query().Get("since"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	type item struct {
		id string
		e  *entry
	}
	var pending []item
	for id, e := range docs {
		if e.seq > since {
			pending = append(pending, item{id: id, e: e})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].e.seq < pending[j].e.seq })

	page := pending
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}

	type result struct {
		Seq     string              `json:"seq"`
		ID      string              `json:"id"`
		Deleted bool                `json:"deleted,omitempty"`
		Changes []map[string]string `json:"changes"`
		Doc     json.RawMessage     `json:"doc"`
	}
	results := make([]result, 0, len(page))
	last := since
	for _, p := range page {
		results = append(results, result{
			Seq:     formatSeq(p.e.seq),
			ID:      p.id,
			Deleted: p.e.deleted,
			Changes: []map[string]string{{"rev": p.e.rev}},
			Doc:     p.e.body,
		})
		last = p.e.seq
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"last_seq": formatSeq(last),
		"pending":  len(pending) - len(page),
	})
}

func (s *Server) bulkDocs(w http.ResponseWriter, r *http.Request, db string) {
	if _, ok := s.dbs[db]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	var req struct {
		Docs     []json.RawMessage `json:"docs"`
		NewEdits *bool             `json:"new_edits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": err.Error()})
		return
	}
	if req.NewEdits == nil || *req.NewEdits {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": "only new_edits=false is supported"})
		return
	}
	for _, body := range req.Docs {
		if err := s.apply(db, body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": err.Error()})
			return
		}
	}
	s.bulkCalls++
	writeJSON(w, http.StatusCreated, []any{})
}

// apply stores a revision if it wins. Caller holds mu.
func (s *Server) apply(db string, body json.RawMessage) error {
	var env struct {
		ID      string `json:"_id"`
		Rev     string `json:"_rev"`
		Deleted bool   `json:"_deleted"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if env.ID == "" || env.Rev == "" {
		return fmt.Errorf("document needs _id and _rev")
	}

	cur, ok := s.dbs[db][env.ID]
	if ok && !wins(env.Rev, cur.rev) {
		return nil
	}
	s.seq++
	s.dbs[db][env.ID] = &entry{rev: env.Rev, deleted: env.Deleted, body: append(json.RawMessage(nil), body...), seq: s.seq}
	return nil
}

func wins(candidate, current string) bool {
	if candidate == current {
		return false
	}
	cg, lg := domain.Generation(candidate), domain.Generation(current)
	if cg != lg {
		return cg > lg
	}
	return candidate > current
}

func formatSeq(n int) string {
	return fmt.Sprintf("%d-g1AAAAfake", n)
}

func parseSeq(s string) int {
	head, _, _ := strings.Cut(s, "-")
	n, _ := strconv.Atoi(head)
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
