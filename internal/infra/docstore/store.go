// Package docstore is the local durable document store. It keeps JSON
// documents with CouchDB-style revisions in SQLite, maintains the declared
// secondary indexes, emits a change feed, and exposes the replica contract
// used by the replicator.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("docstore")

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Options tunes readiness polling.
type Options struct {
	// PollAttempts and PollInterval bound how long a call made before the
	// store is open waits for it.
	PollAttempts int
	PollInterval time.Duration
}

// Store is the local document store. The zero value is not usable; create
// one with New and open it with Open.
type Store struct {
	db     atomic.Pointer[gorm.DB]
	opts   Options
	logger *zap.Logger

	// wmu serializes writes so sequence numbers and change notifications
	// follow commit order.
	wmu sync.Mutex

	lmu          sync.RWMutex
	listeners    map[int]func(domain.Change)
	nextListener int
}

// New creates a store that is not yet open. Calls made before Open wait for
// it within the polling budget.
func New(opts Options, logger *zap.Logger) *Store {
	if opts.PollAttempts < 1 {
		opts.PollAttempts = 1
	}
	return &Store{
		opts:      opts,
		logger:    logger,
		listeners: make(map[int]func(domain.Change)),
	}
}

// Open connects to the SQLite database at dsn, migrates the schema and marks
// the store ready.
func (s *Store) Open(dsn string) error {
	if dsn != MemoryDSN && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  newGormLogger(s.logger),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database object: %w", err)
	}
	// One connection avoids SQLITE_BUSY and keeps an in-memory database alive.
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.AutoMigrate(&documentRow{}, &sharedMemberRow{}, &checkpointRow{}); err != nil {
		sqlDB.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.db.Store(db)
	s.logger.Info("document store open", zap.String("dsn", dsn))
	return nil
}

// Ready reports whether the store is open.
func (s *Store) Ready() bool {
	return s.db.Load() != nil
}

// Close closes the database. Calls made afterwards fail with
// *domain.ErrConnectionNotReady once the polling budget is spent.
func (s *Store) Close() error {
	db := s.db.Swap(nil)
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// conn returns the open database, polling readiness within the budget.
func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	if db := s.db.Load(); db != nil {
		return db.WithContext(ctx), nil
	}

	start := time.Now()
	for attempt := 1; attempt <= s.opts.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
		if db := s.db.Load(); db != nil {
			return db.WithContext(ctx), nil
		}
	}
	return nil, &domain.ErrConnectionNotReady{Attempts: s.opts.PollAttempts, Waited: time.Since(start)}
}

// ============================================================
// Document operations
// ============================================================

// Get returns the current revision of a live document.
func (s *Store) Get(ctx context.Context, id string) (domain.Document, error) {
	ctx, span := tracer.Start(ctx, "DocStore.Get")
	defer span.End()
	span.SetAttributes(attribute.String("doc.id", id))

	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	row, err := findRow(db, id)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Deleted {
		return nil, &domain.ErrNotFound{Resource: resourceOf(id), ID: id}
	}
	return row.decode()
}

// Put writes doc. Its _rev must be the stored revision; a new document must
// have none. A document without _rev may also replace a tombstone. The
// returned document carries the new revision; doc itself is not modified.
func (s *Store) Put(ctx context.Context, doc domain.Document) (domain.Document, error) {
	ctx, span := tracer.Start(ctx, "DocStore.Put")
	defer span.End()
	span.SetAttributes(
		attribute.String("doc.id", doc.DocMeta().ID),
		attribute.String("doc.type", string(doc.DocType())),
	)
	return s.write(ctx, doc, false)
}

// Remove writes a tombstone for doc under the same revision rule as Put.
// The tombstone keeps the last body.
func (s *Store) Remove(ctx context.Context, doc domain.Document) (domain.Document, error) {
	ctx, span := tracer.Start(ctx, "DocStore.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("doc.id", doc.DocMeta().ID))
	return s.write(ctx, doc, true)
}

func (s *Store) write(ctx context.Context, doc domain.Document, remove bool) (domain.Document, error) {
	meta := doc.DocMeta()
	if meta.ID == "" {
		return nil, domain.Invalid(doc.DocType(), "_id", "is required")
	}

	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	var stored *documentRow
	err = db.Transaction(func(tx *gorm.DB) error {
		cur, err := findRow(tx, meta.ID)
		if err != nil {
			return err
		}
		if err := checkRevision(meta, cur, remove); err != nil {
			return err
		}

		out, err := domain.Clone(doc)
		if err != nil {
			return err
		}
		om := out.DocMeta()
		om.Type = doc.DocType()
		om.Deleted = remove
		prev := ""
		if cur != nil {
			prev = cur.Rev
		}
		if om.Rev, err = nextRev(prev, out); err != nil {
			return err
		}

		seq, err := nextSeq(tx)
		if err != nil {
			return err
		}
		row, err := toRow(out, seq, domain.OriginLocal)
		if err != nil {
			return err
		}
		if err := saveRow(tx, row, out); err != nil {
			return err
		}
		stored = row
		return nil
	})
	if err != nil {
		var conflict *domain.ErrConflict
		if errors.As(err, &conflict) {
			s.logger.Debug("revision conflict",
				zap.String("id", conflict.ID),
				zap.String("rev", conflict.Rev),
				zap.String("current_rev", conflict.CurrentRev),
			)
		}
		return nil, err
	}

	s.logger.Debug("document written",
		zap.String("id", stored.ID),
		zap.String("rev", stored.Rev),
		zap.Bool("deleted", stored.Deleted),
	)
	return s.commit(stored, domain.OriginLocal)
}

// checkRevision enforces the revision gate.
func checkRevision(meta *domain.Meta, cur *documentRow, remove bool) error {
	conflict := func(current string) error {
		return &domain.ErrConflict{ID: meta.ID, Rev: meta.Rev, CurrentRev: current}
	}

	switch {
	case cur == nil:
		if remove {
			return &domain.ErrNotFound{Resource: resourceOf(meta.ID), ID: meta.ID}
		}
		if meta.Rev != "" {
			return conflict("")
		}
	case cur.Deleted:
		if remove {
			return &domain.ErrNotFound{Resource: resourceOf(meta.ID), ID: meta.ID}
		}
		if meta.Rev != "" && meta.Rev != cur.Rev {
			return conflict(cur.Rev)
		}
	default:
		if meta.Rev != cur.Rev {
			return conflict(cur.Rev)
		}
	}
	return nil
}

// nextRev derives the next revision from the previous one and the new body.
func nextRev(prev string, doc domain.Document) (string, error) {
	meta := doc.DocMeta()
	meta.Rev = ""
	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(body)
	sum := hex.EncodeToString(h.Sum(nil))[:32]
	return strconv.Itoa(domain.Generation(prev)+1) + "-" + sum, nil
}

// Query returns the live documents selected by q through its index.
func (s *Store) Query(ctx context.Context, q domain.Query) ([]domain.Document, error) {
	ctx, span := tracer.Start(ctx, "DocStore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("query.type", string(q.Type)),
		attribute.String("query.index", string(q.Index)),
	)

	if err := checkQuery(q); err != nil {
		return nil, err
	}

	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	tx := db.Model(&documentRow{}).Where("type = ? AND deleted = ?", string(q.Type), false)
	order := "id"
	switch q.Index {
	case domain.IndexOwner:
		tx = tx.Where("owner_user_id = ?", q.Value)
	case domain.IndexUser:
		tx = tx.Where("user_id = ?", q.Value)
	case domain.IndexCreator:
		tx = tx.Where("created_by_user_id = ?", q.Value)
	case domain.IndexCategory:
		tx = tx.Where("category_id = ?", q.Value)
	case domain.IndexEmail:
		tx = tx.Where("email = ?", strings.ToLower(q.Value))
	case domain.IndexSharedWith:
		members := db.Model(&sharedMemberRow{}).Select("doc_id").
			Where("type = ? AND user_id = ?", string(q.Type), q.Value)
		tx = tx.Where("id IN (?)", members)
	case domain.IndexWalletDatetime:
		tx = tx.Where("wallet_id = ?", q.Value)
		if !q.From.IsZero() {
			tx = tx.Where("datetime_ns >= ?", q.From.UnixNano())
		}
		if !q.To.IsZero() {
			tx = tx.Where("datetime_ns <= ?", q.To.UnixNano())
		}
		order = "datetime_ns"
	}
	if q.Descending {
		tx = tx.Order(order + " DESC").Order("id DESC")
	} else {
		tx = tx.Order(order).Order("id")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []documentRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", q.Type, q.Index, err)
	}

	docs := make([]domain.Document, 0, len(rows))
	for i := range rows {
		doc, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	span.SetAttributes(attribute.Int("query.results", len(docs)))
	return docs, nil
}

func checkQuery(q domain.Query) error {
	if !q.Type.Valid() {
		return domain.Invalid(q.Type, "type", "unknown document type")
	}
	declared := false
	for _, idx := range domain.Indexes {
		if q.Index == idx {
			declared = true
			break
		}
	}
	if !declared {
		return domain.Invalid(q.Type, "index", fmt.Sprintf("no declared index %q", q.Index))
	}
	if q.Index != domain.IndexType && q.Value == "" {
		return domain.Invalid(q.Type, "index", fmt.Sprintf("index %q needs a value", q.Index))
	}
	return nil
}

// ============================================================
// Change feed
// ============================================================

// Subscribe registers fn for every committed change. fn is called on the
// writing goroutine in commit order and must not block or write to the
// store.
func (s *Store) Subscribe(fn func(domain.Change)) (cancel func()) {
	s.lmu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

// commit decodes the stored row twice: one copy for the caller and one for
// listeners, so neither can modify the other's document.
func (s *Store) commit(row *documentRow, origin domain.Origin) (domain.Document, error) {
	out, err := row.decode()
	if err != nil {
		return nil, err
	}

	s.lmu.RLock()
	listeners := make([]func(domain.Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.lmu.RUnlock()

	for _, fn := range listeners {
		doc, err := row.decode()
		if err != nil {
			return nil, err
		}
		fn(domain.Change{Seq: row.Seq, Origin: origin, Doc: doc})
	}
	return out, nil
}

// ============================================================
// Replica contract
// ============================================================

// ChangesSince returns the locally-originated changes with seq > since, in
// sequence order. Each document appears once, at its latest revision.
func (s *Store) ChangesSince(ctx context.Context, since int64, limit int) ([]domain.ReplicaChange, error) {
	ctx, span := tracer.Start(ctx, "DocStore.ChangesSince")
	defer span.End()

	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	tx := db.Where("seq > ? AND origin = ?", since, string(domain.OriginLocal)).Order("seq")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []documentRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("changes since %d: %w", since, err)
	}

	changes := make([]domain.ReplicaChange, 0, len(rows))
	for _, r := range rows {
		changes = append(changes, domain.ReplicaChange{
			Seq: r.Seq,
			Doc: domain.ReplicaDoc{ID: r.ID, Rev: r.Rev, Deleted: r.Deleted, Body: json.RawMessage(r.Body)},
		})
	}
	return changes, nil
}

// ApplyRemote stores a revision received from the remote replica when it
// wins over the local one: the higher generation wins, and on equal
// generations the lexically greater revision. Both replicas apply the same
// rule so they converge. It reports whether the local store changed.
func (s *Store) ApplyRemote(ctx context.Context, rd domain.ReplicaDoc) (bool, error) {
	ctx, span := tracer.Start(ctx, "DocStore.ApplyRemote")
	defer span.End()
	span.SetAttributes(attribute.String("doc.id", rd.ID), attribute.String("doc.rev", rd.Rev))

	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	var stored *documentRow
	err = db.Transaction(func(tx *gorm.DB) error {
		cur, err := findRow(tx, rd.ID)
		if err != nil {
			return err
		}
		if cur != nil && !remoteWins(rd.Rev, cur.Rev) {
			return nil
		}

		doc, err := remoteDocument(rd, cur)
		if err != nil || doc == nil {
			return err
		}

		seq, err := nextSeq(tx)
		if err != nil {
			return err
		}
		row, err := toRow(doc, seq, domain.OriginRemote)
		if err != nil {
			return err
		}
		if err := saveRow(tx, row, doc); err != nil {
			return err
		}
		stored = row
		return nil
	})
	if err != nil || stored == nil {
		return false, err
	}

	if _, err := s.commit(stored, domain.OriginRemote); err != nil {
		return true, err
	}
	return true, nil
}

// remoteWins is the deterministic winner rule shared with the remote.
func remoteWins(remote, local string) bool {
	if remote == local {
		return false
	}
	rg, lg := domain.Generation(remote), domain.Generation(local)
	if rg != lg {
		return rg > lg
	}
	return remote > local
}

// remoteDocument decodes a remote body. Remote tombstones may arrive without
// a body; they then reuse the last local body. A bodiless tombstone for an
// unknown document yields nil. Bodies of unknown types (design documents,
// foreign data) are rejected as invalid.
func remoteDocument(rd domain.ReplicaDoc, cur *documentRow) (domain.Document, error) {
	doc, err := domain.Decode(rd.Body)
	if err != nil {
		if !rd.Deleted {
			return nil, domain.Invalid("", "type", fmt.Sprintf("remote document %s: %v", rd.ID, err))
		}
		if cur == nil {
			return nil, nil
		}
		if doc, err = cur.decode(); err != nil {
			return nil, err
		}
	}

	meta := doc.DocMeta()
	meta.ID = rd.ID
	meta.Rev = rd.Rev
	meta.Deleted = rd.Deleted
	if meta.Type == "" {
		meta.Type = doc.DocType()
	}
	return doc, nil
}

// Checkpoint returns the stored checkpoint, or "" when there is none.
func (s *Store) Checkpoint(ctx context.Context, name string) (string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	var row checkpointRow
	res := db.Where("name = ?", name).Limit(1).Find(&row)
	if res.Error != nil {
		return "", fmt.Errorf("read checkpoint %s: %w", name, res.Error)
	}
	return row.Value, nil
}

// SetCheckpoint stores a checkpoint.
func (s *Store) SetCheckpoint(ctx context.Context, name, value string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&checkpointRow{Name: name, Value: value}).Error
	if err != nil {
		return fmt.Errorf("write checkpoint %s: %w", name, err)
	}
	return nil
}

// LastSeq returns the highest sequence number committed locally.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return nextSeqBase(db)
}

// ============================================================
// Helpers
// ============================================================

func findRow(tx *gorm.DB, id string) (*documentRow, error) {
	var row documentRow
	res := tx.Where("id = ?", id).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("load %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func nextSeqBase(tx *gorm.DB) (int64, error) {
	var max int64
	if err := tx.Model(&documentRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&max).Error; err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	return max, nil
}

func nextSeq(tx *gorm.DB) (int64, error) {
	max, err := nextSeqBase(tx)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// saveRow upserts the row and rewrites its membership index entries.
func saveRow(tx *gorm.DB, row *documentRow, doc domain.Document) error {
	if err := tx.Save(row).Error; err != nil {
		return fmt.Errorf("save %s: %w", row.ID, err)
	}
	if err := tx.Where("doc_id = ?", row.ID).Delete(&sharedMemberRow{}).Error; err != nil {
		return fmt.Errorf("clear members of %s: %w", row.ID, err)
	}
	if members := sharedMembers(doc); len(members) > 0 {
		if err := tx.Create(&members).Error; err != nil {
			return fmt.Errorf("index members of %s: %w", row.ID, err)
		}
	}
	return nil
}

// resourceOf names the document type from a "<type>_<suffix>" id.
func resourceOf(id string) string {
	if t, _, ok := strings.Cut(id, "_"); ok && domain.DocType(t).Valid() {
		return t
	}
	return "document"
}
