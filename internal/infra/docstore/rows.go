package docstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/boddenberg/walletsync-go/internal/domain"
)

// documentRow is the persisted form of a document. Body is the full JSON
// document (envelope included); the remaining columns are index keys
// extracted from it on every write.
type documentRow struct {
	ID      string `gorm:"primaryKey"`
	Rev     string `gorm:"not null"`
	Type    string `gorm:"not null;index:idx_type_owner,priority:1;index:idx_type_user,priority:1;index:idx_type_creator,priority:1;index:idx_type_wallet_datetime,priority:1;index:idx_type_category,priority:1;index:idx_type_email,priority:1"`
	Deleted bool   `gorm:"not null"`
	Origin  string `gorm:"not null"`
	Seq     int64  `gorm:"not null;uniqueIndex"`
	Body    string `gorm:"type:text;not null"`

	OwnerUserID     string `gorm:"index:idx_type_owner,priority:2"`
	UserID          string `gorm:"index:idx_type_user,priority:2"`
	CreatedByUserID string `gorm:"index:idx_type_creator,priority:2"`
	WalletID        string `gorm:"index:idx_type_wallet_datetime,priority:2"`
	DatetimeNs      int64  `gorm:"index:idx_type_wallet_datetime,priority:3"`
	CategoryID      string `gorm:"index:idx_type_category,priority:2"`
	Email           string `gorm:"index:idx_type_email,priority:2"`
}

func (documentRow) TableName() string { return "documents" }

// sharedMemberRow backs the membership index on sharedWithUserIds.
type sharedMemberRow struct {
	DocID  string `gorm:"primaryKey"`
	UserID string `gorm:"primaryKey;index:idx_shared_type_user,priority:2"`
	Type   string `gorm:"not null;index:idx_shared_type_user,priority:1"`
}

func (sharedMemberRow) TableName() string { return "shared_members" }

// checkpointRow stores replication checkpoints by name.
type checkpointRow struct {
	Name  string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

func (checkpointRow) TableName() string { return "checkpoints" }

// toRow encodes doc with its index columns.
func toRow(doc domain.Document, seq int64, origin domain.Origin) (*documentRow, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", doc.DocMeta().ID, err)
	}
	meta := doc.DocMeta()
	row := &documentRow{
		ID:      meta.ID,
		Rev:     meta.Rev,
		Type:    string(doc.DocType()),
		Deleted: meta.Deleted,
		Origin:  string(origin),
		Seq:     seq,
		Body:    string(body),
	}

	switch d := doc.(type) {
	case *domain.User:
		row.Email = strings.ToLower(d.Email)
	case *domain.Wallet:
		row.OwnerUserID = d.OwnerUserID
	case *domain.Category:
		row.CreatedByUserID = d.CreatedByUserID
	case *domain.Transaction:
		row.WalletID = d.WalletID
		row.UserID = d.UserID
		row.CategoryID = d.CategoryID
		if ts, ok := d.When(); ok {
			row.DatetimeNs = ts.UnixNano()
		}
	case *domain.Budget:
		row.UserID = d.UserID
		row.CategoryID = d.CategoryID
	}
	return row, nil
}

// sharedMembers returns the membership rows of doc. Tombstones have none.
func sharedMembers(doc domain.Document) []sharedMemberRow {
	if doc.DocMeta().Deleted {
		return nil
	}
	var users []string
	switch d := doc.(type) {
	case *domain.Wallet:
		users = d.SharedWithUserIDs
	case *domain.Category:
		users = d.SharedWithUserIDs
	case *domain.Budget:
		users = d.SharedWithUserIDs
	case *domain.User:
		users = d.SharedWithUserIDs
	}

	seen := make(map[string]bool, len(users))
	rows := make([]sharedMemberRow, 0, len(users))
	for _, u := range users {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		rows = append(rows, sharedMemberRow{DocID: doc.DocMeta().ID, UserID: u, Type: string(doc.DocType())})
	}
	return rows
}

func (r *documentRow) decode() (domain.Document, error) {
	doc, err := domain.Decode([]byte(r.Body))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.ID, err)
	}
	return doc, nil
}
