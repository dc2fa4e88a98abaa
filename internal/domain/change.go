package domain

import (
	"encoding/json"
	"time"
)

// Origin tells whether a committed change was written locally or applied
// from the remote replica.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Change is emitted once per committed write. Doc is the post-change
// document; for deletions it is the tombstone, which keeps the last body.
type Change struct {
	Seq    int64
	Origin Origin
	Doc    Document
}

// Deleted reports whether the change is a deletion.
func (c Change) Deleted() bool {
	return c.Doc.DocMeta().Deleted
}

// ReplicaDoc is a document as exchanged with the remote replica: identity,
// revision and the raw JSON body, revision included.
type ReplicaDoc struct {
	ID      string
	Rev     string
	Deleted bool
	Body    json.RawMessage
}

// ReplicaChange is one entry of a local change feed.
type ReplicaChange struct {
	Seq int64
	Doc ReplicaDoc
}

// RemoteChanges is one page of the remote change feed.
type RemoteChanges struct {
	Docs    []ReplicaDoc
	LastSeq string
	Pending int
}

// SyncStatus is a best-effort snapshot of the replication state.
type SyncStatus struct {
	Running        bool      `json:"running"`
	LastPushAt     time.Time `json:"lastPushAt,omitzero"`
	LastPullAt     time.Time `json:"lastPullAt,omitzero"`
	LastError      string    `json:"lastError,omitempty"`
	LastErrorAt    time.Time `json:"lastErrorAt,omitzero"`
	PushCheckpoint int64     `json:"pushCheckpoint"`
	PullCheckpoint string    `json:"pullCheckpoint,omitempty"`
	DocsPushed     float64   `json:"docsPushed"`
	DocsPulled     float64   `json:"docsPulled"`
	Errors         float64   `json:"errors"`
}
