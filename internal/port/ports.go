// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"

	"github.com/boddenberg/walletsync-go/internal/domain"
)

// DocumentStore is the local durable store every domain operation goes
// through. Put and Remove are revision-gated: the caller's _rev must match
// the stored one or the call fails with *domain.ErrConflict.
type DocumentStore interface {
	Get(ctx context.Context, id string) (domain.Document, error)
	Put(ctx context.Context, doc domain.Document) (domain.Document, error)
	Remove(ctx context.Context, doc domain.Document) (domain.Document, error)
	Query(ctx context.Context, q domain.Query) ([]domain.Document, error)

	// Subscribe registers fn for every committed change, local or remote.
	// fn runs on the committing goroutine and must not block.
	Subscribe(fn func(domain.Change)) (cancel func())
}

// ReplicaStore is the side of the local store the replicator talks to.
type ReplicaStore interface {
	// ChangesSince returns locally-originated changes with seq > since.
	ChangesSince(ctx context.Context, since int64, limit int) ([]domain.ReplicaChange, error)
	// ApplyRemote stores a remote revision when it wins over the local one.
	ApplyRemote(ctx context.Context, doc domain.ReplicaDoc) (applied bool, err error)
	Checkpoint(ctx context.Context, name string) (string, error)
	SetCheckpoint(ctx context.Context, name, value string) error
	Subscribe(fn func(domain.Change)) (cancel func())
}

// RemoteStore is the remote replica.
type RemoteStore interface {
	Ping(ctx context.Context) error
	EnsureDatabase(ctx context.Context) error
	Changes(ctx context.Context, since string, limit int) (*domain.RemoteChanges, error)
	BulkDocs(ctx context.Context, docs []domain.ReplicaDoc) error
}

// Syncer is what domain services need from replication.
type Syncer interface {
	// Handshake runs one bounded sync round and reports whether it finished.
	Handshake(ctx context.Context) bool
	// Flush pushes pending local changes now.
	Flush(ctx context.Context) error
	Status() domain.SyncStatus
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
	Clear()
}
