// Package backend defines the Backend Store Adapter contract (spec §4.1,
// §6): the seam between the Secure Store façade and a concrete cloud object
// store. Two conforming families exist in this repository — native
// versioning (internal/backend/azureblob, internal/backend/gcsblob) and
// list-versions (internal/backend/s3blob, internal/backend/localblob) —
// and a shared conformance suite in backend_suite_test.go exercises the
// contract's invariants; it is run against localblob only, the other
// adapters have their own package tests.
package backend

import (
	"context"
	"io"

	"github.com/leohq/leo/internal/leolocation"
)

// WriteFunc is invoked by SaveData/TryOptimisticWrite with an opaque
// write-side stream; it must write the logical (pre-compression,
// pre-encryption) payload and return the number of bytes written.
type WriteFunc func(w io.Writer) (int64, error)

// Audit carries caller context through to backend-originated audit/backup
// logging. It is opaque to the adapter beyond being persisted verbatim in
// request logs; Leo does not interpret its fields.
type Audit struct {
	Actor  string
	Reason string
}

// FileEntry pairs a Location with its current metadata, as returned by
// FindFiles.
type FileEntry struct {
	Location leolocation.Location
	Metadata leolocation.Metadata
}

// SnapshotIterator is a lazy, single-consumer, newest-first sequence of
// Snapshots. Callers must call Close when done, even after exhausting Next.
type SnapshotIterator interface {
	// Next advances the iterator. ok is false when the sequence is
	// exhausted; err is non-nil only on a genuine failure mid-iteration.
	Next(ctx context.Context) (snap leolocation.Snapshot, ok bool, err error)
	Close() error
}

// FileIterator is the FindFiles analogue of SnapshotIterator.
type FileIterator interface {
	Next(ctx context.Context) (entry FileEntry, ok bool, err error)
	Close() error
}

// Lease is the releasable handle returned by Lock. Release is idempotent:
// calling it twice, or after the lease has already expired, is not an error.
// Token returns the signed lease token (holder id + location + expiry,
// internal/leolease) backing this lease, so a caller that persists or hands
// off the lease elsewhere can independently verify who holds it and until
// when.
type Lease interface {
	Release(ctx context.Context) error
	Token() string
}

// Adapter is the Backend Store Adapter contract. Every method maps directly
// to spec §4.1; see the doc comment on each for the exact contract.
type Adapter interface {
	// Provider names the concrete backend ("azureblob", "gcsblob", "s3blob",
	// "localblob", ...), used in StorageError paths and logs.
	Provider() string

	// CanCompress reports whether the Secure Store may apply its
	// compression stage ahead of this adapter. Every adapter in this
	// repository returns true; the flag exists because a hypothetical
	// backend that itself compresses on the wire would want to say no.
	CanCompress() bool

	// CreateContainerIfNotExists is idempotent.
	CreateContainerIfNotExists(ctx context.Context, container string) error

	// SaveData persists the bytes writer produces and returns the
	// post-write metadata, including assigned Snapshot, ETag, Modified,
	// and ContentLength. Writes always overwrite all user-visible
	// metadata — SaveData never merges with what was there before. If
	// writer returns an error, the partial object must not become visible
	// via LoadData/GetMetadata.
	SaveData(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata, audit Audit, writer WriteFunc) (leolocation.Metadata, error)

	// TryOptimisticWrite is SaveData with the commit conditioned on
	// metadata[ETag]: absent means create-only (If-None-Match "*"),
	// present means compare-and-swap (If-Match <etag>). On a precondition
	// failure ok is false and no side effects occur; err is nil. Any other
	// failure returns a non-nil err.
	TryOptimisticWrite(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata, audit Audit, writer WriteFunc) (ok bool, result leolocation.Metadata, err error)

	// GetMetadata returns nil, nil iff the target does not exist. When
	// snapshot is nil and the current version carries LeoDeleted, the
	// metadata is still returned — hiding soft-deleted reads is LoadData's
	// job, not GetMetadata's.
	GetMetadata(ctx context.Context, loc leolocation.Location, snapshot *string) (leolocation.Metadata, error)

	// LoadData returns nil, nil if the target is missing, or — when
	// snapshot is nil — if the current version carries LeoDeleted.
	LoadData(ctx context.Context, loc leolocation.Location, snapshot *string) (*leolocation.DataWithMetadata, error)

	// FindSnapshots lists only versions whose key equals loc exactly,
	// newest-first by modified time. Strict descendants of loc are never
	// included.
	FindSnapshots(ctx context.Context, loc leolocation.Location) (SnapshotIterator, error)

	// FindFiles lists current versions under container, optionally
	// restricted to a basePath prefix. Soft-deleted items may or may not be
	// included, at adapter discretion; callers that care must filter.
	FindFiles(ctx context.Context, container string, prefix *string) (FileIterator, error)

	// SoftDelete is best-effort: a missing target is not an error. On an
	// existing target it writes a zero-length update whose metadata sets
	// LeoDeleted to now and preserves prior user metadata.
	SoftDelete(ctx context.Context, loc leolocation.Location, audit Audit) error

	// PermanentDelete enumerates and deletes every version with key
	// exactly loc. A missing target is not an error.
	PermanentDelete(ctx context.Context, loc leolocation.Location) error

	// SaveMetadata updates only metadata, preserving content, via a
	// metadata-only update when the backend has one, otherwise by
	// re-writing the current content unchanged with the new metadata; either
	// way ContentLength keeps its prior value.
	SaveMetadata(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata) (leolocation.Metadata, error)

	// Lock attempts to acquire a lease on a backend object representing
	// the lock at loc. A nil lease (with nil error) means another holder
	// currently owns it — this is not an error condition; callers that
	// require the lock raise errors.LockException themselves.
	Lock(ctx context.Context, loc leolocation.Location) (Lease, error)
}
