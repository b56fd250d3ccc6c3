// Package leostore implements the Secure Store façade (spec §4.2): the
// engine-facing entry point that orchestrates encryption, compression,
// snapshotting, soft-delete semantics, metadata normalization, and
// indexer/backup event emission on top of one Backend Store Adapter.
package leostore

import (
	"context"
	"io"
	"time"

	"github.com/golang/glog"

	"github.com/leohq/leo/internal/backend"
	leoerrors "github.com/leohq/leo/internal/errors"
	"github.com/leohq/leo/internal/leocrypto"
	"github.com/leohq/leo/internal/leolocation"
	"github.com/leohq/leo/internal/leoqueue"
	"github.com/leohq/leo/internal/leostats"
)

// WriteFunc is the caller-supplied payload producer, mirroring
// backend.WriteFunc one level up: write the logical (plaintext,
// uncompressed) payload to w and return the number of bytes written.
type WriteFunc func(w io.Writer) (int64, error)

// SecureStore is the façade the rest of the engine talks to (spec §4.2).
// The zero value is not usable; construct with New.
type SecureStore struct {
	Adapter     backend.Adapter
	Encryptor   leocrypto.Encryptor // nil: bytes pass through unencrypted
	Compressor  leocrypto.Compressor
	IndexQueue  leoqueue.Queue // nil: GenerateIndexEvent is a no-op
	BackupQueue leoqueue.Queue // nil: Backup is a no-op
	Stats       *leostats.Stats
}

func New(adapter backend.Adapter) *SecureStore {
	return &SecureStore{Adapter: adapter}
}

func (s *SecureStore) pipeline(opts Options) leocrypto.Pipeline {
	p := leocrypto.Pipeline{Encryptor: s.Encryptor}
	if opts.has(Compress) && s.Adapter.CanCompress() {
		p.Compressor = s.Compressor
	}
	return p
}

// resolveWriteMetadata strips the keys only the backend is allowed to
// assign (ContentLength, Modified, Snapshot, StoreVersion) from caller
// metadata before it crosses the backend boundary; ETag is kept, since it
// is the caller's conditional-write directive for TryOptimisticWrite.
func resolveWriteMetadata(caller leolocation.Metadata) leolocation.Metadata {
	out := caller.Clone()
	delete(out, leolocation.KeyContentLength)
	delete(out, leolocation.KeyModified)
	delete(out, leolocation.KeySnapshot)
	delete(out, leolocation.KeyStoreVersion)
	return out
}

// Save performs an unconditional write (spec §4.2 step 1-4). GenerateIndexEvent
// is implied regardless of opts.
func (s *SecureStore) Save(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata, opts Options, write WriteFunc) (leolocation.Metadata, error) {
	effective := resolveWriteMetadata(metadata)
	pipe := s.pipeline(opts)

	result, err := s.Adapter.SaveData(ctx, loc, effective, backend.Audit{}, s.wrapWriter(pipe, write))
	if err != nil {
		return nil, leoerrors.NewStorageError("Save", loc.String(), err)
	}
	s.emit(ctx, loc, result, opts|GenerateIndexEvent)
	return result, nil
}

// TrySave performs a conditional write via backend.TryOptimisticWrite.
// metadata[ETag] drives the precondition per spec §3: absent means
// create-only, "*" means unconditional, any other value means CAS.
func (s *SecureStore) TrySave(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata, opts Options, write WriteFunc) (ok bool, result leolocation.Metadata, err error) {
	effective := resolveWriteMetadata(metadata)
	if tag, has := metadata[leolocation.KeyETag]; has {
		effective[leolocation.KeyETag] = tag
	}
	pipe := s.pipeline(opts)

	ok, result, err = s.Adapter.TryOptimisticWrite(ctx, loc, effective, backend.Audit{}, s.wrapWriter(pipe, write))
	if err != nil {
		return false, nil, leoerrors.NewStorageError("TrySave", loc.String(), err)
	}
	if !ok {
		return false, nil, nil
	}
	s.emit(ctx, loc, result, opts|GenerateIndexEvent)
	return true, result, nil
}

// SaveMetadata updates only metadata, preserving content (spec §4.2): it
// forwards to the adapter's SaveMetadata, and metadata replaces the current
// version's user metadata as a whole rather than being merged into it.
func (s *SecureStore) SaveMetadata(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata) (leolocation.Metadata, error) {
	effective := resolveWriteMetadata(metadata)
	result, err := s.Adapter.SaveMetadata(ctx, loc, effective)
	if err != nil {
		return nil, leoerrors.NewStorageError("SaveMetadata", loc.String(), err)
	}
	s.emit(ctx, loc, result, GenerateIndexEvent)
	return result, nil
}

func (s *SecureStore) wrapWriter(pipe leocrypto.Pipeline, write WriteFunc) backend.WriteFunc {
	return func(dst io.Writer) (int64, error) {
		wrapped, err := pipe.WrapWriter(dst)
		if err != nil {
			return 0, err
		}
		counting := &countingWriter{w: wrapped}
		if _, err := write(counting); err != nil {
			_ = wrapped.Close()
			return 0, err
		}
		if err := wrapped.Close(); err != nil {
			return 0, err
		}
		return counting.n, nil
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// GetMetadata returns nil, nil iff the target does not exist (spec §4.1).
// When snapshot is nil and the current version is soft-deleted, the
// metadata is still returned — hiding it is LoadData's job.
func (s *SecureStore) GetMetadata(ctx context.Context, loc leolocation.Location, snapshot *string) (leolocation.Metadata, error) {
	md, err := s.Adapter.GetMetadata(ctx, loc, snapshot)
	if err != nil {
		return nil, leoerrors.NewStorageError("GetMetadata", loc.String(), err)
	}
	if md == nil {
		return nil, nil
	}
	return md.StripInternal(), nil
}

// LoadData returns nil, nil if the target is missing, or — when snapshot is
// nil — if the current version is soft-deleted (spec §4.2 step for reads).
func (s *SecureStore) LoadData(ctx context.Context, loc leolocation.Location, snapshot *string) (*leolocation.DataWithMetadata, error) {
	dwm, err := s.Adapter.LoadData(ctx, loc, snapshot)
	if err != nil {
		return nil, leoerrors.NewStorageError("LoadData", loc.String(), err)
	}
	if dwm == nil {
		return nil, nil
	}
	pipe := leocrypto.Pipeline{Encryptor: s.Encryptor}
	if s.Adapter.CanCompress() {
		pipe.Compressor = s.Compressor
	}
	body, err := pipe.WrapReader(dwm.Body)
	if err != nil {
		_ = dwm.Body.Close()
		return nil, err
	}
	return &leolocation.DataWithMetadata{Body: body, Metadata: dwm.Metadata.StripInternal()}, nil
}

// Lock forwards to the adapter and returns a releasable handle (spec §4.2).
func (s *SecureStore) Lock(ctx context.Context, loc leolocation.Location) (backend.Lease, error) {
	lease, err := s.Adapter.Lock(ctx, loc)
	if err != nil {
		return nil, leoerrors.NewStorageError("Lock", loc.String(), err)
	}
	if lease == nil && s.Stats != nil {
		s.Stats.LockWaitTotal.WithLabelValues(s.Adapter.Provider()).Inc()
	}
	return lease, nil
}

// Delete dispatches to SoftDelete or PermanentDelete by the KeepDeletes
// option (spec §4.2).
func (s *SecureStore) Delete(ctx context.Context, loc leolocation.Location, opts Options) error {
	if opts.has(KeepDeletes) {
		if err := s.Adapter.SoftDelete(ctx, loc, backend.Audit{}); err != nil {
			return leoerrors.NewStorageError("SoftDelete", loc.String(), err)
		}
		if opts.has(GenerateIndexEvent) {
			md := leolocation.NewMetadata()
			md.MarkDeleted(time.Now().UnixNano())
			s.emit(ctx, loc, md, opts)
		}
		return nil
	}
	if err := s.Adapter.PermanentDelete(ctx, loc); err != nil {
		return leoerrors.NewStorageError("PermanentDelete", loc.String(), err)
	}
	return nil
}

// ReIndexAll walks FindFiles and re-emits each item as an index event
// carrying Reindex=true (spec §4.2).
func (s *SecureStore) ReIndexAll(ctx context.Context, container string, prefix *string) error {
	return s.walkAndEmit(ctx, container, prefix, s.IndexQueue, true)
}

// BackupAll is the symmetric operation against the backup queue.
func (s *SecureStore) BackupAll(ctx context.Context, container string, prefix *string) error {
	return s.walkAndEmit(ctx, container, prefix, s.BackupQueue, false)
}

func (s *SecureStore) walkAndEmit(ctx context.Context, container string, prefix *string, q leoqueue.Queue, reindex bool) error {
	if q == nil {
		return nil
	}
	it, err := s.Adapter.FindFiles(ctx, container, prefix)
	if err != nil {
		return leoerrors.NewStorageError("ReIndexAll", container, err)
	}
	defer it.Close()
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return leoerrors.NewStorageError("ReIndexAll", container, err)
		}
		if !ok {
			break
		}
		md := entry.Metadata.Clone()
		if reindex {
			md[leolocation.KeyReindex] = "true"
		}
		if err := s.publish(ctx, q, entry.Location, md); err != nil {
			glog.Warningf("leostore: ReIndexAll/BackupAll failed to publish %s: %v", entry.Location, err)
		}
	}
	return nil
}

// emit publishes a StoreDataDetails event for loc/md to the index queue
// and/or backup queue, according to opts. Failures here never roll back
// the write that triggered them (spec §4.2 step 4).
func (s *SecureStore) emit(ctx context.Context, loc leolocation.Location, md leolocation.Metadata, opts Options) {
	if opts.has(GenerateIndexEvent) && s.IndexQueue != nil {
		if err := s.publish(ctx, s.IndexQueue, loc, md); err != nil {
			glog.Warningf("leostore: failed to publish index event for %s: %v", loc, err)
		}
	}
	if opts.has(Backup) && s.BackupQueue != nil {
		if err := s.publish(ctx, s.BackupQueue, loc, md); err != nil {
			glog.Warningf("leostore: failed to publish backup event for %s: %v", loc, err)
		}
	}
}

func (s *SecureStore) publish(ctx context.Context, q leoqueue.Queue, loc leolocation.Location, md leolocation.Metadata) error {
	details := leoqueue.StoreDataDetails{
		Container: loc.Container,
		BasePath:  loc.BasePath,
		Metadata:  map[string]string(md.Clone()),
	}
	body, err := leoqueue.Encode(details)
	if err != nil {
		return err
	}
	return q.SendMessage(ctx, body)
}
