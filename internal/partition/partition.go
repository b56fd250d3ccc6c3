// Package partition implements the two partition façades from spec §4.4:
// document partition (string paths) and object partition (ids zero-padded
// into paths). Both are thin sugar over leostore.SecureStore — they own no
// state of their own beyond a lazily-resolved encryptor and a static
// ItemConfiguration, and every operation is a straight translation to a
// Location followed by a Secure Store call.
package partition

import (
	"context"
	"fmt"
	"sync"

	"github.com/leohq/leo/internal/backend"
	"github.com/leohq/leo/internal/leocrypto"
	"github.com/leohq/leo/internal/leolocation"
	"github.com/leohq/leo/internal/leostore"
)

// EncryptorFactory builds the IEncryptor a partition resolves on first use
// (spec §4.4: "a lazy IEncryptor (resolved on first use)") — e.g. fetching
// the active data-encryption key from a key-management collaborator that
// may not be ready at partition-construction time.
type EncryptorFactory func() (leocrypto.Encryptor, error)

// ItemConfiguration is the static shape every item under a partition
// shares: the basePath prefix items are nested under, and the default
// Secure Store options applied to writes originating from this partition.
type ItemConfiguration struct {
	BasePath     string
	WriteOptions leostore.Options
}

type lazyEncryptor struct {
	factory EncryptorFactory
	once    sync.Once
	enc     leocrypto.Encryptor
	err     error
}

func (l *lazyEncryptor) resolve() (leocrypto.Encryptor, error) {
	if l.factory == nil {
		return nil, nil
	}
	l.once.Do(func() { l.enc, l.err = l.factory() })
	return l.enc, l.err
}

// DocumentPartition maps (partitionId, path) pairs onto Secure Store
// locations whose basePath is cfg.BasePath + "/" + path.
type DocumentPartition struct {
	PartitionID string
	Store       *leostore.SecureStore
	Config      ItemConfiguration

	lazy lazyEncryptor
}

func NewDocumentPartition(partitionID string, store *leostore.SecureStore, cfg ItemConfiguration, encryptor EncryptorFactory) *DocumentPartition {
	return &DocumentPartition{PartitionID: partitionID, Store: store, Config: cfg, lazy: lazyEncryptor{factory: encryptor}}
}

func (p *DocumentPartition) location(path string) leolocation.Location {
	return leolocation.New(p.PartitionID, p.Config.BasePath+"/"+path)
}

func (p *DocumentPartition) withEncryptor() (*leostore.SecureStore, error) {
	enc, err := p.lazy.resolve()
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return p.Store, nil
	}
	cloned := *p.Store
	cloned.Encryptor = enc
	return &cloned, nil
}

func (p *DocumentPartition) Save(ctx context.Context, path string, metadata leolocation.Metadata, write leostore.WriteFunc) (leolocation.Metadata, error) {
	store, err := p.withEncryptor()
	if err != nil {
		return nil, err
	}
	return store.Save(ctx, p.location(path), metadata, p.Config.WriteOptions, write)
}

func (p *DocumentPartition) TrySave(ctx context.Context, path string, metadata leolocation.Metadata, write leostore.WriteFunc) (bool, leolocation.Metadata, error) {
	store, err := p.withEncryptor()
	if err != nil {
		return false, nil, err
	}
	return store.TrySave(ctx, p.location(path), metadata, p.Config.WriteOptions, write)
}

func (p *DocumentPartition) Load(ctx context.Context, path string, snapshot *string) (*leolocation.DataWithMetadata, error) {
	store, err := p.withEncryptor()
	if err != nil {
		return nil, err
	}
	return store.LoadData(ctx, p.location(path), snapshot)
}

func (p *DocumentPartition) GetMetadata(ctx context.Context, path string, snapshot *string) (leolocation.Metadata, error) {
	return p.Store.GetMetadata(ctx, p.location(path), snapshot)
}

func (p *DocumentPartition) Delete(ctx context.Context, path string) error {
	return p.Store.Delete(ctx, p.location(path), p.Config.WriteOptions)
}

func (p *DocumentPartition) Lock(ctx context.Context, path string) (backend.Lease, error) {
	return p.Store.Lock(ctx, p.location(path))
}

// ObjectPartition maps (partitionId, id) pairs onto Secure Store locations
// whose basePath is cfg.BasePath + "/" + a zero-padded decimal encoding of
// id wide enough to hold math.MaxUint64, so lexicographic and numeric
// ordering agree under FindFiles.
type ObjectPartition struct {
	PartitionID string
	Store       *leostore.SecureStore
	Config      ItemConfiguration

	lazy lazyEncryptor
}

func NewObjectPartition(partitionID string, store *leostore.SecureStore, cfg ItemConfiguration, encryptor EncryptorFactory) *ObjectPartition {
	return &ObjectPartition{PartitionID: partitionID, Store: store, Config: cfg, lazy: lazyEncryptor{factory: encryptor}}
}

const objectIDWidth = 20 // len(strconv.FormatUint(math.MaxUint64, 10))

func encodeObjectID(id uint64) string {
	return fmt.Sprintf("%0*d", objectIDWidth, id)
}

func (p *ObjectPartition) location(id uint64) leolocation.Location {
	return leolocation.New(p.PartitionID, p.Config.BasePath+"/"+encodeObjectID(id))
}

func (p *ObjectPartition) withEncryptor() (*leostore.SecureStore, error) {
	enc, err := p.lazy.resolve()
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return p.Store, nil
	}
	cloned := *p.Store
	cloned.Encryptor = enc
	return &cloned, nil
}

func (p *ObjectPartition) Save(ctx context.Context, id uint64, metadata leolocation.Metadata, write leostore.WriteFunc) (leolocation.Metadata, error) {
	store, err := p.withEncryptor()
	if err != nil {
		return nil, err
	}
	return store.Save(ctx, p.location(id), metadata, p.Config.WriteOptions, write)
}

func (p *ObjectPartition) TrySave(ctx context.Context, id uint64, metadata leolocation.Metadata, write leostore.WriteFunc) (bool, leolocation.Metadata, error) {
	store, err := p.withEncryptor()
	if err != nil {
		return false, nil, err
	}
	return store.TrySave(ctx, p.location(id), metadata, p.Config.WriteOptions, write)
}

func (p *ObjectPartition) Load(ctx context.Context, id uint64, snapshot *string) (*leolocation.DataWithMetadata, error) {
	store, err := p.withEncryptor()
	if err != nil {
		return nil, err
	}
	return store.LoadData(ctx, p.location(id), snapshot)
}

func (p *ObjectPartition) GetMetadata(ctx context.Context, id uint64, snapshot *string) (leolocation.Metadata, error) {
	return p.Store.GetMetadata(ctx, p.location(id), snapshot)
}

func (p *ObjectPartition) Delete(ctx context.Context, id uint64) error {
	return p.Store.Delete(ctx, p.location(id), p.Config.WriteOptions)
}

func (p *ObjectPartition) Lock(ctx context.Context, id uint64) (backend.Lease, error) {
	return p.Store.Lock(ctx, p.location(id))
}
