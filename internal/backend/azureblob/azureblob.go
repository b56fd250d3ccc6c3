// Package azureblob is a native-versioning-family Backend Store Adapter
// (spec §4.1, §9(a)) over github.com/Azure/azure-storage-blob-go: blob
// versions are Snapshots, If-Match/If-None-Match conditional headers drive
// TryOptimisticWrite, and a blob lease backs Lock.
package azureblob

import (
	"context"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-storage-blob-go/azblob"
	jsoniter "github.com/json-iterator/go"

	"github.com/leohq/leo/internal/backend"
	leoerrors "github.com/leohq/leo/internal/errors"
	"github.com/leohq/leo/internal/leolease"
	"github.com/leohq/leo/internal/leolocation"
)

const (
	providerName = "azureblob"
	storeVersion = "2.0"
)

var metaJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Backend implements backend.Adapter against one Azure Storage account.
// The zero value is not usable; construct with New.
type Backend struct {
	serviceURL azblob.ServiceURL
	leaseSecs  int32
	signer     *leolease.Signer
}

// New returns a Backend talking to accountURL (e.g.
// "https://<account>.blob.core.windows.net") using cred for every request.
// leaseSeconds sets the Lock blob-lease duration; Azure requires it be in
// [15, 60] or -1 for infinite. signer mints the token every Lock lease
// carries, alongside the native Azure lease that actually enforces mutual
// exclusion.
func New(accountURL string, cred azblob.Credential, leaseSeconds int32, signer *leolease.Signer) (*Backend, error) {
	u, err := url.Parse(accountURL)
	if err != nil {
		return nil, leoerrors.NewConfigurationError("azureblob: invalid account URL %q: %v", accountURL, err)
	}
	pipeline := azblob.NewPipeline(cred, azblob.PipelineOptions{})
	return &Backend{serviceURL: azblob.NewServiceURL(*u, pipeline), leaseSecs: leaseSeconds, signer: signer}, nil
}

func (b *Backend) Provider() string  { return providerName }
func (b *Backend) CanCompress() bool { return true }

func (b *Backend) containerURL(container string) azblob.ContainerURL {
	return b.serviceURL.NewContainerURL(container)
}

func (b *Backend) blobURL(loc leolocation.Location) azblob.BlockBlobURL {
	return b.containerURL(loc.Container).NewBlockBlobURL(loc.BasePath)
}

func (b *Backend) CreateContainerIfNotExists(ctx context.Context, container string) error {
	_, err := b.containerURL(container).Create(ctx, azblob.Metadata{}, azblob.PublicAccessNone)
	if isAzureStatus(err, 409) {
		return nil // ContainerAlreadyExists
	}
	if err != nil {
		return leoerrors.NewStorageError("CreateContainerIfNotExists", container, err)
	}
	return nil
}

// metadataToAzure encodes Leo's Metadata (arbitrary keys, including ones
// Azure's identifier-only blob-metadata grammar can't carry verbatim) as a
// single JSON blob stashed under one Azure metadata key, sidestepping
// Azure's C#-identifier key-naming restriction entirely.
const wireMetaKey = "leometa"

func encodeMetadata(md leolocation.Metadata) (azblob.Metadata, error) {
	md[leolocation.KeyStoreVersion] = storeVersion
	b, err := metaJSON.Marshal(md)
	if err != nil {
		return nil, err
	}
	return azblob.Metadata{wireMetaKey: string(b)}, nil
}

func decodeMetadata(raw azblob.Metadata) (leolocation.Metadata, error) {
	md := leolocation.NewMetadata()
	if enc, ok := raw[wireMetaKey]; ok {
		if err := metaJSON.UnmarshalFromString(enc, &md); err != nil {
			return nil, err
		}
	}
	return md, nil
}

func isAzureStatus(err error, code int) bool {
	if err == nil {
		return false
	}
	serr, ok := err.(azblob.StorageError)
	return ok && serr.Response() != nil && serr.Response().StatusCode == code
}

// SaveData always overwrites (no merge) per backend.Adapter's contract;
// Azure's PUT Blob already has overwrite-all-or-nothing semantics, so no
// extra work is needed to satisfy it.
func (b *Backend) SaveData(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata, _ backend.Audit, writer backend.WriteFunc) (leolocation.Metadata, error) {
	return b.put(ctx, loc, metadata, writer, azblob.BlobAccessConditions{})
}

func (b *Backend) TryOptimisticWrite(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata, _ backend.Audit, writer backend.WriteFunc) (bool, leolocation.Metadata, error) {
	cond := azblob.BlobAccessConditions{}
	if tag, has := metadata[leolocation.KeyETag]; has && tag != leolocation.ETagAny {
		cond.ModifiedAccessConditions.IfMatch = azblob.ETag(tag)
	} else if !has {
		cond.ModifiedAccessConditions.IfNoneMatch = azblob.ETagAny
	}
	result, err := b.put(ctx, loc, metadata, writer, cond)
	if isAzureStatus(err, 412) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, result, nil
}

func (b *Backend) put(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata, writer backend.WriteFunc, cond azblob.BlobAccessConditions) (leolocation.Metadata, error) {
	var buf strings.Builder
	n, err := writer(&buf)
	if err != nil {
		return nil, err
	}
	effective := metadata.Clone()
	azMeta, err := encodeMetadata(effective)
	if err != nil {
		return nil, err
	}
	resp, err := b.blobURL(loc).Upload(ctx, strings.NewReader(buf.String()), azblob.BlobHTTPHeaders{
		ContentType: effective[leolocation.KeyContentType],
	}, azMeta, cond, azblob.DefaultAccessTier, nil, azblob.ClientProvidedKeyOptions{}, azblob.ImmutabilityPolicyOptions{})
	if err != nil {
		return nil, leoerrors.NewStorageError("SaveData", loc.String(), err)
	}
	out := effective.Clone().StripInternal()
	out.SetContentLength(n)
	out.SetModified(resp.LastModified().UnixNano())
	out[leolocation.KeyETag] = string(resp.ETag())
	if v := resp.VersionID(); v != nil {
		out[leolocation.KeySnapshot] = *v
	}
	return out, nil
}

func (b *Backend) GetMetadata(ctx context.Context, loc leolocation.Location, snapshot *string) (leolocation.Metadata, error) {
	blob := b.versionedBlob(loc, snapshot)
	resp, err := blob.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if isAzureStatus(err, 404) {
		return nil, nil
	}
	if err != nil {
		return nil, leoerrors.NewStorageError("GetMetadata", loc.String(), err)
	}
	md, err := decodeMetadata(resp.NewMetadata())
	if err != nil {
		return nil, err
	}
	md.SetContentLength(resp.ContentLength())
	md.SetModified(resp.LastModified().UnixNano())
	md[leolocation.KeyETag] = string(resp.ETag())
	if snapshot != nil {
		md[leolocation.KeySnapshot] = *snapshot
	}
	return md.StripInternal(), nil
}

func (b *Backend) LoadData(ctx context.Context, loc leolocation.Location, snapshot *string) (*leolocation.DataWithMetadata, error) {
	blob := b.versionedBlob(loc, snapshot)
	resp, err := blob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if isAzureStatus(err, 404) {
		return nil, nil
	}
	if err != nil {
		return nil, leoerrors.NewStorageError("LoadData", loc.String(), err)
	}
	md, err := decodeMetadata(resp.NewMetadata())
	if err != nil {
		return nil, err
	}
	if snapshot == nil && md.IsSoftDeleted() {
		_ = resp.Body(azblob.RetryReaderOptions{}).Close()
		return nil, nil
	}
	md.SetContentLength(resp.ContentLength())
	md.SetModified(resp.LastModified().UnixNano())
	md[leolocation.KeyETag] = string(resp.ETag())
	return &leolocation.DataWithMetadata{
		Body:     resp.Body(azblob.RetryReaderOptions{}),
		Metadata: md.StripInternal(),
	}, nil
}

// versionedBlob returns the BlockBlobURL for the current version, or the
// specific version when snapshot is set — Azure blob versions are addressed
// via a "versionid" query parameter on the same URL.
func (b *Backend) versionedBlob(loc leolocation.Location, snapshot *string) azblob.BlockBlobURL {
	blob := b.blobURL(loc)
	if snapshot == nil {
		return blob
	}
	return blob.WithVersionID(*snapshot)
}

func (b *Backend) FindSnapshots(ctx context.Context, loc leolocation.Location) (backend.SnapshotIterator, error) {
	c := b.containerURL(loc.Container)
	var items []leolocation.Snapshot
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := c.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix:  loc.BasePath,
			Details: azblob.BlobListingDetails{Versions: true, Metadata: true},
		})
		if err != nil {
			return nil, leoerrors.NewStorageError("FindSnapshots", loc.String(), err)
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name != loc.BasePath || item.VersionID == nil {
				continue
			}
			md, err := decodeMetadata(item.Metadata)
			if err != nil {
				return nil, err
			}
			items = append(items, leolocation.Snapshot{
				ID:       *item.VersionID,
				Modified: item.Properties.LastModified.UnixNano(),
				Metadata: md.StripInternal(),
			})
		}
		marker = resp.NextMarker
	}
	return &sliceSnapshotIterator{items: items}, nil
}

func (b *Backend) FindFiles(ctx context.Context, container string, prefix *string) (backend.FileIterator, error) {
	c := b.containerURL(container)
	p := ""
	if prefix != nil {
		p = *prefix
	}
	var items []backend.FileEntry
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := c.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix:  p,
			Details: azblob.BlobListingDetails{Metadata: true},
		})
		if err != nil {
			return nil, leoerrors.NewStorageError("FindFiles", container, err)
		}
		for _, item := range resp.Segment.BlobItems {
			md, err := decodeMetadata(item.Metadata)
			if err != nil {
				return nil, err
			}
			md.SetModified(item.Properties.LastModified.UnixNano())
			if item.Properties.ContentLength != nil {
				md.SetContentLength(*item.Properties.ContentLength)
			}
			items = append(items, backend.FileEntry{
				Location: leolocation.New(container, item.Name),
				Metadata: md.StripInternal(),
			})
		}
		marker = resp.NextMarker
	}
	return &sliceFileIterator{items: items}, nil
}

func (b *Backend) SoftDelete(ctx context.Context, loc leolocation.Location, _ backend.Audit) error {
	existing, err := b.GetMetadata(ctx, loc, nil)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil // best-effort
	}
	existing.MarkDeleted(time.Now().UnixNano())
	_, err = b.put(ctx, loc, existing, func(io.Writer) (int64, error) { return 0, nil }, azblob.BlobAccessConditions{})
	return err
}

func (b *Backend) PermanentDelete(ctx context.Context, loc leolocation.Location) error {
	_, err := b.blobURL(loc).Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if isAzureStatus(err, 404) {
		return nil
	}
	if err != nil {
		return leoerrors.NewStorageError("PermanentDelete", loc.String(), err)
	}
	return nil
}

func (b *Backend) SaveMetadata(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata) (leolocation.Metadata, error) {
	azMeta, err := encodeMetadata(metadata.Clone())
	if err != nil {
		return nil, err
	}
	_, err = b.blobURL(loc).SetMetadata(ctx, azMeta, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if isAzureStatus(err, 404) {
		return nil, leoerrors.NewStorageError("SaveMetadata", loc.String(), err)
	}
	if err != nil {
		return nil, leoerrors.NewStorageError("SaveMetadata", loc.String(), err)
	}
	return b.GetMetadata(ctx, loc, nil)
}

// lease wraps an Azure blob lease. Azure leases auto-expire server-side;
// Release is idempotent because a double-release just yields a 409/412 that
// this type swallows. token is an informational signed record of the same
// grant — actual mutual exclusion is enforced by Azure's native lease, not
// by the token.
type lease struct {
	blob  azblob.BlockBlobURL
	id    string
	token string
}

func (l *lease) Token() string { return l.token }

func (l *lease) Release(ctx context.Context) error {
	_, err := l.blob.ReleaseLease(ctx, l.id, azblob.ModifiedAccessConditions{})
	if isAzureStatus(err, 409) || isAzureStatus(err, 412) {
		return nil
	}
	return err
}

func (b *Backend) Lock(ctx context.Context, loc leolocation.Location) (backend.Lease, error) {
	blob := b.blobURL(loc)
	resp, err := blob.AcquireLease(ctx, "", b.leaseSecs, azblob.ModifiedAccessConditions{})
	if isAzureStatus(err, 409) {
		return nil, nil // already leased
	}
	if err != nil {
		return nil, leoerrors.NewStorageError("Lock", loc.String(), err)
	}
	leaseID := string(resp.LeaseID())
	expiry := time.Now().Add(time.Minute)
	if b.leaseSecs > 0 {
		expiry = time.Now().Add(time.Duration(b.leaseSecs) * time.Second)
	}
	token, err := b.signer.Sign(leaseID, loc.Container, loc.BasePath, expiry)
	if err != nil {
		return nil, err
	}
	return &lease{blob: blob, id: leaseID, token: token}, nil
}

type sliceSnapshotIterator struct {
	items []leolocation.Snapshot
	pos   int
}

func (it *sliceSnapshotIterator) Next(context.Context) (leolocation.Snapshot, bool, error) {
	if it.pos >= len(it.items) {
		return leolocation.Snapshot{}, false, nil
	}
	s := it.items[it.pos]
	it.pos++
	return s, true, nil
}
func (it *sliceSnapshotIterator) Close() error { return nil }

type sliceFileIterator struct {
	items []backend.FileEntry
	pos   int
}

func (it *sliceFileIterator) Next(context.Context) (backend.FileEntry, bool, error) {
	if it.pos >= len(it.items) {
		return backend.FileEntry{}, false, nil
	}
	e := it.items[it.pos]
	it.pos++
	return e, true, nil
}
func (it *sliceFileIterator) Close() error { return nil }

var _ backend.Adapter = (*Backend)(nil)
