// Package s3blob is a list-versions-family Backend Store Adapter (spec
// §4.1, §9(a)) over github.com/aws/aws-sdk-go: there is no native "current
// version" attribute, so FindSnapshots derives it from ListObjectVersions
// the same way localblob derives it from its own inverted-ticks index, and
// Lock is backed by a sibling lock object rather than a native lease, since
// S3 itself has none.
package s3blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	jsoniter "github.com/json-iterator/go"

	"github.com/leohq/leo/internal/backend"
	leoerrors "github.com/leohq/leo/internal/errors"
	"github.com/leohq/leo/internal/leolease"
	"github.com/leohq/leo/internal/leolocation"
)

const (
	providerName  = "s3blob"
	storeVersion  = "2.0"
	metaHeaderKey = "leometa" // single x-amz-meta-leometa header carrying the JSON-encoded Metadata
	lockSuffix    = ".leolock"
	lockTTL       = 30 * time.Second
)

var metaJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Backend implements backend.Adapter against one S3 (or S3-compatible)
// bucket via an s3iface.S3API client, so tests can substitute a mock.
type Backend struct {
	client s3iface.S3API
	signer *leolease.Signer
}

// New constructs a Backend. signer mints the token every Lock lease
// carries.
func New(client s3iface.S3API, signer *leolease.Signer) *Backend {
	return &Backend{client: client, signer: signer}
}

func (b *Backend) Provider() string  { return providerName }
func (b *Backend) CanCompress() bool { return true }

func (b *Backend) CreateContainerIfNotExists(ctx context.Context, container string) error {
	_, err := b.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(container)})
	if isAWSCode(err, s3.ErrCodeBucketAlreadyOwnedByYou) || isAWSCode(err, s3.ErrCodeBucketAlreadyExists) {
		return nil
	}
	if err != nil {
		return leoerrors.NewStorageError("CreateContainerIfNotExists", container, err)
	}
	return nil
}

func isAWSCode(err error, code string) bool {
	aerr, ok := err.(awserr.Error)
	return ok && aerr.Code() == code
}

func encodeMetadata(md leolocation.Metadata) (map[string]*string, error) {
	md[leolocation.KeyStoreVersion] = storeVersion
	b, err := metaJSON.Marshal(md)
	if err != nil {
		return nil, err
	}
	return map[string]*string{metaHeaderKey: aws.String(string(b))}, nil
}

func decodeMetadata(raw map[string]*string) (leolocation.Metadata, error) {
	md := leolocation.NewMetadata()
	if enc, ok := raw[metaHeaderKey]; ok && enc != nil {
		if err := metaJSON.UnmarshalFromString(*enc, &md); err != nil {
			return nil, err
		}
	}
	return md, nil
}

func (b *Backend) SaveData(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata, _ backend.Audit, writer backend.WriteFunc) (leolocation.Metadata, error) {
	return b.put(ctx, loc, metadata, writer)
}

// TryOptimisticWrite emulates conditional writes on top of plain S3 PutObject
// (no native If-Match support outside a handful of regions): it re-checks
// the precondition immediately before the put under no special locking, so
// this adapter alone cannot fully close the create/CAS race a bucket with
// strong conditional-write support would — the same limitation spec §9(a)
// flags for any list-versions backend without native CAS.
func (b *Backend) TryOptimisticWrite(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata, _ backend.Audit, writer backend.WriteFunc) (bool, leolocation.Metadata, error) {
	existingTag, exists, err := b.currentETag(ctx, loc)
	if err != nil {
		return false, nil, err
	}
	wantTag, hasWant := metadata[leolocation.KeyETag]
	switch {
	case !hasWant:
		if exists {
			return false, nil, nil
		}
	case wantTag == leolocation.ETagAny:
	default:
		if !exists || wantTag != existingTag {
			return false, nil, nil
		}
	}
	result, err := b.put(ctx, loc, metadata, writer)
	if err != nil {
		return false, nil, err
	}
	return true, result, nil
}

func (b *Backend) currentETag(ctx context.Context, loc leolocation.Location) (string, bool, error) {
	out, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Container), Key: aws.String(loc.BasePath),
	})
	if isAWSCode(err, "NotFound") || isAWSCode(err, s3.ErrCodeNoSuchKey) {
		return "", false, nil
	}
	if err != nil {
		return "", false, leoerrors.NewStorageError("TryOptimisticWrite", loc.String(), err)
	}
	return strings.Trim(aws.StringValue(out.ETag), `"`), true, nil
}

func (b *Backend) put(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata, writer backend.WriteFunc) (leolocation.Metadata, error) {
	var buf bytes.Buffer
	n, err := writer(&buf)
	if err != nil {
		return nil, err
	}
	effective := metadata.Clone()
	wireMeta, err := encodeMetadata(effective)
	if err != nil {
		return nil, err
	}
	input := &s3.PutObjectInput{
		Bucket:   aws.String(loc.Container),
		Key:      aws.String(loc.BasePath),
		Body:     bytes.NewReader(buf.Bytes()),
		Metadata: wireMeta,
	}
	if ct := effective[leolocation.KeyContentType]; ct != "" {
		input.ContentType = aws.String(ct)
	}
	out, err := b.client.PutObjectWithContext(ctx, input)
	if err != nil {
		return nil, leoerrors.NewStorageError("SaveData", loc.String(), err)
	}
	result := effective.Clone().StripInternal()
	result.SetContentLength(n)
	result.SetModified(time.Now().UnixNano())
	result[leolocation.KeyETag] = strings.Trim(aws.StringValue(out.ETag), `"`)
	result[leolocation.KeySnapshot] = aws.StringValue(out.VersionId)
	return result, nil
}

func (b *Backend) GetMetadata(ctx context.Context, loc leolocation.Location, snapshot *string) (leolocation.Metadata, error) {
	input := &s3.HeadObjectInput{Bucket: aws.String(loc.Container), Key: aws.String(loc.BasePath)}
	if snapshot != nil {
		input.VersionId = aws.String(*snapshot)
	}
	out, err := b.client.HeadObjectWithContext(ctx, input)
	if isAWSCode(err, "NotFound") {
		return nil, nil
	}
	if err != nil {
		return nil, leoerrors.NewStorageError("GetMetadata", loc.String(), err)
	}
	md, err := decodeMetadata(out.Metadata)
	if err != nil {
		return nil, err
	}
	md.SetContentLength(aws.Int64Value(out.ContentLength))
	md.SetModified(out.LastModified.UnixNano())
	md[leolocation.KeyETag] = strings.Trim(aws.StringValue(out.ETag), `"`)
	if snapshot != nil {
		md[leolocation.KeySnapshot] = *snapshot
	}
	return md.StripInternal(), nil
}

func (b *Backend) LoadData(ctx context.Context, loc leolocation.Location, snapshot *string) (*leolocation.DataWithMetadata, error) {
	input := &s3.GetObjectInput{Bucket: aws.String(loc.Container), Key: aws.String(loc.BasePath)}
	if snapshot != nil {
		input.VersionId = aws.String(*snapshot)
	}
	out, err := b.client.GetObjectWithContext(ctx, input)
	if isAWSCode(err, "NoSuchKey") || isAWSCode(err, "NotFound") {
		return nil, nil
	}
	if err != nil {
		return nil, leoerrors.NewStorageError("LoadData", loc.String(), err)
	}
	md, err := decodeMetadata(out.Metadata)
	if err != nil {
		_ = out.Body.Close()
		return nil, err
	}
	if snapshot == nil && md.IsSoftDeleted() {
		_ = out.Body.Close()
		return nil, nil
	}
	md.SetContentLength(aws.Int64Value(out.ContentLength))
	md.SetModified(out.LastModified.UnixNano())
	md[leolocation.KeyETag] = strings.Trim(aws.StringValue(out.ETag), `"`)
	return &leolocation.DataWithMetadata{Body: out.Body, Metadata: md.StripInternal()}, nil
}

// FindSnapshots pages ListObjectVersions for exactly loc.BasePath and
// returns them newest-first — the list-versions family's way of deriving
// "current" rather than reading a native version attribute (spec §9(a)).
func (b *Backend) FindSnapshots(ctx context.Context, loc leolocation.Location) (backend.SnapshotIterator, error) {
	var items []leolocation.Snapshot
	err := b.client.ListObjectVersionsPagesWithContext(ctx, &s3.ListObjectVersionsInput{
		Bucket: aws.String(loc.Container),
		Prefix: aws.String(loc.BasePath),
	}, func(page *s3.ListObjectVersionsOutput, lastPage bool) bool {
		for _, v := range page.Versions {
			if aws.StringValue(v.Key) != loc.BasePath {
				continue
			}
			md, err := b.GetMetadata(ctx, loc, v.VersionId)
			if err != nil || md == nil {
				continue
			}
			items = append(items, leolocation.Snapshot{
				ID:       aws.StringValue(v.VersionId),
				Modified: v.LastModified.UnixNano(),
				Metadata: md,
			})
		}
		return true
	})
	if err != nil {
		return nil, leoerrors.NewStorageError("FindSnapshots", loc.String(), err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Modified > items[j].Modified })
	return &sliceSnapshotIterator{items: items}, nil
}

func (b *Backend) FindFiles(ctx context.Context, container string, prefix *string) (backend.FileIterator, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(container)}
	if prefix != nil {
		input.Prefix = aws.String(*prefix)
	}
	var items []backend.FileEntry
	err := b.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, lockSuffix) {
				continue
			}
			loc := leolocation.New(container, key)
			md, err := b.GetMetadata(ctx, loc, nil)
			if err != nil || md == nil {
				continue
			}
			items = append(items, backend.FileEntry{Location: loc, Metadata: md})
		}
		return true
	})
	if err != nil {
		return nil, leoerrors.NewStorageError("FindFiles", container, err)
	}
	return &sliceFileIterator{items: items}, nil
}

func (b *Backend) SoftDelete(ctx context.Context, loc leolocation.Location, _ backend.Audit) error {
	existing, err := b.GetMetadata(ctx, loc, nil)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	existing.MarkDeleted(time.Now().UnixNano())
	_, err = b.put(ctx, loc, existing, func(io.Writer) (int64, error) { return 0, nil })
	return err
}

// PermanentDelete enumerates and deletes every version with key exactly
// loc, since a plain DeleteObject on a versioned bucket only inserts a
// delete marker.
func (b *Backend) PermanentDelete(ctx context.Context, loc leolocation.Location) error {
	var toDelete []*s3.ObjectIdentifier
	err := b.client.ListObjectVersionsPagesWithContext(ctx, &s3.ListObjectVersionsInput{
		Bucket: aws.String(loc.Container),
		Prefix: aws.String(loc.BasePath),
	}, func(page *s3.ListObjectVersionsOutput, lastPage bool) bool {
		for _, v := range page.Versions {
			if aws.StringValue(v.Key) == loc.BasePath {
				toDelete = append(toDelete, &s3.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
			}
		}
		for _, m := range page.DeleteMarkers {
			if aws.StringValue(m.Key) == loc.BasePath {
				toDelete = append(toDelete, &s3.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
			}
		}
		return true
	})
	if err != nil {
		return leoerrors.NewStorageError("PermanentDelete", loc.String(), err)
	}
	if len(toDelete) == 0 {
		return nil
	}
	_, err = b.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(loc.Container),
		Delete: &s3.Delete{Objects: toDelete, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return leoerrors.NewStorageError("PermanentDelete", loc.String(), err)
	}
	return nil
}

func (b *Backend) SaveMetadata(ctx context.Context, loc leolocation.Location, metadata leolocation.Metadata) (leolocation.Metadata, error) {
	// S3 has no metadata-only update either: CopyObject onto itself with
	// MetadataDirective=REPLACE is the standard idiom, preserving content
	// without a read-then-rewrite round trip.
	wireMeta, err := encodeMetadata(metadata.Clone())
	if err != nil {
		return nil, err
	}
	source := loc.Container + "/" + loc.BasePath
	_, err = b.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(loc.Container),
		Key:               aws.String(loc.BasePath),
		CopySource:        aws.String(source),
		Metadata:          wireMeta,
		MetadataDirective: aws.String(s3.MetadataDirectiveReplace),
	})
	if isAWSCode(err, "NoSuchKey") {
		return nil, leoerrors.NewStorageError("SaveMetadata", loc.String(), err)
	}
	if err != nil {
		return nil, leoerrors.NewStorageError("SaveMetadata", loc.String(), err)
	}
	return b.GetMetadata(ctx, loc, nil)
}

// lease is backed by a sibling "<key>.leolock" object created with
// If-None-Match "*" semantics approximated via a pre-check (the same
// best-effort CAS limitation TryOptimisticWrite documents); its body is the
// signed lease token, and the object's LastModified (compared against
// lockTTL) lets a caller recognize and reclaim an abandoned lock even
// though S3 cannot expire the object for us the way BuntDB's native TTL or
// an Azure lease can.
type lease struct {
	client s3iface.S3API
	bucket string
	key    string
	token  string
}

func (l *lease) Token() string { return l.token }

func (l *lease) Release(ctx context.Context) error {
	_, err := l.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(l.bucket), Key: aws.String(l.key),
	})
	if isAWSCode(err, "NoSuchKey") {
		return nil
	}
	return err
}

func (b *Backend) Lock(ctx context.Context, loc leolocation.Location) (backend.Lease, error) {
	key := loc.BasePath + lockSuffix
	out, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Container), Key: aws.String(key),
	})
	if err == nil && time.Now().Before(out.LastModified.Add(lockTTL)) {
		return nil, nil // held and not yet expired
	}
	if err != nil && !isAWSCode(err, "NotFound") {
		return nil, leoerrors.NewStorageError("Lock", loc.String(), err)
	}
	holder := strconv.FormatInt(time.Now().UnixNano(), 10)
	token, err := b.signer.Sign(holder, loc.Container, loc.BasePath, time.Now().Add(lockTTL))
	if err != nil {
		return nil, err
	}
	_, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(loc.Container),
		Key:    aws.String(key),
		Body:   bytes.NewReader([]byte(token)),
	})
	if err != nil {
		return nil, leoerrors.NewStorageError("Lock", loc.String(), err)
	}
	return &lease{client: b.client, bucket: loc.Container, key: key, token: token}, nil
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
