package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/leohq/leo/internal/backend"
	"github.com/leohq/leo/internal/leolease"
	"github.com/leohq/leo/internal/leolocation"
)

// fakeS3 embeds s3iface.S3API so it satisfies the full interface while only
// overriding the handful of methods Backend actually calls; objects are
// keyed by object key, with each PutObject appending a new version so
// ListObjectVersions can exercise FindSnapshots/PermanentDelete.
type fakeS3 struct {
	s3iface.S3API

	objects map[string][]fakeVersion
}

type fakeVersion struct {
	versionID string
	etag      string
	body      []byte
	metadata  map[string]*string
	modified  time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]fakeVersion)}
}

func (f *fakeS3) latest(key string) (fakeVersion, bool) {
	versions := f.objects[key]
	if len(versions) == 0 {
		return fakeVersion{}, false
	}
	return versions[len(versions)-1], true
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	v, ok := f.latest(aws.StringValue(in.Key))
	if !ok {
		return nil, awserr.New("NotFound", "not found", nil)
	}
	return &s3.HeadObjectOutput{
		ETag:          aws.String(`"` + v.etag + `"`),
		Metadata:      v.metadata,
		ContentLength: aws.Int64(int64(len(v.body))),
		LastModified:  aws.Time(v.modified),
	}, nil
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	key := aws.StringValue(in.Key)
	versionID := "v" + string(rune('1'+len(f.objects[key])))
	etag := "etag-" + versionID
	f.objects[key] = append(f.objects[key], fakeVersion{
		versionID: versionID,
		etag:      etag,
		body:      body,
		metadata:  in.Metadata,
		modified:  time.Now(),
	})
	return &s3.PutObjectOutput{ETag: aws.String(`"` + etag + `"`), VersionId: aws.String(versionID)}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	key := aws.StringValue(in.Key)
	var v fakeVersion
	var ok bool
	if in.VersionId != nil {
		for _, cand := range f.objects[key] {
			if cand.versionID == aws.StringValue(in.VersionId) {
				v, ok = cand, true
				break
			}
		}
	} else {
		v, ok = f.latest(key)
	}
	if !ok {
		return nil, awserr.New("NoSuchKey", "no such key", nil)
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(v.body)),
		ETag:          aws.String(`"` + v.etag + `"`),
		Metadata:      v.metadata,
		ContentLength: aws.Int64(int64(len(v.body))),
		LastModified:  aws.Time(v.modified),
	}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func newTestBackend() (*Backend, *fakeS3) {
	f := newFakeS3()
	return New(f, leolease.NewSigner([]byte("test-signing-secret"))), f
}

func writeBody(body string) backend.WriteFunc {
	return func(w io.Writer) (int64, error) {
		n, err := io.Copy(w, bytes.NewBufferString(body))
		return n, err
	}
}

func TestEncodeDecodeMetadataRoundTrips(t *testing.T) {
	md := leolocation.NewMetadata()
	md["custom"] = "value"

	wire, err := encodeMetadata(md)
	if err != nil {
		t.Fatalf("encodeMetadata: %v", err)
	}
	if _, present := wire[metaHeaderKey]; !present {
		t.Fatalf("encoded metadata missing %q key", metaHeaderKey)
	}

	got, err := decodeMetadata(wire)
	if err != nil {
		t.Fatalf("decodeMetadata: %v", err)
	}
	if got["custom"] != "value" {
		t.Fatalf("decodeMetadata()[custom] = %q, want value", got["custom"])
	}
	if got[leolocation.KeyStoreVersion] != storeVersion {
		t.Fatalf("StoreVersion = %q, want %q", got[leolocation.KeyStoreVersion], storeVersion)
	}
}

func TestDecodeMetadataOfNilRawIsEmptyNonNil(t *testing.T) {
	got, err := decodeMetadata(nil)
	if err != nil {
		t.Fatalf("decodeMetadata: %v", err)
	}
	if got == nil {
		t.Fatal("decodeMetadata(nil) returned nil, want empty non-nil Metadata")
	}
}

func TestIsAWSCodeMatchesAndMisses(t *testing.T) {
	err := awserr.New(s3.ErrCodeNoSuchKey, "missing", nil)
	if !isAWSCode(err, s3.ErrCodeNoSuchKey) {
		t.Fatal("isAWSCode should match the wrapped code")
	}
	if isAWSCode(err, s3.ErrCodeBucketAlreadyExists) {
		t.Fatal("isAWSCode should not match a different code")
	}
	if isAWSCode(errors.New("plain"), s3.ErrCodeNoSuchKey) {
		t.Fatal("isAWSCode should be false for a non-awserr.Error")
	}
	if isAWSCode(nil, s3.ErrCodeNoSuchKey) {
		t.Fatal("isAWSCode should be false for a nil error")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()
	loc := leolocation.New("bucket", "a.txt")

	md, err := b.SaveData(ctx, loc, leolocation.NewMetadata(), backend.Audit{}, writeBody("hello"))
	if err != nil {
		t.Fatalf("SaveData: %v", err)
	}
	if md.ContentLength() != 5 {
		t.Fatalf("ContentLength = %d, want 5", md.ContentLength())
	}

	dwm, err := b.LoadData(ctx, loc, nil)
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if dwm == nil {
		t.Fatal("LoadData returned nil, want data")
	}
	got, _ := io.ReadAll(dwm.Body)
	if string(got) != "hello" {
		t.Fatalf("body = %q, want hello", got)
	}
}

func TestGetMetadataMissingReturnsNilNil(t *testing.T) {
	b, _ := newTestBackend()
	md, err := b.GetMetadata(context.Background(), leolocation.New("bucket", "missing.txt"), nil)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if md != nil {
		t.Fatal("GetMetadata on a missing key returned non-nil")
	}
}

func TestTryOptimisticWriteCreateOnlyRejectsSecondWrite(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()
	loc := leolocation.New("bucket", "b.txt")

	ok, _, err := b.TryOptimisticWrite(ctx, loc, leolocation.NewMetadata(), backend.Audit{}, writeBody("first"))
	if err != nil || !ok {
		t.Fatalf("first TryOptimisticWrite: ok=%v err=%v", ok, err)
	}
	ok, _, err = b.TryOptimisticWrite(ctx, loc, leolocation.NewMetadata(), backend.Audit{}, writeBody("second"))
	if err != nil {
		t.Fatalf("second TryOptimisticWrite: %v", err)
	}
	if ok {
		t.Fatal("create-only TryOptimisticWrite should reject an existing target")
	}
}

func TestTryOptimisticWriteCASHonorsETag(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()
	loc := leolocation.New("bucket", "c.txt")

	md, err := b.SaveData(ctx, loc, leolocation.NewMetadata(), backend.Audit{}, writeBody("v1"))
	if err != nil {
		t.Fatalf("SaveData: %v", err)
	}

	stale := leolocation.NewMetadata()
	stale[leolocation.KeyETag] = "not-the-real-etag"
	ok, _, err := b.TryOptimisticWrite(ctx, loc, stale, backend.Audit{}, writeBody("v2-stale"))
	if err != nil {
		t.Fatalf("stale CAS: %v", err)
	}
	if ok {
		t.Fatal("CAS against a stale ETag should have failed the precondition")
	}

	fresh := leolocation.NewMetadata()
	fresh[leolocation.KeyETag] = md[leolocation.KeyETag]
	ok, _, err = b.TryOptimisticWrite(ctx, loc, fresh, backend.Audit{}, writeBody("v2"))
	if err != nil || !ok {
		t.Fatalf("CAS against the real ETag: ok=%v err=%v", ok, err)
	}
}

func TestLockIsExclusiveUntilReleased(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()
	loc := leolocation.New("bucket", "locked.txt")

	lease, err := b.Lock(ctx, loc)
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	if lease == nil {
		t.Fatal("first Lock should have succeeded")
	}

	if second, err := b.Lock(ctx, loc); err != nil {
		t.Fatalf("second Lock: %v", err)
	} else if second != nil {
		t.Fatal("second Lock should have observed the lease already held")
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	third, err := b.Lock(ctx, loc)
	if err != nil {
		t.Fatalf("third Lock: %v", err)
	}
	if third == nil {
		t.Fatal("Lock should succeed again once the lease is released")
	}
}
