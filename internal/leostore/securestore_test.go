package leostore_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/leohq/leo/internal/backend/localblob"
	"github.com/leohq/leo/internal/leocrypto"
	"github.com/leohq/leo/internal/leolease"
	"github.com/leohq/leo/internal/leolocation"
	"github.com/leohq/leo/internal/leoqueue"
	"github.com/leohq/leo/internal/leostore"
)

var testSigner = leolease.NewSigner([]byte("test-signing-secret"))

func newTestStore(t *testing.T) (*leostore.SecureStore, *localblob.Backend) {
	t.Helper()
	adapter, err := localblob.New(":memory:", testSigner)
	if err != nil {
		t.Fatalf("localblob.New: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Close() })
	s := leostore.New(adapter)
	s.IndexQueue = leoqueue.NewInMemory(0)
	return s, adapter
}

func writeBody(body string) leostore.WriteFunc {
	return func(w io.Writer) (int64, error) {
		n, err := io.Copy(w, bytes.NewBufferString(body))
		return n, err
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	loc := leolocation.New("c1", "docs/a.txt")

	md, err := s.Save(ctx, loc, leolocation.NewMetadata(), leostore.None, writeBody("hello world"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if md.ContentLength() != int64(len("hello world")) {
		t.Fatalf("ContentLength = %d, want %d", md.ContentLength(), len("hello world"))
	}

	dwm, err := s.LoadData(ctx, loc, nil)
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if dwm == nil {
		t.Fatal("LoadData returned nil, want data")
	}
	defer dwm.Release()
	got, err := io.ReadAll(dwm.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("body = %q, want %q", got, "hello world")
	}
}

func TestSaveStripsCallerSuppliedReservedKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	loc := leolocation.New("c1", "docs/b.txt")

	caller := leolocation.NewMetadata()
	caller.SetContentLength(99999)
	caller[leolocation.KeyStoreVersion] = "forged"

	md, err := s.Save(ctx, loc, caller, leostore.None, writeBody("abc"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if md.ContentLength() != 3 {
		t.Fatalf("ContentLength = %d, want 3 (caller value must not win)", md.ContentLength())
	}
	if _, present := md[leolocation.KeyStoreVersion]; present {
		t.Fatal("StoreVersion leaked through Save result")
	}
}

func TestTrySaveCreateOnlyRejectsSecondWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	loc := leolocation.New("c1", "docs/c.txt")

	ok, _, err := s.TrySave(ctx, loc, leolocation.NewMetadata(), leostore.None, writeBody("first"))
	if err != nil || !ok {
		t.Fatalf("first TrySave: ok=%v err=%v", ok, err)
	}

	ok, _, err = s.TrySave(ctx, loc, leolocation.NewMetadata(), leostore.None, writeBody("second"))
	if err != nil {
		t.Fatalf("second TrySave: %v", err)
	}
	if ok {
		t.Fatal("second create-only TrySave should have failed the precondition")
	}

	dwm, err := s.LoadData(ctx, loc, nil)
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	defer dwm.Release()
	got, _ := io.ReadAll(dwm.Body)
	if string(got) != "first" {
		t.Fatalf("body = %q, want %q (second write must not have landed)", got, "first")
	}
}

func TestDeleteWithKeepDeletesHidesCurrentReadButPreservesSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	loc := leolocation.New("c1", "docs/d.txt")

	if _, err := s.Save(ctx, loc, leolocation.NewMetadata(), leostore.None, writeBody("v1")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Delete(ctx, loc, leostore.KeepDeletes); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	dwm, err := s.LoadData(ctx, loc, nil)
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if dwm != nil {
		dwm.Release()
		t.Fatal("LoadData should hide a soft-deleted current version")
	}

	md, err := s.GetMetadata(ctx, loc, nil)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if md == nil || !md.IsSoftDeleted() {
		t.Fatal("GetMetadata should still surface the soft-deleted version's metadata")
	}
}

func TestDeletePermanentRemovesEverything(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	loc := leolocation.New("c1", "docs/e.txt")

	if _, err := s.Save(ctx, loc, leolocation.NewMetadata(), leostore.None, writeBody("v1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, loc, leostore.None); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	md, err := s.GetMetadata(ctx, loc, nil)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if md != nil {
		t.Fatal("GetMetadata should return nil after a permanent delete")
	}
}

func TestSaveEmitsIndexEventRegardlessOfOptions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	loc := leolocation.New("c1", "docs/f.txt")

	if _, err := s.Save(ctx, loc, leolocation.NewMetadata(), leostore.None, writeBody("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	msgs, err := s.IndexQueue.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d index events, want 1 (GenerateIndexEvent is implied for Save)", len(msgs))
	}
	details, err := leoqueue.Decode(msgs[0].Body())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if details.Container != "c1" || details.BasePath != "docs/f.txt" {
		t.Fatalf("details = %+v, want container c1 basePath docs/f.txt", details)
	}
}

func TestCompressRoundTripsThroughPipeline(t *testing.T) {
	adapter, err := localblob.New(":memory:", testSigner)
	if err != nil {
		t.Fatalf("localblob.New: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Close() })
	s := leostore.New(adapter)
	s.Compressor = leocrypto.ByName("zstd")

	ctx := context.Background()
	loc := leolocation.New("c1", "docs/g.txt")
	payload := bytes.Repeat([]byte("compress me please "), 4096)

	if _, err := s.Save(ctx, loc, leolocation.NewMetadata(), leostore.Compress, func(w io.Writer) (int64, error) {
		n, err := w.Write(payload)
		return int64(n), err
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dwm, err := s.LoadData(ctx, loc, nil)
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	defer dwm.Release()
	got, err := io.ReadAll(dwm.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round-tripped payload does not match original")
	}
}
