package leocrypto_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/leohq/leo/internal/leocrypto"
)

func roundTrip(t *testing.T, pipe leocrypto.Pipeline, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := pipe.WrapWriter(&buf)
	if err != nil {
		t.Fatalf("WrapWriter: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := pipe.WrapReader(&buf)
	if err != nil {
		t.Fatalf("WrapReader: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return got
}

func TestPipelineIdentityWhenBothStagesNil(t *testing.T) {
	payload := []byte("hello world")
	got := roundTrip(t, leocrypto.Pipeline{}, payload)
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestPipelineCompressOnly(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 10000)
	pipe := leocrypto.Pipeline{Compressor: leocrypto.NewZstdCompressor()}
	got := roundTrip(t, pipe, payload)
	if !bytes.Equal(got, payload) {
		t.Fatal("zstd-only round trip corrupted the payload")
	}
}

func TestPipelineEncryptOnly(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 32)
	enc, err := leocrypto.NewChaCha20Poly1305Encryptor(key)
	if err != nil {
		t.Fatalf("NewChaCha20Poly1305Encryptor: %v", err)
	}
	payload := []byte("secret data")
	pipe := leocrypto.Pipeline{Encryptor: enc}
	got := roundTrip(t, pipe, payload)
	if !bytes.Equal(got, payload) {
		t.Fatal("encrypt-only round trip corrupted the payload")
	}
}

func TestPipelineCompressThenEncrypt(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	enc, err := leocrypto.NewChaCha20Poly1305Encryptor(key)
	if err != nil {
		t.Fatalf("NewChaCha20Poly1305Encryptor: %v", err)
	}
	payload := bytes.Repeat([]byte("xyz123"), 20000)
	pipe := leocrypto.Pipeline{Compressor: leocrypto.NewLZ4Compressor(), Encryptor: enc}
	got := roundTrip(t, pipe, payload)
	if !bytes.Equal(got, payload) {
		t.Fatal("compress+encrypt round trip corrupted the payload")
	}
}

func TestPipelineHandlesMultiChunkPayload(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, 32)
	enc, err := leocrypto.NewChaCha20Poly1305Encryptor(key)
	if err != nil {
		t.Fatalf("NewChaCha20Poly1305Encryptor: %v", err)
	}
	// Larger than the encryptor's internal chunk size so Write spans
	// multiple chunks and Close's empty final chunk is exercised.
	payload := bytes.Repeat([]byte{0xAB}, 200*1024)
	pipe := leocrypto.Pipeline{Encryptor: enc}
	got := roundTrip(t, pipe, payload)
	if !bytes.Equal(got, payload) {
		t.Fatal("multi-chunk round trip corrupted the payload")
	}
}

func TestNewChaCha20Poly1305EncryptorRejectsBadKeySize(t *testing.T) {
	if _, err := leocrypto.NewChaCha20Poly1305Encryptor([]byte("too short")); err == nil {
		t.Fatal("expected error for a non-32-byte key")
	}
}

func TestByNameDefaultsToZstd(t *testing.T) {
	if got := leocrypto.ByName(""); got == nil || got.Name() != "zstd" {
		t.Fatalf("ByName(\"\") = %v, want zstd", got)
	}
}

func TestByNameUnknownReturnsNil(t *testing.T) {
	if got := leocrypto.ByName("brotli"); got != nil {
		t.Fatalf("ByName(brotli) = %v, want nil", got)
	}
}
