package leolocation_test

import (
	"testing"

	"github.com/leohq/leo/internal/leolocation"
)

func TestMetadataCloneIsIndependent(t *testing.T) {
	m := leolocation.NewMetadata()
	m["a"] = "1"
	clone := m.Clone()
	clone["a"] = "2"
	clone["b"] = "3"

	if m["a"] != "1" {
		t.Fatalf("original mutated: m[a] = %q, want 1", m["a"])
	}
	if _, present := m["b"]; present {
		t.Fatal("original mutated: m[b] should not exist")
	}
}

func TestMetadataCloneOfNilIsNonNil(t *testing.T) {
	var m leolocation.Metadata
	clone := m.Clone()
	if clone == nil {
		t.Fatal("Clone() of nil Metadata returned nil, want empty non-nil map")
	}
}

func TestStripInternalRemovesStoreVersion(t *testing.T) {
	m := leolocation.NewMetadata()
	m[leolocation.KeyStoreVersion] = "v1"
	m["custom"] = "keep"
	m.StripInternal()

	if _, present := m[leolocation.KeyStoreVersion]; present {
		t.Fatal("StripInternal did not remove StoreVersion")
	}
	if m["custom"] != "keep" {
		t.Fatal("StripInternal removed an unrelated key")
	}
}

func TestStripReindexRemovesReindexOnly(t *testing.T) {
	m := leolocation.NewMetadata()
	m[leolocation.KeyReindex] = "true"
	m["custom"] = "keep"
	m.StripReindex()

	if _, present := m[leolocation.KeyReindex]; present {
		t.Fatal("StripReindex did not remove Reindex")
	}
	if m["custom"] != "keep" {
		t.Fatal("StripReindex removed an unrelated key")
	}
}

func TestIsSoftDeleted(t *testing.T) {
	m := leolocation.NewMetadata()
	if m.IsSoftDeleted() {
		t.Fatal("fresh Metadata reports soft-deleted")
	}
	m.MarkDeleted(1234)
	if !m.IsSoftDeleted() {
		t.Fatal("MarkDeleted did not make IsSoftDeleted true")
	}
}

func TestIsReindex(t *testing.T) {
	m := leolocation.NewMetadata()
	if m.IsReindex() {
		t.Fatal("fresh Metadata reports Reindex")
	}
	m[leolocation.KeyReindex] = "false"
	if m.IsReindex() {
		t.Fatal("Reindex=false should not count as reindex")
	}
	m[leolocation.KeyReindex] = "true"
	if !m.IsReindex() {
		t.Fatal("Reindex=true should count as reindex")
	}
}

func TestContentLengthRoundTrips(t *testing.T) {
	m := leolocation.NewMetadata()
	m.SetContentLength(42)
	if got := m.ContentLength(); got != 42 {
		t.Fatalf("ContentLength() = %d, want 42", got)
	}
}

func TestContentLengthDefaultsToZero(t *testing.T) {
	m := leolocation.NewMetadata()
	if got := m.ContentLength(); got != 0 {
		t.Fatalf("ContentLength() on absent key = %d, want 0", got)
	}
	m[leolocation.KeyContentLength] = "not-a-number"
	if got := m.ContentLength(); got != 0 {
		t.Fatalf("ContentLength() on unparsable value = %d, want 0", got)
	}
}

func TestModifiedRoundTrips(t *testing.T) {
	m := leolocation.NewMetadata()
	m.SetModified(999)
	if got := m.Modified(); got != 999 {
		t.Fatalf("Modified() = %d, want 999", got)
	}
}

func TestMerge(t *testing.T) {
	base := leolocation.NewMetadata()
	base["a"] = "1"
	base["b"] = "1"
	patch := leolocation.NewMetadata()
	patch["b"] = "2"
	patch["c"] = "3"

	merged := base.Merge(patch)
	if merged["a"] != "1" || merged["b"] != "2" || merged["c"] != "3" {
		t.Fatalf("Merge() = %+v, want a=1 b=2 c=3", merged)
	}
	if base["b"] != "1" {
		t.Fatal("Merge mutated the receiver")
	}
}
