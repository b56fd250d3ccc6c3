package leoqueue_test

import (
	"testing"

	"github.com/leohq/leo/internal/leoqueue"
)

func TestEncodeDecodeRoundTrips(t *testing.T) {
	details := leoqueue.StoreDataDetails{
		Container: "c1",
		BasePath:  "docs/a.txt",
		ID:        "obj-1",
		Metadata:  map[string]string{"Type": "widget"},
	}
	body, err := leoqueue.Encode(details)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := leoqueue.Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Container != details.Container || got.BasePath != details.BasePath || got.ID != details.ID {
		t.Fatalf("Decode() = %+v, want %+v", got, details)
	}
	if got.Metadata["Type"] != "widget" {
		t.Fatalf("Metadata[Type] = %q, want widget", got.Metadata["Type"])
	}
}

func TestEncodeOmitsEmptyID(t *testing.T) {
	details := leoqueue.StoreDataDetails{Container: "c1", BasePath: "docs/a.txt", Metadata: map[string]string{}}
	body, err := leoqueue.Encode(details)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := leoqueue.Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != "" {
		t.Fatalf("ID = %q, want empty", got.ID)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	details := leoqueue.StoreDataDetails{Metadata: map[string]string{"a": "1"}}
	clone := details.Clone()
	clone.Metadata["a"] = "2"
	clone.Metadata["b"] = "3"

	if details.Metadata["a"] != "1" {
		t.Fatal("Clone mutated the original's Metadata")
	}
	if _, present := details.Metadata["b"]; present {
		t.Fatal("Clone mutated the original's Metadata")
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	body := `{"Container":"c1","BasePath":"docs/a.txt","Metadata":{},"FutureField":"x"}`
	got, err := leoqueue.Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Container != "c1" || got.BasePath != "docs/a.txt" {
		t.Fatalf("Decode() = %+v", got)
	}
}
