package leolocation_test

import (
	"testing"

	"github.com/leohq/leo/internal/leolocation"
)

func TestFirstPathSegment(t *testing.T) {
	cases := []struct {
		basePath string
		want     string
	}{
		{"docs/a/1.txt", "docs"},
		{"docs", "docs"},
		{"/docs/a", "docs"},
		{`\docs\a`, "docs"},
		{"", ""},
		{"///", ""},
	}
	for _, c := range cases {
		if got := leolocation.FirstPathSegment(c.basePath); got != c.want {
			t.Errorf("FirstPathSegment(%q) = %q, want %q", c.basePath, got, c.want)
		}
	}
}

func TestLogicalKey(t *testing.T) {
	loc := leolocation.New("c1", "docs/a/1.txt")
	if got, want := loc.LogicalKey(), "c1_docs"; got != want {
		t.Fatalf("LogicalKey() = %q, want %q", got, want)
	}
}

func TestIsDescendantOf(t *testing.T) {
	root := leolocation.New("c1", "docs/a")
	cases := []struct {
		name string
		loc  leolocation.Location
		want bool
	}{
		{"direct child", leolocation.New("c1", "docs/a/1.txt"), true},
		{"nested child", leolocation.New("c1", "docs/a/b/c.txt"), true},
		{"same path", leolocation.New("c1", "docs/a"), false},
		{"sibling prefix collision", leolocation.New("c1", "docs/ab/1.txt"), false},
		{"different container", leolocation.New("c2", "docs/a/1.txt"), false},
	}
	for _, c := range cases {
		if got := c.loc.IsDescendantOf(root); got != c.want {
			t.Errorf("%s: IsDescendantOf() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestLocationString(t *testing.T) {
	loc := leolocation.New("c1", "docs/a.txt")
	if got, want := loc.String(), "c1/docs/a.txt"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
