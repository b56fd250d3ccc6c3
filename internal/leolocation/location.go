// Package leolocation implements the Leo data model described in spec §3:
// Location, Metadata, Snapshot, and the DataWithMetadata read projection,
// along with the reserved-metadata-key rules every backend and the Secure
// Store façade must honor.
package leolocation

import "strings"

// Location addresses a single logical blob: a container (namespace, usually
// a partition id as text) and a forward-slash-delimited basePath. Equality
// is case-sensitive byte-wise, so Location is safe to use as a map key.
type Location struct {
	Container string
	BasePath  string
}

func New(container, basePath string) Location {
	return Location{Container: container, BasePath: basePath}
}

func (l Location) String() string {
	return l.Container + "/" + l.BasePath
}

// IsDescendantOf reports whether l is a strict descendant of other, i.e.
// l.BasePath == other.BasePath + "/..." in the same container. FindSnapshots
// must never return a Location's snapshots for a descendant key.
func (l Location) IsDescendantOf(other Location) bool {
	if l.Container != other.Container {
		return false
	}
	prefix := other.BasePath + "/"
	return l.BasePath != other.BasePath && strings.HasPrefix(l.BasePath, prefix)
}

// FirstPathSegment splits basePath on '/' or '\' and returns the first
// non-empty token. Used by the Index Listener to compute the logical key;
// an empty basePath yields "".
func FirstPathSegment(basePath string) string {
	trimmed := strings.TrimLeft(basePath, `/\`)
	if trimmed == "" {
		return ""
	}
	if idx := strings.IndexAny(trimmed, `/\`); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// LogicalKey is the Index Listener's unit of per-key serialization:
// container + "_" + firstPathSegment(basePath).
func (l Location) LogicalKey() string {
	return l.Container + "_" + FirstPathSegment(l.BasePath)
}
