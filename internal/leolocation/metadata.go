package leolocation

import "strconv"

// Reserved metadata keys (spec §3). ContentLength, Modified, ContentType,
// Snapshot, and ETag are backend/Secure-Store assigned on successful writes.
// LeoDeleted marks a soft delete. Type drives Index Listener routing.
// Reindex is a transient marker stripped before re-emitted writes propagate
// further. StoreVersion is adapter-private and must never leak to callers.
const (
	KeyContentLength = "ContentLength"
	KeyModified      = "Modified"
	KeyContentType   = "ContentType"
	KeySnapshot      = "Snapshot"
	KeyETag          = "ETag"
	KeyLeoDeleted    = "LeoDeleted"
	KeyType          = "Type"
	KeyReindex       = "Reindex"
	KeyStoreVersion  = "StoreVersion" // internal; never returned by GetMetadata/LoadData
)

// ETagAny is the wildcard conditional-write ETag: "*" means unconditional.
const ETagAny = "*"

// Metadata is the typed bag of named attributes carried with every blob: a
// plain string->string map, matching the teacher's SimpleKVs idiom
// (cmn/bucket.go-adjacent types), with helpers for the reserved-key rules.
type Metadata map[string]string

// NewMetadata returns an empty, non-nil Metadata.
func NewMetadata() Metadata { return Metadata{} }

// Clone returns a deep (one-level) copy so callers can mutate without
// aliasing the original.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StripInternal removes keys reserved for internal adapter use (currently
// only StoreVersion) so they never leak through GetMetadata/LoadData. It
// mutates and returns m.
func (m Metadata) StripInternal() Metadata {
	delete(m, KeyStoreVersion)
	return m
}

// StripReindex removes the transient Reindex marker. The Index Listener
// strips this from the copy it passes downstream so re-emitted writes don't
// propagate the flag forever.
func (m Metadata) StripReindex() Metadata {
	delete(m, KeyReindex)
	return m
}

// IsSoftDeleted reports whether m carries the LeoDeleted marker.
func (m Metadata) IsSoftDeleted() bool {
	_, ok := m[KeyLeoDeleted]
	return ok
}

// IsReindex reports whether m carries the transient Reindex marker.
func (m Metadata) IsReindex() bool {
	v, ok := m[KeyReindex]
	return ok && v == "true"
}

// ContentLength parses the ContentLength reserved key, returning 0 if
// absent or unparsable.
func (m Metadata) ContentLength() int64 {
	n, _ := strconv.ParseInt(m[KeyContentLength], 10, 64)
	return n
}

// SetContentLength sets the ContentLength reserved key.
func (m Metadata) SetContentLength(n int64) {
	m[KeyContentLength] = strconv.FormatInt(n, 10)
}

// Modified parses the Modified reserved key (epoch ticks, i.e. nanoseconds
// since Unix epoch), returning 0 if absent or unparsable.
func (m Metadata) Modified() int64 {
	n, _ := strconv.ParseInt(m[KeyModified], 10, 64)
	return n
}

// SetModified sets the Modified reserved key to ticks.
func (m Metadata) SetModified(ticks int64) {
	m[KeyModified] = strconv.FormatInt(ticks, 10)
}

// MarkDeleted sets LeoDeleted to ticks, the tick at which the deletion
// occurred.
func (m Metadata) MarkDeleted(ticks int64) {
	m[KeyLeoDeleted] = strconv.FormatInt(ticks, 10)
}

// Merge returns a copy of m with every key of patch applied on top. SaveData
// and TryOptimisticWrite always overwrite all user-visible metadata (no
// merge at the backend boundary); Merge is for composing the *effective*
// metadata the Secure Store computes before handing it to the backend.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}
