package leolocation

import "io"

// Snapshot is an immutable prior version of a Location: an opaque
// backend-assigned id, the tick it was modified at, and the metadata
// captured at creation time.
type Snapshot struct {
	ID       string
	Modified int64
	Metadata Metadata
}

// DataWithMetadata is the read projection returned by LoadData: a lazy byte
// stream plus metadata. Callers must either fully consume Body or call
// Release to abandon it; both are safe to call after the other.
type DataWithMetadata struct {
	Body     io.ReadCloser
	Metadata Metadata
}

// Release discards the stream without reading it. Equivalent to closing
// Body directly; provided so callers that only want metadata don't need to
// know the field name to clean up.
func (d *DataWithMetadata) Release() error {
	if d == nil || d.Body == nil {
		return nil
	}
	return d.Body.Close()
}
