package leoqueue

import jsoniter "github.com/json-iterator/go"

var eventJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// StoreDataDetails is the index-event wire format (spec §6): JSON, UTF-8,
// unknown fields preserved on round-trip where possible but ignored by the
// listener. Id is optional; SecureStore leaves it empty on every event it
// publishes, for object and document partitions alike.
type StoreDataDetails struct {
	Container string            `json:"Container"`
	BasePath  string            `json:"BasePath"`
	ID        string            `json:"Id,omitempty"`
	Metadata  map[string]string `json:"Metadata"`

	// unknown holds any fields this version of Leo doesn't recognize, so
	// Encode can round-trip them rather than silently dropping them.
	unknown map[string]jsoniter.RawMessage `json:"-"`
}

// Encode marshals d to its wire form.
func Encode(d StoreDataDetails) (string, error) {
	base := map[string]interface{}{
		"Container": d.Container,
		"BasePath":  d.BasePath,
		"Metadata":  d.Metadata,
	}
	if d.ID != "" {
		base["Id"] = d.ID
	}
	for k, v := range d.unknown {
		if _, known := base[k]; !known {
			base[k] = v
		}
	}
	b, err := eventJSON.Marshal(base)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a StoreDataDetails wire message, preserving unrecognized
// top-level fields for round-tripping. Unknown fields are ignored by every
// consumer in this repository (spec §6).
func Decode(body string) (StoreDataDetails, error) {
	var raw map[string]jsoniter.RawMessage
	if err := eventJSON.UnmarshalFromString(body, &raw); err != nil {
		return StoreDataDetails{}, err
	}
	var d StoreDataDetails
	if v, ok := raw["Container"]; ok {
		_ = eventJSON.Unmarshal(v, &d.Container)
		delete(raw, "Container")
	}
	if v, ok := raw["BasePath"]; ok {
		_ = eventJSON.Unmarshal(v, &d.BasePath)
		delete(raw, "BasePath")
	}
	if v, ok := raw["Id"]; ok {
		_ = eventJSON.Unmarshal(v, &d.ID)
		delete(raw, "Id")
	}
	if v, ok := raw["Metadata"]; ok {
		_ = eventJSON.Unmarshal(v, &d.Metadata)
		delete(raw, "Metadata")
	}
	d.unknown = raw
	return d, nil
}

// Clone returns a deep copy whose Metadata can be mutated independently of
// the original's.
func (d StoreDataDetails) Clone() StoreDataDetails {
	out := d
	out.Metadata = make(map[string]string, len(d.Metadata))
	for k, v := range d.Metadata {
		out.Metadata[k] = v
	}
	return out
}
