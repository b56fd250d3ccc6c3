package leostore

// Options is the SecureStoreOptions bitset from spec §6: callers combine
// members by union (bitwise OR). The zero value is None.
type Options uint8

const (
	None Options = 0

	// Compress applies the configured Compressor ahead of encryption, but
	// only when the backend adapter advertises CanCompress.
	Compress Options = 1 << (iota - 1)

	// KeepDeletes routes Delete to SoftDelete (append a LeoDeleted marker,
	// preserve snapshots) instead of PermanentDelete (remove everything).
	KeepDeletes

	// GenerateIndexEvent pushes a StoreDataDetails event to the index
	// queue on success. Save and TrySave behave as if this were always
	// set — "implied for Save" per spec §6 — regardless of what the
	// caller passes.
	GenerateIndexEvent

	// Backup pushes the same event to the backup queue on success.
	Backup
)

func (o Options) has(bit Options) bool { return o&bit != 0 }
