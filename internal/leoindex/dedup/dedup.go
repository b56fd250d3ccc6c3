// Package dedup is an optional idempotency guard for the Index Listener
// (spec §7's at-least-once contract, §4.3 failure semantics): a
// probabilistic "have I already handled this id" check backed by
// github.com/seiflotfy/cuckoofilter, consulted before an indexer
// invocation so a redelivered message from a partially-failed batch
// doesn't re-run side effects its handler already completed. False
// positives are possible (the filter's whole point is staying small); a
// false negative never happens, so skipping a genuine duplicate is safe
// but an occasional spurious skip of a fresh id is the accepted tradeoff.
package dedup

import cuckoo "github.com/seiflotfy/cuckoofilter"

// Filter tracks recently-delivered message identities. The zero value is
// not usable; construct with New.
type Filter struct {
	cf *cuckoo.Filter
}

// New returns a Filter sized for roughly capacity distinct entries before
// its false-positive rate starts climbing.
func New(capacity uint) *Filter {
	return &Filter{cf: cuckoo.NewFilter(capacity)}
}

// Seen reports whether key was already recorded, and records it regardless
// of the answer — so the first call for a given key returns false, every
// subsequent call returns true.
func (f *Filter) Seen(key string) bool {
	if f == nil {
		return false
	}
	b := []byte(key)
	if f.cf.Lookup(b) {
		return true
	}
	f.cf.InsertUnique(b)
	return false
}

// Forget removes key, e.g. once its underlying record has been reindexed
// deliberately and a future redelivery should be allowed to run again.
func (f *Filter) Forget(key string) {
	if f == nil {
		return
	}
	f.cf.Delete([]byte(key))
}
