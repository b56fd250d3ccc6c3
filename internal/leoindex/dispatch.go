package leoindex

import (
	"context"

	leoerrors "github.com/leohq/leo/internal/errors"
	"github.com/leohq/leo/internal/leolocation"
	"github.com/leohq/leo/internal/leoqueue"
)

// entry is one surviving, resolved, not-yet-invoked unit of work within a
// partition: the details to hand the indexer (Reindex flag already
// stripped) plus every original queued message it represents, so a
// within-batch duplicate and its representative share the same fate.
type entry struct {
	res     resolution
	details leoqueue.StoreDataDetails
	dedupID string
	msgs    []queuedMessage
}

// dispatch is the per-batch handler from spec §4.3: partition on Reindex,
// resolve + dedup + invoke per partition, ack-all-on-success /
// ack-none-on-failure per partition.
func (l *Listener) dispatch(ctx context.Context, items []queuedMessage) error {
	var reindexItems, normalItems []queuedMessage
	for _, it := range items {
		if leolocation.Metadata(it.details.Metadata).IsReindex() {
			reindexItems = append(reindexItems, it)
		} else {
			normalItems = append(normalItems, it)
		}
	}

	var firstErr error
	if err := l.dispatchPartition(ctx, normalItems, false); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.dispatchPartition(ctx, reindexItems, true); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (l *Listener) dispatchPartition(ctx context.Context, items []queuedMessage, reindex bool) error {
	if len(items) == 0 {
		return nil
	}

	entries, err := l.resolveAndDedup(items)
	if err != nil {
		return err
	}

	var toAck []queuedMessage
	for _, e := range entries {
		if l.Dedup != nil && e.dedupID != "" && l.Dedup.Seen(e.dedupID) {
			toAck = append(toAck, e.msgs...)
			continue
		}
		details := e.details
		details.Metadata = leolocation.Metadata(details.Metadata).Clone().StripReindex()

		var invokeErr error
		if reindex {
			if ri, ok := e.res.indexer.(Reindexer); ok {
				invokeErr = ri.Reindex(ctx, details)
			} else {
				invokeErr = e.res.indexer.Index(ctx, details)
			}
		} else {
			invokeErr = e.res.indexer.Index(ctx, details)
		}
		if invokeErr != nil {
			// Partition-level failure: nothing in this partition is
			// acknowledged, even entries already invoked successfully
			// above. On redelivery Dedup (when set) skips those, and the
			// failed entry is forgotten here so it is invoked again.
			if l.Dedup != nil && e.dedupID != "" {
				l.Dedup.Forget(e.dedupID)
			}
			return invokeErr
		}
		toAck = append(toAck, e.msgs...)
	}

	for _, m := range toAck {
		if err := m.msg.Complete(ctx); err != nil {
			l.sink(leoerrors.NewStorageError("Complete", "", err))
		}
	}
	return nil
}

// resolveAndDedup resolves each item's indexer (type first, else longest
// path prefix) and collapses duplicates per spec §4.3 step 4: type
// indexers collapse by Id, path indexers collapse by BasePath.
func (l *Listener) resolveAndDedup(items []queuedMessage) ([]entry, error) {
	seen := make(map[string]int) // collapse key -> index into entries
	var entries []entry

	for _, it := range items {
		res, ok := l.Registry.resolve(it.details)
		if !ok {
			return nil, leoerrors.NewDispatchError(it.details.Container, it.details.BasePath, "no registered type or path indexer matched")
		}

		collapseKey := "path:" + it.details.BasePath
		dedupID := it.details.Container + "/" + it.details.BasePath
		if res.byType {
			collapseKey = "type:" + it.details.Metadata["Type"] + ":" + it.details.ID
			dedupID = it.details.Metadata["Type"] + ":" + it.details.ID
		}

		if idx, dup := seen[collapseKey]; dup {
			entries[idx].msgs = append(entries[idx].msgs, it)
			continue
		}
		seen[collapseKey] = len(entries)
		entries = append(entries, entry{res: res, details: it.details, dedupID: dedupID, msgs: []queuedMessage{it}})
	}
	return entries, nil
}
