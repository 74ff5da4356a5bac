package backup

import (
	"context"
	"fmt"
)

// Diff classifies every archive entry against state. Classification runs on
// up to workers goroutines and only reads state; the returned ops are in the
// order of entries.
func Diff(ctx context.Context, state *SourceState, entries []*ArchiveEntry, workers int) ([]SyncOp, error) {
	ops := make([]SyncOp, len(entries))
	if len(entries) == 0 {
		return ops, nil
	}

	err := forEachChunk(ctx, len(entries), workers, func(i int) {
		ops[i] = classify(state, entries[i])
	})
	if err != nil {
		return nil, fmt.Errorf("diff: %w", err)
	}
	return ops, nil
}

func classify(state *SourceState, e *ArchiveEntry) SyncOp {
	src, ok := state.Get(e.Name)
	if !ok {
		return Delete{Entry: e, Reason: ReasonMissing}
	}
	if !src.Same(&e.PathEntry) {
		return Delete{Entry: e, Reason: ReasonChanged}
	}
	return Keep{Entry: e}
}

// Reconcile consumes the paths of Keep ops from state, leaving exactly the
// insertion set behind. Only the first Keep of a path survives; later ones
// become Deletes of the duplicate.
func Reconcile(ops []SyncOp, state *SourceState) []SyncOp {
	kept := make(map[string]bool)
	for i, op := range ops {
		switch op := op.(type) {
		case Keep:
			if kept[op.Entry.Name] {
				ops[i] = Delete{Entry: op.Entry, Reason: ReasonDuplicate}
				continue
			}
			kept[op.Entry.Name] = true
			state.Remove(op.Entry.Name)
		case Delete:
		default:
			panic(fmt.Sprintf("backup: unknown sync op %T", op))
		}
	}
	return ops
}
