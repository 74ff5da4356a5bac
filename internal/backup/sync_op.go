package backup

// SyncOp is the verdict for one existing archive entry. The only
// implementations are Delete and Keep.
type SyncOp interface {
	isSyncOp()
}

// Delete removes a stale or changed entry from the segment holding it.
type Delete struct {
	Entry  *ArchiveEntry
	Reason DeleteReason
}

// Keep leaves an entry untouched; its path needs no insertion.
type Keep struct {
	Entry *ArchiveEntry
}

func (Delete) isSyncOp() {}
func (Keep) isSyncOp() {}

type DeleteReason string

const (
	ReasonMissing   DeleteReason = "missing"
	ReasonChanged   DeleteReason = "changed"
	ReasonDuplicate DeleteReason = "duplicate"
)
