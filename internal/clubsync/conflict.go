package clubsync

import (
	"time"

	"github.com/readcircle/readcircle/internal/clubs"
)

// ConflictKind classifies how a remote change collides with local state.
type ConflictKind string

const (
	ConflictNone                   ConflictKind = ""
	ConflictConcurrentModification ConflictKind = "concurrent_modification"
	ConflictItemListDivergence     ConflictKind = "item_list_divergence"
)

// Conflict records a detected local/remote collision. It lives only for the
// duration of resolution.
type Conflict struct {
	Kind       ConflictKind
	Local      clubs.Club
	Remote     clubs.Row
	DetectedAt time.Time
}

func detectConflict(local clubs.Club, remote clubs.Row, watermark time.Time, hasWatermark bool) ConflictKind {
	if hasWatermark && watermark.After(remote.UpdatedAt) {
		return ConflictConcurrentModification
	}

	localOnly := clubs.BookDifference(local.Books, remote.Books)
	remoteOnly := clubs.BookDifference(remote.Books, local.Books)
	if len(localOnly) > 0 && len(remoteOnly) > 0 {
		return ConflictItemListDivergence
	}

	return ConflictNone
}

type mergeOutcome struct {
	merged     clubs.Club
	booksAdded int
}

// Metadata follows the remote snapshot for every conflict kind; the book list
// is the union with local order first, and the current selection falls back to
// the local value when the remote one is empty.
func resolveConflict(local clubs.Club, remote clubs.Row, localUserID string) mergeOutcome {
	merged := remote.ToClub(localUserID)
	merged.Books = clubs.MergeBooks(local.Books, remote.Books)
	if merged.CurrentSelection == "" {
		merged.CurrentSelection = local.CurrentSelection
	}

	return mergeOutcome{
		merged:     merged,
		booksAdded: len(clubs.BookDifference(remote.Books, local.Books)),
	}
}
