package queue

import "time"

// LocatorKind tells how an item's locator should be interpreted.
type LocatorKind string

const (
	// KindURL locators point at remote media or hold a search query.
	KindURL LocatorKind = "url"
	// KindFile locators point at a downloaded local artifact.
	KindFile LocatorKind = "file"
)

// DownloadState is the lifecycle of an item's artifact.
type DownloadState string

const (
	StatePending     DownloadState = "pending"
	StatePreparing   DownloadState = "preparing"
	StateDownloading DownloadState = "downloading"
	StateReady       DownloadState = "ready"
	StateError       DownloadState = "error"
)

// Item is one pending request to play media.
type Item struct {
	// ID is the stable identity assigned on the first persistence insert.
	// Empty until the item has been saved at least once.
	ID string `json:"id"`

	// SongID links to a persisted song record, when one exists.
	SongID string `json:"songId,omitempty"`

	// Locator is a URL, a search query, or the local artifact path once the
	// download completed.
	Locator string `json:"locator"`

	// OriginalLocator retains the source locator after Locator has been
	// replaced by a local path, so the item can be re-downloaded if the
	// artifact disappears.
	OriginalLocator string `json:"originalLocator,omitempty"`

	Kind LocatorKind `json:"kind"`

	Title    string        `json:"title"`
	Artist   string        `json:"artist"`
	Duration time.Duration `json:"duration,omitempty"`

	RequesterName string `json:"requesterName"`
	RequesterID   string `json:"requesterId"`
	// GroupID is the origin context of the request. Empty for items added
	// through the web surface.
	GroupID string `json:"groupId,omitempty"`

	Priority bool `json:"priority"`

	State    DownloadState `json:"state"`
	Progress int           `json:"progress"`

	Thumbnail  string `json:"thumbnail,omitempty"`
	Prefetched bool   `json:"prefetched"`
}

// Downloading reports whether the item's artifact transfer is in progress.
func (it *Item) Downloading() bool {
	return it.State == StateDownloading || it.State == StatePreparing
}

// Source returns the locator that identifies where the media came from,
// preferring the original over a downloaded file path.
func (it *Item) Source() string {
	if it.OriginalLocator != "" {
		return it.OriginalLocator
	}
	return it.Locator
}

// MarkReady flips the item to a ready local file, retaining the source
// locator for later re-downloads.
func (it *Item) MarkReady(localPath, thumbnail string) {
	if it.Kind == KindURL {
		it.OriginalLocator = it.Locator
	}
	it.Locator = localPath
	it.Kind = KindFile
	it.State = StateReady
	it.Progress = 100
	if thumbnail != "" {
		it.Thumbnail = thumbnail
	}
}

// ResetToSource reverts a file-typed item back to its source locator so it
// can be downloaded again. Returns false when no source locator is known.
func (it *Item) ResetToSource() bool {
	if it.OriginalLocator == "" {
		return false
	}
	it.Locator = it.OriginalLocator
	it.Kind = KindURL
	it.State = StatePending
	it.Progress = 0
	it.Prefetched = false
	return true
}

// Identifies reports whether other refers to the same request as it, by ID
// when both carry one and by source locator otherwise.
func (it *Item) Identifies(other *Item) bool {
	if other == nil {
		return false
	}
	if it.ID != "" && other.ID != "" {
		return it.ID == other.ID
	}
	return it.Source() == other.Source()
}
