package types

import "fmt"

type ItemKind string

const (
	ItemKindAlbum ItemKind = "album"
	ItemKindTrack ItemKind = "track"
)

// CollectionItem is one purchase in a fan's collection. The ID is the
// sale-item key Bandcamp uses in its redownload URL map, e.g. "a123456",
// stable across runs.
type CollectionItem struct {
	ID              string
	Title           string
	Artist          string
	Kind            ItemKind
	DownloadPageURL string
}

func (i CollectionItem) DisplayName() string {
	return fmt.Sprintf("%s - %s", i.Artist, i.Title)
}

// DownloadLink is a single format choice on an item's download page. The
// URL is signed and expires, so links must be resolved fresh for every
// download attempt and never stored.
type DownloadLink struct {
	Format string
	URL    string
}

// PickLink returns the first link matching the format preference order.
func PickLink(links []DownloadLink, preferences []string) (DownloadLink, bool) {
	for _, want := range preferences {
		for _, l := range links {
			if l.Format == want {
				return l, true
			}
		}
	}

	return DownloadLink{}, false //nolint:exhaustruct
}
