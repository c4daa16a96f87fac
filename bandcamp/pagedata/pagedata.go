// Package pagedata extracts the machine-readable payload Bandcamp embeds
// in its HTML pages as <div id="pagedata" data-blob="...">, where the blob
// is HTML-escaped JSON.
package pagedata

import (
	"errors"
	"html"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrNotFound = errors.New("no pagedata blob found in page")

const (
	divMarker  = `id="pagedata"`
	blobMarker = `data-blob="`
)

func Extract(page string) ([]byte, error) {
	divIdx := strings.Index(page, divMarker)
	if divIdx == -1 {
		return nil, ErrNotFound
	}

	rest := page[divIdx:]
	blobIdx := strings.Index(rest, blobMarker)
	if blobIdx == -1 {
		return nil, ErrNotFound
	}

	rest = rest[blobIdx+len(blobMarker):]
	end := strings.IndexByte(rest, '"')
	if end == -1 {
		return nil, ErrNotFound
	}

	blob := []byte(html.UnescapeString(rest[:end]))
	if !gjson.ValidBytes(blob) {
		return nil, errors.New("pagedata blob is not valid json")
	}

	return blob, nil
}
