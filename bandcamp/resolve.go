package bandcamp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/thumperward/bandcamp-downloader/bandcamp/pagedata"
	"github.com/thumperward/bandcamp-downloader/bandcamp/session"
	"github.com/thumperward/bandcamp-downloader/bandcamp/types"
	"github.com/thumperward/bandcamp-downloader/config"
	"github.com/thumperward/bandcamp-downloader/httputil"
)

var (
	ErrTooManyRequests = errors.New("too many requests")
	// ErrUnavailable marks a revoked or withdrawn purchase. Reported, not
	// retried, and not counted as a failure of the run.
	ErrUnavailable = errors.New("item download is no longer available")
)

// ResolveError is a per-item failure fetching or parsing an item's
// download page. The scheduler retries the whole item on it.
type ResolveError struct {
	ItemID string
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("failed to resolve download links for item %s: %v", e.ItemID, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// Resolve fetches an item's download page and returns every offered
// format with its signed URL. URLs expire, so callers must resolve fresh
// on every attempt.
func Resolve(
	ctx context.Context,
	logger zerolog.Logger,
	sess *session.Session,
	item types.CollectionItem,
	conf config.DownloaderTimeouts,
) ([]types.DownloadLink, error) {
	blob, err := fetchDetailPage(ctx, sess, item, conf)
	if nil != err {
		if errors.Is(err, ErrUnavailable) || errors.Is(err, session.ErrUnauthorized) {
			return nil, err
		}

		return nil, &ResolveError{ItemID: item.ID, Err: err}
	}

	links, err := parseDownloadItems(blob)
	if nil != err {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}

		return nil, &ResolveError{ItemID: item.ID, Err: err}
	}

	logger.
		Debug().
		Str("item_id", item.ID).
		Int("formats", len(links)).
		Msg("Resolved download links")

	return links, nil
}

func fetchDetailPage(
	ctx context.Context,
	sess *session.Session,
	item types.CollectionItem,
	conf config.DownloaderTimeouts,
) (b []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.DownloadPageURL, nil)
	if nil != err {
		return nil, fmt.Errorf("failed to create get download page request: %v", err)
	}

	client := sess.Client(time.Duration(conf.GetDetailPage) * time.Second)
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			return nil, fmt.Errorf("failed to send get download page request: %v", err)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close get download page response body: %v", closeErr))
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, session.ErrUnauthorized
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrUnavailable
	case http.StatusTooManyRequests:
		return nil, ErrTooManyRequests
	default:
		return nil, fmt.Errorf("unexpected download page status code: %d", code)
	}

	respBytes, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, err
	}

	blob, err := pagedata.Extract(string(respBytes))
	if nil != err {
		return nil, fmt.Errorf("failed to extract download page payload: %v", err)
	}

	return blob, nil
}

// downloadPageBlob is the explicit schema for the download page payload.
// Decoding fails closed: a payload without the required download_items
// shape is a resolve failure, not a silent empty result.
type downloadPageBlob struct {
	DownloadItems []struct {
		Title     string `json:"title"`
		Artist    string `json:"artist"`
		Downloads map[string]struct {
			URL string `json:"url"`
		} `json:"downloads"`
	} `json:"download_items"`
}

func parseDownloadItems(blob []byte) ([]types.DownloadLink, error) {
	var body downloadPageBlob
	if err := json.Unmarshal(blob, &body); nil != err {
		return nil, fmt.Errorf("failed to decode download page payload: %v", err)
	}

	if len(body.DownloadItems) == 0 {
		return nil, errors.New("download page payload has no download_items")
	}

	first := body.DownloadItems[0]
	if first.Title == "" || first.Artist == "" {
		return nil, errors.New("download page payload is missing item title or artist")
	}

	if len(first.Downloads) == 0 {
		return nil, ErrUnavailable
	}

	links := make([]types.DownloadLink, 0, len(first.Downloads))
	for format, d := range first.Downloads {
		if d.URL == "" {
			return nil, fmt.Errorf("download page payload has empty URL for format %s", format)
		}
		links = append(links, types.DownloadLink{Format: format, URL: d.URL})
	}

	return links, nil
}
