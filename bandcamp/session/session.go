package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/thumperward/bandcamp-downloader/bandcamp/pagedata"
	"github.com/thumperward/bandcamp-downloader/bandcamp/types"
	"github.com/thumperward/bandcamp-downloader/config"
	"github.com/thumperward/bandcamp-downloader/httputil"
)

var (
	// ErrUnauthorized means the cookie jar does not carry a logged-in
	// Bandcamp session. Not retried: a bad jar is a configuration problem.
	ErrUnauthorized = errors.New("bandcamp session is anonymous or expired")
	// ErrFanNotFound means the fan page exists but has no collection info,
	// which happens when the username is wrong.
	ErrFanNotFound = errors.New("no collection found for username")
)

const DefaultBaseURL = "https://bandcamp.com"

// Session is an authenticated HTTP capability against Bandcamp. Created
// once at startup and used read-only by every downstream component.
type Session struct {
	Username string
	FanID    int64
	baseURL  string
	jar      http.CookieJar
	conf     config.DownloaderTimeouts
	tr       *http.Transport
}

// Authenticate validates the jar with a probe of the fan's collection page
// and returns a ready session. The probe fails with ErrUnauthorized when
// the page renders without owner-only redownload data.
func Authenticate(
	ctx context.Context,
	logger zerolog.Logger,
	jar http.CookieJar,
	username string,
	baseURL string,
	conf config.DownloaderTimeouts,
) (*Session, error) {
	//nolint:exhaustruct
	s := &Session{
		Username: username,
		baseURL:  baseURL,
		jar:      jar,
		conf:     conf,
		tr: &http.Transport{
			DialContext: (&net.Dialer{ //nolint:exhaustruct
				Timeout: time.Duration(conf.ConnectSeconds) * time.Second,
			}).DialContext,
		},
	}

	page, err := s.FanPage(ctx, time.Duration(conf.VerifySession)*time.Second)
	if nil != err {
		return nil, err
	}
	s.FanID = page.FanID

	logger.
		Debug().
		Int64("fan_id", page.FanID).
		Int("collection_count", page.CollectionCount).
		Msg("Session verified")

	return s, nil
}

// Client builds an HTTP client carrying the session cookies with a total
// transfer timeout. Connect timeout rides on the shared transport.
func (s *Session) Client(timeout time.Duration) *http.Client {
	//nolint:exhaustruct
	return &http.Client{
		Jar:       s.jar,
		Transport: s.tr,
		Timeout:   timeout,
	}
}

func (s *Session) BaseURL() string {
	return s.baseURL
}

// FanPage is the parsed machine-readable payload of the fan's public page:
// collection size, the initial pagination token, and the first embedded
// batch of collection items.
type FanPage struct {
	FanID           int64
	CollectionCount int
	LastToken       string
	Items           []types.CollectionItem
}

func (s *Session) FanPage(ctx context.Context, timeout time.Duration) (p *FanPage, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+s.Username, nil)
	if nil != err {
		return nil, fmt.Errorf("failed to create get fan page request: %v", err)
	}

	resp, err := s.Client(timeout).Do(req)
	if nil != err {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			return nil, fmt.Errorf("failed to send get fan page request: %v", err)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close get fan page response body: %v", closeErr))
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrFanNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("unexpected fan page status code: %d", code)
	}

	respBytes, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, err
	}

	blob, err := pagedata.Extract(string(respBytes))
	if nil != err {
		return nil, fmt.Errorf("failed to extract fan page payload: %v", err)
	}

	return parseFanPageBlob(blob)
}

type fanPageBlob struct {
	FanData struct {
		FanID int64 `json:"fan_id"`
	} `json:"fan_data"`
	CollectionCount *int `json:"collection_count"`
	CollectionData  struct {
		LastToken      string            `json:"last_token"`
		Sequence       []string          `json:"sequence"`
		RedownloadURLs map[string]string `json:"redownload_urls"`
	} `json:"collection_data"`
	ItemCache struct {
		Collection map[string]cachedItem `json:"collection"`
	} `json:"item_cache"`
}

type cachedItem struct {
	ItemTitle    string `json:"item_title"`
	BandName     string `json:"band_name"`
	ItemType     string `json:"item_type"`
	SaleItemID   int64  `json:"sale_item_id"`
	SaleItemType string `json:"sale_item_type"`
}

func parseFanPageBlob(blob []byte) (*FanPage, error) {
	var body fanPageBlob
	if err := json.Unmarshal(blob, &body); nil != err {
		return nil, fmt.Errorf("failed to decode fan page payload: %v", err)
	}

	if body.CollectionCount == nil {
		return nil, ErrFanNotFound
	}

	// The redownload URL map only renders for the collection owner, so its
	// absence on a non-empty collection means the session is anonymous.
	if *body.CollectionCount > 0 && len(body.CollectionData.RedownloadURLs) == 0 {
		return nil, ErrUnauthorized
	}

	// item_cache is keyed by item id; collection_data.sequence preserves
	// the collection's display order.
	items := make([]types.CollectionItem, 0, len(body.CollectionData.Sequence))
	for _, id := range body.CollectionData.Sequence {
		cached, ok := body.ItemCache.Collection[id]
		if !ok {
			continue
		}

		saleKey := cached.SaleItemType + strconv.FormatInt(cached.SaleItemID, 10)
		pageURL, ok := body.CollectionData.RedownloadURLs[saleKey]
		if !ok {
			continue
		}

		kind := types.ItemKindAlbum
		if cached.ItemType == "track" {
			kind = types.ItemKindTrack
		}

		items = append(items, types.CollectionItem{
			ID:              saleKey,
			Title:           cached.ItemTitle,
			Artist:          cached.BandName,
			Kind:            kind,
			DownloadPageURL: pageURL,
		})
	}

	return &FanPage{
		FanID:           body.FanData.FanID,
		CollectionCount: *body.CollectionCount,
		LastToken:       body.CollectionData.LastToken,
		Items:           items,
	}, nil
}
