package bandcamp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/thumperward/bandcamp-downloader/bandcamp/session"
	"github.com/thumperward/bandcamp-downloader/bandcamp/types"
	"github.com/thumperward/bandcamp-downloader/config"
	"github.com/thumperward/bandcamp-downloader/httputil"
	"github.com/thumperward/bandcamp-downloader/mathutil"
)

const (
	collectionItemsPath = "/api/fancollection/1/collection_items"
	collectionPageSize  = 100
	pageMaxRetries      = 3
)

// EnumerationError aborts the whole run: a partial collection list would
// make missing items look like "nothing to download" on the next run.
type EnumerationError struct {
	Err error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("collection enumeration failed: %v", e.Err)
}

func (e *EnumerationError) Unwrap() error {
	return e.Err
}

// Enumerate walks the fan's whole collection in display order. Pagination
// is serial: each page request depends on the previous page's token.
func Enumerate(
	ctx context.Context,
	logger zerolog.Logger,
	sess *session.Session,
	conf config.DownloaderTimeouts,
) ([]types.CollectionItem, error) {
	page, err := fetchFanPage(ctx, sess, conf)
	if nil != err {
		return nil, &EnumerationError{Err: err}
	}

	logger.
		Info().
		Int("collection_count", page.CollectionCount).
		Int("embedded_items", len(page.Items)).
		Int("remaining_pages", mathutil.DivCeil(max(page.CollectionCount-len(page.Items), 0), collectionPageSize)).
		Msg("Enumerating collection")

	items := page.Items
	token := page.LastToken
	for len(items) < page.CollectionCount {
		older, err := fetchItemsPage(ctx, logger, sess, conf, token)
		if nil != err {
			return nil, &EnumerationError{Err: err}
		}

		items = append(items, older.Items...)
		token = older.LastToken

		logger.
			Debug().
			Int("page_items", len(older.Items)).
			Int("total_items", len(items)).
			Msg("Fetched collection items page")

		if !older.MoreAvailable {
			break
		}
		// A page may legitimately filter down to zero downloadable items;
		// only a page with no raw items at all means the token stopped
		// advancing and enumeration would spin forever.
		if older.RawCount == 0 {
			return nil, &EnumerationError{
				Err: errors.New("empty collection items page with more results advertised"),
			}
		}
	}

	return items, nil
}

func fetchFanPage(
	ctx context.Context,
	sess *session.Session,
	conf config.DownloaderTimeouts,
) (*session.FanPage, error) {
	var page *session.FanPage
	op := func() error {
		p, err := sess.FanPage(ctx, time.Duration(conf.GetFanPage)*time.Second)
		if nil != err {
			if errors.Is(err, session.ErrUnauthorized) || errors.Is(err, session.ErrFanNotFound) {
				return backoff.Permanent(err)
			}

			return err
		}
		page = p

		return nil
	}

	if err := backoff.Retry(op, newPageBackoff(ctx)); nil != err {
		return nil, err
	}

	return page, nil
}

// itemsPage is one listing page. RawCount is the number of items the page
// carried before dropping non-downloadable ones, which is what decides
// whether pagination is still making progress.
type itemsPage struct {
	Items         []types.CollectionItem
	RawCount      int
	LastToken     string
	MoreAvailable bool
}

func fetchItemsPage(
	ctx context.Context,
	logger zerolog.Logger,
	sess *session.Session,
	conf config.DownloaderTimeouts,
	olderThanToken string,
) (*itemsPage, error) {
	var page *itemsPage
	op := func() error {
		p, err := postItemsPage(ctx, sess, conf, olderThanToken)
		if nil != err {
			if errors.Is(err, session.ErrUnauthorized) {
				return backoff.Permanent(err)
			}

			logger.
				Warn().
				Err(err).
				Str("older_than_token", olderThanToken).
				Msg("Collection items page request failed. Retrying")

			return err
		}
		page = p

		return nil
	}

	if err := backoff.Retry(op, newPageBackoff(ctx)); nil != err {
		return nil, err
	}

	return page, nil
}

func newPageBackoff(ctx context.Context) backoff.BackOffContext {
	return backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(time.Second*1),
				backoff.WithMaxInterval(time.Second*30),
			),
			pageMaxRetries,
		),
		ctx,
	)
}

type collectionItemsResponse struct {
	Items []struct {
		ItemTitle    string `json:"item_title"`
		BandName     string `json:"band_name"`
		ItemType     string `json:"item_type"`
		SaleItemID   int64  `json:"sale_item_id"`
		SaleItemType string `json:"sale_item_type"`
	} `json:"items"`
	RedownloadURLs map[string]string `json:"redownload_urls"`
	LastToken      string            `json:"last_token"`
	MoreAvailable  bool              `json:"more_available"`
}

func postItemsPage(
	ctx context.Context,
	sess *session.Session,
	conf config.DownloaderTimeouts,
	olderThanToken string,
) (p *itemsPage, err error) {
	payload := struct {
		FanID          int64  `json:"fan_id"`
		OlderThanToken string `json:"older_than_token"`
		Count          int    `json:"count"`
	}{
		FanID:          sess.FanID,
		OlderThanToken: olderThanToken,
		Count:          collectionPageSize,
	}

	reqBody, err := json.Marshal(payload)
	if nil != err {
		return nil, fmt.Errorf("failed to encode collection items request body: %v", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		sess.BaseURL()+collectionItemsPath,
		bytes.NewReader(reqBody),
	)
	if nil != err {
		return nil, fmt.Errorf("failed to create collection items request: %v", err)
	}
	req.Header.Add("Content-Type", "application/json")

	client := sess.Client(time.Duration(conf.GetItemsPage) * time.Second)
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			return nil, fmt.Errorf("failed to send collection items request: %v", err)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close collection items response body: %v", closeErr))
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, session.ErrUnauthorized
	case http.StatusTooManyRequests:
		return nil, ErrTooManyRequests
	default:
		return nil, fmt.Errorf("unexpected collection items status code: %d", code)
	}

	respBytes, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, err
	}

	var respBody collectionItemsResponse
	if err := json.Unmarshal(respBytes, &respBody); nil != err {
		return nil, fmt.Errorf("failed to decode collection items response: %v", err)
	}

	items := make([]types.CollectionItem, 0, len(respBody.Items))
	for _, v := range respBody.Items {
		saleKey := v.SaleItemType + strconv.FormatInt(v.SaleItemID, 10)
		pageURL, ok := respBody.RedownloadURLs[saleKey]
		if !ok {
			// Items without a redownload URL (e.g. subscriptions) cannot be
			// downloaded and are not part of the sync set.
			continue
		}

		kind := types.ItemKindAlbum
		if v.ItemType == "track" {
			kind = types.ItemKindTrack
		}

		items = append(items, types.CollectionItem{
			ID:              saleKey,
			Title:           v.ItemTitle,
			Artist:          v.BandName,
			Kind:            kind,
			DownloadPageURL: pageURL,
		})
	}

	return &itemsPage{
		Items:         items,
		RawCount:      len(respBody.Items),
		LastToken:     respBody.LastToken,
		MoreAvailable: respBody.MoreAvailable,
	}, nil
}
