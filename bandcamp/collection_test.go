package bandcamp_test

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thumperward/bandcamp-downloader/bandcamp"
	"github.com/thumperward/bandcamp-downloader/bandcamp/session"
	"github.com/thumperward/bandcamp-downloader/bandcamp/types"
	"github.com/thumperward/bandcamp-downloader/config"
)

func testTimeouts() config.DownloaderTimeouts {
	return config.DownloaderTimeouts{
		VerifySession:  5,
		GetFanPage:     5,
		GetItemsPage:   5,
		GetDetailPage:  5,
		DownloadItem:   30,
		ConnectSeconds: 5,
	}
}

func pagedataHTML(t *testing.T, blob any) string {
	t.Helper()

	raw, err := json.Marshal(blob)
	require.NoError(t, err)

	return fmt.Sprintf(
		`<html><body><div id="pagedata" data-blob="%s"></div></body></html>`,
		html.EscapeString(string(raw)),
	)
}

type fanItem struct {
	ItemTitle    string `json:"item_title"`
	BandName     string `json:"band_name"`
	ItemType     string `json:"item_type"`
	SaleItemID   int64  `json:"sale_item_id"`
	SaleItemType string `json:"sale_item_type"`
}

func fanPageBlob(collectionCount int, lastToken string, items []fanItem, urls map[string]string) map[string]any {
	cache := make(map[string]fanItem, len(items))
	sequence := make([]string, 0, len(items))
	for i, it := range items {
		id := fmt.Sprintf("%d", 1000+i)
		cache[id] = it
		sequence = append(sequence, id)
	}

	return map[string]any{
		"fan_data":         map[string]any{"fan_id": 42},
		"collection_count": collectionCount,
		"collection_data": map[string]any{
			"last_token":      lastToken,
			"sequence":        sequence,
			"redownload_urls": urls,
		},
		"item_cache": map[string]any{"collection": cache},
	}
}

func TestEnumeratePaginates(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int64

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("GET /fan", func(w http.ResponseWriter, r *http.Request) {
		blob := fanPageBlob(4, "tok-0",
			[]fanItem{
				{ItemTitle: "Album One", BandName: "Band A", ItemType: "album", SaleItemID: 1, SaleItemType: "a"},
				{ItemTitle: "Track Two", BandName: "Band B", ItemType: "track", SaleItemID: 2, SaleItemType: "t"},
			},
			map[string]string{
				"a1": srv.URL + "/download/a1",
				"t2": srv.URL + "/download/t2",
			},
		)
		fmt.Fprint(w, pagedataHTML(t, blob))
	})

	mux.HandleFunc("POST /api/fancollection/1/collection_items", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FanID          int64  `json:"fan_id"`
			OlderThanToken string `json:"older_than_token"`
			Count          int    `json:"count"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.EqualValues(t, 42, req.FanID)

		switch apiCalls.Add(1) {
		case 1:
			assert.Equal(t, "tok-0", req.OlderThanToken)
			resp := map[string]any{
				"items": []fanItem{
					{ItemTitle: "Album Three", BandName: "Band C", ItemType: "album", SaleItemID: 3, SaleItemType: "a"},
				},
				"redownload_urls": map[string]string{"a3": srv.URL + "/download/a3"},
				"last_token":      "tok-1",
				"more_available":  true,
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		default:
			assert.Equal(t, "tok-1", req.OlderThanToken)
			resp := map[string]any{
				"items": []fanItem{
					{ItemTitle: "Album Four", BandName: "Band D", ItemType: "album", SaleItemID: 4, SaleItemType: "a"},
				},
				"redownload_urls": map[string]string{"a4": srv.URL + "/download/a4"},
				"last_token":      "tok-2",
				"more_available":  false,
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		}
	})

	sess, err := session.Authenticate(
		t.Context(), zerolog.Nop(), nil, "fan", srv.URL, testTimeouts(),
	)
	require.NoError(t, err)
	assert.EqualValues(t, 42, sess.FanID)

	items, err := bandcamp.Enumerate(t.Context(), zerolog.Nop(), sess, testTimeouts())
	require.NoError(t, err)

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"a1", "t2", "a3", "a4"}, ids)

	assert.Equal(t, "Album One", items[0].Title)
	assert.Equal(t, "Band A", items[0].Artist)
	assert.Equal(t, types.ItemKindAlbum, items[0].Kind)
	assert.Equal(t, types.ItemKindTrack, items[1].Kind)
	assert.Equal(t, srv.URL+"/download/a3", items[2].DownloadPageURL)
	assert.EqualValues(t, 2, apiCalls.Load())
}

func TestEnumerateRetriesTransientPageFailure(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int64

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("GET /fan", func(w http.ResponseWriter, r *http.Request) {
		blob := fanPageBlob(2, "tok-0",
			[]fanItem{
				{ItemTitle: "Album One", BandName: "Band A", ItemType: "album", SaleItemID: 1, SaleItemType: "a"},
			},
			map[string]string{"a1": srv.URL + "/download/a1"},
		)
		fmt.Fprint(w, pagedataHTML(t, blob))
	})

	mux.HandleFunc("POST /api/fancollection/1/collection_items", func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		resp := map[string]any{
			"items": []fanItem{
				{ItemTitle: "Album Two", BandName: "Band B", ItemType: "album", SaleItemID: 2, SaleItemType: "a"},
			},
			"redownload_urls": map[string]string{"a2": srv.URL + "/download/a2"},
			"last_token":      "tok-1",
			"more_available":  false,
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	sess, err := session.Authenticate(
		t.Context(), zerolog.Nop(), nil, "fan", srv.URL, testTimeouts(),
	)
	require.NoError(t, err)

	items, err := bandcamp.Enumerate(t.Context(), zerolog.Nop(), sess, testTimeouts())
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.EqualValues(t, 3, apiCalls.Load())
}

func TestEnumerateSkipsPageOfNonDownloadableItems(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int64

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("GET /fan", func(w http.ResponseWriter, r *http.Request) {
		blob := fanPageBlob(3, "tok-0",
			[]fanItem{
				{ItemTitle: "Album One", BandName: "Band A", ItemType: "album", SaleItemID: 1, SaleItemType: "a"},
			},
			map[string]string{"a1": srv.URL + "/download/a1"},
		)
		fmt.Fprint(w, pagedataHTML(t, blob))
	})

	mux.HandleFunc("POST /api/fancollection/1/collection_items", func(w http.ResponseWriter, r *http.Request) {
		switch apiCalls.Add(1) {
		case 1:
			// A subscription-only page: items present but none of them have
			// a redownload URL.
			resp := map[string]any{
				"items": []fanItem{
					{ItemTitle: "Subscription", BandName: "Band S", ItemType: "album", SaleItemID: 9, SaleItemType: "p"},
				},
				"redownload_urls": map[string]string{},
				"last_token":      "tok-1",
				"more_available":  true,
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		default:
			resp := map[string]any{
				"items": []fanItem{
					{ItemTitle: "Album Two", BandName: "Band B", ItemType: "album", SaleItemID: 2, SaleItemType: "a"},
				},
				"redownload_urls": map[string]string{"a2": srv.URL + "/download/a2"},
				"last_token":      "tok-2",
				"more_available":  false,
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		}
	})

	sess, err := session.Authenticate(
		t.Context(), zerolog.Nop(), nil, "fan", srv.URL, testTimeouts(),
	)
	require.NoError(t, err)

	items, err := bandcamp.Enumerate(t.Context(), zerolog.Nop(), sess, testTimeouts())
	require.NoError(t, err)

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"a1", "a2"}, ids)
	assert.EqualValues(t, 2, apiCalls.Load())
}

func TestEnumerateFailsOnEmptyPageWithMoreAdvertised(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("GET /fan", func(w http.ResponseWriter, r *http.Request) {
		blob := fanPageBlob(3, "tok-0",
			[]fanItem{
				{ItemTitle: "Album One", BandName: "Band A", ItemType: "album", SaleItemID: 1, SaleItemType: "a"},
			},
			map[string]string{"a1": srv.URL + "/download/a1"},
		)
		fmt.Fprint(w, pagedataHTML(t, blob))
	})

	mux.HandleFunc("POST /api/fancollection/1/collection_items", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"items":           []fanItem{},
			"redownload_urls": map[string]string{},
			"last_token":      "tok-0",
			"more_available":  true,
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	sess, err := session.Authenticate(
		t.Context(), zerolog.Nop(), nil, "fan", srv.URL, testTimeouts(),
	)
	require.NoError(t, err)

	_, err = bandcamp.Enumerate(t.Context(), zerolog.Nop(), sess, testTimeouts())

	var enumErr *bandcamp.EnumerationError
	assert.ErrorAs(t, err, &enumErr)
}

func TestEnumerateFailsAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("GET /fan", func(w http.ResponseWriter, r *http.Request) {
		blob := fanPageBlob(2, "tok-0",
			[]fanItem{
				{ItemTitle: "Album One", BandName: "Band A", ItemType: "album", SaleItemID: 1, SaleItemType: "a"},
			},
			map[string]string{"a1": srv.URL + "/download/a1"},
		)
		fmt.Fprint(w, pagedataHTML(t, blob))
	})

	mux.HandleFunc("POST /api/fancollection/1/collection_items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	sess, err := session.Authenticate(
		t.Context(), zerolog.Nop(), nil, "fan", srv.URL, testTimeouts(),
	)
	require.NoError(t, err)

	_, err = bandcamp.Enumerate(t.Context(), zerolog.Nop(), sess, testTimeouts())

	var enumErr *bandcamp.EnumerationError
	assert.ErrorAs(t, err, &enumErr)
}

func TestAuthenticateAnonymousSession(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("GET /fan", func(w http.ResponseWriter, r *http.Request) {
		// Anonymous view: the collection renders without redownload URLs.
		blob := fanPageBlob(3, "tok-0", nil, nil)
		fmt.Fprint(w, pagedataHTML(t, blob))
	})

	_, err := session.Authenticate(
		t.Context(), zerolog.Nop(), nil, "fan", srv.URL, testTimeouts(),
	)
	assert.ErrorIs(t, err, session.ErrUnauthorized)
}

func TestAuthenticateUnknownFan(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("GET /fan", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := session.Authenticate(
		t.Context(), zerolog.Nop(), nil, "fan", srv.URL, testTimeouts(),
	)
	assert.ErrorIs(t, err, session.ErrFanNotFound)
}
