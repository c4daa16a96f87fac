// Package syncer runs the collection download pipeline: a bounded pool of
// workers that resolve, stream, verify, extract, and record each item,
// resuming across runs through the state store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/thumperward/bandcamp-downloader/archive"
	"github.com/thumperward/bandcamp-downloader/bandcamp"
	"github.com/thumperward/bandcamp-downloader/bandcamp/session"
	"github.com/thumperward/bandcamp-downloader/bandcamp/types"
	"github.com/thumperward/bandcamp-downloader/config"
	"github.com/thumperward/bandcamp-downloader/fs"
	"github.com/thumperward/bandcamp-downloader/httputil"
	"github.com/thumperward/bandcamp-downloader/must"
	"github.com/thumperward/bandcamp-downloader/ratelimit"
	"github.com/thumperward/bandcamp-downloader/state"
)

var (
	// ErrShortRead means the stream ended before the declared length.
	// Transient: the whole item is retried from resolution, because the
	// expired signed URL cannot simply be re-requested.
	ErrShortRead = errors.New("download stream ended short of declared length")
	// ErrNoMatchingFormat means the item offers none of the configured
	// formats. Treated like an unavailable item: reported, not retried.
	ErrNoMatchingFormat = errors.New("item offers no configured download format")
)

type Summary struct {
	Completed int
	Skipped   int
	Failed    int
}

type Syncer struct {
	sess    *session.Session
	store   *state.Store
	dir     fs.DownloadsDir
	conf    config.Downloader
	formats []string
	limiter *rate.Limiter
	obs     Observer
}

func New(
	sess *session.Session,
	store *state.Store,
	dir fs.DownloadsDir,
	conf config.Downloader,
	formats []string,
	obs Observer,
) *Syncer {
	must.Be(conf.Concurrency > 0, "worker pool size must be positive")
	must.Be(len(formats) > 0, "format preference list must not be empty")

	return &Syncer{
		sess:    sess,
		store:   store,
		dir:     dir,
		conf:    conf,
		formats: formats,
		limiter: ratelimit.NewRequestLimiter(),
		obs:     obs,
	}
}

// Run processes items in enumeration order across a bounded worker pool.
// Per-item failures are recorded and never abort the run; only an
// authentication failure propagates, since nothing downloaded after it can
// be trusted.
func (s *Syncer) Run(
	ctx context.Context,
	logger zerolog.Logger,
	items []types.CollectionItem,
) (*Summary, error) {
	var (
		completed atomic.Int64
		skipped   atomic.Int64
		failed    atomic.Int64
	)

	wg, wgCtx := errgroup.WithContext(ctx)
	wg.SetLimit(s.conf.Concurrency)

	for _, item := range items {
		if nil != wgCtx.Err() {
			break
		}

		wg.Go(func() error {
			done, err := s.store.IsComplete(item.ID)
			if nil != err {
				return fmt.Errorf("failed to check state for item %s: %v", item.ID, err)
			}
			if done {
				skipped.Add(1)
				s.obs.ItemSkipped(item, "already downloaded")

				return nil
			}

			if err := s.store.MarkPending(item.ID); nil != err {
				return fmt.Errorf("failed to record item dispatch for %s: %v", item.ID, err)
			}

			switch err := s.downloadItem(wgCtx, logger, item); {
			case err == nil:
				completed.Add(1)
				s.obs.ItemCompleted(item)
			case errors.Is(err, bandcamp.ErrUnavailable):
				skipped.Add(1)
				s.obs.ItemSkipped(item, "no longer available")
			case errors.Is(err, ErrNoMatchingFormat):
				skipped.Add(1)
				s.obs.ItemSkipped(item, "no matching format")
			case errors.Is(err, context.Canceled):
				return err
			case errors.Is(err, session.ErrUnauthorized):
				return fmt.Errorf("session rejected while downloading item %s: %w", item.ID, err)
			default:
				failed.Add(1)
				s.obs.ItemFailed(item, err.Error())
				if markErr := s.store.MarkFailed(item.ID, err.Error()); nil != markErr {
					logger.
						Error().
						Err(markErr).
						Str("item_id", item.ID).
						Msg("Failed to record item failure")
				}
			}

			pause := time.NewTimer(ratelimit.PostDownloadSleep(s.conf.PostDownloadPause))
			defer pause.Stop()
			select {
			case <-wgCtx.Done():
			case <-pause.C:
			}

			return nil
		})
	}

	err := wg.Wait()

	summary := &Summary{
		Completed: int(completed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}

	if nil != err {
		return summary, err
	}

	return summary, nil
}

// downloadItem retries the whole resolve → stream → extract pipeline with
// Fibonacci backoff. Each attempt re-resolves the download link, since
// signed URLs expire between attempts.
func (s *Syncer) downloadItem(
	ctx context.Context,
	logger zerolog.Logger,
	item types.CollectionItem,
) error {
	base := time.Duration(s.conf.RetryBaseSeconds) * time.Second
	maxRetries := uint64(s.conf.MaxAttempts - 1) //nolint:gosec

	err := retry.Do(
		ctx,
		retry.WithMaxRetries(maxRetries, retry.NewFibonacci(base)),
		func(ctx context.Context) error {
			if err := s.downloadOnce(ctx, logger, item); nil != err {
				switch {
				case errors.Is(err, bandcamp.ErrUnavailable),
					errors.Is(err, ErrNoMatchingFormat),
					errors.Is(err, session.ErrUnauthorized),
					errors.Is(err, context.Canceled):
					return err
				default:
					logger.
						Warn().
						Err(err).
						Str("item_id", item.ID).
						Msg("Item download attempt failed. Retrying")

					return retry.RetryableError(err)
				}
			}

			return nil
		},
	)
	if nil != err {
		return err
	}

	return nil
}

func (s *Syncer) downloadOnce(
	ctx context.Context,
	logger zerolog.Logger,
	item types.CollectionItem,
) (err error) {
	if err := s.limiter.Wait(ctx); nil != err {
		return err
	}

	links, err := bandcamp.Resolve(ctx, logger, s.sess, item, s.conf.Timeouts)
	if nil != err {
		return err
	}

	link, ok := types.PickLink(links, s.formats)
	if !ok {
		return ErrNoMatchingFormat
	}

	staging := s.dir.Staging(item.ID)
	if err := staging.Create(); nil != err {
		return err
	}
	defer func() {
		if nil != err {
			if removeErr := staging.Remove(); nil != removeErr {
				err = errors.Join(err, removeErr)
			}
		}
	}()

	filename, err := s.streamPayload(ctx, item, link, staging.PayloadPath())
	if nil != err {
		return err
	}

	bareName := fs.Sanitize(item.DisplayName()) + filepath.Ext(filename)
	if err := archive.Extract(staging.PayloadPath(), staging.ExtractedPath(), bareName); nil != err {
		return err
	}

	dest := s.dir.Item(item.Artist, item.Title)
	if err := staging.Finalize(dest); nil != err {
		return err
	}

	// Durable before the item is reported complete, so a crash here at
	// worst re-extracts an already-published directory on the next run.
	if err := s.store.MarkComplete(item.ID, dest.Path); nil != err {
		return fmt.Errorf("failed to record item completion: %v", err)
	}

	return nil
}

// streamPayload downloads the signed URL into payloadPath and verifies the
// declared length was received. Returns the remote filename from the
// Content-Disposition header, falling back to the URL basename.
func (s *Syncer) streamPayload(
	ctx context.Context,
	item types.CollectionItem,
	link types.DownloadLink,
	payloadPath string,
) (filename string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.URL, nil)
	if nil != err {
		return "", fmt.Errorf("failed to create download request: %v", err)
	}

	client := s.sess.Client(time.Duration(s.conf.Timeouts.DownloadItem) * time.Second)
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return "", context.DeadlineExceeded
		default:
			return "", fmt.Errorf("failed to send download request: %v", err)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close download response body: %v", closeErr))
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return "", session.ErrUnauthorized
	case http.StatusTooManyRequests:
		return "", bandcamp.ErrTooManyRequests
	default:
		// Expired signed links surface as 403/410; retrying re-resolves.
		return "", fmt.Errorf("unexpected download status code: %d", code)
	}

	expected := resp.ContentLength

	filename, ok := httputil.FilenameFromContentDisposition(resp.Header.Get("Content-Disposition"))
	if !ok {
		filename = filepath.Base(req.URL.Path)
	}

	f, err := os.OpenFile(payloadPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if nil != err {
		return "", fmt.Errorf("failed to create payload file: %v", err)
	}
	defer func() {
		if closeErr := f.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close payload file: %v", closeErr))
		}
	}()

	s.obs.ItemStarted(item, expected)

	received, err := io.Copy(f, &progressReader{
		r:        resp.Body,
		item:     item,
		total:    expected,
		obs:      s.obs,
		received: 0,
		reported: 0,
	})
	if nil != err {
		return "", fmt.Errorf("failed to stream download payload: %v", err)
	}

	if err := f.Sync(); nil != err {
		return "", fmt.Errorf("failed to sync payload file: %v", err)
	}

	if expected >= 0 && received != expected {
		return "", fmt.Errorf("%w: received %d of %d bytes", ErrShortRead, received, expected)
	}

	return filename, nil
}

// progressReader reports received bytes to the observer, at most once per
// reporting interval to keep callback volume bounded.
type progressReader struct {
	r        io.Reader
	item     types.CollectionItem
	total    int64
	obs      Observer
	received int64
	reported int64
}

const reportInterval = 256 * 1024

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.received += int64(n)
	if p.received-p.reported >= reportInterval || (err != nil && p.received != p.reported) {
		p.obs.ItemProgress(p.item, p.received, p.total)
		p.reported = p.received
	}

	return n, err
}
