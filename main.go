package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/AlecAivazis/survey/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/thumperward/bandcamp-downloader/bandcamp"
	"github.com/thumperward/bandcamp-downloader/bandcamp/session"
	"github.com/thumperward/bandcamp-downloader/bandcamp/types"
	"github.com/thumperward/bandcamp-downloader/config"
	"github.com/thumperward/bandcamp-downloader/constant"
	"github.com/thumperward/bandcamp-downloader/cookies"
	"github.com/thumperward/bandcamp-downloader/fs"
	"github.com/thumperward/bandcamp-downloader/iterutil"
	"github.com/thumperward/bandcamp-downloader/log"
	"github.com/thumperward/bandcamp-downloader/result"
	"github.com/thumperward/bandcamp-downloader/state"
	"github.com/thumperward/bandcamp-downloader/syncer"
)

func main() {
	logger := log.NewDefault()

	//nolint:exhaustruct
	app := &cli.Command{
		Name:    "bandcamp-downloader",
		Version: constant.Version,
		Metadata: map[string]any{
			"compiled_at": constant.CompileTime,
		},
		Suggest:                    true,
		Usage:                      "Bandcamp Collection Downloader",
		EnableShellCompletion:      true,
		ShellCompletionCommandName: "shell-completion",
		AllowExtFlags:              false,
		Flags: []cli.Flag{
			//nolint:exhaustruct
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Config file path",
				Required: false,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "sync",
				Usage:  "Download every purchased item not yet on disk",
				Action: syncRun,
			},
			{
				Name:   "list",
				Usage:  "Show the collection and what a sync would download, without downloading",
				Action: listRun,
			},
			{
				Name:  "state",
				Usage: "Download history commands",
				Commands: []*cli.Command{
					//nolint:exhaustruct
					{
						Name:  "reset",
						Usage: "Forget which items were already downloaded",
						Description: strings.Join(
							[]string{
								"Clears the download history so the next sync re-downloads everything.",
								"Files already on disk are not touched.",
							},
							"\n",
						),
						Action: stateReset,
					},
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); nil != err {
		if errors.Is(err, context.Canceled) {
			logger.Trace().Msg("Application was canceled")
			os.Exit(1)
		}

		var exitCode exitCodeError
		if errors.As(err, &exitCode) {
			os.Exit(int(exitCode))
		}

		logger.Error().Err(err).Msg("Application exited with error")
		os.Exit(10)
	}
}

type exitCodeError int

func (e exitCodeError) Error() string {
	return "error with exit code: " + strconv.Itoa(int(e))
}

func loadConfig(cmd *cli.Command, logger *zerolog.Logger) (*config.Config, error) {
	if err := godotenv.Load(); nil != err {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load .env file: %v", err)
		}
		logger.Info().Msg(".env file was not found")
	} else {
		logger.Debug().Msg(".env file was loaded")
	}

	conf, err := config.Load(cmd.String("config"))
	if nil != err {
		return nil, fmt.Errorf("load config: %v", err)
	}

	*logger = log.FromConfig(conf.Log)

	logger.Debug().Dict("config", conf.ToDict()).Msg("Config loaded")

	return conf, nil
}

func connect(
	ctx context.Context,
	logger zerolog.Logger,
	conf *config.Config,
) (*session.Session, error) {
	jar, err := cookies.LoadJar(logger, conf.Bandcamp.CookiesFile)
	if nil != err {
		if errors.Is(err, cookies.ErrNoCookies) {
			logger.
				Error().
				Str("cookies_file", conf.Bandcamp.CookiesFile).
				Msg("No Bandcamp cookies found. Export cookies.txt from a logged-in browser session.")

			return nil, exitCodeError(2)
		}

		return nil, fmt.Errorf("load cookies: %v", err)
	}

	sess, err := session.Authenticate(
		ctx,
		logger,
		jar,
		conf.Bandcamp.Username,
		session.DefaultBaseURL,
		conf.Downloader.Timeouts,
	)
	if nil != err {
		switch {
		case errors.Is(err, session.ErrUnauthorized):
			logger.Error().Msg("Bandcamp session is anonymous or expired. Re-export cookies from a logged-in browser.")
			return nil, exitCodeError(2)
		case errors.Is(err, session.ErrFanNotFound):
			logger.
				Error().
				Str("username", conf.Bandcamp.Username).
				Msg("No collection found for username. Check the configured username.")

			return nil, exitCodeError(3)
		default:
			return nil, fmt.Errorf("verify bandcamp session: %w", err)
		}
	}

	return sess, nil
}

func syncRun(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.NewDefault()

	conf, err := loadConfig(cmd, &logger)
	if nil != err {
		return err
	}

	sess, err := connect(ctx, logger, conf)
	if nil != err {
		return err
	}

	store, err := state.Open(conf.Paths.StateFile)
	if nil != err {
		return fmt.Errorf("open state store: %v", err)
	}
	defer func() {
		if err := store.Close(); nil != err {
			logger.Error().Err(err).Msg("close state store")
		}
	}()

	items, err := bandcamp.Enumerate(ctx, logger, sess, conf.Downloader.Timeouts)
	if nil != err {
		return fmt.Errorf("enumerate collection: %w", err)
	}

	s := syncer.New(
		sess,
		store,
		fs.DownloadsDirFrom(conf.Paths.DownloadsDir),
		conf.Downloader,
		conf.Bandcamp.Formats,
		syncer.LogObserver{Logger: logger},
	)

	summary, err := s.Run(ctx, logger, items)
	if nil != err {
		if errors.Is(err, session.ErrUnauthorized) {
			logger.Error().Msg("Bandcamp session was rejected mid-run. Re-export cookies and sync again.")
			return exitCodeError(2)
		}

		return fmt.Errorf("sync collection: %w", err)
	}

	printSummary(summary)

	if summary.Failed > 0 {
		return exitCodeError(4)
	}

	return nil
}

func printSummary(summary *syncer.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Completed", "Skipped", "Failed"})

	failed := strconv.Itoa(summary.Failed)
	if summary.Failed > 0 {
		failed = text.FgRed.Sprint(failed)
	}
	t.AppendRow(table.Row{
		text.FgGreen.Sprint(strconv.Itoa(summary.Completed)),
		strconv.Itoa(summary.Skipped),
		failed,
	})
	t.Render()
}

func listRun(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.NewDefault()

	conf, err := loadConfig(cmd, &logger)
	if nil != err {
		return err
	}

	sess, err := connect(ctx, logger, conf)
	if nil != err {
		return err
	}

	store, err := state.Open(conf.Paths.StateFile)
	if nil != err {
		return fmt.Errorf("open state store: %v", err)
	}
	defer func() {
		if err := store.Close(); nil != err {
			logger.Error().Err(err).Msg("close state store")
		}
	}()

	items, err := bandcamp.Enumerate(ctx, logger, sess, conf.Downloader.Timeouts)
	if nil != err {
		return fmt.Errorf("enumerate collection: %w", err)
	}

	resolved := make([]result.Of[[]types.DownloadLink], len(items))
	wg, wgCtx := errgroup.WithContext(ctx)
	wg.SetLimit(conf.Downloader.Concurrency)
	for i, item := range items {
		wg.Go(func() error {
			links, err := bandcamp.Resolve(wgCtx, logger, sess, item, conf.Downloader.Timeouts)
			if nil != err {
				if errors.Is(err, session.ErrUnauthorized) {
					return err
				}
				resolved[i] = result.Err[[]types.DownloadLink](err)

				return nil
			}
			resolved[i] = result.Ok(&links)

			return nil
		})
	}
	if err := wg.Wait(); nil != err {
		if errors.Is(err, session.ErrUnauthorized) {
			logger.Error().Msg("Bandcamp session was rejected. Re-export cookies and try again.")
			return exitCodeError(2)
		}

		return fmt.Errorf("resolve download pages: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Item", "Kind", "Format", "Status"})
	t.AppendRows(iterutil.Map(items, func(i int, item types.CollectionItem) table.Row {
		return table.Row{
			i + 1,
			item.DisplayName(),
			string(item.Kind),
			formatColumn(resolved[i], conf.Bandcamp.Formats),
			statusColumn(store, item, resolved[i]),
		}
	}))
	t.Render()

	return nil
}

func formatColumn(res result.Of[[]types.DownloadLink], formats []string) string {
	if nil != res.Err() {
		return "-"
	}

	link, ok := types.PickLink(*res.Unwrap(), formats)
	if !ok {
		return text.FgYellow.Sprint("no matching format")
	}

	return link.Format
}

func statusColumn(store *state.Store, item types.CollectionItem, res result.Of[[]types.DownloadLink]) string {
	if err := res.Err(); nil != err {
		if errors.Is(err, bandcamp.ErrUnavailable) {
			return text.FgYellow.Sprint("unavailable")
		}

		return text.FgRed.Sprint("resolve failed")
	}

	done, err := store.IsComplete(item.ID)
	if nil != err || !done {
		return "pending"
	}

	return text.FgGreen.Sprint("downloaded")
}

func stateReset(ctx context.Context, cmd *cli.Command) error {
	_, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.NewDefault()

	conf, err := loadConfig(cmd, &logger)
	if nil != err {
		return err
	}

	store, err := state.Open(conf.Paths.StateFile)
	if nil != err {
		return fmt.Errorf("open state store: %v", err)
	}
	defer func() {
		if err := store.Close(); nil != err {
			logger.Error().Err(err).Msg("close state store")
		}
	}()

	counts, err := store.Counts()
	if nil != err {
		return fmt.Errorf("read state store: %v", err)
	}

	var total int
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		logger.Info().Msg("Download history is already empty")
		return nil
	}

	var confirmed bool
	prompt := &survey.Confirm{ //nolint:exhaustruct
		Message: fmt.Sprintf("Forget download history for %d items?", total),
		Default: false,
	}
	if err := survey.AskOne(prompt, &confirmed); nil != err {
		return fmt.Errorf("ask for confirmation: %v", err)
	}
	if !confirmed {
		logger.Info().Msg("Download history left untouched")
		return nil
	}

	if err := store.Reset(); nil != err {
		return fmt.Errorf("reset state store: %v", err)
	}

	logger.
		Info().
		Int("completed", counts[state.StatusComplete]).
		Int("failed", counts[state.StatusFailed]).
		Msg("Download history cleared")

	return nil
}
