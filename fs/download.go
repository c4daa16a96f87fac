package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type DownloadsDir string

func DownloadsDirFrom(d string) DownloadsDir {
	return DownloadsDir(d)
}

func (d DownloadsDir) path() string {
	return string(d)
}

// Item is the final destination directory for one collection item, named
// deterministically from artist and title. It only ever appears complete:
// all writes happen in a staging directory that is renamed into place.
func (d DownloadsDir) Item(artist, title string) ItemDir {
	name := fmt.Sprintf("%s - %s", Sanitize(artist), Sanitize(title))

	return ItemDir{Path: filepath.Join(d.path(), name)}
}

type ItemDir struct {
	Path string
}

func (i ItemDir) Exists() (bool, error) {
	if _, err := os.Stat(i.Path); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to stat item directory: %v", err)
	}

	return true, nil
}

// Staging is the scoped working directory for one in-flight item download.
// Its removal is guaranteed on every exit path by the scheduler.
func (d DownloadsDir) Staging(id string) StagingDir {
	return StagingDir{Path: filepath.Join(d.path(), ".staging-"+Sanitize(id))}
}

type StagingDir struct {
	Path string
}

func (s StagingDir) Create() error {
	if err := os.RemoveAll(s.Path); nil != err {
		return fmt.Errorf("failed to clear stale staging directory: %v", err)
	}

	if err := os.MkdirAll(s.Path, 0o700); nil != err {
		return fmt.Errorf("failed to create staging directory: %v", err)
	}

	return nil
}

// PayloadPath is where the downloaded (not yet extracted) payload for the
// item is streamed.
func (s StagingDir) PayloadPath() string {
	return filepath.Join(s.Path, "payload")
}

// ExtractedPath is the directory extraction writes into before the staging
// directory is finalized.
func (s StagingDir) ExtractedPath() string {
	return filepath.Join(s.Path, "extracted")
}

func (s StagingDir) Remove() error {
	if err := os.RemoveAll(s.Path); nil != err {
		return fmt.Errorf("failed to remove staging directory: %v", err)
	}

	return nil
}

// Finalize atomically publishes the extracted output as the item's final
// directory, then clears the rest of the staging area.
func (s StagingDir) Finalize(dest ItemDir) error {
	if err := os.RemoveAll(dest.Path); nil != err {
		return fmt.Errorf("failed to clear existing destination directory: %v", err)
	}

	if err := os.Rename(s.ExtractedPath(), dest.Path); nil != err {
		return fmt.Errorf("failed to move extracted output into destination: %v", err)
	}

	if err := s.Remove(); nil != err {
		return err
	}

	return nil
}

var windowsUnsafe = []string{`<`, `>`, `:`, `"`, `/`, `|`, `?`, `*`, `\`}

// Sanitize replaces path separators and Windows-reserved characters so
// artist and title strings are safe as a single path element on every
// platform.
func Sanitize(name string) string {
	out := name
	for _, c := range windowsUnsafe {
		out = strings.ReplaceAll(out, c, "-")
	}
	out = strings.Trim(out, " .")
	if out == "" {
		out = "untitled"
	}

	return out
}
