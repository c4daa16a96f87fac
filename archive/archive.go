// Package archive turns a completed item download into final files in the
// destination directory. Album purchases arrive as zip archives, single
// tracks as bare audio files.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// ExtractError marks a corrupt or malicious payload. The scheduler treats
// it as a retryable failure of the whole item, since the archive came from
// a possibly truncated stream.
type ExtractError struct {
	Err error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("failed to extract download payload: %v", e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// Extract unpacks payloadPath into destDir. Archives have every entry
// written under destDir with entry paths that escape it rejected; a bare
// media file is moved into destDir as bareFilename.
func Extract(payloadPath, destDir, bareFilename string) error {
	if err := os.MkdirAll(destDir, 0o700); nil != err {
		return fmt.Errorf("failed to create extraction directory: %v", err)
	}

	mtype, err := mimetype.DetectFile(payloadPath)
	if nil != err {
		return &ExtractError{Err: fmt.Errorf("failed to detect payload type: %v", err)}
	}

	if mtype.Is("application/zip") {
		return extractZip(payloadPath, destDir)
	}

	return moveBareFile(payloadPath, destDir, bareFilename)
}

func extractZip(payloadPath, destDir string) (err error) {
	r, err := zip.OpenReader(payloadPath)
	if nil != err {
		return &ExtractError{Err: fmt.Errorf("failed to open archive: %v", err)}
	}
	defer func() {
		if closeErr := r.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close archive: %v", closeErr))
		}
	}()

	for _, entry := range r.File {
		if err := extractEntry(entry, destDir); nil != err {
			return err
		}
	}

	return nil
}

func extractEntry(entry *zip.File, destDir string) (err error) {
	name := filepath.FromSlash(entry.Name)
	if !filepath.IsLocal(name) {
		return &ExtractError{Err: fmt.Errorf("archive entry path escapes destination: %q", entry.Name)}
	}

	target := filepath.Join(destDir, name)
	if entry.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o700); nil != err {
			return fmt.Errorf("failed to create archive entry directory: %v", err)
		}

		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o700); nil != err {
		return fmt.Errorf("failed to create archive entry parent directory: %v", err)
	}

	src, err := entry.Open()
	if nil != err {
		return &ExtractError{Err: fmt.Errorf("failed to open archive entry %q: %v", entry.Name, err)}
	}
	defer func() {
		if closeErr := src.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close archive entry: %v", closeErr))
		}
	}()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if nil != err {
		return fmt.Errorf("failed to create extracted file: %v", err)
	}
	defer func() {
		if closeErr := dst.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close extracted file: %v", closeErr))
		}
	}()

	if _, err := io.Copy(dst, src); nil != err {
		// A failing entry read means a truncated or corrupt container.
		return &ExtractError{Err: fmt.Errorf("failed to extract archive entry %q: %v", entry.Name, err)}
	}

	return nil
}

func moveBareFile(payloadPath, destDir, bareFilename string) error {
	target := filepath.Join(destDir, bareFilename)
	if err := os.Rename(payloadPath, target); nil != err {
		return fmt.Errorf("failed to move media file into destination: %v", err)
	}

	return nil
}
