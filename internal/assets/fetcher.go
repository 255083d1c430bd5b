// Package assets materializes remote assets into local storage.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"

	"coursesync/server/internal/observability"
)

// ErrFetch marks a failed fetch of a single asset: network failure, a
// non-success response or a local write failure.
var ErrFetch = errors.New("asset fetch failed")

const partialSuffix = ".part"

// Fetcher streams remote bodies into a billy filesystem. It never retries.
type Fetcher struct {
	client *http.Client
	fs     billy.Filesystem
	logger zerolog.Logger
}

func NewFetcher(fs billy.Filesystem, client *http.Client, logger zerolog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Fetcher{client: client, fs: fs, logger: logger}
}

// DestinationName derives the local file name from the final path segment of
// sourceURL. Two URLs sharing a final segment map to the same name.
func DestinationName(sourceURL string) (string, error) {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return "", fmt.Errorf("parse asset url: %w", err)
	}
	name := path.Base(parsed.Path)
	switch name {
	case "", ".", "/", "..":
		return "", fmt.Errorf("asset url %q has no file name", sourceURL)
	}
	return name, nil
}

// ResolvedPath is the path recorded for a file named name.
func (f *Fetcher) ResolvedPath(name string) string {
	return f.fs.Join(f.fs.Root(), name)
}

// Fetch downloads sourceURL into destinationName and returns the resolved
// path. The body is written to a temporary file first, so an interrupted
// download never leaves a file under destinationName.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string, destinationName string) (string, error) {
	started := time.Now()
	written, err := f.fetch(ctx, sourceURL, destinationName)
	if err != nil {
		observability.RecordAssetFetch(false, 0)
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, sourceURL, err)
	}
	observability.RecordAssetFetch(true, written)
	resolved := f.ResolvedPath(destinationName)
	f.logger.Debug().
		Str("url", sourceURL).
		Str("path", resolved).
		Str("size", humanize.Bytes(uint64(written))).
		Dur("duration", time.Since(started)).
		Msg("asset_fetched")
	return resolved, nil
}

func (f *Fetcher) fetch(ctx context.Context, sourceURL string, destinationName string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmpName := destinationName + partialSuffix
	file, err := f.fs.Create(tmpName)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmpName, err)
	}
	written, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		_ = f.fs.Remove(tmpName)
		return 0, fmt.Errorf("write %s: %w", destinationName, errors.Join(copyErr, closeErr))
	}
	if err := f.replace(tmpName, destinationName); err != nil {
		_ = f.fs.Remove(tmpName)
		return 0, err
	}
	return written, nil
}

func (f *Fetcher) replace(from string, to string) error {
	err := f.fs.Rename(from, to)
	if err == nil {
		return nil
	}
	if _, statErr := f.fs.Stat(to); statErr != nil {
		return fmt.Errorf("rename %s: %w", to, err)
	}
	if err := f.fs.Remove(to); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove previous %s: %w", to, err)
	}
	if err := f.fs.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s: %w", to, err)
	}
	return nil
}
