// Package fetch retrieves update manifests and packages from the
// update server.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/alpha-agent/agent/internal/httputil"
	"github.com/alpha-agent/agent/internal/logging"
)

var log = logging.L("fetch")

// Sentinel errors distinguishing transport failures from bad payloads.
// Transport failures are worth retrying on a later check cycle; a bad
// payload will stay bad until the server publishes a new one.
var (
	ErrNetwork     = errors.New("network failure")
	ErrInvalidBody = errors.New("invalid response body")
)

// DefaultSizeMargin is the slack allowed over a manifest's declared
// file size before a download is treated as corrupt.
const DefaultSizeMargin = 10 * 1024 * 1024

// Manifest describes the latest release published by the update server.
// Unknown fields are ignored.
type Manifest struct {
	Version  string   `json:"version"`
	URL      string   `json:"url"`
	Checksum string   `json:"checksum"`
	FileSize int64    `json:"file_size"`
	Modules  []string `json:"modules"`
	Notes    string   `json:"notes"`
}

// Artifact is a downloaded package on local disk. Callers own the file
// and must Remove it when done.
type Artifact struct {
	Path string
	Size int64
}

// Remove deletes the downloaded file. Safe to call more than once.
func (a *Artifact) Remove() {
	if a == nil || a.Path == "" {
		return
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove downloaded artifact", "path", a.Path, logging.KeyError, err)
	}
	a.Path = ""
}

// Fetcher talks to the update server.
type Fetcher struct {
	manifestURL string
	client      *http.Client
	retry       httputil.RetryConfig
	sizeMargin  int64
}

// NewFetcher creates a Fetcher for the given manifest URL. The URL is
// fetched as configured; relative package URLs in the manifest resolve
// against it.
func NewFetcher(manifestURL string) *Fetcher {
	return &Fetcher{
		manifestURL: manifestURL,
		client:      &http.Client{Timeout: 60 * time.Second},
		retry:       httputil.DefaultRetryConfig(),
		sizeMargin:  DefaultSizeMargin,
	}
}

// SetSizeMargin overrides the download overflow margin.
func (f *Fetcher) SetSizeMargin(margin int64) {
	if margin > 0 {
		f.sizeMargin = margin
	}
}

// Manifest fetches and decodes the server's update manifest.
func (f *Fetcher) Manifest(ctx context.Context) (*Manifest, error) {
	resp, err := httputil.Do(ctx, f.client, http.MethodGet, f.manifestURL, nil, nil, f.retry)
	if err != nil {
		var statusErr *httputil.RetryableStatusError
		if errors.As(err, &statusErr) {
			return nil, fmt.Errorf("%w: manifest request returned status %d", ErrNetwork, statusErr.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: manifest request returned status %d", ErrNetwork, resp.StatusCode)
	}

	var manifest Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("%w: malformed manifest: %v", ErrInvalidBody, err)
	}
	if manifest.Version == "" {
		return nil, fmt.Errorf("%w: manifest has no version", ErrInvalidBody)
	}
	if manifest.URL == "" {
		return nil, fmt.Errorf("%w: manifest has no package url", ErrInvalidBody)
	}

	return &manifest, nil
}

// Package downloads the package named by the manifest into a temp file.
// The download is streamed and aborted if the body exceeds the declared
// file size by more than the overflow margin.
func (f *Fetcher) Package(ctx context.Context, manifest *Manifest) (*Artifact, error) {
	packageURL, err := f.resolve(manifest.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad package url %q: %v", ErrInvalidBody, manifest.URL, err)
	}

	log.Info("downloading package", logging.KeyVersion, manifest.Version, "url", packageURL)

	resp, err := httputil.Do(ctx, f.client, http.MethodGet, packageURL, nil, nil, f.retry)
	if err != nil {
		var statusErr *httputil.RetryableStatusError
		if errors.As(err, &statusErr) {
			return nil, fmt.Errorf("%w: package request returned status %d", ErrNetwork, statusErr.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: package request returned status %d", ErrNetwork, resp.StatusCode)
	}

	tempFile, err := os.CreateTemp("", "alpha-agent-update-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create download file: %w", err)
	}
	tempPath := tempFile.Name()

	body := io.Reader(resp.Body)
	var limit int64
	if manifest.FileSize > 0 {
		limit = manifest.FileSize + f.sizeMargin
		body = io.LimitReader(resp.Body, limit+1)
	}

	written, err := io.Copy(tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if limit > 0 && written > limit {
		os.Remove(tempPath)
		return nil, fmt.Errorf("%w: package exceeds declared size %d", ErrInvalidBody, manifest.FileSize)
	}

	return &Artifact{Path: tempPath, Size: written}, nil
}

// resolve makes a package URL absolute against the manifest URL.
func (f *Fetcher) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return raw, nil
	}
	base, err := url.Parse(f.manifestURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}
