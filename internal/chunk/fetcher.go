package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	billy "github.com/go-git/go-billy/v5"
)

// Fetcher returns the raw bytes of a named dataset file.
// Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, filename string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, filename string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, filename string) ([]byte, error) {
	return f(ctx, filename)
}

// HTTPFetcher fetches files relative to a base URL.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{BaseURL: strings.TrimSuffix(baseURL, "/"), Client: client}
}

// Fetch implements Fetcher. 404 and other client errors are permanent;
// transport failures, 408, 429 and 5xx are network errors.
func (h *HTTPFetcher) Fetch(ctx context.Context, filename string) ([]byte, error) {
	segs := strings.Split(filename, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	u := h.BaseURL + "/" + strings.Join(segs, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", filename, err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrNetwork, filename, err)
	}
	defer func() { _ = resp.Body.Close() }() // safe to ignore

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: get %s: status %d", ErrNetwork, filename, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: get %s: status %d", ErrMissing, filename, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetwork, filename, err)
	}
	return body, nil
}

// FSFetcher reads files from a billy filesystem (a local dataset directory
// via osfs, or an in-memory one via memfs).
type FSFetcher struct {
	FS billy.Filesystem
}

func NewFSFetcher(fs billy.Filesystem) *FSFetcher {
	return &FSFetcher{FS: fs}
}

// Fetch implements Fetcher.
func (f *FSFetcher) Fetch(ctx context.Context, filename string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := f.FS.Open(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, filename)
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrNetwork, filename, err)
	}
	defer func() { _ = file.Close() }() // safe to ignore

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetwork, filename, err)
	}
	return data, nil
}
