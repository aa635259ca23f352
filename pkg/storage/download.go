package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// downloadTimeout bounds each individual object fetch.
const downloadTimeout = 2 * time.Minute

// FetchInputs downloads the objects behind urls into dir and returns the
// local paths in the same order. Filenames are randomized to avoid
// collisions; the extension of the source object is kept.
func FetchInputs(ctx context.Context, urls []string, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create download dir: %w", err)
	}

	client := &http.Client{Timeout: downloadTimeout}
	paths := make([]string, 0, len(urls))
	for _, raw := range urls {
		local, err := fetchOne(ctx, client, raw, dir)
		if err != nil {
			return nil, err
		}
		paths = append(paths, local)
	}
	return paths, nil
}

func fetchOne(ctx context.Context, client *http.Client, raw, dir string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("storage: parse url %q: %w", raw, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: fetch %q: %w", raw, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage: fetch %q: unexpected status %d", raw, resp.StatusCode)
	}

	name := uuid.NewString() + path.Ext(parsed.Path)
	local := filepath.Join(dir, name)
	f, err := os.Create(local)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(local)
		return "", fmt.Errorf("storage: write %q: %w", local, err)
	}
	return local, nil
}
