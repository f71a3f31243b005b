package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"kasirinaja/ledger/internal/domain"
)

// StatusError is a non-2xx answer from the back office.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// backOffice speaks the back office's /api/sync endpoints.
type backOffice struct {
	client *http.Client
	base   string
	key    string
}

func (b backOffice) pushOperations(ctx context.Context, ops []domain.SyncOperation) error {
	return b.do(ctx, http.MethodPost, "/api/sync", ops, nil)
}

func (b backOffice) pushFull(ctx context.Context, state domain.FullState) error {
	return b.do(ctx, http.MethodPost, "/api/sync/full", state, nil)
}

func (b backOffice) pull(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := b.do(ctx, http.MethodGet, "/api/sync", nil, &snap)
	return snap, err
}

func (b backOffice) do(ctx context.Context, method, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.key)
	req.Header.Set("X-API-KEY", b.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// endpoint resolves the back-office base URL and key. Queue pushes and pulls
// prefer the API settings; full-state pushes prefer the back-office ones.
// Both fall back to the configured defaults.
func endpoint(cfg domain.BusinessConfig, fallbackURL, fallbackKey string, preferBackOffice bool) (base, key string) {
	urls := []string{cfg.APIURL, cfg.BackOfficeURL, fallbackURL}
	keys := []string{cfg.APIKey, cfg.BackOfficeAPIKey, fallbackKey}
	if preferBackOffice {
		urls[0], urls[1] = urls[1], urls[0]
		keys[0], keys[1] = keys[1], keys[0]
	}
	for _, candidate := range urls {
		if base = strings.TrimRight(strings.TrimSpace(candidate), "/"); base != "" {
			break
		}
	}
	for _, candidate := range keys {
		if key = strings.TrimSpace(candidate); key != "" {
			break
		}
	}
	return base, key
}
