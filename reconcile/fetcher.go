package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/breez/partial-sync/store"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrInvalidPayload   = errors.New("invalid payload")
)

// Fetcher retrieves the authoritative data for the records selected by query.
type Fetcher interface {
	Fetch(ctx context.Context, path, rangeValue string, query store.Query) (json.RawMessage, error)
}

// HTTPFetcher posts the query to the sync server and returns the JSON body.
type HTTPFetcher struct {
	BaseURL *url.URL
	Client  *http.Client
	// Header is added to every request, e.g. for authorization.
	Header http.Header
}

func NewHTTPFetcher(baseURL string, client *http.Client) (*HTTPFetcher, error) {
	f := &HTTPFetcher{Client: client, Header: make(http.Header)}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse base url %v: %w", baseURL, err)
		}
		f.BaseURL = u
	}
	if f.Client == nil {
		f.Client = http.DefaultClient
	}
	return f, nil
}

func (f *HTTPFetcher) resolve(path string) (string, error) {
	if f.BaseURL == nil {
		return path, nil
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("failed to parse fetch path %v: %w", path, err)
	}
	return f.BaseURL.ResolveReference(ref).String(), nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, path, rangeValue string, query store.Query) (json.RawMessage, error) {
	target, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, values := range f.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if rangeValue != "" {
		req.Header.Set("Range", rangeValue)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %v: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedStatus, resp.Status)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: response body is not json", ErrInvalidPayload)
	}
	return json.RawMessage(payload), nil
}
