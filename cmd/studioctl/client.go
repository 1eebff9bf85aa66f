package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// entity mirrors the JSON view served by the API.
type entity struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Title          string    `json:"title"`
	Prompt         string    `json:"prompt"`
	AspectRatio    string    `json:"aspect_ratio"`
	Status         string    `json:"status"`
	Generating     bool      `json:"generating"`
	Attempt        int64     `json:"attempt"`
	Error          string    `json:"error,omitempty"`
	FailureKind    string    `json:"failure_kind,omitempty"`
	DisplayMessage string    `json:"display_message,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	Artifact       *struct {
		MIME string `json:"mime"`
		Size int64  `json:"size"`
		URL  string `json:"url"`
	} `json:"artifact,omitempty"`
}

type progress struct {
	Running bool   `json:"running"`
	Total   int    `json:"total"`
	Done    int    `json:"done"`
	Current string `json:"current,omitempty"`
	Summary struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
		Skipped   int `json:"skipped"`
	} `json:"summary"`
}

// apiError is a non 2xx answer from the API.
type apiError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("studio: %s (HTTP %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("studio: HTTP %d", e.Status)
}

type apiClient struct {
	base *url.URL
	http *http.Client
}

func newAPIClient(server string, timeout time.Duration) (*apiClient, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(server), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid --server %q", server)
	}
	return &apiClient{base: base, http: &http.Client{Timeout: timeout}}, nil
}

func (c *apiClient) url(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends body as JSON and decodes a JSON answer into out when out is not nil.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// download streams a successful answer into w and returns its headers.
func (c *apiClient) download(ctx context.Context, path string, w io.Writer) (http.Header, error) {
	resp, err := c.send(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return resp.Header, nil
}

func (c *apiClient) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := &apiError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, apiErr)
		return nil, apiErr
	}
	return resp, nil
}
