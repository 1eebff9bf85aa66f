// Package remote drives one generation request against a remote image API,
// hiding whether the provider answers synchronously or hands back a job that
// has to be polled.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"studio/internal/infra"
	"studio/pkg/datauri"
)

const (
	// DefaultPollInterval applies when a pending response does not suggest one.
	DefaultPollInterval = 3 * time.Second

	maxArtifactBytes = 64 << 20
	maxResponseBytes = 1 << 20
	maxErrorDetail   = 256
)

// Options configures the remote generation client.
type Options struct {
	APIKey         string
	BaseURL        string
	PollInterval   time.Duration
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs the submit, poll and fetch calls of one generation run.
type Client struct {
	apiKey       string
	baseURL      *url.URL
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *infra.Logger
	tracer       trace.Tracer
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      base,
		pollInterval: interval,
		httpClient:   httpClient,
		logger:       logger,
		tracer:       otel.Tracer("studio/remote"),
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Run submits req and returns the materialized artifact. ctx bounds the whole
// run: it is checked before the submit, around every poll sleep and before the
// final fetch, and is attached to every HTTP request.
func (c *Client) Run(ctx context.Context, req Request) (*Artifact, error) {
	ctx, span := c.tracer.Start(ctx, "remote.Run", trace.WithAttributes(
		attribute.String("remote.mode", req.Mode),
		attribute.String("remote.aspect_ratio", req.AspectRatio),
	))
	defer span.End()

	artifact, err := c.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("remote.mime", artifact.MIME), attribute.Int("remote.bytes", len(artifact.Data)))
	return artifact, nil
}

func (c *Client) run(ctx context.Context, req Request) (*Artifact, error) {
	if !c.HasCredentials() {
		return nil, authFailure(0, "no API key configured")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("remote: prompt is required")
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	resp, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	location, err := c.resolveSubmit(ctx, resp)
	if err != nil {
		return nil, err
	}

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	return c.fetch(ctx, location)
}

// resolveSubmit returns the output location of a synchronous answer, or polls
// the job described by a pending one until it finishes.
func (c *Client) resolveSubmit(ctx context.Context, resp jobResponse) (string, error) {
	if phaseOf(resp.Status) == phaseFailed {
		return "", jobFailure(resp.detail())
	}
	if location, ok := extractOutput(resp); ok {
		c.logger.Debug().Str("status", resp.Status).Msg("remote: synchronous result")
		return location, nil
	}
	if phaseOf(resp.Status) == phaseDone {
		return "", protocolFailure("response marked %q without an output location", resp.Status)
	}
	state, err := c.pendingState(resp)
	if err != nil {
		return "", err
	}
	return c.poll(ctx, state)
}

func (c *Client) pendingState(resp jobResponse) (pollState, error) {
	jobID := resp.jobID()
	if jobID == "" {
		return pollState{}, protocolFailure("pending response without job id")
	}
	state := pollState{jobID: jobID, interval: resp.pollInterval()}
	if state.interval <= 0 {
		state.interval = c.pollInterval
	}
	if statusURL := resp.statusURL(); statusURL != "" {
		resolved, err := c.resolve(statusURL)
		if err != nil {
			return pollState{}, protocolFailure("invalid status url %q", statusURL)
		}
		state.url = resolved
	} else {
		state.url = c.endpoint("jobs", url.PathEscape(jobID))
	}
	return state, nil
}

// poll has no attempt cap; the run context's deadline is the only bound.
func (c *Client) poll(ctx context.Context, state pollState) (string, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("remote.job_id", state.jobID))
	for attempt := 1; ; attempt++ {
		if err := checkpoint(ctx); err != nil {
			return "", err
		}
		if err := sleep(ctx, state.interval); err != nil {
			return "", err
		}
		resp, err := c.getJSON(ctx, state.url)
		if err != nil {
			return "", err
		}
		span.AddEvent("poll", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("status", resp.Status),
		))
		switch phaseOf(resp.Status) {
		case phaseDone:
			location, ok := extractOutput(resp)
			if !ok {
				return "", protocolFailure("job %s finished without an output location", state.jobID)
			}
			c.logger.Debug().Str("job_id", state.jobID).Int("poll", attempt).Msg("remote: job done")
			return location, nil
		case phaseFailed:
			return "", jobFailure(resp.detail())
		}
		c.logger.Debug().
			Str("job_id", state.jobID).
			Int("poll", attempt).
			Str("status", resp.Status).
			Msg("remote: job pending")
	}
}

func (c *Client) submit(ctx context.Context, req Request) (jobResponse, error) {
	payload := submitPayload{
		Prompt: strings.TrimSpace(req.Prompt),
		Config: generationConfig{
			Mode:        strings.TrimSpace(req.Mode),
			AspectRatio: strings.TrimSpace(req.AspectRatio),
			Cleanup:     req.Cleanup,
		},
	}
	if req.Source != nil {
		source, err := encodeSource(req.Source)
		if err != nil {
			return jobResponse{}, err
		}
		payload.SourceImage = source
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return jobResponse{}, fmt.Errorf("remote: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("generate"), bytes.NewReader(body))
	if err != nil {
		return jobResponse{}, fmt.Errorf("remote: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.doJSON(ctx, httpReq)
}

func (c *Client) getJSON(ctx context.Context, target string) (jobResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return jobResponse{}, fmt.Errorf("remote: build poll request: %w", err)
	}
	return c.doJSON(ctx, httpReq)
}

func (c *Client) doJSON(ctx context.Context, httpReq *http.Request) (jobResponse, error) {
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return jobResponse{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return jobResponse{}, transportError(ctx, err)
	}
	if err := statusError(resp.StatusCode, raw); err != nil {
		return jobResponse{}, err
	}
	if len(raw) > maxResponseBytes {
		return jobResponse{}, protocolFailure("response exceeds %d bytes", maxResponseBytes)
	}

	var decoded jobResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return jobResponse{}, protocolFailure("decode response: %v", err)
	}
	return decoded, nil
}

// fetch retrieves the output and converts it to a data URI. Inline data URIs
// are decoded without a request.
func (c *Client) fetch(ctx context.Context, location string) (*Artifact, error) {
	if datauri.IsDataURI(location) {
		mime, data, err := datauri.Decode(location)
		if err != nil {
			return nil, protocolFailure("inline output: %v", err)
		}
		return &Artifact{DataURI: datauri.Encode(mime, data), MIME: mime, Data: data}, nil
	}

	target, err := c.resolve(location)
	if err != nil {
		return nil, protocolFailure("invalid output location %q", location)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: build download request: %w", err)
	}
	if c.sameOrigin(httpReq.URL) {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetail))
		return nil, statusError(resp.StatusCode, raw)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if len(data) > maxArtifactBytes {
		return nil, &RemoteError{Status: resp.StatusCode, Message: "Remote error: output exceeds size limit"}
	}
	if len(data) == 0 {
		return nil, protocolFailure("empty output at %s", target)
	}

	mime := datauri.NormalizeMIME(resp.Header.Get("Content-Type"))
	if mime == "" || mime == "application/octet-stream" {
		mime = datauri.NormalizeMIME(http.DetectContentType(data))
	}
	c.logger.Debug().Str("url", target).Str("mime", mime).Int("bytes", len(data)).Msg("remote: fetched output")
	return &Artifact{
		DataURI:   datauri.Encode(mime, data),
		MIME:      mime,
		Data:      data,
		SourceURL: target,
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	return c.baseURL.String() + "/" + strings.Join(parts, "/")
}

// resolve turns relative locations into absolute ones against the base URL.
func (c *Client) resolve(location string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return "", err
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	base := *c.baseURL
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(parsed).String(), nil
}

func (c *Client) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.baseURL.Scheme) && strings.EqualFold(u.Host, c.baseURL.Host)
}

func encodeSource(src *SourceImage) (*sourcePayload, error) {
	uri := strings.TrimSpace(src.URI)
	if uri == "" {
		return nil, errors.New("remote: source image is empty")
	}
	if !datauri.IsDataURI(uri) {
		return &sourcePayload{URL: uri}, nil
	}
	mime, data, err := datauri.Decode(uri)
	if err != nil {
		return nil, fmt.Errorf("remote: source image: %w", err)
	}
	return &sourcePayload{
		MIMEType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

func statusError(status int, raw []byte) error {
	if status < 300 {
		return nil
	}
	detail := errorDetail(raw)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return authFailure(status, detail)
	}
	return httpFailure(status, detail)
}

func errorDetail(raw []byte) string {
	var decoded jobResponse
	if err := json.Unmarshal(raw, &decoded); err == nil {
		if detail := decoded.detail(); detail != "" {
			return detail
		}
	}
	detail := strings.TrimSpace(string(raw))
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail]
	}
	return detail
}

// transportError maps an aborted request onto ErrCancelled when the run context
// is done, so callers see one cancellation signal regardless of where it hit.
// Anything else, including a per-request timeout, is a RemoteError. The cause
// is not wrapped so a request timeout never reads as the run's own deadline.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &RemoteError{Message: "Remote request timed out"}
	}
	return &RemoteError{Message: "Remote request failed: " + err.Error()}
}

func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	return nil
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return cancelled(ctx)
	case <-timer.C:
		return nil
	}
}
