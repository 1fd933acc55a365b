package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/camlane/agendas/internal/ratelimit"
)

const (
	maxRetries          = 5
	initialBackoff      = 500 * time.Millisecond
	maxBackoff          = 30 * time.Second
	defaultTimeout      = 120 * time.Second
	maxIdleConns        = 100
	maxConnsPerHost     = 100
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// Candidate is one stream offered to the classifier.
type Candidate struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Client talks to the external semantic-classification service with pooled
// connections, bounded retries and optional RPM smoothing.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	limiter    *ratelimit.LeakyBucket

	// Usage tracking
	usageMu       sync.Mutex
	classifyCalls int64
	describeCalls int64
	embedCalls    int64
	failedCalls   int64
}

// NewClient creates a classification client. An empty model falls back to
// the service default.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

// SetRPM sets a smooth rate limit across all requests. rpm<=0 disables it.
func (c *Client) SetRPM(rpm int) {
	if c == nil {
		return
	}
	if rpm <= 0 {
		if c.limiter != nil {
			c.limiter.Close()
		}
		c.limiter = nil
		return
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewLeakyBucketFromRPM(rpm)
		return
	}
	c.limiter.SetRPM(rpm)
}

type classifyRequest struct {
	Model      string      `json:"model,omitempty"`
	Title      string      `json:"title"`
	Synopsis   string      `json:"synopsis"`
	Candidates []Candidate `json:"candidates"`
	// The service is instructed to answer with 1-3 candidate names joined
	// by " | ", and nothing else.
	MaxStreams int `json:"max_streams"`
}

type classifyResponse struct {
	Classification string    `json:"classification"`
	Error          *APIError `json:"error,omitempty"`
}

type describeRequest struct {
	Model  string `json:"model,omitempty"`
	Stream string `json:"stream"`
}

type describeResponse struct {
	Description string    `json:"description"`
	Error       *APIError `json:"error,omitempty"`
}

type embedRequest struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

type embedResponse struct {
	Values []float64 `json:"values"`
	Error  *APIError `json:"error,omitempty"`
}

// APIError is the service's structured error body.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("classifier API error %d (%s): %s", e.Code, e.Status, e.Message)
}

// Classify asks the service to pick 1-3 stream names for a session from the
// candidate set. The returned names are parsed from the delimited response
// but NOT validated against the candidates; callers own that check. An
// empty parse is returned as-is: transport and API failures are errors,
// malformed model output is the caller's validation problem.
func (c *Client) Classify(ctx context.Context, title, synopsis string, candidates []Candidate) ([]string, error) {
	req := classifyRequest{
		Model:      c.model,
		Title:      title,
		Synopsis:   synopsis,
		Candidates: candidates,
		MaxStreams: 3,
	}

	var resp classifyResponse
	if err := c.do(ctx, "v1/classify", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	c.record(&c.classifyCalls)
	return splitDelimited(resp.Classification), nil
}

// Describe generates a short human-readable description for a stream name.
func (c *Client) Describe(ctx context.Context, stream string) (string, error) {
	req := describeRequest{Model: c.model, Stream: stream}

	var resp describeResponse
	if err := c.do(ctx, "v1/describe", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", resp.Error
	}
	desc := strings.TrimSpace(resp.Description)
	if desc == "" {
		return "", fmt.Errorf("empty description response")
	}
	c.record(&c.describeCalls)
	return desc, nil
}

// Embed returns a content vector for the given text.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float64, error) {
	if model == "" {
		model = c.model
	}
	req := embedRequest{Model: model, Text: text}

	var resp embedResponse
	if err := c.do(ctx, "v1/embed", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Values) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	c.record(&c.embedCalls)
	return resp.Values, nil
}

// do issues one POST with bounded retry-with-backoff on transient failure.
func (c *Client) do(ctx context.Context, endpoint string, reqBody, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, endpoint)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if attempt > 0 {
			select {
			case <-time.After(calculateBackoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			c.record(&c.failedCalls)
			return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	}

	c.record(&c.failedCalls)
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isRetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

func calculateBackoff(attempt int) time.Duration {
	backoff := float64(initialBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}

// splitDelimited parses the "A | B | C" response contract.
func splitDelimited(s string) []string {
	var names []string
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		if part != "" {
			names = append(names, part)
		}
	}
	return names
}

// UsageStats contains accumulated call counts.
type UsageStats struct {
	ClassifyCalls int64 `json:"classify_calls"`
	DescribeCalls int64 `json:"describe_calls"`
	EmbedCalls    int64 `json:"embed_calls"`
	FailedCalls   int64 `json:"failed_calls"`
}

// GetUsageStats returns accumulated call counts.
func (c *Client) GetUsageStats() UsageStats {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	return UsageStats{
		ClassifyCalls: c.classifyCalls,
		DescribeCalls: c.describeCalls,
		EmbedCalls:    c.embedCalls,
		FailedCalls:   c.failedCalls,
	}
}

func (c *Client) record(counter *int64) {
	c.usageMu.Lock()
	*counter++
	c.usageMu.Unlock()
}
