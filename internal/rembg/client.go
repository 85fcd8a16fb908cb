// Package rembg talks to an external background-removal model server. The
// model is a black box: encoded image bytes go in, encoded image bytes with
// transparent background pixels come out.
package rembg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

type Config struct {
	Endpoint       string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	endpoint       string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("rembg endpoint is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = 8 * time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		endpoint:       endpoint,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}, nil
}

// Remove uploads the image to the model server and returns the re-encoded
// image with background pixels made transparent. Transient failures are
// retried with exponential backoff; 4xx responses are not retried since the
// input will not get better.
func (c *Client) Remove(ctx context.Context, input []byte) ([]byte, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("input image is empty")
	}

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		output, retryable, err := c.removeOnce(ctx, input)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if !retryable || attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = minDuration(backoff*2, c.maxBackoff)
	}

	return nil, fmt.Errorf("background removal failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) removeOnce(ctx context.Context, input []byte) (output []byte, retryable bool, err error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image")
	if err != nil {
		return nil, false, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(input); err != nil {
		return nil, false, fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, false, fmt.Errorf("close form writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/remove", body)
	if err != nil {
		return nil, false, fmt.Errorf("build model request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "image/png")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, retryable, fmt.Errorf("model returned status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read model response: %w", err)
	}
	if len(data) == 0 {
		return nil, true, fmt.Errorf("model returned empty body")
	}
	return data, false, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
