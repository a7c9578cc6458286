package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// ErrServiceUnreachable indicates the analytics service could not be reached
// at the transport level (connection refused, timeout, DNS failure).
var ErrServiceUnreachable = errors.New("analytics service unreachable")

// UpstreamError is a structured failure returned by the analytics service
// itself, with its detail field preserved for the client.
type UpstreamError struct {
	StatusCode int
	Detail     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("analytics service returned %d: %s", e.StatusCode, e.Detail)
}

// Client talks to the external analytics service. Responses are relayed as
// raw JSON; this process never interprets analysis results.
type Client struct {
	http   *resty.Client
	logger *logrus.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		logger: logger,
	}
}

// Analyze asks the service to profile the dataset at filePath.
func (c *Client) Analyze(ctx context.Context, filePath string) (json.RawMessage, error) {
	return c.post(ctx, "/analyze", map[string]string{
		"file_path": filePath,
	})
}

// Predict asks the service to fit models predicting targetColumn.
func (c *Client) Predict(ctx context.Context, filePath, targetColumn string) (json.RawMessage, error) {
	return c.post(ctx, "/predict", map[string]string{
		"file_path":     filePath,
		"target_column": targetColumn,
	})
}

// Query forwards a natural-language question about the dataset.
func (c *Client) Query(ctx context.Context, filePath, query string) (json.RawMessage, error) {
	return c.post(ctx, "/query", map[string]string{
		"file_path": filePath,
		"query":     query,
	})
}

func (c *Client) post(ctx context.Context, path string, body map[string]string) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		c.logger.Warnf("analytics %s: %v", path, err)
		return nil, fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
	}

	if resp.IsError() {
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode(),
			Detail:     extractDetail(resp.Body()),
		}
	}

	return json.RawMessage(resp.Body()), nil
}

// extractDetail pulls the FastAPI-style {"detail": ...} field out of an error
// body, falling back to the raw body when the shape is unexpected.
func extractDetail(body []byte) string {
	var envelope struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Detail != "" {
		return envelope.Detail
	}
	return strings.TrimSpace(string(body))
}
