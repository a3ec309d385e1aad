package cli

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/metorial/capture-core/internal/models"
)

// Client talks to the controller HTTP API.
type Client struct {
	baseURL    string
	httpClient *req.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: req.C().
			SetUserAgent("capturectl/1.0").
			SetTimeout(30 * time.Second),
	}
}

func (c *Client) Health() (map[string]interface{}, error) {
	return c.get("/api/v1/health")
}

func (c *Client) ListHosts() (map[string]interface{}, error) {
	return c.get("/api/v1/hosts")
}

func (c *Client) GetHost(ip string) (map[string]interface{}, error) {
	return c.get("/api/v1/hosts/" + url.PathEscape(ip))
}

func (c *Client) ClearHosts() (map[string]interface{}, error) {
	return c.do(context.Background(), "DELETE", "/api/v1/hosts")
}

func (c *Client) History(tool string, limit int) (map[string]interface{}, error) {
	query := url.Values{}
	if tool != "" {
		query.Set("tool", tool)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/v1/history"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.get(path)
}

func (c *Client) Sync() (map[string]interface{}, error) {
	return c.do(context.Background(), "POST", "/api/v1/sync")
}

func (c *Client) GetStats() (map[string]interface{}, error) {
	return c.get("/api/v1/stats")
}

// Ingest sends raw scanner output to the host registry.
func (c *Client) Ingest(ctx context.Context, output, source string) (models.IngestSummary, error) {
	var summary models.IngestSummary

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBodyJsonMarshal(map[string]string{"output": output, "source": source}).
		SetSuccessResult(&summary).
		Post(c.baseURL + "/api/v1/hosts")
	if err != nil {
		return summary, fmt.Errorf("request failed: %w", err)
	}
	if !resp.IsSuccessState() {
		return summary, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(resp.String()))
	}

	return summary, nil
}

func (c *Client) get(path string) (map[string]interface{}, error) {
	return c.do(context.Background(), "GET", path)
}

func (c *Client) do(ctx context.Context, method, path string) (map[string]interface{}, error) {
	var result map[string]interface{}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetSuccessResult(&result).
		Send(method, c.baseURL+path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(resp.String()))
	}

	return result, nil
}
