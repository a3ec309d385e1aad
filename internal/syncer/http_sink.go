package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/metorial/capture-core/internal/models"
)

const historyPath = "/api/v1/history"

// HTTPSink posts events to a remote controller's history endpoint.
type HTTPSink struct {
	client  *req.Client
	resolve func() (string, error)
}

// NewHTTPSink targets a fixed base URL.
func NewHTTPSink(baseURL string) *HTTPSink {
	baseURL = strings.TrimRight(baseURL, "/")
	return NewResolvingHTTPSink(func() (string, error) { return baseURL, nil })
}

// NewResolvingHTTPSink looks the base URL up before every send, for example
// through Consul.
func NewResolvingHTTPSink(resolve func() (string, error)) *HTTPSink {
	client := req.C().
		SetUserAgent("capture-sync/1.0").
		SetTimeout(15 * time.Second).
		EnableKeepAlives()

	return &HTTPSink{client: client, resolve: resolve}
}

func (s *HTTPSink) Send(ctx context.Context, event *models.CommandEvent) error {
	baseURL, err := s.resolve()
	if err != nil {
		return fmt.Errorf("resolve history endpoint: %w", err)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBodyJsonMarshal(event).
		Post(strings.TrimRight(baseURL, "/") + historyPath)
	if err != nil {
		return fmt.Errorf("post event %s: %w", event.ID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d: %s", ErrSinkRejected, historyPath, resp.StatusCode,
			strings.TrimSpace(resp.String()))
	}
	return nil
}
