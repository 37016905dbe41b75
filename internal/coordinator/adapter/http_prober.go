package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aelexs/captionsync/internal/connhealth"
	"github.com/aelexs/captionsync/internal/domain"
)

// Compile-time check: HTTPProber satisfies connhealth.Prober.
var _ connhealth.Prober = (*HTTPProber)(nil)

// HTTPProber checks internet reachability with a GET against a URL that
// answers without a body.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates a prober for url. A nil client means http.DefaultClient.
func NewHTTPProber(url string, client *http.Client) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{url: url, client: client}
}

// Probe returns nil when the probe URL answered with a non-5xx status.
func (p *HTTPProber) Probe(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "http.probe")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("%w: probe: %w", domain.ErrOffline, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		err := fmt.Errorf("%w: probe returned %d", domain.ErrUnavailable, resp.StatusCode)
		failSpan(span, err)
		return err
	}
	return nil
}
