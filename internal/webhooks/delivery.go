package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	pusher "github.com/pusher/pusher-http-go/v5"

	"wasmscan/internal/config"
	"wasmscan/internal/models"
)

// ErrPermanent marks delivery failures that retrying cannot fix. The
// orchestrator drops such rows instead of counting a failure.
var ErrPermanent = errors.New("permanent delivery failure")

// Headers applied to every url delivery unless the endpoint overrides them.
var defaultHeaders = map[string]string{
	"Content-Type":    "application/json",
	"Accept-Encoding": "gzip,deflate,compress",
}

// Deliverer fires a single pending webhook at its endpoint. Url endpoints go
// through a shared HTTP client, soketi endpoints through a Pusher-protocol
// client. Both enforce the configured per-call timeout.
type Deliverer struct {
	client *http.Client
	pusher *pusher.Client
}

// NewDeliverer builds a Deliverer. The soketi client is only constructed
// when credentials are configured; soketi rows fail permanently otherwise.
func NewDeliverer(soketi config.SoketiConfig, timeout time.Duration) *Deliverer {
	d := &Deliverer{
		client: &http.Client{Timeout: timeout},
	}
	if soketi.Configured() {
		d.pusher = &pusher.Client{
			AppID:      soketi.AppID,
			Key:        soketi.Key,
			Secret:     soketi.Secret,
			Host:       soketi.Host,
			Secure:     soketi.UseTLS,
			HTTPClient: &http.Client{Timeout: timeout},
		}
	}
	return d
}

// Fire performs the protocol-appropriate delivery for one pending row.
// A nil return means delivered; ErrPermanent-wrapped returns mean the row
// can never succeed; anything else is retryable.
func (d *Deliverer) Fire(ctx context.Context, p *models.PendingWebhook) error {
	var ep Endpoint
	if err := jsonit.Unmarshal(p.Endpoint, &ep); err != nil {
		return fmt.Errorf("%w: undecodable endpoint: %v", ErrPermanent, err)
	}
	if ep.Type == "" {
		ep.Type = p.EndpointType
	}

	switch ep.Type {
	case "url":
		return d.fireURL(ctx, &ep, p.Value)
	case "soketi":
		return d.fireSoketi(&ep, p.Value)
	default:
		return fmt.Errorf("%w: unknown endpoint type %q", ErrPermanent, ep.Type)
	}
}

func (d *Deliverer) fireURL(ctx context.Context, ep *Endpoint, body []byte) error {
	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrPermanent, err)
	}
	for k, v := range defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Deliverer) fireSoketi(ep *Endpoint, value []byte) error {
	if d.pusher == nil {
		return fmt.Errorf("%w: soketi endpoint without soketi credentials", ErrPermanent)
	}
	if err := d.pusher.Trigger(ep.Channel, ep.Event, json.RawMessage(value)); err != nil {
		return fmt.Errorf("soketi trigger failed: %w", err)
	}
	return nil
}
