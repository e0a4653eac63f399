package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mozilla-services/autopush-loadtester/internal/command"
	"github.com/mozilla-services/autopush-loadtester/internal/vapid"
)

// Notifier sends notification bodies to push endpoints over a single
// shared, connection-pooled HTTP client — mirroring aplt/runner.py's one
// shared treq Agent used by every virtual client's send_notification.
type Notifier struct {
	client *http.Client
	signer *vapid.Signer // nil disables VAPID headers entirely
}

// NewNotifier builds a Notifier. signer may be nil when the run carries
// no VAPID identity (anonymous push, where the endpoint itself gates
// access).
func NewNotifier(policy TLSPolicy, signer *vapid.Signer) (*Notifier, error) {
	tlsCfg, err := policy.Config()
	if err != nil {
		return nil, err
	}
	transportRT := &http.Transport{
		TLSClientConfig:     tlsCfg,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Notifier{
		signer: signer,
		client: &http.Client{
			Transport: transportRT,
			Timeout:   30 * time.Second,
			// Redirects would silently retarget the notification; the
			// original tool treats them as a delivery failure.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Send posts data to endpointURL with the TTL and, when a payload is
// present, the content headers a push server expects, then optionally
// attaches VAPID Authorization/Crypto-Key headers.
func (n *Notifier) Send(ctx context.Context, endpointURL string, data []byte, ttl int, claims command.VapidClaims) NotifyResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(data))
	if err != nil {
		return NotifyResult{Err: fmt.Errorf("transport: build request: %w", err)}
	}
	req.Header.Set("TTL", strconv.Itoa(ttl))
	if len(data) > 0 {
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Encoding", "aesgcm")
	}
	if n.signer != nil {
		headers, err := n.signer.Headers(endpointURL, claims)
		if err != nil {
			return NotifyResult{Err: fmt.Errorf("transport: sign vapid headers: %w", err)}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return NotifyResult{Err: fmt.Errorf("transport: post notification: %w", err)}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NotifyResult{Err: fmt.Errorf("transport: read response: %w", err)}
	}
	return NotifyResult{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
}
