package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ValidateWebhookURL rejects non-https URLs and literal IP hosts that are
// loopback, link-local or private. Hostnames are not resolved, so a name
// that points at an internal address passes.
func ValidateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("delivery.ValidateWebhookURL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("delivery.ValidateWebhookURL: only https scheme allowed, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("delivery.ValidateWebhookURL: empty hostname")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fmt.Errorf("delivery.ValidateWebhookURL: private/loopback IP not allowed: %s", ip)
		}
	}
	return nil
}

// SignBodyHMACSHA256 produces the same "sha256=<hex>" signature header
// value a webhook destination is expected to verify.
func SignBodyHMACSHA256(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WebhookPusher delivers a leased delivery's payload to an https
// destination URL, signing the body when a secret is configured. It does
// not touch the delivery row; callers pair a successful Push with
// Store.Ack and a failed one with Store.Fail.
type WebhookPusher struct {
	httpClient            *http.Client
	skipWebhookValidation bool
}

func NewWebhookPusher(httpClient *http.Client) *WebhookPusher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookPusher{httpClient: httpClient}
}

// Push POSTs d.PayloadJSON to url, signed with secret if non-empty.
func (p *WebhookPusher) Push(ctx context.Context, url, secret string, d Delivery) error {
	if !p.skipWebhookValidation {
		if err := ValidateWebhookURL(url); err != nil {
			return fmt.Errorf("delivery.WebhookPusher.Push: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(d.PayloadJSON))
	if err != nil {
		return fmt.Errorf("delivery.WebhookPusher.Push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Settlement-Delivery-Id", d.ID)
	req.Header.Set("X-Settlement-Artifact-Type", d.ArtifactType)
	req.Header.Set("X-Settlement-Artifact-Hash", d.ArtifactHash)
	if secret != "" {
		req.Header.Set("X-Settlement-Signature-256", SignBodyHMACSHA256(d.PayloadJSON, secret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delivery.WebhookPusher.Push do: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery.WebhookPusher.Push: webhook status=%d", resp.StatusCode)
	}
	return nil
}
