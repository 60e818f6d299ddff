package webpush

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/minyong318-png/search-tennis-cloudflared/internal/clock"
)

const (
	defaultTTL    = 60
	appleEndpoint = "web.push.apple.com"
)

// ErrSubscriptionGone marks a 404/410 from the push service: the
// subscription is permanently invalid and should be deleted.
var ErrSubscriptionGone = errors.New("subscription gone")

// StatusError is a non-2xx push service response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.Code, e.Body)
}

// Subscription is the delivery target for one browser.
type Subscription struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// Notification is the payload shown by the service worker.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Client encrypts, signs and delivers notifications.
type Client struct {
	http      *http.Client
	keys      VAPIDKeys
	topicSeed string
	ttl       int
	clk       clock.Clock
}

// NewClient builds a push client. topicSeed is the stable string hashed
// into the Apple Topic header; ttl <= 0 falls back to 60 seconds.
func NewClient(httpClient *http.Client, keys VAPIDKeys, topicSeed string, ttl int, clk clock.Clock) (*Client, error) {
	if err := keys.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Client{
		http:      httpClient,
		keys:      keys,
		topicSeed: topicSeed,
		ttl:       ttl,
		clk:       clk,
	}, nil
}

// Send encrypts {title, body} for the subscription and POSTs it to the
// push endpoint. 404/410 responses wrap ErrSubscriptionGone; other
// non-2xx responses come back as a StatusError.
func (c *Client) Send(ctx context.Context, sub Subscription, title, body string) error {
	payload, err := json.Marshal(Notification{Title: title, Body: body})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg, err := EncryptAES128GCM(sub.P256dh, sub.Auth, payload)
	if err != nil {
		return fmt.Errorf("encrypt notification: %w", err)
	}
	auth, err := c.keys.Authorization(sub.Endpoint, c.clk.Now())
	if err != nil {
		return fmt.Errorf("vapid authorization: %w", err)
	}
	pub, err := c.keys.publicKeyB64()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(msg.Ciphertext))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("TTL", strconv.Itoa(c.ttl))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Crypto-Key", fmt.Sprintf("dh=%s; p256ecdsa=%s", b64encode(msg.ServerPublicKey), pub))
	req.Header.Set("Encryption", "salt="+b64encode(msg.Salt))
	req.Header.Set("Authorization", auth)

	if u, err := url.Parse(sub.Endpoint); err == nil && u.Hostname() == appleEndpoint {
		req.Header.Set("Topic", appleTopic(c.topicSeed))
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver push: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone {
		return fmt.Errorf("%w: %s", ErrSubscriptionGone, &StatusError{Code: res.StatusCode, Body: string(raw)})
	}
	return &StatusError{Code: res.StatusCode, Body: string(raw)}
}

// appleTopic is the first 32 hex characters of SHA-256 over the seed;
// Apple's push service rejects requests without it.
func appleTopic(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:32]
}
