package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// StatusComplete is the terminal status an attestation must reach
	// before it can be submitted to the destination chain.
	StatusComplete = "complete"

	pollInterval     = 5 * time.Second
	rateLimitBackoff = 5 * time.Minute
)

// Attestation is the signed burn proof returned by the attestation service.
// It is scoped by (source domain, burn tx hash) and has no other identity.
type Attestation struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Attestation string `json:"attestation"`
}

type messagesResponse struct {
	Messages []Attestation `json:"messages"`
}

// Client polls the attestation service until a burn's attestation reaches
// the complete status. The loop has no retry ceiling; callers bound it with
// the context.
type Client struct {
	baseURL string
	http    *http.Client

	// sleep is injected so tests can observe waits without a real clock.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// AwaitAttestation blocks until the attestation for the given burn
// transaction reaches the complete status. Not-yet-available and transient
// failures retry after a short interval; a rate-limit response backs off for
// much longer. Only context cancellation ends the loop without a result.
func (c *Client) AwaitAttestation(
	ctx context.Context, sourceDomain uint32, burnTxHash string,
) (*Attestation, error) {
	url := fmt.Sprintf("%s/%d?transactionHash=%s", c.baseURL, sourceDomain, burnTxHash)

	for {
		att, wait := c.poll(ctx, url, burnTxHash)
		if att != nil {
			return att, nil
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// poll issues one query and reports either a complete attestation or how
// long to wait before the next attempt.
func (c *Client) poll(ctx context.Context, url, burnTxHash string) (*Attestation, time.Duration) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.WithError(err).Error("attestation request build failed")
		return nil, pollInterval
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.WithError(err).WithField("tx", burnTxHash).Warn("attestation service unreachable")
		return nil, pollInterval
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusNotFound:
		return nil, pollInterval
	case http.StatusTooManyRequests:
		log.WithField("tx", burnTxHash).Warn("attestation service rate limited, backing off")
		return nil, rateLimitBackoff
	default:
		log.WithFields(log.Fields{"tx": burnTxHash, "status": resp.StatusCode}).
			Warn("unexpected attestation service response")
		return nil, pollInterval
	}

	var payload messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		log.WithError(err).WithField("tx", burnTxHash).Warn("malformed attestation response")
		return nil, pollInterval
	}
	if len(payload.Messages) == 0 {
		return nil, pollInterval
	}

	msg := payload.Messages[0]
	if msg.Status != StatusComplete {
		return nil, pollInterval
	}
	return &msg, 0
}
