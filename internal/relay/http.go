package relay

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// DefaultPollInterval is how often the HTTP client polls for inbound
// frames. The relay contract is asynchronous anyway; polling latency is
// noise next to store-and-forward delay.
const DefaultPollInterval = 2 * time.Second

// HTTPClient talks to the dev relay server (cmd/bitchat-relay). Frames
// travel base64-inside-JSON; the relay never sees plaintext, only sealed
// envelopes tagged with a pseudonymous key.
type HTTPClient struct {
	Base string
	HTTP *http.Client
	Poll time.Duration
}

// NewHTTP builds a client for the relay at base.
func NewHTTP(base string) *HTTPClient {
	return &HTTPClient{Base: base, HTTP: http.DefaultClient, Poll: DefaultPollInterval}
}

var _ domain.RelayClient = (*HTTPClient)(nil)

type frameBatch struct {
	Frames [][]byte `json:"frames"`
}

// Publish posts one frame for the recipient identity.
func (c *HTTPClient) Publish(ctx context.Context, to domain.RelayKey, frame []byte) error {
	body, err := json.Marshal(frameBatch{Frames: [][]byte{frame}})
	if err != nil {
		return err
	}
	url := c.Base + "/publish/" + hex.EncodeToString(to[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay publish: %s", resp.Status)
	}
	return nil
}

// Subscribe polls the relay for frames addressed to own until ctx is
// cancelled. Fetched frames are consumed server-side.
func (c *HTTPClient) Subscribe(ctx context.Context, own domain.RelayKey) (<-chan []byte, error) {
	interval := c.Poll
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			batch, err := c.fetch(ctx, own)
			if err == nil {
				for _, frame := range batch {
					select {
					case ch <- frame:
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}

func (c *HTTPClient) fetch(ctx context.Context, own domain.RelayKey) ([][]byte, error) {
	url := c.Base + "/poll/" + hex.EncodeToString(own[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay poll: %s", resp.Status)
	}
	var batch frameBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, err
	}
	return batch.Frames, nil
}
