package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

// HTTPPusher posts events for offline actors to a push gateway
// (an FCM relay or similar) as {"to": actorID, "event": ...}.
type HTTPPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPusher(endpoint, key string) *HTTPPusher {
	return &HTTPPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *HTTPPusher) Push(ctx context.Context, actorID string, ev models.Event) error {
	b, err := json.Marshal(map[string]any{"to": actorID, "event": ev})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
