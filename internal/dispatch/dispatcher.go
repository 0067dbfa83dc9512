package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/logging"
	"chatrelay/internal/telemetry"
)

// messageBody is the outbound API payload.
type messageBody struct {
	Content string   `json:"content"`
	Nonce   string   `json:"nonce"`
	Replies []string `json:"replies"`
}

// Dispatcher issues fire-and-forget replies for one tenant. Latency is
// favoured over confirmed delivery: Send returns before the request
// completes and failures are never retried, since a retry could
// double-send when the original succeeded after a timeout.
type Dispatcher struct {
	apiURL     string
	client     *http.Client
	pool       *NoncePool
	credential func() string // tenant's current session token

	wg sync.WaitGroup
}

// New creates a dispatcher. credential is called per send so the token
// tracks re-authentication.
func New(apiURL string, pool *NoncePool, credential func() string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		apiURL:     apiURL,
		client:     &http.Client{Timeout: timeout},
		pool:       pool,
		credential: credential,
	}
}

// Send posts a reply to a channel and returns immediately. The returned
// nonce identifies the attempt in logs; delivery is not confirmed.
func (d *Dispatcher) Send(channelID, content string) string {
	nonce := d.pool.Pop()

	body, err := json.Marshal(messageBody{Content: content, Nonce: nonce, Replies: []string{}})
	if err != nil {
		logging.DispatchError("marshal message for %s: %v", channelID, err)
		return nonce
	}

	url := fmt.Sprintf("%s/channels/%s/messages", d.apiURL, channelID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logging.DispatchError("build request for %s: %v", channelID, err)
		return nonce
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Token", d.credential())
	req.Header.Set("Idempotency-Key", nonce)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		resp, err := d.client.Do(req)
		if err != nil {
			// Accepted failure mode: a missed reply beats a duplicate.
			telemetry.Inc(telemetry.SendFailures)
			logging.DispatchError("send to %s failed: %v", channelID, err)
			return
		}
		resp.Body.Close()
		telemetry.Inc(telemetry.RepliesSent)
		logging.DispatchDebug("sent to %s nonce=%s status=%d", channelID, nonce, resp.StatusCode)
	}()
	return nonce
}

// Flush waits for in-flight sends. Test helper; production shutdown
// does not await in-flight requests.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}
