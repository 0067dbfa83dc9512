// Package dispatch sends replies: a pool of pre-generated idempotency
// tokens and a fire-and-forget outbound message sender.
package dispatch

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"

	"chatrelay/internal/telemetry"
)

const nonceLength = 24

// newNonce generates one idempotency token: "01" followed by 24
// characters of base64 with '+' and '/' substituted and upper-cased.
// The prefix keeps tokens sortable ahead of client-generated ones.
func newNonce() string {
	buf := make([]byte, nonceLength)
	_, _ = rand.Read(buf)
	enc := base64.StdEncoding.EncodeToString(buf)
	enc = strings.ReplaceAll(enc, "+", "0")
	enc = strings.ReplaceAll(enc, "/", "1")
	return "01" + strings.ToUpper(enc[:nonceLength])
}

// NoncePool keeps a buffer of pre-computed tokens so dispatch never
// pays generation latency on the hot path. Safe for concurrent use by
// every tenant in the process.
type NoncePool struct {
	mu     sync.Mutex
	tokens []string

	size     int
	lowWater int

	refill chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewNoncePool creates a pool filled to size, with a background
// refiller that tops it up whenever the depth falls below lowWater.
func NewNoncePool(size, lowWater int) *NoncePool {
	if size <= 0 {
		size = 5000
	}
	if lowWater <= 0 || lowWater > size {
		lowWater = size / 10
	}
	p := &NoncePool{
		size:     size,
		lowWater: lowWater,
		refill:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	p.fill()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.done:
				return
			case <-p.refill:
				p.fill()
			}
		}
	}()
	return p
}

// fill tops the pool up to size. Idempotent: concurrent calls only ever
// add tokens, never duplicate ones already handed out.
func (p *NoncePool) fill() {
	p.mu.Lock()
	need := p.size - len(p.tokens)
	p.mu.Unlock()
	if need <= 0 {
		return
	}

	fresh := make([]string, 0, need)
	for i := 0; i < need; i++ {
		fresh = append(fresh, newNonce())
	}

	p.mu.Lock()
	p.tokens = append(p.tokens, fresh...)
	depth := len(p.tokens)
	p.mu.Unlock()
	telemetry.SetNoncePoolDepth(depth)
}

// Pop removes and returns one token. Never blocks: an empty pool
// generates inline and lets the refiller catch up.
func (p *NoncePool) Pop() string {
	p.mu.Lock()
	var token string
	if n := len(p.tokens); n > 0 {
		token = p.tokens[n-1]
		p.tokens = p.tokens[:n-1]
	}
	depth := len(p.tokens)
	p.mu.Unlock()

	if depth < p.lowWater {
		select {
		case p.refill <- struct{}{}:
		default: // refill already pending
		}
	}
	if token == "" {
		token = newNonce()
	}
	telemetry.SetNoncePoolDepth(depth)
	return token
}

// Len returns the current pool depth.
func (p *NoncePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens)
}

// Close stops the background refiller.
func (p *NoncePool) Close() {
	close(p.done)
	p.wg.Wait()
}
