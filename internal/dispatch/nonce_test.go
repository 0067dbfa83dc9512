package dispatch

import (
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestNonceFormat(t *testing.T) {
	n := newNonce()
	if len(n) != 26 {
		t.Fatalf("expected 26 chars, got %d (%q)", len(n), n)
	}
	if !strings.HasPrefix(n, "01") {
		t.Errorf("expected 01 prefix: %q", n)
	}
	if strings.ContainsAny(n, "+/") {
		t.Errorf("base64 specials must be substituted: %q", n)
	}
	if n != strings.ToUpper(n) {
		t.Errorf("token must be upper-cased: %q", n)
	}
}

func TestConcurrentPopsAreUnique(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewNoncePool(2000, 200)
	defer pool.Close()

	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				local = append(local, pool.Pop())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, tok := range local {
				if seen[tok] {
					t.Errorf("duplicate token handed out: %s", tok)
				}
				seen[tok] = true
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("expected %d unique tokens, got %d", workers*perWorker, len(seen))
	}
}

func TestPoolRefillsUnderSteadyLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewNoncePool(100, 50)
	defer pool.Close()

	// Drain below the low-water mark, then give the refiller a moment.
	for i := 0; i < 80; i++ {
		pool.Pop()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pool.Len() >= 50 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool did not refill above low water: depth=%d", pool.Len())
}

func TestPopNeverBlocksWhenEmpty(t *testing.T) {
	pool := NewNoncePool(1, 1)
	defer pool.Close()

	for i := 0; i < 10; i++ {
		if tok := pool.Pop(); tok == "" {
			t.Fatal("Pop returned empty token")
		}
	}
}
