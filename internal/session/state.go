package session

import (
	"strings"
	"sync"
)

// State is a session lifecycle phase.
type State string

const (
	StateLaunching      State = "Launching"
	StateAuthenticating State = "Authenticating"
	StateActive         State = "Active"
	StateBlocked        State = "Blocked"
	StateRecovering     State = "Recovering"
	StateTerminated     State = "Terminated"
	StateFatal          State = "Fatal"
)

// closedSignal marks the diagnostic events that count toward the
// failure threshold. The platform emits it when it drops a socket.
const closedSignal = "Closed with reason"

// IsClosedSignal reports whether a diagnostic message counts as a
// connection failure.
func IsClosedSignal(text string) bool {
	return strings.Contains(text, closedSignal)
}

// NavVerdict classifies one navigation.
type NavVerdict int

const (
	// NavOK is ordinary in-app navigation.
	NavOK NavVerdict = iota
	// NavLoginRedirect means the platform bounced the session to the
	// login page: the stored identity was rejected.
	NavLoginRedirect
	// NavBlocked means the rendered page carries an anti-bot
	// interstitial marker.
	NavBlocked
)

// ClassifyNavigation decides whether a navigated frame means the
// session lost its identity. pageText is the rendered text of the
// page, lower-cased matching is applied to the markers.
func ClassifyNavigation(frameURL, loginPath, pageText string, markers []string) NavVerdict {
	if loginPath != "" && strings.Contains(frameURL, loginPath) {
		return NavLoginRedirect
	}
	lower := strings.ToLower(pageText)
	for _, marker := range markers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return NavBlocked
		}
	}
	return NavOK
}

// FailureCounter is a rolling count of connection failures. It never
// resets: a session that keeps dying is a session that should stop.
type FailureCounter struct {
	mu        sync.Mutex
	count     int
	threshold int
}

// NewFailureCounter creates a counter that trips at threshold.
func NewFailureCounter(threshold int) *FailureCounter {
	return &FailureCounter{threshold: threshold}
}

// Observe counts one failure signal and reports whether the threshold
// has been reached.
func (c *FailureCounter) Observe() (count int, fatal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.count, c.count >= c.threshold
}

// Count returns the current failure count.
func (c *FailureCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Tripped reports whether the threshold has been reached.
func (c *FailureCounter) Tripped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count >= c.threshold
}
