// Package session runs one tenant's browser session as a state
// machine: Launching -> Authenticating -> Active, with Blocked and
// Recovering restart paths, Terminated on explicit stop, and Fatal
// once the failure threshold trips.
//
// The browser is never asked to act. The machine launches a real
// chromium profile, lets the platform web app drive its own websocket,
// and taps the CDP network domain to read frames in both directions.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"chatrelay/internal/config"
	"chatrelay/internal/logging"
	"chatrelay/internal/platform"
	"chatrelay/internal/registry"
	"chatrelay/internal/telemetry"
)

// ErrFailureThreshold is returned by Run when the rolling failure
// counter trips and the machine stops restarting.
var ErrFailureThreshold = errors.New("session failure threshold reached")

// disabledPollInterval is how often a held machine rechecks the
// tenant toggle.
const disabledPollInterval = 5 * time.Second

// recoverHeadfulAfter forces supervised mode once this many recovery
// cycles happen back to back without a successful authentication.
const recoverHeadfulAfter = 3

// EventSink receives decoded platform events in arrival order.
type EventSink interface {
	HandleEvent(*platform.Event)
}

// Config wires a machine to its tenant.
type Config struct {
	TenantID    string
	Platform    config.PlatformConfig
	Browser     config.BrowserConfig
	Recovery    config.RecoveryConfig
	UserDataDir string

	// Sink receives every decoded inbound frame.
	Sink EventSink
	// Credential is called once per captured Authenticate token.
	Credential func(token string)
	// Enabled gates relaunches: while it reports false the machine
	// holds in Recovering instead of starting a browser. nil means
	// always on.
	Enabled func() bool

	Registry *registry.Registry
}

// Machine supervises one tenant's browser across restarts.
type Machine struct {
	cfg      Config
	failures *FailureCounter

	fatal     chan struct{}
	fatalOnce sync.Once

	mu        sync.Mutex
	state     State
	sessionID string
	// recovers counts back-to-back Recovering cycles; reset on any
	// successful authentication.
	recovers int
}

// New creates a machine. Run starts it.
func New(cfg Config) *Machine {
	threshold := cfg.Recovery.FailureThreshold
	if threshold <= 0 {
		threshold = 20
	}
	return &Machine{
		cfg:      cfg,
		failures: NewFailureCounter(threshold),
		fatal:    make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failures returns the rolling failure count.
func (m *Machine) Failures() int {
	return m.failures.Count()
}

// ObserveFault feeds a Debug/Error diagnostic into the failure
// counter. The router forwards these from the event stream.
func (m *Machine) ObserveFault(kind platform.EventType, text string) {
	if !IsClosedSignal(text) {
		return
	}
	count, fatal := m.failures.Observe()
	logging.SessionError("tenant %s: connection failure %d/%d: %s",
		m.cfg.TenantID, count, m.failures.threshold, text)
	if fatal {
		m.fatalOnce.Do(func() {
			m.cfg.Registry.Publish(m.cfg.TenantID, registry.KindFatal,
				"failure threshold reached, giving up")
			close(m.fatal)
		})
	}
}

type outcome int

const (
	outcomeRecover outcome = iota
	outcomeBlocked
	outcomeRelaunchHeadless
	outcomeTerminated
	outcomeFatal
)

// Run drives the machine until the context is cancelled or the
// failure threshold trips. Headful runs switch back to headless after
// a successful authentication plus cool-down.
func (m *Machine) Run(ctx context.Context) error {
	headful := !m.cfg.Browser.Headless

	for {
		select {
		case <-ctx.Done():
			m.transition(StateTerminated, headful, "session stopped")
			return ctx.Err()
		case <-m.fatal:
			m.transition(StateFatal, headful, "failure threshold reached")
			return ErrFailureThreshold
		default:
		}

		if m.cfg.Enabled != nil && !m.cfg.Enabled() {
			m.transition(StateRecovering, headful, "tenant disabled, holding")
			if !m.pause(ctx, disabledPollInterval) {
				continue
			}
			continue
		}

		switch m.runOnce(ctx, headful) {
		case outcomeTerminated:
			m.transition(StateTerminated, headful, "session stopped")
			return ctx.Err()
		case outcomeFatal:
			m.transition(StateFatal, headful, "failure threshold reached")
			return ErrFailureThreshold
		case outcomeBlocked:
			// Anti-bot or lost identity: come back with a visible
			// browser so the operator can intervene.
			headful = true
			telemetry.Inc(telemetry.BlockedSessions)
			telemetry.Inc(telemetry.SessionRestarts)
			if !m.pause(ctx, m.cfg.Recovery.RestartDelay()) {
				continue
			}
		case outcomeRelaunchHeadless:
			headful = false
			telemetry.Inc(telemetry.SessionRestarts)
		case outcomeRecover:
			if m.bumpRecovers() >= recoverHeadfulAfter && !headful {
				headful = true
				logging.Session("tenant %s: repeated failures, switching to supervised mode", m.cfg.TenantID)
			}
			m.transition(StateRecovering, headful, "restarting session")
			telemetry.Inc(telemetry.SessionRestarts)
			if !m.pause(ctx, m.cfg.Recovery.RestartDelay()) {
				continue
			}
		}
	}
}

// runOnce owns exactly one browser lifetime.
func (m *Machine) runOnce(ctx context.Context, headful bool) outcome {
	m.mu.Lock()
	m.sessionID = uuid.NewString()
	m.mu.Unlock()
	m.transition(StateLaunching, headful, "launching browser")

	controlURL, err := m.launch(headful)
	if err != nil {
		logging.SessionError("tenant %s: launch: %v", m.cfg.TenantID, err)
		return outcomeRecover
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		logging.SessionError("tenant %s: connect: %v", m.cfg.TenantID, err)
		return outcomeRecover
	}
	defer func() { _ = browser.Close() }()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		logging.SessionError("tenant %s: create page: %v", m.cfg.TenantID, err)
		return outcomeRecover
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.Browser.GetViewportWidth(),
		Height:            m.cfg.Browser.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.SessionDebug("tenant %s: set viewport: %v", m.cfg.TenantID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	authed := make(chan string, 1)
	blockedCh := make(chan NavVerdict, 1)

	// Subscribe before navigating so the Authenticate frame on the
	// app's own websocket cannot slip past the tap.
	wait := page.Context(runCtx).EachEvent(
		func(ev *proto.NetworkWebSocketFrameSent) {
			if token, ok := platform.ParseAuthToken([]byte(ev.Response.PayloadData)); ok {
				select {
				case authed <- token:
				default:
				}
			}
		},
		func(ev *proto.NetworkWebSocketFrameReceived) {
			decoded, err := platform.DecodeFrame([]byte(ev.Response.PayloadData))
			if err != nil {
				telemetry.Inc(telemetry.FramesDropped)
				return
			}
			m.cfg.Sink.HandleEvent(decoded)
		},
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame.ParentID != "" || ev.Frame.URL == "about:blank" {
				return
			}
			verdict := ClassifyNavigation(ev.Frame.URL, m.cfg.Platform.LoginPath,
				pageText(page), m.cfg.Platform.BlockedMarkers)
			if verdict == NavOK {
				return
			}
			select {
			case blockedCh <- verdict:
			default:
			}
		},
	)
	go wait()

	m.transition(StateAuthenticating, headful, "waiting for platform auth")
	if err := page.Timeout(m.cfg.Browser.NavigationTimeout()).Navigate(m.cfg.Platform.AppURL); err != nil {
		logging.SessionError("tenant %s: navigate %s: %v", m.cfg.TenantID, m.cfg.Platform.AppURL, err)
		return outcomeRecover
	}
	if headful {
		m.showBanner(page)
	}

	var cooldown <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return outcomeTerminated
		case <-m.fatal:
			return outcomeFatal
		case token := <-authed:
			m.cfg.Credential(token)
			m.transition(StateActive, headful, "authenticated")
			if headful {
				// Let the refreshed identity settle before going
				// back to headless.
				cooldown = time.After(m.cfg.Recovery.AuthCooldown())
			}
		case verdict := <-blockedCh:
			reason := "login redirect detected"
			if verdict == NavBlocked {
				reason = "connection blocked by platform"
			}
			m.transition(StateBlocked, headful, reason)
			m.quarantine(page)
			return outcomeBlocked
		case <-cooldown:
			logging.Session("tenant %s: auth settled, relaunching headless", m.cfg.TenantID)
			return outcomeRelaunchHeadless
		}
	}
}

// launch starts chromium with the tenant's persistent profile and
// anti-automation flags, returning the DevTools control URL.
func (m *Machine) launch(headful bool) (string, error) {
	l := launcher.New().
		Headless(!headful).
		UserDataDir(m.cfg.UserDataDir).
		Set("disable-blink-features", "AutomationControlled").
		Set("no-first-run").
		Set("no-default-browser-check").
		Delete(flags.Flag("enable-automation"))
	if m.cfg.Browser.Bin != "" {
		l = l.Bin(m.cfg.Browser.Bin)
	}
	for _, rawFlag := range m.cfg.Browser.Launch {
		flagStr := strings.TrimLeft(rawFlag, "-")
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l.Launch()
}

// quarantine strips the rejected identity before the headful retry.
func (m *Machine) quarantine(page *rod.Page) {
	if err := (proto.NetworkClearBrowserCookies{}).Call(page); err != nil {
		logging.SessionDebug("tenant %s: clear cookies: %v", m.cfg.TenantID, err)
	}
	_ = page.Timeout(5 * time.Second).Navigate("about:blank")
}

const bannerJS = `(tenant) => {
	const el = document.createElement('div');
	el.textContent = 'relay operator session - logging in account: ' + tenant;
	el.style.cssText = 'position:fixed;top:0;left:0;right:0;z-index:2147483647;' +
		'background:#b03030;color:#fff;font:14px sans-serif;padding:6px;text-align:center;';
	const attach = () => document.body && document.body.appendChild(el);
	if (document.body) { attach(); } else { window.addEventListener('DOMContentLoaded', attach); }
	return true;
}`

// showBanner tells the operator which account a visible browser is
// logging in.
func (m *Machine) showBanner(page *rod.Page) {
	if _, err := page.Timeout(5 * time.Second).Eval(bannerJS, m.cfg.TenantID); err != nil {
		logging.SessionDebug("tenant %s: banner: %v", m.cfg.TenantID, err)
	}
}

// pageText returns the rendered text of the page, or "" when the page
// cannot be read in time.
func pageText(page *rod.Page) string {
	res, err := page.Timeout(3 * time.Second).Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// pause sleeps for d unless the context ends first.
func (m *Machine) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (m *Machine) bumpRecovers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovers++
	return m.recovers
}

// transition records a state change in the log and the registry.
func (m *Machine) transition(next State, headful bool, reason string) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	sessionID := m.sessionID
	if next == StateActive {
		m.recovers = 0
	}
	m.mu.Unlock()

	if prev == next && next != StateRecovering {
		return
	}
	logging.Session("tenant %s: %s -> %s (%s)", m.cfg.TenantID, prev, next, reason)

	m.cfg.Registry.Update(m.cfg.TenantID, func(s *registry.Status) {
		s.State = string(next)
		s.Headless = !headful
		s.SessionID = sessionID
		s.Failures = m.failures.Count()
		s.Running = next == StateActive
	})
	kind := registry.KindStatus
	if next == StateFatal {
		kind = registry.KindFatal
	}
	m.cfg.Registry.Publish(m.cfg.TenantID, kind, string(next)+": "+reason)
}
