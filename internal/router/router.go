// Package router turns decoded platform events into actions: snapshot
// maintenance, rule evaluation, and at-most-once reply dispatch.
//
// A Router is owned by exactly one session; events arrive one at a
// time in emission order. That serialization is what makes the dedup
// check-then-mark safe without locks.
package router

import (
	"encoding/json"

	"chatrelay/internal/dedup"
	"chatrelay/internal/logging"
	"chatrelay/internal/platform"
	"chatrelay/internal/registry"
	"chatrelay/internal/rules"
	"chatrelay/internal/store"
	"chatrelay/internal/telemetry"
)

// Sender dispatches one fire-and-forget reply.
type Sender interface {
	Send(channelID, content string) string
}

// Config wires a router's collaborators.
type Config struct {
	TenantID string
	Rules    *rules.Set
	Dedup    *dedup.Cache
	Sender   Sender
	Registry *registry.Registry
	Store    store.Store

	// Enabled reports the tenant on/off toggle. nil means always on.
	Enabled func() bool
	// OnFault receives Debug/Error event text for failure counting.
	OnFault func(kind platform.EventType, text string)
}

// Router routes one tenant's event stream.
type Router struct {
	cfg  Config
	snap *platform.Snapshot

	// pending holds channels seen before their category metadata.
	pending []platform.Channel

	ready bool
}

// New creates a router. The snapshot stays empty until Ready arrives.
func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Ready reports whether the initial state dump has been processed.
func (r *Router) Ready() bool {
	return r.ready
}

// PendingCount returns the number of channels awaiting category
// metadata.
func (r *Router) PendingCount() int {
	return len(r.pending)
}

func (r *Router) enabled() bool {
	return r.cfg.Enabled == nil || r.cfg.Enabled()
}

// HandleEvent processes one event. Not safe for concurrent use; the
// owning session must call it serially.
func (r *Router) HandleEvent(ev *platform.Event) {
	telemetry.Inc(telemetry.EventsRouted)

	switch ev.Type {
	case platform.EventReady:
		r.handleReady(ev.Ready)
	case platform.EventMessage:
		r.handleMessage(ev.Message)
	case platform.EventChannelCreate:
		r.handleChannelCreate(*ev.ChannelCreate)
	case platform.EventServerUpdate:
		r.handleServerUpdate(ev.ServerUpdate)
	case platform.EventServerCreate:
		r.handleServerCreate(ev.ServerCreate)
	case platform.EventServerMemberLeave:
		r.handleServerMemberLeave(ev.ServerMemberLeave)
	case platform.EventDebug, platform.EventError:
		r.handleDiagnostic(ev.Type, ev.Text)
	}
}

func (r *Router) handleReady(payload *platform.Ready) {
	r.snap = platform.NewSnapshot(payload)
	r.ready = true

	if r.snap.Self.ID != "" {
		if data, err := json.Marshal(r.snap.Self); err == nil {
			if err := r.cfg.Store.Save(r.cfg.TenantID, store.KeyProfile, data); err != nil {
				logging.RouterError("tenant %s: persist profile: %v", r.cfg.TenantID, err)
			}
		}
	}

	r.cfg.Registry.Update(r.cfg.TenantID, func(s *registry.Status) {
		s.Username = r.snap.Self.Username
		s.Running = true
	})
	r.cfg.Registry.Publish(r.cfg.TenantID, registry.KindDebug,
		"connected - logged in as: "+r.snap.Self.Username)
	logging.Router("tenant %s: ready, %d servers / %d channels visible",
		r.cfg.TenantID, len(r.snap.Servers), len(r.snap.Channels))
}

func (r *Router) handleMessage(msg *platform.Message) {
	if !r.ready {
		return
	}
	channel, ok := r.snap.FindChannel(msg.Channel)
	if !ok || channel.ChannelType == "DirectMessage" {
		return
	}
	server, ok := r.snap.FindServer(channel.Server)
	if !ok {
		return
	}

	reply, ok := r.cfg.Rules.EvaluateMessage(server.ID, channel.Name, msg.Content)
	if !ok {
		return
	}
	r.cfg.Sender.Send(msg.Channel, reply.Text)
	r.cfg.Registry.Publish(r.cfg.TenantID, registry.KindBot,
		"reply sent via "+string(reply.Rule))
	logging.RouterDebug("tenant %s: message %s matched %s", r.cfg.TenantID, msg.ID, reply.Rule)
}

func (r *Router) handleChannelCreate(ch platform.Channel) {
	if !r.ready {
		return
	}
	r.snap.AddChannel(ch)
	if !r.enabled() {
		return
	}

	// Category metadata has not arrived yet; only the keyword path can
	// make the channel immediately eligible.
	if _, eligible := r.cfg.Rules.ChannelEligible("", ch.Name, ch.Server); eligible {
		r.replyToChannel(ch)
		return
	}
	r.pending = append(r.pending, ch)
	logging.RouterDebug("tenant %s: channel %s pending category", r.cfg.TenantID, ch.ID)
}

func (r *Router) handleServerUpdate(up *platform.ServerUpdate) {
	if !r.ready {
		return
	}
	if len(up.Data.Categories) > 0 {
		r.snap.SetServerCategories(up.ID, up.Data.Categories)
	}
	if !r.enabled() {
		return
	}

	remaining := r.pending[:0]
	for _, ch := range r.pending {
		cat, found := platform.FindCategoryByChannel(up.Data.Categories, ch.ID)
		if !found {
			remaining = append(remaining, ch)
			continue
		}
		// Resolved: the channel leaves the queue whether or not it
		// triggers, and is evaluated at most once.
		if r.cfg.Dedup.HasResponded(ch.ID) {
			continue
		}
		if _, eligible := r.cfg.Rules.ChannelEligible(cat.ID, ch.Name, ch.Server); eligible {
			r.replyToChannel(ch)
		}
	}
	r.pending = remaining
}

// replyToChannel resolves the gate reply and dispatches it, dedup-gated.
// When no reply text resolves nothing is marked, so the channel can
// still match on a later related event.
func (r *Router) replyToChannel(ch platform.Channel) {
	if r.cfg.Dedup.HasResponded(ch.ID) {
		return
	}
	text, ok := r.cfg.Rules.GateReply(ch.Server, ch.Name)
	if !ok {
		return
	}
	if err := r.cfg.Dedup.MarkResponded(ch.ID); err != nil {
		// Without a durable mark a crash could double-send; skip.
		logging.RouterError("tenant %s: dedup mark %s: %v", r.cfg.TenantID, ch.ID, err)
		return
	}
	r.cfg.Sender.Send(ch.ID, text)
	r.cfg.Registry.Publish(r.cfg.TenantID, registry.KindBot, `sent to "`+ch.Name+`"`)
}

func (r *Router) handleServerCreate(sc *platform.ServerCreate) {
	if !r.ready {
		return
	}
	if r.snap.AddServer(sc) {
		logging.RouterDebug("tenant %s: joined server %s", r.cfg.TenantID, sc.ID)
	}
}

func (r *Router) handleServerMemberLeave(ml *platform.ServerMemberLeave) {
	if !r.ready {
		return
	}
	// Only the bot's own departure changes what it can see.
	if ml.User == r.snap.Self.ID {
		r.snap.RemoveServer(ml.ID)
	}
}

func (r *Router) handleDiagnostic(kind platform.EventType, text string) {
	feedKind := registry.KindDebug
	if kind == platform.EventError {
		feedKind = registry.KindError
	}
	r.cfg.Registry.Publish(r.cfg.TenantID, feedKind, text)
	if r.cfg.OnFault != nil {
		r.cfg.OnFault(kind, text)
	}
}
