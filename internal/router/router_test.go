package router

import (
	"path/filepath"
	"testing"

	"chatrelay/internal/dedup"
	"chatrelay/internal/platform"
	"chatrelay/internal/registry"
	"chatrelay/internal/rules"
	"chatrelay/internal/store"
)

type fakeSender struct {
	sends []struct{ channel, content string }
}

func (f *fakeSender) Send(channelID, content string) string {
	f.sends = append(f.sends, struct{ channel, content string }{channelID, content})
	return "01NONCE"
}

type fixture struct {
	router *Router
	rules  *rules.Set
	sender *fakeSender
	store  *store.DocumentStore
	faults []string
}

func newFixture(t *testing.T, enabled func() bool) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "documents.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	rs, err := rules.Load(s, "server-alpha")
	if err != nil {
		t.Fatal(err)
	}
	dc, err := dedup.Load(s, "server-alpha")
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{rules: rs, sender: &fakeSender{}, store: s}
	f.router = New(Config{
		TenantID: "server-alpha",
		Rules:    rs,
		Dedup:    dc,
		Sender:   f.sender,
		Registry: registry.New(),
		Store:    s,
		Enabled:  enabled,
		OnFault: func(kind platform.EventType, text string) {
			f.faults = append(f.faults, text)
		},
	})
	return f
}

func readyEvent() *platform.Event {
	return &platform.Event{
		Type: platform.EventReady,
		Ready: &platform.Ready{
			Users: []platform.User{{ID: "u_self", Username: "claimer", Relationship: "User"}},
			Servers: []platform.Server{{
				ID:         "s1",
				Categories: []platform.Category{{ID: "cat_main", Channels: []string{"c1"}}},
			}},
			Channels: []platform.Channel{
				{ID: "c1", Name: "general", Server: "s1"},
				{ID: "c_dm", Name: "dm", ChannelType: "DirectMessage"},
			},
		},
	}
}

func messageEvent(channel, content string) *platform.Event {
	return &platform.Event{
		Type:    platform.EventMessage,
		Message: &platform.Message{ID: "m1", Channel: channel, Content: content},
	}
}

func channelCreateEvent(id, name, server string) *platform.Event {
	return &platform.Event{
		Type:          platform.EventChannelCreate,
		ChannelCreate: &platform.Channel{ID: id, Name: name, Server: server},
	}
}

func serverUpdateEvent(serverID string, cats ...platform.Category) *platform.Event {
	up := &platform.ServerUpdate{ID: serverID}
	up.Data.Categories = cats
	return &platform.Event{Type: platform.EventServerUpdate, ServerUpdate: up}
}

func TestReadyPersistsProfile(t *testing.T) {
	f := newFixture(t, nil)
	f.router.HandleEvent(readyEvent())

	if !f.router.Ready() {
		t.Fatal("router should be ready")
	}
	doc, err := f.store.Load("server-alpha", store.KeyProfile)
	if err != nil {
		t.Fatal(err)
	}
	if string(doc) == "{}" {
		t.Error("profile not persisted on Ready")
	}
}

func TestMessageBeforeReadyIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.rules.SetServerCommand("s1", rules.ServerCommand{Command: "!claim", ResponseTemplate: "mine"}); err != nil {
		t.Fatal(err)
	}
	f.router.HandleEvent(messageEvent("c1", "!claim"))
	if len(f.sender.sends) != 0 {
		t.Error("events before Ready must be dropped")
	}
}

func TestMessageRouting(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.rules.SetServerCommand("s1", rules.ServerCommand{Command: "!claim", ResponseTemplate: "mine"}); err != nil {
		t.Fatal(err)
	}
	if err := f.rules.PutInstantResponse("s1", "t1", rules.InstantResponse{Message: "claim", RespondWith: "instant"}); err != nil {
		t.Fatal(err)
	}
	f.router.HandleEvent(readyEvent())

	// Matches both layers: the command wins and only one reply goes out.
	f.router.HandleEvent(messageEvent("c1", "everyone !claim fast"))
	if len(f.sender.sends) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(f.sender.sends))
	}
	if f.sender.sends[0].content != "mine" {
		t.Errorf("priority violated: %q", f.sender.sends[0].content)
	}

	// Direct messages are ignored.
	f.router.HandleEvent(messageEvent("c_dm", "!claim"))
	// Unknown channels are dropped.
	f.router.HandleEvent(messageEvent("c_unknown", "!claim"))
	if len(f.sender.sends) != 1 {
		t.Errorf("DM/unknown messages must not reply: %d sends", len(f.sender.sends))
	}
}

func TestChannelCreateKeywordPath(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.rules.SetGlobalKeywords(rules.Keywords{Keywords: []string{"drop"}}); err != nil {
		t.Fatal(err)
	}
	if err := f.rules.SetServerReply("s1", "claimed!"); err != nil {
		t.Fatal(err)
	}
	f.router.HandleEvent(readyEvent())

	f.router.HandleEvent(channelCreateEvent("c2", "DROP-42", "s1"))
	if len(f.sender.sends) != 1 || f.sender.sends[0].channel != "c2" {
		t.Fatalf("expected immediate keyword reply, got %+v", f.sender.sends)
	}

	// Same channel again: dedup record blocks a second reply.
	f.router.HandleEvent(channelCreateEvent("c2", "DROP-42", "s1"))
	if len(f.sender.sends) != 1 {
		t.Errorf("dedup violated: %d sends", len(f.sender.sends))
	}
}

func TestPendingChannelResolvedByServerUpdateExactlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.rules.AllowCategory("cat_rewards"); err != nil {
		t.Fatal(err)
	}
	if err := f.rules.SetServerReply("s1", "claimed!"); err != nil {
		t.Fatal(err)
	}
	f.router.HandleEvent(readyEvent())

	// No keyword match, category unknown: queued, no reply yet.
	f.router.HandleEvent(channelCreateEvent("c3", "quiet-room", "s1"))
	if len(f.sender.sends) != 0 {
		t.Fatalf("no reply expected before category resolves, got %+v", f.sender.sends)
	}
	if f.router.PendingCount() != 1 {
		t.Fatalf("expected 1 pending channel, got %d", f.router.PendingCount())
	}

	update := serverUpdateEvent("s1", platform.Category{ID: "cat_rewards", Channels: []string{"c3"}})
	f.router.HandleEvent(update)
	if len(f.sender.sends) != 1 || f.sender.sends[0].channel != "c3" {
		t.Fatalf("expected exactly one reply after category attach, got %+v", f.sender.sends)
	}
	if f.router.PendingCount() != 0 {
		t.Errorf("channel should leave the pending queue")
	}

	// The identical update again produces nothing.
	f.router.HandleEvent(serverUpdateEvent("s1", platform.Category{ID: "cat_rewards", Channels: []string{"c3"}}))
	if len(f.sender.sends) != 1 {
		t.Errorf("second identical update must not reply: %d sends", len(f.sender.sends))
	}
}

func TestPendingChannelIneligibleCategoryLeavesQueue(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.rules.SetServerReply("s1", "claimed!"); err != nil {
		t.Fatal(err)
	}
	f.router.HandleEvent(readyEvent())

	f.router.HandleEvent(channelCreateEvent("c4", "quiet", "s1"))
	f.router.HandleEvent(serverUpdateEvent("s1", platform.Category{ID: "cat_other", Channels: []string{"c4"}}))

	if len(f.sender.sends) != 0 {
		t.Errorf("non-allowlisted category must not reply: %+v", f.sender.sends)
	}
	if f.router.PendingCount() != 0 {
		t.Error("resolved channel leaves the queue even without a reply")
	}
}

func TestNoReplyTextMeansNoDedupMark(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.rules.SetGlobalKeywords(rules.Keywords{Keywords: []string{"drop"}}); err != nil {
		t.Fatal(err)
	}
	// Parsed-number mode with a digitless channel name: nothing resolves.
	if err := f.rules.SetServerReply("s1", "placeholder"); err != nil {
		t.Fatal(err)
	}
	if err := f.rules.SetResponseType("s1", rules.ModeParsedNumber); err != nil {
		t.Fatal(err)
	}
	f.router.HandleEvent(readyEvent())

	f.router.HandleEvent(channelCreateEvent("c5", "drop-no-digits", "s1"))
	if len(f.sender.sends) != 0 {
		t.Fatalf("digitless parsed-number channel must not reply")
	}

	// The object was not consumed: a later event may still trigger it.
	if err := f.rules.SetResponseType("s1", rules.ModePredefined); err != nil {
		t.Fatal(err)
	}
	f.router.HandleEvent(channelCreateEvent("c5", "drop-no-digits", "s1"))
	if len(f.sender.sends) != 1 {
		t.Errorf("object should remain matchable after a no-text attempt, got %d sends", len(f.sender.sends))
	}
}

func TestDisabledTenantSuppressesCreatePaths(t *testing.T) {
	enabled := false
	f := newFixture(t, func() bool { return enabled })
	if err := f.rules.SetGlobalKeywords(rules.Keywords{Keywords: []string{"drop"}}); err != nil {
		t.Fatal(err)
	}
	if err := f.rules.SetServerReply("s1", "claimed!"); err != nil {
		t.Fatal(err)
	}
	f.router.HandleEvent(readyEvent())

	f.router.HandleEvent(channelCreateEvent("c6", "drop-7", "s1"))
	if len(f.sender.sends) != 0 {
		t.Error("disabled tenant must not reply to channel creates")
	}
	if f.router.PendingCount() != 0 {
		t.Error("disabled tenant must not queue pending channels")
	}
}

func TestServerCreateAndMemberLeaveMaintainSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.rules.SetServerCommand("s2", rules.ServerCommand{Command: "!x", ResponseTemplate: "y"}); err != nil {
		t.Fatal(err)
	}
	f.router.HandleEvent(readyEvent())

	f.router.HandleEvent(&platform.Event{
		Type: platform.EventServerCreate,
		ServerCreate: &platform.ServerCreate{
			ID:       "s2",
			Server:   platform.Server{ID: "s2", Name: "joined"},
			Channels: []platform.Channel{{ID: "c20", Name: "welcome", Server: "s2"}},
		},
	})
	f.router.HandleEvent(messageEvent("c20", "!x"))
	if len(f.sender.sends) != 1 {
		t.Fatalf("message in joined server should resolve, got %d sends", len(f.sender.sends))
	}

	// The bot leaving s2 makes its channels unresolvable.
	f.router.HandleEvent(&platform.Event{
		Type:              platform.EventServerMemberLeave,
		ServerMemberLeave: &platform.ServerMemberLeave{ID: "s2", User: "u_self"},
	})
	f.router.HandleEvent(messageEvent("c20", "!x"))
	if len(f.sender.sends) != 1 {
		t.Error("message for a departed server must be dropped")
	}

	// Someone else leaving changes nothing.
	f.router.HandleEvent(&platform.Event{
		Type:              platform.EventServerMemberLeave,
		ServerMemberLeave: &platform.ServerMemberLeave{ID: "s1", User: "u_other"},
	})
	f.router.HandleEvent(messageEvent("c1", "hello"))
}

func TestDiagnosticsForwardedToFaultHandler(t *testing.T) {
	f := newFixture(t, nil)
	f.router.HandleEvent(platform.DebugEvent("Closed with reason: gateway timeout"))
	f.router.HandleEvent(platform.ErrorEvent("Closed with reason: kicked"))

	if len(f.faults) != 2 {
		t.Fatalf("expected 2 forwarded faults, got %d", len(f.faults))
	}
	if f.faults[0] != "Closed with reason: gateway timeout" {
		t.Errorf("fault text mangled: %q", f.faults[0])
	}
}
