// Package rules implements the layered trigger-matching logic: per-server
// commands, instant-response tables, and the category/keyword gate used
// for newly created channels. Rules are strict-priority, first match wins.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"chatrelay/internal/logging"
	"chatrelay/internal/store"
)

// Reply modes for the channel-gate static response.
const (
	ModePredefined   = "PREDEFINED"     // respond with the configured text
	ModeParsedNumber = "PARSED_NUMBER"  // respond with the first digit run of the channel name
)

// MatchRule names which layer produced a reply.
type MatchRule string

const (
	RuleServerCommand   MatchRule = "server_command"
	RuleInstantResponse MatchRule = "instant_response"
	RuleKeyword         MatchRule = "keyword"
	RuleCategory        MatchRule = "category"
)

// InstantResponse replies to a message containing a configured substring.
type InstantResponse struct {
	Message           string `json:"message"`             // substring to match in the message content
	RespondWith       string `json:"respond_with"`        // reply text
	CaseSensitive     bool   `json:"case_sensitive"`      // default: insensitive
	DeriveFromChannel bool   `json:"derive_from_channel"` // reply with the channel name's first digit run instead
}

// ServerCommand replies to a message containing an exact command string.
type ServerCommand struct {
	Command          string `json:"command"`
	ResponseTemplate string `json:"response_template"`
}

// Keywords is a keyword list with its case-sensitivity scope.
type Keywords struct {
	Keywords      []string `json:"keywords"`
	CaseSensitive bool     `json:"case_sensitive"`
}

// Match reports whether the channel name contains any keyword.
func (k Keywords) Match(channelName string) bool {
	name := channelName
	if !k.CaseSensitive {
		name = strings.ToLower(name)
	}
	for _, kw := range k.Keywords {
		if !k.CaseSensitive {
			kw = strings.ToLower(kw)
		}
		if kw != "" && strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// responsesDoc is the persisted shape of the replies/keywords document.
type responsesDoc struct {
	Replies        map[string]string   `json:"replies"`         // serverID -> static reply
	GlobalKeywords Keywords            `json:"global_keywords"`
	ServerKeywords map[string]Keywords `json:"server_keywords"` // serverID -> keywords
}

// instantDoc is the persisted shape of the instant-response tables.
type instantDoc struct {
	Default map[string]InstantResponse            `json:"default"` // trigger id -> entry
	Servers map[string]map[string]InstantResponse `json:"servers"` // serverID -> trigger id -> entry
}

// Set is one tenant's complete, validated rule set.
type Set struct {
	tenantID string
	store    store.Store

	// ServerFirst flips the keyword check order (default global-first).
	ServerFirst bool

	replies        map[string]string
	globalKeywords Keywords
	serverKeywords map[string]Keywords
	categoryAllow  map[string]bool
	responseTypes  map[string]string
	instantDefault map[string]InstantResponse
	instantServers map[string]map[string]InstantResponse
	commands       map[string]ServerCommand
}

// Load reads and validates every rule document for a tenant.
func Load(s store.Store, tenantID string) (*Set, error) {
	set := &Set{
		tenantID:       tenantID,
		store:          s,
		replies:        map[string]string{},
		serverKeywords: map[string]Keywords{},
		categoryAllow:  map[string]bool{},
		responseTypes:  map[string]string{},
		instantDefault: map[string]InstantResponse{},
		instantServers: map[string]map[string]InstantResponse{},
		commands:       map[string]ServerCommand{},
	}

	var rd responsesDoc
	if err := loadDoc(s, tenantID, store.KeyResponses, &rd); err != nil {
		return nil, err
	}
	if rd.Replies != nil {
		set.replies = rd.Replies
	}
	set.globalKeywords = rd.GlobalKeywords
	if rd.ServerKeywords != nil {
		set.serverKeywords = rd.ServerKeywords
	}

	var allow []string
	if err := loadDoc(s, tenantID, store.KeyCategoryAllow, &allow); err != nil {
		return nil, err
	}
	for _, id := range allow {
		set.categoryAllow[id] = true
	}

	if err := loadDoc(s, tenantID, store.KeyResponseType, &set.responseTypes); err != nil {
		return nil, err
	}
	for sid, mode := range set.responseTypes {
		if mode != ModePredefined && mode != ModeParsedNumber {
			return nil, fmt.Errorf("tenant %s: server %s: invalid response type %q", tenantID, sid, mode)
		}
	}

	var id instantDoc
	if err := loadDoc(s, tenantID, store.KeyInstantResponses, &id); err != nil {
		return nil, err
	}
	if id.Default != nil {
		set.instantDefault = id.Default
	}
	if id.Servers != nil {
		set.instantServers = id.Servers
	}
	if err := set.validateInstant(); err != nil {
		return nil, err
	}

	if err := loadDoc(s, tenantID, store.KeyServerCommands, &set.commands); err != nil {
		return nil, err
	}
	for sid, cmd := range set.commands {
		if cmd.Command == "" || cmd.ResponseTemplate == "" {
			return nil, fmt.Errorf("tenant %s: server %s: command and response_template are required", tenantID, sid)
		}
	}

	logging.Rules("tenant %s: loaded %d replies, %d categories, %d instant tables, %d commands",
		tenantID, len(set.replies), len(set.categoryAllow), len(set.instantServers), len(set.commands))
	return set, nil
}

func loadDoc(s store.Store, tenantID, key string, v interface{}) error {
	data, err := s.Load(tenantID, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("tenant %s: parse %s: %w", tenantID, key, err)
	}
	return nil
}

func (r *Set) validateInstant() error {
	check := func(scope string, table map[string]InstantResponse) error {
		for trigger, entry := range table {
			if entry.Message == "" {
				return fmt.Errorf("tenant %s: instant response %s/%s: message is required", r.tenantID, scope, trigger)
			}
			if entry.RespondWith == "" && !entry.DeriveFromChannel {
				return fmt.Errorf("tenant %s: instant response %s/%s: respond_with or derive_from_channel is required", r.tenantID, scope, trigger)
			}
		}
		return nil
	}
	if err := check("default", r.instantDefault); err != nil {
		return err
	}
	for sid, table := range r.instantServers {
		if err := check(sid, table); err != nil {
			return err
		}
	}
	return nil
}

var digitRun = regexp.MustCompile(`\d+`)

// ExtractNumber returns the first run of digits in s.
func ExtractNumber(s string) (string, bool) {
	m := digitRun.FindString(s)
	return m, m != ""
}

// Reply is a resolved rule match.
type Reply struct {
	Text string
	Rule MatchRule
}

// EvaluateMessage runs the message-path rules in priority order: the
// per-server command first, then the instant-response table. The gate
// layer never applies to messages.
func (r *Set) EvaluateMessage(serverID, channelName, content string) (Reply, bool) {
	if cmd, ok := r.commands[serverID]; ok && strings.Contains(content, cmd.Command) {
		return Reply{Text: cmd.ResponseTemplate, Rule: RuleServerCommand}, true
	}

	table, ok := r.instantServers[serverID]
	if !ok || len(table) == 0 {
		table = r.instantDefault
	}
	triggers := make([]string, 0, len(table))
	for trigger := range table {
		triggers = append(triggers, trigger)
	}
	sort.Strings(triggers) // deterministic first-match across the table
	for _, trigger := range triggers {
		entry := table[trigger]
		var matched bool
		if entry.CaseSensitive {
			matched = strings.Contains(content, entry.Message)
		} else {
			matched = strings.Contains(strings.ToLower(content), strings.ToLower(entry.Message))
		}
		if !matched {
			continue
		}
		text := entry.RespondWith
		if entry.DeriveFromChannel {
			num, ok := ExtractNumber(channelName)
			if !ok {
				return Reply{}, false // no digits, nothing to derive
			}
			text = num
		}
		return Reply{Text: text, Rule: RuleInstantResponse}, true
	}
	return Reply{}, false
}

// ChannelEligible decides whether a channel may trigger the gate layer:
// keyword match on the channel name, or resolved category in the
// allowlist. categoryID may be empty when metadata has not arrived.
func (r *Set) ChannelEligible(categoryID, channelName, serverID string) (MatchRule, bool) {
	first, second := r.globalKeywords, r.serverKeywords[serverID]
	if r.ServerFirst {
		first, second = second, first
	}
	if first.Match(channelName) || second.Match(channelName) {
		return RuleKeyword, true
	}
	if categoryID != "" && r.categoryAllow[categoryID] {
		return RuleCategory, true
	}
	return "", false
}

// GateReply resolves the reply text for an eligible channel: the
// server's static reply, or the channel name's digit run when the
// server's mode is parsed-number. Returns false when nothing resolves.
func (r *Set) GateReply(serverID, channelName string) (string, bool) {
	text := r.replies[serverID]
	if text == "" {
		return "", false
	}
	if r.responseTypes[serverID] == ModeParsedNumber {
		num, ok := ExtractNumber(channelName)
		if !ok {
			return "", false
		}
		return num, true
	}
	return text, true
}

// Mutations. Each persists its document synchronously, per the
// management-surface contract.

// SetServerReply sets a server's static reply text.
func (r *Set) SetServerReply(serverID, text string) error {
	r.replies[serverID] = text
	return r.saveResponses()
}

// SetGlobalKeywords replaces the global keyword list.
func (r *Set) SetGlobalKeywords(k Keywords) error {
	r.globalKeywords = k
	return r.saveResponses()
}

// SetServerKeywords replaces a server's keyword list.
func (r *Set) SetServerKeywords(serverID string, k Keywords) error {
	r.serverKeywords[serverID] = k
	return r.saveResponses()
}

// AllowCategory adds a category id to the allowlist.
func (r *Set) AllowCategory(categoryID string) error {
	r.categoryAllow[categoryID] = true
	return r.saveCategories()
}

// DenyCategory removes a category id from the allowlist.
func (r *Set) DenyCategory(categoryID string) error {
	delete(r.categoryAllow, categoryID)
	return r.saveCategories()
}

// SetResponseType sets a server's gate reply mode.
func (r *Set) SetResponseType(serverID, mode string) error {
	if mode != ModePredefined && mode != ModeParsedNumber {
		return fmt.Errorf("invalid response type %q", mode)
	}
	r.responseTypes[serverID] = mode
	data, err := json.Marshal(r.responseTypes)
	if err != nil {
		return err
	}
	return r.store.Save(r.tenantID, store.KeyResponseType, data)
}

// PutInstantResponse adds or replaces an instant-response entry.
// serverID "" targets the tenant-wide default table.
func (r *Set) PutInstantResponse(serverID, trigger string, entry InstantResponse) error {
	if entry.Message == "" {
		return fmt.Errorf("instant response message is required")
	}
	if entry.RespondWith == "" && !entry.DeriveFromChannel {
		return fmt.Errorf("instant response needs respond_with or derive_from_channel")
	}
	if serverID == "" {
		r.instantDefault[trigger] = entry
	} else {
		if r.instantServers[serverID] == nil {
			r.instantServers[serverID] = map[string]InstantResponse{}
		}
		r.instantServers[serverID][trigger] = entry
	}
	data, err := json.Marshal(instantDoc{Default: r.instantDefault, Servers: r.instantServers})
	if err != nil {
		return err
	}
	return r.store.Save(r.tenantID, store.KeyInstantResponses, data)
}

// SetServerCommand sets a server's command rule.
func (r *Set) SetServerCommand(serverID string, cmd ServerCommand) error {
	if cmd.Command == "" || cmd.ResponseTemplate == "" {
		return fmt.Errorf("command and response_template are required")
	}
	r.commands[serverID] = cmd
	data, err := json.Marshal(r.commands)
	if err != nil {
		return err
	}
	return r.store.Save(r.tenantID, store.KeyServerCommands, data)
}

func (r *Set) saveResponses() error {
	data, err := json.Marshal(responsesDoc{
		Replies:        r.replies,
		GlobalKeywords: r.globalKeywords,
		ServerKeywords: r.serverKeywords,
	})
	if err != nil {
		return err
	}
	return r.store.Save(r.tenantID, store.KeyResponses, data)
}

func (r *Set) saveCategories() error {
	allow := make([]string, 0, len(r.categoryAllow))
	for id := range r.categoryAllow {
		allow = append(allow, id)
	}
	data, err := json.Marshal(allow)
	if err != nil {
		return err
	}
	return r.store.Save(r.tenantID, store.KeyCategoryAllow, data)
}
