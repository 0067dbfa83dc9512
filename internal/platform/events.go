// Package platform models the chat platform's event stream: raw
// intercepted frames decoded into typed domain events, plus the
// in-memory snapshot of everything a tenant can see.
package platform

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a decoded platform event.
type EventType string

const (
	EventReady            EventType = "Ready"
	EventMessage          EventType = "Message"
	EventChannelCreate    EventType = "ChannelCreate"
	EventServerUpdate     EventType = "ServerUpdate"
	EventServerCreate     EventType = "ServerCreate"
	EventServerMemberLeave EventType = "ServerMemberLeave"

	// Synthetic kinds produced by the session layer, never decoded
	// from the wire.
	EventDebug EventType = "Debug"
	EventError EventType = "Error"
)

// User is a platform account. The bot's own account carries
// relationship "User".
type User struct {
	ID           string `json:"_id"`
	Username     string `json:"username"`
	Relationship string `json:"relationship"`
}

// Category groups channels under a server. Categories arrive
// asynchronously via ServerUpdate, not with the channel itself.
type Category struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Channels []string `json:"channels"`
}

// Server is a guild-like container of channels.
type Server struct {
	ID         string     `json:"_id"`
	Name       string     `json:"name"`
	Categories []Category `json:"categories"`
}

// Channel is a text channel. ChannelType "DirectMessage" marks DMs.
type Channel struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	Server      string `json:"server"`
	ChannelType string `json:"channel_type"`
}

// Emoji is a custom server emoji.
type Emoji struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// Ready is the initial state dump after authentication.
type Ready struct {
	Users    []User    `json:"users"`
	Servers  []Server  `json:"servers"`
	Channels []Channel `json:"channels"`
	Emojis   []Emoji   `json:"emojis"`
}

// SelfUser returns the bot's own profile from the Ready payload.
func (r *Ready) SelfUser() (User, bool) {
	for _, u := range r.Users {
		if u.Relationship == "User" {
			return u, true
		}
	}
	return User{}, false
}

// Message is an inbound chat message.
type Message struct {
	ID      string `json:"_id"`
	Channel string `json:"channel"`
	Author  string `json:"author"`
	Content string `json:"content"`
}

// ServerUpdate carries partial server mutations; only category changes
// matter to the relay.
type ServerUpdate struct {
	ID   string `json:"id"`
	Data struct {
		Categories []Category `json:"categories"`
	} `json:"data"`
}

// ServerCreate announces a newly joined server with its channels.
type ServerCreate struct {
	ID       string    `json:"id"`
	Server   Server    `json:"server"`
	Channels []Channel `json:"channels"`
	Emojis   []Emoji   `json:"emojis"`
}

// ServerMemberLeave announces a member leaving a server.
type ServerMemberLeave struct {
	ID   string `json:"id"`   // server id
	User string `json:"user"` // leaving user id
}

// Event is one decoded platform event. Exactly one payload field is
// set, matching Type.
type Event struct {
	Type EventType
	Raw  json.RawMessage

	Ready             *Ready
	Message           *Message
	ChannelCreate     *Channel
	ServerUpdate      *ServerUpdate
	ServerCreate      *ServerCreate
	ServerMemberLeave *ServerMemberLeave

	// Diagnostic text for Debug/Error events.
	Text string
}

// DebugEvent builds a synthetic Debug event.
func DebugEvent(text string) *Event {
	return &Event{Type: EventDebug, Text: text}
}

// ErrorEvent builds a synthetic Error event.
func ErrorEvent(text string) *Event {
	return &Event{Type: EventError, Text: text}
}

type frameHead struct {
	Type string `json:"type"`
}

// ErrUnknownFrame marks frames whose type the relay does not handle.
// Callers drop these silently; the stream carries many control frames.
var ErrUnknownFrame = fmt.Errorf("unknown frame type")

// DecodeFrame decodes one inbound websocket frame into an Event.
// Malformed JSON and unhandled frame types return an error; the caller
// is expected to discard them without logging noise.
func DecodeFrame(data []byte) (*Event, error) {
	var head frameHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame head: %w", err)
	}

	ev := &Event{Type: EventType(head.Type), Raw: data}
	switch ev.Type {
	case EventReady:
		ev.Ready = &Ready{}
		if err := json.Unmarshal(data, ev.Ready); err != nil {
			return nil, fmt.Errorf("decode Ready: %w", err)
		}
	case EventMessage:
		ev.Message = &Message{}
		if err := json.Unmarshal(data, ev.Message); err != nil {
			return nil, fmt.Errorf("decode Message: %w", err)
		}
	case EventChannelCreate:
		ev.ChannelCreate = &Channel{}
		if err := json.Unmarshal(data, ev.ChannelCreate); err != nil {
			return nil, fmt.Errorf("decode ChannelCreate: %w", err)
		}
	case EventServerUpdate:
		ev.ServerUpdate = &ServerUpdate{}
		if err := json.Unmarshal(data, ev.ServerUpdate); err != nil {
			return nil, fmt.Errorf("decode ServerUpdate: %w", err)
		}
	case EventServerCreate:
		ev.ServerCreate = &ServerCreate{}
		if err := json.Unmarshal(data, ev.ServerCreate); err != nil {
			return nil, fmt.Errorf("decode ServerCreate: %w", err)
		}
	case EventServerMemberLeave:
		ev.ServerMemberLeave = &ServerMemberLeave{}
		if err := json.Unmarshal(data, ev.ServerMemberLeave); err != nil {
			return nil, fmt.Errorf("decode ServerMemberLeave: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
	}
	return ev, nil
}

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// ParseAuthToken extracts the session token from an outbound
// Authenticate frame. Returns false for anything else.
func ParseAuthToken(data []byte) (string, bool) {
	var f authFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", false
	}
	if f.Type != "Authenticate" || f.Token == "" {
		return "", false
	}
	return f.Token, true
}
