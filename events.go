package scriptrt

import (
	"encoding/json"
	"strings"
)

// Event is the unit of dispatch: a tagged value over a small fixed
// alphabet (Discord gateway events plus the runtime's internal events).
// Every event carries a titled display name, a machine name, a source tag
// and an optional author id.
type Event struct {
	Source     string // "Discord" or an internal/custom namespace
	Name       string // machine name, e.g. "MESSAGE_CREATE", "KeyExpiry"
	TitledName string // display name, e.g. "Message Create"
	AuthorID   string // optional; user id that caused the event
	Data       any    // structured payload, JSON-serializable
}

// Internal event names.
const (
	EventOnStartup              = "OnStartup"
	EventKeyExpiry              = "KeyExpiry"
	EventKeyResume              = "KeyResume"
	EventGetSettings            = "GetSettings"
	EventTemplateSettingExecute = "TemplateSettingExecute"
	EventError                  = "Error"
)

// SourceDiscord and SourceInternal tag where an event originated.
const (
	SourceDiscord  = "Discord"
	SourceInternal = "Internal"
	SourceCustom   = "Custom"
)

// explicitOnlyEvents are event names that require explicit subscription:
// a script with an empty events list does not receive them. These are
// high-volume or sensitive and must be opted into.
var explicitOnlyEvents = map[string]bool{
	"MESSAGE_CREATE": true,
	"COMMAND_CHECK":  true,
	EventOnStartup:   true,
}

// internalOnlyEvents are never re-dispatched to scripts: they are either
// the system's own bookkeeping traffic or high-volume gateway noise.
var internalOnlyEvents = map[string]bool{
	"CACHE_READY":         true,
	"RATELIMIT":           true,
	"GUILD_CREATE":        true,
	"GUILD_MEMBERS_CHUNK": true,
	"TYPING_START":        true,
}

// auditEvents bypass the self-origin suppression check: the bot's own
// actions still show up in the audit log and scripts may want them.
var auditEvents = map[string]bool{
	"GUILD_AUDIT_LOG_ENTRY_CREATE": true,
}

// ExplicitSubscriptionOnly reports whether the named event requires an
// explicit entry in a script's events list.
func ExplicitSubscriptionOnly(name string) bool {
	return explicitOnlyEvents[name]
}

// titleCase turns "MESSAGE_CREATE" into "Message Create" and "KeyExpiry"
// into "Key Expiry".
func titleCase(name string) string {
	if strings.Contains(name, "_") {
		parts := strings.Split(strings.ToLower(name), "_")
		for i, p := range parts {
			if p != "" {
				parts[i] = strings.ToUpper(p[:1]) + p[1:]
			}
		}
		return strings.Join(parts, " ")
	}
	// CamelCase internal names: insert spaces before upper-case runs.
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NewDiscordEvent builds an event from a decoded gateway payload. name is
// the UPPER_SNAKE gateway event name; authorID may be empty.
func NewDiscordEvent(name string, data any, authorID string) *Event {
	return &Event{
		Source:     SourceDiscord,
		Name:       name,
		TitledName: titleCase(name),
		AuthorID:   authorID,
		Data:       data,
	}
}

// NewCustomEvent builds a caller-defined event in its own namespace.
func NewCustomEvent(title, name string, data any) *Event {
	return &Event{Source: SourceCustom, Name: name, TitledName: title, Data: data}
}

func newInternalEvent(name string, data any, authorID string) *Event {
	return &Event{
		Source:     SourceInternal,
		Name:       name,
		TitledName: titleCase(name),
		AuthorID:   authorID,
		Data:       data,
	}
}

// KeyExpiryData is the payload of KeyExpiry and KeyResume events.
type KeyExpiryData struct {
	ID     string   `json:"id"`
	Key    string   `json:"key"`
	Scopes []string `json:"scopes"`
}

// NewKeyExpiryEvent is emitted when a KV record's expires_at is due.
func NewKeyExpiryEvent(id, key string, scopes []string) *Event {
	return newInternalEvent(EventKeyExpiry, KeyExpiryData{ID: id, Key: key, Scopes: scopes}, "")
}

// NewKeyResumeEvent is emitted for resumable KV records on worker startup
// and after a tenant's cache is rebuilt.
func NewKeyResumeEvent(id, key string, scopes []string) *Event {
	return newInternalEvent(EventKeyResume, KeyExpiryData{ID: id, Key: key, Scopes: scopes}, "")
}

// StartupData is the payload of OnStartup events.
type StartupData struct {
	Reason string `json:"reason"`
}

// NewStartupEvent is dispatched to explicitly subscribed scripts when a
// worker starts or a tenant's template cache is rebuilt.
func NewStartupEvent(reason string) *Event {
	return newInternalEvent(EventOnStartup, StartupData{Reason: reason}, "")
}

// ErrorData is the payload of the synthetic Error event dispatched back
// into a script that raised an uncaught error and has no error channel.
type ErrorData struct {
	Script string `json:"script"`
	Error  string `json:"error"`
	Event  string `json:"event"`
}

func newErrorEvent(script, message, causeEvent string) *Event {
	return newInternalEvent(EventError, ErrorData{Script: script, Error: message, Event: causeEvent}, "")
}

// encodedSize returns the serialized size of the event payload, used for
// payload validation at the dispatch boundary.
func (e *Event) encodedSize() (int, error) {
	if e.Data == nil {
		return 0, nil
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}
