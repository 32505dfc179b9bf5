package scriptrt

import (
	"fmt"
	"sort"
	"time"
)

// EntryPoint is the conventional root file of a script bundle. The name
// is a convention of the scripting runtime, not of this package.
const EntryPoint = "init.luau"

// maxScriptNameLen bounds script names.
const maxScriptNameLen = 64

// Bundle is a script's virtual filesystem: relative paths to blobs.
// A bundle is shared by pointer between the template cache and the
// running isolate, so a filesystem write from a script is observed on
// the next dispatch. Bundles are confined to one worker goroutine after
// load, matching the rest of the per-tenant state.
type Bundle struct {
	files map[string][]byte
}

// NewBundle copies files into a fresh bundle.
func NewBundle(files map[string][]byte) *Bundle {
	b := &Bundle{files: make(map[string][]byte, len(files))}
	for path, blob := range files {
		b.files[path] = append([]byte(nil), blob...)
	}
	return b
}

// SourceBundle wraps a single entry-point source string.
func SourceBundle(source string) *Bundle {
	return NewBundle(map[string][]byte{EntryPoint: []byte(source)})
}

// Read returns the blob at path, or a not-found error.
func (b *Bundle) Read(path string) ([]byte, error) {
	blob, ok := b.files[path]
	if !ok {
		return nil, errNotFound("bundle file " + path)
	}
	return blob, nil
}

// Write stores a blob at path, replacing any existing file.
func (b *Bundle) Write(path string, blob []byte) {
	b.files[path] = append([]byte(nil), blob...)
}

// Paths returns the sorted file paths in the bundle.
func (b *Bundle) Paths() []string {
	out := make([]string, 0, len(b.files))
	for path := range b.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of files.
func (b *Bundle) Len() int { return len(b.files) }

// Script is the unit of user code: a named bundle plus its subscription
// and capability metadata, addressable by (tenant, name).
type Script struct {
	Name   string
	Tenant TenantID

	// Bundle is the script's virtual filesystem, rooted at EntryPoint.
	Bundle *Bundle

	// Events is the ordered list of event names the script subscribes
	// to. Empty means all normal events; see ExplicitSubscriptionOnly.
	Events []string

	AllowedCaps CapabilitySet
	Paused      bool

	// ErrorChannel is an opaque channel id for error reporting; empty
	// means the script self-handles errors via the synthetic Error event.
	ErrorChannel string

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
	UpdatedBy string

	// ShopOwner and ShopName are set when the script is a reference to a
	// published shop entry, resolved to the real bundle at load.
	ShopOwner uint64
	ShopName  string
}

// SubscribesTo reports whether the script should receive the named
// event. Paused scripts never match. An empty events list matches every
// event except the explicit-subscription-only set.
func (s *Script) SubscribesTo(event string) bool {
	if s.Paused {
		return false
	}
	if len(s.Events) == 0 {
		return !ExplicitSubscriptionOnly(event)
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// ValidateScriptName enforces the naming rules: ASCII, no whitespace or
// control characters, at most 64 bytes, non-empty.
func ValidateScriptName(name string) error {
	if name == "" {
		return errInvalidInput("name", "must not be empty")
	}
	if len(name) > maxScriptNameLen {
		return errInvalidInput("name", fmt.Sprintf("longer than %d bytes", maxScriptNameLen))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c > 0x7e || c <= 0x20 {
			return errInvalidInput("name", fmt.Sprintf("byte %d is not printable ASCII", i))
		}
	}
	return nil
}
