package scriptrt

import (
	"slices"
	"sort"
)

// CapReserved is the one capability the wildcard never grants. Guild-wide
// lockdowns are destructive enough that a script must name the capability
// literally to get it.
const CapReserved = "lockdowns:start"

// CapWildcard grants every capability except CapReserved.
const CapWildcard = "*"

// CapabilitySet is a script's declared capability strings, kept as a
// small sorted slice with linear scan. The set is typically well under
// sixteen entries and lookup cost is dominated by the surrounding
// dispatch work.
type CapabilitySet []string

// NewCapabilitySet normalizes caps into a sorted, deduplicated set.
func NewCapabilitySet(caps []string) CapabilitySet {
	out := slices.Clone(caps)
	sort.Strings(out)
	return slices.Compact(out)
}

// Has reports whether cap is granted by the set. The wildcard entry
// grants everything except CapReserved, which must appear literally.
func (s CapabilitySet) Has(cap string) bool {
	if cap != CapReserved && slices.Contains(s, CapWildcard) {
		return true
	}
	return slices.Contains(s, cap)
}

// check returns a typed error when cap is absent.
func (s CapabilitySet) check(cap string) error {
	if !s.Has(cap) {
		return errCapabilityDenied(cap)
	}
	return nil
}
