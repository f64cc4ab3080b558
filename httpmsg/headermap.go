package httpmsg

import "strings"

// HeaderMap is a case-insensitive multimap of header names to an ordered,
// de-duplicated set of values. Insertion order of names is preserved so
// Emit reproduces the order headers were first seen (or added).
type HeaderMap struct {
	order  []string            // canonical-cased names, first-seen order
	lookup map[string]string   // lower(name) -> canonical name stored in order
	values map[string][]string // lower(name) -> ordered, de-duplicated values
}

// NewHeaderMap returns an empty HeaderMap ready to use.
func NewHeaderMap() *HeaderMap {
	return &HeaderMap{
		lookup: make(map[string]string),
		values: make(map[string][]string),
	}
}

func key(name string) string {
	return strings.ToLower(name)
}

// Add appends value to name's value set, preserving the first-seen casing
// of name and skipping the value if it is already present.
func (h *HeaderMap) Add(name, value string) {
	k := key(name)
	if _, ok := h.lookup[k]; !ok {
		h.lookup[k] = name
		h.order = append(h.order, name)
	}
	for _, v := range h.values[k] {
		if v == value {
			return
		}
	}
	h.values[k] = append(h.values[k], value)
}

// Set replaces name's entire value set with a single value.
func (h *HeaderMap) Set(name, value string) {
	k := key(name)
	if _, ok := h.lookup[k]; !ok {
		h.lookup[k] = name
		h.order = append(h.order, name)
	}
	h.values[k] = []string{value}
}

// Get returns the first value for name, or "" if absent.
func (h *HeaderMap) Get(name string) string {
	vs := h.values[key(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns every value for name in insertion order.
func (h *HeaderMap) Values(name string) []string {
	return h.values[key(name)]
}

// Has reports whether name has at least one value.
func (h *HeaderMap) Has(name string) bool {
	_, ok := h.values[key(name)]
	return ok
}

// HasToken reports whether any comma-separated value of name contains, as
// an individual token, an exact case-insensitive match for token. This is
// the shape of matching needed for Connection/Upgrade-style headers.
func (h *HeaderMap) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Names returns header names in first-seen insertion order.
func (h *HeaderMap) Names() []string {
	return append([]string(nil), h.order...)
}

// Equal compares two HeaderMaps case-insensitively by name and by the
// ordered values per name, ignoring the order of the names themselves
// (used by round-trip tests).
func (h *HeaderMap) Equal(o *HeaderMap) bool {
	if len(h.values) != len(o.values) {
		return false
	}
	for k, vs := range h.values {
		ovs, ok := o.values[k]
		if !ok || len(vs) != len(ovs) {
			return false
		}
		for i := range vs {
			if vs[i] != ovs[i] {
				return false
			}
		}
	}
	return true
}
