package policy

import "strings"

// Header is one header line with its name as received.
type Header struct {
	Name  string
	Value string
}

// Headers keeps header lines in wire order, duplicates included.
type Headers []Header

// Get returns the first value for name, matched case-insensitively.
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Has reports whether name occurs at least once.
func (h Headers) Has(name string) bool {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	return append(Headers(nil), h...)
}

// Del removes every occurrence of name in place and returns the shortened
// slice.
func (h Headers) Del(name string) Headers {
	out := h[:0]
	for _, hdr := range h {
		if !strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	return out
}

// Tokens splits comma-separated values of name into lowercase tokens.
func (h Headers) Tokens(name string) []string {
	var out []string
	for _, v := range h.Values(name) {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.ToLower(strings.TrimSpace(tok)); tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

// HasToken reports whether a comma-separated header carries token.
func (h Headers) HasToken(name, token string) bool {
	for _, tok := range h.Tokens(name) {
		if tok == strings.ToLower(token) {
			return true
		}
	}
	return false
}
