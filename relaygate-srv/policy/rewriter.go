package policy

import "strings"

// hopByHop headers apply to a single connection and are never forwarded.
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Proxy-Authorization",
	"Keep-Alive",
	"TE",
	"Trailer",
	"Upgrade",
}

// RewriterOptions configure a Rewriter.
type RewriterOptions struct {
	Anonymous   bool
	Strip       []string // headers removed in anonymous mode
	ViaName     string
	ViaDisabled bool
	Custom      []Header // set on every forwarded request
}

// Rewriter prepares client request headers for forwarding.
type Rewriter struct {
	anonymous   bool
	strip       map[string]bool
	viaName     string
	viaDisabled bool
	custom      []Header
}

// NewRewriter creates a Rewriter.
func NewRewriter(opts RewriterOptions) *Rewriter {
	r := &Rewriter{
		anonymous:   opts.Anonymous,
		strip:       make(map[string]bool, len(opts.Strip)),
		viaName:     opts.ViaName,
		viaDisabled: opts.ViaDisabled,
		custom:      append([]Header(nil), opts.Custom...),
	}
	for _, name := range opts.Strip {
		r.strip[strings.ToLower(name)] = true
	}
	return r
}

// IsUpgrade reports whether the headers request a protocol upgrade.
func IsUpgrade(h Headers) bool {
	return h.HasToken("Connection", "upgrade") && h.Has("Upgrade")
}

// Rewrite returns the headers to send upstream. The input is not modified.
//
// Hop-by-hop headers and the headers named in Connection are removed, except
// Upgrade during a protocol upgrade. In anonymous mode the configured
// headers are removed. A Via entry for this hop is appended after any
// existing ones, and custom headers replace same-named headers in place or
// are appended.
func (r *Rewriter) Rewrite(headers Headers, version string) Headers {
	upgrade := IsUpgrade(headers)

	drop := make(map[string]bool, len(hopByHop))
	for _, name := range hopByHop {
		drop[strings.ToLower(name)] = true
	}
	for _, tok := range headers.Tokens("Connection") {
		drop[tok] = true
	}
	for _, tok := range headers.Tokens("Proxy-Connection") {
		drop[tok] = true
	}
	if upgrade {
		delete(drop, "upgrade")
	}

	if r.anonymous {
		for name := range r.strip {
			drop[name] = true
		}
	}
	out := headers.Clone()
	for name := range drop {
		out = out.Del(name)
	}

	if !r.viaDisabled && r.viaName != "" {
		out = append(out, Header{Name: "Via", Value: viaVersion(version) + " " + r.viaName})
	}

	for _, custom := range r.custom {
		replaced := false
		kept := out[:0]
		for _, hdr := range out {
			if strings.EqualFold(hdr.Name, custom.Name) {
				if replaced {
					continue
				}
				hdr.Value = custom.Value
				replaced = true
			}
			kept = append(kept, hdr)
		}
		out = kept
		if !replaced {
			out = append(out, custom)
		}
	}

	if upgrade {
		out = append(out, Header{Name: "Connection", Value: "Upgrade"})
	}

	return out
}

// viaVersion turns "HTTP/1.1" into "1.1".
func viaVersion(version string) string {
	if v, ok := strings.CutPrefix(version, "HTTP/"); ok {
		return v
	}
	return version
}
