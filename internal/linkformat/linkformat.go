// Package linkformat renders RFC 6690 link-format bodies, the wire shape
// shared by two otherwise unrelated LwM2M operations: a Discover
// response and a Register/Update request body.
package linkformat

import "strings"

// Entry is one addressable path rendered as a "<path>" link, optionally
// carrying a version attribute (`;ver="1.0"`, used in the registration
// object list) and free-form link attributes (";dim=3;pmin=5", used in
// Discover responses).
type Entry struct {
	Path    string
	Version string
	Attrs   []string
}

// Format renders entries as a comma-separated RFC 6690 link-format body.
func Format(entries []Entry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		var b strings.Builder
		b.WriteByte('<')
		b.WriteString(e.Path)
		b.WriteByte('>')
		if e.Version != "" {
			b.WriteString(`;ver="`)
			b.WriteString(e.Version)
			b.WriteByte('"')
		}
		for _, a := range e.Attrs {
			b.WriteByte(';')
			b.WriteString(a)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ",")
}
