package tool

import "strings"

const (
	// DisplayNamePrefix marks externally visible tool names so a model cannot
	// collide with reserved provider tool names.
	DisplayNamePrefix = "mcp__"

	// MaxDisplayNameLen bounds the display name to the strictest provider
	// limit on tool name length.
	MaxDisplayNameLen = 64
)

// DisplayName builds the externally visible name for a tool:
// mcp__<server>__<tool>, with both parts sanitized and the whole bounded to
// MaxDisplayNameLen. Truncation can collide for two distinct tools with long,
// similar names; that is a known limitation and resolution goes through the
// currently known tool set rather than parsing the name back apart.
func DisplayName(serverName, toolName string) string {
	name := DisplayNamePrefix + sanitize(serverName) + "__" + sanitize(toolName)
	if len(name) > MaxDisplayNameLen {
		name = name[:MaxDisplayNameLen]
	}
	return name
}

// Resolve looks a display name up against the known tool set. It is a pure
// lookup: the display name is matched against each definition's DisplayName
// rather than decoded, so truncation and sanitization cannot be misparsed.
func Resolve(displayName string, defs []Definition) (Definition, bool) {
	for _, def := range defs {
		if def.DisplayName == displayName {
			return def, true
		}
	}
	return Definition{}, false
}

// sanitize reduces a name part to [a-zA-Z0-9_-], replacing everything else
// with an underscore.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
