package streamproc

import "strings"

// DefaultFilteredTags are the XML-ish marker tags the upstream interleaves
// into assistant token text that should never reach the client (§4.5.1).
var DefaultFilteredTags = []string{"grok:render", "xaiartifact", "xai:tool_usage_card"}

// TagFilter elides `<tag>...</tag>` blocks for a configured tag set from a
// stream of text chunks, carrying partial tag-start state across chunk
// boundaries. Matching is case-sensitive on the exact tag name (no
// attributes support beyond ignoring anything after a space in the tag).
// The filter is deliberately stateful per stream, not per call: a marker
// split across two tokens must still be caught, so each stream owns one
// filter instance for its whole lifetime.
type TagFilter struct {
	tags    map[string]bool
	inside  bool
	current string
	pending string
}

func NewTagFilter(tags []string) *TagFilter {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	return &TagFilter{tags: set}
}

// Feed processes one chunk and returns the text that should be emitted to
// the client, with any filtered-tag spans removed.
func (f *TagFilter) Feed(chunk string) string {
	text := f.pending + chunk
	f.pending = ""

	var out strings.Builder
	i := 0
	for i < len(text) {
		j := strings.IndexByte(text[i:], '<')
		if j < 0 {
			if !f.inside {
				out.WriteString(text[i:])
			}
			return out.String()
		}
		j += i

		// Literal text before the '<'.
		if !f.inside {
			out.WriteString(text[i:j])
		}

		k := strings.IndexByte(text[j:], '>')
		if k < 0 {
			// Incomplete tag marker; hold it for the next chunk.
			f.pending = text[j:]
			return out.String()
		}
		k += j

		inner := text[j+1 : k]
		isClose := strings.HasPrefix(inner, "/")
		name := strings.TrimPrefix(inner, "/")
		if sp := strings.IndexByte(name, ' '); sp >= 0 {
			name = name[:sp]
		}
		name = strings.TrimSpace(name)

		if f.tags[name] {
			if isClose {
				if f.inside && name == f.current {
					f.inside = false
					f.current = ""
				}
			} else if !f.inside {
				f.inside = true
				f.current = name
			}
			// The marker itself is always dropped.
		} else if !f.inside {
			out.WriteString(text[j : k+1])
		}

		i = k + 1
	}
	return out.String()
}

// Flush returns any buffered partial text at stream end. Content trapped
// inside an unterminated elided block is discarded rather than leaked.
func (f *TagFilter) Flush() string {
	if f.inside || f.pending == "" {
		f.pending = ""
		return ""
	}
	p := f.pending
	f.pending = ""
	return p
}
