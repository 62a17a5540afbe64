package provider

import "strings"

const (
	thinkOpen    = "<think>"
	thinkClose   = "</think>"
	commentOpen  = "<!--"
	commentClose = "-->"
)

// HostileContentScrubber splits incremental model text into a visible
// stream and a reasoning stream, per spec §4.2's "hostile content
// handling": some providers embed real reasoning or fabricated tool
// calls inside <think>...</think> spans or HTML-comment spans within
// the visible text field. Append is safe to call once per text-delta;
// it buffers any suffix that might be the start of a marker so a
// transport chunk boundary never splits one across two deltas.
type HostileContentScrubber struct {
	pending string
}

// Append feeds the next raw text fragment and returns the portion safe
// to surface as text-delta (visible) and the portion redirected to the
// reasoning stream (reasoning). Either may be empty.
func (s *HostileContentScrubber) Append(chunk string) (visible, reasoning string) {
	s.pending += chunk
	var visibleBuf, reasoningBuf strings.Builder

	for {
		text := s.pending
		startIdx, openMarker, closeMarker := nextMarker(text)
		if startIdx == -1 {
			safeLen := len(text) - partialMarkerSuffixLen(text)
			visibleBuf.WriteString(text[:safeLen])
			s.pending = text[safeLen:]
			break
		}

		visibleBuf.WriteString(text[:startIdx])
		rest := text[startIdx+len(openMarker):]
		closeIdx := strings.Index(rest, closeMarker)
		if closeIdx == -1 {
			// Span opened but not yet closed: hold everything from the
			// opening marker onward for the next Append.
			s.pending = text[startIdx:]
			break
		}
		reasoningBuf.WriteString(rest[:closeIdx])
		s.pending = rest[closeIdx+len(closeMarker):]
	}

	return visibleBuf.String(), reasoningBuf.String()
}

// Flush returns any buffered text that never closed a marker (the
// stream ended mid-span), treated as plain visible text since the
// model's intent can no longer be resolved.
func (s *HostileContentScrubber) Flush() string {
	out := s.pending
	s.pending = ""
	return out
}

func nextMarker(text string) (start int, open, close string) {
	thinkIdx := strings.Index(text, thinkOpen)
	commentIdx := strings.Index(text, commentOpen)
	switch {
	case thinkIdx == -1 && commentIdx == -1:
		return -1, "", ""
	case thinkIdx == -1:
		return commentIdx, commentOpen, commentClose
	case commentIdx == -1:
		return thinkIdx, thinkOpen, thinkClose
	case thinkIdx < commentIdx:
		return thinkIdx, thinkOpen, thinkClose
	default:
		return commentIdx, commentOpen, commentClose
	}
}

// partialMarkerSuffixLen returns the length of the longest suffix of s
// that is a proper prefix of thinkOpen or commentOpen, so that suffix
// can be held back rather than flushed as visible text.
func partialMarkerSuffixLen(s string) int {
	longest := 0
	for _, marker := range []string{thinkOpen, commentOpen} {
		for l := len(marker) - 1; l > 0; l-- {
			if l > len(s) {
				continue
			}
			if strings.HasSuffix(s, marker[:l]) {
				if l > longest {
					longest = l
				}
				break
			}
		}
	}
	return longest
}
