package memory

import "strings"

// DefaultContextTokens is the prompt budget for the memory context block.
const DefaultContextTokens = 500

// FormatContext renders memories and summaries into a prompt-ready block
// under a token budget. Facts come first in retrieval order; summaries fill
// whatever budget remains. Content is sanitized against tag injection.
func FormatContext(memories []*Memory, summaries []*Summary, maxTokens int) string {
	if len(memories) == 0 && len(summaries) == 0 {
		return ""
	}
	if maxTokens <= 0 {
		maxTokens = DefaultContextTokens
	}
	maxChars := maxTokens * 4 // rough estimate: 1 token ~ 4 chars

	var b []byte
	if len(memories) > 0 {
		header := "What I know about you:\n"
		if len(header) <= maxChars {
			b = append(b, header...)
			for _, m := range memories {
				line := "- " + sanitizeContent(m.Content) + "\n"
				if len(b)+len(line) > maxChars {
					break
				}
				b = append(b, line...)
			}
		}
	}

	if len(summaries) > 0 {
		header := "Recent activity:\n"
		if len(b) > 0 {
			header = "\n" + header
		}
		if len(b)+len(header) <= maxChars {
			b = append(b, header...)
			for _, s := range summaries {
				line := "- " + sanitizeContent(s.Content) + "\n"
				if len(b)+len(line) > maxChars {
					break
				}
				b = append(b, line...)
			}
		}
	}

	return string(b)
}

// sanitizeContent prevents prompt injection when stored content is injected
// into the live chat prompt: strip angle brackets and backticks, collapse
// newlines to spaces.
func sanitizeContent(s string) string {
	return strings.NewReplacer(
		"<", "",
		">", "",
		"`", "",
		"\n", " ",
		"\r", " ",
	).Replace(s)
}
