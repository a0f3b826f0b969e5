// Package classify tags incoming chat messages as temporal, personal, or
// general. Classification drives cache TTL selection and memory retrieval
// depth downstream.
//
// Classify is a pure function of the message text: no clock, no state, no
// randomness. Routing decisions stay reproducible in tests.
package classify

import (
	"regexp"
	"strings"
)

// Kind is the classification assigned to a chat message.
type Kind string

const (
	// KindTemporal marks messages that reference dates, times, or current events.
	KindTemporal Kind = "temporal"
	// KindPersonal marks messages whose answer depends on stored user facts.
	KindPersonal Kind = "personal"
	// KindGeneral is the default classification.
	KindGeneral Kind = "general"
)

// Valid reports whether k is a known classification.
func (k Kind) Valid() bool {
	switch k {
	case KindTemporal, KindPersonal, KindGeneral:
		return true
	}
	return false
}

// Result is a classification with a confidence value in (0, 1].
type Result struct {
	Kind       Kind
	Confidence float64
}

// temporalRe matches explicit date/time references. Word boundaries keep
// substrings like "monday" in "salmonday" from matching.
var temporalRe = regexp.MustCompile(`(?i)\b(today|tonight|tomorrow|yesterday|now|currently|latest|recent|this (morning|afternoon|evening|week|month|year)|last (night|week|month|year)|next (week|month|year)|monday|tuesday|wednesday|thursday|friday|saturday|sunday|january|february|march|april|may|june|july|august|september|october|november|december|\d{1,2}[:.]\d{2}\s*(am|pm)?|\d{4}-\d{2}-\d{2}|what time|what day|what date)\b`)

// personalRe matches first/second-person possessives and identity-recall
// phrasing ("my name", "do you know", "remember when I").
var personalRe = regexp.MustCompile(`(?i)\b(my|mine|our)\b|\bdo you (know|remember)\b|\bwhat('s| is) my\b|\bwho am i\b|\babout me\b|\bremind me\b|\bremember (that|when) i\b|\bi (told|mentioned|said)\b`)

// Confidence values per rule strength. Multiple personal markers raise
// confidence; a lone possessive is weaker evidence than identity-recall
// phrasing but still classifies as personal.
const (
	confStrong  = 0.9
	confWeak    = 0.6
	confDefault = 0.5
)

// strongPersonalRe is the subset of personal phrasing that directly asks the
// assistant to recall a stored fact.
var strongPersonalRe = regexp.MustCompile(`(?i)\bdo you (know|remember)\b|\bwhat('s| is) my\b|\bwho am i\b|\bremind me\b|\babout me\b`)

// Classify tags a message. Personal wins over temporal when both match:
// "what did I do yesterday" needs memory more than it needs freshness.
func Classify(message string) Result {
	text := strings.TrimSpace(message)
	if text == "" {
		return Result{Kind: KindGeneral, Confidence: confDefault}
	}

	personal := personalRe.MatchString(text)
	temporal := temporalRe.MatchString(text)

	switch {
	case personal && strongPersonalRe.MatchString(text):
		return Result{Kind: KindPersonal, Confidence: confStrong}
	case personal:
		return Result{Kind: KindPersonal, Confidence: confWeak}
	case temporal:
		return Result{Kind: KindTemporal, Confidence: confStrong}
	default:
		return Result{Kind: KindGeneral, Confidence: confDefault}
	}
}
