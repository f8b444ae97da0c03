package usecase

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxReplyRunes = 3500
	fallbackReply = "Hubo un problema procesando tu mensaje. Por favor, intentá de nuevo."
)

// injectionPatterns flag a message in the logs. A match never blocks it.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignor\w*\s+.{0,30}(previous|above|prior|earlier|antes|anteriores)\s+.{0,20}(instructions|instrucciones|reglas|rules)`),
	regexp.MustCompile(`(?i)(you are now|act as|pretend to be|roleplay as|ahora sos|actua como|fing[ií] que sos)`),
	regexp.MustCompile(`(?i)(system prompt|system message|your instructions|show me your prompt|mostr[aá]me tu prompt|tu prompt|tus instrucciones internas)`),
	regexp.MustCompile(`(?i)(\[INST\]|\[/INST\]|<\|im_start\|>|<\|im_end\|>|<\|system\|>)`),
	regexp.MustCompile(`(?i)(forget|disregard|override|olvid[aá]te|descart[aá]|ignor[aá]).{0,30}(rules|instructions|behavior|reglas|instrucciones|comportamiento)`),
	regexp.MustCompile(`(?i)(jailbreak|modo desarrollador|developer mode)`),
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sk-[a-z0-9\-_]{20,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9\-_]{30,}\.[a-zA-Z0-9\-_]{30,}`),
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{20,}`),
	regexp.MustCompile(`GOCSPX-[a-zA-Z0-9\-_]{20,}`),
}

// suspectInjection returns the matched fragments, capped at 80 runes each.
func suspectInjection(text string) []string {
	var out []string
	for _, p := range injectionPatterns {
		if m := p.FindString(text); m != "" {
			if r := []rune(m); len(r) > 80 {
				m = string(r[:80])
			}
			out = append(out, m)
		}
	}
	return out
}

// guardSegment replaces text that leaks a credential and truncates long
// text at a word boundary.
func guardSegment(text string) (string, bool) {
	for _, p := range sensitivePatterns {
		if p.MatchString(text) {
			return fallbackReply, true
		}
	}
	if utf8.RuneCountInString(text) <= maxReplyRunes {
		return text, false
	}
	cut := string([]rune(text)[:maxReplyRunes])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "...", true
}

func preview(text string) string {
	const max = 50
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	return string([]rune(text)[:max]) + "…"
}
