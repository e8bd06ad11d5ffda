package publish

import "strings"

// placeholder substitutes for attribute values that are missing, empty, or
// reduce to nothing after sanitization. A topic segment must never be empty.
const placeholder = "_unknown_"

// topicReplacer strips the characters that are structural in MQTT topics:
// the segment separator and the two wildcard forms.
var topicReplacer = strings.NewReplacer("+", "_", "#", "_", "/", "_")

// SanitizeSegment returns v as a safe topic segment. Nil or empty values
// yield the placeholder, never an empty segment.
func SanitizeSegment(v *string) string {
	if v == nil || *v == "" {
		return placeholder
	}
	s := topicReplacer.Replace(*v)
	if s == "" {
		return placeholder
	}
	return s
}

// Topic derives the hierarchical topic for a collision message:
// <base>/route/<route>/severity/<severity>/filter/<category>.
// Construction never fails; missing attributes become placeholders.
func Topic(base string, m Message) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("/route/")
	b.WriteString(SanitizeSegment(m.RouteIdentity))
	b.WriteString("/severity/")
	b.WriteString(SanitizeSegment(m.Severity))
	b.WriteString("/filter/")
	b.WriteString(SanitizeSegment(m.Category))
	return b.String()
}
