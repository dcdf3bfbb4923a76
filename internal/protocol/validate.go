package protocol

import "strings"

// ValidTopicName reports whether s is usable as a PUBLISH topic: non-empty
// and free of the subscription wildcards + and #.
func ValidTopicName(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, "+#")
}

// ValidTopicFilter reports whether s is a well-formed subscription filter:
// '+' matches exactly one level, '#' matches zero or more trailing levels
// and must be the final token.
func ValidTopicFilter(s string) bool {
	if s == "" {
		return false
	}
	levels := strings.Split(s, "/")
	for i, lvl := range levels {
		switch {
		case lvl == "#":
			if i != len(levels)-1 {
				return false
			}
		case strings.Contains(lvl, "#"):
			return false
		case lvl == "+":
			// ok
		case strings.Contains(lvl, "+"):
			return false
		}
	}
	return true
}
