package antifraud

import (
	"strings"
)

const maxFieldLength = 100

// Sanitize strips every character outside [A-Za-z0-9 _.\-@] from a
// worker-supplied string and truncates it to 100 characters. Applied to
// all string fields of an accepted heartbeat before storage.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == ' ', r == '_', r == '.', r == '-', r == '@':
			b.WriteRune(r)
		}
		if b.Len() >= maxFieldLength {
			break
		}
	}
	out := b.String()
	if len(out) > maxFieldLength {
		out = out[:maxFieldLength]
	}
	return out
}
