package runtime

import "strings"

// staleSessionPattern is the runtime's error text when a resume token no
// longer maps to a conversation on its side.
const staleSessionPattern = "no conversation found with session id"

// IsStaleSessionText reports whether one error string describes a stale
// resume token.
func IsStaleSessionText(s string) bool {
	return strings.Contains(strings.ToLower(s), staleSessionPattern)
}

// IsStaleSessionError reports whether any of a result's error strings
// describe a stale resume token.
func IsStaleSessionError(errs []string) bool {
	for _, e := range errs {
		if IsStaleSessionText(e) {
			return true
		}
	}
	return false
}
