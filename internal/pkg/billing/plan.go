package billing

import "strings"

// isEntitlingStatus reports whether a provider subscription status grants access.
// past_due keeps access so a first failed payment does not revoke anything.
func isEntitlingStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing", "past_due":
		return true
	default:
		return false
	}
}
