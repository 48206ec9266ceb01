package usage

import "strings"

// ExemptPaths are never metered: probes, metrics and the root path.
var ExemptPaths = []string{
	"/health",
	"/healthz",
	"/ready",
	"/readiness",
	"/liveness",
	"/startup",
	"/metrics",
	"/ping",
	"/",
}

// IsExemptPath reports whether a request URI is excluded from metering. A URI
// matches an exempt path exactly, or as a prefix followed by "/" or "?".
func IsExemptPath(uri string) bool {
	for _, exempt := range ExemptPaths {
		if uri == exempt ||
			strings.HasPrefix(uri, exempt+"/") ||
			strings.HasPrefix(uri, exempt+"?") {
			return true
		}
	}
	return false
}
