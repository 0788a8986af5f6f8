package event

import "strings"

// KernelClass identifies which logical kernel an event type belongs to.
type KernelClass string

const (
	// ClassAgent routes to the agent kernel (persistence, snapshots, ACKs).
	ClassAgent KernelClass = "agent"
	// ClassObservability routes to the fire-and-forget observability kernel.
	ClassObservability KernelClass = "observability"
)

// observabilityPrefixes are the reserved leading namespaces of the
// observability kernel.
var observabilityPrefixes = []string{"obs.", "log.", "metric.", "trace.", "alert.", "health."}

// observabilityInfixes route embedded telemetry segments regardless of the
// leading namespace.
var observabilityInfixes = []string{".log.", ".metric.", ".trace."}

// Classify reports which kernel the event type belongs to. Types beginning
// with a reserved observability prefix, or containing an embedded telemetry
// segment, belong to the observability kernel; everything else is agent work.
func Classify(eventType string) KernelClass {
	for _, p := range observabilityPrefixes {
		if strings.HasPrefix(eventType, p) {
			return ClassObservability
		}
	}
	for _, in := range observabilityInfixes {
		if strings.Contains(eventType, in) {
			return ClassObservability
		}
	}
	return ClassAgent
}

// MatchesPattern reports whether the event type matches a bridge pattern. A
// pattern is "*" (everything), "prefix.*" (namespace prefix), or an exact
// type key.
func MatchesPattern(eventType, pattern string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	default:
		return eventType == pattern
	}
}
