// Package bus provides the NATS-facing side of the gateway: the canonical
// Router subjects and the request/reply client used to dispatch envelopes.
package bus

import "strings"

// Canonical Router subjects. Consumed as constants, never computed.
const (
	// SubjectRouterDecide is the request/reply subject for decisions.
	SubjectRouterDecide = "beamline.router.v1.decide"

	// SubjectRouterStream is the subject for streamed decision updates.
	SubjectRouterStream = "beamline.router.v1.stream"

	// SubjectRouterCancel is the subject for cancelling an in-progress
	// decision.
	SubjectRouterCancel = "beamline.router.v1.cancel"
)

// ValidSubject reports whether a subject is a canonical beamline subject:
// it must start with "beamline." and contain no wildcard characters.
func ValidSubject(subject string) bool {
	if subject == "" {
		return false
	}
	if !strings.HasPrefix(subject, "beamline.") {
		return false
	}
	if strings.ContainsAny(subject, "*>") {
		return false
	}
	return true
}
