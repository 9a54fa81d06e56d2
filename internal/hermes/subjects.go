package hermes

import (
	"fmt"
	"strings"
)

// Subject hierarchy constants for the Hermes message bus.
const (
	// Session lifecycle subjects.
	SubjectSessionOpened = "devpulse.session.%s.opened"
	SubjectSessionClosed = "devpulse.session.%s.closed"

	// Accounting subjects.
	SubjectCostDiscrepancy = "devpulse.cost.discrepancy"

	// Periodic store summary.
	SubjectSnapshot = "devpulse.snapshot"

	// Wildcard patterns for subscriptions.
	SubjectAllSessions = "devpulse.session.>"
	SubjectAllCost     = "devpulse.cost.>"
	SubjectAll         = "devpulse.>"
)

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// SessionSubject returns a subject for a specific session event. Characters
// that are significant in NATS subjects are replaced so an id always maps to
// exactly one token.
func SessionSubject(pattern, sessionID string) string {
	if sessionID == "" {
		sessionID = "_"
	}
	return fmt.Sprintf(pattern, tokenReplacer.Replace(sessionID))
}
