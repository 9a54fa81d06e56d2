package hermes

import (
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Stream configuration for JetStream.
var StreamConfigs = []jetstream.StreamConfig{
	{
		Name:        "DEVPULSE_SESSIONS",
		Description: "Session lifecycle and cost reconciliation events",
		Subjects:    []string{SubjectAllSessions, SubjectAllCost},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour, // 30 days
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
	},
	{
		Name:        "DEVPULSE_SNAPSHOTS",
		Description: "Periodic session store summaries",
		Subjects:    []string{SubjectSnapshot},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
	},
}
