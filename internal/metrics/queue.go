package metrics

import (
	"time"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

// MutationCompleted records a mutation the server acknowledged.
func MutationCompleted(kind domain.MutationKind, duration time.Duration) {
	MutationsTotal.WithLabelValues(string(kind), "completed").Inc()
	MutationDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// MutationRetried records a failed attempt that will be retried.
func MutationRetried(kind domain.MutationKind) {
	MutationsTotal.WithLabelValues(string(kind), "retried").Inc()
	MutationRetriesTotal.WithLabelValues(string(kind)).Inc()
}

// MutationFailed records a mutation moved to failed-permanent.
func MutationFailed(kind domain.MutationKind) {
	MutationsTotal.WithLabelValues(string(kind), "failed_permanent").Inc()
}

// SetQueueDepth publishes the queue counts. Statuses missing from counts are
// reported as zero.
func SetQueueDepth(counts map[domain.MutationStatus]int) {
	for _, s := range []domain.MutationStatus{
		domain.MutationStatusPending,
		domain.MutationStatusProcessing,
		domain.MutationStatusFailedPermanent,
	} {
		QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// AutosaveRecorded records the outcome of one autosave.
func AutosaveRecorded(result string, duration time.Duration) {
	AutosaveTotal.WithLabelValues(result).Inc()
	AutosaveDuration.Observe(duration.Seconds())
}
