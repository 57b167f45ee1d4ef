package metrics

import (
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
)

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBusy    = "busy"
)

// ResetStep records one reset flow step.
func ResetStep(step, outcome string) {
	ResetFlowTotal.WithLabelValues(step, outcome).Inc()
}

// AuthEvent records a sign-up, sign-in or sign-out attempt.
func AuthEvent(event string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	AuthEventsTotal.WithLabelValues(event, outcome).Inc()
}

// ProviderError records an identity provider failure by domain error code.
func ProviderError(err error) {
	IdentityProviderErrors.WithLabelValues(domain.ErrorCode(err)).Inc()
}

// TaskCompleted records a successful sweeper task run.
func TaskCompleted(task string, removed int64, duration time.Duration) {
	SweeperTasksTotal.WithLabelValues(task, "completed").Inc()
	SweeperTaskDuration.WithLabelValues(task).Observe(duration.Seconds())
	SweeperItemsRemoved.WithLabelValues(task).Add(float64(removed))
}

// TaskFailed records a failed sweeper task run.
func TaskFailed(task string) {
	SweeperTasksTotal.WithLabelValues(task, "failed").Inc()
}
