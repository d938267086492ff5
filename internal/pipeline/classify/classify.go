// Package classify maps stage failures to retry policy. Stages only raise;
// they never decide whether a failure is worth retrying.
package classify

import (
	"strings"

	"github.com/vietddude/pipeliner/internal/codec"
	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/core/fault"
)

// DefaultStageLogicAttempts bounds retries of stage-logic failures before the
// run fails.
const DefaultStageLogicAttempts = 3

// Result is a classification decision. MaxAttempts of zero means retry
// indefinitely (the runner still applies capped backoff between attempts).
type Result struct {
	Class       domain.Classification
	MaxAttempts int
}

// Classify decides the retry policy for a stage failure. Pure: no side
// effects, deterministic for a given (stage, error) pair.
//
// Policy:
//   - transient dependency conditions (service unavailable, connection
//     refused, timeout) retry indefinitely with capped backoff;
//   - configuration and authentication problems fail the run immediately;
//   - stage-logic faults, including simulated failures, retry a bounded
//     number of times;
//   - codec authentication failures are never retried;
//   - the experiment-logging stage talks to the tracking store, so anything
//     that looks like a dependency outage there is always retryable, even
//     when raised through a failure simulation.
func Classify(stage domain.Stage, err error) Result {
	if err == nil {
		return Result{Class: domain.ClassificationRetryable}
	}

	if codec.IsDecodeError(err) {
		return Result{Class: domain.ClassificationPermanent}
	}
	if fault.IsPermanent(err) {
		return Result{Class: domain.ClassificationPermanent}
	}
	if fault.IsTransient(err) {
		return Result{Class: domain.ClassificationRetryable}
	}
	if fault.IsStageLogic(err) {
		if stage == domain.StageLogExperiment && looksTransient(err) {
			return Result{Class: domain.ClassificationRetryable}
		}
		return Result{Class: domain.ClassificationRetryable, MaxAttempts: DefaultStageLogicAttempts}
	}

	// Untyped errors: fall back to message matching.
	if looksTransient(err) {
		return Result{Class: domain.ClassificationRetryable}
	}
	if looksPermanent(err) {
		return Result{Class: domain.ClassificationPermanent}
	}

	// The logging stage's only collaborator is the tracking store, so an
	// unrecognized failure there is most likely an outage.
	if stage == domain.StageLogExperiment {
		return Result{Class: domain.ClassificationRetryable}
	}
	return Result{Class: domain.ClassificationRetryable, MaxAttempts: DefaultStageLogicAttempts}
}

func looksTransient(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "unavailable") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "timed out") ||
		strings.Contains(s, "temporarily")
}

func looksPermanent(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "authentication") ||
		strings.Contains(s, "password") ||
		strings.Contains(s, "credential") ||
		strings.Contains(s, "permission denied") ||
		strings.Contains(s, "does not exist")
}
