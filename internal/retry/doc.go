// Package retry is the central policy decision point for failure handling:
// it decides whether a failed node attempt should be retried, computes the
// backoff delay before the next attempt, and maintains per-target circuit
// breaker state shared by all nodes hitting the same external dependency.
package retry
