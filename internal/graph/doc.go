// Package graph provides the dependency graph over a job's nodes and the
// submission-time validator. The graph is immutable once built; mutable
// execution state lives in the state tracker, never here.
package graph
