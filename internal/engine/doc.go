// Package engine orchestrates the end-to-end execution of a job's graph.
//
// # Responsibilities
//
// The engine validates and accepts jobs, walks their dependency graphs in
// parallel with a bounded worker pool, and drives every node through the
// node state machine via the state store. It consults the retry manager on
// each failure and emits a bus event for every transition.
//
// # Concurrency model
//
// Each running job gets one scheduler goroutine and a pool of workers.
// Workers only ever perform the ready->running transition and the handler
// call; every other transition is made by the scheduler, so each kind of
// state change has exactly one writer and transitions never race. Dispatch
// and results flow over buffered channels sized to the graph, which means
// the scheduler never blocks on its own workers.
//
// # Failure semantics
//
// A failed attempt either backs off and retries, or settles. Settling a
// non-critical node skips it and cascades the skip through its descendants.
// Settling a critical node halts the graph: everything still pending is
// cancelled and the job is left failed for the recovery processor.
package engine
