// Package registry provides the central "glue" between node type names used
// in job definitions and the compiled Go handlers that execute them.
//
// The registry is populated during application startup by handler modules and
// then validated against each submitted job, so that a job referencing an
// unknown node type is rejected before any state is persisted.
package registry
