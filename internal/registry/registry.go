package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vk/gridflow/internal/node"
)

// Input is the payload handed to a handler for one execution attempt.
type Input struct {
	JobID  string
	NodeID string
	// Attempt is 1-based and counts the current execution.
	Attempt int
	// Payload is the node's declared input.
	Payload map[string]any
}

// Handler executes one node type. Execute must honor ctx cancellation and
// return either an output map or an error; it is called once per attempt.
type Handler interface {
	Execute(ctx context.Context, in Input) (map[string]any, error)
}

// Compensator is implemented by handlers whose effects can be undone during a
// rollback. Compensate receives the output the successful execution produced.
type Compensator interface {
	Compensate(ctx context.Context, in Input, output map[string]any) error
}

// Module is the interface that all built-in handler modules implement to be
// registered.
type Module interface {
	Register(r *Registry)
}

// Registry maps node type names to their handlers for a single application
// instance. It is populated once at startup and read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// RegisterHandler registers the handler for a node type. Registering the same
// type twice is a programmer error and panics at startup.
func (r *Registry) RegisterHandler(nodeType string, h Handler) {
	if _, exists := r.handlers[nodeType]; exists {
		panic(fmt.Sprintf("handler for node type '%s' already registered", nodeType))
	}
	slog.Debug("Registering node handler.", "type", nodeType)
	r.handlers[nodeType] = h
}

// Handler returns the handler for a node type, or nil when none is
// registered.
func (r *Registry) Handler(nodeType string) Handler {
	return r.handlers[nodeType]
}

// Types returns the registered node type names.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// ValidateTypes checks at submission time that every node references a
// registered handler, so a typo fails the whole job before any state is
// persisted.
func (r *Registry) ValidateTypes(nodes []*node.Node) error {
	for _, n := range nodes {
		if _, ok := r.handlers[n.Type]; !ok {
			return fmt.Errorf("node %q references unregistered handler type %q", n.ID, n.Type)
		}
	}
	return nil
}
