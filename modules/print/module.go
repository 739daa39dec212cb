// Package print provides the 'print' node handler, which writes its input
// payload to the log. Useful as a graph smoke test and as a checkpoint
// marker between stages.
package print

import (
	"context"
	"sort"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Handler executes 'print' nodes.
type Handler struct{}

// Execute logs the payload with sorted keys for deterministic output.
func (Handler) Execute(ctx context.Context, in registry.Input) (map[string]any, error) {
	logger := ctxlog.FromContext(ctx).With("job_id", in.JobID, "node_id", in.NodeID)

	if len(in.Payload) == 0 {
		logger.Info("🖨️ (empty payload)")
		return nil, nil
	}
	keys := make([]string, 0, len(in.Payload))
	for k := range in.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		logger.Info("🖨️ Payload entry.", "key", k, "value", in.Payload[k])
	}
	return map[string]any{"printed": len(keys)}, nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("print", Handler{})
}
