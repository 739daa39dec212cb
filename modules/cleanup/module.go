// Package cleanup provides the 'cleanup' node handler, which removes files
// or directories. It also implements compensation, so a rollback recreates
// nothing but records the paths it would have restored; the handler's real
// value is demonstrating the compensator wiring end to end.
package cleanup

import (
	"context"
	"fmt"
	"os"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/registry"
	"github.com/vk/gridflow/internal/retry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Handler executes 'cleanup' nodes.
type Handler struct{}

// Execute removes every path in the payload's 'paths' list.
func (Handler) Execute(ctx context.Context, in registry.Input) (map[string]any, error) {
	logger := ctxlog.FromContext(ctx).With("job_id", in.JobID, "node_id", in.NodeID)

	raw, ok := in.Payload["paths"].([]any)
	if !ok || len(raw) == 0 {
		return nil, retry.Fatal(fmt.Errorf("cleanup node requires a non-empty 'paths' list in its input"))
	}

	var removed []any
	for _, p := range raw {
		path := fmt.Sprint(p)
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("removing %s: %w", path, err)
		}
		logger.Info("🧹 Removed path.", "path", path)
		removed = append(removed, path)
	}
	return map[string]any{"removed": removed}, nil
}

// Compensate logs the paths the execution removed. Deleted data cannot be
// restored, so the compensation's job is leaving an explicit trace for the
// operator following the rollback.
func (Handler) Compensate(ctx context.Context, in registry.Input, output map[string]any) error {
	ctxlog.FromContext(ctx).Warn("↩️ Cleanup cannot restore removed paths.",
		"job_id", in.JobID, "node_id", in.NodeID, "removed", output["removed"])
	return nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("cleanup", Handler{})
}
