// Package sleep provides the 'sleep' node handler, which waits a configured
// duration. Useful as a settle barrier between stages and for exercising
// timeout and cancellation behavior.
package sleep

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/registry"
	"github.com/vk/gridflow/internal/retry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Handler executes 'sleep' nodes.
type Handler struct{}

// Execute waits for the payload's 'duration' (a Go duration string),
// returning early with the context's error on cancellation.
func (Handler) Execute(ctx context.Context, in registry.Input) (map[string]any, error) {
	raw, _ := in.Payload["duration"].(string)
	if raw == "" {
		return nil, retry.Fatal(fmt.Errorf("sleep node requires a 'duration' string in its input"))
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("invalid duration %q: %w", raw, err))
	}

	ctxlog.FromContext(ctx).Info("😴 Sleeping.", "node_id", in.NodeID, "duration", d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("sleep", Handler{})
}
