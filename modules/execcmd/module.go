// Package execcmd provides the 'exec' node handler, which runs a local
// command and captures its output. The command inherits the attempt's
// context, so a node timeout or a job halt kills the process.
package execcmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/registry"
	"github.com/vk/gridflow/internal/retry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Handler executes 'exec' nodes.
type Handler struct{}

// Execute runs the configured command. Payload keys:
//
//	command (string, required)  the executable
//	args    (list of string)    its arguments
//	dir     (string)            working directory
func (Handler) Execute(ctx context.Context, in registry.Input) (map[string]any, error) {
	logger := ctxlog.FromContext(ctx).With("job_id", in.JobID, "node_id", in.NodeID)

	command, _ := in.Payload["command"].(string)
	if command == "" {
		return nil, retry.Fatal(fmt.Errorf("exec node requires a 'command' string in its input"))
	}
	var args []string
	if raw, ok := in.Payload["args"].([]any); ok {
		for _, a := range raw {
			args = append(args, fmt.Sprint(a))
		}
	}

	cmd := exec.CommandContext(ctx, command, args...)
	if dir, ok := in.Payload["dir"].(string); ok {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info("🖥️ Running command.", "command", command, "args", strings.Join(args, " "))
	err := cmd.Run()

	output := map[string]any{
		"stdout": stdout.String(),
		"stderr": stderr.String(),
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		output["exit_code"] = exitErr.ExitCode()
		return output, fmt.Errorf("command %q exited with code %d: %s", command, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		return nil, fmt.Errorf("running command %q: %w", command, err)
	}
	output["exit_code"] = 0
	return output, nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("exec", Handler{})
}
