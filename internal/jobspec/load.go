// Package jobspec loads job definitions from HCL files and turns them into
// the engine's job model.
//
// A job file declares one or more `job` blocks, each owning `node` blocks
// with dependencies, an optional per-node `retry` override, and an arbitrary
// `input` object that is handed to the node's handler verbatim.
package jobspec

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/fsutil"
	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/retry"
)

// Load finds every .hcl file under path (a single file works too) and
// returns the jobs declared in them.
func Load(ctx context.Context, path string) ([]*job.Job, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading job files.", "path", path)

	files, err := fsutil.FindFilesByExtension(path, ".hcl")
	if err != nil {
		return nil, fmt.Errorf("failed to find job files in %s: %w", path, err)
	}
	if len(files) == 0 {
		logger.Warn("No .hcl job files found at path.", "path", path)
		return nil, nil
	}

	parser := hclparse.NewParser()
	var jobs []*job.Job
	for _, file := range files {
		fileJobs, err := decodeFile(file, parser)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, fileJobs...)
	}
	logger.Info("Loaded job definitions.", "files", len(files), "jobs", len(jobs))
	return jobs, nil
}

// decodeFile parses a single HCL job file.
func decodeFile(filePath string, parser *hclparse.Parser) ([]*job.Job, error) {
	hclF, diags := parser.ParseHCLFile(filePath)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %s", filePath, diags.Error())
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(hclF.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %s", filePath, diags.Error())
	}

	jobs := make([]*job.Job, 0, len(parsed.Jobs))
	for _, jb := range parsed.Jobs {
		j, err := buildJob(jb)
		if err != nil {
			return nil, fmt.Errorf("job %q in %s: %w", jb.Name, filePath, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func buildJob(jb *hclJob) (*job.Job, error) {
	j := &job.Job{Name: jb.Name}
	if jb.Priority != nil {
		j.Priority = *jb.Priority
	}
	if jb.Concurrency != nil {
		j.Concurrency = *jb.Concurrency
	}
	var err error
	if j.Timeout, err = parseDuration(jb.Timeout); err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}
	if jb.Retry != nil {
		policy, err := buildPolicy(jb.Retry)
		if err != nil {
			return nil, fmt.Errorf("retry: %w", err)
		}
		j.DefaultRetry = policy
	}

	for idx, nb := range jb.Nodes {
		n, err := buildNode(nb, idx)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", nb.ID, err)
		}
		j.Nodes = append(j.Nodes, n)
	}
	return j, nil
}

func buildNode(nb *hclNode, index int) (*node.Node, error) {
	n := &node.Node{
		ID:      nb.ID,
		Type:    nb.Type,
		Depends: nb.DependsOn,
		Index:   index,
	}
	if nb.Critical != nil {
		n.Critical = *nb.Critical
	}
	if nb.Priority != nil {
		n.Priority = *nb.Priority
	}
	var err error
	if n.Timeout, err = parseDuration(nb.Timeout); err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}
	if n.Input, err = inputToGo(nb.Input); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	if nb.Retry != nil {
		policy, err := buildPolicy(nb.Retry)
		if err != nil {
			return nil, fmt.Errorf("retry: %w", err)
		}
		n.Retry = &policy
	}
	return n, nil
}

// buildPolicy turns a retry block into a concrete policy, filling gaps from
// the engine default.
func buildPolicy(rb *hclRetry) (retry.Policy, error) {
	p := retry.DefaultPolicy()
	if rb.Strategy != nil {
		p.Strategy = retry.ParseStrategy(*rb.Strategy)
	}
	if rb.Attempts != nil {
		p.MaxAttempts = *rb.Attempts
	}
	if rb.Factor != nil {
		p.Factor = *rb.Factor
	}
	if rb.Jitter != nil {
		p.Jitter = *rb.Jitter
	}
	if d, err := parseDuration(rb.BaseDelay); err != nil {
		return p, fmt.Errorf("base_delay: %w", err)
	} else if d > 0 {
		p.BaseDelay = d
	}
	if d, err := parseDuration(rb.MaxDelay); err != nil {
		return p, fmt.Errorf("max_delay: %w", err)
	} else if d > 0 {
		p.MaxDelay = d
	}
	for _, s := range rb.Delays {
		d, err := time.ParseDuration(s)
		if err != nil {
			return p, fmt.Errorf("delays: %w", err)
		}
		p.Table = append(p.Table, d)
	}
	return p, nil
}

func parseDuration(s *string) (time.Duration, error) {
	if s == nil || *s == "" {
		return 0, nil
	}
	return time.ParseDuration(*s)
}
