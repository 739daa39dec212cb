package jobspec

import "github.com/zclconf/go-cty/cty"

// hclFile is the top-level structure of a job file for decoding.
type hclFile struct {
	Jobs []*hclJob `hcl:"job,block"`
}

// hclJob is one `job "name" { ... }` block.
type hclJob struct {
	Name        string     `hcl:"name,label"`
	Priority    *int       `hcl:"priority,optional"`
	Timeout     *string    `hcl:"timeout,optional"`
	Concurrency *int       `hcl:"concurrency,optional"`
	Retry       *hclRetry  `hcl:"retry,block"`
	Nodes       []*hclNode `hcl:"node,block"`
}

// hclNode is one `node "id" { ... }` block within a job.
type hclNode struct {
	ID        string    `hcl:"id,label"`
	Type      string    `hcl:"type"`
	DependsOn []string  `hcl:"depends_on,optional"`
	Critical  *bool     `hcl:"critical,optional"`
	Priority  *int      `hcl:"priority,optional"`
	Timeout   *string   `hcl:"timeout,optional"`
	Input     cty.Value `hcl:"input,optional"`
	Retry     *hclRetry `hcl:"retry,block"`
}

// hclRetry is a `retry { ... }` block, usable at job level (the default
// policy) or inside a node (an override).
type hclRetry struct {
	Attempts  *int     `hcl:"attempts,optional"`
	Strategy  *string  `hcl:"strategy,optional"`
	BaseDelay *string  `hcl:"base_delay,optional"`
	MaxDelay  *string  `hcl:"max_delay,optional"`
	Factor    *float64 `hcl:"factor,optional"`
	Jitter    *bool    `hcl:"jitter,optional"`
	Delays    []string `hcl:"delays,optional"`
}
