package recovery

// Condition names what the processor diagnosed about a job.
type Condition string

const (
	// ConditionStalled marks a non-terminal job with no state change within
	// the stall window.
	ConditionStalled Condition = "stalled"
	// ConditionFailed marks a job the engine left in failed state.
	ConditionFailed Condition = "failed"
)

// Action is the remediation applied to a diagnosed job.
type Action string

const (
	// ActionRetry re-enters the resting nodes into scheduling.
	ActionRetry Action = "retry"
	// ActionSkip marks the resting nodes skipped, cascades the skip, and
	// resumes the rest of the graph.
	ActionSkip Action = "skip"
	// ActionRequeue resets every resting node to pending and restarts
	// scheduling from the last consistent state.
	ActionRequeue Action = "requeue"
	// ActionRollback compensates completed nodes in reverse order, then
	// aborts the job.
	ActionRollback Action = "rollback"
	// ActionEscalate notifies operators without changing any state.
	ActionEscalate Action = "escalate"
	// ActionAbort forces the job and all its unfinished nodes to aborted.
	ActionAbort Action = "abort"
)

// ruleKey keys the decision table by diagnosed condition and whether the
// job still carries an unfinished critical node.
type ruleKey struct {
	condition Condition
	critical  bool
}

// Rules is the decision table mapping a diagnosis to its remediation.
type Rules struct {
	table map[ruleKey]Action
}

// DefaultRules returns the stock decision table: stalled jobs are aborted,
// failed jobs are requeued when a critical node is involved and skipped past
// otherwise.
func DefaultRules() Rules {
	return Rules{table: map[ruleKey]Action{
		{ConditionStalled, true}:  ActionAbort,
		{ConditionStalled, false}: ActionAbort,
		{ConditionFailed, true}:   ActionRequeue,
		{ConditionFailed, false}:  ActionSkip,
	}}
}

// Set overrides the action for one diagnosis.
func (r *Rules) Set(c Condition, critical bool, a Action) {
	if r.table == nil {
		r.table = make(map[ruleKey]Action)
	}
	r.table[ruleKey{c, critical}] = a
}

// Lookup returns the configured action, defaulting to escalate so an
// unmapped diagnosis is surfaced rather than acted on blindly.
func (r Rules) Lookup(c Condition, critical bool) Action {
	if a, ok := r.table[ruleKey{c, critical}]; ok {
		return a
	}
	return ActionEscalate
}
