package models

// FlowStatus is the outcome of a coordinated multi-step flow.
type FlowStatus string

const (
	FlowCompleted FlowStatus = "COMPLETED"
	FlowAborted   FlowStatus = "ABORTED"
)

// FlowResult summarises a finished flow. Ledger operations are not
// reversible by this layer, so an aborted flow reports which step
// failed but lists any transactions that had already confirmed.
type FlowResult struct {
	Status       FlowStatus `json:"status"`
	AbortedStep  string     `json:"aborted_step,omitempty"`
	AbortReason  string     `json:"abort_reason,omitempty"`
	TxIDs        []string   `json:"tx_ids"`
	SkippedSteps []string   `json:"skipped_steps,omitempty"`
}
