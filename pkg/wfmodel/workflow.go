package wfmodel

import "encoding/json"

// Workflow is the durable row backing one user-initiated dispatch. Field
// names and invariants follow spec §3 "Workflow" exactly.
type Workflow struct {
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name"`
	RayID      string `json:"ray_id"`
	CreateTs   int64  `json:"create_ts"`

	Input json.RawMessage `json:"input"`
	Tags  Tags            `json:"tags"`
	State json.RawMessage `json:"state"`

	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`

	WorkerInstanceID *string `json:"worker_instance_id,omitempty"`

	WakeImmediate     bool     `json:"wake_immediate"`
	WakeDeadlineTs    *int64   `json:"wake_deadline_ts,omitempty"`
	WakeSignals       []string `json:"wake_signals,omitempty"`
	WakeSubWorkflowID *string  `json:"wake_sub_workflow_id,omitempty"`

	SilenceTs *int64 `json:"silence_ts,omitempty"`
}

// IsComplete reports whether this workflow has a terminal output. Per
// invariant, a complete workflow can hold no wake condition.
func (w *Workflow) IsComplete() bool {
	return w.Output != nil
}

// IsSilenced reports whether GC/restart must leave this workflow alone.
func (w *Workflow) IsSilenced() bool {
	return w.SilenceTs != nil
}

// HasWakeCondition reports whether any wake field would cause the
// scheduler to consider this workflow due.
func (w *Workflow) HasWakeCondition() bool {
	return w.WakeImmediate || w.WakeDeadlineTs != nil || len(w.WakeSignals) > 0 || w.WakeSubWorkflowID != nil
}

// ClearWake resets every wake field, as complete_workflow does.
func (w *Workflow) ClearWake() {
	w.WakeImmediate = false
	w.WakeDeadlineTs = nil
	w.WakeSignals = nil
	w.WakeSubWorkflowID = nil
}

// SignalState is the lifecycle of a Signal row.
type SignalState string

const (
	SignalPending  SignalState = "Pending"
	SignalAcked    SignalState = "Acked"
	SignalSilenced SignalState = "Silenced"
)

// Signal is a tagged message that can wake a listening workflow exactly once.
type Signal struct {
	SignalID   string          `json:"signal_id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Tags       Tags            `json:"tags"`
	CreateTs   int64           `json:"create_ts"`
	State      SignalState     `json:"state"`
	WorkflowID *string         `json:"workflow_id,omitempty"` // set once routed/consumed
}

// WorkerInstance is the liveness row for one running worker process.
// Lease liveness is derived, not stored: now - LastPingTs < LOST_THRESHOLD.
type WorkerInstance struct {
	WorkerInstanceID string  `json:"worker_instance_id"`
	LastPingTs       int64   `json:"last_ping_ts"`
	CPUUsage         float64 `json:"cpu_usage,omitempty"`
	MemoryUsage      float64 `json:"memory_usage,omitempty"`
}

// LostThresholdMs is the GC dead-worker threshold (spec §5: 30s).
const LostThresholdMs = 30_000

// IsAlive reports liveness at time nowMs.
func (wi *WorkerInstance) IsAlive(nowMs int64) bool {
	return nowMs-wi.LastPingTs < LostThresholdMs
}
