// Package history models the ordered, replayable event log backing one
// workflow (component C2). It is grounded on the teacher's append-only
// event store (pkg/eventstore in the source tree this engine was adapted
// from): a per-stream monotonic offset plus an optimistic-concurrency
// "expected version" check becomes, here, a per-workflow monotonic
// sequence plus the (name, input-hash) equality check at a Location.
package history

import "encoding/json"

// EventType enumerates the variants a history row can hold (spec §3).
type EventType string

const (
	EventActivity    EventType = "Activity"
	EventSignal      EventType = "Signal"
	EventSignalSend  EventType = "SignalSend"
	EventMessageSend EventType = "MessageSend"
	EventSubWorkflow EventType = "SubWorkflow"
	EventBranch      EventType = "Branch"
	EventLoop        EventType = "Loop"
	EventSleep       EventType = "Sleep"
	EventRemoved     EventType = "Removed"
)

// SleepState is the lifecycle of a Sleep event.
type SleepState string

const (
	SleepNormal      SleepState = "Normal"
	SleepInterrupted SleepState = "Interrupted"
)

// Event is one row addressed by (workflow_id, location). Only the fields
// relevant to its Type are populated; the rest are zero. A flat struct
// (rather than a Go interface per variant) keeps (de)serialization to the
// store trivial and mirrors the teacher's single concrete Event struct in
// pkg/eventstore/eventstore.go.
type Event struct {
	Location Location  `json:"location"`
	Seq      int64     `json:"seq"` // monotonic within the workflow, mirrors eventstore.StreamOffset
	Type     EventType  `json:"type"`
	Version  int        `json:"version"`
	CreateTs int64      `json:"create_ts"`

	// Activity
	ActivityName string          `json:"activity_name,omitempty"`
	InputHash    string          `json:"input_hash,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ActivityErr  string          `json:"activity_error,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`

	// Signal (listen result) / SignalSend
	SignalNames       []string          `json:"signal_names,omitempty"` // names passed to listen_any
	SignalID          string            `json:"signal_id,omitempty"`
	SignalMatchedName string            `json:"signal_matched_name,omitempty"` // which of SignalNames actually arrived
	SignalPayload     json.RawMessage   `json:"signal_payload,omitempty"`
	SendName          string            `json:"send_name,omitempty"`
	SendTags          map[string]string `json:"send_tags,omitempty"`

	// MessageSend
	MessageName string            `json:"message_name,omitempty"`
	MessageTags map[string]string `json:"message_tags,omitempty"`

	// SubWorkflow
	SubWorkflowID   string `json:"sub_workflow_id,omitempty"`
	SubWorkflowName string `json:"sub_workflow_name,omitempty"`

	// Loop: a Continue iteration stores LoopIterations/LoopState so replay
	// resumes at the next one; a Break iteration sets LoopDone and stores
	// the loop's final return value in Output.
	LoopIterations int             `json:"loop_iterations,omitempty"`
	LoopState      json.RawMessage `json:"loop_state,omitempty"`
	LoopDone       bool            `json:"loop_done,omitempty"`

	// Sleep
	DeadlineTs int64      `json:"deadline_ts,omitempty"`
	SleepState SleepState `json:"sleep_state,omitempty"`

	// Removed tombstone: no payload, just occupies the location.
}

// IsRemoved reports whether this row is a tombstone.
func (e *Event) IsRemoved() bool { return e.Type == EventRemoved }
