// Package pubsub defines the external messaging surface (spec §6) used
// for completion-notification subjects and fire-and-forget Message
// delivery. Two drivers implement it: memdriver (tests, single-process
// dev) and natsdriver (github.com/nats-io/nats.go, the teacher's own
// messaging dependency, here promoted from a connector-specific source/
// sink library to the engine's own pub/sub transport).
package pubsub

import "context"

// Msg is one delivered message: a subject and its raw payload.
type Msg struct {
	Subject string
	Data    []byte
}

// Subscription can be closed to stop delivery.
type Subscription interface {
	Unsubscribe() error
}

// Driver is the Publish/Subscribe/Request surface spec §6 names.
type Driver interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(Msg)) (Subscription, error)
	// Request publishes data on subject and waits for exactly one reply.
	// The engine itself does not call it: sub-workflow output is read
	// from the store.
	Request(ctx context.Context, subject string, data []byte) (Msg, error)
	Close() error
}

// CompletionSubject derives the subject a workflow's completion is
// published on, per spec §6 "a completion channel subject derived from
// workflow_id".
func CompletionSubject(workflowID string) string {
	return "gasoline.workflow." + workflowID + ".complete"
}
