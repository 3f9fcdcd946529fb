// Package memdriver is an in-memory pubsub.Driver for tests and
// single-process deployments: no network, synchronous fan-out on the
// publishing goroutine. A mutex guards the subscription table only;
// handlers run after it is released. It exists because exercising the durable workflow engine's
// tests against a real NATS server is undesirable; the in-process
// driver gives the same Publish/Subscribe/Request contract.
package memdriver

import (
	"context"
	"errors"
	"sync"

	"github.com/coilrun/gasoline/pkg/pubsub"
)

type Driver struct {
	mu       sync.Mutex
	subs     map[string][]*subscription
	nextID   int
}

// New returns a ready in-memory driver.
func New() *Driver {
	return &Driver{subs: make(map[string][]*subscription)}
}

type subscription struct {
	id      int
	subject string
	driver  *Driver
	handler func(pubsub.Msg)
}

func (s *subscription) Unsubscribe() error {
	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	list := s.driver.subs[s.subject]
	for i, sub := range list {
		if sub.id == s.id {
			s.driver.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (d *Driver) Publish(ctx context.Context, subject string, data []byte) error {
	d.mu.Lock()
	subs := append([]*subscription(nil), d.subs[subject]...)
	d.mu.Unlock()
	for _, s := range subs {
		s.handler(pubsub.Msg{Subject: subject, Data: data})
	}
	return nil
}

func (d *Driver) Subscribe(ctx context.Context, subject string, handler func(pubsub.Msg)) (pubsub.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := &subscription{id: d.nextID, subject: subject, driver: d, handler: handler}
	d.subs[subject] = append(d.subs[subject], sub)
	return sub, nil
}

// Request publishes on subject and blocks until the first subsequent
// Publish to subject+".reply" arrives or ctx is done.
func (d *Driver) Request(ctx context.Context, subject string, data []byte) (pubsub.Msg, error) {
	replySubject := subject + ".reply"
	replies := make(chan pubsub.Msg, 1)
	sub, err := d.Subscribe(ctx, replySubject, func(m pubsub.Msg) {
		select {
		case replies <- m:
		default:
		}
	})
	if err != nil {
		return pubsub.Msg{}, err
	}
	defer sub.Unsubscribe()

	if err := d.Publish(ctx, subject, data); err != nil {
		return pubsub.Msg{}, err
	}

	select {
	case m := <-replies:
		return m, nil
	case <-ctx.Done():
		return pubsub.Msg{}, errors.New("pubsub: request timed out waiting for reply on " + replySubject)
	}
}

func (d *Driver) Close() error { return nil }

var _ pubsub.Driver = (*Driver)(nil)
