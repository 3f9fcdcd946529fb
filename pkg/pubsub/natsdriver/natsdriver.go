// Package natsdriver implements pubsub.Driver over github.com/nats-io/nats.go,
// grounded on the teacher's pkg/source/nats and pkg/sink/nats connectors:
// the same nats.Connect with token/userinfo nats.Option construction and
// ensure-connected-on-demand shape, generalized from JetStream durable
// consumer bookkeeping (the connectors' concern) to the engine's plain
// core NATS publish/subscribe/request (the engine has no need for
// JetStream's at-least-once redelivery semantics: durability lives in
// the DurableStore, not in the transport).
package natsdriver

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/coilrun/gasoline/pkg/pubsub"
)

// Driver wraps a *nats.Conn.
type Driver struct {
	url  string
	opts []nats.Option

	mu sync.Mutex
	nc *nats.Conn
}

// Option configures connection credentials, mirroring the teacher's
// NewNatsJetStreamSource token/username/password parameters.
type Option func(*Driver)

func WithToken(token string) Option {
	return func(d *Driver) { d.opts = append(d.opts, nats.Token(token)) }
}

func WithUserInfo(username, password string) Option {
	return func(d *Driver) { d.opts = append(d.opts, nats.UserInfo(username, password)) }
}

// New returns a driver that connects lazily on first use.
func New(url string, opts ...Option) *Driver {
	d := &Driver{url: url}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) conn() (*nats.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nc != nil && d.nc.IsConnected() {
		return d.nc, nil
	}
	nc, err := nats.Connect(d.url, d.opts...)
	if err != nil {
		return nil, err
	}
	d.nc = nc
	return nc, nil
}

func (d *Driver) Publish(ctx context.Context, subject string, data []byte) error {
	nc, err := d.conn()
	if err != nil {
		return err
	}
	return nc.Publish(subject, data)
}

type subscription struct{ sub *nats.Subscription }

func (s *subscription) Unsubscribe() error { return s.sub.Unsubscribe() }

func (d *Driver) Subscribe(ctx context.Context, subject string, handler func(pubsub.Msg)) (pubsub.Subscription, error) {
	nc, err := d.conn()
	if err != nil {
		return nil, err
	}
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		handler(pubsub.Msg{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, err
	}
	return &subscription{sub: sub}, nil
}

func (d *Driver) Request(ctx context.Context, subject string, data []byte) (pubsub.Msg, error) {
	nc, err := d.conn()
	if err != nil {
		return pubsub.Msg{}, err
	}
	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return pubsub.Msg{}, err
	}
	return pubsub.Msg{Subject: msg.Subject, Data: msg.Data}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nc != nil {
		d.nc.Close()
	}
	return nil
}

var _ pubsub.Driver = (*Driver)(nil)
