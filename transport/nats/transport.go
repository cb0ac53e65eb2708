// Package nats implements a relay transport over NATS core request/reply
// and publish/subscribe.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bjaus/relay"
	"github.com/bjaus/relay/logger"
)

// ErrNotConnected is returned when the transport is used before Connect.
var ErrNotConnected = fmt.Errorf("nats: %w", relay.ErrNotConnected)

type subscription interface {
	Unsubscribe() error
}

type conn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (subscription, error)
	Drain() error
}

type natsConn struct {
	*nats.Conn
}

func (c natsConn) Subscribe(subj string, cb nats.MsgHandler) (subscription, error) {
	sub, err := c.Conn.Subscribe(subj, cb)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c natsConn) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (subscription, error) {
	sub, err := c.Conn.QueueSubscribe(subj, queue, cb)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

var dial = func(url string, opts ...nats.Option) (conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return natsConn{nc}, nil
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Transport) {
		t.log = l
	}
}

// Transport sends calls to remote engines and serves calls for the local
// engine. It implements relay.Transport, relay.Connector, relay.Server,
// relay.Follower and relay.Publisher.
type Transport struct {
	cfg    Config
	engine *relay.Engine
	log    logger.Logger

	mu       sync.Mutex
	nc       conn
	listener subscription
	follower subscription
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a transport. Inbound calls are dispatched on e.
func New(cfg Config, e *relay.Engine, opts ...Option) *Transport {
	cfg.SetDefaults()
	t := &Transport{cfg: cfg, engine: e, log: logger.New("nats")}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Plugin returns a relay plugin registering the transport under cfg.Name.
//
// Example:
//
//	if _, err := e.Use(ctx, nats.Plugin(nats.Config{URL: "nats://localhost:4222"})); err != nil {
//	    return err
//	}
func Plugin(cfg Config, opts ...Option) relay.Plugin {
	return func(_ context.Context, e *relay.Engine, _ ...any) (*relay.PluginInfo, error) {
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		info := &relay.PluginInfo{
			Name:      cfg.Name,
			Type:      relay.PluginTransport,
			Transport: New(cfg, e, opts...),
		}
		if d := cfg.Timeout(); d > 0 {
			info.Options = append(info.Options, relay.WithTransportTimeout(d))
		}
		return info, nil
	}
}

// Connect dials the server. Calling it again while connected is a no-op.
func (t *Transport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nc != nil {
		return nil
	}
	nc, err := dial(t.cfg.URL, t.options()...)
	if err != nil {
		return fmt.Errorf("connect %s: %w", t.cfg.URL, err)
	}
	t.nc = nc
	t.log.Infof("NATS connected to %s", t.cfg.URL)
	return nil
}

func (t *Transport) options() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(t.cfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(t.cfg.ReconnectWaitMS) * time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.log.Errorf("connection lost: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			t.log.Warnf("reconnected to NATS")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.log.Infof("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			t.log.Errorf("NATS error: %v", err)
		}),
	}
	if t.cfg.Username != "" && t.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(t.cfg.Username, t.cfg.Password))
	}
	if t.cfg.Token != "" {
		opts = append(opts, nats.Token(t.cfg.Token))
	}
	if t.cfg.ClientName != "" {
		opts = append(opts, nats.Name(t.cfg.ClientName))
	}
	return opts
}

// Disconnect drains the connection, which also ends the subscriptions.
func (t *Transport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	nc := t.nc
	t.nc, t.listener, t.follower = nil, nil, nil
	t.mu.Unlock()
	if nc == nil {
		return nil
	}
	return nc.Drain()
}

func (t *Transport) conn() (conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nc == nil {
		return nil, ErrNotConnected
	}
	return t.nc, nil
}

// Send performs a request/reply round trip on the act subject. Errors
// reported by the remote engine come back with their kind.
func (t *Transport) Send(ctx context.Context, msg relay.Message, h *relay.Headers) (any, error) {
	nc, err := t.conn()
	if err != nil {
		return nil, &relay.Error{Kind: relay.KindTransport, Pattern: h.Pattern, Err: err}
	}
	data, err := relay.RequestEnvelope(msg, h).Encode()
	if err != nil {
		return nil, &relay.Error{Kind: relay.KindUsage, Pattern: h.Pattern, Err: fmt.Errorf("encode request: %w", err)}
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout())
		defer cancel()
	}

	res, err := nc.RequestWithContext(ctx, t.cfg.ActSubject(), data)
	if err != nil {
		return nil, &relay.Error{Kind: relay.KindTransport, Pattern: h.Pattern, Err: fmt.Errorf("request %s: %w", t.cfg.ActSubject(), err)}
	}
	env, err := relay.DecodeEnvelope(res.Data)
	if err != nil {
		return nil, &relay.Error{Kind: relay.KindTransport, Pattern: h.Pattern, Err: fmt.Errorf("decode reply: %w", err)}
	}
	if err := env.Err(); err != nil {
		return nil, err
	}
	return env.Result, nil
}

// Listen joins the queue group on the act subject. Every inbound call
// re-enters the engine as a local call and is answered on its reply
// subject.
func (t *Transport) Listen(ctx context.Context) error {
	nc, err := t.conn()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := nc.QueueSubscribe(t.cfg.ActSubject(), t.cfg.Queue, func(m *nats.Msg) {
		t.serve(ctx, nc, m)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", t.cfg.ActSubject(), err)
	}
	t.listener, t.cancel = sub, cancel
	t.log.Infof("listening on %s (queue %s)", t.cfg.ActSubject(), t.cfg.Queue)
	return nil
}

func (t *Transport) serve(ctx context.Context, nc conn, m *nats.Msg) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		env, err := relay.DecodeEnvelope(m.Data)
		if err != nil {
			t.log.Warnf("dropping malformed request on %s: %v", m.Subject, err)
			return
		}
		var result any
		reply, err := t.engine.ActRaw(ctx, env.Message, env.Directives())
		if reply != nil {
			result = reply.Result
		}
		if m.Reply == "" {
			return
		}
		data, encErr := relay.ReplyEnvelope(env.ID(), result, err).Encode()
		if encErr != nil {
			data, _ = relay.ReplyEnvelope(env.ID(), nil, fmt.Errorf("encode result: %w", encErr)).Encode()
		}
		if err := nc.Publish(m.Reply, data); err != nil {
			t.log.Errorf("reply to %s: %v", env.ID(), err)
		}
	}()
}

// Close leaves the queue group and waits for inbound calls in flight.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	sub, cancel := t.listener, t.cancel
	t.listener, t.cancel = nil, nil
	t.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// Follow subscribes to the notify subject and hands every notification
// to deliver.
func (t *Transport) Follow(_ context.Context, deliver relay.DeliverFunc) error {
	nc, err := t.conn()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.follower != nil {
		return nil
	}
	sub, err := nc.Subscribe(t.cfg.NotifySubject(), func(m *nats.Msg) {
		env, err := relay.DecodeEnvelope(m.Data)
		if err != nil {
			t.log.Warnf("dropping malformed notification: %v", err)
			return
		}
		deliver(env.Notification())
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.cfg.NotifySubject(), err)
	}
	t.follower = sub
	return nil
}

// Publish sends a notification to remote followers.
func (t *Transport) Publish(_ context.Context, n relay.Notification) error {
	nc, err := t.conn()
	if err != nil {
		return err
	}
	data, err := relay.NotificationEnvelope(n).Encode()
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return nc.Publish(t.cfg.NotifySubject(), data)
}
