// Package mqtt implements a relay transport over an MQTT broker. Calls are
// published on <prefix>/act and answered on a per-client reply topic;
// notifications travel on <prefix>/notify.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/bjaus/relay"
	"github.com/bjaus/relay/logger"
)

// ErrNotConnected is returned when the transport is used before Connect.
var ErrNotConnected = fmt.Errorf("mqtt: %w", relay.ErrNotConnected)

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
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

	mu      sync.Mutex
	cli     pahoClient
	subs    map[string]paho.MessageHandler
	pending map[string]chan relay.Envelope
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a transport. Inbound calls are dispatched on e.
func New(cfg Config, e *relay.Engine, opts ...Option) *Transport {
	cfg.SetDefaults()
	t := &Transport{
		cfg:     cfg,
		engine:  e,
		log:     logger.New("mqtt"),
		subs:    make(map[string]paho.MessageHandler),
		pending: make(map[string]chan relay.Envelope),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Plugin returns a relay plugin registering the transport under cfg.Name.
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

// Connect connects to the broker and subscribes to the reply topic.
// Calling it again while connected is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.cli != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	opts, err := NewClientOptions(t.cfg)
	if err != nil {
		return err
	}
	opts.OnConnect = func(_ paho.Client) {
		t.log.Infof("MQTT connected")
		t.resubscribe()
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		t.log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		t.log.Warnf("reconnecting to MQTT broker")
	}

	c := newMQTTClient(opts)
	if err := waitToken(ctx, c.Connect()); err != nil {
		return fmt.Errorf("connect %s: %w", t.cfg.Broker, err)
	}
	t.mu.Lock()
	t.cli = c
	t.mu.Unlock()
	return t.subscribe(ctx, t.cfg.ReplyTopic(), t.onReply)
}

// resubscribe restores the subscriptions after the broker dropped the
// session.
func (t *Transport) resubscribe() {
	t.mu.Lock()
	cli := t.cli
	subs := maps.Clone(t.subs)
	t.mu.Unlock()
	if cli == nil {
		return
	}
	for topic, cb := range subs {
		if tok := cli.Subscribe(topic, t.cfg.QoS, cb); tok.Wait() && tok.Error() != nil {
			t.log.Errorf("subscribe error: %v", tok.Error())
		}
	}
}

// Disconnect closes the broker connection. Calls waiting for a reply end
// when their context does.
func (t *Transport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	cli := t.cli
	t.cli = nil
	clear(t.subs)
	t.mu.Unlock()
	if cli != nil && cli.IsConnected() {
		cli.Disconnect(250)
	}
	return nil
}

func (t *Transport) client() (pahoClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cli == nil {
		return nil, ErrNotConnected
	}
	return t.cli, nil
}

func (t *Transport) subscribe(ctx context.Context, topic string, cb paho.MessageHandler) error {
	cli, err := t.client()
	if err != nil {
		return err
	}
	if err := waitToken(ctx, cli.Subscribe(topic, t.cfg.QoS, cb)); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	t.mu.Lock()
	t.subs[topic] = cb
	t.mu.Unlock()
	return nil
}

func (t *Transport) subscribed(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subs[topic]
	return ok
}

func (t *Transport) publish(ctx context.Context, topic string, payload []byte) error {
	cli, err := t.client()
	if err != nil {
		return err
	}
	if err := waitToken(ctx, cli.Publish(topic, t.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Send publishes the call on the act topic and waits for the reply on
// this client's reply topic. Errors reported by the remote engine come
// back with their kind.
func (t *Transport) Send(ctx context.Context, msg relay.Message, h *relay.Headers) (any, error) {
	if _, err := t.client(); err != nil {
		return nil, &relay.Error{Kind: relay.KindTransport, Pattern: h.Pattern, Err: err}
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout())
		defer cancel()
	}

	env := relay.RequestEnvelope(msg, h)
	env.ReplyTo = t.cfg.ReplyTopic()
	data, err := env.Encode()
	if err != nil {
		return nil, &relay.Error{Kind: relay.KindUsage, Pattern: h.Pattern, Err: fmt.Errorf("encode request: %w", err)}
	}

	ch := make(chan relay.Envelope, 1)
	t.mu.Lock()
	if _, ok := t.pending[h.ID]; ok {
		t.mu.Unlock()
		return nil, &relay.Error{Kind: relay.KindUsage, Pattern: h.Pattern, Message: fmt.Sprintf("call %s already in flight", h.ID)}
	}
	t.pending[h.ID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, h.ID)
		t.mu.Unlock()
	}()

	if err := t.publish(ctx, t.cfg.ActTopic(), data); err != nil {
		return nil, &relay.Error{Kind: relay.KindTransport, Pattern: h.Pattern, Err: err}
	}
	select {
	case reply := <-ch:
		if err := reply.Err(); err != nil {
			return nil, err
		}
		return reply.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) onReply(_ paho.Client, m paho.Message) {
	id, ok := relay.PeekID(m.Payload())
	if !ok {
		t.log.Warnf("reply without id on %s dropped", m.Topic())
		return
	}
	t.mu.Lock()
	ch, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		t.log.Debugf("reply %s has no pending call", id)
		return
	}
	env, err := relay.DecodeEnvelope(m.Payload())
	if err != nil {
		t.log.Errorf("failed to decode reply %s: %v", id, err)
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// Listen subscribes to the act topic, shared when a group is configured.
// Every inbound call re-enters the engine as a local call and is answered
// on the caller's reply topic.
func (t *Transport) Listen(ctx context.Context) error {
	topic := t.cfg.ListenTopic()
	if t.subscribed(topic) {
		return nil
	}
	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := t.subscribe(ctx, topic, func(_ paho.Client, m paho.Message) {
		t.serve(serveCtx, m.Payload())
	}); err != nil {
		cancel()
		return err
	}
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	t.log.Infof("listening on %s", topic)
	return nil
}

func (t *Transport) serve(ctx context.Context, payload []byte) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		env, err := relay.DecodeEnvelope(payload)
		if err != nil {
			t.log.Warnf("dropping malformed request: %v", err)
			return
		}
		var result any
		reply, err := t.engine.ActRaw(ctx, env.Message, env.Directives())
		if reply != nil {
			result = reply.Result
		}
		if env.ReplyTo == "" {
			return
		}
		data, encErr := relay.ReplyEnvelope(env.ID(), result, err).Encode()
		if encErr != nil {
			data, _ = relay.ReplyEnvelope(env.ID(), nil, fmt.Errorf("encode result: %w", encErr)).Encode()
		}
		if err := t.publish(ctx, env.ReplyTo, data); err != nil {
			t.log.Errorf("reply to %s: %v", env.ID(), err)
		}
	}()
}

// Close unsubscribes from the act topic and waits for inbound calls in
// flight.
func (t *Transport) Close(ctx context.Context) error {
	topic := t.cfg.ListenTopic()
	t.mu.Lock()
	cli, cancel := t.cli, t.cancel
	_, listening := t.subs[topic]
	delete(t.subs, topic)
	t.cancel = nil
	t.mu.Unlock()

	var err error
	if cli != nil && listening {
		err = waitToken(ctx, cli.Unsubscribe(topic))
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

// Follow subscribes to the notify topic and hands every notification to
// deliver.
func (t *Transport) Follow(ctx context.Context, deliver relay.DeliverFunc) error {
	topic := t.cfg.NotifyTopic()
	if t.subscribed(topic) {
		return nil
	}
	return t.subscribe(ctx, topic, func(_ paho.Client, m paho.Message) {
		env, err := relay.DecodeEnvelope(m.Payload())
		if err != nil {
			t.log.Warnf("dropping malformed notification: %v", err)
			return
		}
		deliver(env.Notification())
	})
}

// Publish sends a notification to remote followers.
func (t *Transport) Publish(ctx context.Context, n relay.Notification) error {
	data, err := relay.NotificationEnvelope(n).Encode()
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return t.publish(ctx, t.cfg.NotifyTopic(), data)
}

func waitToken(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
