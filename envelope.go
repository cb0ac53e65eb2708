package relay

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when an envelope is not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

// Envelope is the wire form shared by transports. The same shape carries
// requests, replies and notifications; unused fields are omitted.
type Envelope struct {
	// Key is the routing key of a notification.
	Key string `json:"key,omitempty"`
	// ReplyTo is where a request's reply must be sent, for transports
	// without native request/reply.
	ReplyTo string `json:"reply_to,omitempty"`
	// Message is the call message.
	Message Message `json:"message,omitempty"`
	// Headers carries the directives that survive the hop.
	Headers *WireHeaders `json:"headers,omitempty"`
	// Result is the call result of a reply or notification.
	Result any `json:"result,omitempty"`
	// Error is set when the call failed.
	Error *WireError `json:"error,omitempty"`
}

// WireHeaders is the transported subset of Headers.
type WireHeaders struct {
	ID      string   `json:"id"`
	Timeout int64    `json:"timeout,omitempty"`
	Nowait  bool     `json:"nowait,omitempty"`
	Notify  bool     `json:"notify,omitempty"`
	Targets []string `json:"targets,omitempty"`
	Local   bool     `json:"local,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// WireError is an error with its kind preserved across the hop.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Pattern string `json:"pattern,omitempty"`
}

// RequestEnvelope builds the envelope of an outgoing call.
func RequestEnvelope(msg Message, h *Headers) Envelope {
	return Envelope{Message: msg, Headers: wireHeaders(h)}
}

// ReplyEnvelope builds the reply to the request identified by id.
func ReplyEnvelope(id string, result any, err error) Envelope {
	env := Envelope{Headers: &WireHeaders{ID: id}}
	if err != nil {
		env.Error = wireError(err)
		return env
	}
	env.Result = result
	return env
}

// NotificationEnvelope builds the envelope published for n.
func NotificationEnvelope(n Notification) Envelope {
	env := Envelope{
		Key:     n.Key,
		Message: n.Message,
		Headers: wireHeaders(n.Headers),
		Result:  n.Result,
	}
	if n.Err != nil {
		env.Error = wireError(n.Err)
	}
	return env
}

func wireHeaders(h *Headers) *WireHeaders {
	if h == nil {
		return nil
	}
	return &WireHeaders{
		ID:      h.ID,
		Timeout: h.Timeout.Milliseconds(),
		Nowait:  h.Nowait,
		Notify:  h.Notify,
		Targets: h.Targets,
		Local:   h.Local,
		Pattern: h.Pattern,
	}
}

func wireError(err error) *WireError {
	we := &WireError{Kind: KindOf(err).String(), Message: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		we.Pattern = e.Pattern
		we.Message = e.text()
	}
	return we
}

// Encode returns the JSON form of the envelope.
func (env Envelope) Encode() ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope parses a wire envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, ErrInvalidJSON
	}
	doc := gjson.ParseBytes(raw)

	env := Envelope{
		Key:     doc.Get("key").String(),
		ReplyTo: doc.Get("reply_to").String(),
	}
	if m, ok := doc.Get("message").Value().(map[string]any); ok {
		env.Message = Message(m)
	}
	if h := doc.Get("headers"); h.IsObject() {
		env.Headers = &WireHeaders{
			ID:      h.Get("id").String(),
			Timeout: h.Get("timeout").Int(),
			Nowait:  h.Get("nowait").Bool(),
			Notify:  h.Get("notify").Bool(),
			Local:   h.Get("local").Bool(),
			Pattern: h.Get("pattern").String(),
		}
		for _, t := range h.Get("targets").Array() {
			env.Headers.Targets = append(env.Headers.Targets, t.String())
		}
	}
	if r := doc.Get("result"); r.Exists() {
		env.Result = r.Value()
	}
	if e := doc.Get("error"); e.IsObject() {
		env.Error = &WireError{
			Kind:    e.Get("kind").String(),
			Message: e.Get("message").String(),
			Pattern: e.Get("pattern").String(),
		}
	}
	return env, nil
}

// PeekID returns headers.id of a raw envelope without decoding the rest.
func PeekID(raw []byte) (string, bool) {
	r := gjson.GetBytes(raw, "headers.id")
	if !r.Exists() || r.Type != gjson.String {
		return "", false
	}
	return r.String(), true
}

// ID returns the call id carried by the envelope.
func (env Envelope) ID() string {
	if env.Headers == nil {
		return ""
	}
	return env.Headers.ID
}

// Err rebuilds the remote error, preserving its kind. Nil when the call
// succeeded.
func (env Envelope) Err() error {
	if env.Error == nil {
		return nil
	}
	return &Error{
		Kind:    ParseKind(env.Error.Kind),
		Pattern: env.Error.Pattern,
		Message: env.Error.Message,
	}
}

// Directives returns the call directives an inbound request re-enters the
// engine with. The local directive is always set so the call never leaves
// through a transport again.
func (env Envelope) Directives() Directives {
	d := Directives{DirectiveLocal: true}
	if env.Headers == nil {
		return d
	}
	if env.Headers.ID != "" {
		d[DirectiveID] = env.Headers.ID
	}
	if env.Headers.Timeout > 0 {
		d[DirectiveTimeout] = time.Duration(env.Headers.Timeout) * time.Millisecond
	}
	if env.Headers.Nowait {
		d[DirectiveNowait] = true
	}
	return d
}

// Notification rebuilds a notification received from a remote engine.
func (env Envelope) Notification() Notification {
	n := Notification{
		Key:     env.Key,
		Result:  env.Result,
		Err:     env.Err(),
		Message: env.Message,
	}
	if env.Headers != nil {
		n.Headers = &Headers{
			ID:      env.Headers.ID,
			Timeout: time.Duration(env.Headers.Timeout) * time.Millisecond,
			Notify:  env.Headers.Notify,
			Targets: env.Headers.Targets,
			Pattern: env.Headers.Pattern,
		}
	}
	return n
}
