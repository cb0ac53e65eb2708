package relay

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Recognized directive names (without the $ prefix).
const (
	DirectiveTimeout = "timeout"
	DirectiveSlow    = "slow"
	DirectiveLocal   = "local"
	DirectiveNowait  = "nowait"
	DirectiveNotify  = "notify"
	DirectiveID      = "id"
	DirectiveBreak   = "break"
)

// Headers is the resolved option set of one call. A fresh value is built
// for every Act and is never shared between calls; hooks may change it while
// the chain runs (for example setting Break).
type Headers struct {
	// ID identifies the call. Generated when the caller does not supply one.
	ID string
	// Timeout bounds the chain. Zero means no deadline.
	Timeout time.Duration
	// Slow is the elapsed time above which a warning is emitted. Zero disables it.
	Slow time.Duration
	// Local restricts lookup to routes bound to in-process handlers.
	Local bool
	// Nowait detaches the chain; Act returns immediately with no value.
	Nowait bool
	// Notify emits the result on the call's routing key.
	Notify bool
	// Targets lists transports that also publish the notification.
	Targets []string
	// Break short-circuits the remaining chain when set by a hook. It always
	// starts false: a $break directive is ignored.
	Break bool
	// Pattern is the matched route pattern.
	Pattern string
	// Extra holds unrecognized directives in permissive mode.
	Extra map[string]any

	timeoutSet bool
}

// Defaults are the engine-level fallbacks of the header resolver.
type Defaults struct {
	Timeout time.Duration
	Slow    time.Duration
	Notify  bool
}

// resolveHeaders merges registration-time and call-time directives over
// engine defaults. Call-time values win over registration-time values,
// which win over defaults. Unknown directives are an error when strict is
// set and are kept in Extra otherwise.
func resolveHeaders(add, act Directives, def Defaults, strict bool) (*Headers, error) {
	merged := Directives{}
	maps.Copy(merged, add)
	maps.Copy(merged, act)

	h := &Headers{
		Timeout: def.Timeout,
		Slow:    def.Slow,
		Notify:  def.Notify,
	}

	for name, raw := range merged {
		var err error
		switch name {
		case DirectiveTimeout:
			h.Timeout, err = durationValue(raw)
			h.timeoutSet = true
		case DirectiveSlow:
			h.Slow, err = durationValue(raw)
		case DirectiveLocal:
			h.Local, err = boolValue(raw)
		case DirectiveNowait:
			h.Nowait, err = boolValue(raw)
		case DirectiveBreak:
			// Only a before hook may set Break; a directive is validated and dropped.
			_, err = boolValue(raw)
		case DirectiveNotify:
			h.Notify, h.Targets, err = notifyValue(raw)
		case DirectiveID:
			h.ID, err = idValue(raw)
		default:
			if strict {
				return nil, fmt.Errorf("unknown directive $%s", name)
			}
			if h.Extra == nil {
				h.Extra = map[string]any{}
			}
			h.Extra[name] = raw
		}
		if err != nil {
			return nil, fmt.Errorf("directive $%s: %w", name, err)
		}
	}

	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	return h, nil
}

func (h *Headers) clone() *Headers {
	c := *h
	c.Targets = slices.Clone(h.Targets)
	c.Extra = maps.Clone(h.Extra)
	return &c
}

// Directives converts the headers back to directive form, for example to
// forward them through a transport.
func (h *Headers) Directives() Directives {
	d := Directives{
		DirectiveID:     h.ID,
		DirectiveLocal:  h.Local,
		DirectiveNowait: h.Nowait,
	}
	if h.Timeout > 0 {
		d[DirectiveTimeout] = h.Timeout.Milliseconds()
	}
	if h.Slow > 0 {
		d[DirectiveSlow] = h.Slow.Milliseconds()
	}
	switch {
	case len(h.Targets) > 0:
		d[DirectiveNotify] = h.Targets
	case h.Notify:
		d[DirectiveNotify] = true
	}
	maps.Copy(d, h.Extra)
	return d
}

// durationValue accepts milliseconds as any number or numeric string, or
// a time.Duration.
func durationValue(v any) (time.Duration, error) {
	switch x := v.(type) {
	case time.Duration:
		return checkDuration(x)
	case string:
		if d, err := time.ParseDuration(x); err == nil {
			return checkDuration(d)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("expected milliseconds, got %q", x)
		}
		return checkDuration(time.Duration(f * float64(time.Millisecond)))
	case nil:
		return 0, nil
	case bool:
		return 0, fmt.Errorf("expected milliseconds, got bool")
	}
	s, ok := scalarText(v)
	if !ok {
		return 0, fmt.Errorf("expected milliseconds, got %T", v)
	}
	return durationValue(s)
}

func checkDuration(d time.Duration) (time.Duration, error) {
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}

func boolValue(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("expected boolean, got %q", x)
		}
		return b, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

// notifyValue accepts a boolean, a transport name, or a list of names.
// Naming targets implies local notification too.
func notifyValue(v any) (bool, []string, error) {
	switch x := v.(type) {
	case bool:
		return x, nil, nil
	case string:
		if b, err := strconv.ParseBool(x); err == nil {
			return b, nil, nil
		}
		var targets []string
		for _, t := range strings.Split(x, "|") {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
		return len(targets) > 0, targets, nil
	case []string:
		return len(x) > 0, x, nil
	case []any:
		targets := make([]string, 0, len(x))
		for _, t := range x {
			s, ok := t.(string)
			if !ok {
				return false, nil, fmt.Errorf("expected transport name, got %T", t)
			}
			targets = append(targets, s)
		}
		return len(targets) > 0, targets, nil
	case nil:
		return false, nil, nil
	default:
		return false, nil, fmt.Errorf("expected boolean or transport names, got %T", v)
	}
}

func idValue(v any) (string, error) {
	s, ok := scalarText(v)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}
