package relay

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

// DirectivePrefix marks a key as a directive rather than a match criterion.
const DirectivePrefix = "$"

// Pattern addresses a handler. Every key must be present in a call message
// and satisfy its Criterion for the pattern to match.
type Pattern map[string]Criterion

// Message is the merged payload of one call: the keys used for matching
// plus any extra data for the handler.
type Message map[string]any

// Directives holds raw $-prefixed options with the prefix stripped.
type Directives map[string]any

// Match reports whether every key of p is present in msg with a value that
// satisfies its criterion. Keys of msg that p does not name are ignored.
func (p Pattern) Match(msg Message) bool {
	if len(p) == 0 {
		return false
	}
	for k, c := range p {
		v, ok := msg[k]
		if !ok || !c.Matches(v) {
			return false
		}
	}
	return true
}

// Equal reports whether p and o have the same key set and equal criteria.
func (p Pattern) Equal(o Pattern) bool {
	if len(p) != len(o) {
		return false
	}
	for k, c := range p {
		oc, ok := o[k]
		if !ok || !c.Equal(oc) {
			return false
		}
	}
	return true
}

// String renders the pattern in text syntax with sorted keys.
func (p Pattern) String() string {
	parts := make([]string, 0, len(p))
	for _, k := range slices.Sorted(maps.Keys(p)) {
		c := p[k]
		if c.Kind() == AnyCriterion {
			parts = append(parts, k)
			continue
		}
		parts = append(parts, k+":"+c.String())
	}
	return strings.Join(parts, ", ")
}

// RoutingKey derives the notification topic of the pattern: sorted keys,
// each followed by its literal value or a single-segment wildcard.
func (p Pattern) RoutingKey() string {
	var segs []string
	for _, k := range slices.Sorted(maps.Keys(p)) {
		v, ok := p[k].literalText()
		if !ok {
			v = wildcardOne
		}
		segs = append(segs, segment(k), segment(v))
	}
	return strings.Join(segs, topicSeparator)
}

// Clone returns a shallow copy of the message.
func (m Message) Clone() Message {
	return maps.Clone(m)
}

// String renders the message in text syntax with sorted keys. Nested
// values are shown by their key names only.
func (m Message) String() string {
	parts := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		switch v := m[k].(type) {
		case map[string]any:
			parts = append(parts, fmt.Sprintf("%s:{%s}", k, strings.Join(slices.Sorted(maps.Keys(v)), ",")))
		case Message:
			parts = append(parts, fmt.Sprintf("%s:{%s}", k, strings.Join(slices.Sorted(maps.Keys(v)), ",")))
		default:
			parts = append(parts, k+":"+textOf(v))
		}
	}
	return strings.Join(parts, ", ")
}

// RoutingKey derives the notification topic of a call message. Scalar values
// become segments; composite values become a single-segment wildcard.
func (m Message) RoutingKey() string {
	var segs []string
	for _, k := range slices.Sorted(maps.Keys(m)) {
		v, ok := scalarText(m[k])
		if !ok {
			v = wildcardOne
		}
		segs = append(segs, segment(k), segment(v))
	}
	return strings.Join(segs, topicSeparator)
}

// segment keeps a key or value from splitting a topic.
func segment(s string) string {
	return strings.ReplaceAll(s, topicSeparator, "_")
}

type textField struct {
	key      string
	value    string
	hasValue bool
}

// splitText tokenizes "key:value, key, $directive:value". With regexps
// set, a value opening with a slash runs to its closing slash, so commas
// inside a regular expression do not split the field.
func splitText(s string, regexps bool) ([]textField, error) {
	parts, err := splitFields(s, regexps)
	if err != nil {
		return nil, err
	}
	var fields []textField
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, ":")
		key = strings.TrimSpace(key)
		if key == "" || key == DirectivePrefix {
			return nil, fmt.Errorf("empty key in %q", s)
		}
		fields = append(fields, textField{key: key, value: strings.TrimSpace(value), hasValue: hasValue})
	}
	return fields, nil
}

func splitFields(s string, regexps bool) ([]string, error) {
	if !regexps {
		return strings.Split(s, ","), nil
	}
	var parts []string
	start := 0
	inValue, inRegexp := false, false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case inRegexp:
			if c == '\\' {
				i++
			} else if c == '/' {
				inRegexp = false
			}
		case c == ',':
			parts = append(parts, s[start:i])
			start = i + 1
			inValue = false
		case c == ':' && !inValue:
			inValue = true
			j := i + 1
			for j < len(s) && s[j] == ' ' {
				j++
			}
			if j < len(s) && s[j] == '/' {
				inRegexp = true
				i = j
			}
		}
	}
	if inRegexp {
		return nil, fmt.Errorf("unterminated regular expression in %q", s)
	}
	return append(parts, s[start:]), nil
}

// ParsePattern parses the text syntax into a registration pattern and its
// directives. An omitted value matches any value; a value wrapped in slashes
// is a regular expression.
//
//	relay.ParsePattern("role:test, act:/echo.*/, id, $timeout:500")
func ParsePattern(s string) (Pattern, Directives, error) {
	fields, err := splitText(s, true)
	if err != nil {
		return nil, nil, err
	}
	p := Pattern{}
	d := Directives{}
	for _, f := range fields {
		if name, ok := strings.CutPrefix(f.key, DirectivePrefix); ok {
			d[name] = directiveText(f)
			continue
		}
		switch {
		case f.value == "":
			p[f.key] = Any()
		case isRegexText(f.value):
			re, err := regexp.Compile(f.value[1 : len(f.value)-1])
			if err != nil {
				return nil, nil, fmt.Errorf("key %s: %w", f.key, err)
			}
			p[f.key] = Regexp(re)
		default:
			p[f.key] = Literal(f.value)
		}
	}
	return p, d, nil
}

// ParseMessage parses the text syntax into a call message and its
// directives. A key without a value is set to true.
func ParseMessage(s string) (Message, Directives, error) {
	fields, err := splitText(s, false)
	if err != nil {
		return nil, nil, err
	}
	m := Message{}
	d := Directives{}
	for _, f := range fields {
		if name, ok := strings.CutPrefix(f.key, DirectivePrefix); ok {
			d[name] = directiveText(f)
			continue
		}
		if !f.hasValue {
			m[f.key] = true
			continue
		}
		m[f.key] = f.value
	}
	return m, d, nil
}

func directiveText(f textField) any {
	if !f.hasValue {
		return true
	}
	return f.value
}

func isRegexText(s string) bool {
	return len(s) >= 2 && s[0] == '/' && s[len(s)-1] == '/'
}

// normalizePattern merges registration fragments into one pattern. Later
// fragments override earlier ones key by key.
func normalizePattern(args ...any) (Pattern, Directives, error) {
	p := Pattern{}
	d := Directives{}
	for _, arg := range args {
		switch x := arg.(type) {
		case nil:
			continue
		case string:
			if strings.TrimSpace(x) == "" {
				return nil, nil, fmt.Errorf("empty pattern fragment")
			}
			fp, fd, err := ParsePattern(x)
			if err != nil {
				return nil, nil, err
			}
			maps.Copy(p, fp)
			maps.Copy(d, fd)
		case Pattern:
			maps.Copy(p, x)
		case Directives:
			maps.Copy(d, x)
		case Message:
			if err := mergeCriteria(p, d, x); err != nil {
				return nil, nil, err
			}
		case map[string]any:
			if err := mergeCriteria(p, d, x); err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, fmt.Errorf("unsupported pattern fragment %T", arg)
		}
	}
	return p, d, nil
}

func mergeCriteria(p Pattern, d Directives, m map[string]any) error {
	for k, v := range m {
		if name, ok := strings.CutPrefix(k, DirectivePrefix); ok {
			d[name] = v
			continue
		}
		c, err := criterionOf(v)
		if err != nil {
			return fmt.Errorf("key %s: %w", k, err)
		}
		p[k] = c
	}
	return nil
}

// normalizeMessage merges call fragments into one message. Later fragments
// override earlier ones key by key.
func normalizeMessage(args ...any) (Message, Directives, error) {
	m := Message{}
	d := Directives{}
	for _, arg := range args {
		switch x := arg.(type) {
		case nil:
			continue
		case string:
			if strings.TrimSpace(x) == "" {
				return nil, nil, fmt.Errorf("empty pattern fragment")
			}
			fm, fd, err := ParseMessage(x)
			if err != nil {
				return nil, nil, err
			}
			maps.Copy(m, fm)
			maps.Copy(d, fd)
		case Message:
			splitDirectives(m, d, x)
		case map[string]any:
			splitDirectives(m, d, x)
		case Directives:
			maps.Copy(d, x)
		case Pattern:
			for k, c := range x {
				v, ok := c.literalText()
				if !ok {
					return nil, nil, fmt.Errorf("key %s: %s criterion cannot be sent", k, c.Kind())
				}
				m[k] = v
			}
		default:
			return nil, nil, fmt.Errorf("unsupported message fragment %T", arg)
		}
	}
	return m, d, nil
}

func splitDirectives(m Message, d Directives, src map[string]any) {
	for k, v := range src {
		if name, ok := strings.CutPrefix(k, DirectivePrefix); ok {
			d[name] = v
			continue
		}
		m[k] = v
	}
}
