package relay

import "strings"

const (
	topicSeparator = "."
	wildcardOne    = "*"
	wildcardMulti  = "**"
)

// followTopic builds the subscription topic for a pattern. Every key/value
// pair is bracketed by multi-segment wildcards so the subscription matches
// regardless of extra keys in the emitted message. Follow subscriptions
// are matched with pairMatch.
//
// Example: role:test,act:echo -> **.act.echo.**.role.test.**
func followTopic(p Pattern) string {
	key := p.RoutingKey()
	segs := strings.Split(key, topicSeparator)
	var b strings.Builder
	b.WriteString(wildcardMulti)
	for i := 0; i+1 < len(segs); i += 2 {
		b.WriteString(topicSeparator)
		b.WriteString(segs[i])
		b.WriteString(topicSeparator)
		b.WriteString(segs[i+1])
		b.WriteString(topicSeparator)
		b.WriteString(wildcardMulti)
	}
	return b.String()
}

// topicMatch reports whether topic matches the subscription expression.
// "*" matches exactly one segment, "**" matches zero or more.
func topicMatch(expr, topic string) bool {
	return matchSegments(splitTopic(expr), splitTopic(topic), 1)
}

// pairMatch is topicMatch for routing keys: "**" only skips whole key/value
// pairs, so a key never lines up with a value.
func pairMatch(expr, topic string) bool {
	return matchSegments(splitTopic(expr), splitTopic(topic), 2)
}

func splitTopic(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, topicSeparator)
}

// matchSegments matches expr against topic. A "**" skips segments in
// multiples of stride.
func matchSegments(expr, topic []string, stride int) bool {
	if len(expr) == 0 {
		return len(topic) == 0
	}
	switch expr[0] {
	case wildcardMulti:
		for i := 0; i <= len(topic); i += stride {
			if matchSegments(expr[1:], topic[i:], stride) {
				return true
			}
		}
		return false
	case wildcardOne:
		return len(topic) > 0 && matchSegments(expr[1:], topic[1:], stride)
	default:
		return len(topic) > 0 && topic[0] == expr[0] && matchSegments(expr[1:], topic[1:], stride)
	}
}
