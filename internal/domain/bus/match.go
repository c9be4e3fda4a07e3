package bus

import "strings"

// [TOPIC_MATCHING]
// Topics are dot-separated. In a pattern "*" stands for exactly one segment
// and "#" for zero or more, the same way AMQP topic exchanges bind keys.
// "chat.*" matches "chat.message"; "chat.#" also matches "chat" and "chat.a.b".

type pattern struct {
	raw      string
	segments []string
	literal  bool
}

func compilePattern(raw string) pattern {
	return pattern{
		raw:      raw,
		segments: strings.Split(raw, "."),
		literal:  !strings.ContainsAny(raw, "*#"),
	}
}

func (p pattern) match(topic string) bool {
	if p.literal {
		return p.raw == topic
	}
	return matchSegments(p.segments, strings.Split(topic, "."))
}

// Match reports whether topic is routed to a subscription on pattern.
func Match(pattern, topic string) bool {
	return compilePattern(pattern).match(topic)
}

func matchSegments(pat, topic []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "#":
			// Collapse consecutive "#" and try every split point.
			rest := pat[1:]
			for len(rest) > 0 && rest[0] == "#" {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(topic); i++ {
				if matchSegments(rest, topic[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(topic) == 0 {
				return false
			}
		default:
			if len(topic) == 0 || pat[0] != topic[0] {
				return false
			}
		}
		pat, topic = pat[1:], topic[1:]
	}
	return len(topic) == 0
}
