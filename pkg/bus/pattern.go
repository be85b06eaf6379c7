package bus

import (
	"fmt"
	"strings"
)

// Wildcard words of a binding pattern.
const (
	WordWildcard  = "*" // exactly one word
	TailWildcard  = "#" // zero or more words
	wordSeparator = "."
)

// Pattern is a parsed binding pattern such as "list.checkout.#".
type Pattern struct {
	raw   string
	words []string
}

// ParsePattern parses a dot-separated binding pattern.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, fmt.Errorf("invalid pattern: empty")
	}
	words := strings.Split(s, wordSeparator)
	for _, w := range words {
		if w == "" {
			return Pattern{}, fmt.Errorf("invalid pattern %q: empty word", s)
		}
		if w != WordWildcard && w != TailWildcard && strings.ContainsAny(w, "*#") {
			return Pattern{}, fmt.Errorf("invalid pattern %q: wildcard inside word %q", s, w)
		}
	}
	return Pattern{raw: s, words: words}, nil
}

// MustParsePattern is ParsePattern for constants.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) String() string {
	return p.raw
}

// Words returns the pattern split into words.
func (p Pattern) Words() []string {
	out := make([]string, len(p.words))
	copy(out, p.words)
	return out
}

// Match reports whether routingKey is routed by this pattern.
func (p Pattern) Match(routingKey string) bool {
	if routingKey == "" {
		return false
	}
	return matchWords(p.words, strings.Split(routingKey, wordSeparator))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case TailWildcard:
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case WordWildcard:
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// ValidateRoutingKey rejects keys a producer must never publish with.
func ValidateRoutingKey(key string) error {
	if key == "" {
		return fmt.Errorf("invalid routing key: empty")
	}
	for _, w := range strings.Split(key, wordSeparator) {
		if w == "" {
			return fmt.Errorf("invalid routing key %q: empty word", key)
		}
		if strings.ContainsAny(w, "*#") {
			return fmt.Errorf("invalid routing key %q: wildcards are only valid in bindings", key)
		}
	}
	return nil
}
