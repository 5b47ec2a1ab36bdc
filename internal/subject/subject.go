// Package subject implements subject validation and NATS-style wildcard
// matching for subscriptions, endpoint expansion and access rules.
//
// Subjects are dot-separated tokens of [a-z0-9-]. Patterns may additionally
// use `*` to match exactly one token and `>` to match one or more trailing
// tokens; `>` is only valid as the final token. Neither wildcard ever matches
// zero tokens.
package subject

import "strings"

const (
	// Sep separates subject tokens.
	Sep = "."
	// TokenWildcard matches exactly one token.
	TokenWildcard = "*"
	// TailWildcard matches one or more trailing tokens.
	TailWildcard = ">"
)

func validToken(tok string) bool {
	if tok == "" {
		return false
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
			continue
		}
		return false
	}
	return true
}

// Valid reports whether s is a well-formed concrete subject: non-empty
// dot-separated tokens of [a-z0-9-] with no wildcards.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	for _, tok := range strings.Split(s, Sep) {
		if !validToken(tok) {
			return false
		}
	}
	return true
}

// ValidPattern reports whether p is a well-formed subscription or rule
// pattern. Patterns follow subject syntax but may use `*` anywhere and `>` as
// the final token only.
func ValidPattern(p string) bool {
	if p == "" {
		return false
	}
	toks := strings.Split(p, Sep)
	for i, tok := range toks {
		switch tok {
		case TokenWildcard:
		case TailWildcard:
			if i != len(toks)-1 {
				return false
			}
		default:
			if !validToken(tok) {
				return false
			}
		}
	}
	return true
}

// Match reports whether the concrete subject matches the pattern. Patterns
// without wildcards are literal matches. The match is deterministic and does
// not depend on any registry state.
func Match(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	ptoks := strings.Split(pattern, Sep)
	stoks := strings.Split(subject, Sep)
	for i, ptok := range ptoks {
		switch ptok {
		case TailWildcard:
			// `>` must consume at least one token.
			return i == len(ptoks)-1 && len(stoks) > i
		case TokenWildcard:
			if i >= len(stoks) || stoks[i] == "" {
				return false
			}
		default:
			if i >= len(stoks) || stoks[i] != ptok {
				return false
			}
		}
	}
	return len(ptoks) == len(stoks)
}

// HasWildcard reports whether p contains any wildcard token.
func HasWildcard(p string) bool {
	for _, tok := range strings.Split(p, Sep) {
		if tok == TokenWildcard || tok == TailWildcard {
			return true
		}
	}
	return false
}

// Tokens splits a subject into its tokens.
func Tokens(s string) []string {
	return strings.Split(s, Sep)
}
