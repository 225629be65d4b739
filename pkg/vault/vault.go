// Package vault resolves inline secret tokens embedded in command code and
// redacts resolved values before anything is persisted.
//
// A token has three dot-separated parts wrapped in a marker and a terminator:
//
//	#!flightdeck.secret.GITHUB_TOKEN!#
//
// Whitespace inside the token is ignored, so "#!flightdeck.secret.NAME !#"
// resolves too.
package vault

import (
	"strings"
)

const (
	// KeyPrefix marks the start of a secret token.
	KeyPrefix = "#!flightdeck"
	// KeyTerminator marks the end of a secret token.
	KeyTerminator = "!#"
	// Placeholder replaces secret values in persisted output.
	Placeholder = "*****"
)

// Secret is a named secret with optionally scoped values. The most specific
// value wins: server and principal, then server, then principal, then global.
type Secret struct {
	Reference string        `yaml:"reference"`
	Values    []SecretValue `yaml:"values"`
}

// SecretValue is one scoped value of a secret. Empty scope fields mean the
// value is not bound to that scope.
type SecretValue struct {
	ServerRef    string `yaml:"server,omitempty"`
	PrincipalRef string `yaml:"principal,omitempty"`
	Value        string `yaml:"value"`
}

// Resolver resolves secret references for a given server and principal scope.
type Resolver interface {
	SecretByRef(ref string) (*Secret, bool)
}

// Scope identifies the server and principal a resolution runs under.
type Scope struct {
	ServerRef    string
	PrincipalRef string
}

// resolve picks the scoped value per the precedence order, or "" if none.
func (s *Secret) resolve(scope Scope) (string, bool) {
	// 1. Server and principal specific.
	if scope.ServerRef != "" && scope.PrincipalRef != "" {
		for _, v := range s.Values {
			if v.ServerRef == scope.ServerRef && v.PrincipalRef == scope.PrincipalRef {
				return v.Value, true
			}
		}
	}
	// 2. Server specific.
	if scope.ServerRef != "" {
		for _, v := range s.Values {
			if v.ServerRef == scope.ServerRef && v.PrincipalRef == "" {
				return v.Value, true
			}
		}
	}
	// 3. Principal specific.
	if scope.PrincipalRef != "" {
		for _, v := range s.Values {
			if v.PrincipalRef == scope.PrincipalRef && v.ServerRef == "" {
				return v.Value, true
			}
		}
	}
	// 4. Global.
	for _, v := range s.Values {
		if v.ServerRef == "" && v.PrincipalRef == "" {
			return v.Value, true
		}
	}
	return "", false
}

// Parsed is the result of resolving tokens in a piece of code.
type Parsed struct {
	// Code is the input with every token replaced by its resolved value, or
	// by the literal "None" when the secret is undefined.
	Code string
	// Values are the distinct resolved secret values, used afterwards to
	// redact them from command output.
	Values []string
}

// ParseCode replaces secret tokens in code with their resolved values.
// Undefined secrets never fail: their tokens become the literal "None" so the
// remote command sees a stable value.
func ParseCode(code string, resolver Resolver, scope Scope) Parsed {
	return parseCode(code, resolver, scope, false)
}

// ParseCodeQuoted behaves like ParseCode but wraps each resolved value in
// double quotes with newlines escaped, for code that is evaluated as an
// expression rather than run through a shell.
func ParseCodeQuoted(code string, resolver Resolver, scope Scope) Parsed {
	return parseCode(code, resolver, scope, true)
}

func parseCode(code string, resolver Resolver, scope Scope, quoted bool) Parsed {
	// Shortest possible token is marker + two separators + one symbol each.
	if len(code) <= len(KeyPrefix)+3+len(KeyTerminator) {
		return Parsed{Code: code}
	}

	parsed := Parsed{Code: code}
	for _, token := range extractTokens(code) {
		value, ok := resolveToken(token, resolver, scope)
		if ok {
			if quoted {
				value = `"` + strings.ReplaceAll(value, "\n", `\n`) + `"`
			}
			if !containsValue(parsed.Values, value) {
				parsed.Values = append(parsed.Values, value)
			}
		} else {
			value = "None"
		}
		parsed.Code = strings.ReplaceAll(parsed.Code, token, value)
	}
	return parsed
}

// extractTokens returns the distinct token strings found in code, including
// their terminators. A prefix without a terminator is skipped.
func extractTokens(code string) []string {
	var tokens []string
	seen := make(map[string]bool)
	from := 0
	for {
		start := strings.Index(code[from:], KeyPrefix)
		if start < 0 {
			break
		}
		start += from
		end := strings.Index(code[start:], KeyTerminator)
		if end < 0 {
			from = start + len(KeyPrefix)
			continue
		}
		end += start + len(KeyTerminator)
		token := code[start:end]
		if !seen[token] {
			seen[token] = true
			tokens = append(tokens, token)
		}
		from = end
	}
	return tokens
}

// resolveToken splits a token into its three parts and resolves it. Only the
// "secret" token type is known; anything else resolves as undefined.
func resolveToken(token string, resolver Resolver, scope Scope) (string, bool) {
	stripped := strings.ReplaceAll(token, " ", "")
	stripped = strings.ReplaceAll(stripped, KeyTerminator, "")
	parts := strings.Split(stripped, ".")
	if len(parts) != 3 || parts[0] != KeyPrefix {
		return "", false
	}
	if parts[1] != "secret" || parts[2] == "" {
		return "", false
	}
	if resolver == nil {
		return "", false
	}
	secret, ok := resolver.SecretByRef(parts[2])
	if !ok {
		return "", false
	}
	return secret.resolve(scope)
}

// Redact replaces every resolved secret value in text with the placeholder.
func Redact(text string, values []string) string {
	for _, v := range values {
		if v == "" {
			continue
		}
		text = strings.ReplaceAll(text, v, Placeholder)
	}
	return text
}

func containsValue(values []string, v string) bool {
	for _, existing := range values {
		if existing == v {
			return true
		}
	}
	return false
}
