package interp

import (
	"fmt"
	"strings"
)

// Substitute expands a template against the environment. Supported syntax:
//
//	$$               literal dollar
//	${VAR}           value of VAR; error if unset
//	${VAR:-default}  value of VAR, or default if unset or empty
//	${VAR:+alt}      alt if VAR is set and non-empty, else empty
//	${VAR-default}   value of VAR, or default if unset
//	${VAR+alt}       alt if VAR is set, else empty
//	$(fn,arg,...)    registered string function call
//
// Defaults, alternatives and function arguments are themselves templates.
func (e *Env) Substitute(template string) (string, error) {
	s := &subst{env: e, input: template}
	out, err := s.run(template, "")
	if err != nil {
		return "", err
	}
	return out, nil
}

// SubstituteProp is Substitute with the owning property name attached to any
// error, for diagnostics.
func (e *Env) SubstituteProp(prop, template string) (string, error) {
	out, err := e.Substitute(template)
	if err != nil {
		return "", fmt.Errorf("%s: %w", prop, err)
	}
	return out, nil
}

// EvalCondition evaluates a guard expression. An empty expression is true.
// After substitution, a trimmed result of "", "0" or "false" is false;
// anything else is true.
func (e *Env) EvalCondition(expr string) (bool, error) {
	if expr == "" {
		return true, nil
	}
	out, err := e.Substitute(expr)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(out)) {
	case "", "0", "false":
		return false, nil
	default:
		return true, nil
	}
}

type subst struct {
	env   *Env
	input string
}

// run expands template until the given terminator set; a terminator of ""
// means end-of-string.
func (s *subst) run(template string, terminators string) (string, error) {
	out, rest, err := s.expand(template, terminators)
	if err != nil {
		return "", err
	}
	if rest != "" && terminators == "" {
		return "", fmt.Errorf("unbalanced '%c' in %q", rest[0], s.input)
	}
	return out, err
}

// expand consumes template up to (not including) the first unescaped
// terminator and returns the expansion plus the unconsumed tail.
func (s *subst) expand(template string, terminators string) (string, string, error) {
	var out strings.Builder
	i := 0
	for i < len(template) {
		c := template[i]
		if strings.IndexByte(terminators, c) >= 0 {
			return out.String(), template[i:], nil
		}
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(template) {
			return "", "", fmt.Errorf("dangling '$' in %q", s.input)
		}
		switch template[i+1] {
		case '$':
			out.WriteByte('$')
			i += 2
		case '{':
			val, consumed, err := s.expandVar(template[i+2:])
			if err != nil {
				return "", "", err
			}
			out.WriteString(val)
			i += 2 + consumed
		case '(':
			val, consumed, err := s.expandFunc(template[i+2:])
			if err != nil {
				return "", "", err
			}
			out.WriteString(val)
			i += 2 + consumed
		default:
			return "", "", fmt.Errorf("invalid '$%c' in %q", template[i+1], s.input)
		}
	}
	return out.String(), "", nil
}

// expandVar parses NAME[op WORD]} and returns (value, bytes consumed).
func (s *subst) expandVar(body string) (string, int, error) {
	nameEnd := 0
	for nameEnd < len(body) && isVarChar(body[nameEnd]) {
		nameEnd++
	}
	name := body[:nameEnd]
	if name == "" {
		return "", 0, fmt.Errorf("empty variable name in %q", s.input)
	}

	rest := body[nameEnd:]
	if strings.HasPrefix(rest, "}") {
		val, ok := s.env.Get(name)
		if !ok {
			return "", 0, fmt.Errorf("variable %q is not set", name)
		}
		return val, nameEnd + 1, nil
	}

	var op string
	for _, candidate := range []string{":-", ":+", "-", "+"} {
		if strings.HasPrefix(rest, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return "", 0, fmt.Errorf("malformed substitution for %q in %q", name, s.input)
	}

	word, tail, err := s.expand(rest[len(op):], "}")
	if err != nil {
		return "", 0, err
	}
	if !strings.HasPrefix(tail, "}") {
		return "", 0, fmt.Errorf("missing '}' for %q in %q", name, s.input)
	}
	consumed := nameEnd + len(op) + (len(rest) - len(op) - len(tail)) + 1

	val, set := s.env.Get(name)
	switch op {
	case ":-":
		if !set || val == "" {
			return word, consumed, nil
		}
		return val, consumed, nil
	case "-":
		if !set {
			return word, consumed, nil
		}
		return val, consumed, nil
	case ":+":
		if set && val != "" {
			return word, consumed, nil
		}
		return "", consumed, nil
	default: // "+"
		if set {
			return word, consumed, nil
		}
		return "", consumed, nil
	}
}

// expandFunc parses fn,arg,...) and returns (value, bytes consumed).
func (s *subst) expandFunc(body string) (string, int, error) {
	var parts []string
	rest := body
	for {
		part, tail, err := s.expand(rest, ",)")
		if err != nil {
			return "", 0, err
		}
		if tail == "" {
			return "", 0, fmt.Errorf("missing ')' in %q", s.input)
		}
		parts = append(parts, part)
		if tail[0] == ')' {
			rest = tail[1:]
			break
		}
		rest = tail[1:]
	}
	consumed := len(body) - len(rest)

	name := parts[0]
	fn, ok := s.env.funcs.Lookup(name)
	if !ok {
		return "", 0, fmt.Errorf("unknown string function %q", name)
	}
	out, err := fn.Call(parts[1:], s.env)
	if err != nil {
		return "", 0, fmt.Errorf("$(%s,...): %w", name, err)
	}
	return out, consumed, nil
}

func isVarChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
