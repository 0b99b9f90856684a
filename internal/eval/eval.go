// Package eval implements the small expression grammar the "evaluate"
// DAP request supports: an address or label, read as one or more
// fixed-width groups from target memory (spec §4.7).
package eval

import (
	"fmt"
	"strconv"
	"strings"
)

// Reader is the memory source an expression is evaluated against.
type Reader interface {
	Read(addr int, target []byte) error
}

// Labeler resolves a named symbol to an address.
type Labeler interface {
	LabelInfo(name string) (addr int, ok bool)
}

// Result is the outcome of evaluating an expression: the resolved address
// and its rendered value, or Address -1 with an empty Text when the atom
// failed to resolve.
type Result struct {
	Text    string
	Address int
}

// unresolved is returned whenever the atom does not resolve to an address.
var unresolved = Result{Text: "", Address: -1}

// expr holds the parsed productions of the grammar; index and indirect are
// accepted but are no-ops on evaluation, per spec §4.7's explicit
// allowance.
type expr struct {
	indirect bool
	atom     string
	index    byte // 'x', 'y', 'z', or 0
	size     int  // bytes per group: 1, 2, or 4
	count    int  // number of groups, clamped to 256
}

// Evaluate parses and evaluates expr against mem, resolving labels via
// labels when the atom is not a literal hex address.
func Evaluate(input string, mem Reader, labels Labeler) (Result, error) {
	e, err := parse(input)
	if err != nil {
		return Result{}, err
	}

	addr, ok := resolveAtom(e.atom, labels)
	if !ok {
		return unresolved, nil
	}

	total := e.size * e.count
	buf := make([]byte, total)
	if err := mem.Read(addr, buf); err != nil {
		return Result{}, fmt.Errorf("eval: read %#x: %w", addr, err)
	}

	groups := make([]string, e.count)
	for i := 0; i < e.count; i++ {
		groups[i] = renderGroup(buf[i*e.size : (i+1)*e.size])
	}
	return Result{Text: strings.Join(groups, " "), Address: addr}, nil
}

// renderGroup renders a little-endian byte group as big-endian hex (low
// byte at the lowest address prints as the least-significant digits).
func renderGroup(b []byte) string {
	var sb strings.Builder
	for i := len(b) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%02X", b[i])
	}
	return sb.String()
}

func resolveAtom(atom string, labels Labeler) (int, bool) {
	if strings.HasPrefix(atom, "$") {
		v, err := strconv.ParseInt(atom[1:], 16, 64)
		if err != nil {
			return 0, false
		}
		return int(v), true
	}
	if labels == nil {
		return 0, false
	}
	return labels.LabelInfo(atom)
}

// parse implements the grammar:
//
//	expr        := direct | indirect
//	direct      := atom ( "," index )? ( "," size )? ( "," count )?
//	indirect    := "(" atom ")" ( "," index )? ( "," size )? ( "," count )?
//	atom        := "$" hex1to7 | identifier
//	index       := "x" | "y" | "z"
//	size        := "b" | "w" | "q"
//	count       := decimal-digits
func parse(input string) (expr, error) {
	s := strings.TrimSpace(input)
	e := expr{size: 1, count: 1}

	if strings.HasPrefix(s, "(") {
		close := strings.IndexByte(s, ')')
		if close < 0 {
			return expr{}, fmt.Errorf("eval: unterminated indirect expression %q", input)
		}
		e.indirect = true
		e.atom = strings.TrimSpace(s[1:close])
		s = strings.TrimSpace(s[close+1:])
		if strings.HasPrefix(s, ",") {
			s = s[1:]
		}
	} else {
		idx := strings.IndexByte(s, ',')
		if idx < 0 {
			e.atom = s
			s = ""
		} else {
			e.atom = strings.TrimSpace(s[:idx])
			s = s[idx+1:]
		}
	}
	if e.atom == "" {
		return expr{}, fmt.Errorf("eval: empty atom in %q", input)
	}
	if !strings.HasPrefix(e.atom, "$") {
		// Identifiers are passed to the Labeler unchanged, so their
		// case must match the symbol table; normalize "$" atoms only.
	} else {
		e.atom = "$" + strings.ToLower(e.atom[1:])
	}

	for _, field := range splitFields(s) {
		field = strings.ToLower(strings.TrimSpace(field))
		if field == "" {
			continue
		}
		switch field {
		case "x", "y", "z":
			e.index = field[0]
			continue
		case "b":
			e.size = 1
			continue
		case "w":
			e.size = 2
			continue
		case "q":
			e.size = 4
			continue
		}
		if n, err := strconv.Atoi(field); err == nil {
			e.count = n
			continue
		}
		return expr{}, fmt.Errorf("eval: unrecognized field %q in %q", field, input)
	}
	if e.count > 256 {
		e.count = 256
	}
	if e.count < 1 {
		e.count = 1
	}
	return e, nil
}

// splitFields splits the comma-separated tail of an expression. Fields keep
// their surrounding whitespace; parse trims each one, per the grammar's
// "whitespace permitted around commas" note.
func splitFields(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}
