package readmodel

import (
	"fmt"
	"strconv"
	"strings"
)

// Pointer is a parsed JSON-Pointer. An empty Pointer addresses the whole
// document.
type Pointer []string

var tokenUnescaper = strings.NewReplacer("~1", "/", "~0", "~")

// ParsePointer parses a /-separated pointer. Both "" and "/" address the
// whole document.
func ParsePointer(s string) (Pointer, error) {
	if s == "" || s == "/" {
		return Pointer{}, nil
	}
	if s[0] != '/' {
		return nil, fmt.Errorf("%w: pointer %q must start with /", ErrUnresolvable, s)
	}
	parts := strings.Split(s[1:], "/")
	for i, p := range parts {
		parts[i] = tokenUnescaper.Replace(p)
	}
	return Pointer(parts), nil
}

// IsRoot reports whether p addresses the whole document.
func (p Pointer) IsRoot() bool { return len(p) == 0 }

// parent splits p into the container path and the final token.
func (p Pointer) parent() (Pointer, string) {
	return p[:len(p)-1], p[len(p)-1]
}

// HasPrefix reports whether q addresses p or a location beneath it.
func (p Pointer) HasPrefix(q Pointer) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

func (p Pointer) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, tok := range p {
		b.WriteByte('/')
		b.WriteString(strings.ReplaceAll(strings.ReplaceAll(tok, "~", "~0"), "/", "~1"))
	}
	return b.String()
}

// arrayIndex parses an array token. Leading zeros and signs are rejected;
// "-" is handled by callers.
func arrayIndex(tok string) (int, bool) {
	if tok == "" || (len(tok) > 1 && tok[0] == '0') {
		return 0, false
	}
	for _, r := range tok {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, false
	}
	return n, true
}
