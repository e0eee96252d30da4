// Package threadlevel implements the ordering key that decides which thread's
// ready node is picked first and how forked threads sort relative to their
// parent.
//
// A Level is an integer path. The root thread is [1]; the children of a
// thread at path P are P+[1], P+[2], ... so siblings are distinct and
// strictly increasing, and every descendant of P sorts after P and before
// P's next sibling. There is no precision limit on depth or fan-out.
//
// Levels are persisted as a sort key (see Key) whose byte-wise order equals
// path order, so the database can ORDER BY it directly with COLLATE "C".
package threadlevel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxSegmentDigits bounds a single segment's decimal length so its length
// prefix fits in one letter ('a' = 1 digit ... 'z' = 26 digits).
const maxSegmentDigits = 26

// ErrInvalid is returned when a string cannot be parsed as a Level or Key.
var ErrInvalid = errors.New("threadlevel: invalid level")

// Level is an integer path. The zero value is not a valid level; use Root.
type Level []uint64

// Root returns the level of a run's first thread.
func Root() Level { return Level{1} }

// Child returns the i-th child (1-based) of l. The receiver is not modified.
func (l Level) Child(i int) Level {
	if i < 1 {
		i = 1
	}
	out := make(Level, len(l), len(l)+1)
	copy(out, l)
	return append(out, uint64(i))
}

// Children returns n children of l in ascending order.
func (l Level) Children(n int) []Level {
	out := make([]Level, n)
	for i := range n {
		out[i] = l.Child(i + 1)
	}
	return out
}

// Parent returns the parent level, or nil for the root.
func (l Level) Parent() Level {
	if len(l) <= 1 {
		return nil
	}
	out := make(Level, len(l)-1)
	copy(out, l[:len(l)-1])
	return out
}

// Depth is the number of path segments.
func (l Level) Depth() int { return len(l) }

// Compare returns -1, 0 or +1 comparing l with o in pick order.
func (l Level) Compare(o Level) int {
	for i := 0; i < len(l) && i < len(o); i++ {
		switch {
		case l[i] < o[i]:
			return -1
		case l[i] > o[i]:
			return 1
		}
	}
	switch {
	case len(l) < len(o):
		return -1
	case len(l) > len(o):
		return 1
	}
	return 0
}

// Less reports whether l is picked before o.
func (l Level) Less(o Level) bool { return l.Compare(o) < 0 }

// String renders the path with dots, e.g. "1.2.3".
func (l Level) String() string {
	parts := make([]string, len(l))
	for i, seg := range l {
		parts[i] = strconv.FormatUint(seg, 10)
	}
	return strings.Join(parts, ".")
}

// Key returns the persisted sort key. Each segment is its decimal digits
// prefixed by a letter encoding the digit count, so "1.12" becomes "a1.b12".
// Comparing two keys byte-wise gives the same result as Compare.
func (l Level) Key() string {
	var b strings.Builder
	for i, seg := range l {
		if i > 0 {
			b.WriteByte('.')
		}
		digits := strconv.FormatUint(seg, 10)
		b.WriteByte(byte('a' + len(digits) - 1))
		b.WriteString(digits)
	}
	return b.String()
}

// Parse reads a dotted path such as "1.2.3".
func Parse(s string) (Level, error) {
	if s == "" {
		return nil, ErrInvalid
	}
	parts := strings.Split(s, ".")
	out := make(Level, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		out[i] = n
	}
	return out, nil
}

// FromKey decodes a key produced by Key.
func FromKey(key string) (Level, error) {
	if key == "" {
		return nil, ErrInvalid
	}
	parts := strings.Split(key, ".")
	out := make(Level, len(parts))
	for i, p := range parts {
		if len(p) < 2 {
			return nil, fmt.Errorf("%w: key %q", ErrInvalid, key)
		}
		width := int(p[0]-'a') + 1
		if width < 1 || width > maxSegmentDigits || width != len(p)-1 {
			return nil, fmt.Errorf("%w: key %q", ErrInvalid, key)
		}
		n, err := strconv.ParseUint(p[1:], 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%w: key %q", ErrInvalid, key)
		}
		out[i] = n
	}
	return out, nil
}

// MustParse is Parse for constants and tests. It panics on error.
func MustParse(s string) Level {
	l, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return l
}
