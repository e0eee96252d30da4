package threadlevel

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildrenStrictlyIncreasing(t *testing.T) {
	parent := MustParse("1.2")
	kids := parent.Children(3)
	require.Len(t, kids, 3)

	assert.Equal(t, "1.2.1", kids[0].String())
	assert.Equal(t, "1.2.2", kids[1].String())
	assert.Equal(t, "1.2.3", kids[2].String())

	for i := 1; i < len(kids); i++ {
		assert.True(t, kids[i-1].Less(kids[i]), "%s should sort before %s", kids[i-1], kids[i])
		assert.Less(t, kids[i-1].Key(), kids[i].Key())
	}
	// Parent before its children, children before the parent's next sibling.
	assert.True(t, parent.Less(kids[0]))
	assert.True(t, kids[2].Less(MustParse("1.3")))
}

func TestManySiblingsKeepOrder(t *testing.T) {
	// The decimal-append scheme collided past nine siblings; paths do not.
	parent := Root()
	kids := parent.Children(25)
	keys := make([]string, len(kids))
	for i, k := range kids {
		keys[i] = k.Key()
	}
	assert.True(t, sort.StringsAreSorted(keys))
	assert.Equal(t, "a1.b10", kids[9].Key())
	assert.True(t, kids[8].Less(kids[9]))
}

func TestKeyOrderMatchesCompare(t *testing.T) {
	levels := []Level{
		MustParse("1.2"),
		MustParse("1"),
		MustParse("1.10"),
		MustParse("1.1.5"),
		MustParse("1.1"),
		MustParse("2"),
		MustParse("1.9.99"),
	}

	byCompare := append([]Level(nil), levels...)
	sort.Slice(byCompare, func(i, j int) bool { return byCompare[i].Less(byCompare[j]) })

	byKey := append([]Level(nil), levels...)
	sort.Slice(byKey, func(i, j int) bool { return byKey[i].Key() < byKey[j].Key() })

	assert.Equal(t, byCompare, byKey)
	assert.Equal(t, "1", byKey[0].String())
	assert.Equal(t, "2", byKey[len(byKey)-1].String())
}

func TestKeyRoundTrip(t *testing.T) {
	l := MustParse("1.12.3.1000")
	got, err := FromKey(l.Key())
	require.NoError(t, err)
	assert.Equal(t, l, got)
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "1..2", "a.b", "0", "1.0"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalid, "input %q", s)
	}
	for _, k := range []string{"", "a", "b1", "a1.", "z"} {
		_, err := FromKey(k)
		assert.ErrorIs(t, err, ErrInvalid, "key %q", k)
	}
}

func TestParent(t *testing.T) {
	assert.Nil(t, Root().Parent())
	assert.Equal(t, "1.2", MustParse("1.2.7").Parent().String())
}
