package set_test

import (
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/sour-is/livelist/pkg/set"
)

func TestStringSet(t *testing.T) {
	is := is.New(t)

	s := set.New(strings.Fields("one two  three")...)

	is.True(s.Has("one"))
	is.True(s.Has("two"))
	is.True(s.Has("three"))
	is.True(!s.Has("four"))
	is.Equal(s.Len(), 3)

	is.Equal(s.Add("three", "four", "four"), 1)
	is.True(s.Has("four"))

	s.Delete("one", "two")
	is.Equal(s.String(), "set(four,three)")

	is.Equal(set.New("one").String(), "set(one)")

	var n set.Set[string]
	is.Equal(n.String(), "set(<nil>)")
	is.True(!n.Has("one"))
	is.Equal(n.Len(), 0)
}
