package set

import (
	"fmt"
	"sort"
	"strings"
)

// Set of comparable values. The zero value is a read only empty set.
type Set[T comparable] map[T]struct{}

func New[T comparable](items ...T) Set[T] {
	s := make(map[T]struct{}, len(items))
	for i := range items {
		s[items[i]] = struct{}{}
	}
	return s
}
func (s Set[T]) Has(v T) bool {
	_, ok := (s)[v]
	return ok
}

// Add inserts items and reports how many were not already present.
func (s Set[T]) Add(items ...T) int {
	added := 0
	for _, v := range items {
		if _, ok := s[v]; ok {
			continue
		}
		s[v] = struct{}{}
		added++
	}
	return added
}
func (s Set[T]) Delete(items ...T) {
	for _, v := range items {
		delete(s, v)
	}
}
func (s Set[T]) Len() int { return len(s) }

func (s Set[T]) String() string {
	if s == nil {
		return "set(<nil>)"
	}
	lis := make([]string, 0, len(s))
	for k := range s {
		lis = append(lis, fmt.Sprint(k))
	}
	sort.Strings(lis)

	var b strings.Builder
	b.WriteString("set(")
	b.WriteString(strings.Join(lis, ","))
	b.WriteString(")")
	return b.String()
}
