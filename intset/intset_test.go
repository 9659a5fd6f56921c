package intset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetBasics(t *testing.T) {
	var s Set
	require.True(t, s.Empty())
	s.Add(3)
	s.Add(70)
	s.Add(3)
	require.Equal(t, 2, s.Len())
	require.True(t, s.Contains(3))
	require.True(t, s.Contains(70))
	require.False(t, s.Contains(4))
	s.Remove(3)
	require.False(t, s.Contains(3))
	require.Equal(t, []int{70}, s.Elems())
}

func TestSetAlgebra(t *testing.T) {
	a := MakeSet(1, 2, 3, 65)
	b := MakeSet(3, 65, 100)

	require.Equal(t, []int{1, 2, 3, 65, 100}, a.Union(b).Elems())
	require.Equal(t, []int{3, 65}, a.Intersection(b).Elems())
	require.Equal(t, []int{1, 2}, a.Difference(b).Elems())
	require.True(t, a.Intersects(b))
	require.False(t, MakeSet(1, 2).Intersects(MakeSet(3, 4)))
	require.True(t, MakeSet(3, 65).SubsetOf(a))
	require.False(t, a.SubsetOf(b))
	require.True(t, MakeSet(1, 2).Equals(MakeSet(2, 1)))
}

func TestSetCopyIsIndependent(t *testing.T) {
	a := MakeSet(1, 2)
	b := a.Copy()
	b.Add(9)
	require.False(t, a.Contains(9))
	require.True(t, b.Contains(9))
}

func TestSetKeyAndString(t *testing.T) {
	require.Equal(t, MakeSet(2, 1).Key(), MakeSet(1, 2).Key())
	require.NotEqual(t, MakeSet(1).Key(), MakeSet(2).Key())
	require.Equal(t, "(1-3,7)", MakeSet(1, 2, 3, 7).String())
	require.Equal(t, "()", Set{}.String())
	require.Equal(t, 7, MakeSet(7).SingleElem())
}
