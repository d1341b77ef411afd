package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadySetOrdersByPriorityThenFIFO(t *testing.T) {
	s := NewReadySet[string]()
	s.Push("low-1", 0)
	s.Push("high-1", 10)
	s.Push("low-2", 0)
	s.Push("mid", 5)
	s.Push("high-2", 10)

	require.Equal(t, 5, s.Len())
	v, p, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, "high-1", v)
	assert.Equal(t, 10, p)

	assert.Equal(t, []string{"high-1", "high-2", "mid", "low-1", "low-2"}, s.Drain())
	assert.Zero(t, s.Len())
}

func TestReadySetPopEmpty(t *testing.T) {
	s := NewReadySet[int]()
	_, ok := s.Pop()
	assert.False(t, ok)
	_, _, ok = s.Peek()
	assert.False(t, ok)
}

func TestReadySetNegativePriorities(t *testing.T) {
	s := NewReadySet[int]()
	s.Push(1, -5)
	s.Push(2, 0)
	s.Push(3, -1)
	assert.Equal(t, []int{2, 3, 1}, s.Drain())
}
