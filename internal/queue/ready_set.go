package queue

import "container/heap"

// ReadySet holds values waiting for a free slot. Pop returns the value with the
// highest priority; values of equal priority come out in push order.
type ReadySet[T any] struct {
	items entries[T]
	seq   uint64
}

// NewReadySet returns an empty set.
func NewReadySet[T any]() *ReadySet[T] {
	return &ReadySet[T]{}
}

// Push adds a value with the given priority.
func (s *ReadySet[T]) Push(value T, priority int) {
	s.seq++
	heap.Push(&s.items, entry[T]{value: value, priority: priority, seq: s.seq})
}

// Pop removes and returns the next value.
func (s *ReadySet[T]) Pop() (T, bool) {
	if len(s.items) == 0 {
		var zero T
		return zero, false
	}
	e := heap.Pop(&s.items).(entry[T])
	return e.value, true
}

// Peek returns the next value without removing it.
func (s *ReadySet[T]) Peek() (T, int, bool) {
	if len(s.items) == 0 {
		var zero T
		return zero, 0, false
	}
	return s.items[0].value, s.items[0].priority, true
}

// Len returns the number of waiting values.
func (s *ReadySet[T]) Len() int {
	return len(s.items)
}

// Drain removes every value and returns them in pop order.
func (s *ReadySet[T]) Drain() []T {
	out := make([]T, 0, len(s.items))
	for len(s.items) > 0 {
		v, _ := s.Pop()
		out = append(out, v)
	}
	return out
}

type entry[T any] struct {
	value    T
	priority int
	seq      uint64
}

type entries[T any] []entry[T]

func (e entries[T]) Len() int { return len(e) }

func (e entries[T]) Less(i, j int) bool {
	if e[i].priority != e[j].priority {
		return e[i].priority > e[j].priority
	}
	return e[i].seq < e[j].seq
}

func (e entries[T]) Swap(i, j int) { e[i], e[j] = e[j], e[i] }

func (e *entries[T]) Push(x any) { *e = append(*e, x.(entry[T])) }

func (e *entries[T]) Pop() any {
	old := *e
	n := len(old)
	item := old[n-1]
	var zero entry[T]
	old[n-1] = zero
	*e = old[:n-1]
	return item
}
