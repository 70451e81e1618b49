package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferWrap(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, []int{3, 4, 5}, rb.Snapshot())
}

func TestRingBufferLast(t *testing.T) {
	rb := NewRingBuffer[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		rb.Push(s)
	}
	assert.Equal(t, []string{"d", "e"}, rb.Last(2))
	assert.Equal(t, []string{"b", "c", "d", "e"}, rb.Last(0))
	assert.Equal(t, []string{"b", "c", "d", "e"}, rb.Last(10))
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer[int](2)
	rb.Push(1)
	rb.Push(2)
	rb.Clear()
	assert.Equal(t, 0, rb.Len())
	assert.Empty(t, rb.Snapshot())

	rb.Push(7)
	assert.Equal(t, []int{7}, rb.Snapshot())
}
