package chunkstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderedIndexInsertionOrder(t *testing.T) {
	idx := NewOrderedIndex[string]()
	idx.PushBack(3, "three")
	idx.PushBack(1, "one")
	idx.PushBack(2, "two")

	k, v, ok := idx.Front()
	assert.True(t, ok)
	assert.Equal(t, uint32(3), k)
	assert.Equal(t, "three", v)

	v2, ok := idx.Find(1)
	assert.True(t, ok)
	assert.Equal(t, "one", v2)

	assert.Equal(t, 3, idx.Len())
}

func TestOrderedIndexPopFront(t *testing.T) {
	idx := NewOrderedIndex[int]()
	idx.PushBack(1, 10)
	idx.PushBack(2, 20)

	idx.PopFront()
	_, ok := idx.Find(1)
	assert.False(t, ok)

	k, v, ok := idx.Front()
	assert.True(t, ok)
	assert.Equal(t, uint32(2), k)
	assert.Equal(t, 20, v)
}

func TestOrderedIndexEraseByKey(t *testing.T) {
	idx := NewOrderedIndex[int]()
	idx.PushBack(1, 10)
	idx.PushBack(2, 20)
	idx.PushBack(3, 30)

	idx.Erase(2)
	assert.Equal(t, 2, idx.Len())
	_, ok := idx.Find(2)
	assert.False(t, ok)

	k, _, ok := idx.Front()
	assert.True(t, ok)
	assert.Equal(t, uint32(1), k)
}

func TestOrderedIndexEmpty(t *testing.T) {
	idx := NewOrderedIndex[int]()
	assert.True(t, idx.Empty())
	idx.PushBack(1, 10)
	assert.False(t, idx.Empty())
	idx.Erase(1)
	assert.True(t, idx.Empty())
}

func TestOrderedIndexEraseMissingKeyIsNoop(t *testing.T) {
	idx := NewOrderedIndex[int]()
	idx.PushBack(1, 10)
	idx.Erase(99)
	assert.Equal(t, 1, idx.Len())
}
