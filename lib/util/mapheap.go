package util

import (
	"container/heap"
)

// heapItem is an entry of the MapHeap, identified by Key and ordered by Priority
type heapItem struct {
	Key      string
	Priority int64
	index    int // maintained by container/heap
}

// MapHeap is a min-heap ordered by priority with O(1) lookup by key.
// The runtime uses it to order stateful instances by last access so the
// oldest one can be expired first.
//
// Not thread-safe.
type MapHeap struct {
	items    []*heapItem
	itemsMap map[string]*heapItem
}

// NewMapHeap creates an empty MapHeap
func NewMapHeap() *MapHeap {
	return &MapHeap{
		items:    make([]*heapItem, 0),
		itemsMap: make(map[string]*heapItem),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *MapHeap) Len() int { return len(h.items) }

func (h *MapHeap) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap) Push(x interface{}) {
	it := x.(*heapItem)
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

func (h *MapHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Keyed access
// --------------------------------------------------------------------------

// Upsert adds key with the given priority or moves an existing key
func (h *MapHeap) Upsert(key string, priority int64) {
	if it, ok := h.itemsMap[key]; ok {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &heapItem{Key: key, Priority: priority})
}

// Remove deletes key from the heap and reports whether it was present
func (h *MapHeap) Remove(key string) bool {
	it, ok := h.itemsMap[key]
	if !ok {
		return false
	}
	heap.Remove(h, it.index)
	return true
}

// Peek returns the key with the lowest priority without removing it
func (h *MapHeap) Peek() (key string, priority int64, ok bool) {
	if len(h.items) == 0 {
		return "", 0, false
	}
	return h.items[0].Key, h.items[0].Priority, true
}

// PopMin removes and returns the key with the lowest priority
func (h *MapHeap) PopMin() (key string, priority int64, ok bool) {
	if len(h.items) == 0 {
		return "", 0, false
	}
	it := heap.Pop(h).(*heapItem)
	return it.Key, it.Priority, true
}

// Contains checks if a key exists in the heap
func (h *MapHeap) Contains(key string) bool {
	_, ok := h.itemsMap[key]
	return ok
}
