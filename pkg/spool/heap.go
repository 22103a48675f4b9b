/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package spool

import (
	"container/heap"

	"github.com/carverauto/relayd/pkg/models"
)

// item wraps a pending entry in a destination heap.
type item struct {
	entry *models.SpoolEntry
	index int
}

// entryHeap orders pending entries by next-eligible time, then by
// sequence so entries due at the same instant keep arrival order.
type entryHeap []*item

var _ heap.Interface = (*entryHeap)(nil)

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i].entry, h[j].entry
	if !a.NextAttempt.Equal(b.NextAttempt) {
		return a.NextAttempt.Before(b.NextAttempt)
	}

	return a.Seq < b.Seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]

	return it
}

func (h entryHeap) peek() *item {
	if len(h) == 0 {
		return nil
	}

	return h[0]
}

func heapPush(h *entryHeap, it *item) {
	heap.Push(h, it)
}

func heapRemove(h *entryHeap, i int) {
	if i >= 0 && i < h.Len() {
		heap.Remove(h, i)
	}
}

func heapPop(h *entryHeap) *item {
	return heap.Pop(h).(*item)
}
