// Package scheduler provides the gapless playback scheduler. It owns an
// [audio.OutputClock] and a cursor, and places every decoded buffer exactly
// where the previous one ends, so chunks that arrive at irregular intervals
// play back as one continuous stream. In-flight voices are tracked in a
// min-heap ordered by start time so interruption and completion are cheap.
package scheduler

import (
	"time"

	"github.com/MrWong99/voidlink/pkg/audio"
)

// entry is one in-flight buffer. index is maintained by the heap and is -1
// once the entry has been removed (completed, interrupted, or closed).
type entry struct {
	voice audio.Voice
	start time.Duration
	end   time.Duration
	seq   uint64 // monotonic scheduling order for tie-breaking
	index int
}

// voiceHeap implements [container/heap.Interface] as a min-heap ordered by
// start time (ascending), with FIFO tie-breaking on seq.
type voiceHeap []*entry

func (h voiceHeap) Len() int { return len(h) }

// Less reports whether element i starts before element j. Zero-length
// buffers can share a start time; scheduling order breaks the tie.
func (h voiceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *voiceHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
