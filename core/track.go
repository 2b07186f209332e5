package core

import "github.com/signalsfoundry/obu-negotiator/model"

// Track is a bounded FIFO of recent positions; once full, appending evicts
// the oldest entry. It is not safe for concurrent use.
type Track struct {
	buf   []model.Coordinate
	start int
	size  int
}

// NewTrack returns a track holding at most capacity positions. A
// non-positive capacity yields a track that retains nothing.
func NewTrack(capacity int) *Track {
	if capacity < 0 {
		capacity = 0
	}
	return &Track{buf: make([]model.Coordinate, capacity)}
}

// Append records c, evicting the oldest position when at capacity.
func (t *Track) Append(c model.Coordinate) {
	if len(t.buf) == 0 {
		return
	}
	if t.size < len(t.buf) {
		t.buf[(t.start+t.size)%len(t.buf)] = c
		t.size++
		return
	}
	t.buf[t.start] = c
	t.start = (t.start + 1) % len(t.buf)
}

// Points returns a copy of the retained positions, oldest first.
func (t *Track) Points() []model.Coordinate {
	out := make([]model.Coordinate, t.size)
	for i := 0; i < t.size; i++ {
		out[i] = t.buf[(t.start+i)%len(t.buf)]
	}
	return out
}

// Len returns the number of retained positions.
func (t *Track) Len() int { return t.size }

// Cap returns the track capacity.
func (t *Track) Cap() int { return len(t.buf) }
