// Package ring implements the modular frame-index arithmetic shared between
// the client and server over the appl_ptr/hw_ptr cursors: wrap-around,
// available-frame queries, and the contiguous-run cap used to avoid copying
// across a ring wrap in a single pass.
package ring

import "sync/atomic"

// Cursors holds the two frame counters shared with the server through the
// control block, plus the ring's fixed geometry. ApplPtr and HwPtr are
// atomic so a single Load/Store is never torn, matching the "volatile single
// machine word" access the control block requires when it's mapped from
// shared memory and mutated by another process.
type Cursors struct {
	ApplPtr *atomic.Uint64
	HwPtr   *atomic.Uint64

	// BufferSize is the ring capacity in frames.
	BufferSize uint64
	// Boundary is the modulus cursor arithmetic wraps at; a multiple of
	// BufferSize giving headroom before the uint64 counters themselves wrap.
	Boundary uint64
}

// New builds a Cursors view in front of already-allocated atomic counters
// (typically fields inside a mapped control block). bufferSize must be > 0
// and boundary must be a positive multiple of bufferSize.
func New(applPtr, hwPtr *atomic.Uint64, bufferSize, boundary uint64) *Cursors {
	return &Cursors{
		ApplPtr:    applPtr,
		HwPtr:      hwPtr,
		BufferSize: bufferSize,
		Boundary:   boundary,
	}
}

// Offset returns the application cursor's physical position within the ring.
func (c *Cursors) Offset() uint64 {
	return c.ApplPtr.Load() % c.BufferSize
}

// HwOffset returns the hardware cursor's physical position within the ring.
func (c *Cursors) HwOffset() uint64 {
	return c.HwPtr.Load() % c.BufferSize
}

// Which selects one of the two cursors for Forward/Backward.
type Which int

const (
	Appl Which = iota
	Hw
)

func (c *Cursors) ptr(which Which) *atomic.Uint64 {
	if which == Appl {
		return c.ApplPtr
	}
	return c.HwPtr
}

// Forward advances the selected cursor by n frames modulo Boundary. n must
// be <= BufferSize; callers (TransferEngine, RPC mmap_forward handling) are
// responsible for chunking larger requests.
func (c *Cursors) Forward(which Which, n uint64) {
	p := c.ptr(which)
	v := (p.Load() + n) % c.Boundary
	p.Store(v)
}

// Backward moves the selected cursor back by n frames modulo Boundary, using
// signed arithmetic internally so the result is correctly re-biased into
// [0, Boundary) even when n is larger than the current value.
func (c *Cursors) Backward(which Which, n uint64) {
	p := c.ptr(which)
	v := int64(p.Load()) - int64(n)
	b := int64(c.Boundary)
	v %= b
	if v < 0 {
		v += b
	}
	p.Store(uint64(v))
}

// diff returns (a - b) mod Boundary, always in [0, Boundary).
func (c *Cursors) diff(a, b uint64) uint64 {
	d := int64(a) - int64(b)
	m := int64(c.Boundary)
	d %= m
	if d < 0 {
		d += m
	}
	return uint64(d)
}

func clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PlaybackAvail returns the number of free frames available for the
// application to write. When appl == hw the ring is treated as fully empty
// (avail == BufferSize).
func (c *Cursors) PlaybackAvail() uint64 {
	appl, hw := c.ApplPtr.Load(), c.HwPtr.Load()
	used := c.diff(appl, hw)
	avail := c.BufferSize - used
	return clamp(avail, 0, c.BufferSize)
}

// CaptureAvail returns the number of frames available for the application to
// read. When appl == hw the ring is treated as empty (avail == 0).
func (c *Cursors) CaptureAvail() uint64 {
	appl, hw := c.ApplPtr.Load(), c.HwPtr.Load()
	return clamp(c.diff(hw, appl), 0, c.BufferSize)
}

// Avail dispatches to PlaybackAvail or CaptureAvail for the given direction.
func (c *Cursors) Avail(playback bool) uint64 {
	if playback {
		return c.PlaybackAvail()
	}
	return c.CaptureAvail()
}

// Xfer caps requested against both the available frame count and the
// contiguous run remaining before the ring wraps, so a caller never needs to
// split a single copy_areas call across the wrap point itself.
func (c *Cursors) Xfer(requested uint64, playback bool) uint64 {
	frames := requested
	if avail := c.Avail(playback); avail < frames {
		frames = avail
	}
	cont := c.BufferSize - c.Offset()
	if cont < frames {
		frames = cont
	}
	return frames
}
