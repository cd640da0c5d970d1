// Package transfer implements TransferEngine: moving frames between a
// caller's channel areas and the ring, one xfer-capped chunk at a time, and
// the format-aware byte copy (copy_areas) those chunks are built from.
package transfer

import (
	"github.com/richinsley/pcmshm/area"
	"github.com/richinsley/pcmshm/pcmerr"
	"github.com/richinsley/pcmshm/rpc/proto"
)

// CopyAreas copies frames frames of channels channels from src to dst,
// starting at srcOffset/dstOffset, interpreting each sample as format.
// Only byte-aligned formats are supported; non-byte-aligned areas (a
// first_bit or step_bit not a multiple of 8) return pcmerr.Unsupported,
// since the bit-packed case spec.md §1 hands off to format-conversion
// tables this module doesn't implement.
func CopyAreas(dst area.Table, dstOffset uint64, src area.Table, srcOffset uint64, channels int, frames uint64, format proto.SampleFormat) error {
	width := format.BitWidth()
	if width == 0 {
		return pcmerr.New(pcmerr.Unsupported, "transfer.CopyAreas: unknown sample format")
	}
	sampleBytes := width / 8

	for c := 0; c < channels; c++ {
		d, s := dst[c], src[c]
		if !d.ByteAligned() || !s.ByteAligned() {
			return pcmerr.New(pcmerr.Unsupported, "transfer.CopyAreas: non-byte-aligned channel area")
		}
		for f := uint64(0); f < frames; f++ {
			da := area.AddrOf(d, dstOffset+f)
			sa := area.AddrOf(s, srcOffset+f)
			copy(d.Base[da.Byte:da.Byte+sampleBytes], s.Base[sa.Byte:sa.Byte+sampleBytes])
		}
	}
	return nil
}

// Ring is the subset of ring.Cursors the engine needs: the contiguous-run
// cap and the application cursor's physical offset.
type Ring interface {
	Xfer(requested uint64, playback bool) uint64
	Offset() uint64
}

// Advancer performs the MMAP-FORWARD RPC that moves the shared appl_ptr once
// a chunk has been copied into (or out of) the ring.
type Advancer interface {
	MmapForward(frames uint64) (uint64, error)
}

// Engine wires together a ring's cursor/xfer view, the mapped ring areas, the
// sample format, and the RPC client used to publish cursor advances, into the
// write_areas/read_areas/writei/writen/readi/readn family from spec.md §4.4.
type Engine struct {
	Ring      Ring
	RingAreas area.Table
	Channels  int
	Format    proto.SampleFormat
	Advancer  Advancer
}

// WriteAreas copies up to nFrames frames from src (starting at srcOffset)
// into the ring, one xfer-capped chunk at a time, advancing appl_ptr after
// each chunk via MMAP-FORWARD. It stops early if limit is non-nil and
// smaller than nFrames, writing the actual transferred count back through
// it. Returns the total number of frames transferred.
func (e *Engine) WriteAreas(src area.Table, srcOffset, nFrames uint64, limit *uint64) (uint64, error) {
	return e.transfer(func(dstOff, bufOff, k uint64) error {
		return CopyAreas(e.RingAreas, dstOff, src, srcOffset+bufOff, e.Channels, k, e.Format)
	}, nFrames, limit, true)
}

// ReadAreas is WriteAreas's capture-direction symmetric counterpart: it
// copies out of the ring into dst.
func (e *Engine) ReadAreas(dst area.Table, dstOffset, nFrames uint64, limit *uint64) (uint64, error) {
	return e.transfer(func(srcOff, bufOff, k uint64) error {
		return CopyAreas(dst, dstOffset+bufOff, e.RingAreas, srcOff, e.Channels, k, e.Format)
	}, nFrames, limit, false)
}

// transfer drives the shared xfer/copy/advance loop: copyChunk is handed the
// ring's current physical offset, how many frames of the caller's buffer
// have already been transferred in prior chunks of this call, and the
// xfer-capped frame count to move this chunk; it copies exactly that many
// frames in whichever direction the caller (WriteAreas/ReadAreas) closed
// over. bufOff must be added to the caller's buffer offset on every chunk
// past the first, or a multi-chunk transfer re-copies the same source
// frames instead of advancing through the buffer (pcm_mmap.c's
// snd_pcm_mmap_write_areas increments its offset the same way).
func (e *Engine) transfer(copyChunk func(ringOffset, bufOffset, k uint64) error, nFrames uint64, limit *uint64, playback bool) (uint64, error) {
	remaining := nFrames
	if limit != nil && *limit < remaining {
		remaining = *limit
	}

	var total uint64
	for remaining > 0 {
		k := e.Ring.Xfer(remaining, playback)
		if k == 0 {
			break
		}
		if err := copyChunk(e.Ring.Offset(), total, k); err != nil {
			return total, err
		}
		advanced, err := e.Advancer.MmapForward(k)
		if err != nil {
			return total, err
		}
		total += advanced
		remaining -= advanced
		if advanced < k {
			break
		}
	}
	if limit != nil {
		*limit = total
	}
	return total, nil
}

// Writei builds a one-shot interleaved area table over buf and writes n
// frames, a convenience wrapper over WriteAreas per spec.md §4.4.
func (e *Engine) Writei(buf []byte, n uint64) (uint64, error) {
	sampleBits := e.Format.BitWidth()
	src := area.FromContiguousBuffer(buf, e.Channels, sampleBits)
	return e.WriteAreas(src, 0, n, nil)
}

// Writen is Writei's non-interleaved counterpart: one buffer per channel.
func (e *Engine) Writen(bufs [][]byte, n uint64) (uint64, error) {
	sampleBits := e.Format.BitWidth()
	src := area.FromChannelBuffers(bufs, sampleBits)
	return e.WriteAreas(src, 0, n, nil)
}

// Readi is Writei's capture counterpart.
func (e *Engine) Readi(buf []byte, n uint64) (uint64, error) {
	sampleBits := e.Format.BitWidth()
	dst := area.FromContiguousBuffer(buf, e.Channels, sampleBits)
	return e.ReadAreas(dst, 0, n, nil)
}

// Readn is Writen's capture counterpart.
func (e *Engine) Readn(bufs [][]byte, n uint64) (uint64, error) {
	sampleBits := e.Format.BitWidth()
	dst := area.FromChannelBuffers(bufs, sampleBits)
	return e.ReadAreas(dst, 0, n, nil)
}
