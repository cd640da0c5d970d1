// Package area implements ChannelAreaTable: pure addressing of per-channel
// samples inside a mapped region, given (base_addr, first_bit, step_bit).
package area

// Area locates the samples of a single channel inside a mapped region.
// Base is an opaque handle to the region's mapped bytes (see region.Mapper);
// FirstBit and StepBit are measured in bits, as the wire protocol does, to
// support non-byte-aligned formats.
type Area struct {
	Base     []byte
	FirstBit uint64
	StepBit  uint64
}

// Table is a C-entry slice of per-channel Areas.
type Table []Area

// Addr is the resolved address of one frame's sample within an Area: the
// byte offset into Base, plus the leftover bit offset within that byte
// (zero for every byte-aligned format, which is the common case).
type Addr struct {
	Byte int
	Bit  uint
}

// AddrOf returns the byte+bit address of the sample for the given frame
// within a. byte = base + (first_bit + step_bit*frame) / 8; bit = remainder.
func AddrOf(a Area, frame uint64) Addr {
	bitOffset := a.FirstBit + a.StepBit*frame
	return Addr{
		Byte: int(bitOffset / 8),
		Bit:  uint(bitOffset % 8),
	}
}

// ByteAligned reports whether a addresses only byte boundaries: true for
// every interleaved/non-interleaved layout using a whole-byte sample format.
func (a Area) ByteAligned() bool {
	return a.FirstBit%8 == 0 && a.StepBit%8 == 0
}

// FromContiguousBuffer synthesizes a C-entry interleaved table over a single
// caller-supplied buffer: all channels share base_addr, step_bit = frame_bits.
func FromContiguousBuffer(buf []byte, channels int, sampleBits int) Table {
	frameBits := uint64(sampleBits) * uint64(channels)
	t := make(Table, channels)
	for c := 0; c < channels; c++ {
		t[c] = Area{
			Base:     buf,
			FirstBit: uint64(c) * uint64(sampleBits),
			StepBit:  frameBits,
		}
	}
	return t
}

// FromChannelBuffers synthesizes a C-entry non-interleaved table where area c
// points at bufs[c], step_bit = sample_bits.
func FromChannelBuffers(bufs [][]byte, sampleBits int) Table {
	t := make(Table, len(bufs))
	for c, buf := range bufs {
		t[c] = Area{
			Base:     buf,
			FirstBit: 0,
			StepBit:  uint64(sampleBits),
		}
	}
	return t
}
