package area

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddrOfInterleavedByteAligned(t *testing.T) {
	buf := make([]byte, 64)
	table := FromContiguousBuffer(buf, 2, 16) // 2 channels, 16-bit samples
	// frame 3, channel 1: first_bit = 16, step_bit = 32 (frame_bits)
	a := table[1]
	addr := AddrOf(a, 3)
	assert.Equal(t, 0, int(addr.Bit))
	assert.Equal(t, (16+32*3)/8, addr.Byte)
	assert.True(t, a.ByteAligned())
}

func TestAddrOfNonInterleaved(t *testing.T) {
	bufs := [][]byte{make([]byte, 32), make([]byte, 32)}
	table := FromChannelBuffers(bufs, 16)
	addr := AddrOf(table[1], 5)
	assert.Equal(t, (16*5)/8, addr.Byte)
	assert.Same(t, &bufs[1][0], &table[1].Base[0])
}

func TestFromContiguousBufferSharesBase(t *testing.T) {
	buf := make([]byte, 16)
	table := FromContiguousBuffer(buf, 4, 8)
	for _, a := range table {
		assert.Same(t, &buf[0], &a.Base[0])
	}
}
