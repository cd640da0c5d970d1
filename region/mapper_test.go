package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/pcmshm/rpc/proto"
)

type fakeBackend struct {
	mmapCalls    int
	munmapCalls  int
	closeFdCalls int
	closedFds    []int
	shmgetCalls  int
	shmatCalls   int
	shmdtCalls   int
	nextShmID    int32
	fail         map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{nextShmID: 100, fail: map[string]bool{}}
}

func (f *fakeBackend) PageSize() int { return 4096 }

func (f *fakeBackend) MmapFile(fd int, offset int64, size int) ([]byte, error) {
	f.mmapCalls++
	if f.fail["mmap"] {
		return nil, assertErr("mmap")
	}
	return make([]byte, size), nil
}

func (f *fakeBackend) MunmapFile(b []byte) error {
	f.munmapCalls++
	if f.fail["munmap"] {
		return assertErr("munmap")
	}
	return nil
}

func (f *fakeBackend) CloseFd(fd int) error {
	f.closeFdCalls++
	f.closedFds = append(f.closedFds, fd)
	if f.fail["closefd"] {
		return assertErr("closefd")
	}
	return nil
}

func (f *fakeBackend) ShmGet(size int) (int32, error) {
	f.shmgetCalls++
	if f.fail["shmget"] {
		return -1, assertErr("shmget")
	}
	id := f.nextShmID
	f.nextShmID++
	return id, nil
}

func (f *fakeBackend) ShmAt(id int32) ([]byte, error) {
	f.shmatCalls++
	if f.fail["shmat"] {
		return nil, assertErr("shmat")
	}
	return make([]byte, 4096), nil
}

func (f *fakeBackend) ShmDt(b []byte) error {
	f.shmdtCalls++
	if f.fail["shmdt"] {
		return assertErr("shmdt")
	}
	return nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
func assertErr(s string) error    { return simpleErr(s) }

func TestDedupIdenticalFileBackedRegion(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend)

	geoms := []ChannelGeom{
		{Region: Descriptor{Kind: proto.RegionFile, Fd: 5, FdOffset: 0}, FirstBit: 0, StepBit: 32},
		{Region: Descriptor{Kind: proto.RegionFile, Fd: 5, FdOffset: 0}, FirstBit: 16, StepBit: 32},
	}
	mapped, err := m.Mmap(geoms, 1024, 16)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.mmapCalls)
	assert.Same(t, &mapped[0].Base[0], &mapped[1].Base[0])
	assert.Equal(t, 1, backend.closeFdCalls, "the region's fd must be closed exactly once, even though two channels share it")
	assert.Equal(t, []int{5}, backend.closedFds)

	require.NoError(t, m.Munmap())
	assert.Equal(t, 1, backend.munmapCalls)
}

func TestDistinctRegionsForNonInterleavedChannels(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend)

	geoms := []ChannelGeom{
		{Region: Descriptor{Kind: proto.RegionAnon, ShmID: 1}, FirstBit: 0, StepBit: 16},
		{Region: Descriptor{Kind: proto.RegionAnon, ShmID: 2}, FirstBit: 0, StepBit: 16},
	}
	mapped, err := m.Mmap(geoms, 256, 16)
	require.NoError(t, err)
	assert.Equal(t, 2, m.RegionCount())
	assert.NotSame(t, &mapped[0].Base[0], &mapped[1].Base[0])
	assert.Equal(t, 2, backend.shmatCalls)
}

func TestMmapAllocatesPrivateSegmentWhenShmIDNegative(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend)
	geoms := []ChannelGeom{
		{Region: Descriptor{Kind: proto.RegionAnon, ShmID: -1}, FirstBit: 0, StepBit: 16},
	}
	_, err := m.Mmap(geoms, 64, 16)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.shmgetCalls)
	assert.Equal(t, 1, backend.shmatCalls)
}

func TestMmapUnwindsOnPartialFailure(t *testing.T) {
	backend := newFakeBackend()
	geoms := []ChannelGeom{
		{Region: Descriptor{Kind: proto.RegionAnon, ShmID: 1}, FirstBit: 0, StepBit: 16},
		{Region: Descriptor{Kind: proto.RegionAnon, ShmID: 2}, FirstBit: 0, StepBit: 16},
	}
	// The second distinct region's ShmAt fails; the first region mapped
	// earlier in this same call must be unwound before Mmap returns.
	countingBackend := &countingFailBackend{fakeBackend: backend, failAfter: 1}
	m := New(countingBackend)
	_, err := m.Mmap(geoms, 64, 16)
	require.Error(t, err)
	assert.Equal(t, 1, backend.shmdtCalls, "the first region mapped in this call must be unwound")
	assert.Equal(t, 0, m.RegionCount(), "a failed Mmap call must leave the Mapper with no partially-mapped regions")
}

// countingFailBackend fails ShmAt starting from the (failAfter+1)-th call so
// Mmap's unwind path (undo regions mapped earlier in the same call) can be
// exercised deterministically.
type countingFailBackend struct {
	*fakeBackend
	failAfter int
	calls     int
}

func (c *countingFailBackend) ShmAt(id int32) ([]byte, error) {
	c.calls++
	if c.calls > c.failAfter {
		return nil, assertErr("shmat-induced-failure")
	}
	return c.fakeBackend.ShmAt(id)
}
