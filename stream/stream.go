// Package stream implements StreamLifecycle: the client-facing object that
// bridges the mmap ring (ring, area, region, transfer) to the RPC transport
// (rpc), matching spec.md §4.6.
package stream

import (
	"os"
	"sync/atomic"

	"github.com/richinsley/pcmshm/area"
	"github.com/richinsley/pcmshm/pcmerr"
	"github.com/richinsley/pcmshm/region"
	"github.com/richinsley/pcmshm/ring"
	"github.com/richinsley/pcmshm/rpc"
	"github.com/richinsley/pcmshm/rpc/proto"
	"github.com/richinsley/pcmshm/transfer"
)

// Config is the fixed set of parameters a stream is opened with: spec.md §3's
// direction, channel count, rate, format, access layout, and ring geometry,
// plus the addressing needed to reach the server.
type Config struct {
	SocketPath string
	ServerName string
	Direction  proto.StreamDirection
	Mode       uint32
	NonBlock   bool

	Channels   int
	Rate       uint32
	Format     proto.SampleFormat
	Access     proto.AccessLayout
	BufferSize uint64
	Boundary   uint64
}

// ControlBackend attaches and detaches the shared-memory control segment
// identified by the handshake's cookie. region.Backend satisfies this
// structurally via its ShmAt/ShmDt methods.
type ControlBackend interface {
	ShmAt(id int32) ([]byte, error)
	ShmDt(b []byte) error
}

// Waiter blocks until fd is ready for reading, backing Drain's blocking
// behavior in blocking mode.
type Waiter interface {
	Wait(fd int) error
}

// Stream is the open client-side handle: a connected RPC client riding a
// transport, the attached control block's cursors, and (once Mmap has been
// called) the mapped ring areas and transfer engine.
type Stream struct {
	cfg Config

	transport rpc.Transport
	client    *rpc.Client

	ctrlBackend ControlBackend
	ctrlBuf     []byte
	ctrl        *proto.ControlBlock

	cursors *ring.Cursors

	mapperBackend region.Backend
	mapper        *region.Mapper
	areas         area.Table
	engine        *transfer.Engine

	waiter Waiter
	pollFD int

	mapped atomic.Bool
	closed atomic.Bool
}

// newStream wires the pieces together once a handshake has produced a
// transport and an attached control block; pollFD may be -1 and set later.
// Kept separate so the unix-specific Open (and tests) can assemble a Stream
// without every caller re-deriving the wiring.
func newStream(cfg Config, transport rpc.Transport, ctrlBackend ControlBackend, ctrlBuf []byte, mapperBackend region.Backend, waiter Waiter, pollFD int) (*Stream, error) {
	ctrl, err := proto.AttachControlBlock(ctrlBuf)
	if err != nil {
		return nil, pcmerr.Wrap(pcmerr.ResourceExhausted, "stream.newStream", err)
	}
	client := rpc.NewClient(transport, ctrl)
	cursors := ring.New(&ctrl.ApplPtr, &ctrl.HwPtr, cfg.BufferSize, cfg.Boundary)

	s := &Stream{
		cfg:           cfg,
		transport:     transport,
		client:        client,
		ctrlBackend:   ctrlBackend,
		ctrlBuf:       ctrlBuf,
		ctrl:          ctrl,
		cursors:       cursors,
		mapperBackend: mapperBackend,
		mapper:        region.New(mapperBackend),
		waiter:        waiter,
		pollFD:        pollFD,
	}
	s.engine = &transfer.Engine{
		Ring:     cursors,
		Channels: cfg.Channels,
		Format:   cfg.Format,
		Advancer: client,
	}
	return s, nil
}

// PollFD returns the descriptor external event loops should select/poll on.
func (s *Stream) PollFD() int { return s.pollFD }

// Cursors exposes the stream's ring cursors for callers that need direct
// avail/xfer queries outside of Writei/Readi.
func (s *Stream) Cursors() *ring.Cursors { return s.cursors }

func (s *Stream) checkOpen(op string) error {
	if s.closed.Load() {
		return pcmerr.New(pcmerr.BadState, op)
	}
	return nil
}

func (s *Stream) checkMapped(op string) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if !s.mapped.Load() {
		return pcmerr.New(pcmerr.BadState, op)
	}
	return nil
}

// Close issues CLOSE, detaches the control block, and closes the transport
// and poll descriptor. Local teardown always happens even if CLOSE itself
// fails, per spec.md §4.6/§7.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return pcmerr.New(pcmerr.BadState, "stream.Close")
	}
	var firstErr error
	if err := s.client.Close(); err != nil {
		firstErr = err
	}
	if s.ctrlBackend != nil {
		if err := s.ctrlBackend.ShmDt(s.ctrlBuf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.transport.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.pollFD >= 0 {
		if err := os.NewFile(uintptr(s.pollFD), "pcmshm-poll").Close(); err != nil && firstErr == nil {
			firstErr = pcmerr.Wrap(pcmerr.System, "stream.Close: poll fd", err)
		}
	}
	return firstErr
}

func (s *Stream) State() (proto.State, error) {
	if err := s.checkOpen("stream.State"); err != nil {
		return 0, err
	}
	return s.client.State()
}

func (s *Stream) Info() (proto.StreamInfo, error) {
	if err := s.checkOpen("stream.Info"); err != nil {
		return proto.StreamInfo{}, err
	}
	return s.client.Info()
}

func (s *Stream) HwRefine(p proto.HwParams) (proto.HwParams, error) {
	if err := s.checkOpen("stream.HwRefine"); err != nil {
		return proto.HwParams{}, err
	}
	return s.client.HwRefine(p)
}

func (s *Stream) HwParams(p proto.HwParams) (proto.HwParams, error) {
	if err := s.checkOpen("stream.HwParams"); err != nil {
		return proto.HwParams{}, err
	}
	return s.client.HwParams(p)
}

func (s *Stream) HwFree() error {
	if err := s.checkOpen("stream.HwFree"); err != nil {
		return err
	}
	return s.client.HwFree()
}

func (s *Stream) SwParams(p proto.SwParams) (proto.SwParams, error) {
	if err := s.checkOpen("stream.SwParams"); err != nil {
		return proto.SwParams{}, err
	}
	return s.client.SwParams(p)
}

func (s *Stream) AvailUpdate() (int64, error) {
	if err := s.checkOpen("stream.AvailUpdate"); err != nil {
		return 0, err
	}
	return s.client.AvailUpdate()
}

func (s *Stream) Delay() (int64, error) {
	if err := s.checkOpen("stream.Delay"); err != nil {
		return 0, err
	}
	return s.client.Delay()
}

func (s *Stream) Status() (proto.StatusData, error) {
	if err := s.checkOpen("stream.Status"); err != nil {
		return proto.StatusData{}, err
	}
	return s.client.Status()
}

func (s *Stream) Prepare() error {
	if err := s.checkOpen("stream.Prepare"); err != nil {
		return err
	}
	return s.client.Prepare()
}

func (s *Stream) Reset() error {
	if err := s.checkOpen("stream.Reset"); err != nil {
		return err
	}
	return s.client.Reset()
}

func (s *Stream) Start() error {
	if err := s.checkOpen("stream.Start"); err != nil {
		return err
	}
	return s.client.Start()
}

func (s *Stream) Drop() error {
	if err := s.checkOpen("stream.Drop"); err != nil {
		return err
	}
	return s.client.Drop()
}

func (s *Stream) Pause(enable bool) error {
	if err := s.checkOpen("stream.Pause"); err != nil {
		return err
	}
	return s.client.Pause(enable)
}

func (s *Stream) Rewind(frames uint64) (uint64, error) {
	if err := s.checkOpen("stream.Rewind"); err != nil {
		return 0, err
	}
	return s.client.Rewind(frames)
}

func (s *Stream) MmapForward(frames uint64) (uint64, error) {
	if err := s.checkOpen("stream.MmapForward"); err != nil {
		return 0, err
	}
	return s.client.MmapForward(frames)
}

func (s *Stream) Async(sig, pid int32) error {
	if err := s.checkOpen("stream.Async"); err != nil {
		return err
	}
	return s.client.Async(sig, pid)
}

// Drain issues DRAIN, then blocks on the poll descriptor until readiness
// unless the stream was opened in non-blocking mode, per spec.md §4.6.
func (s *Stream) Drain() error {
	if err := s.checkOpen("stream.Drain"); err != nil {
		return err
	}
	if err := s.client.Drain(); err != nil {
		return err
	}
	if !s.cfg.NonBlock && s.waiter != nil {
		return s.waiter.Wait(s.pollFD)
	}
	return nil
}

// Mmap probes per-channel region descriptors via CHANNEL_INFO, maps them
// through the BufferMapper, and wires the resulting areas into the transfer
// engine, per spec.md §4.3.
func (s *Stream) Mmap() error {
	if err := s.checkOpen("stream.Mmap"); err != nil {
		return err
	}
	if s.mapped.Load() {
		return pcmerr.New(pcmerr.BadState, "stream.Mmap")
	}

	geoms := make([]region.ChannelGeom, s.cfg.Channels)
	for c := 0; c < s.cfg.Channels; c++ {
		info, fd, err := s.client.ChannelInfo(c)
		if err != nil {
			if fd >= 0 && s.mapperBackend != nil {
				_ = s.mapperBackend.CloseFd(fd)
			}
			return err
		}
		d := region.Descriptor{
			Kind:     info.Kind,
			FdOffset: info.FdOffset,
			ShmID:    info.ShmID,
		}
		if info.Kind == proto.RegionFile {
			d.Fd = fd
		}
		geoms[c] = region.ChannelGeom{Region: d, FirstBit: info.FirstBit, StepBit: info.StepBit}
	}

	mapped, err := s.mapper.Mmap(geoms, s.cfg.BufferSize, s.cfg.Format.BitWidth())
	if err != nil {
		return err
	}
	areas := make(area.Table, len(mapped))
	for i, m := range mapped {
		areas[i] = area.Area{Base: m.Base, FirstBit: m.FirstBit, StepBit: m.StepBit}
	}
	s.areas = areas
	s.engine.RingAreas = areas
	s.mapped.Store(true)
	return nil
}

// Munmap releases every mapped region, per spec.md §4.3.
func (s *Stream) Munmap() error {
	if err := s.checkMapped("stream.Munmap"); err != nil {
		return err
	}
	err := s.mapper.Munmap()
	s.areas = nil
	s.engine.RingAreas = nil
	s.mapped.Store(false)
	return err
}

func (s *Stream) Writei(buf []byte, n uint64) (uint64, error) {
	if err := s.checkMapped("stream.Writei"); err != nil {
		return 0, err
	}
	return s.engine.Writei(buf, n)
}

func (s *Stream) Writen(bufs [][]byte, n uint64) (uint64, error) {
	if err := s.checkMapped("stream.Writen"); err != nil {
		return 0, err
	}
	return s.engine.Writen(bufs, n)
}

func (s *Stream) Readi(buf []byte, n uint64) (uint64, error) {
	if err := s.checkMapped("stream.Readi"); err != nil {
		return 0, err
	}
	return s.engine.Readi(buf, n)
}

func (s *Stream) Readn(bufs [][]byte, n uint64) (uint64, error) {
	if err := s.checkMapped("stream.Readn"); err != nil {
		return 0, err
	}
	return s.engine.Readn(bufs, n)
}

// WriteMmap copies size frames from buf (interleaved access) or bufs
// (non-interleaved access) directly into the ring's mapped areas at the
// current hardware cursor offset, walking contiguous runs as the ring wraps.
// Unlike Writei, it does not advance appl_ptr through MMAP_FORWARD: it
// exists to bridge data already produced elsewhere into the ring's own
// memory, mirroring spec.md §4.6's write_mmap.
//
// Each access layout is handled by an independent, complete switch arm; the
// original C implementation this is grounded on fell through its
// non-interleaved case into the default/unreachable arm for the read
// direction (see ReadMmap and DESIGN.md).
func (s *Stream) WriteMmap(buf []byte, bufs [][]byte, size uint64) (uint64, error) {
	if err := s.checkMapped("stream.WriteMmap"); err != nil {
		return 0, err
	}
	var xfer uint64
	sampleBits := s.cfg.Format.BitWidth()
	start := s.cursors.HwOffset()
	for xfer < size {
		frames := size - xfer
		offset := (start + xfer) % s.cfg.BufferSize
		if cont := s.cfg.BufferSize - offset; cont < frames {
			frames = cont
		}
		if frames == 0 {
			break
		}

		var src area.Table
		switch s.cfg.Access {
		case proto.MmapInterleaved, proto.RWInterleaved:
			src = area.FromContiguousBuffer(buf, s.cfg.Channels, sampleBits)
		case proto.MmapNonInterleaved, proto.RWNonInterleaved:
			src = area.FromChannelBuffers(bufs, sampleBits)
		default:
			return xfer, pcmerr.New(pcmerr.InvalidArgument, "stream.WriteMmap: unknown access layout")
		}

		if err := transfer.CopyAreas(s.areas, offset, src, xfer, s.cfg.Channels, frames, s.cfg.Format); err != nil {
			return xfer, err
		}
		xfer += frames
	}
	return xfer, nil
}

// ReadMmap is WriteMmap's capture-direction counterpart: it copies out of
// the ring at the hardware cursor offset into buf/bufs.
func (s *Stream) ReadMmap(buf []byte, bufs [][]byte, size uint64) (uint64, error) {
	if err := s.checkMapped("stream.ReadMmap"); err != nil {
		return 0, err
	}
	var xfer uint64
	sampleBits := s.cfg.Format.BitWidth()
	start := s.cursors.HwOffset()
	for xfer < size {
		frames := size - xfer
		offset := (start + xfer) % s.cfg.BufferSize
		if cont := s.cfg.BufferSize - offset; cont < frames {
			frames = cont
		}
		if frames == 0 {
			break
		}

		var dst area.Table
		switch s.cfg.Access {
		case proto.MmapInterleaved, proto.RWInterleaved:
			dst = area.FromContiguousBuffer(buf, s.cfg.Channels, sampleBits)
		case proto.MmapNonInterleaved, proto.RWNonInterleaved:
			dst = area.FromChannelBuffers(bufs, sampleBits)
		default:
			return xfer, pcmerr.New(pcmerr.InvalidArgument, "stream.ReadMmap: unknown access layout")
		}

		if err := transfer.CopyAreas(dst, xfer, s.areas, offset, s.cfg.Channels, frames, s.cfg.Format); err != nil {
			return xfer, err
		}
		xfer += frames
	}
	return xfer, nil
}
