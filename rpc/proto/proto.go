// Package proto defines the wire and shared-memory layout of the shm PCM
// transport: the handshake frame exchanged over the local stream socket, the
// command set, and the control block that lives in the shared memory segment
// identified by the handshake's cookie.
package proto

import "sync/atomic"

// DeviceType and TransportType identify the kind of device and transport the
// handshake is requesting. This module only ever sends PCM/SHM, but both are
// spelled out because they're part of the wire frame.
type DeviceType uint8

const (
	DeviceTypePCM DeviceType = 1
)

type TransportType uint8

const (
	TransportTypeSHM TransportType = 1
)

// StreamDirection mirrors spec.md's Access layout direction: a stream is
// fixed at open time as either Playback or Capture.
type StreamDirection uint8

const (
	Playback StreamDirection = iota
	Capture
)

// AccessLayout enumerates the four access patterns spec.md §3 defines. The
// core package directly supports the two Mmap variants for data movement;
// the RW variants only ever travel as hardware-negotiation hints through the
// RPC layer.
type AccessLayout uint8

const (
	MmapInterleaved AccessLayout = iota
	MmapNonInterleaved
	RWInterleaved
	RWNonInterleaved
)

func (a AccessLayout) Interleaved() bool {
	return a == MmapInterleaved || a == RWInterleaved
}

// MaxNameLen is the handshake frame's one-byte length prefix ceiling.
const MaxNameLen = 255

// OpenRequest is the fixed-prefix handshake frame sent to the server.
// Wire layout: dev_type, transport, stream, mode, namelen, name bytes.
type OpenRequest struct {
	DevType   DeviceType
	Transport TransportType
	Stream    StreamDirection
	Mode      uint32
	Name      string // length must be <= MaxNameLen
}

// OpenAnswer is the handshake reply: a negative Result means open failed and
// Cookie is meaningless; a non-negative Result pairs with Cookie identifying
// the shared-memory control segment to attach.
type OpenAnswer struct {
	Result int32
	Cookie int32
}

// Command enumerates the RPC command set from spec.md §4.5.
type Command uint32

const (
	CmdNone Command = iota
	CmdInfo
	CmdHwRefine
	CmdHwParams
	CmdHwFree
	CmdSwParams
	CmdChannelInfo
	CmdStatus
	CmdState
	CmdDelay
	CmdAvailUpdate
	CmdPrepare
	CmdReset
	CmdStart
	CmdDrop
	CmdDrain
	CmdPause
	CmdRewind
	CmdMmapForward
	CmdAsync
	CmdPollDescriptor
	CmdClose
)

// State mirrors the stream state enum the STATE command's result encodes.
type State int32

const (
	StateOpen State = iota
	StateSetup
	StatePrepared
	StateRunning
	StateXRun
	StateDraining
	StatePaused
	StateSuspended
	StateDisconnected
)

// RegionKind distinguishes the two kinds of per-channel region descriptor.
type RegionKind uint8

const (
	RegionFile RegionKind = iota
	RegionAnon
)

// ChannelInfo is the per-command payload bound to CHANNEL_INFO: the server
// fills in Kind/FirstBit/StepBit/FdOffset/ShmID; for RegionFile the
// corresponding file descriptor travels out-of-band as the RPC's ancillary
// SCM_RIGHTS message, not in this struct.
type ChannelInfo struct {
	Channel  int
	Kind     RegionKind
	FirstBit uint64
	StepBit  uint64
	FdOffset int64
	ShmID    int32
}

// SampleFormat enumerates the PCM sample encodings carried through hw_params
// negotiation. Every entry is byte-aligned; the transfer package's CopyAreas
// rejects any other value (BitWidth 0) and any non-byte-aligned channel area
// with pcmerr.Unsupported.
type SampleFormat uint8

const (
	FormatS8 SampleFormat = iota
	FormatU8
	FormatS16LE
	FormatU16LE
	FormatS24LE
	FormatU24LE
	FormatS32LE
	FormatU32LE
	FormatFloat32LE
)

// BitWidth returns the sample's storage width in bits.
func (f SampleFormat) BitWidth() int {
	switch f {
	case FormatS8, FormatU8:
		return 8
	case FormatS16LE, FormatU16LE:
		return 16
	case FormatS24LE, FormatU24LE:
		return 24
	case FormatS32LE, FormatU32LE, FormatFloat32LE:
		return 32
	default:
		return 0
	}
}

// HwParams and SwParams are opaquely forwarded hardware/software parameter
// blocks; this module never interprets their contents, only carries them
// between the caller and the server (spec.md §1 Out of scope).
type HwParams struct {
	Access     AccessLayout
	Format     SampleFormat
	Channels   uint32
	Rate       uint32
	BufferSize uint64
	PeriodSize uint64
}

type SwParams struct {
	StartThreshold uint64
	StopThreshold  uint64
	AvailMin       uint64
}

type StatusData struct {
	State       State
	TrimmedHw   uint64
	TrimmedAppl uint64
	Delay       int64
}

type DelayData struct {
	Frames int64
}

type PauseData struct {
	Enable bool
}

type RewindData struct {
	Frames uint64
}

type MmapForwardData struct {
	Frames uint64
}

type AsyncData struct {
	Sig int32
	Pid int32
}

// StreamInfo is carried inside ControlBlock, which is attached over shared
// memory via an unsafe.Pointer cast (see control.go): every field must be a
// fixed-size value with no process-local pointers. NameBuf/NameLen hold the
// stream name as a fixed byte array rather than a Go string, whose header is
// a pointer into this process's heap and would be garbage to a real
// out-of-process server writing or reading the same shared segment.
type StreamInfo struct {
	NameBuf   [MaxNameLen]byte
	NameLen   uint8
	Direction StreamDirection
}

// Name decodes the stored name back into a Go string.
func (i StreamInfo) Name() string {
	return string(i.NameBuf[:i.NameLen])
}

// SetName copies name into NameBuf, truncating to MaxNameLen bytes.
func (i *StreamInfo) SetName(name string) {
	n := copy(i.NameBuf[:], name)
	i.NameLen = uint8(n)
}

// Payload is the command-specific argument/result block, carried inside the
// control block. Only the field matching the in-flight Cmd is meaningful; the
// original C union is modeled as a flat struct of named fields rather than a
// byte-for-byte union, since both ends of this transport are this module's
// own implementation and never need to be wire-compatible with a foreign
// union layout (see DESIGN.md).
type Payload struct {
	Info        StreamInfo
	HwRefine    HwParams
	HwParams    HwParams
	SwParams    SwParams
	ChannelInfo ChannelInfo
	Status      StatusData
	Delay       DelayData
	Pause       PauseData
	Rewind      RewindData
	MmapForward MmapForwardData
	Async       AsyncData
}

// ControlBlock is the structure attached from shared memory. Cmd and Result
// are accessed with single atomic words to match the client/server happens-
// before contract in spec.md §5: the writer of a field always stores it
// before writing the command/doorbell that publishes it. ApplPtr and HwPtr
// back a ring.Cursors.
type ControlBlock struct {
	Cmd     atomic.Uint32
	Result  atomic.Int32
	HwPtr   atomic.Uint64
	ApplPtr atomic.Uint64
	U       Payload
}
