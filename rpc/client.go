// Package rpc implements the synchronous request/response envelope from
// spec.md §4.5: the client writes command arguments into the shared control
// block, rings a one-byte doorbell, and blocks for the matching reply
// doorbell (optionally carrying a file descriptor via ancillary data).
package rpc

import (
	"log"

	"github.com/richinsley/pcmshm/pcmerr"
	"github.com/richinsley/pcmshm/rpc/proto"
)

// Transport is the doorbell primitive the Client rides on. Implementations
// own the underlying local stream socket; Doorbell/DoorbellFD must block
// until a reply doorbell byte (and, for DoorbellFD, exactly one file
// descriptor) has arrived.
type Transport interface {
	// Doorbell writes one byte, then blocks for exactly one byte back.
	Doorbell() error
	// DoorbellFD writes one byte, then blocks for one byte plus exactly one
	// ancillary file descriptor, returning the descriptor.
	DoorbellFD() (fd int, err error)
	Close() error
}

// Client drives the command set in spec.md §4.5 against a shared
// proto.ControlBlock over a Transport. Calls are strictly sequential: there
// is no pipelining, and the doorbell bytes together with the single control
// block pair requests to responses without request IDs.
type Client struct {
	tr   Transport
	ctrl *proto.ControlBlock
}

// NewClient builds a Client riding tr against ctrl, the attached shared
// control block.
func NewClient(tr Transport, ctrl *proto.ControlBlock) *Client {
	return &Client{tr: tr, ctrl: ctrl}
}

// Ctrl returns the underlying control block, for components (ring.Cursors,
// region.Mapper) that need direct access to its cursor fields or payload.
func (c *Client) Ctrl() *proto.ControlBlock { return c.ctrl }

// action performs the five-step envelope from spec.md §4.5 for a command
// whose arguments have already been written into ctrl.U by the caller.
func (c *Client) action(cmd proto.Command) (int32, error) {
	c.ctrl.Cmd.Store(uint32(cmd))
	if err := c.tr.Doorbell(); err != nil {
		return 0, pcmerr.Wrap(pcmerr.Io, "rpc.action", err)
	}
	if got := proto.Command(c.ctrl.Cmd.Load()); got != proto.CmdNone {
		log.Printf("pcmshm: server has not done the cmd (still %d)", got)
		return 0, pcmerr.New(pcmerr.Protocol, "rpc.action")
	}
	return c.ctrl.Result.Load(), nil
}

// actionFD is the FD-carrying variant used by CHANNEL_INFO and
// POLL_DESCRIPTOR.
func (c *Client) actionFD(cmd proto.Command) (int32, int, error) {
	c.ctrl.Cmd.Store(uint32(cmd))
	fd, err := c.tr.DoorbellFD()
	if err != nil {
		return 0, -1, pcmerr.Wrap(pcmerr.Io, "rpc.actionFD", err)
	}
	if got := proto.Command(c.ctrl.Cmd.Load()); got != proto.CmdNone {
		log.Printf("pcmshm: server has not done the cmd (still %d)", got)
		return 0, -1, pcmerr.New(pcmerr.Protocol, "rpc.actionFD")
	}
	return c.ctrl.Result.Load(), fd, nil
}

func (c *Client) Info() (proto.StreamInfo, error) {
	res, err := c.action(proto.CmdInfo)
	if err != nil {
		return proto.StreamInfo{}, err
	}
	if res < 0 {
		return proto.StreamInfo{}, pcmerr.New(pcmerr.System, "rpc.Info")
	}
	return c.ctrl.U.Info, nil
}

func (c *Client) HwRefine(params proto.HwParams) (proto.HwParams, error) {
	c.ctrl.U.HwRefine = params
	res, err := c.action(proto.CmdHwRefine)
	out := c.ctrl.U.HwRefine
	if err != nil {
		return out, err
	}
	if res < 0 {
		return out, pcmerr.New(pcmerr.System, "rpc.HwRefine")
	}
	return out, nil
}

func (c *Client) HwParams(params proto.HwParams) (proto.HwParams, error) {
	c.ctrl.U.HwParams = params
	res, err := c.action(proto.CmdHwParams)
	out := c.ctrl.U.HwParams
	if err != nil {
		return out, err
	}
	if res < 0 {
		return out, pcmerr.New(pcmerr.System, "rpc.HwParams")
	}
	return out, nil
}

func (c *Client) HwFree() error {
	res, err := c.action(proto.CmdHwFree)
	if err != nil {
		return err
	}
	if res < 0 {
		return pcmerr.New(pcmerr.System, "rpc.HwFree")
	}
	return nil
}

func (c *Client) SwParams(params proto.SwParams) (proto.SwParams, error) {
	c.ctrl.U.SwParams = params
	res, err := c.action(proto.CmdSwParams)
	out := c.ctrl.U.SwParams
	if err != nil {
		return out, err
	}
	if res < 0 {
		return out, pcmerr.New(pcmerr.System, "rpc.SwParams")
	}
	return out, nil
}

// ChannelInfo requests the region descriptor for one channel. The returned
// fd is only meaningful when the resulting ChannelInfo.Kind is RegionFile;
// callers must still close it even on error, per Go fd-ownership convention,
// unless fd == -1.
func (c *Client) ChannelInfo(channel int) (proto.ChannelInfo, int, error) {
	c.ctrl.U.ChannelInfo = proto.ChannelInfo{Channel: channel}
	res, fd, err := c.actionFD(proto.CmdChannelInfo)
	info := c.ctrl.U.ChannelInfo
	if err != nil {
		return info, -1, err
	}
	if res < 0 {
		return info, fd, pcmerr.New(pcmerr.System, "rpc.ChannelInfo")
	}
	if info.Kind != proto.RegionFile && fd >= 0 {
		// Server shouldn't send an fd for anon-shared regions; treat this
		// defensively as a protocol error rather than leak the descriptor.
		return info, fd, pcmerr.New(pcmerr.Protocol, "rpc.ChannelInfo")
	}
	return info, fd, nil
}

func (c *Client) Status() (proto.StatusData, error) {
	res, err := c.action(proto.CmdStatus)
	if err != nil {
		return proto.StatusData{}, err
	}
	if res < 0 {
		return proto.StatusData{}, pcmerr.New(pcmerr.System, "rpc.Status")
	}
	return c.ctrl.U.Status, nil
}

func (c *Client) State() (proto.State, error) {
	res, err := c.action(proto.CmdState)
	if err != nil {
		return 0, err
	}
	return proto.State(res), nil
}

func (c *Client) Delay() (int64, error) {
	res, err := c.action(proto.CmdDelay)
	if err != nil {
		return 0, err
	}
	if res < 0 {
		return 0, pcmerr.New(pcmerr.System, "rpc.Delay")
	}
	return c.ctrl.U.Delay.Frames, nil
}

func (c *Client) AvailUpdate() (int64, error) {
	res, err := c.action(proto.CmdAvailUpdate)
	if err != nil {
		return 0, err
	}
	return int64(res), nil
}

func (c *Client) Prepare() error { return c.simple(proto.CmdPrepare, "rpc.Prepare") }
func (c *Client) Reset() error   { return c.simple(proto.CmdReset, "rpc.Reset") }
func (c *Client) Start() error   { return c.simple(proto.CmdStart, "rpc.Start") }
func (c *Client) Drop() error    { return c.simple(proto.CmdDrop, "rpc.Drop") }
func (c *Client) Drain() error   { return c.simple(proto.CmdDrain, "rpc.Drain") }

func (c *Client) simple(cmd proto.Command, op string) error {
	res, err := c.action(cmd)
	if err != nil {
		return err
	}
	if res < 0 {
		return pcmerr.New(pcmerr.System, op)
	}
	return nil
}

func (c *Client) Pause(enable bool) error {
	c.ctrl.U.Pause = proto.PauseData{Enable: enable}
	return c.simple(proto.CmdPause, "rpc.Pause")
}

// Rewind requests the cursor move back by frames and returns the number of
// frames actually rewound, encoded in the result.
func (c *Client) Rewind(frames uint64) (uint64, error) {
	c.ctrl.U.Rewind = proto.RewindData{Frames: frames}
	res, err := c.action(proto.CmdRewind)
	if err != nil {
		return 0, err
	}
	if res < 0 {
		return 0, pcmerr.New(pcmerr.System, "rpc.Rewind")
	}
	return uint64(res), nil
}

// MmapForward requests the server advance appl_ptr by frames and returns the
// number of frames actually advanced, which may be less than requested.
func (c *Client) MmapForward(frames uint64) (uint64, error) {
	c.ctrl.U.MmapForward = proto.MmapForwardData{Frames: frames}
	res, err := c.action(proto.CmdMmapForward)
	if err != nil {
		return 0, err
	}
	if res < 0 {
		return 0, pcmerr.New(pcmerr.System, "rpc.MmapForward")
	}
	return uint64(res), nil
}

func (c *Client) Async(sig, pid int32) error {
	c.ctrl.U.Async = proto.AsyncData{Sig: sig, Pid: pid}
	return c.simple(proto.CmdAsync, "rpc.Async")
}

// PollDescriptor fetches the fd the caller should select/poll on for
// readiness, e.g. to implement blocking Drain.
func (c *Client) PollDescriptor() (int, error) {
	res, fd, err := c.actionFD(proto.CmdPollDescriptor)
	if err != nil {
		return -1, err
	}
	if res < 0 {
		return -1, pcmerr.New(pcmerr.System, "rpc.PollDescriptor")
	}
	return fd, nil
}

// Close issues the CLOSE command. Per spec.md §4.6, the caller is
// responsible for detaching the control block and closing the socket and
// poll fd afterward regardless of the returned error.
func (c *Client) Close() error {
	res, err := c.action(proto.CmdClose)
	if err != nil {
		return err
	}
	if res < 0 {
		return pcmerr.New(pcmerr.System, "rpc.Close")
	}
	return nil
}
