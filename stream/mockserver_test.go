//go:build unix

package stream

import (
	"fmt"
	"net"
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/richinsley/pcmshm/config"
	"github.com/richinsley/pcmshm/pcmerr"
	"github.com/richinsley/pcmshm/rpc/proto"
)

// mockServer emulates the RPC responder side of the handshake and doorbell
// protocol closely enough to drive the end-to-end scenarios spec.md §8
// describes, entirely in-process over a real socketpair and a real SysV
// shared-memory segment, so the client's actual transport and region
// backends run unmodified.
type mockServer struct {
	conn *net.UnixConn
	ctrl *proto.ControlBlock
}

func newMockServerPair(t *testing.T) (clientConn *net.UnixConn, srv *mockServer, ctrlShmID int32) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	clientFile := os.NewFile(uintptr(fds[0]), "client")
	serverFile := os.NewFile(uintptr(fds[1]), "server")

	clientAny, err := net.FileConn(clientFile)
	require.NoError(t, err)
	clientFile.Close()
	serverAny, err := net.FileConn(serverFile)
	require.NoError(t, err)
	serverFile.Close()

	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, int(unsafe.Sizeof(proto.ControlBlock{})), unix.IPC_CREAT|0o666)
	require.NoError(t, err)
	t.Cleanup(func() { unix.SysvShmCtl(id, unix.IPC_RMID, nil) })

	srvBuf, err := unix.SysvShmAttach(id, 0, 0)
	require.NoError(t, err)
	ctrl, err := proto.AttachControlBlock(srvBuf)
	require.NoError(t, err)

	return clientAny.(*net.UnixConn), &mockServer{conn: serverAny.(*net.UnixConn), ctrl: ctrl}, int32(id)
}

// handle processes exactly one command cycle over the doorbell byte.
func (srv *mockServer) handle(fn func(cmd proto.Command)) error {
	var b [1]byte
	if _, err := srv.conn.Read(b[:]); err != nil {
		return err
	}
	fn(proto.Command(srv.ctrl.Cmd.Load()))
	srv.ctrl.Cmd.Store(uint32(proto.CmdNone))
	_, err := srv.conn.Write(b[:])
	return err
}

// handleFD is handle's FD-carrying counterpart.
func (srv *mockServer) handleFD(fd int, fn func(cmd proto.Command)) error {
	var b [1]byte
	if _, err := srv.conn.Read(b[:]); err != nil {
		return err
	}
	fn(proto.Command(srv.ctrl.Cmd.Load()))
	srv.ctrl.Cmd.Store(uint32(proto.CmdNone))
	rights := unix.UnixRights(fd)
	_, _, err := srv.conn.WriteMsgUnix(b[:], rights, nil)
	return err
}

func TestOpenHandshakeThenPollDescriptorViaSCMRights(t *testing.T) {
	clientConn, srv, ctrlShmID := newMockServerPair(t)
	defer clientConn.Close()
	defer srv.conn.Close()

	pollR, pollW, err := os.Pipe()
	require.NoError(t, err)
	defer pollR.Close()
	defer pollW.Close()

	serverDone := make(chan error, 1)
	go func() {
		req, err := proto.ReadOpenRequest(srv.conn)
		if err != nil {
			serverDone <- err
			return
		}
		if req.Name != "capture0" {
			serverDone <- fmt.Errorf("unexpected stream name %q", req.Name)
			return
		}
		if err := proto.WriteOpenAnswer(srv.conn, proto.OpenAnswer{Result: 0, Cookie: ctrlShmID}); err != nil {
			serverDone <- err
			return
		}
		serverDone <- srv.handleFD(int(pollR.Fd()), func(cmd proto.Command) {
			require.Equal(t, proto.CmdPollDescriptor, cmd)
			srv.ctrl.Result.Store(0)
		})
	}()

	cfg := Config{
		ServerName: "capture0",
		Direction:  proto.Capture,
		Channels:   1,
		Format:     proto.FormatS16LE,
		Access:     proto.MmapInterleaved,
		BufferSize: 1024,
		Boundary:   8192,
	}
	s, err := openOverConn(clientConn, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.ctrlBackend.ShmDt(s.ctrlBuf) })

	require.NoError(t, <-serverDone)
	assert.GreaterOrEqual(t, s.PollFD(), 0)
}

func TestPrepareThenStartClearCmdAndReturnSuccess(t *testing.T) {
	clientConn, srv, ctrlShmID := newMockServerPair(t)
	defer clientConn.Close()
	defer srv.conn.Close()

	pollR, pollW, err := os.Pipe()
	require.NoError(t, err)
	defer pollR.Close()
	defer pollW.Close()

	serverDone := make(chan error, 1)
	go func() {
		if _, err := proto.ReadOpenRequest(srv.conn); err != nil {
			serverDone <- err
			return
		}
		if err := proto.WriteOpenAnswer(srv.conn, proto.OpenAnswer{Result: 0, Cookie: ctrlShmID}); err != nil {
			serverDone <- err
			return
		}
		if err := srv.handleFD(int(pollR.Fd()), func(proto.Command) { srv.ctrl.Result.Store(0) }); err != nil {
			serverDone <- err
			return
		}
		if err := srv.handle(func(cmd proto.Command) {
			require.Equal(t, proto.CmdPrepare, cmd)
			srv.ctrl.Result.Store(0)
		}); err != nil {
			serverDone <- err
			return
		}
		serverDone <- srv.handle(func(cmd proto.Command) {
			require.Equal(t, proto.CmdStart, cmd)
			srv.ctrl.Result.Store(0)
		})
	}()

	cfg := Config{ServerName: "s", Direction: proto.Playback, Channels: 1, Format: proto.FormatS16LE, Access: proto.MmapInterleaved, BufferSize: 1024, Boundary: 8192}
	s, err := openOverConn(clientConn, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.ctrlBackend.ShmDt(s.ctrlBuf) })

	require.NoError(t, s.Prepare())
	require.NoError(t, s.Start())
	require.NoError(t, <-serverDone)
}

func TestWriteiAcrossMultipleRingWrapsAdvancesApplPtr(t *testing.T) {
	const channels = 2
	const bufferSize = 1024
	const boundary = 8192
	const totalFrames = 4096

	clientConn, srv, ctrlShmID := newMockServerPair(t)
	defer clientConn.Close()
	defer srv.conn.Close()

	pollR, pollW, err := os.Pipe()
	require.NoError(t, err)
	defer pollR.Close()
	defer pollW.Close()

	ringSize := bufferSize * channels * 2 // 16-bit samples
	ringID, err := unix.SysvShmGet(unix.IPC_PRIVATE, ringSize, unix.IPC_CREAT|0o666)
	require.NoError(t, err)
	t.Cleanup(func() { unix.SysvShmCtl(ringID, unix.IPC_RMID, nil) })

	serverDone := make(chan error, 1)
	go func() {
		if _, err := proto.ReadOpenRequest(srv.conn); err != nil {
			serverDone <- err
			return
		}
		if err := proto.WriteOpenAnswer(srv.conn, proto.OpenAnswer{Result: 0, Cookie: ctrlShmID}); err != nil {
			serverDone <- err
			return
		}
		if err := srv.handleFD(int(pollR.Fd()), func(proto.Command) { srv.ctrl.Result.Store(0) }); err != nil {
			serverDone <- err
			return
		}
		for c := 0; c < channels; c++ {
			channel := c
			if err := srv.handle(func(cmd proto.Command) {
				require.Equal(t, proto.CmdChannelInfo, cmd)
				srv.ctrl.U.ChannelInfo.Kind = proto.RegionAnon
				srv.ctrl.U.ChannelInfo.ShmID = int32(ringID)
				srv.ctrl.U.ChannelInfo.FirstBit = uint64(channel) * 16
				srv.ctrl.U.ChannelInfo.StepBit = 16 * channels
				srv.ctrl.Result.Store(0)
			}); err != nil {
				serverDone <- err
				return
			}
		}
		// The loopback test server simulates hardware that drains the ring
		// instantly: MMAP_FORWARD moves both appl_ptr and hw_ptr so
		// writei's xfer loop never starves waiting for playback_avail.
		for xferred := 0; xferred < totalFrames; xferred += bufferSize {
			if err := srv.handle(func(cmd proto.Command) {
				require.Equal(t, proto.CmdMmapForward, cmd)
				frames := srv.ctrl.U.MmapForward.Frames
				srv.ctrl.ApplPtr.Store((srv.ctrl.ApplPtr.Load() + frames) % boundary)
				srv.ctrl.HwPtr.Store((srv.ctrl.HwPtr.Load() + frames) % boundary)
				srv.ctrl.Result.Store(int32(frames))
			}); err != nil {
				serverDone <- err
				return
			}
		}
		serverDone <- nil
	}()

	cfg := Config{
		ServerName: "playback0",
		Direction:  proto.Playback,
		Channels:   channels,
		Format:     proto.FormatS16LE,
		Access:     proto.MmapInterleaved,
		BufferSize: bufferSize,
		Boundary:   boundary,
	}
	s, err := openOverConn(clientConn, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.ctrlBackend.ShmDt(s.ctrlBuf) })

	require.NoError(t, s.Mmap())
	t.Cleanup(func() { s.Munmap() })

	src := make([]byte, totalFrames*channels*2)
	for i := range src {
		src[i] = byte(i)
	}
	n, err := s.Writei(src, totalFrames)
	require.NoError(t, err)
	assert.Equal(t, uint64(totalFrames), n)
	require.NoError(t, <-serverDone)

	assert.Equal(t, uint64(totalFrames)%boundary, s.cursors.ApplPtr.Load())

	// Every full buffer-sized chunk overwrote the ring at offset 0; the
	// ring's final contents are the last chunk written.
	lastChunk := src[len(src)-ringSize:]
	assert.Equal(t, lastChunk, s.areas[0].Base[:ringSize])
}

func TestOpenRejectsNonLocalHostWithoutDialing(t *testing.T) {
	cfg := Config{ServerName: "s", Channels: 1, Format: proto.FormatS16LE, BufferSize: 1024, Boundary: 8192}
	serverCfg := config.ServerConfig{Host: "240.0.0.1", Socket: "/nonexistent/pcmshm-test.sock"}
	// 240.0.0.1 is in the reserved/unassigned Class E range: it never
	// resolves to a local interface but also never requires a real DNS
	// lookup, so this test doesn't depend on network access.
	_, err := Open(serverCfg, cfg)
	require.Error(t, err)
	assert.True(t, pcmerr.Is(err, pcmerr.InvalidArgument))
}
