//go:build unix

package stream

import (
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/richinsley/pcmshm/config"
	"github.com/richinsley/pcmshm/pcmerr"
	"github.com/richinsley/pcmshm/region"
	"github.com/richinsley/pcmshm/rpc"
	"github.com/richinsley/pcmshm/rpc/proto"
)

// Open performs the handshake from spec.md §4.6: it first validates
// serverCfg.Host resolves to a local interface (spec.md §8 scenario 6 — no
// socket is ever opened if this fails), then connects to serverCfg.Socket,
// exchanges the open request/answer frame, attaches the control block the
// answer's cookie identifies, and fetches the poll descriptor.
func Open(serverCfg config.ServerConfig, cfg Config) (*Stream, error) {
	if err := config.ResolveServer(serverCfg); err != nil {
		return nil, err
	}
	if err := config.ValidateStreamName(cfg.ServerName); err != nil {
		return nil, err
	}

	addr, err := net.ResolveUnixAddr("unix", serverCfg.Socket)
	if err != nil {
		return nil, pcmerr.Wrap(pcmerr.InvalidArgument, "stream.Open: resolve socket path", err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, pcmerr.Wrap(pcmerr.NotConnected, "stream.Open: server is not running", err)
		}
		return nil, pcmerr.Wrap(pcmerr.NotConnected, "stream.Open", err)
	}

	s, err := openOverConn(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// openOverConn drives the handshake and RPC setup over an already-connected
// unix socket; split out of Open so loopback tests can supply a socketpair
// end instead of dialing a real listening server.
func openOverConn(conn *net.UnixConn, cfg Config) (*Stream, error) {
	req := proto.OpenRequest{
		DevType:   proto.DeviceTypePCM,
		Transport: proto.TransportTypeSHM,
		Stream:    cfg.Direction,
		Mode:      cfg.Mode,
		Name:      cfg.ServerName,
	}
	if err := proto.WriteOpenRequest(conn, req); err != nil {
		return nil, pcmerr.Wrap(pcmerr.Io, "stream.Open: handshake write", err)
	}
	ans, err := proto.ReadOpenAnswer(conn)
	if err != nil {
		return nil, pcmerr.Wrap(pcmerr.Io, "stream.Open: handshake read", err)
	}
	if ans.Result < 0 {
		return nil, pcmerr.New(pcmerr.System, "stream.Open: server rejected handshake")
	}

	backend := region.UnixBackend{}
	ctrlBuf, err := backend.ShmAt(ans.Cookie)
	if err != nil {
		return nil, pcmerr.Wrap(pcmerr.ResourceExhausted, "stream.Open: attach control block", err)
	}

	transport := rpc.NewUnixTransport(conn)
	waiter := unixWaiter{}

	// A Stream needs its poll descriptor before it's fully usable, but
	// fetching it is itself an RPC call, so build a minimal client first.
	tmp, err := newStream(cfg, transport, backend, ctrlBuf, backend, waiter, -1)
	if err != nil {
		backend.ShmDt(ctrlBuf)
		return nil, err
	}
	pollFD, err := tmp.client.PollDescriptor()
	if err != nil {
		backend.ShmDt(ctrlBuf)
		return nil, err
	}
	tmp.pollFD = pollFD
	return tmp, nil
}
