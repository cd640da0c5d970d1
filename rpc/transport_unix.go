//go:build unix

package rpc

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/richinsley/pcmshm/pcmerr"
)

// UnixTransport implements Transport over a *net.UnixConn connected to the
// server's local stream socket, the only transport spec.md §1 allows (the
// client verifies the server resolves to a local interface and rejects
// anything else before ever getting here — see package config).
type UnixTransport struct {
	conn *net.UnixConn
}

// NewUnixTransport wraps an already-connected unix socket.
func NewUnixTransport(conn *net.UnixConn) *UnixTransport {
	return &UnixTransport{conn: conn}
}

var doorbellByte = [1]byte{1}

func (t *UnixTransport) Doorbell() error {
	n, err := t.conn.Write(doorbellByte[:])
	if err != nil {
		return pcmerr.Wrap(pcmerr.Io, "UnixTransport.Doorbell.write", err)
	}
	if n != 1 {
		return pcmerr.New(pcmerr.Io, "UnixTransport.Doorbell.write short")
	}
	var reply [1]byte
	n, err = t.conn.Read(reply[:])
	if err != nil {
		return pcmerr.Wrap(pcmerr.Io, "UnixTransport.Doorbell.read", err)
	}
	if n != 1 {
		return pcmerr.New(pcmerr.Io, "UnixTransport.Doorbell.read short")
	}
	return nil
}

func (t *UnixTransport) DoorbellFD() (int, error) {
	n, err := t.conn.Write(doorbellByte[:])
	if err != nil {
		return -1, pcmerr.Wrap(pcmerr.Io, "UnixTransport.DoorbellFD.write", err)
	}
	if n != 1 {
		return -1, pcmerr.New(pcmerr.Io, "UnixTransport.DoorbellFD.write short")
	}

	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := t.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, pcmerr.Wrap(pcmerr.Io, "UnixTransport.DoorbellFD.read", err)
	}
	if n != 1 {
		return -1, pcmerr.New(pcmerr.Io, "UnixTransport.DoorbellFD.read short")
	}
	if oobn == 0 {
		return -1, pcmerr.New(pcmerr.Io, "UnixTransport.DoorbellFD.missing ancillary fd")
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, pcmerr.Wrap(pcmerr.Io, "UnixTransport.DoorbellFD.parse", err)
	}
	if len(scms) != 1 {
		return -1, pcmerr.New(pcmerr.Io, "UnixTransport.DoorbellFD.control message count")
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return -1, pcmerr.Wrap(pcmerr.Io, "UnixTransport.DoorbellFD.rights", err)
	}
	if len(fds) != 1 {
		return -1, pcmerr.New(pcmerr.Io, "UnixTransport.DoorbellFD.fd count")
	}
	return fds[0], nil
}

func (t *UnixTransport) Close() error {
	return t.conn.Close()
}
