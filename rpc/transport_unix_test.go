//go:build unix

package rpc

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestUnixTransportDoorbellFDRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	clientFile := os.NewFile(uintptr(fds[0]), "client")
	serverFile := os.NewFile(uintptr(fds[1]), "server")
	defer clientFile.Close()
	defer serverFile.Close()

	clientConnAny, err := net.FileConn(clientFile)
	require.NoError(t, err)
	clientConn := clientConnAny.(*net.UnixConn)
	defer clientConn.Close()

	serverConnAny, err := net.FileConn(serverFile)
	require.NoError(t, err)
	serverConn := serverConnAny.(*net.UnixConn)
	defer serverConn.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		if _, err := serverConn.Read(buf); err != nil {
			done <- err
			return
		}
		rights := unix.UnixRights(int(r.Fd()))
		_, _, err = serverConn.WriteMsgUnix([]byte{1}, rights, nil)
		done <- err
	}()

	tr := NewUnixTransport(clientConn)
	fd, err := tr.DoorbellFD()
	require.NoError(t, err)
	require.NoError(t, <-done)
	defer unix.Close(fd)

	require.GreaterOrEqual(t, fd, 0)
}
