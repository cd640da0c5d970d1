package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeOpenRequest serializes the fixed-prefix handshake frame from
// spec.md §6: dev_type, transport, stream direction, mode, then a one-byte
// name length followed by the name bytes. len(req.Name) must be <= 255.
func EncodeOpenRequest(req OpenRequest) ([]byte, error) {
	if len(req.Name) > MaxNameLen {
		return nil, fmt.Errorf("proto: open request name length %d exceeds %d", len(req.Name), MaxNameLen)
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(req.DevType))
	buf.WriteByte(byte(req.Transport))
	buf.WriteByte(byte(req.Stream))
	var modeBytes [4]byte
	binary.LittleEndian.PutUint32(modeBytes[:], req.Mode)
	buf.Write(modeBytes[:])
	buf.WriteByte(byte(len(req.Name)))
	buf.WriteString(req.Name)
	return buf.Bytes(), nil
}

// WriteOpenRequest encodes req and writes it to w in one call.
func WriteOpenRequest(w io.Writer, req OpenRequest) error {
	b, err := EncodeOpenRequest(req)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// openAnswerWireSize is the fixed byte length of an OpenAnswer: two
// little-endian int32 fields, result then cookie.
const openAnswerWireSize = 8

// ReadOpenAnswer reads and decodes the fixed 8-byte handshake reply from r.
func ReadOpenAnswer(r io.Reader) (OpenAnswer, error) {
	var buf [openAnswerWireSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return OpenAnswer{}, err
	}
	return OpenAnswer{
		Result: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Cookie: int32(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// WriteOpenAnswer encodes ans and writes it to w, the server-side
// counterpart to ReadOpenAnswer (used by the loopback test server).
func WriteOpenAnswer(w io.Writer, ans OpenAnswer) error {
	var buf [openAnswerWireSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ans.Result))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ans.Cookie))
	_, err := w.Write(buf[:])
	return err
}

// openRequestPrefixSize is dev_type + transport + stream + mode(u32) +
// namelen(u8), before the variable-length name bytes.
const openRequestPrefixSize = 8

// ReadOpenRequest is the server-side counterpart to EncodeOpenRequest, used
// by the loopback test server to decode what a real client sent.
func ReadOpenRequest(r io.Reader) (OpenRequest, error) {
	var prefix [openRequestPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return OpenRequest{}, err
	}
	namelen := int(prefix[7])
	name := make([]byte, namelen)
	if namelen > 0 {
		if _, err := io.ReadFull(r, name); err != nil {
			return OpenRequest{}, err
		}
	}
	return OpenRequest{
		DevType:   DeviceType(prefix[0]),
		Transport: TransportType(prefix[1]),
		Stream:    StreamDirection(prefix[2]),
		Mode:      binary.LittleEndian.Uint32(prefix[3:7]),
		Name:      string(name),
	}, nil
}
