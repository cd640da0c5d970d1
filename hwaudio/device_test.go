package hwaudio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/pcmshm/pcmerr"
	"github.com/richinsley/pcmshm/rpc/proto"
)

func TestWriteiRejectsOnCaptureDevice(t *testing.T) {
	d := &Device{direction: proto.Capture, channels: 2, buf: make([]float32, 8)}
	_, err := d.Writei(make([]float32, 4), 2)
	require.Error(t, err)
	assert.True(t, pcmerr.Is(err, pcmerr.BadState))
}

func TestReadiRejectsOnPlaybackDevice(t *testing.T) {
	d := &Device{direction: proto.Playback, channels: 2, buf: make([]float32, 8)}
	_, err := d.Readi(make([]float32, 4), 2)
	require.Error(t, err)
	assert.True(t, pcmerr.Is(err, pcmerr.BadState))
}

func TestWriteiRejectsOversizeRequest(t *testing.T) {
	d := &Device{direction: proto.Playback, channels: 2, buf: make([]float32, 8)}
	_, err := d.Writei(make([]float32, 20), 10)
	require.Error(t, err)
	assert.True(t, pcmerr.Is(err, pcmerr.InvalidArgument))
}
