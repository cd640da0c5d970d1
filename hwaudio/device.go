// Package hwaudio implements a hardware-backed alternate to stream.Stream
// exposing the same playback/capture surface directly against the local
// sound device via PortAudio, instead of an out-of-process shm server. It's
// the "direct-to-kernel" variant spec.md §9's design notes mention as a
// sibling of the shared-memory transport: same operations, no RPC, no ring
// mapping, the host audio stack does the buffering.
package hwaudio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/richinsley/pcmshm/pcmerr"
	"github.com/richinsley/pcmshm/rpc/proto"
)

// Device wraps one PortAudio stream, fixed at open time to either playback
// or capture, matching the stream package's direction invariant. PortAudio's
// blocking I/O mode reads/writes a fixed buffer registered at open time, so
// Writei/Readi copy through buf rather than passing the caller's slice
// straight to PortAudio.
type Device struct {
	mu        sync.Mutex
	pa        *portaudio.Stream
	buf       []float32
	channels  int
	direction proto.StreamDirection
	running   bool
}

// lifecycleM guards PortAudio's process-global Initialize/Terminate pair:
// Initialize runs when openDevs rises from zero and Terminate when it falls
// back to zero, so they are never called concurrently across Devices.
var (
	openDevs   int
	lifecycleM sync.Mutex
)

func retainLifecycle() error {
	lifecycleM.Lock()
	defer lifecycleM.Unlock()
	if openDevs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return err
		}
	}
	openDevs++
	return nil
}

func releaseLifecycle() {
	lifecycleM.Lock()
	defer lifecycleM.Unlock()
	openDevs--
	if openDevs <= 0 {
		portaudio.Terminate()
	}
}

// OpenPlayback opens the default output device for channels-channel
// interleaved float32 playback at sampleRate, with framesPerBuffer frames
// per blocking PortAudio read or write.
func OpenPlayback(channels int, sampleRate float64, framesPerBuffer int) (*Device, error) {
	return open(proto.Playback, channels, sampleRate, framesPerBuffer)
}

// OpenCapture opens the default input device for channels-channel
// interleaved float32 capture.
func OpenCapture(channels int, sampleRate float64, framesPerBuffer int) (*Device, error) {
	return open(proto.Capture, channels, sampleRate, framesPerBuffer)
}

func open(direction proto.StreamDirection, channels int, sampleRate float64, framesPerBuffer int) (*Device, error) {
	if err := retainLifecycle(); err != nil {
		return nil, pcmerr.Wrap(pcmerr.System, "hwaudio.open: portaudio init", err)
	}

	host, err := portaudio.DefaultHostApi()
	if err != nil {
		releaseLifecycle()
		return nil, pcmerr.Wrap(pcmerr.System, "hwaudio.open: default host api", err)
	}

	d := &Device{channels: channels, direction: direction}
	var params portaudio.StreamParameters
	switch direction {
	case proto.Playback:
		params = portaudio.HighLatencyParameters(nil, host.DefaultOutputDevice)
		params.Output.Channels = channels
	case proto.Capture:
		params = portaudio.HighLatencyParameters(host.DefaultInputDevice, nil)
		params.Input.Channels = channels
	default:
		releaseLifecycle()
		return nil, pcmerr.New(pcmerr.InvalidArgument, fmt.Sprintf("hwaudio.open: unknown direction %d", direction))
	}
	params.SampleRate = sampleRate
	params.FramesPerBuffer = framesPerBuffer
	d.buf = make([]float32, framesPerBuffer*channels)

	// PortAudio's blocking I/O mode (no callback function argument) reads or
	// writes d.buf in place on each Stream.Read/Stream.Write call, matching
	// the stream package's synchronous, single-threaded-per-stream model
	// (spec.md §5) instead of PortAudio's callback-driven mode.
	stream, err := portaudio.OpenStream(params, d.buf)
	if err != nil {
		releaseLifecycle()
		return nil, pcmerr.Wrap(pcmerr.System, "hwaudio.open: open stream", err)
	}
	d.pa = stream
	return d, nil
}

// Start begins the underlying PortAudio stream.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return pcmerr.New(pcmerr.BadState, "hwaudio.Start")
	}
	if err := d.pa.Start(); err != nil {
		return pcmerr.Wrap(pcmerr.System, "hwaudio.Start", err)
	}
	d.running = true
	return nil
}

// Stop halts the underlying PortAudio stream without closing it.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	err := d.pa.Stop()
	d.running = false
	if err != nil {
		return pcmerr.Wrap(pcmerr.System, "hwaudio.Stop", err)
	}
	return nil
}

// Close stops and releases the PortAudio stream, deinitializing PortAudio
// once every Device sharing the process-global library handle has closed.
func (d *Device) Close() error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if running {
		_ = d.Stop()
	}
	err := d.pa.Close()
	releaseLifecycle()
	if err != nil {
		return pcmerr.Wrap(pcmerr.System, "hwaudio.Close", err)
	}
	return nil
}

// Writei writes n interleaved frames from buf to a playback device using
// PortAudio's blocking write, the direct-to-kernel counterpart to
// stream.Stream.Writei. n must not exceed the device's framesPerBuffer.
func (d *Device) Writei(buf []float32, n int) (int, error) {
	if d.direction != proto.Playback {
		return 0, pcmerr.New(pcmerr.BadState, "hwaudio.Writei: not a playback device")
	}
	frameWidth := n * d.channels
	if frameWidth > len(d.buf) {
		return 0, pcmerr.New(pcmerr.InvalidArgument, "hwaudio.Writei: n exceeds device buffer")
	}
	copy(d.buf[:frameWidth], buf[:frameWidth])
	if err := d.pa.Write(); err != nil {
		return 0, pcmerr.Wrap(pcmerr.System, "hwaudio.Writei", err)
	}
	return n, nil
}

// Readi reads n interleaved frames into buf from a capture device. n must
// not exceed the device's framesPerBuffer.
func (d *Device) Readi(buf []float32, n int) (int, error) {
	if d.direction != proto.Capture {
		return 0, pcmerr.New(pcmerr.BadState, "hwaudio.Readi: not a capture device")
	}
	frameWidth := n * d.channels
	if frameWidth > len(d.buf) {
		return 0, pcmerr.New(pcmerr.InvalidArgument, "hwaudio.Readi: n exceeds device buffer")
	}
	if err := d.pa.Read(); err != nil {
		return 0, pcmerr.Wrap(pcmerr.System, "hwaudio.Readi", err)
	}
	copy(buf[:frameWidth], d.buf[:frameWidth])
	return n, nil
}
