// Command pcmshmctl opens a stream against a pcmshm audio server, drives it
// through prepare/start, and pumps frames between the shared-memory ring and
// a hardware device via the hwaudio package, for manual testing of a running
// server.
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/spf13/pflag"

	"github.com/richinsley/pcmshm/config"
	"github.com/richinsley/pcmshm/hwaudio"
	"github.com/richinsley/pcmshm/rpc/proto"
	"github.com/richinsley/pcmshm/stream"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to a pcmshm YAML config file")
		serverName = pflag.StringP("server", "s", "default", "server entry to use from the config file")
		streamName = pflag.StringP("stream", "n", "", "stream entry to use from the config file")
		direction  = pflag.String("direction", "playback", "playback or capture")
		bridge     = pflag.Bool("bridge", false, "bridge frames to/from the local hardware device via PortAudio")
		help       = pflag.BoolP("help", "h", false, "display help text")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s --config FILE --stream NAME [flags]\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help || *configPath == "" || *streamName == "" {
		pflag.Usage()
		if *help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if err := run(*configPath, *serverName, *streamName, *direction, *bridge); err != nil {
		fmt.Fprintf(os.Stderr, "pcmshmctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, serverName, streamName, direction string, bridge bool) error {
	file, err := config.Load(configPath)
	if err != nil {
		return err
	}
	serverCfg, err := file.Server(serverName)
	if err != nil {
		return err
	}
	streamCfg, err := file.Stream(streamName)
	if err != nil {
		return err
	}

	dir := proto.Playback
	if direction == "capture" {
		dir = proto.Capture
	}

	cfg := stream.Config{
		ServerName: streamCfg.SName,
		Direction:  dir,
		Channels:   streamCfg.Channels,
		Rate:       streamCfg.Rate,
		Format:     streamCfg.Format,
		Access:     streamCfg.Access,
		BufferSize: streamCfg.BufferSize,
		Boundary:   streamCfg.Boundary,
		NonBlock:   streamCfg.NonBlock,
	}

	s, err := stream.Open(serverCfg, cfg)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer s.Close()

	if err := s.Prepare(); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	if err := s.Mmap(); err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	defer s.Munmap()
	if err := s.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	fmt.Printf("pcmshmctl: stream %q open, %d channels, buffer_size=%d, poll_fd=%d\n",
		streamCfg.SName, streamCfg.Channels, streamCfg.BufferSize, s.PollFD())

	if !bridge {
		return nil
	}
	return bridgeHardware(s, cfg)
}

// bridgeHardware pumps frames between the ring and the local sound device
// using hwaudio, a standalone demonstration of the "direct-to-kernel"
// Backend variant spec.md §9 mentions as a sibling of the shm transport.
func bridgeHardware(s *stream.Stream, cfg stream.Config) error {
	const framesPerBuffer = 256
	sampleRate := float64(cfg.Rate)

	switch cfg.Direction {
	case proto.Playback:
		dev, err := hwaudio.OpenCapture(cfg.Channels, sampleRate, framesPerBuffer)
		if err != nil {
			return fmt.Errorf("hwaudio.OpenCapture: %w", err)
		}
		defer dev.Close()
		if err := dev.Start(); err != nil {
			return err
		}
		defer dev.Stop()

		buf := make([]float32, framesPerBuffer*cfg.Channels)
		raw := make([]byte, len(buf)*4)
		for {
			if _, err := dev.Readi(buf, framesPerBuffer); err != nil {
				return err
			}
			packFloat32LE(raw, buf)
			if _, err := s.Writei(raw, framesPerBuffer); err != nil {
				return err
			}
		}
	case proto.Capture:
		dev, err := hwaudio.OpenPlayback(cfg.Channels, sampleRate, framesPerBuffer)
		if err != nil {
			return fmt.Errorf("hwaudio.OpenPlayback: %w", err)
		}
		defer dev.Close()
		if err := dev.Start(); err != nil {
			return err
		}
		defer dev.Stop()

		buf := make([]float32, framesPerBuffer*cfg.Channels)
		raw := make([]byte, len(buf)*4)
		for {
			if _, err := s.Readi(raw, framesPerBuffer); err != nil {
				return err
			}
			unpackFloat32LE(buf, raw)
			if _, err := dev.Writei(buf, framesPerBuffer); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("bridgeHardware: unknown direction %d", cfg.Direction)
	}
}

// packFloat32LE and unpackFloat32LE convert between hwaudio's float32 sample
// format and raw little-endian float32 bytes. The stream's sample format
// comes from the config file and is not checked against this 32-bit layout.
func packFloat32LE(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

func unpackFloat32LE(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}
