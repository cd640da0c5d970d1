// Package config implements the external collaborator spec.md §6 describes
// as "configuration inputs": the server endpoint description and per-stream
// parameters, parsed from YAML, plus the local-host validation open depends
// on before ever touching a socket.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/richinsley/pcmshm/pcmerr"
	"github.com/richinsley/pcmshm/rpc/proto"
)

// ServerConfig names one audio server endpoint: a filesystem socket path
// plus the host that must resolve to a local interface for the client to be
// willing to use it (spec.md §1 Non-goals: no remote transports).
type ServerConfig struct {
	Host   string `yaml:"host"`
	Socket string `yaml:"socket"`
	Port   int    `yaml:"port,omitempty"`
}

// StreamConfig is the per-stream configuration open needs beyond the server
// endpoint: the stream's name on the server and its fixed parameters.
type StreamConfig struct {
	Server     string              `yaml:"server"`
	SName      string              `yaml:"sname"`
	Direction  proto.StreamDirection `yaml:"direction"`
	Channels   int                 `yaml:"channels"`
	Rate       uint32              `yaml:"rate"`
	Format     proto.SampleFormat  `yaml:"format"`
	Access     proto.AccessLayout  `yaml:"access"`
	BufferSize uint64              `yaml:"buffer_size"`
	Boundary   uint64              `yaml:"boundary"`
	NonBlock   bool                `yaml:"nonblock,omitempty"`
}

// File is the top-level document a deployment's YAML config parses into:
// named servers plus named streams referencing them by name.
type File struct {
	Servers map[string]ServerConfig `yaml:"servers"`
	Streams map[string]StreamConfig `yaml:"streams"`
}

// Load reads and parses path as a File.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pcmerr.Wrap(pcmerr.InvalidArgument, "config.Load", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, pcmerr.Wrap(pcmerr.InvalidArgument, "config.Load", err)
	}
	return &f, nil
}

// Server looks up a named server, surfacing a clear InvalidArgument when the
// name isn't present rather than a zero-value ServerConfig.
func (f *File) Server(name string) (ServerConfig, error) {
	sc, ok := f.Servers[name]
	if !ok {
		return ServerConfig{}, pcmerr.New(pcmerr.InvalidArgument, fmt.Sprintf("config.Server: unknown server %q", name))
	}
	return sc, nil
}

// Stream looks up a named stream.
func (f *File) Stream(name string) (StreamConfig, error) {
	sc, ok := f.Streams[name]
	if !ok {
		return StreamConfig{}, pcmerr.New(pcmerr.InvalidArgument, fmt.Sprintf("config.Stream: unknown stream %q", name))
	}
	return sc, nil
}

// ResolveServer validates that sc.Host resolves, via the host name service,
// to an address held by one of the machine's local interfaces, per
// spec.md §6's validation rule. It never touches sc.Socket; callers dial
// that themselves once this succeeds.
func ResolveServer(sc ServerConfig) error {
	if sc.Host == "" {
		return pcmerr.New(pcmerr.InvalidArgument, "config.ResolveServer: empty host")
	}
	addrs, err := net.LookupHost(sc.Host)
	if err != nil {
		return pcmerr.Wrap(pcmerr.InvalidArgument, "config.ResolveServer: lookup", err)
	}
	locals, err := localAddrs()
	if err != nil {
		return pcmerr.Wrap(pcmerr.System, "config.ResolveServer: local interfaces", err)
	}
	for _, a := range addrs {
		if locals[a] {
			return nil
		}
	}
	return pcmerr.New(pcmerr.InvalidArgument, fmt.Sprintf("config.ResolveServer: host %q does not resolve to a local interface", sc.Host))
}

func localAddrs() (map[string]bool, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ifaceAddrs)+1)
	out["127.0.0.1"] = true
	out["::1"] = true
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		out[ipNet.IP.String()] = true
	}
	return out, nil
}

// ValidateStreamName enforces the handshake frame's one-byte length prefix
// ceiling (spec.md §6/§8: 255 succeeds, 256 fails) ahead of ever building the
// wire frame, so the failure is reported as InvalidArgument rather than a
// generic encoding error.
func ValidateStreamName(name string) error {
	if len(name) > proto.MaxNameLen {
		return pcmerr.New(pcmerr.InvalidArgument, fmt.Sprintf("config.ValidateStreamName: name length %d exceeds %d", len(name), proto.MaxNameLen))
	}
	return nil
}
