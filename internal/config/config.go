// Package config holds the CLI configuration types.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Role represents the part this side plays in one call attempt.
type Role string

const (
	RoleInitiator Role = "initiator" // creates the call and produces the offer
	RoleResponder Role = "responder" // joins the call and produces the answer
)

// DefaultSTUNURLs is used when neither flags nor environment name ICE servers.
var DefaultSTUNURLs = []string{"stun:stun.l.google.com:19302"}

// Media describes where the local "camera" and "microphone" come from and
// where remote media is recorded.
type Media struct {
	VideoFile string // IVF file (VP8/VP9/AV1); empty for no video
	AudioFile string // Ogg/Opus file; empty for generated comfort silence
	RecordDir string // directory for remote recordings; empty disables recording
}

// Pipe configures the optional point-to-point WebSocket courier.
type Pipe struct {
	ListenAddr string // host side, e.g. ":0"
	ConnectURL string // client side, e.g. ws://192.168.1.2:40000/ws?pin=1234
}

// Enabled reports whether either end of the pipe is configured.
func (p Pipe) Enabled() bool {
	return p.ListenAddr != "" || p.ConnectURL != ""
}

// PortRange is an inclusive UDP port range for ICE sockets.
type PortRange struct {
	Min uint16
	Max uint16
}

// Config stores all parameters gathered from flags and environment.
type Config struct {
	ICEServers []webrtc.ICEServer
	UDPPorts   *PortRange
	Media      Media
	Pipe       Pipe
	Clipboard  bool
	Debug      bool
}

// ParsePortRange parses "min-max" into a PortRange.
func ParsePortRange(raw string) (*PortRange, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	lo, hi, ok := strings.Cut(raw, "-")
	if !ok {
		return nil, fmt.Errorf("invalid port range %q: want min-max", raw)
	}

	minPort, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil || minPort == 0 {
		return nil, fmt.Errorf("invalid port range %q: bad minimum", raw)
	}
	maxPort, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err != nil || maxPort == 0 {
		return nil, fmt.Errorf("invalid port range %q: bad maximum", raw)
	}
	if minPort > maxPort {
		return nil, fmt.Errorf("invalid port range %q: minimum exceeds maximum", raw)
	}

	return &PortRange{Min: uint16(minPort), Max: uint16(maxPort)}, nil
}
