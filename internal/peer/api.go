// Package peer wraps one pion PeerConnection per call attempt behind an
// explicit observer subscription.
package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/util"
)

// APIOptions configures the pion API shared by every session of the process.
type APIOptions struct {
	UDPPorts *config.PortRange
	// Net replaces the OS network stack; tests pass a vnet.Net.
	Net *vnet.Net
}

// NewAPI builds a pion API with the default codecs, the default interceptor
// chain (NACK, RTCP reports, TWCC) and pion logging routed to the pterm logger.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	if opts.UDPPorts != nil {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPorts.Min, opts.UDPPorts.Max); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}
