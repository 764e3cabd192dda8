package call

import (
	"fmt"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/siproxylin/drunk-call-service/connectivity"
	"github.com/siproxylin/drunk-call-service/shared"
)

// newAPI builds a per-session engine factory. Each session gets its own so
// that the proxy dialer and network restrictions never leak between sessions.
func newAPI(logger shared.LoggerAdapter, transport *connectivity.Transport, loopback bool) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: &pionLoggerFactory{logger: logger},
	}
	// .local host names mean nothing to a peer on another network.
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	if loopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	transport.Apply(&se)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}
