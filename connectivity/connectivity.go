package connectivity

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/siproxylin/drunk-call-service/shared"
	"golang.org/x/net/proxy"
)

type ProxyKind string

const (
	ProxySOCKS5 ProxyKind = "SOCKS5"
	ProxyHTTP   ProxyKind = "HTTP"
)

// ParseProxyKind accepts "socks5" and "http" in any case.
func ParseProxyKind(s string) (ProxyKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SOCKS5", "SOCKS":
		return ProxySOCKS5, nil
	case "HTTP", "HTTPS", "HTTP-CONNECT":
		return ProxyHTTP, nil
	}
	return "", fmt.Errorf("%w: %q", shared.ErrUnsupportedProxy, s)
}

type Proxy struct {
	Kind     ProxyKind
	Host     string
	Port     int
	Username string
	Password string
}

func (p Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// RelayServer is a TURN server description.
type RelayServer struct {
	URLs       []string
	Username   string
	Credential string
}

type Options struct {
	Proxy        *Proxy
	Relay        *RelayServer
	DefaultRelay RelayServer
	RelayOnly    bool
}

// Transport is the engine-facing result of Build.
type Transport struct {
	ICEServers   []webrtc.ICEServer
	Dialer       proxy.Dialer
	NetworkTypes []webrtc.NetworkType
	RelayOnly    bool
	// RelayForced reports that RelayOnly was turned on because of the proxy.
	RelayForced bool
}

func Build(opts Options) (*Transport, error) {
	relay := opts.DefaultRelay
	if opts.Relay != nil && len(opts.Relay.URLs) > 0 {
		relay = *opts.Relay
	}
	t := &Transport{RelayOnly: opts.RelayOnly}
	urls := relay.URLs

	if opts.Proxy != nil && opts.Proxy.Host != "" {
		dialer, err := NewDialer(*opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("building proxy dialer: %w", err)
		}
		t.Dialer = dialer
		// Proxies carry TCP only.
		t.NetworkTypes = []webrtc.NetworkType{webrtc.NetworkTypeTCP4}
		if !t.RelayOnly {
			t.RelayOnly = true
			t.RelayForced = true
		}
		if urls, err = StreamRelayURLs(urls); err != nil {
			return nil, err
		}
	}
	if len(urls) > 0 {
		t.ICEServers = []webrtc.ICEServer{{
			URLs:       urls,
			Username:   relay.Username,
			Credential: relay.Credential,
		}}
	}
	return t, nil
}

// Configuration returns the peer connection configuration for this transport.
// RTCP is always multiplexed onto the RTP component.
func (t *Transport) Configuration() webrtc.Configuration {
	policy := webrtc.ICETransportPolicyAll
	if t.RelayOnly {
		policy = webrtc.ICETransportPolicyRelay
	}
	return webrtc.Configuration{
		ICEServers:         t.ICEServers,
		ICETransportPolicy: policy,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
	}
}

func (t *Transport) Apply(se *webrtc.SettingEngine) {
	if t.Dialer != nil {
		se.SetICEProxyDialer(t.Dialer)
	}
	if len(t.NetworkTypes) > 0 {
		se.SetNetworkTypes(t.NetworkTypes)
	}
}

// StreamRelayURLs keeps relay URLs that use a stream transport and rewrites
// the others to their ?transport=tcp form. STUN URLs are dropped.
func StreamRelayURLs(urls []string) ([]string, error) {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing relay url %q: %w", raw, err)
		}
		var u string
		switch {
		case uri.Scheme != stun.SchemeTypeTURN && uri.Scheme != stun.SchemeTypeTURNS:
			continue
		case uri.Proto == stun.ProtoTypeTCP:
			u = raw
		default:
			base, _, _ := strings.Cut(raw, "?")
			u = base + "?transport=tcp"
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}
