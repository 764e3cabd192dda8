package connectivity

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun/v3"
	"golang.org/x/net/proxy"
)

// ProbeResult is the outcome of one STUN binding exchange with a relay.
type ProbeResult struct {
	URL     string
	Network string
	Addr    string
	RTT     time.Duration
	Mapped  string
	Err     error
}

func (r ProbeResult) OK() bool { return r.Err == nil }

// Probe sends a STUN binding request to every relay URL over the URL's own
// transport. With a non-nil dialer only stream transports are tried, through
// the dialer.
func Probe(ctx context.Context, dialer proxy.Dialer, urls []string, timeout time.Duration) []ProbeResult {
	results := make([]ProbeResult, 0, len(urls))
	for _, raw := range urls {
		res := ProbeResult{URL: raw}
		uri, err := stun.ParseURI(raw)
		if err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		res.Addr = net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))
		res.Network = "udp"
		if uri.Proto == stun.ProtoTypeTCP {
			res.Network = "tcp"
		}
		if dialer != nil && res.Network != "tcp" {
			res.Err = fmt.Errorf("udp relay not reachable through proxy")
			results = append(results, res)
			continue
		}
		res.RTT, res.Mapped, res.Err = bindingRequest(ctx, dialer, res.Network, res.Addr, timeout)
		results = append(results, res)
	}
	return results
}

func bindingRequest(ctx context.Context, dialer proxy.Dialer, network, addr string, timeout time.Duration) (time.Duration, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	switch d := dialer.(type) {
	case nil:
		conn, err = (&net.Dialer{}).DialContext(ctx, network, addr)
	case proxy.ContextDialer:
		conn, err = d.DialContext(ctx, network, addr)
	default:
		conn, err = d.Dial(network, addr)
	}
	if err != nil {
		return 0, "", fmt.Errorf("dialing %s %s: %w", network, addr, err)
	}
	defer func() { _ = conn.Close() }()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	start := time.Now()
	if _, err := req.WriteTo(conn); err != nil {
		return 0, "", fmt.Errorf("writing binding request: %w", err)
	}
	res := new(stun.Message)
	res.Raw = make([]byte, 1500)
	if _, err := res.ReadFrom(conn); err != nil {
		return 0, "", fmt.Errorf("reading binding response: %w", err)
	}
	rtt := time.Since(start)
	if res.TransactionID != req.TransactionID {
		return rtt, "", fmt.Errorf("binding response transaction mismatch")
	}
	if res.Type != stun.BindingSuccess {
		return rtt, "", fmt.Errorf("unexpected binding response %s", res.Type)
	}
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(res); err != nil {
		return rtt, "", nil
	}
	return rtt, mapped.String(), nil
}
