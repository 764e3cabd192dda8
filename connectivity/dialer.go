package connectivity

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/siproxylin/drunk-call-service/shared"
	"github.com/valyala/fasthttp"
	"golang.org/x/net/proxy"
)

const defaultTunnelTimeout = 10 * time.Second

// NewDialer returns a dialer that egresses through p.
func NewDialer(p Proxy) (proxy.Dialer, error) {
	switch p.Kind {
	case ProxySOCKS5:
		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		d, err := proxy.SOCKS5("tcp", p.Addr(), auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("creating SOCKS5 dialer: %w", err)
		}
		return d, nil
	case ProxyHTTP:
		return &HTTPTunnelDialer{
			ProxyAddr: p.Addr(),
			Username:  p.Username,
			Password:  p.Password,
			Timeout:   defaultTunnelTimeout,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", shared.ErrUnsupportedProxy, p.Kind)
}

// HTTPTunnelDialer opens TCP connections through an HTTP proxy with CONNECT.
type HTTPTunnelDialer struct {
	ProxyAddr string
	Username  string
	Password  string
	Timeout   time.Duration
}

var (
	_ proxy.Dialer        = (*HTTPTunnelDialer)(nil)
	_ proxy.ContextDialer = (*HTTPTunnelDialer)(nil)
)

func (d *HTTPTunnelDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *HTTPTunnelDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("http tunnel cannot carry %s", network)
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTunnelTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dialing http proxy %s: %w", d.ProxyAddr, err)
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("setting tunnel deadline: %w", err)
	}

	req := "CONNECT " + addr + " HTTP/1.1\r\nHost: " + addr + "\r\n"
	if d.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(d.Username + ":" + d.Password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("writing CONNECT request: %w", err)
	}

	br := bufio.NewReaderSize(conn, 1024)
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(res)
	res.SkipBody = true
	if err := res.Read(br); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("reading CONNECT response: %w", err)
	}
	if code := res.StatusCode(); code != fasthttp.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: status %d for %s", shared.ErrTunnelRejected, code, addr)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clearing tunnel deadline: %w", err)
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn drains bytes the proxy sent right after its response headers.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
