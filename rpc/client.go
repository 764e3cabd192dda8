package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	call "github.com/siproxylin/drunk-call-service"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/valyala/fasthttp"
)

// RemoteError is an operation error reported by the service.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

type ClientOption func(*Client)

// WithDial replaces the TCP dialer, e.g. with an in-memory listener.
func WithDial(dial func(addr string) (net.Conn, error)) ClientOption {
	return func(c *Client) {
		c.dial = dial
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// Client calls a Server. Unary calls honour ctx; StreamEvents holds its own
// connection for the life of the stream.
type Client struct {
	addr    string
	timeout time.Duration
	dial    func(addr string) (net.Conn, error)
	hc      *fasthttp.Client
}

func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		addr:    addr,
		timeout: 30 * time.Second,
		dial:    fasthttp.Dial,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hc = &fasthttp.Client{
		Name:                     "drunk-call-client",
		Dial:                     c.dial,
		NoDefaultUserAgentHeader: true,
	}
	return c
}

func (c *Client) uri(op string) string {
	return "http://" + c.addr + "/v1/" + op
}

func (c *Client) call(ctx context.Context, op string, in, out any) error {
	body, err := sonic.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", op, err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(c.uri(op))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentTypeJSON)
	req.SetBody(body)

	errC := make(chan error, 1)
	go func() {
		errC <- c.hc.DoTimeout(req, resp, c.timeout)
	}()
	select {
	case <-ctx.Done():
		// The request is still in flight; leave req and resp to the GC.
		return ctx.Err()
	case err := <-errC:
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		if err != nil {
			return fmt.Errorf("performing %s: %w", op, err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		var e ErrorResponse
		if sonic.Unmarshal(resp.Body(), &e) == nil && e.Error != "" {
			return fmt.Errorf("unexpected status code: %d: %w", resp.StatusCode(), &RemoteError{Op: op, Message: e.Error})
		}
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	if err := sonic.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

func remote(op, msg string) error {
	if msg == "" {
		return nil
	}
	return &RemoteError{Op: op, Message: msg}
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) error {
	var resp CreateSessionResponse
	if err := c.call(ctx, OpCreateSession, req, &resp); err != nil {
		return err
	}
	if !resp.Success && resp.Error == "" {
		return &RemoteError{Op: OpCreateSession, Message: "not created"}
	}
	return remote(OpCreateSession, resp.Error)
}

func (c *Client) CreateOffer(ctx context.Context, id string) (string, error) {
	var resp SDPResponse
	if err := c.call(ctx, OpCreateOffer, SessionRequest{SessionID: id}, &resp); err != nil {
		return "", err
	}
	return resp.SDP, remote(OpCreateOffer, resp.Error)
}

func (c *Client) CreateAnswer(ctx context.Context, id, remoteSDP string) (string, error) {
	var resp SDPResponse
	if err := c.call(ctx, OpCreateAnswer, CreateAnswerRequest{SessionID: id, RemoteSDP: remoteSDP}, &resp); err != nil {
		return "", err
	}
	return resp.SDP, remote(OpCreateAnswer, resp.Error)
}

func (c *Client) SetRemoteDescription(ctx context.Context, id, sdp, kind string) error {
	var resp ErrorResponse
	req := SetRemoteDescriptionRequest{SessionID: id, RemoteSDP: sdp, SDPType: kind}
	if err := c.call(ctx, OpSetRemoteDescription, req, &resp); err != nil {
		return err
	}
	return remote(OpSetRemoteDescription, resp.Error)
}

func (c *Client) AddICECandidate(ctx context.Context, id string, cand webrtc.ICECandidateInit) error {
	var resp ErrorResponse
	req := AddICECandidateRequest{
		SessionID:     id,
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if err := c.call(ctx, OpAddICECandidate, req, &resp); err != nil {
		return err
	}
	return remote(OpAddICECandidate, resp.Error)
}

func (c *Client) SetMute(ctx context.Context, id string, muted bool) error {
	var resp ErrorResponse
	if err := c.call(ctx, OpSetMute, SetMuteRequest{SessionID: id, Muted: muted}, &resp); err != nil {
		return err
	}
	return remote(OpSetMute, resp.Error)
}

func (c *Client) GetStats(ctx context.Context, id string) (call.Stats, error) {
	var resp StatsResponse
	if err := c.call(ctx, OpGetStats, SessionRequest{SessionID: id}, &resp); err != nil {
		return call.Stats{}, err
	}
	return resp.Stats(), nil
}

func (c *Client) EndSession(ctx context.Context, id string) error {
	var resp ErrorResponse
	if err := c.call(ctx, OpEndSession, SessionRequest{SessionID: id}, &resp); err != nil {
		return err
	}
	return remote(OpEndSession, resp.Error)
}

func (c *Client) ListAudioDevices(ctx context.Context) ([]audio.Device, error) {
	var resp ListAudioDevicesResponse
	if err := c.call(ctx, OpListAudioDevices, struct{}{}, &resp); err != nil {
		return nil, err
	}
	devices := make([]audio.Device, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		devices = append(devices, d.Device())
	}
	return devices, remote(OpListAudioDevices, resp.Error)
}

func (c *Client) Heartbeat(ctx context.Context) error {
	var resp ErrorResponse
	if err := c.call(ctx, OpHeartbeat, struct{}{}, &resp); err != nil {
		return err
	}
	return remote(OpHeartbeat, resp.Error)
}

func (c *Client) Shutdown(ctx context.Context) error {
	var resp ErrorResponse
	if err := c.call(ctx, OpShutdown, struct{}{}, &resp); err != nil {
		return err
	}
	return remote(OpShutdown, resp.Error)
}

// StreamEvents calls fn for every event of the session until the service
// ends the stream, fn fails or ctx is done. A stream for an unknown
// session ends at once without error.
func (c *Client) StreamEvents(ctx context.Context, id string, fn func(call.Event) error) error {
	body, err := sonic.Marshal(SessionRequest{SessionID: id})
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", OpStreamEvents, err)
	}
	conn, err := c.dial(c.addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(c.uri(OpStreamEvents))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentTypeJSON)
	req.SetBody(body)

	bw := bufio.NewWriter(conn)
	if err := req.Write(bw); err != nil {
		return c.streamErr(ctx, fmt.Errorf("writing %s request: %w", OpStreamEvents, err))
	}
	if err := bw.Flush(); err != nil {
		return c.streamErr(ctx, fmt.Errorf("writing %s request: %w", OpStreamEvents, err))
	}

	resp.StreamBody = true
	if err := resp.Read(bufio.NewReader(conn)); err != nil {
		return c.streamErr(ctx, fmt.Errorf("reading %s response: %w", OpStreamEvents, err))
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}
	stream := resp.BodyStream()
	if stream == nil {
		return nil
	}
	defer func() { _ = resp.CloseBodyStream() }()

	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev call.Event
		if err := ev.UnmarshalJSON(line); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return c.streamErr(ctx, sc.Err())
}

func (c *Client) streamErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
