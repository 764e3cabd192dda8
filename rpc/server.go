package rpc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	call "github.com/siproxylin/drunk-call-service"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/siproxylin/drunk-call-service/shared"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"
)

// Service is what the RPC surface drives. *call.Server implements it.
type Service interface {
	CreateSession(ctx context.Context, id, peer string, cfg call.SessionConfig) error
	CreateOffer(ctx context.Context, id string) (string, error)
	CreateAnswer(ctx context.Context, id, remote string) (string, error)
	SetRemoteDescription(ctx context.Context, id, sdp, kind string) error
	AddICECandidate(ctx context.Context, id string, c webrtc.ICECandidateInit) error
	SetMute(ctx context.Context, id string, muted bool)
	GetStats(ctx context.Context, id string) call.Stats
	EndSession(ctx context.Context, id string) error
	Events(id string) (<-chan call.Event, bool)
	ListAudioDevices(ctx context.Context) ([]audio.Device, error)
	Heartbeat()
	Shutdown(ctx context.Context) error
}

var _ Service = (*call.Server)(nil)

type handler func(ctx *fasthttp.RequestCtx, body []byte) (any, error)

// failure is implemented by responses that carry an operation error.
type failure interface {
	failed() bool
}

func (r CreateSessionResponse) failed() bool    { return r.Error != "" }
func (r SDPResponse) failed() bool              { return r.Error != "" }
func (r ErrorResponse) failed() bool            { return r.Error != "" }
func (r ListAudioDevicesResponse) failed() bool { return r.Error != "" }

// Server exposes a Service as JSON over HTTP. Operation errors travel in
// the response's error field with status 200; only undecodable requests
// get 400.
type Server struct {
	logger  shared.LoggerAdapter
	svc     Service
	metrics *Metrics
	routes  map[string]handler
	scrape  fasthttp.RequestHandler
	srv     *fasthttp.Server
}

func NewServer(logger shared.LoggerAdapter, svc Service, reg *prometheus.Registry) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if svc == nil {
		return nil, shared.ErrNoService
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		logger:  logger.With(zap.String("component", "rpc")),
		svc:     svc,
		metrics: NewMetrics(reg),
		scrape:  fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}
	s.routes = map[string]handler{
		OpCreateSession:        s.createSession,
		OpCreateOffer:          s.createOffer,
		OpCreateAnswer:         s.createAnswer,
		OpSetRemoteDescription: s.setRemoteDescription,
		OpAddICECandidate:      s.addICECandidate,
		OpSetMute:              s.setMute,
		OpGetStats:             s.getStats,
		OpEndSession:           s.endSession,
		OpListAudioDevices:     s.listAudioDevices,
		OpHeartbeat:            s.heartbeat,
		OpShutdown:             s.shutdown,
	}
	s.srv = &fasthttp.Server{
		Handler:               s.Handle,
		Name:                  "drunk-call-service",
		Logger:                fasthttpLogger{s.logger},
		ReadTimeout:           30 * time.Second,
		CloseOnShutdown:       true,
		NoDefaultServerHeader: true,
	}
	return s, nil
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("rpc listening", zap.String("addr", ln.Addr().String()))
	return s.srv.Serve(ln)
}

func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for open ones, event streams
// included, until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case path == "/healthz" && ctx.IsGet():
		ctx.SetContentType("text/plain")
		ctx.SetBodyString("ok")
		return
	case path == "/metrics" && ctx.IsGet():
		s.scrape(ctx)
		return
	case !strings.HasPrefix(path, "/v1/"):
		s.writeJSON(ctx, fasthttp.StatusNotFound, ErrorResponse{Error: "unknown route " + path})
		return
	}

	op := strings.TrimPrefix(path, "/v1/")
	if op == OpStreamEvents {
		if !ctx.IsPost() {
			s.writeJSON(ctx, fasthttp.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
			return
		}
		s.streamEvents(ctx)
		return
	}
	h, ok := s.routes[op]
	if !ok {
		s.writeJSON(ctx, fasthttp.StatusNotFound, ErrorResponse{Error: "unknown operation " + op})
		return
	}
	if !ctx.IsPost() {
		s.writeJSON(ctx, fasthttp.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}

	start := time.Now()
	resp, err := h(ctx, ctx.PostBody())
	if err != nil {
		s.logger.Warn("bad request", zap.String("op", op), zap.Error(err))
		s.metrics.observe(op, "bad_request", time.Since(start).Seconds())
		s.writeJSON(ctx, fasthttp.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	outcome := "ok"
	if f, ok := resp.(failure); ok && f.failed() {
		outcome = "error"
	}
	s.metrics.observe(op, outcome, time.Since(start).Seconds())
	s.writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		s.logger.Error("marshaling response", err)
		ctx.Error("internal error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType(contentTypeJSON)
	ctx.SetBody(raw)
}

func decode[T any](body []byte) (*T, error) {
	v := new(T)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty request body")
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	return v, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Server) createSession(ctx *fasthttp.RequestCtx, body []byte) (any, error) {
	req, err := decode[CreateSessionRequest](body)
	if err != nil {
		return nil, err
	}
	cfg, err := req.SessionConfig()
	if err == nil {
		err = s.svc.CreateSession(ctx, req.SessionID, req.PeerJID, cfg)
	}
	if err != nil {
		s.logger.Warn("create session failed", zap.String("session_id", req.SessionID), zap.Error(err))
		return CreateSessionResponse{Error: err.Error()}, nil
	}
	return CreateSessionResponse{Success: true}, nil
}

func (s *Server) createOffer(ctx *fasthttp.RequestCtx, body []byte) (any, error) {
	req, err := decode[SessionRequest](body)
	if err != nil {
		return nil, err
	}
	offer, err := s.svc.CreateOffer(ctx, req.SessionID)
	return SDPResponse{SDP: offer, Error: errText(err)}, nil
}

func (s *Server) createAnswer(ctx *fasthttp.RequestCtx, body []byte) (any, error) {
	req, err := decode[CreateAnswerRequest](body)
	if err != nil {
		return nil, err
	}
	answer, err := s.svc.CreateAnswer(ctx, req.SessionID, req.RemoteSDP)
	return SDPResponse{SDP: answer, Error: errText(err)}, nil
}

func (s *Server) setRemoteDescription(ctx *fasthttp.RequestCtx, body []byte) (any, error) {
	req, err := decode[SetRemoteDescriptionRequest](body)
	if err != nil {
		return nil, err
	}
	err = s.svc.SetRemoteDescription(ctx, req.SessionID, req.RemoteSDP, req.SDPType)
	return ErrorResponse{Error: errText(err)}, nil
}

func (s *Server) addICECandidate(ctx *fasthttp.RequestCtx, body []byte) (any, error) {
	req, err := decode[AddICECandidateRequest](body)
	if err != nil {
		return nil, err
	}
	err = s.svc.AddICECandidate(ctx, req.SessionID, req.Init())
	return ErrorResponse{Error: errText(err)}, nil
}

func (s *Server) setMute(ctx *fasthttp.RequestCtx, body []byte) (any, error) {
	req, err := decode[SetMuteRequest](body)
	if err != nil {
		return nil, err
	}
	s.svc.SetMute(ctx, req.SessionID, req.Muted)
	return ErrorResponse{}, nil
}

func (s *Server) getStats(ctx *fasthttp.RequestCtx, body []byte) (any, error) {
	req, err := decode[SessionRequest](body)
	if err != nil {
		return nil, err
	}
	return newStatsResponse(s.svc.GetStats(ctx, req.SessionID)), nil
}

func (s *Server) endSession(ctx *fasthttp.RequestCtx, body []byte) (any, error) {
	req, err := decode[SessionRequest](body)
	if err != nil {
		return nil, err
	}
	err = s.svc.EndSession(ctx, req.SessionID)
	return ErrorResponse{Error: errText(err)}, nil
}

// listAudioDevices answers with an empty list when enumeration fails.
func (s *Server) listAudioDevices(ctx *fasthttp.RequestCtx, _ []byte) (any, error) {
	devices, err := s.svc.ListAudioDevices(ctx)
	if err != nil {
		s.logger.Warn("listing audio devices failed", zap.Error(err))
		return ListAudioDevicesResponse{Devices: []AudioDevice{}, Error: err.Error()}, nil
	}
	return ListAudioDevicesResponse{Devices: newAudioDevices(devices)}, nil
}

func (s *Server) heartbeat(_ *fasthttp.RequestCtx, _ []byte) (any, error) {
	s.svc.Heartbeat()
	return ErrorResponse{}, nil
}

func (s *Server) shutdown(ctx *fasthttp.RequestCtx, _ []byte) (any, error) {
	s.logger.Info("shutdown requested over rpc")
	err := s.svc.Shutdown(ctx)
	return ErrorResponse{Error: errText(err)}, nil
}

// streamEvents writes one JSON event per line until the session's event
// channel closes. An unknown session gets an empty stream.
func (s *Server) streamEvents(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	req, err := decode[SessionRequest](ctx.PostBody())
	if err != nil {
		s.metrics.observe(OpStreamEvents, "bad_request", time.Since(start).Seconds())
		s.writeJSON(ctx, fasthttp.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(contentTypeNDJSON)

	events, ok := s.svc.Events(req.SessionID)
	if !ok {
		s.logger.Debug("event stream for unknown session", zap.String("session_id", req.SessionID))
		s.metrics.observe(OpStreamEvents, "ok", time.Since(start).Seconds())
		return
	}
	s.metrics.observe(OpStreamEvents, "ok", time.Since(start).Seconds())
	s.metrics.streams.Inc()
	logger := s.logger.With(zap.String("session_id", req.SessionID))
	logger.Debug("event stream attached")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer s.metrics.streams.Dec()
		for ev := range events {
			raw, err := sonic.Marshal(ev)
			if err != nil {
				logger.Error("marshaling event", err, zap.String("event_id", ev.ID))
				continue
			}
			raw = append(raw, '\n')
			if _, err := w.Write(raw); err != nil {
				logger.Debug("event stream detached", zap.Error(err))
				return
			}
			if err := w.Flush(); err != nil {
				logger.Debug("event stream detached", zap.Error(err))
				return
			}
		}
		logger.Debug("event stream ended")
	})
}

type fasthttpLogger struct {
	logger shared.LoggerAdapter
}

func (l fasthttpLogger) Printf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
