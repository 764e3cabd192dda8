package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/siproxylin/drunk-call-service/connectivity"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Role string

const (
	RoleNone     Role = ""
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// SessionConfig is what the caller chooses per session.
type SessionConfig struct {
	MicrophoneDevice string
	SpeakersDevice   string
	Proxy            *connectivity.Proxy
	Relay            *connectivity.RelayServer
	RelayOnly        bool
	Processing       audio.Processing
}

// sessionParams carries the server-wide settings every session is built with.
type sessionParams struct {
	logger        shared.LoggerAdapter
	bridge        audio.Bridge
	clock         clock.Clock
	metrics       *Metrics
	defaultRelay  connectivity.RelayServer
	eventQueue    int
	gatherTimeout time.Duration
	statsInterval time.Duration
	statsRounds   int
	loopback      bool
}

// Session is one bidirectional audio session with a single remote peer.
// Its peer connection is created once and never replaced.
type Session struct {
	id        string
	peer      string
	cfg       SessionConfig
	relayOnly bool
	params    sessionParams
	logger    shared.LoggerAdapter

	pc     *webrtc.PeerConnection
	echo   *audio.EchoReference
	events *eventQueue

	stateMu sync.Mutex
	conn    *connState

	mu            sync.Mutex
	role          Role
	track         *webrtc.TrackLocalStaticSample
	capture       audio.Capture
	muted         bool
	closed        bool
	lastStatsAt   time.Time
	lastStatBytes uint64

	rendering   atomic.Bool
	diagnostics atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ mediaSession = (*Session)(nil)

func newSession(id, peer string, cfg SessionConfig, p sessionParams) (*Session, error) {
	if p.logger == nil {
		return nil, shared.ErrNoLogger
	}
	if p.bridge == nil {
		return nil, shared.ErrNoBridge
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	logger := p.logger.With(zap.String("sessionID", id))

	transport, err := connectivity.Build(connectivity.Options{
		Proxy:        cfg.Proxy,
		Relay:        cfg.Relay,
		DefaultRelay: p.defaultRelay,
		RelayOnly:    cfg.RelayOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("building transport: %w", err)
	}
	if transport.RelayForced {
		logger.Info("proxy configured, forcing relay-only mode", zap.String("proxy", cfg.Proxy.Addr()))
	}
	api, err := newAPI(logger, transport, p.loopback)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	pc, err := api.NewPeerConnection(transport.Configuration())
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		peer:      peer,
		cfg:       cfg,
		relayOnly: transport.RelayOnly,
		params:    p,
		logger:    logger,
		pc:        pc,
		echo:      audio.NewEchoReference(),
		conn:      newConnState(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.events = newEventQueue(p.eventQueue, s.observePush)

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnICEConnectionStateChange(s.handleICEState)
	pc.OnConnectionStateChange(s.handlePeerState)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(track)
	})

	logger.Info(
		"session created",
		zap.String("peer", peer),
		zap.Bool("relayOnly", s.relayOnly),
		zap.Int("iceServers", len(transport.ICEServers)),
		zap.String("processing", cfg.Processing.Variant().String()),
	)
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Peer() string { return s.peer }

func (s *Session) RelayOnly() bool { return s.relayOnly }

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) State() ConnectionState {
	return s.conn.Current()
}

// Events is closed after the session's closed event.
func (s *Session) Events() <-chan Event {
	return s.events.events()
}

// DroppedEvents counts events lost to a slow consumer.
func (s *Session) DroppedEvents() uint64 {
	return s.events.Dropped()
}

func (s *Session) RemoteDescriptionSet() bool {
	return s.pc.RemoteDescription() != nil
}

func (s *Session) SetMute(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	if s.capture != nil {
		s.capture.SetMute(muted)
	}
	s.logger.Info("mute changed", zap.Bool("muted", muted), zap.Bool("applied", s.capture != nil))
}

// Close is idempotent. Only the first call reports teardown errors.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.transition(StateClosed)
		s.events.close()

		s.mu.Lock()
		s.closed = true
		capture := s.capture
		s.capture = nil
		s.mu.Unlock()

		if capture != nil {
			if cerr := capture.Close(); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("closing capture pipeline: %w", cerr))
			}
		}
		if cerr := s.pc.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing peer connection: %w", cerr))
		}
		if err != nil {
			s.logger.Error("session closed with errors", err)
			return
		}
		s.logger.Info("session closed", zap.Uint64("droppedEvents", s.events.Dropped()))
	})
	return err
}

// transition advances the connectivity machine and, if it moved, emits the
// new state. Refused transitions are only logged.
func (s *Session) transition(state ConnectionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	prev := s.conn.Current()
	if err := s.conn.advance(context.Background(), state); err != nil {
		s.logger.Debug(
			"connectivity transition refused",
			zap.String("from", prev.String()),
			zap.String("to", state.String()),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("connectivity changed", zap.String("from", prev.String()), zap.String("to", state.String()))
	s.events.push(newStateEvent(s.id, state))
}

func (s *Session) observePush(ev Event, dropped bool) {
	if dropped {
		s.params.metrics.eventsDropped.Inc()
		s.logger.Warn(
			"event stream full, dropping event",
			zap.String("kind", string(ev.Kind)),
			zap.Uint64("dropped", s.events.Dropped()),
		)
		return
	}
	s.params.metrics.eventsEmitted.WithLabelValues(string(ev.Kind)).Inc()
}

func (s *Session) handleICEState(state webrtc.ICEConnectionState) {
	mapped, ok := fromICEState(state)
	if !ok {
		s.logger.Warn("unknown ICE connection state", zap.String("state", state.String()))
		return
	}
	s.transition(mapped)
}

func (s *Session) handlePeerState(state webrtc.PeerConnectionState) {
	s.logger.Debug("peer connection state changed", zap.String("state", state.String()))
	if state == webrtc.PeerConnectionStateConnecting {
		s.startDiagnostics()
	}
}

// handleLocalCandidate forwards a gathered candidate to the event stream.
// A nil candidate marks the end of gathering.
func (s *Session) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		s.logger.Debug("local candidate gathering complete")
		return
	}
	if c.Component == 2 {
		s.logger.Debug("withholding component 2 candidate", zap.String("address", c.Address))
		return
	}
	if s.relayOnly && c.Typ != webrtc.ICECandidateTypeRelay {
		s.params.metrics.candidatesFiltered.Inc()
		s.logger.Debug(
			"withholding non-relay candidate",
			zap.String("type", c.Typ.String()),
			zap.String("protocol", c.Protocol.String()),
		)
		return
	}
	init := c.ToJSON()
	ev := CandidateEvent{Candidate: init.Candidate}
	if init.SDPMid != nil {
		ev.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		ev.SDPMLineIndex = *init.SDPMLineIndex
	}
	s.logger.Debug("local candidate", zap.String("type", c.Typ.String()), zap.String("candidate", init.Candidate))
	s.events.push(newCandidateEvent(s.id, ev))
}

func (s *Session) handleRemoteTrack(track audio.RemoteTrack) {
	codec := track.Codec()
	if codec.MimeType != webrtc.MimeTypeOpus {
		s.logger.Warn("ignoring remote track", zap.String("codec", codec.MimeType))
		return
	}
	if !s.rendering.CompareAndSwap(false, true) {
		s.logger.Warn("render pipeline already running, ignoring extra track")
		return
	}
	go func() {
		s.logger.Info("remote audio track started", zap.String("codec", codec.MimeType))
		err := s.params.bridge.Render(s.ctx, audio.RenderOptions{
			Device: s.cfg.SpeakersDevice,
			Echo:   s.echo,
		}, track)
		if err != nil && s.ctx.Err() == nil {
			s.logger.Error("render pipeline failed", err)
			return
		}
		s.logger.Info("render pipeline stopped")
	}()
}

// ensureCapture builds the capture pipeline and outbound track once. A
// failed pipeline leaves the peer connection untouched.
func (s *Session) ensureCapture() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if s.track != nil {
		s.mu.Unlock()
		return nil
	}
	muted := s.muted
	s.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"call-"+s.id,
	)
	if err != nil {
		return fmt.Errorf("creating local audio track: %w", err)
	}
	capture, err := s.params.bridge.OpenCapture(s.ctx, audio.CaptureOptions{
		Device:     s.cfg.MicrophoneDevice,
		Processing: s.cfg.Processing,
		Muted:      muted,
		Echo:       s.echo,
	}, track)
	if err != nil {
		return fmt.Errorf("opening capture pipeline: %w", err)
	}

	s.mu.Lock()
	if s.closed || s.track != nil {
		closed := s.closed
		s.mu.Unlock()
		_ = capture.Close()
		if closed {
			return shared.ErrSessionClosed
		}
		return nil
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		s.mu.Unlock()
		_ = capture.Close()
		return fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	s.track = track
	s.capture = capture
	if s.muted != muted {
		capture.SetMute(s.muted)
	}
	s.mu.Unlock()

	go s.drainRTCP(sender)
	return nil
}

// drainRTCP keeps the sender's interceptors fed until the sender stops.
func (s *Session) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				s.logger.Trace("rtcp reader stopped", zap.Error(err))
			}
			return
		}
	}
}

func (s *Session) setRole(role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == RoleNone {
		s.role = role
	}
}
