package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/siproxylin/drunk-call-service/config"
	"github.com/siproxylin/drunk-call-service/connectivity"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// mediaSession is what the registry needs from a session.
type mediaSession interface {
	CreateOffer() (string, error)
	CreateAnswer(ctx context.Context, remote string) (string, error)
	SetRemoteDescription(sdp, kind string) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	RemoteDescriptionSet() bool
	SetMute(muted bool)
	GetStats() Stats
	Events() <-chan Event
	Close() error
}

type sessionFactory func(id, peer string, cfg SessionConfig) (mediaSession, error)

// Server is the process-wide session registry and the whole external
// surface of the service. Unknown session IDs are tolerated: most
// operations become no-ops, AddICECandidate queues.
type Server struct {
	logger       shared.LoggerAdapter
	cfg          config.Config
	bridge       audio.Bridge
	clock        clock.Clock
	metrics      *Metrics
	defaultRelay connectivity.RelayServer
	loopback     bool
	exit         func(code int)
	newSession   sessionFactory

	mu       sync.RWMutex
	sessions map[string]mediaSession

	pending  *pendingCandidates
	watchdog *Watchdog

	runMu   sync.Mutex
	running bool
	stop    context.CancelFunc
	done    chan struct{}

	exitOnce sync.Once
}

func NewServer(logger shared.LoggerAdapter, cfg config.Config, opts ...Option) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	s := &Server{
		logger: logger.With(zap.String("component", "server")),
		cfg:    cfg,
		defaultRelay: connectivity.RelayServer{
			URLs:       cfg.Relay.URLs,
			Username:   cfg.Relay.Username,
			Credential: cfg.Relay.Password,
		},
		exit:     defaultExit,
		sessions: make(map[string]mediaSession),
		pending:  newPendingCandidates(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.newSession == nil {
		if s.bridge == nil {
			return nil, shared.ErrNoBridge
		}
		s.newSession = s.buildSession
	}
	if !cfg.Liveness.Disabled {
		s.watchdog = NewWatchdog(
			logger,
			s.clock,
			cfg.Liveness.Interval,
			cfg.Liveness.WarnAfter,
			cfg.Liveness.Timeout,
			s.livenessLost,
		)
	}
	return s, nil
}

func (s *Server) buildSession(id, peer string, cfg SessionConfig) (mediaSession, error) {
	sess, err := newSession(id, peer, cfg, sessionParams{
		logger:        s.logger,
		bridge:        s.bridge,
		clock:         s.clock,
		metrics:       s.metrics,
		defaultRelay:  s.defaultRelay,
		eventQueue:    s.cfg.Session.EventQueue,
		gatherTimeout: s.cfg.Session.GatherTimeout,
		statsInterval: s.cfg.Session.StatsInterval,
		statsRounds:   s.cfg.Session.StatsRounds,
		loopback:      s.loopback,
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Start runs the liveness watchdog until Stop or Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.done = make(chan struct{})
	s.running = true
	go func(done chan struct{}) {
		defer close(done)
		if s.watchdog == nil {
			s.logger.Warn("liveness watchdog disabled")
			<-ctx.Done()
			return
		}
		s.watchdog.Beat()
		s.watchdog.Run(ctx)
	}(s.done)
	s.logger.Info("server started", zap.String("version", shared.Version))
	return nil
}

// Stop cancels the watchdog and closes every session. It does not exit.
func (s *Server) Stop(ctx context.Context) error {
	s.stopWatchdog(ctx)
	return s.CloseAllSessions()
}

func (s *Server) stopWatchdog(ctx context.Context) {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.stop()
	done := s.done
	s.runMu.Unlock()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Server) lookup(id string) (mediaSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CreateSession is idempotent: an existing ID is reported as success.
func (s *Server) CreateSession(ctx context.Context, id, peer string, cfg SessionConfig) error {
	logger := s.logger.With(zap.String("sessionID", id))
	if _, ok := s.lookup(id); ok {
		logger.Info("session already exists")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.pending.revive(id)
	sess, err := s.newSession(id, peer, cfg)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		logger.Info("session created concurrently, discarding duplicate")
		if err := sess.Close(); err != nil {
			logger.Warn("closing duplicate session", zap.Error(err))
		}
		return nil
	}
	s.sessions[id] = sess
	active := len(s.sessions)
	s.mu.Unlock()

	s.metrics.sessionsCreated.Inc()
	s.metrics.sessionsActive.Set(float64(active))
	logger.Info(
		"session registered",
		zap.Int("active", active),
		zap.Int("pendingCandidates", s.pending.count(id)),
	)
	return nil
}

func (s *Server) CreateOffer(ctx context.Context, id string) (string, error) {
	sess, ok := s.lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	return sess.CreateOffer()
}

func (s *Server) CreateAnswer(ctx context.Context, id, remote string) (string, error) {
	sess, ok := s.lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	answer, err := sess.CreateAnswer(ctx, remote)
	if err != nil {
		return "", err
	}
	s.drainPending(id, sess)
	return answer, nil
}

func (s *Server) SetRemoteDescription(ctx context.Context, id, sdp, kind string) error {
	sess, ok := s.lookup(id)
	if !ok {
		s.logger.Warn("remote description for unknown session", zap.String("sessionID", id))
		return nil
	}
	if err := sess.SetRemoteDescription(sdp, kind); err != nil {
		return err
	}
	s.drainPending(id, sess)
	return nil
}

// AddICECandidate applies c, or queues it while the session is missing or
// has no remote description. Once a queue exists for an ID, later
// candidates join it so arrival order is kept. Candidates for a session
// that ended recently are dropped.
func (s *Server) AddICECandidate(ctx context.Context, id string, c webrtc.ICECandidateInit) error {
	sess, ok := s.lookup(id)
	if ok && s.pending.count(id) == 0 {
		err := sess.AddICECandidate(c)
		if !errors.Is(err, shared.ErrNoRemoteDescription) {
			return err
		}
	}
	n, queued := s.pending.add(id, c, s.clock.Now())
	if !queued {
		s.logger.Debug("dropping candidate for ended session", zap.String("sessionID", id))
		return nil
	}
	s.metrics.candidatesQueued.Inc()
	s.logger.Debug(
		"remote candidate queued",
		zap.String("sessionID", id),
		zap.Bool("sessionExists", ok),
		zap.Int("queued", n),
	)
	// The remote description may have landed while we were queueing.
	if sess, ok := s.lookup(id); ok && sess.RemoteDescriptionSet() {
		s.drainPending(id, sess)
	}
	return nil
}

// drainPending applies the queue for id exactly once, in arrival order.
func (s *Server) drainPending(id string, sess mediaSession) {
	queued := s.pending.take(id)
	if len(queued) == 0 {
		return
	}
	logger := s.logger.With(zap.String("sessionID", id))
	logger.Info("applying queued candidates", zap.Int("count", len(queued)))
	for _, c := range queued {
		if err := sess.AddICECandidate(c); err != nil {
			logger.Error("applying queued candidate", err, zap.String("candidate", truncate(c.Candidate, 80)))
			continue
		}
		s.metrics.candidatesDrained.Inc()
	}
}

func (s *Server) SetMute(ctx context.Context, id string, muted bool) {
	if sess, ok := s.lookup(id); ok {
		sess.SetMute(muted)
	}
}

// GetStats returns the zero Stats for an unknown ID.
func (s *Server) GetStats(ctx context.Context, id string) Stats {
	sess, ok := s.lookup(id)
	if !ok {
		return Stats{}
	}
	return sess.GetStats()
}

// EndSession closes and forgets the session and any queued candidates.
// Candidates that still arrive for it are dropped for a while.
func (s *Server) EndSession(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	active := len(s.sessions)
	s.mu.Unlock()
	if !ok {
		s.pending.take(id)
		return nil
	}
	s.pending.end(s.clock.Now(), id)
	s.metrics.sessionsActive.Set(float64(active))
	s.metrics.sessionsClosed.Inc()
	if err := sess.Close(); err != nil {
		return fmt.Errorf("closing session %s: %w", id, err)
	}
	return nil
}

// Events returns the session's event stream.
func (s *Server) Events(id string) (<-chan Event, bool) {
	sess, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	return sess.Events(), true
}

func (s *Server) ListAudioDevices(ctx context.Context) ([]audio.Device, error) {
	if s.bridge == nil {
		return nil, shared.ErrNoBridge
	}
	devices, err := s.bridge.Devices()
	if err != nil {
		return nil, fmt.Errorf("listing audio devices: %w", err)
	}
	return devices, nil
}

func (s *Server) Heartbeat() {
	now := s.clock.Now()
	if s.watchdog != nil {
		now = s.watchdog.Beat()
	}
	s.metrics.lastHeartbeat.Set(float64(now.Unix()))
}

// CloseAllSessions closes every session concurrently and empties the table.
func (s *Server) CloseAllSessions() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]mediaSession)
	s.mu.Unlock()
	s.pending.dropAll()
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	s.pending.end(s.clock.Now(), ids...)
	s.metrics.sessionsActive.Set(0)
	if len(sessions) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for id, sess := range sessions {
		g.Go(func() error {
			s.metrics.sessionsClosed.Inc()
			if err := sess.Close(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("closing session %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info("all sessions closed", zap.Int("count", len(sessions)))
	return errs
}

// Shutdown closes every session and exits with code 0 after the grace
// delay, so that the caller still receives its acknowledgement.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutdown requested")
	s.stopWatchdog(ctx)
	err := s.CloseAllSessions()
	if err != nil {
		s.logger.Error("closing sessions during shutdown", err)
	}
	go func() {
		s.clock.Sleep(s.cfg.Shutdown.Grace)
		s.exitProcess(0)
	}()
	return err
}

func (s *Server) livenessLost(silence time.Duration) {
	s.metrics.livenessExpired.Inc()
	s.logger.Warn("caller stopped sending heartbeats, tearing down", zap.Duration("silence", silence))
	if err := s.CloseAllSessions(); err != nil {
		s.logger.Error("closing sessions after liveness loss", err)
	}
	s.exitProcess(1)
}

// exitProcess is the single process exit path.
func (s *Server) exitProcess(code int) {
	s.exitOnce.Do(func() {
		s.logger.Info("exiting", zap.Int("code", code))
		s.exit(code)
	})
}
