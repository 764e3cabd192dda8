package call

import (
	"os"

	"github.com/benbjohnson/clock"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/siproxylin/drunk-call-service/connectivity"
)

type Option func(*Server)

// WithBridge sets the audio hardware sessions use. Required.
func WithBridge(b audio.Bridge) Option {
	return func(s *Server) {
		s.bridge = b
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithExitFunc replaces os.Exit as the process exit path.
func WithExitFunc(exit func(code int)) Option {
	return func(s *Server) {
		s.exit = exit
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithDefaultRelay overrides the configured relay for sessions that bring none.
func WithDefaultRelay(r connectivity.RelayServer) Option {
	return func(s *Server) {
		s.defaultRelay = r
	}
}

// WithLoopbackCandidates lets sessions gather loopback host candidates.
func WithLoopbackCandidates(on bool) Option {
	return func(s *Server) {
		s.loopback = on
	}
}

func withSessionFactory(f sessionFactory) Option {
	return func(s *Server) {
		s.newSession = f
	}
}

func defaultExit(code int) {
	os.Exit(code)
}
