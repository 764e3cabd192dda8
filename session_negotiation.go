package call

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/zap"
)

// CreateOffer builds the capture pipeline if needed and returns the local
// offer. Candidates are trickled on the event stream.
func (s *Session) CreateOffer() (string, error) {
	if err := s.ensureCapture(); err != nil {
		return "", err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	s.setRole(RoleOfferer)
	return s.localDescription("offer")
}

// CreateAnswer applies the remote offer and returns the local answer. It
// waits for candidate gathering, up to the gather timeout, so that peers
// ignoring trickled candidates still get them inside the description.
func (s *Session) CreateAnswer(ctx context.Context, remote string) (string, error) {
	s.logDescription("remote offer", remote)
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remote,
	}); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}
	if err := s.ensureCapture(); err != nil {
		return "", err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	s.setRole(RoleAnswerer)

	timer := s.params.clock.Timer(s.params.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
		s.logger.Debug("candidate gathering complete before answer")
	case <-timer.C:
		s.logger.Warn("candidate gathering timed out, answering with what we have", zap.Duration("timeout", s.params.gatherTimeout))
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for candidate gathering: %w", ctx.Err())
	case <-s.ctx.Done():
		return "", shared.ErrSessionClosed
	}
	return s.localDescription("answer")
}

// SetRemoteDescription applies the peer's description. kind is "offer" or "answer".
func (s *Session) SetRemoteDescription(sdp, kind string) error {
	var typ webrtc.SDPType
	switch strings.ToLower(kind) {
	case "offer":
		typ = webrtc.SDPTypeOffer
	case "answer":
		typ = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: %q", shared.ErrInvalidSDPType, kind)
	}
	s.logDescription("remote "+typ.String(), sdp)
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("setting remote %s: %w", typ, err)
	}
	if typ == webrtc.SDPTypeOffer {
		s.setRole(RoleAnswerer)
	}
	return nil
}

// AddICECandidate applies one remote candidate. It returns
// shared.ErrNoRemoteDescription while the remote description is missing so
// the caller can hold the candidate back.
func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	raw := strings.TrimPrefix(c.Candidate, "candidate:")
	if raw != "" {
		if parsed, err := ice.UnmarshalCandidate(raw); err != nil {
			s.logger.Warn("unparseable remote candidate", zap.String("candidate", truncate(c.Candidate, 80)), zap.Error(err))
		} else {
			s.logger.Debug(
				"adding remote candidate",
				zap.String("type", parsed.Type().String()),
				zap.String("network", parsed.NetworkType().String()),
				zap.String("address", parsed.Address()),
				zap.Int("port", parsed.Port()),
				zap.Uint16("component", parsed.Component()),
			)
		}
	}
	if s.pc.RemoteDescription() == nil {
		return shared.ErrNoRemoteDescription
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (s *Session) localDescription(kind string) (string, error) {
	local := s.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("reading local %s: %w", kind, shared.ErrNoLocalDescription)
	}
	out, err := StripSecondComponent(local.SDP)
	if err != nil {
		return "", fmt.Errorf("filtering local %s: %w", kind, err)
	}
	s.logDescription("local "+kind, out)
	return out, nil
}

func (s *Session) logDescription(what, raw string) {
	summary, err := SummarizeSDP(raw)
	if err != nil {
		s.logger.Warn("malformed session description", zap.String("description", what), zap.Error(err))
		return
	}
	s.logger.Info("session description", append(summary.Fields(), zap.String("description", what))...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
