package call

import (
	"fmt"
	"slices"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const connectionTypeUnknown = "unknown"

// Stats is the aggregate view returned by GetStats. The zero value stands
// for a session that does not exist.
type Stats struct {
	ConnectionState    string
	ICEConnectionState string
	ICEGatheringState  string
	SignalingState     string
	BytesSent          uint64
	BytesReceived      uint64
	// BandwidthKbps covers both directions since the previous call.
	BandwidthKbps    int64
	LocalCandidates  []string
	RemoteCandidates []string
	ConnectionType   string
}

type candidateInfo struct {
	typ  webrtc.ICECandidateType
	addr string
}

func (s *Session) GetStats() Stats {
	report := s.pc.GetStats()
	out := Stats{
		ConnectionState:    s.pc.ConnectionState().String(),
		ICEConnectionState: s.pc.ICEConnectionState().String(),
		ICEGatheringState:  s.pc.ICEGatheringState().String(),
		SignalingState:     s.pc.SignalingState().String(),
		ConnectionType:     connectionTypeUnknown,
	}

	var (
		local     = map[string]candidateInfo{}
		remote    = map[string]candidateInfo{}
		nominated *webrtc.ICECandidatePairStats
	)
	for _, stat := range report {
		switch v := stat.(type) {
		case webrtc.TransportStats:
			out.BytesSent += v.BytesSent
			out.BytesReceived += v.BytesReceived
		case webrtc.ICECandidatePairStats:
			if v.Nominated && v.State == webrtc.StatsICECandidatePairStateSucceeded {
				nominated = &v
			}
		case webrtc.ICECandidateStats:
			if v.IP == "" {
				continue
			}
			info := candidateInfo{typ: v.CandidateType, addr: fmt.Sprintf("%s:%d", v.IP, v.Port)}
			switch v.Type {
			case webrtc.StatsTypeLocalCandidate:
				local[v.ID] = info
			case webrtc.StatsTypeRemoteCandidate:
				remote[v.ID] = info
			}
		}
	}
	out.LocalCandidates = candidateList(local)
	out.RemoteCandidates = candidateList(remote)
	if nominated != nil {
		out.ConnectionType = describePath(local[nominated.LocalCandidateID], remote[nominated.RemoteCandidateID])
	}

	now := s.params.clock.Now()
	total := out.BytesSent + out.BytesReceived
	s.mu.Lock()
	if !s.lastStatsAt.IsZero() && total >= s.lastStatBytes {
		if elapsed := now.Sub(s.lastStatsAt).Seconds(); elapsed > 0 {
			out.BandwidthKbps = int64(float64(total-s.lastStatBytes) * 8 / 1000 / elapsed)
		}
	}
	s.lastStatsAt = now
	s.lastStatBytes = total
	s.mu.Unlock()
	return out
}

// candidateList renders "ip:port (type)" entries, sorted and deduplicated.
func candidateList(cands map[string]candidateInfo) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, fmt.Sprintf("%s (%s)", c.addr, c.typ))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// describePath explains the nominated pair in words.
func describePath(local, remote candidateInfo) string {
	switch {
	case local.typ == webrtc.ICECandidateTypeRelay:
		return fmt.Sprintf("TURN relay (our: %s)", local.addr)
	case remote.typ == webrtc.ICECandidateTypeRelay:
		return fmt.Sprintf("TURN relay (peer: %s)", remote.addr)
	case local.typ == webrtc.ICECandidateTypeSrflx && remote.typ == webrtc.ICECandidateTypeSrflx:
		return "P2P (NAT hole-punching)"
	case local.typ == webrtc.ICECandidateTypeHost && remote.typ == webrtc.ICECandidateTypeHost:
		return "P2P (direct)"
	}
	return fmt.Sprintf("P2P (%s → %s)", local.typ, remote.typ)
}

// startDiagnostics runs at most one ICE diagnostics worker per session.
func (s *Session) startDiagnostics() {
	if s.params.statsRounds <= 0 || s.params.statsInterval <= 0 {
		return
	}
	if !s.diagnostics.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.diagnostics.Store(false)
		s.logICEStats()
	}()
}

// logICEStats logs candidate pairs periodically while connectivity checks
// run, stopping once connected or failed.
func (s *Session) logICEStats() {
	ticker := s.params.clock.Ticker(s.params.statsInterval)
	defer ticker.Stop()

	for round := 1; round <= s.params.statsRounds; round++ {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("ICE diagnostics stopped, session closed")
			return
		case <-ticker.C:
		}

		var (
			pairs, succeeded, nominated int
			localTypes                  = map[string]int{}
			remoteTypes                 = map[string]int{}
		)
		for _, stat := range s.pc.GetStats() {
			switch v := stat.(type) {
			case webrtc.ICECandidatePairStats:
				pairs++
				if v.State == webrtc.StatsICECandidatePairStateSucceeded {
					succeeded++
				}
				if v.Nominated {
					nominated++
				}
				s.logger.Debug(
					"ICE candidate pair",
					zap.String("local", v.LocalCandidateID),
					zap.String("remote", v.RemoteCandidateID),
					zap.String("state", string(v.State)),
					zap.Bool("nominated", v.Nominated),
					zap.Uint64("requestsSent", v.RequestsSent),
					zap.Uint64("responsesReceived", v.ResponsesReceived),
				)
			case webrtc.ICECandidateStats:
				switch v.Type {
				case webrtc.StatsTypeLocalCandidate:
					localTypes[v.CandidateType.String()]++
				case webrtc.StatsTypeRemoteCandidate:
					remoteTypes[v.CandidateType.String()]++
				}
			}
		}
		state := s.pc.ConnectionState()
		s.logger.Info(
			"ICE diagnostics",
			zap.Int("round", round),
			zap.Int("pairs", pairs),
			zap.Int("succeeded", succeeded),
			zap.Int("nominated", nominated),
			zap.Any("localCandidates", localTypes),
			zap.Any("remoteCandidates", remoteTypes),
			zap.String("iceState", s.pc.ICEConnectionState().String()),
			zap.String("peerState", state.String()),
		)
		if state == webrtc.PeerConnectionStateConnected || state == webrtc.PeerConnectionStateFailed {
			return
		}
	}
}
