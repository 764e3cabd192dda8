package call

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/siproxylin/drunk-call-service/config"
	"github.com/siproxylin/drunk-call-service/connectivity"
	"github.com/siproxylin/drunk-call-service/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Engine goroutines may log after a test returns, so these tests use the
// no-op logger.
func testParams(bridge audio.Bridge) sessionParams {
	return sessionParams{
		logger:        shared.NewNopLogger(),
		bridge:        bridge,
		clock:         clock.New(),
		metrics:       NewMetrics(nil),
		eventQueue:    100,
		gatherTimeout: 3 * time.Second,
		statsInterval: 5 * time.Second,
		statsRounds:   6,
		loopback:      true,
	}
}

func newTestSession(t *testing.T, id string, cfg SessionConfig, bridge *fakeBridge) *Session {
	t.Helper()
	s, err := newSession(id, "peer@example", cfg, testParams(bridge))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func assertNoSecondComponent(t *testing.T, desc string) {
	t.Helper()
	for _, line := range strings.Split(desc, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "a=candidate:") {
			assert.Equal(t, "1", candidateComponent(strings.TrimPrefix(line, "a=")), line)
		}
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	bridge := &fakeBridge{}
	s := newTestSession(t, "s1", SessionConfig{}, bridge)
	_, err := s.CreateOffer()
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	captures := bridge.capturesOpened()
	require.Len(t, captures, 1)
	assert.Equal(t, int32(1), captures[0].closes.Load())
	assert.Equal(t, StateClosed, s.State())

	var states []ConnectionState
	for ev := range s.Events() {
		if ev.Kind == EventKindConnectionState {
			states = append(states, ev.State)
		}
	}
	require.NotEmpty(t, states)
	assert.Equal(t, StateClosed, states[len(states)-1])
	assert.Equal(t, 1, strings.Count(stateList(states), "closed"))

	_, err = s.CreateOffer()
	assert.ErrorIs(t, err, shared.ErrSessionClosed)
}

func stateList(states []ConnectionState) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

func TestSessionOfferIsAudioOnly(t *testing.T) {
	bridge := &fakeBridge{}
	s := newTestSession(t, "s1", SessionConfig{}, bridge)

	offer, err := s.CreateOffer()
	require.NoError(t, err)
	summary, err := SummarizeSDP(offer)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Media)
	assert.Equal(t, 1, summary.Audio)
	assert.True(t, summary.ICECredentials)
	assert.Contains(t, offer, "opus/48000/2")
	assertNoSecondComponent(t, offer)
	assert.Equal(t, RoleOfferer, s.Role())

	_, err = s.CreateOffer()
	require.NoError(t, err)
	assert.Len(t, bridge.capturesOpened(), 1, "capture pipeline is built once")
}

func TestSessionCaptureFailureLeavesEngineUntouched(t *testing.T) {
	bridge := &fakeBridge{openErr: errors.New("no microphone")}
	s := newTestSession(t, "s1", SessionConfig{}, bridge)

	_, err := s.CreateOffer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening capture pipeline")
	assert.Empty(t, s.pc.GetTransceivers())
	assert.Nil(t, s.pc.LocalDescription())
}

func TestSessionMuteBeforeCaptureIsApplied(t *testing.T) {
	bridge := &fakeBridge{}
	s := newTestSession(t, "s1", SessionConfig{}, bridge)

	s.SetMute(true)
	_, err := s.CreateOffer()
	require.NoError(t, err)
	captures := bridge.capturesOpened()
	require.Len(t, captures, 1)
	assert.True(t, captures[0].muted.Load())

	s.SetMute(false)
	assert.False(t, captures[0].muted.Load())
}

func TestSessionProcessingReachesCapture(t *testing.T) {
	bridge := &fakeBridge{}
	proc := audio.Processing{EchoCancel: true, EchoSuppressionLevel: audio.LevelHigh}
	s := newTestSession(t, "s1", SessionConfig{MicrophoneDevice: "usb-mic", Processing: proc}, bridge)
	_, err := s.CreateOffer()
	require.NoError(t, err)

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	require.Len(t, bridge.opts, 1)
	assert.Equal(t, "usb-mic", bridge.opts[0].Device)
	assert.Equal(t, proc, bridge.opts[0].Processing)
	assert.NotNil(t, bridge.opts[0].Echo)
}

func TestSessionRejectsBadSDPType(t *testing.T) {
	s := newTestSession(t, "s1", SessionConfig{}, &fakeBridge{})
	err := s.SetRemoteDescription("v=0", "rollback")
	assert.ErrorIs(t, err, shared.ErrInvalidSDPType)
}

func TestSessionCandidateNeedsRemoteDescription(t *testing.T) {
	s := newTestSession(t, "s1", SessionConfig{}, &fakeBridge{})
	err := s.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.10 50000 typ host",
	})
	assert.ErrorIs(t, err, shared.ErrNoRemoteDescription)
	assert.False(t, s.RemoteDescriptionSet())
}

func TestRelayOnlyWithholdsNonRelayCandidates(t *testing.T) {
	s := newTestSession(t, "s1", SessionConfig{RelayOnly: true}, &fakeBridge{})
	require.True(t, s.RelayOnly())

	s.handleLocalCandidate(&webrtc.ICECandidate{
		Foundation: "1", Priority: 2130706431, Address: "192.0.2.10",
		Protocol: webrtc.ICEProtocolUDP, Port: 50000, Typ: webrtc.ICECandidateTypeHost, Component: 1,
	})
	s.handleLocalCandidate(&webrtc.ICECandidate{
		Foundation: "2", Priority: 1694498815, Address: "198.51.100.7",
		Protocol: webrtc.ICEProtocolUDP, Port: 40000, Typ: webrtc.ICECandidateTypeSrflx,
		RelatedAddress: "192.0.2.10", RelatedPort: 50000, Component: 1,
	})
	s.handleLocalCandidate(&webrtc.ICECandidate{
		Foundation: "3", Priority: 16777215, Address: "203.0.113.5",
		Protocol: webrtc.ICEProtocolUDP, Port: 60000, Typ: webrtc.ICECandidateTypeRelay,
		RelatedAddress: "198.51.100.7", RelatedPort: 40000, Component: 1,
	})
	s.handleLocalCandidate(nil)
	require.NoError(t, s.Close())

	var candidates []string
	for ev := range s.Events() {
		if ev.Kind == EventKindICECandidate {
			candidates = append(candidates, ev.Candidate.Candidate)
		}
	}
	require.Len(t, candidates, 1)
	assert.Contains(t, candidates[0], "typ relay")
	assert.Contains(t, candidates[0], "203.0.113.5")
}

func TestProxyForcesRelayOnly(t *testing.T) {
	s := newTestSession(t, "s1", SessionConfig{
		Proxy: &connectivity.Proxy{Kind: connectivity.ProxySOCKS5, Host: "127.0.0.1", Port: 1080},
		Relay: &connectivity.RelayServer{URLs: []string{"turn:relay.example.org:3478"}, Username: "u", Credential: "p"},
	}, &fakeBridge{})
	assert.True(t, s.RelayOnly())
	assert.Equal(t, webrtc.ICETransportPolicyRelay, s.pc.GetConfiguration().ICETransportPolicy)
}

// stalledProxy accepts connections and never answers, which keeps relay
// gathering through it pending until release is called.
func stalledProxy(t *testing.T) (port int, release func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	}
}

func TestCreateAnswerStopsWaitingAtGatherTimeout(t *testing.T) {
	offerer := newTestSession(t, "offerer", SessionConfig{}, &fakeBridge{})
	offer, err := offerer.CreateOffer()
	require.NoError(t, err)

	mock := clock.NewMock()
	params := testParams(&fakeBridge{})
	params.clock = mock
	port, release := stalledProxy(t)
	s, err := newSession("s1", "peer@example", SessionConfig{
		RelayOnly: true,
		Relay:     &connectivity.RelayServer{URLs: []string{"turn:192.0.2.1:3478?transport=tcp"}, Username: "u", Credential: "p"},
		Proxy:     &connectivity.Proxy{Kind: connectivity.ProxySOCKS5, Host: "127.0.0.1", Port: port},
	}, params)
	require.NoError(t, err)
	// Cleanups run in reverse, so the stalled dial is released before Close
	// waits for gathering to stop.
	t.Cleanup(func() { _ = s.Close() })
	t.Cleanup(release)

	type result struct {
		sdp string
		err error
	}
	done := make(chan result, 1)
	go func() {
		sdp, err := s.CreateAnswer(context.Background(), offer)
		done <- result{sdp, err}
	}()

	var res result
	require.Eventually(t, func() bool {
		mock.Add(params.gatherTimeout)
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, res.err)
	assert.True(t, strings.HasPrefix(res.sdp, "v=0"))
	assertNoSecondComponent(t, res.sdp)
	assert.Equal(t, RoleAnswerer, s.Role())
}

func TestDescribePath(t *testing.T) {
	host := func(a string) candidateInfo { return candidateInfo{typ: webrtc.ICECandidateTypeHost, addr: a} }
	srflx := func(a string) candidateInfo { return candidateInfo{typ: webrtc.ICECandidateTypeSrflx, addr: a} }
	relay := func(a string) candidateInfo { return candidateInfo{typ: webrtc.ICECandidateTypeRelay, addr: a} }

	assert.Equal(t, "TURN relay (our: 203.0.113.5:60000)", describePath(relay("203.0.113.5:60000"), host("192.0.2.1:1")))
	assert.Equal(t, "TURN relay (peer: 203.0.113.9:3478)", describePath(srflx("198.51.100.1:2"), relay("203.0.113.9:3478")))
	assert.Equal(t, "P2P (NAT hole-punching)", describePath(srflx("a"), srflx("b")))
	assert.Equal(t, "P2P (direct)", describePath(host("a"), host("b")))
	assert.Equal(t, "P2P (host → srflx)", describePath(host("a"), srflx("b")))
}

func TestCandidateListSortsAndDedups(t *testing.T) {
	got := candidateList(map[string]candidateInfo{
		"b": {typ: webrtc.ICECandidateTypeHost, addr: "192.0.2.2:5000"},
		"a": {typ: webrtc.ICECandidateTypeHost, addr: "192.0.2.1:5000"},
		"c": {typ: webrtc.ICECandidateTypeHost, addr: "192.0.2.1:5000"},
	})
	assert.Equal(t, []string{"192.0.2.1:5000 (host)", "192.0.2.2:5000 (host)"}, got)
}

// Two real engines on loopback: the service session offers, a simulated
// peer answers, and connectivity checks start.
func TestSessionEndToEndOnLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("starts real engines")
	}
	ctx := context.Background()
	bridge := &fakeBridge{}
	cfg := config.Default()
	srv, err := NewServer(
		shared.NewNopLogger(),
		cfg,
		WithBridge(bridge),
		WithDefaultRelay(connectivity.RelayServer{}),
		WithLoopbackCandidates(true),
		WithExitFunc(func(int) {}),
	)
	require.NoError(t, err)
	defer func() { _ = srv.CloseAllSessions() }()

	require.NoError(t, srv.CreateSession(ctx, "s1", "peer@example", SessionConfig{}))
	offer, err := srv.CreateOffer(ctx, "s1")
	require.NoError(t, err)
	summary, err := SummarizeSDP(offer)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Media)
	assertNoSecondComponent(t, offer)

	peer := newTestSession(t, "peer", SessionConfig{}, &fakeBridge{})
	answer, err := peer.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	assertNoSecondComponent(t, answer)
	assert.Equal(t, RoleAnswerer, peer.Role())

	events, ok := srv.Events("s1")
	require.True(t, ok)
	go func() {
		for ev := range events {
			if ev.Kind == EventKindICECandidate {
				_ = peer.AddICECandidate(webrtc.ICECandidateInit{Candidate: ev.Candidate.Candidate})
			}
		}
	}()

	require.NoError(t, srv.SetRemoteDescription(ctx, "s1", answer, "answer"))
	require.Eventually(t, func() bool {
		return srv.GetStats(ctx, "s1").ICEConnectionState != webrtc.ICEConnectionStateNew.String()
	}, 10*time.Second, 50*time.Millisecond)

	stats := srv.GetStats(ctx, "s1")
	assert.Equal(t, webrtc.SignalingStateStable.String(), stats.SignalingState)
	assert.NotEmpty(t, stats.ConnectionType)

	require.NoError(t, srv.EndSession(ctx, "s1"))
	assert.Equal(t, Stats{}, srv.GetStats(ctx, "s1"))
}
