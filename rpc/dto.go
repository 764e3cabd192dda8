package rpc

import (
	"github.com/pion/webrtc/v4"
	call "github.com/siproxylin/drunk-call-service"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/siproxylin/drunk-call-service/connectivity"
)

// Route names, served as POST /v1/<name>.
const (
	OpCreateSession        = "CreateSession"
	OpCreateOffer          = "CreateOffer"
	OpCreateAnswer         = "CreateAnswer"
	OpSetRemoteDescription = "SetRemoteDescription"
	OpAddICECandidate      = "AddICECandidate"
	OpSetMute              = "SetMute"
	OpGetStats             = "GetStats"
	OpEndSession           = "EndSession"
	OpListAudioDevices     = "ListAudioDevices"
	OpStreamEvents         = "StreamEvents"
	OpHeartbeat            = "Heartbeat"
	OpShutdown             = "Shutdown"
)

// CreateSessionRequest is flat, the way the signaling layer sends it. An
// empty proxy host means no proxy, an empty turn server the default relay.
type CreateSessionRequest struct {
	SessionID             string `json:"session_id"`
	PeerJID               string `json:"peer_jid"`
	MicrophoneDevice      string `json:"microphone_device,omitempty"`
	SpeakersDevice        string `json:"speakers_device,omitempty"`
	ProxyType             string `json:"proxy_type,omitempty"`
	ProxyHost             string `json:"proxy_host,omitempty"`
	ProxyPort             int    `json:"proxy_port,omitempty"`
	ProxyUsername         string `json:"proxy_username,omitempty"`
	ProxyPassword         string `json:"proxy_password,omitempty"`
	TurnServer            string `json:"turn_server,omitempty"`
	TurnUsername          string `json:"turn_username,omitempty"`
	TurnPassword          string `json:"turn_password,omitempty"`
	RelayOnly             bool   `json:"relay_only,omitempty"`
	EchoCancel            bool   `json:"echo_cancel,omitempty"`
	EchoSuppressionLevel  int32  `json:"echo_suppression_level,omitempty"`
	NoiseSuppression      bool   `json:"noise_suppression,omitempty"`
	NoiseSuppressionLevel int32  `json:"noise_suppression_level,omitempty"`
	GainControl           bool   `json:"gain_control,omitempty"`
}

// SessionConfig converts the request. Only the proxy kind can be invalid.
func (r *CreateSessionRequest) SessionConfig() (call.SessionConfig, error) {
	cfg := call.SessionConfig{
		MicrophoneDevice: r.MicrophoneDevice,
		SpeakersDevice:   r.SpeakersDevice,
		RelayOnly:        r.RelayOnly,
		Processing: audio.Processing{
			EchoCancel:            r.EchoCancel,
			EchoSuppressionLevel:  audio.Level(r.EchoSuppressionLevel),
			NoiseSuppression:      r.NoiseSuppression,
			NoiseSuppressionLevel: audio.Level(r.NoiseSuppressionLevel),
			GainControl:           r.GainControl,
		}.Normalized(),
	}
	if r.ProxyHost != "" && r.ProxyPort > 0 {
		kind, err := connectivity.ParseProxyKind(r.ProxyType)
		if err != nil {
			return cfg, err
		}
		cfg.Proxy = &connectivity.Proxy{
			Kind:     kind,
			Host:     r.ProxyHost,
			Port:     r.ProxyPort,
			Username: r.ProxyUsername,
			Password: r.ProxyPassword,
		}
	}
	if r.TurnServer != "" {
		cfg.Relay = &connectivity.RelayServer{
			URLs:       []string{r.TurnServer},
			Username:   r.TurnUsername,
			Credential: r.TurnPassword,
		}
	}
	return cfg, nil
}

type CreateSessionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type CreateAnswerRequest struct {
	SessionID string `json:"session_id"`
	RemoteSDP string `json:"remote_sdp"`
}

type SetRemoteDescriptionRequest struct {
	SessionID string `json:"session_id"`
	RemoteSDP string `json:"remote_sdp"`
	SDPType   string `json:"sdp_type"`
}

type AddICECandidateRequest struct {
	SessionID     string  `json:"session_id"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

func (r *AddICECandidateRequest) Init() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     r.Candidate,
		SDPMid:        r.SDPMid,
		SDPMLineIndex: r.SDPMLineIndex,
	}
}

type SetMuteRequest struct {
	SessionID string `json:"session_id"`
	Muted     bool   `json:"muted"`
}

type SDPResponse struct {
	SDP   string `json:"sdp"`
	Error string `json:"error,omitempty"`
}

// ErrorResponse answers operations that return nothing but an error.
type ErrorResponse struct {
	Error string `json:"error,omitempty"`
}

type StatsResponse struct {
	ConnectionState    string   `json:"connection_state"`
	ICEConnectionState string   `json:"ice_connection_state"`
	ICEGatheringState  string   `json:"ice_gathering_state"`
	SignalingState     string   `json:"signaling_state"`
	BytesSent          uint64   `json:"bytes_sent"`
	BytesReceived      uint64   `json:"bytes_received"`
	BandwidthKbps      int64    `json:"bandwidth_kbps"`
	LocalCandidates    []string `json:"local_candidates"`
	RemoteCandidates   []string `json:"remote_candidates"`
	ConnectionType     string   `json:"connection_type"`
}

func newStatsResponse(s call.Stats) StatsResponse {
	return StatsResponse{
		ConnectionState:    s.ConnectionState,
		ICEConnectionState: s.ICEConnectionState,
		ICEGatheringState:  s.ICEGatheringState,
		SignalingState:     s.SignalingState,
		BytesSent:          s.BytesSent,
		BytesReceived:      s.BytesReceived,
		BandwidthKbps:      s.BandwidthKbps,
		LocalCandidates:    nonNil(s.LocalCandidates),
		RemoteCandidates:   nonNil(s.RemoteCandidates),
		ConnectionType:     s.ConnectionType,
	}
}

func (r StatsResponse) Stats() call.Stats {
	return call.Stats{
		ConnectionState:    r.ConnectionState,
		ICEConnectionState: r.ICEConnectionState,
		ICEGatheringState:  r.ICEGatheringState,
		SignalingState:     r.SignalingState,
		BytesSent:          r.BytesSent,
		BytesReceived:      r.BytesReceived,
		BandwidthKbps:      r.BandwidthKbps,
		LocalCandidates:    r.LocalCandidates,
		RemoteCandidates:   r.RemoteCandidates,
		ConnectionType:     r.ConnectionType,
	}
}

type AudioDevice struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	DeviceClass string `json:"device_class"`
	IsDefault   bool   `json:"is_default,omitempty"`
}

func newAudioDevices(devices []audio.Device) []AudioDevice {
	out := make([]AudioDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, AudioDevice{
			Name:        d.Name,
			Description: d.Description,
			DeviceClass: d.Class,
			IsDefault:   d.IsDefault,
		})
	}
	return out
}

func (d AudioDevice) Device() audio.Device {
	return audio.Device{Name: d.Name, Description: d.Description, Class: d.DeviceClass, IsDefault: d.IsDefault}
}

type ListAudioDevicesResponse struct {
	Devices []AudioDevice `json:"devices"`
	Error   string        `json:"error,omitempty"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
