package shared

import "errors"

var (
	ErrNoLogger            = errors.New("no logger provided")
	ErrInvalidConfig       = errors.New("invalid config")
	ErrNoBridge            = errors.New("no audio bridge provided")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionClosed       = errors.New("session closed")
	ErrInvalidSDPType      = errors.New("invalid SDP type")
	ErrNoAudioTrack        = errors.New("no audio track")
	ErrUnsupportedProxy    = errors.New("unsupported proxy type")
	ErrTunnelRejected      = errors.New("proxy rejected tunnel")
	ErrInvalidLogLevel     = errors.New("invalid log level")
	ErrEnvRequired         = errors.New("required environment variable not set")
	ErrDeviceNotFound      = errors.New("audio device not found")
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrNoLocalDescription  = errors.New("local description not set")
	ErrNoService           = errors.New("no service provided")
)
