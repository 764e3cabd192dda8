package call

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"go.uber.org/zap"
)

// StripSecondComponent removes component-2 candidate lines from every audio
// media section. With RTCP multiplexed onto RTP only component 1 is valid,
// yet the engine may still advertise a second one.
func StripSecondComponent(raw string) (string, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parsing session description: %w", err)
	}
	stripped := 0
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		kept := m.Attributes[:0]
		for _, a := range m.Attributes {
			if a.Key == sdp.AttrKeyCandidate && candidateComponent(a.Value) == "2" {
				stripped++
				continue
			}
			kept = append(kept, a)
		}
		m.Attributes = kept
	}
	if stripped == 0 {
		return raw, nil
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("serializing session description: %w", err)
	}
	return string(out), nil
}

// candidateComponent returns the component ID of a candidate attribute
// value, with or without the "candidate:" prefix.
func candidateComponent(value string) string {
	fields := strings.Fields(strings.TrimPrefix(value, "candidate:"))
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// SDPSummary is what gets logged about every description produced or consumed.
type SDPSummary struct {
	Media          int
	Audio          int
	Candidates     int
	ICECredentials bool
}

func (s SDPSummary) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("mediaSections", s.Media),
		zap.Int("audioSections", s.Audio),
		zap.Int("candidates", s.Candidates),
		zap.Bool("iceCredentials", s.ICECredentials),
	}
}

func SummarizeSDP(raw string) (SDPSummary, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return SDPSummary{}, fmt.Errorf("parsing session description: %w", err)
	}
	_, sessionUfrag := desc.Attribute("ice-ufrag")
	_, sessionPwd := desc.Attribute("ice-pwd")
	s := SDPSummary{
		Media:          len(desc.MediaDescriptions),
		ICECredentials: sessionUfrag && sessionPwd,
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			s.Audio++
		}
		ufrag, pwd := sessionUfrag, sessionPwd
		for _, a := range m.Attributes {
			switch a.Key {
			case sdp.AttrKeyCandidate:
				s.Candidates++
			case "ice-ufrag":
				ufrag = true
			case "ice-pwd":
				pwd = true
			}
		}
		if ufrag && pwd {
			s.ICECredentials = true
		}
	}
	return s, nil
}
