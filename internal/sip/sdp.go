package sip

import (
	"fmt"

	"github.com/pion/sdp/v3"

	"github.com/sebas/gateway/internal/gatewayerr"
)

// rtpmapByPayload mirrors internal/media's payload-type table for the
// audio codecs a SIP leg ever offers or answers. The gateway's SIP leg
// never transcodes. PCMU/PCMA use their static RFC 3551 numbers and OPUS
// the dynamic number 111; buildSDP writes an rtpmap line for each of them.
var rtpmapByPayload = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"111": "opus/48000/2",
}

// remoteMedia is what the gateway needs out of a peer's SDP: where to send
// RTP and which payload types it is willing to receive.
type remoteMedia struct {
	Addr    string
	Port    int
	Formats []string
}

// buildOffer constructs an audio-only SDP offer advertising localAddr:
// localPort and the given codecs (by internal/media codec name, e.g.
// "pcmu", "opus"), in order of preference.
func buildOffer(localAddr string, localPort int, codecs []string) ([]byte, error) {
	return buildSDP(localAddr, localPort, payloadTypesFor(codecs), "sendrecv")
}

// buildAnswer constructs the SDP answer for answer_call: audio-only,
// sendrecv unless hold is active, restricted to the single payload type
// both sides agreed on.
func buildAnswer(localAddr string, localPort int, payloadType string, dir HoldDirection) ([]byte, error) {
	return buildSDP(localAddr, localPort, []string{payloadType}, dir.sdpAttribute())
}

func buildSDP(addr string, port int, formats []string, direction string) ([]byte, error) {
	if len(formats) == 0 {
		return nil, gatewayerr.New(gatewayerr.CodeCodecUnsupported, "no codecs to offer")
	}

	attrs := make([]sdp.Attribute, 0, len(formats)+2)
	for _, f := range formats {
		if rtpmap, ok := rtpmapByPayload[f]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + rtpmap})
		}
	}
	attrs = append(attrs, sdp.Attribute{Key: "rtcp-mux"})
	attrs = append(attrs, sdp.Attribute{Key: direction})

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "gateway",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "gateway-call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("sip: marshal sdp: %w", err)
	}
	return body, nil
}

// parseRemoteMedia extracts the first audio media's endpoint and formats
// from a peer's SDP body.
func parseRemoteMedia(body []byte) (*remoteMedia, error) {
	if len(body) == 0 {
		return nil, gatewayerr.New(gatewayerr.CodeInternal, "sip: response carries no SDP")
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("sip: parse sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, gatewayerr.New(gatewayerr.CodeInternal, "sip: sdp has no media descriptions")
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, gatewayerr.New(gatewayerr.CodeCodecUnsupported, "sip: sdp has no audio media")
	}

	addr := ""
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		addr = audio.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}
	if addr == "" {
		return nil, gatewayerr.New(gatewayerr.CodeInternal, "sip: sdp carries no connection address")
	}

	return &remoteMedia{
		Addr:    addr,
		Port:    audio.MediaName.Port.Value,
		Formats: audio.MediaName.Formats,
	}, nil
}

// payloadTypesFor converts internal/media codec names into their SDP
// payload-type strings, preserving order, skipping names with no static
// mapping here (video is never offered on the SIP leg).
func payloadTypesFor(codecs []string) []string {
	out := make([]string, 0, len(codecs))
	for _, name := range codecs {
		switch name {
		case "pcmu":
			out = append(out, "0")
		case "pcma":
			out = append(out, "8")
		case "opus":
			out = append(out, "111")
		}
	}
	return out
}

// HoldDirection is the SDP media direction attribute a re-INVITE carries,
// matching hold/unhold's effect on the session per spec §4.4.
type HoldDirection int

const (
	DirectionSendRecv HoldDirection = iota
	DirectionSendOnly
)

func (d HoldDirection) sdpAttribute() string {
	if d == DirectionSendOnly {
		return "sendonly"
	}
	return "sendrecv"
}
