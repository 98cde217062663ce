package media

import "github.com/sebas/gateway/internal/gatewayerr"

// RTP payload types for the codecs the gateway negotiates. PCMU/PCMA use
// their static RFC 3551 numbers; Opus, VP8 and H.264 use fixed numbers
// from the dynamic range. The gateway never transcodes, so only the type
// numbers and names are needed here; no G.711 codec package is imported.
const (
	PayloadTypePCMU = 0
	PayloadTypePCMA = 8
	PayloadTypeOpus = 111
	PayloadTypeVP8  = 96
	PayloadTypeH264 = 102
)

// DefaultCapabilities is the codec set a freshly-created Router advertises.
// OPUS, PCMU, and PCMA are mandatory per the worker pool's configuration
// contract; VP8 and H.264 are offered whenever the operator's codec list
// includes them.
func DefaultCapabilities(codecs []string) RTPCapabilities {
	if len(codecs) == 0 {
		codecs = []string{"opus", "pcmu", "pcma"}
	}

	caps := RTPCapabilities{}
	for _, name := range codecs {
		if c, ok := codecByName[name]; ok {
			caps.Codecs = append(caps.Codecs, c)
		}
	}
	return caps
}

var codecByName = map[string]RTPCodecCapability{
	"opus": {Kind: KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: PayloadTypeOpus},
	"pcmu": {Kind: KindAudio, MimeType: "audio/PCMU", ClockRate: 8000, Channels: 1, PayloadType: PayloadTypePCMU},
	"pcma": {Kind: KindAudio, MimeType: "audio/PCMA", ClockRate: 8000, Channels: 1, PayloadType: PayloadTypePCMA},
	"vp8":  {Kind: KindVideo, MimeType: "video/VP8", ClockRate: 90000, PayloadType: PayloadTypeVP8},
	"h264": {Kind: KindVideo, MimeType: "video/H264", ClockRate: 90000, PayloadType: PayloadTypeH264},
}

// ValidateCodecList fails codec-unsupported if the operator configured a
// codec name that isn't one of the ones the gateway knows how to advertise,
// and fails if any of the three mandatory audio codecs (opus, pcmu, pcma)
// is missing.
func ValidateCodecList(codecs []string) error {
	haveOpus, havePCMU, havePCMA := false, false, false
	for _, name := range codecs {
		if _, ok := codecByName[name]; !ok {
			return gatewayerr.Newf(gatewayerr.CodeCodecUnsupported, "unknown codec %q", name)
		}
		switch name {
		case "opus":
			haveOpus = true
		case "pcmu":
			havePCMU = true
		case "pcma":
			havePCMA = true
		}
	}
	if !haveOpus || !havePCMU || !havePCMA {
		return gatewayerr.New(gatewayerr.CodeCodecUnsupported, "opus, pcmu, and pcma are mandatory codecs")
	}
	return nil
}

// canConsume reports whether a consumer whose client advertises caps can
// receive the producer's negotiated parameters: the client must list the
// producer's MIME type among its supported codecs.
func canConsume(caps RTPCapabilities, producerParams RTPParameters) bool {
	for _, c := range caps.Codecs {
		if c.MimeType == producerParams.MimeType {
			return true
		}
	}
	return false
}
