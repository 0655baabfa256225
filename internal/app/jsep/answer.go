// Package jsep builds SDP answers for the conference roles.
package jsep

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/pion/sdp/v3"
)

// DefaultVideoCodecs is the video preference order.
var DefaultVideoCodecs = []string{"H264", "VP8"}

// Credentials are the local ICE/DTLS parameters placed in every answer.
type Credentials struct {
	Ufrag                string
	Pwd                  string
	FingerprintAlgorithm string
	Fingerprint          string
}

// Answerer turns an offer into an answer that keeps Opus audio and the
// preferred video codec, with direction chosen by role.
type Answerer struct {
	VideoCodecs []string
}

func NewAnswerer(videoCodecs []string) *Answerer {
	if len(videoCodecs) == 0 {
		videoCodecs = DefaultVideoCodecs
	}
	return &Answerer{VideoCodecs: videoCodecs}
}

// Answer builds the answer. An empty want mirrors the offer direction.
func (a *Answerer) Answer(creds Credentials, offerSDP string, want core.Direction) (string, error) {
	var offer sdp.SessionDescription
	if err := offer.Unmarshal([]byte(offerSDP)); err != nil {
		return "", domain.BadRequest("invalid offer sdp: %v", err)
	}
	if len(offer.MediaDescriptions) == 0 {
		return "", domain.BadRequest("offer has no media sections")
	}

	answer, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", fmt.Errorf("new session description: %w", err)
	}

	accepted := make([]string, 0, len(offer.MediaDescriptions))
	for i, md := range offer.MediaDescriptions {
		mid, ok := md.Attribute("mid")
		if !ok {
			mid = strconv.Itoa(i)
		}
		ans, ok := a.answerMedia(&offer, md, mid, creds, want)
		if ok {
			accepted = append(accepted, mid)
		}
		answer.WithMedia(ans)
	}
	if _, ok := offer.Attribute("group"); ok && len(accepted) > 0 {
		answer.WithValueAttribute("group", "BUNDLE "+strings.Join(accepted, " "))
	}

	out, err := answer.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal answer: %w", err)
	}
	return string(out), nil
}

func (a *Answerer) answerMedia(
	offer *sdp.SessionDescription,
	md *sdp.MediaDescription,
	mid string,
	creds Credentials,
	want core.Direction,
) (*sdp.MediaDescription, bool) {
	kind := md.MediaName.Media
	ans := sdp.NewJSEPMediaDescription(kind, nil)
	ans.MediaName.Protos = md.MediaName.Protos

	codec, ok := a.pickCodec(offer, md)
	if !ok {
		ans.MediaName.Port = sdp.RangedPort{Value: 0}
		if len(md.MediaName.Formats) > 0 {
			ans.MediaName.Formats = md.MediaName.Formats[:1]
		}
		ans.WithValueAttribute("mid", mid)
		ans.WithPropertyAttribute(string(core.DirectionInactive))
		return ans, false
	}

	channels := uint16(0)
	if n, err := strconv.ParseUint(codec.EncodingParameters, 10, 16); err == nil {
		channels = uint16(n)
	}
	ans.WithCodec(codec.PayloadType, codec.Name, codec.ClockRate, channels, codec.Fmtp)
	for _, fb := range codec.RTCPFeedback {
		ans.WithValueAttribute("rtcp-fb", fmt.Sprintf("%d %s", codec.PayloadType, fb))
	}
	ans.WithValueAttribute("mid", mid)
	ans.WithICECredentials(creds.Ufrag, creds.Pwd)
	if creds.Fingerprint != "" {
		ans.WithFingerprint(creds.FingerprintAlgorithm, creds.Fingerprint)
	}
	ans.WithValueAttribute("setup", "active")
	ans.WithPropertyAttribute("rtcp-mux")
	ans.WithPropertyAttribute(string(negotiateDirection(offerDirection(md), want)))
	return ans, true
}

func (a *Answerer) pickCodec(offer *sdp.SessionDescription, md *sdp.MediaDescription) (sdp.Codec, bool) {
	var codecs []sdp.Codec
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		c, err := offer.GetCodecForPayloadType(uint8(pt))
		if err != nil {
			continue
		}
		codecs = append(codecs, c)
	}

	switch md.MediaName.Media {
	case "audio":
		for _, c := range codecs {
			if strings.EqualFold(c.Name, "opus") {
				return c, true
			}
		}
	case "video":
		for _, name := range a.VideoCodecs {
			if strings.EqualFold(name, "H264") {
				if c, ok := pickH264(codecs); ok {
					return c, true
				}
				continue
			}
			for _, c := range codecs {
				if strings.EqualFold(c.Name, name) {
					return c, true
				}
			}
		}
	}
	return sdp.Codec{}, false
}

// pickH264 prefers packetization-mode=1.
func pickH264(codecs []sdp.Codec) (sdp.Codec, bool) {
	var fallback *sdp.Codec
	for i, c := range codecs {
		if !strings.EqualFold(c.Name, "H264") {
			continue
		}
		if strings.Contains(c.Fmtp, "packetization-mode=1") {
			return c, true
		}
		if fallback == nil {
			fallback = &codecs[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return sdp.Codec{}, false
}

func offerDirection(md *sdp.MediaDescription) core.Direction {
	for _, d := range []core.Direction{core.DirectionSendOnly, core.DirectionRecvOnly, core.DirectionInactive, core.DirectionSendRecv} {
		if _, ok := md.Attribute(string(d)); ok {
			return d
		}
	}
	return core.DirectionSendRecv
}

func negotiateDirection(offer, want core.Direction) core.Direction {
	switch want {
	case core.DirectionRecvOnly:
		if offer == core.DirectionSendRecv || offer == core.DirectionSendOnly {
			return core.DirectionRecvOnly
		}
		return core.DirectionInactive
	case core.DirectionSendOnly:
		if offer == core.DirectionSendRecv || offer == core.DirectionRecvOnly {
			return core.DirectionSendOnly
		}
		return core.DirectionInactive
	case core.DirectionInactive:
		return core.DirectionInactive
	}
	switch offer {
	case core.DirectionSendOnly:
		return core.DirectionRecvOnly
	case core.DirectionRecvOnly:
		return core.DirectionSendOnly
	case core.DirectionInactive:
		return core.DirectionInactive
	default:
		return core.DirectionSendRecv
	}
}
