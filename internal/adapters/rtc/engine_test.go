package rtc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/conference/internal/app/sfu"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func clientOffer(t *testing.T, dir webrtc.RTPTransceiverDirection) string {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: dir})
		require.NoError(t, err)
	}
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	return offer.SDP
}

func newTestEngine(t *testing.T) (*Engine, *sfu.RelayManager) {
	t.Helper()
	relays := sfu.NewRelayManager(nil)
	e, err := NewEngine(Options{VideoCodec: CodecVP8}, relays)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e, relays
}

func negotiate(t *testing.T, e *Engine, h domain.HandleID, role domain.Role, offer string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Negotiate(ctx, core.Negotiation{
		Handle:    h,
		Stream:    "s1",
		Role:      role,
		Direction: core.DirectionFor(role),
		Offer:     offer,
	})
}

func TestEngineDefersWithoutRole(t *testing.T) {
	e, _ := newTestEngine(t)
	answer, err := negotiate(t, e, "h1", domain.RoleNone, clientOffer(t, webrtc.RTPTransceiverDirectionSendrecv))
	require.NoError(t, err)
	require.Empty(t, answer)
	require.Zero(t, e.Connections())
}

func TestEngineWriterAnswer(t *testing.T) {
	e, _ := newTestEngine(t)
	answer, err := negotiate(t, e, "w", domain.RoleWriter, clientOffer(t, webrtc.RTPTransceiverDirectionSendonly))
	require.NoError(t, err)
	require.Contains(t, answer, "a=recvonly")
	require.Contains(t, strings.ToLower(answer), "vp8")
	require.Equal(t, 1, e.Connections())

	e.Close("w")
	require.Zero(t, e.Connections())
}

func TestEngineReaderSubscribes(t *testing.T) {
	e, relays := newTestEngine(t)
	answer, err := negotiate(t, e, "r", domain.RoleReader, clientOffer(t, webrtc.RTPTransceiverDirectionRecvonly))
	require.NoError(t, err)
	require.Contains(t, answer, "a=sendonly")
	require.True(t, relays.HasRelay("s1"))
}

func TestEngineRejectsInvalidOffer(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := negotiate(t, e, "w", domain.RoleWriter, "garbage")
	require.Error(t, err)
	require.Zero(t, e.Connections())
}

func TestEngineCandidates(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.AddICECandidate("h1", core.Candidate{Candidate: "bogus"})
	require.ErrorIs(t, err, domain.BadRequest(""))

	require.NoError(t, e.AddICECandidate("h1", core.Candidate{Completed: true}))

	mid := "0"
	require.NoError(t, e.AddICECandidate("h1", core.Candidate{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host",
		SDPMid:    &mid,
	}))
	e.mu.Lock()
	require.Len(t, e.pending["h1"], 1)
	e.mu.Unlock()

	e.Close("h1")
	e.mu.Lock()
	require.Empty(t, e.pending["h1"])
	e.mu.Unlock()
}

func TestEngineLocalCandidates(t *testing.T) {
	e, _ := newTestEngine(t)
	got := make(chan core.Candidate, 256)
	e.OnLocalCandidate(func(h domain.HandleID, c core.Candidate) {
		if h == "w" {
			got <- c
		}
	})
	_, err := negotiate(t, e, "w", domain.RoleWriter, clientOffer(t, webrtc.RTPTransceiverDirectionSendonly))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for {
			select {
			case c := <-got:
				if c.Completed {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestVideoCodec(t *testing.T) {
	c, err := videoCodec("H264")
	require.NoError(t, err)
	require.Equal(t, webrtc.MimeTypeH264, c.MimeType)
	_, err = videoCodec("av1")
	require.Error(t, err)
}
