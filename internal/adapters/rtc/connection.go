// Package rtc is the PeerConnection media engine: one pion PeerConnection per
// handle, writer tracks fed into the sfu relays, reader tracks fed from them.
package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/conference/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Connection wraps the PeerConnection of one handle.
type Connection struct {
	pc     *webrtc.PeerConnection
	handle domain.HandleID
	stream domain.StreamID
	role   domain.Role
	cancel context.CancelFunc

	onICE    func(*webrtc.ICECandidate)
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed func()
	onReady  func()

	closeOnce sync.Once
	closing   sync.Once
}

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

func newConnection(api *webrtc.API, cfg webrtc.Configuration, h domain.HandleID, stream domain.StreamID, role domain.Role) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, handle: h, stream: stream, role: role}, nil
}

// Start installs the PeerConnection callbacks. The context is canceled when
// ICE is lost or the connection is closed.
func (c *Connection) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("handle_id", string(c.handle)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("handle_id", string(c.handle)).Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if c.onReady != nil {
				c.onReady()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.fireClosed()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if c.onICE != nil {
			c.onICE(cand)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("handle_id", string(c.handle)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", string(c.stream)).
			Msg("OnTrack received")
		if c.onTrack != nil {
			c.onTrack(ctx, track, receiver)
		}
	})
}

// ApplyOffer sets the remote offer and returns the local answer once ICE
// gathering is complete.
func (c *Connection) ApplyOffer(ctx context.Context, offer string) (string, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", domain.BadRequest("invalid offer: %v", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return c.pc.LocalDescription().SDP, nil
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// HasRemote reports whether an offer has been applied.
func (c *Connection) HasRemote() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) fireClosed() {
	c.closing.Do(func() {
		if c.onClosed != nil {
			c.onClosed()
		}
	})
}

// Close shuts the PeerConnection down without firing OnClosed.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closing.Do(func() {})
		if c.cancel != nil {
			c.cancel()
		}
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("handle_id", string(c.handle)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("handle_id", string(c.handle)).Msg("closed")
		}
	})
}

// OnICECandidate sets the callback for local candidates. A nil candidate
// means gathering is complete.
func (c *Connection) OnICECandidate(fn func(*webrtc.ICECandidate)) { c.onICE = fn }

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

// OnClosed is fired once when the peer goes away on its own.
func (c *Connection) OnClosed(fn func()) { c.onClosed = fn }

// OnReady is fired when the PeerConnection becomes connected.
func (c *Connection) OnReady(fn func()) { c.onReady = fn }

// AddLocalTrack attaches a local static RTP track to the PeerConnection.
func (c *Connection) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

// WriteRTCP sends feedback to the remote peer.
func (c *Connection) WriteRTCP(pkts []rtcp.Packet) error {
	return c.pc.WriteRTCP(pkts)
}
