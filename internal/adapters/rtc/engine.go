package rtc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/conference/internal/app/sfu"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	CodecVP8  = "vp8"
	CodecH264 = "h264"
)

// maxPendingCandidates bounds the candidates kept for a handle whose offer
// has not been applied yet.
const maxPendingCandidates = 64

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

var opus = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	},
	PayloadType: 111,
}

func videoCodec(name string) (webrtc.RTPCodecParameters, error) {
	switch strings.ToLower(name) {
	case "", CodecVP8:
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 96,
		}, nil
	case CodecH264:
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 102,
		}, nil
	}
	return webrtc.RTPCodecParameters{}, fmt.Errorf("unsupported video codec %q", name)
}

type Options struct {
	ICEServers []string
	VideoCodec string
}

// Engine is the PeerConnection media engine. Writers feed the relays of
// their stream; readers get one local track per kind fed by the relay.
type Engine struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	video  webrtc.RTPCodecCapability
	relays *sfu.RelayManager
	ctx    context.Context
	stop   context.CancelFunc

	mu       sync.Mutex
	conns    map[domain.HandleID]*Connection
	pending  map[domain.HandleID][]webrtc.ICECandidateInit
	onLocal  func(domain.HandleID, core.Candidate)
	onHangup func(domain.HandleID)
	onReady  func(domain.HandleID)
}

func NewEngine(opts Options, relays *sfu.RelayManager) (*Engine, error) {
	video, err := videoCodec(opts.VideoCodec)
	if err != nil {
		return nil, err
	}
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(opus, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	if err := me.RegisterCodec(video, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register %s: %w", video.MimeType, err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir)),
		cfg:     DefaultWebRTCConfig(opts.ICEServers),
		video:   video.RTPCodecCapability,
		relays:  relays,
		ctx:     ctx,
		stop:    stop,
		conns:   make(map[domain.HandleID]*Connection),
		pending: make(map[domain.HandleID][]webrtc.ICECandidateInit),
	}, nil
}

// OnHangup sets the callback fired when a peer goes away on its own.
func (e *Engine) OnHangup(fn func(domain.HandleID)) {
	e.mu.Lock()
	e.onHangup = fn
	e.mu.Unlock()
}

// OnReady sets the callback fired when a handle's media path is up.
func (e *Engine) OnReady(fn func(domain.HandleID)) {
	e.mu.Lock()
	e.onReady = fn
	e.mu.Unlock()
}

func (e *Engine) OnLocalCandidate(fn func(domain.HandleID, core.Candidate)) {
	e.mu.Lock()
	e.onLocal = fn
	e.mu.Unlock()
}

// Negotiate defers the answer of a handle without a role: the
// PeerConnection is built once the handle writes or reads a stream.
func (e *Engine) Negotiate(ctx context.Context, n core.Negotiation) (string, error) {
	if n.Role == domain.RoleNone {
		return "", nil
	}
	c, fresh, err := e.connection(n)
	if err != nil {
		return "", fmt.Errorf("peer connection: %w", err)
	}
	answer, err := c.ApplyOffer(ctx, n.Offer)
	if err != nil {
		if fresh {
			e.drop(n.Handle, c)
		}
		return "", err
	}
	e.flushPending(n.Handle, c)
	log.Debug().Str("module", "rtc").Str("handle_id", string(n.Handle)).Str("stream_id", string(n.Stream)).
		Str("role", n.Role.String()).Msg("answer built")
	return answer, nil
}

// connection returns the handle's PeerConnection for the role, replacing one
// built for another stream or role.
func (e *Engine) connection(n core.Negotiation) (*Connection, bool, error) {
	e.mu.Lock()
	old, ok := e.conns[n.Handle]
	if ok && old.stream == n.Stream && old.role == n.Role {
		e.mu.Unlock()
		return old, false, nil
	}
	delete(e.conns, n.Handle)
	e.mu.Unlock()
	if ok {
		e.release(old)
	}

	c, err := newConnection(e.api, e.cfg, n.Handle, n.Stream, n.Role)
	if err != nil {
		return nil, false, err
	}
	h := n.Handle
	c.OnICECandidate(func(cand *webrtc.ICECandidate) { e.local(h, cand) })
	c.OnClosed(func() { e.hangup(h, c) })
	c.OnReady(func() {
		e.mu.Lock()
		fn := e.onReady
		e.mu.Unlock()
		if fn != nil {
			fn(h)
		}
	})

	switch n.Role {
	case domain.RoleWriter:
		c.OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			e.relays.StartRelay(ctx, n.Stream, h, track, c)
		})
	case domain.RoleReader:
		if err := e.addReaderTracks(c); err != nil {
			c.Close()
			return nil, false, err
		}
	}
	c.Start(e.ctx)

	e.mu.Lock()
	e.conns[h] = c
	e.mu.Unlock()
	return c, true, nil
}

func (e *Engine) addReaderTracks(c *Connection) error {
	for kind, capability := range map[webrtc.RTPCodecType]webrtc.RTPCodecCapability{
		webrtc.RTPCodecTypeAudio: opus.RTPCodecCapability,
		webrtc.RTPCodecTypeVideo: e.video,
	} {
		track, err := webrtc.NewTrackLocalStaticRTP(capability, kind.String(), string(c.stream))
		if err != nil {
			return fmt.Errorf("%s track: %w", kind, err)
		}
		sender, err := c.AddLocalTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		e.relays.AddSubscriber(c.stream, c.handle, kind, track)
		go e.readRTCP(sender, c.stream)
	}
	return nil
}

// readRTCP drains reader feedback and turns keyframe requests into PLIs
// towards the writer.
func (e *Engine) readRTCP(sender *webrtc.RTPSender, stream domain.StreamID) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				e.relays.RequestKeyframe(stream)
			}
		}
	}
}

func (e *Engine) AddICECandidate(h domain.HandleID, c core.Candidate) error {
	if c.Candidate != "" && !strings.HasPrefix(strings.TrimPrefix(c.Candidate, "a="), "candidate:") {
		return domain.BadRequest("malformed candidate %q", c.Candidate)
	}
	if c.Completed || c.Candidate == "" {
		return nil
	}
	ci := webrtc.ICECandidateInit{
		Candidate:     strings.TrimPrefix(c.Candidate, "a="),
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}

	e.mu.Lock()
	conn, ok := e.conns[h]
	if !ok || !conn.HasRemote() {
		if len(e.pending[h]) < maxPendingCandidates {
			e.pending[h] = append(e.pending[h], ci)
		}
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := conn.AddICECandidate(ci); err != nil {
		return domain.BadRequest("add candidate: %v", err)
	}
	return nil
}

func (e *Engine) flushPending(h domain.HandleID, c *Connection) {
	e.mu.Lock()
	pending := e.pending[h]
	delete(e.pending, h)
	e.mu.Unlock()
	for _, ci := range pending {
		if err := c.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("handle_id", string(h)).Msg("buffered candidate rejected")
		}
	}
}

func (e *Engine) local(h domain.HandleID, cand *webrtc.ICECandidate) {
	e.mu.Lock()
	fn := e.onLocal
	e.mu.Unlock()
	if fn == nil {
		return
	}
	if cand == nil {
		fn(h, core.Candidate{Completed: true})
		return
	}
	ci := cand.ToJSON()
	fn(h, core.Candidate{Candidate: ci.Candidate, SDPMid: ci.SDPMid, SDPMLineIndex: ci.SDPMLineIndex})
}

func (e *Engine) hangup(h domain.HandleID, c *Connection) {
	e.mu.Lock()
	cur, ok := e.conns[h]
	if !ok || cur != c {
		e.mu.Unlock()
		return
	}
	delete(e.conns, h)
	fn := e.onHangup
	e.mu.Unlock()

	go c.Close()
	if fn != nil {
		fn(h)
	}
}

func (e *Engine) drop(h domain.HandleID, c *Connection) {
	e.mu.Lock()
	if cur, ok := e.conns[h]; ok && cur == c {
		delete(e.conns, h)
	}
	e.mu.Unlock()
	e.release(c)
}

// release closes c and detaches it from the relays it feeds.
func (e *Engine) release(c *Connection) {
	if c.role == domain.RoleReader {
		e.relays.MarkSubscriberDelete(c.stream, c.handle)
	}
	c.Close()
}

func (e *Engine) Close(h domain.HandleID) {
	e.mu.Lock()
	c, ok := e.conns[h]
	delete(e.conns, h)
	delete(e.pending, h)
	e.mu.Unlock()
	if ok {
		e.release(c)
	}
}

// Shutdown closes every PeerConnection.
func (e *Engine) Shutdown() {
	e.stop()
	e.mu.Lock()
	conns := make([]*Connection, 0, len(e.conns))
	for h, c := range e.conns {
		conns = append(conns, c)
		delete(e.conns, h)
	}
	e.mu.Unlock()
	for _, c := range conns {
		e.release(c)
	}
}

// Connections returns the number of live PeerConnections.
func (e *Engine) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}
