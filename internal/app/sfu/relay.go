package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/conference/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// activityEvery throttles stream activity reports from the packet path.
const activityEvery = time.Second

// TrackSource is the receiving side of a writer track.
type TrackSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	SSRC() webrtc.SSRC
	Kind() webrtc.RTPCodecType
}

// RTCPWriter sends feedback to the writer.
type RTCPWriter interface {
	WriteRTCP([]rtcp.Packet) error
}

type source struct {
	src    TrackSource
	cancel context.CancelFunc
}

type subscriber struct {
	gating domain.Gating
	tracks map[webrtc.RTPCodecType]*OutTrack
}

// Relay fans the writer's tracks of one stream out to its readers.
type Relay struct {
	stream domain.StreamID

	mu           sync.RWMutex
	writer       domain.HandleID
	writerGating domain.Gating
	feedback     RTCPWriter
	sources      map[webrtc.RTPCodecType]*source
	readers      map[domain.HandleID]*subscriber

	lastActivity atomic.Int64
	onActivity   func(domain.StreamID)
}

func NewRelay(stream domain.StreamID, onActivity func(domain.StreamID)) *Relay {
	return &Relay{
		stream:       stream,
		writerGating: domain.DefaultGating(),
		sources:      make(map[webrtc.RTPCodecType]*source),
		readers:      make(map[domain.HandleID]*subscriber),
		onActivity:   onActivity,
	}
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, s *source, logger *zerolog.Logger) {
	kind := s.src.Kind()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done")
			return
		default:
		}
		pkt, _, err := s.src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay read RTP stopped")
			r.dropSource(kind, s)
			return
		}
		r.touch()
		r.forward(kind, pkt, logger)
	}
}

func (r *Relay) touch() {
	if r.onActivity == nil {
		return
	}
	now := time.Now().UnixNano()
	last := r.lastActivity.Load()
	if now-last < int64(activityEvery) || !r.lastActivity.CompareAndSwap(last, now) {
		return
	}
	r.onActivity(r.stream)
}

func allows(g domain.Gating, kind webrtc.RTPCodecType) bool {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return g.Audio
	case webrtc.RTPCodecTypeVideo:
		return g.Video
	}
	return false
}

func (r *Relay) forward(kind webrtc.RTPCodecType, pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	if !allows(r.writerGating, kind) {
		r.mu.RUnlock()
		return
	}
	snapshot := make(map[domain.HandleID]*OutTrack, len(r.readers))
	for h, sub := range r.readers {
		if ot, ok := sub.tracks[kind]; ok {
			snapshot[h] = ot
		}
	}
	r.mu.RUnlock()

	dirty := make([]domain.HandleID, 0, len(snapshot))
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst_handle", string(dst)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(kind, dirty)
	}
}

func (r *Relay) cleanupDeleted(kind webrtc.RTPCodecType, dirty []domain.HandleID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range dirty {
		if sub, ok := r.readers[h]; ok {
			if ot, ok := sub.tracks[kind]; ok && ot.GetState() == TrackStateDelete {
				delete(sub.tracks, kind)
			}
		}
	}
}

func (r *Relay) dropSource(kind webrtc.RTPCodecType, s *source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sources[kind]; ok && cur == s {
		delete(r.sources, kind)
	}
}

// setSource installs src for writer, stopping whatever it replaces. A new
// writer replaces every source of the previous one.
func (r *Relay) setSource(writer domain.HandleID, s *source, feedback RTCPWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer != writer {
		r.stopSourcesLocked()
		r.writer = writer
	}
	if feedback != nil {
		r.feedback = feedback
	}
	kind := s.src.Kind()
	if old, ok := r.sources[kind]; ok {
		old.cancel()
	}
	r.sources[kind] = s
}

func (r *Relay) stopSourcesLocked() {
	for kind, s := range r.sources {
		s.cancel()
		delete(r.sources, kind)
	}
	r.feedback = nil
}

func (r *Relay) addOutTrack(reader domain.HandleID, kind webrtc.RTPCodecType, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.subscriberLocked(reader)
	if old, ok := sub.tracks[kind]; ok {
		old.MarkDelete()
	}
	ot.SetMuted(!allows(sub.gating, kind))
	sub.tracks[kind] = ot
}

func (r *Relay) subscriberLocked(reader domain.HandleID) *subscriber {
	sub, ok := r.readers[reader]
	if !ok {
		sub = &subscriber{gating: domain.DefaultGating(), tracks: make(map[webrtc.RTPCodecType]*OutTrack)}
		r.readers[reader] = sub
	}
	return sub
}

func (r *Relay) setReaderGating(reader domain.HandleID, g domain.Gating) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.subscriberLocked(reader)
	sub.gating = g
	for kind, ot := range sub.tracks {
		ot.SetMuted(!allows(g, kind))
	}
}

// setWriterGating records the writer gating and returns the REMB feedback
// to send, if any.
func (r *Relay) setWriterGating(writer domain.HandleID, g domain.Gating) (RTCPWriter, []rtcp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer != "" && r.writer != writer {
		r.stopSourcesLocked()
	}
	r.writer = writer
	r.writerGating = g
	return r.feedback, r.rembLocked()
}

func (r *Relay) rembLocked() []rtcp.Packet {
	var pkts []rtcp.Packet
	for kind, ceiling := range map[webrtc.RTPCodecType]uint32{
		webrtc.RTPCodecTypeVideo: r.writerGating.VideoREMB,
		webrtc.RTPCodecTypeAudio: r.writerGating.AudioREMB,
	} {
		s, ok := r.sources[kind]
		if !ok || ceiling == 0 {
			continue
		}
		pkts = append(pkts, &rtcp.ReceiverEstimatedMaximumBitrate{
			Bitrate: float32(ceiling),
			SSRCs:   []uint32{uint32(s.src.SSRC())},
		})
	}
	return pkts
}

func (r *Relay) keyframeRequest() (RTCPWriter, []rtcp.Packet) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[webrtc.RTPCodecTypeVideo]
	if !ok || r.feedback == nil {
		return nil, nil
	}
	return r.feedback, []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(s.src.SSRC())}}
}

// forget removes h in whatever role it has. It reports whether the relay is
// left with nobody.
func (r *Relay) forget(h domain.HandleID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == h {
		r.stopSourcesLocked()
		r.writer = ""
		r.writerGating = domain.DefaultGating()
	}
	if sub, ok := r.readers[h]; ok {
		for _, ot := range sub.tracks {
			ot.MarkDelete()
		}
		delete(r.readers, h)
	}
	return r.writer == "" && len(r.readers) == 0
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopSourcesLocked()
	for _, sub := range r.readers {
		for _, ot := range sub.tracks {
			ot.MarkDelete()
		}
	}
}

func (r *Relay) readerTracks(reader domain.HandleID) map[webrtc.RTPCodecType]*OutTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.readers[reader]
	if !ok {
		return nil
	}
	out := make(map[webrtc.RTPCodecType]*OutTrack, len(sub.tracks))
	maps.Copy(out, sub.tracks)
	return out
}
