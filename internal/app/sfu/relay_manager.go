// Package sfu forwards writer RTP to readers and enforces gating.
package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/conference/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RelayManager owns one Relay per stream. It is the gating sink and the
// keyframe requester of the orchestrator.
type RelayManager struct {
	mu         sync.RWMutex
	relays     map[domain.StreamID]*Relay
	onActivity func(domain.StreamID)
}

// NewRelayManager reports stream activity (throttled) to onActivity.
func NewRelayManager(onActivity func(domain.StreamID)) *RelayManager {
	return &RelayManager{
		relays:     make(map[domain.StreamID]*Relay),
		onActivity: onActivity,
	}
}

func (m *RelayManager) relay(stream domain.StreamID) *Relay {
	m.mu.RLock()
	r, ok := m.relays[stream]
	m.mu.RUnlock()
	if ok {
		return r
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.relays[stream]; ok {
		return r
	}
	r = NewRelay(stream, m.onActivity)
	m.relays[stream] = r
	return r
}

func (m *RelayManager) lookup(stream domain.StreamID) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[stream]
	return r, ok
}

// StartRelay starts forwarding src, a track of the stream's writer.
func (m *RelayManager) StartRelay(ctx context.Context, stream domain.StreamID, writer domain.HandleID, src TrackSource, feedback RTCPWriter) {
	logger := log.With().
		Str("module", "relay").
		Str("stream_id", string(stream)).
		Str("handle_id", string(writer)).
		Str("kind", src.Kind().String()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	s := &source{src: src, cancel: cancel}
	r := m.relay(stream)
	r.setSource(writer, s, feedback)

	if w, pkts := func() (RTCPWriter, []rtcp.Packet) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.feedback, r.rembLocked()
	}(); w != nil && len(pkts) > 0 {
		m.send(w, pkts, stream)
	}

	logger.Info().Msg("starting relay loop")
	go r.loop(relayCtx, s, &logger)
}

// AddSubscriber attaches a reader's local track of the given kind.
func (m *RelayManager) AddSubscriber(stream domain.StreamID, reader domain.HandleID, kind webrtc.RTPCodecType, track RTPWriter) *OutTrack {
	ot := NewOutTrack(track)
	m.relay(stream).addOutTrack(reader, kind, ot)
	return ot
}

// MarkSubscriberDelete marks the reader's tracks as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(stream domain.StreamID, reader domain.HandleID) {
	r, ok := m.lookup(stream)
	if !ok {
		return
	}
	for _, ot := range r.readerTracks(reader) {
		ot.MarkDelete()
	}
}

func (m *RelayManager) ApplyWriterGating(stream domain.StreamID, writer domain.HandleID, g domain.Gating) {
	w, pkts := m.relay(stream).setWriterGating(writer, g)
	if w != nil && len(pkts) > 0 {
		m.send(w, pkts, stream)
	}
}

func (m *RelayManager) ApplyReaderGating(stream domain.StreamID, reader domain.HandleID, g domain.Gating) {
	m.relay(stream).setReaderGating(reader, g)
}

// Forget drops h from the stream's relay and the relay itself once empty.
func (m *RelayManager) Forget(stream domain.StreamID, h domain.HandleID) {
	r, ok := m.lookup(stream)
	if !ok {
		return
	}
	if !r.forget(h) {
		return
	}
	m.mu.Lock()
	if cur, ok := m.relays[stream]; ok && cur == r {
		delete(m.relays, stream)
	}
	m.mu.Unlock()
}

// RequestKeyframe sends a PLI to the stream's writer.
func (m *RelayManager) RequestKeyframe(stream domain.StreamID) {
	r, ok := m.lookup(stream)
	if !ok {
		return
	}
	if w, pkts := r.keyframeRequest(); w != nil {
		m.send(w, pkts, stream)
	}
}

// DropStream stops a relay and removes it from the manager.
func (m *RelayManager) DropStream(stream domain.StreamID) {
	m.mu.Lock()
	r, ok := m.relays[stream]
	if ok {
		delete(m.relays, stream)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	r.markAllDelete()
}

// HasRelay reports whether a relay exists for stream.
func (m *RelayManager) HasRelay(stream domain.StreamID) bool {
	_, ok := m.lookup(stream)
	return ok
}

func (m *RelayManager) send(w RTCPWriter, pkts []rtcp.Packet, stream domain.StreamID) {
	if err := w.WriteRTCP(pkts); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("stream_id", string(stream)).Msg("write RTCP")
	}
}
