// Package gating applies per-writer and per-reader media gating.
package gating

import (
	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

type WriterConfig struct {
	StreamID  domain.StreamID `json:"stream_id"`
	SendVideo *bool           `json:"send_video,omitempty"`
	SendAudio *bool           `json:"send_audio,omitempty"`
	VideoREMB *uint32         `json:"video_remb,omitempty"`
	AudioREMB *uint32         `json:"audio_remb,omitempty"`
}

type ReaderConfig struct {
	ReaderID     string          `json:"reader_id"`
	StreamID     domain.StreamID `json:"stream_id"`
	ReceiveVideo *bool           `json:"receive_video,omitempty"`
	ReceiveAudio *bool           `json:"receive_audio,omitempty"`
}

// Constraints bound what writers may ask for. Zero means unbounded.
type Constraints struct {
	MaxVideoREMB uint32
	MaxAudioREMB uint32
}

// ItemResult is the outcome of one config entry.
type ItemResult struct {
	StreamID domain.StreamID `json:"stream_id"`
	ReaderID string          `json:"reader_id,omitempty"`
	Status   int             `json:"-"`
	Err      *domain.Error   `json:"-"`
}

func (r ItemResult) OK() bool { return r.Err == nil }

// Payload renders the entry in the wire shape.
func (r ItemResult) Payload() map[string]any {
	out := core.Response{Status: r.Status, Err: r.Err}.Payload()
	out["stream_id"] = r.StreamID
	if r.ReaderID != "" {
		out["reader_id"] = r.ReaderID
	}
	return out
}

type Controller struct {
	Streams *app.StreamRegistry
	Agents  *app.AgentIndex
	Handles *app.HandleTable
	Sink    core.GatingSink
	Limits  Constraints
}

func okItem(s domain.StreamID, reader string) ItemResult {
	return ItemResult{StreamID: s, ReaderID: reader, Status: 200}
}

func failItem(s domain.StreamID, reader string, e *domain.Error) ItemResult {
	return ItemResult{StreamID: s, ReaderID: reader, Status: e.Status, Err: e}
}

// ApplyWriterConfig validates every entry's bitrate against the constraints
// before touching anything, then applies entries independently.
func (c *Controller) ApplyWriterConfig(items []WriterConfig) ([]ItemResult, error) {
	for _, it := range items {
		if it.VideoREMB != nil && c.Limits.MaxVideoREMB > 0 && *it.VideoREMB > c.Limits.MaxVideoREMB {
			return nil, domain.BadRequest("video_remb %d exceeds maximum %d for stream %q", *it.VideoREMB, c.Limits.MaxVideoREMB, it.StreamID)
		}
		if it.AudioREMB != nil && c.Limits.MaxAudioREMB > 0 && *it.AudioREMB > c.Limits.MaxAudioREMB {
			return nil, domain.BadRequest("audio_remb %d exceeds maximum %d for stream %q", *it.AudioREMB, c.Limits.MaxAudioREMB, it.StreamID)
		}
	}

	out := make([]ItemResult, 0, len(items))
	for _, it := range items {
		out = append(out, c.applyWriter(it))
	}
	return out, nil
}

func (c *Controller) applyWriter(it WriterConfig) ItemResult {
	if it.StreamID == "" {
		return failItem(it.StreamID, "", domain.BadRequest("stream_id is empty"))
	}
	writer, ok := c.Streams.WriterOf(it.StreamID)
	if !ok {
		return failItem(it.StreamID, "", domain.NonExistentStream("stream %q has no writer", it.StreamID))
	}
	hs, ok := c.Handles.Get(writer)
	if !ok || hs.TornDown() {
		return failItem(it.StreamID, "", domain.NonExistentStream("writer of stream %q is gone", it.StreamID))
	}

	g := hs.UpdateGating(func(g *domain.Gating) {
		if it.SendVideo != nil {
			g.Video = *it.SendVideo
		}
		if it.SendAudio != nil {
			g.Audio = *it.SendAudio
		}
		if it.VideoREMB != nil {
			g.VideoREMB = *it.VideoREMB
		}
		if it.AudioREMB != nil {
			g.AudioREMB = *it.AudioREMB
		}
	})
	c.Sink.ApplyWriterGating(it.StreamID, writer, g)

	log.Info().Str("module", "gating").Str("stream_id", string(it.StreamID)).Str("handle_id", string(writer)).
		Bool("video", g.Video).Bool("audio", g.Audio).Uint32("video_remb", g.VideoREMB).Uint32("audio_remb", g.AudioREMB).
		Msg("writer config applied")
	return okItem(it.StreamID, "")
}

// ApplyReaderConfig applies each entry independently.
func (c *Controller) ApplyReaderConfig(items []ReaderConfig) []ItemResult {
	out := make([]ItemResult, 0, len(items))
	for _, it := range items {
		out = append(out, c.applyReader(it))
	}
	return out
}

func (c *Controller) applyReader(it ReaderConfig) ItemResult {
	agent, err := domain.ParseAgentID(it.ReaderID)
	if err != nil {
		return failItem(it.StreamID, it.ReaderID, domain.BadRequest("reader_id: %v", err))
	}
	if it.StreamID == "" {
		return failItem(it.StreamID, it.ReaderID, domain.BadRequest("stream_id is empty"))
	}

	reader, ok := c.readerHandle(agent, it.StreamID)
	if !ok {
		return failItem(it.StreamID, it.ReaderID, domain.NonExistentStream("agent %q does not read stream %q", agent, it.StreamID))
	}
	hs, ok := c.Handles.Get(reader)
	if !ok || hs.TornDown() {
		return failItem(it.StreamID, it.ReaderID, domain.NonExistentStream("reader %q is gone", agent))
	}

	g := hs.UpdateGating(func(g *domain.Gating) {
		if it.ReceiveVideo != nil {
			g.Video = *it.ReceiveVideo
		}
		if it.ReceiveAudio != nil {
			g.Audio = *it.ReceiveAudio
		}
	})
	c.Sink.ApplyReaderGating(it.StreamID, reader, g)

	log.Info().Str("module", "gating").Str("stream_id", string(it.StreamID)).Str("agent_id", string(agent)).
		Str("handle_id", string(reader)).Bool("video", g.Video).Bool("audio", g.Audio).Msg("reader config applied")
	return okItem(it.StreamID, it.ReaderID)
}

func (c *Controller) readerHandle(agent domain.AgentID, s domain.StreamID) (domain.HandleID, bool) {
	for _, h := range c.Agents.HandlesOf(agent) {
		if c.Streams.RoleOf(h) != domain.RoleReader {
			continue
		}
		if cur, ok := c.Streams.StreamOf(h); ok && cur == s {
			return h, true
		}
	}
	return "", false
}

// Summarize turns per-entry results into the request outcome: success when
// any entry (or none at all) succeeded, otherwise the first failure.
func Summarize(results []ItemResult) error {
	if len(results) == 0 {
		return nil
	}
	for _, r := range results {
		if r.OK() {
			return nil
		}
	}
	return results[0].Err
}
