package orch

import (
	"context"

	"github.com/dkeye/conference/internal/app/gating"
	"github.com/dkeye/conference/internal/app/upload"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

type streamBody struct {
	ID domain.StreamID `json:"id"`
}

func (o *Orchestrator) streamCreate(ctx context.Context, req *request) (core.Response, error) {
	var body streamBody
	if err := req.decode(&body); err != nil {
		return core.Response{}, err
	}
	hs, err := req.live()
	if err != nil {
		return core.Response{}, err
	}
	if body.ID == "" {
		return core.Response{}, domain.BadRequest("stream id is empty")
	}

	prev, replaced, err := o.Streams.ClaimWriter(body.ID, hs.ID)
	if err != nil {
		return core.Response{}, err
	}
	if hs.TornDown() {
		// lost the race against teardown: never leave a dead writer behind
		o.Streams.RemoveHandle(hs.ID)
		return core.Response{}, errTornDown(hs.ID)
	}
	if replaced {
		o.Gating.Sink.Forget(body.ID, prev)
		o.notifyReaders(body.ID, "writer_replaced")
	}
	o.Gating.Sink.ApplyWriterGating(body.ID, hs.ID, hs.Gating())

	answer, err := o.negotiate(ctx, hs)
	if err != nil {
		return core.Response{}, err
	}
	log.Info().Str("module", "orch").Str("handle_id", string(hs.ID)).Str("stream_id", string(body.ID)).
		Bool("replaced", replaced).Msg("stream created")
	return withAnswer(core.OK(nil), answer), nil
}

func (o *Orchestrator) streamRead(ctx context.Context, req *request) (core.Response, error) {
	var body streamBody
	if err := req.decode(&body); err != nil {
		return core.Response{}, err
	}
	hs, err := req.live()
	if err != nil {
		return core.Response{}, err
	}
	if err := o.Streams.AddReader(body.ID, hs.ID); err != nil {
		return core.Response{}, err
	}
	if hs.TornDown() {
		o.Streams.RemoveHandle(hs.ID)
		return core.Response{}, errTornDown(hs.ID)
	}
	o.Gating.Sink.ApplyReaderGating(body.ID, hs.ID, hs.Gating())

	answer, err := o.negotiate(ctx, hs)
	if err != nil {
		return core.Response{}, err
	}
	log.Info().Str("module", "orch").Str("handle_id", string(hs.ID)).Str("stream_id", string(body.ID)).Msg("stream read")
	return withAnswer(core.OK(nil), answer), nil
}

func (o *Orchestrator) streamUpload(ctx context.Context, req *request) (core.Response, error) {
	var body struct {
		ID      domain.StreamID `json:"id"`
		Backend string          `json:"backend"`
		Bucket  string          `json:"bucket"`
	}
	if err := req.decode(&body); err != nil {
		return core.Response{}, err
	}
	if body.ID == "" {
		return core.Response{}, domain.BadRequest("stream id is empty")
	}
	if o.Uploader == nil {
		return core.Response{}, domain.Internal("uploads are not configured")
	}
	if !o.Uploader.HasBackend(body.Backend) {
		return core.Response{}, domain.BadRequest("unknown backend %q", body.Backend)
	}

	if writer, readers, ok := o.Streams.RemoveStream(body.ID); ok {
		log.Warn().Str("module", "orch").Str("stream_id", string(body.ID)).
			Msg("upload requested while stream is live; disconnecting everyone")
		if o.Relays != nil {
			o.Relays.DropStream(body.ID)
		}
		if writer != "" {
			o.endHandle(writer, "stream uploaded")
		}
		for _, r := range readers {
			o.endHandle(r, "stream uploaded")
		}
	}

	res, err := o.Uploader.Upload(ctx, upload.Request{Stream: body.ID, Backend: body.Backend, Bucket: body.Bucket})
	if err != nil {
		return core.Response{}, wrap("upload", err)
	}
	if res.AlreadyRunning {
		return core.OK(map[string]any{"id": body.ID, "state": "already_running"}), nil
	}
	return core.OK(map[string]any{"id": body.ID, "mjr_dumps_uris": res.DumpURIs}), nil
}

func (o *Orchestrator) writerConfigUpdate(_ context.Context, req *request) (core.Response, error) {
	var body struct {
		Configs []gating.WriterConfig `json:"configs"`
	}
	if err := req.decode(&body); err != nil {
		return core.Response{}, err
	}
	results, err := o.Gating.ApplyWriterConfig(body.Configs)
	if err != nil {
		return core.Response{}, err
	}
	return configResponse(results)
}

func (o *Orchestrator) readerConfigUpdate(_ context.Context, req *request) (core.Response, error) {
	var body struct {
		Configs []gating.ReaderConfig `json:"configs"`
	}
	if err := req.decode(&body); err != nil {
		return core.Response{}, err
	}
	return configResponse(o.Gating.ApplyReaderConfig(body.Configs))
}

func configResponse(results []gating.ItemResult) (core.Response, error) {
	if err := gating.Summarize(results); err != nil {
		return core.Response{}, err
	}
	items := make([]map[string]any, 0, len(results))
	for _, r := range results {
		items = append(items, r.Payload())
	}
	return core.OK(map[string]any{"results": items}), nil
}

// agentLeave ends every handle of the agent, the caller's own included.
func (o *Orchestrator) agentLeave(_ context.Context, req *request) (core.Response, error) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := req.decode(&body); err != nil {
		return core.Response{}, err
	}
	var agent domain.AgentID
	switch {
	case body.AgentID != "":
		a, err := domain.ParseAgentID(body.AgentID)
		if err != nil {
			return core.Response{}, domain.BadRequest("agent_id: %v", err)
		}
		agent = a
	case req.handle != nil && req.handle.Agent() != "":
		agent = req.handle.Agent()
	default:
		return core.Response{}, domain.BadRequest("agent_id is required")
	}

	handles := o.Agents.HandlesOf(agent)
	for _, h := range handles {
		o.endHandle(h, "agent left")
	}
	log.Info().Str("module", "orch").Str("agent_id", string(agent)).Int("handles", len(handles)).Msg("agent left")
	return core.OK(map[string]any{"agent_id": agent}), nil
}

func (o *Orchestrator) servicePing(_ context.Context, req *request) (core.Response, error) {
	if req.handle != nil {
		if stream, ok := o.Streams.StreamOf(req.handle.ID); ok {
			o.Streams.Touch(stream)
		}
	}
	return core.OK(nil), nil
}
