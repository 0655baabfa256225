package orch

import (
	"context"

	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/app/broker"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

// BindMediaHandlers routes locally gathered candidates to clients as
// fire-and-forget trickle transactions.
func (o *Orchestrator) BindMediaHandlers() {
	o.Media.OnLocalCandidate(o.sendLocalCandidate)
}

func (o *Orchestrator) sendLocalCandidate(h domain.HandleID, c core.Candidate) {
	f, err := o.Broker.Send(h, broker.KindTrickle, c)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle_id", string(h)).Msg("local candidate not sent")
		return
	}
	f.Then(func(r broker.Result) {
		if r.Err != nil {
			log.Debug().Err(r.Err).Str("module", "orch").Str("handle_id", string(h)).
				Str("transaction", f.Transaction()).Msg("local candidate not acknowledged")
		}
	})
}

// Trickle relays a remote candidate to the media engine. It is answered with
// an ack only.
func (o *Orchestrator) Trickle(h domain.HandleID, transaction string, c core.Candidate) {
	if err := o.Media.AddICECandidate(h, c); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle_id", string(h)).Msg("remote candidate rejected")
	}
	if err := o.Host.PushAck(h, transaction); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle_id", string(h)).Str("transaction", transaction).Msg("push ack failed")
	}
}

// negotiate answers the stored offer against the handle's current role, once
// per offer. It returns an empty answer while there is no unanswered offer or
// the handle has no role yet.
func (o *Orchestrator) negotiate(ctx context.Context, hs *app.HandleState) (string, error) {
	defer hs.LockNegotiation()()
	offer, ok := hs.PendingOffer()
	if !ok {
		return "", nil
	}
	role := o.Streams.RoleOf(hs.ID)
	if role == domain.RoleNone {
		return "", nil
	}
	stream, _ := o.Streams.StreamOf(hs.ID)
	answer, err := o.Media.Negotiate(ctx, core.Negotiation{
		Handle:    hs.ID,
		Stream:    stream,
		Role:      role,
		Direction: core.DirectionFor(role),
		Offer:     offer,
	})
	if err != nil {
		return "", wrap("negotiate", err)
	}
	if answer != "" {
		hs.MarkAnswered(offer)
		log.Debug().Str("module", "orch").Str("handle_id", string(hs.ID)).Str("stream_id", string(stream)).
			Str("role", role.String()).Msg("answer ready")
	}
	return answer, nil
}

func (o *Orchestrator) signalCreate(ctx context.Context, req *request) (core.Response, error) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := req.decode(&body); err != nil {
		return core.Response{}, err
	}
	hs, err := req.live()
	if err != nil {
		return core.Response{}, err
	}
	agent, err := domain.ParseAgentID(body.AgentID)
	if err != nil {
		return core.Response{}, domain.BadRequest("agent_id: %v", err)
	}
	offer, err := req.offer()
	if err != nil {
		return core.Response{}, err
	}

	o.Agents.Associate(agent, hs.ID)
	if hs.TornDown() {
		o.Agents.Remove(hs.ID)
		return core.Response{}, errTornDown(hs.ID)
	}
	hs.SetAgent(agent)
	hs.SetOffer(offer)

	answer, err := o.negotiate(ctx, hs)
	if err != nil {
		return core.Response{}, err
	}
	log.Info().Str("module", "orch").Str("handle_id", string(hs.ID)).Str("agent_id", string(agent)).Msg("signal created")
	return withAnswer(core.OK(nil), answer), nil
}

func (o *Orchestrator) signalUpdate(ctx context.Context, req *request) (core.Response, error) {
	hs, err := req.live()
	if err != nil {
		return core.Response{}, err
	}
	offer, err := req.offer()
	if err != nil {
		return core.Response{}, err
	}
	hs.SetOffer(offer)
	answer, err := o.negotiate(ctx, hs)
	if err != nil {
		return core.Response{}, err
	}
	return withAnswer(core.OK(nil), answer), nil
}

// notifyReaders asks every reader of stream to renegotiate. Replies are only
// logged; a reader that never answers times out in the broker.
func (o *Orchestrator) notifyReaders(stream domain.StreamID, reason string) {
	for _, r := range o.Streams.ReadersOf(stream) {
		f, err := o.Broker.Send(r, broker.KindRenegotiate, map[string]any{
			"stream_id": stream,
			"reason":    reason,
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("handle_id", string(r)).Str("stream_id", string(stream)).Msg("renegotiate notice not sent")
			continue
		}
		f.Then(func(res broker.Result) {
			ev := log.Debug()
			if res.Err != nil {
				ev = log.Warn().Err(res.Err)
			}
			ev.Str("module", "orch").Str("handle_id", string(r)).Str("stream_id", string(stream)).
				Str("transaction", f.Transaction()).Msg("renegotiate notice settled")
		})
	}
}
