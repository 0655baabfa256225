package orch

import (
	"context"
	"time"

	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/app/broker"
	"github.com/dkeye/conference/internal/app/gating"
	"github.com/dkeye/conference/internal/app/upload"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/dkeye/conference/internal/metrics"
	"github.com/rs/zerolog/log"
)

// MediaRelay is the packet-forwarding side the orchestrator pokes directly.
type MediaRelay interface {
	RequestKeyframe(stream domain.StreamID)
	DropStream(stream domain.StreamID)
}

type Uploader interface {
	HasBackend(name string) bool
	Upload(ctx context.Context, req upload.Request) (upload.Result, error)
}

// Orchestrator is the session/handle lifecycle supervisor. The host calls
// into it; it answers through Host.
type Orchestrator struct {
	Streams  *app.StreamRegistry
	Agents   *app.AgentIndex
	Handles  *app.HandleTable
	Broker   *broker.Broker
	Gating   *gating.Controller
	Media    core.MediaEngine
	Host     core.Host
	Policy   app.Policy
	Relays   MediaRelay
	Uploader Uploader
	Metrics  *metrics.Metrics
}

func (o *Orchestrator) CreateSession(sid domain.SessionID) error {
	if err := o.Handles.CreateSession(sid); err != nil {
		return domain.BadRequest("create session %s: %v", sid, err)
	}
	return nil
}

// DestroySession tears down every handle the session still owns.
func (o *Orchestrator) DestroySession(sid domain.SessionID) {
	for _, hs := range o.Handles.DestroySession(sid) {
		o.teardown(hs.ID, hs, "session destroyed")
	}
}

func (o *Orchestrator) AttachHandle(sid domain.SessionID, hid domain.HandleID) error {
	if _, err := o.Handles.Attach(sid, hid); err != nil {
		return domain.BadRequest("attach %s to %s: %v", hid, sid, err)
	}
	return nil
}

func (o *Orchestrator) DetachHandle(hid domain.HandleID) {
	hs, _ := o.Handles.Detach(hid)
	o.teardown(hid, hs, "handle detached")
}

// HangupMedia is called when the handle's PeerConnection went away.
func (o *Orchestrator) HangupMedia(hid domain.HandleID) {
	hs, _ := o.Handles.Get(hid)
	o.teardown(hid, hs, "media hangup")
}

// SetupMedia is called once the handle's media path is up. Readers get a
// keyframe from the writer so their picture starts without waiting.
func (o *Orchestrator) SetupMedia(hid domain.HandleID) {
	stream, ok := o.Streams.StreamOf(hid)
	if !ok {
		return
	}
	log.Info().Str("module", "orch").Str("handle_id", string(hid)).Str("stream_id", string(stream)).Msg("media is up")
	if o.Streams.RoleOf(hid) == domain.RoleReader && o.Relays != nil {
		o.Relays.RequestKeyframe(stream)
	}
}

// DeliverResponse hands a client reply to a server-issued request to the broker.
func (o *Orchestrator) DeliverResponse(in broker.Inbound) bool {
	return o.Broker.Deliver(in)
}

// teardown releases everything a handle holds. Safe to call more than once
// and concurrently with in-flight requests of the same handle: the torn-down
// mark is set before the registry is touched, and role-installing requests
// re-check it afterwards.
func (o *Orchestrator) teardown(hid domain.HandleID, hs *app.HandleState, reason string) {
	first := true
	if hs != nil {
		first = hs.TearDown()
	}
	stream, had := o.Streams.RemoveHandle(hid)
	if had && o.Gating != nil && o.Gating.Sink != nil {
		o.Gating.Sink.Forget(stream, hid)
	}
	detached := o.Broker.DetachHandle(hid)
	o.Agents.Remove(hid)
	o.Media.Close(hid)

	if first {
		log.Info().Str("module", "orch").Str("handle_id", string(hid)).Str("stream_id", string(stream)).
			Int("pending_detached", detached).Str("reason", reason).Msg("handle torn down")
	}
}

// endHandle tears the handle down and asks the gateway to hang it up.
func (o *Orchestrator) endHandle(hid domain.HandleID, reason string) {
	hs, _ := o.Handles.Get(hid)
	o.teardown(hid, hs, reason)
	o.Host.EndSession(hid)
}

// Gauges snapshots the registries for metrics.
func (o *Orchestrator) Gauges() metrics.Gauges {
	st := o.Streams.Stats()
	sessions, handles := o.Handles.Counts()
	return metrics.Gauges{
		Sessions: sessions,
		Handles:  handles,
		Agents:   o.Agents.Count(),
		Streams:  st.Streams,
		Writers:  st.Writers,
		Readers:  st.Readers,
		Pending:  o.Broker.Pending(),
	}
}

// RunVacuum removes stale streams every interval until ctx ends.
func (o *Orchestrator) RunVacuum(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			o.Vacuum(now)
			o.Metrics.SetGauges(o.Gauges())
		}
	}
}

// Vacuum runs one pass and applies the reader policy to what it removed.
func (o *Orchestrator) Vacuum(now time.Time) []app.VacuumedStream {
	removed := o.Streams.Vacuum(now)
	for _, v := range removed {
		log.Info().Str("module", "orch").Str("stream_id", string(v.ID)).Int("readers", len(v.Readers)).Msg("stream vacuumed")
		if o.Relays != nil {
			o.Relays.DropStream(v.ID)
		}
		if o.Policy == nil {
			continue
		}
		switch o.Policy.OnStreamVacuumed(v.ID, v.Readers) {
		case app.DisconnectReaders:
			for _, r := range v.Readers {
				o.endHandle(r, "stream vacuumed")
			}
		case app.KeepReaders:
		}
	}
	o.Metrics.AddVacuumed(len(removed))
	return removed
}
