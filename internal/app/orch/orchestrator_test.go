package orch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/app/broker"
	"github.com/dkeye/conference/internal/app/gating"
	"github.com/dkeye/conference/internal/app/jsep"
	"github.com/dkeye/conference/internal/app/upload"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/stretchr/testify/require"
)

const testOffer = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0 1\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendrecv\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=sendrecv\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

type hostEvent struct {
	kind    string
	handle  domain.HandleID
	tx      string
	resp    core.Response
	reqKind string
}

type fakeHost struct {
	mu     sync.Mutex
	events []hostEvent
	ended  []domain.HandleID
	ch     chan hostEvent
}

func newFakeHost() *fakeHost {
	return &fakeHost{ch: make(chan hostEvent, 256)}
}

func (h *fakeHost) record(e hostEvent) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
	h.ch <- e
}

func (h *fakeHost) PushAck(hid domain.HandleID, tx string) error {
	h.record(hostEvent{kind: "ack", handle: hid, tx: tx})
	return nil
}

func (h *fakeHost) PushEvent(hid domain.HandleID, tx string, resp core.Response) error {
	h.record(hostEvent{kind: "event", handle: hid, tx: tx, resp: resp})
	return nil
}

func (h *fakeHost) PushRequest(hid domain.HandleID, tx, kind string, _ any) error {
	h.record(hostEvent{kind: "request", handle: hid, tx: tx, reqKind: kind})
	return nil
}

func (h *fakeHost) EndSession(hid domain.HandleID) {
	h.mu.Lock()
	h.ended = append(h.ended, hid)
	h.mu.Unlock()
}

func (h *fakeHost) Ended() []domain.HandleID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.HandleID(nil), h.ended...)
}

func (h *fakeHost) next(t *testing.T) hostEvent {
	t.Helper()
	select {
	case e := <-h.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no host event")
		return hostEvent{}
	}
}

type fakeRelay struct {
	mu        sync.Mutex
	forgotten []domain.HandleID
	keyframes []domain.StreamID
	dropped   []domain.StreamID
}

func (r *fakeRelay) ApplyWriterGating(domain.StreamID, domain.HandleID, domain.Gating) {}

func (r *fakeRelay) ApplyReaderGating(domain.StreamID, domain.HandleID, domain.Gating) {}

func (r *fakeRelay) Forget(_ domain.StreamID, h domain.HandleID) {
	r.mu.Lock()
	r.forgotten = append(r.forgotten, h)
	r.mu.Unlock()
}

func (r *fakeRelay) RequestKeyframe(s domain.StreamID) {
	r.mu.Lock()
	r.keyframes = append(r.keyframes, s)
	r.mu.Unlock()
}

func (r *fakeRelay) DropStream(s domain.StreamID) {
	r.mu.Lock()
	r.dropped = append(r.dropped, s)
	r.mu.Unlock()
}

type fakeUploader struct {
	running bool
	reqs    []upload.Request
}

func (u *fakeUploader) HasBackend(name string) bool { return name == "minio" }

func (u *fakeUploader) Upload(_ context.Context, req upload.Request) (upload.Result, error) {
	u.reqs = append(u.reqs, req)
	if u.running {
		return upload.Result{AlreadyRunning: true}, nil
	}
	return upload.Result{DumpURIs: []string{"s3://rec/" + string(req.Stream) + ".mjr"}}, nil
}

type panicEngine struct{ core.MediaEngine }

func (panicEngine) Negotiate(context.Context, core.Negotiation) (string, error) {
	panic("engine exploded")
}

type fixture struct {
	o     *Orchestrator
	host  *fakeHost
	relay *fakeRelay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := jsep.NewEngine(jsep.NewAnswerer(nil))
	require.NoError(t, err)

	host := newFakeHost()
	relay := &fakeRelay{}
	streams := app.NewStreamRegistry(time.Minute)
	agents := app.NewAgentIndex()
	handles := app.NewHandleTable()
	o := &Orchestrator{
		Streams: streams,
		Agents:  agents,
		Handles: handles,
		Broker:  broker.New(host, time.Second),
		Gating: &gating.Controller{
			Streams: streams,
			Agents:  agents,
			Handles: handles,
			Sink:    relay,
			Limits:  gating.Constraints{MaxVideoREMB: 1_000_000},
		},
		Media:    engine,
		Host:     host,
		Policy:   app.SimplePolicy{Action: app.KeepReaders},
		Relays:   relay,
		Uploader: &fakeUploader{},
	}
	require.NoError(t, o.CreateSession("sess"))
	return &fixture{o: o, host: host, relay: relay}
}

func (f *fixture) attach(t *testing.T, h domain.HandleID) {
	t.Helper()
	require.NoError(t, f.o.AttachHandle("sess", h))
}

func (f *fixture) call(h domain.HandleID, body string, offer bool) core.Response {
	msg := core.Message{Session: "sess", Handle: h, Transaction: "tx-" + string(h), Body: json.RawMessage(body)}
	if offer {
		msg.JSEP = &core.JSEP{Type: "offer", SDP: testOffer}
	}
	return f.o.Call(context.Background(), msg)
}

func requireStatus(t *testing.T, want int, resp core.Response) {
	t.Helper()
	if resp.Err != nil {
		require.Equal(t, want, resp.Status, resp.Err.Error())
		return
	}
	require.Equal(t, want, resp.Status)
}

func answerDirection(t *testing.T, resp core.Response) string {
	t.Helper()
	require.NotNil(t, resp.JSEP)
	require.Equal(t, "answer", resp.JSEP.Type)
	for _, d := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if strings.Contains(resp.JSEP.SDP, "a="+d+"\r\n") {
			return d
		}
	}
	t.Fatal("answer has no direction")
	return ""
}

func TestWriterReaderLeave(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "ha")
	f.attach(t, "hb")

	resp := f.call("ha", `{"method":"signal.create","agent_id":"A"}`, true)
	requireStatus(t, 200, resp)
	require.Nil(t, resp.JSEP)

	resp = f.call("ha", `{"method":"stream.create","id":"s1"}`, false)
	requireStatus(t, 200, resp)
	require.Equal(t, "recvonly", answerDirection(t, resp))

	resp = f.call("hb", `{"method":"signal.create","agent_id":"B"}`, true)
	requireStatus(t, 200, resp)
	require.Nil(t, resp.JSEP)
	resp = f.call("hb", `{"method":"stream.read","id":"s1"}`, false)
	requireStatus(t, 200, resp)
	require.Equal(t, "sendonly", answerDirection(t, resp))

	w, ok := f.o.Streams.WriterOf("s1")
	require.True(t, ok)
	require.Equal(t, domain.HandleID("ha"), w)

	resp = f.call("ha", `{"method":"agent.leave"}`, false)
	requireStatus(t, 200, resp)

	_, ok = f.o.Streams.WriterOf("s1")
	require.False(t, ok)
	require.Contains(t, f.o.Streams.ReadersOf("s1"), domain.HandleID("hb"))
	require.Equal(t, []domain.HandleID{"ha"}, f.host.Ended())
	require.Empty(t, f.o.Agents.HandlesOf("A"))

	hs, ok := f.o.Handles.Get("ha")
	require.True(t, ok)
	require.True(t, hs.TornDown())
}

func TestOfferIsAnsweredOnce(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "ha")

	requireStatus(t, 200, f.call("ha", `{"method":"signal.create","agent_id":"A"}`, true))
	hs, ok := f.o.Handles.Get("ha")
	require.True(t, ok)
	require.Equal(t, domain.NegotiationOfferReceived, hs.Negotiation())

	resp := f.call("ha", `{"method":"stream.create","id":"s1"}`, false)
	requireStatus(t, 200, resp)
	require.Equal(t, "recvonly", answerDirection(t, resp))
	require.Equal(t, domain.NegotiationAnswerSent, hs.Negotiation())

	// switching roles without a new offer does not answer again
	resp = f.call("ha", `{"method":"stream.read","id":"s2"}`, false)
	requireStatus(t, 200, resp)
	require.Nil(t, resp.JSEP)

	resp = f.call("ha", `{"method":"signal.update"}`, true)
	requireStatus(t, 200, resp)
	require.Equal(t, "sendonly", answerDirection(t, resp))

	resp = f.call("ha", `{"method":"stream.read","id":"s2"}`, false)
	requireStatus(t, 200, resp)
	require.Nil(t, resp.JSEP)
}

func TestSignalCreateAnswersWhenRoleKnown(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "hb")

	resp := f.call("hb", `{"method":"stream.read","id":"s1"}`, false)
	requireStatus(t, 200, resp)
	require.Nil(t, resp.JSEP)

	resp = f.call("hb", `{"method":"signal.create","agent_id":"B"}`, true)
	requireStatus(t, 200, resp)
	require.Equal(t, "sendonly", answerDirection(t, resp))
}

func TestReadBeforeCreate(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "hb")

	resp := f.call("hb", `{"method":"stream.read","id":"s1"}`, false)
	requireStatus(t, 200, resp)
	require.Nil(t, resp.JSEP)
	require.Equal(t, []domain.HandleID{"hb"}, f.o.Streams.ReadersOf("s1"))
	_, ok := f.o.Streams.WriterOf("s1")
	require.False(t, ok)

	resp = f.call("hb", `{"method":"stream.read","id":""}`, false)
	requireStatus(t, 400, resp)
	require.Equal(t, "400", resp.Payload()["status"])
}

func TestReaderConfigIdempotentThroughCall(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "ha")
	f.attach(t, "hb")
	requireStatus(t, 200, f.call("ha", `{"method":"signal.create","agent_id":"A"}`, true))
	requireStatus(t, 200, f.call("ha", `{"method":"stream.create","id":"s1"}`, false))
	requireStatus(t, 200, f.call("hb", `{"method":"signal.create","agent_id":"B"}`, true))
	requireStatus(t, 200, f.call("hb", `{"method":"stream.read","id":"s1"}`, false))

	body := `{"method":"reader_config.update","configs":[{"reader_id":"B","stream_id":"s1","receive_video":false,"receive_audio":true}]}`
	for range 2 {
		resp := f.call("ha", body, false)
		requireStatus(t, 200, resp)
		results := resp.Data["results"].([]map[string]any)
		require.Len(t, results, 1)
		require.Equal(t, "200", results[0]["status"])
	}
	hs, _ := f.o.Handles.Get("hb")
	require.Equal(t, domain.Gating{Video: false, Audio: true}, hs.Gating())
}

func TestWriterConfigOverLimit(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "ha")
	requireStatus(t, 200, f.call("ha", `{"method":"stream.create","id":"s1"}`, false))

	resp := f.call("", `{"method":"writer_config.update","configs":[{"stream_id":"s1","video_remb":2000000}]}`, false)
	requireStatus(t, 400, resp)

	resp = f.call("", `{"method":"writer_config.update","configs":[{"stream_id":"s1","send_video":false,"video_remb":300000}]}`, false)
	requireStatus(t, 200, resp)
	hs, _ := f.o.Handles.Get("ha")
	require.Equal(t, domain.Gating{Video: false, Audio: true, VideoREMB: 300_000}, hs.Gating())
}

func TestWriterReplacementNotifiesReaders(t *testing.T) {
	f := newFixture(t)
	for _, h := range []domain.HandleID{"ha", "hb", "hc"} {
		f.attach(t, h)
	}
	requireStatus(t, 200, f.call("ha", `{"method":"stream.create","id":"s1"}`, false))
	requireStatus(t, 200, f.call("hb", `{"method":"stream.read","id":"s1"}`, false))
	requireStatus(t, 200, f.call("hc", `{"method":"stream.create","id":"s1"}`, false))

	e := f.host.next(t)
	require.Equal(t, "request", e.kind)
	require.Equal(t, domain.HandleID("hb"), e.handle)
	require.Equal(t, string(broker.KindRenegotiate), e.reqKind)

	w, _ := f.o.Streams.WriterOf("s1")
	require.Equal(t, domain.HandleID("hc"), w)
	require.Equal(t, domain.RoleNone, f.o.Streams.RoleOf("ha"))
	hs, _ := f.o.Handles.Get("ha")
	require.False(t, hs.TornDown())
	require.Contains(t, f.relay.forgotten, domain.HandleID("ha"))

	require.True(t, f.o.DeliverResponse(broker.Inbound{Handle: "hb", Transaction: e.tx, Type: broker.InboundAck}))
	require.Equal(t, 1, f.o.Broker.Pending())
	require.True(t, f.o.DeliverResponse(broker.Inbound{Handle: "hb", Transaction: e.tx, Type: broker.InboundEvent}))
	require.Zero(t, f.o.Broker.Pending())
}

func TestHandleMessageAckThenEvent(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "ha")

	f.o.HandleMessage(context.Background(), core.Message{
		Handle:      "ha",
		Transaction: "t1",
		Body:        json.RawMessage(`{"method":"service.ping"}`),
	})
	first := f.host.next(t)
	require.Equal(t, "ack", first.kind)
	require.Equal(t, "t1", first.tx)
	second := f.host.next(t)
	require.Equal(t, "event", second.kind)
	require.Equal(t, "t1", second.tx)
	require.Equal(t, 200, second.resp.Status)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "ha")

	requireStatus(t, 400, f.call("ha", `{"method":"stream.destroy"}`, false))
	requireStatus(t, 400, f.call("ha", `not json`, false))
	requireStatus(t, 400, f.call("ha", `{"method":"signal.create","agent_id":"A"}`, false))
	requireStatus(t, 400, f.call("ha", `{"method":"signal.create"}`, true))
	requireStatus(t, 400, f.call("nope", `{"method":"service.ping"}`, false))
	requireStatus(t, 400, f.call("", `{"method":"stream.create","id":"s1"}`, false))
	requireStatus(t, 400, f.call("", `{"method":"agent.leave"}`, false))

	resp := f.o.Call(context.Background(), core.Message{
		Handle: "ha",
		Body:   json.RawMessage(`{"method":"signal.update"}`),
		JSEP:   &core.JSEP{Type: "answer", SDP: testOffer},
	})
	requireStatus(t, 400, resp)
}

func TestPanicIsInternalError(t *testing.T) {
	f := newFixture(t)
	f.o.Media = panicEngine{}
	f.attach(t, "ha")
	requireStatus(t, 200, f.call("ha", `{"method":"stream.create","id":"s1"}`, false))

	resp := f.call("ha", `{"method":"signal.create","agent_id":"A"}`, true)
	requireStatus(t, 500, resp)
	require.Equal(t, domain.KindInternal, resp.Err.Kind)
}

func TestTeardownIdempotent(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "ha")
	requireStatus(t, 200, f.call("ha", `{"method":"signal.create","agent_id":"A"}`, true))
	requireStatus(t, 200, f.call("ha", `{"method":"stream.create","id":"s1"}`, false))

	f.o.HangupMedia("ha")
	f.o.HangupMedia("ha")
	_, ok := f.o.Streams.WriterOf("s1")
	require.False(t, ok)

	resp := f.call("ha", `{"method":"stream.create","id":"s1"}`, false)
	requireStatus(t, 400, resp)
	_, ok = f.o.Streams.WriterOf("s1")
	require.False(t, ok)

	f.o.DetachHandle("ha")
	f.o.DetachHandle("ha")
	f.o.DestroySession("sess")
	f.o.DestroySession("sess")
	g := f.o.Gauges()
	require.Zero(t, g.Handles)
	require.Zero(t, g.Sessions)
	require.Zero(t, g.Agents)
}

func TestDestroySessionReleasesRoles(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "ha")
	f.attach(t, "hb")
	requireStatus(t, 200, f.call("ha", `{"method":"stream.create","id":"s1"}`, false))
	requireStatus(t, 200, f.call("hb", `{"method":"stream.read","id":"s1"}`, false))

	f.o.DestroySession("sess")
	require.Equal(t, domain.RoleNone, f.o.Streams.RoleOf("ha"))
	require.Equal(t, domain.RoleNone, f.o.Streams.RoleOf("hb"))
	require.Empty(t, f.o.Streams.ReadersOf("s1"))
}

func TestVacuumReaderPolicy(t *testing.T) {
	f := newFixture(t)
	f.o.Policy = app.SimplePolicy{Action: app.DisconnectReaders}
	f.attach(t, "ha")
	f.attach(t, "hb")
	requireStatus(t, 200, f.call("ha", `{"method":"stream.create","id":"s1"}`, false))
	requireStatus(t, 200, f.call("hb", `{"method":"stream.read","id":"s1"}`, false))
	f.o.HangupMedia("ha")

	require.Empty(t, f.o.Vacuum(time.Now()))
	removed := f.o.Vacuum(time.Now().Add(2 * time.Minute))
	require.Len(t, removed, 1)
	require.Equal(t, []domain.HandleID{"hb"}, removed[0].Readers)
	require.Equal(t, []domain.StreamID{"s1"}, f.relay.dropped)
	require.Equal(t, []domain.HandleID{"hb"}, f.host.Ended())
}

func TestStreamUpload(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "ha")
	f.attach(t, "hb")
	requireStatus(t, 200, f.call("ha", `{"method":"stream.create","id":"s1"}`, false))
	requireStatus(t, 200, f.call("hb", `{"method":"stream.read","id":"s1"}`, false))

	requireStatus(t, 400, f.call("", `{"method":"stream.upload","id":"s1","backend":"aws","bucket":"rec"}`, false))

	resp := f.call("", `{"method":"stream.upload","id":"s1","backend":"minio","bucket":"rec"}`, false)
	requireStatus(t, 200, resp)
	require.Equal(t, []string{"s3://rec/s1.mjr"}, resp.Data["mjr_dumps_uris"])
	require.False(t, f.o.Streams.Exists("s1"))
	require.ElementsMatch(t, []domain.HandleID{"ha", "hb"}, f.host.Ended())

	f.o.Uploader.(*fakeUploader).running = true
	resp = f.call("", `{"method":"stream.upload","id":"s1","backend":"minio","bucket":"rec"}`, false)
	requireStatus(t, 200, resp)
	require.Equal(t, "already_running", resp.Payload()["state"])
}

func TestTrickleAndLocalCandidates(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "ha")

	f.o.Trickle("ha", "t1", core.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	e := f.host.next(t)
	require.Equal(t, "ack", e.kind)
	require.Equal(t, "t1", e.tx)

	f.o.sendLocalCandidate("ha", core.Candidate{Candidate: "candidate:2 1 udp 1 10.0.0.2 5000 typ host"})
	e = f.host.next(t)
	require.Equal(t, "request", e.kind)
	require.Equal(t, string(broker.KindTrickle), e.reqKind)
	require.True(t, f.o.DeliverResponse(broker.Inbound{Handle: "ha", Transaction: e.tx, Type: broker.InboundAck}))
	require.Zero(t, f.o.Broker.Pending())
}

func TestSetupMediaRequestsKeyframeForReaders(t *testing.T) {
	f := newFixture(t)
	f.attach(t, "ha")
	f.attach(t, "hb")
	requireStatus(t, 200, f.call("ha", `{"method":"stream.create","id":"s1"}`, false))
	requireStatus(t, 200, f.call("hb", `{"method":"stream.read","id":"s1"}`, false))

	f.o.SetupMedia("ha")
	f.o.SetupMedia("hb")
	require.Equal(t, []domain.StreamID{"s1"}, f.relay.keyframes)
}

func TestAttachUnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.o.AttachHandle("missing", "h1")
	var e *domain.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, 400, e.Status)
	require.Error(t, f.o.CreateSession("sess"))
}
