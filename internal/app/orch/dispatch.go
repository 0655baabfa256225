package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

type request struct {
	method string
	msg    core.Message
	handle *app.HandleState
}

type operation func(o *Orchestrator, ctx context.Context, req *request) (core.Response, error)

var operations = map[string]operation{
	"signal.create":        (*Orchestrator).signalCreate,
	"signal.update":        (*Orchestrator).signalUpdate,
	"stream.create":        (*Orchestrator).streamCreate,
	"stream.read":          (*Orchestrator).streamRead,
	"stream.upload":        (*Orchestrator).streamUpload,
	"writer_config.update": (*Orchestrator).writerConfigUpdate,
	"reader_config.update": (*Orchestrator).readerConfigUpdate,
	"agent.leave":          (*Orchestrator).agentLeave,
	"service.ping":         (*Orchestrator).servicePing,
}

// HandleMessage acknowledges the request at once, runs it on its own
// goroutine and pushes exactly one terminal event or error.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg core.Message) {
	if err := o.Host.PushAck(msg.Handle, msg.Transaction); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle_id", string(msg.Handle)).
			Str("transaction", msg.Transaction).Msg("push ack failed")
	}
	go func() {
		resp := o.Call(ctx, msg)
		if err := o.Host.PushEvent(msg.Handle, msg.Transaction, resp); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("handle_id", string(msg.Handle)).
				Str("transaction", msg.Transaction).Msg("push event failed")
		}
	}()
}

// Call runs a request synchronously and returns its terminal response.
// Requests without a handle are accepted for the methods that do not need one.
func (o *Orchestrator) Call(ctx context.Context, msg core.Message) core.Response {
	start := time.Now()
	var env struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return o.finish("unknown", msg, start, core.Fail(domain.BadRequest("invalid body: %v", err)))
	}
	op, ok := operations[env.Method]
	if !ok {
		return o.finish("unknown", msg, start, core.Fail(domain.BadRequest("unknown method %q", env.Method)))
	}

	req := &request{method: env.Method, msg: msg}
	if msg.Handle != "" {
		hs, ok := o.Handles.Get(msg.Handle)
		if !ok {
			return o.finish(env.Method, msg, start, core.Fail(domain.BadRequest("unknown handle %s", msg.Handle)))
		}
		req.handle = hs
	}
	return o.finish(env.Method, msg, start, o.run(ctx, op, req))
}

func (o *Orchestrator) run(ctx context.Context, op operation, req *request) (resp core.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "orch").Str("method", req.method).Str("handle_id", string(req.msg.Handle)).
				Interface("panic", r).Bytes("stack", debug.Stack()).Msg("request panicked")
			resp = core.Fail(domain.Internal("%v", r))
		}
	}()
	resp, err := op(o, ctx, req)
	if err != nil {
		return core.Fail(err)
	}
	return resp
}

func (o *Orchestrator) finish(method string, msg core.Message, start time.Time, resp core.Response) core.Response {
	d := time.Since(start)
	o.Metrics.ObserveRequest(method, resp.Status, d)
	ev := log.Debug()
	if resp.Err != nil {
		ev = log.Warn().Str("error", resp.Err.Error())
	}
	ev.Str("module", "orch").Str("method", method).Str("handle_id", string(msg.Handle)).
		Str("transaction", msg.Transaction).Int("status", resp.Status).Dur("took", d).Msg("request done")
	return resp
}

func (r *request) decode(v any) error {
	if err := json.Unmarshal(r.msg.Body, v); err != nil {
		return domain.BadRequest("invalid %s body: %v", r.method, err)
	}
	return nil
}

// live returns the request's handle, failing when the method needs one and
// there is none or it is already torn down.
func (r *request) live() (*app.HandleState, error) {
	if r.handle == nil {
		return nil, domain.BadRequest("%s requires a handle", r.method)
	}
	if r.handle.TornDown() {
		return nil, errTornDown(r.handle.ID)
	}
	return r.handle, nil
}

func (r *request) offer() (string, error) {
	j := r.msg.JSEP
	if j == nil {
		return "", domain.BadRequest("%s requires a jsep offer", r.method)
	}
	if j.Type != "offer" {
		return "", domain.BadRequest("jsep type %q is not an offer", j.Type)
	}
	if j.SDP == "" {
		return "", domain.BadRequest("jsep offer has no sdp")
	}
	return j.SDP, nil
}

func errTornDown(h domain.HandleID) error {
	return domain.BadRequest("handle %s is torn down", h)
}

func withAnswer(resp core.Response, answer string) core.Response {
	if answer != "" {
		resp.JSEP = &core.JSEP{Type: "answer", SDP: answer}
	}
	return resp
}

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
