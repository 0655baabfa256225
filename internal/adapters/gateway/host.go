package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrUnboundHandle = errors.New("handle is not bound to a connection")

type binding struct {
	session domain.SessionID
	conn    core.SignalConnection
}

// Router implements core.Host by writing envelopes to the connection each
// handle was attached on.
type Router struct {
	mu      sync.RWMutex
	handles map[domain.HandleID]binding
}

func NewRouter() *Router {
	return &Router{handles: make(map[domain.HandleID]binding)}
}

func (r *Router) Bind(h domain.HandleID, sid domain.SessionID, conn core.SignalConnection) {
	r.mu.Lock()
	r.handles[h] = binding{session: sid, conn: conn}
	r.mu.Unlock()
}

func (r *Router) Unbind(h domain.HandleID) {
	r.mu.Lock()
	delete(r.handles, h)
	r.mu.Unlock()
}

// Bound returns the number of bound handles.
func (r *Router) Bound() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *Router) lookup(h domain.HandleID) (binding, error) {
	r.mu.RLock()
	b, ok := r.handles[h]
	r.mu.RUnlock()
	if !ok {
		return binding{}, fmt.Errorf("%s: %w", h, ErrUnboundHandle)
	}
	return b, nil
}

func (r *Router) send(h domain.HandleID, env Envelope) error {
	b, err := r.lookup(h)
	if err != nil {
		return err
	}
	env.SessionID = string(b.session)
	env.HandleID = string(h)
	f, err := encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Janus, err)
	}
	return b.conn.TrySend(f)
}

func (r *Router) PushAck(h domain.HandleID, transaction string) error {
	return r.send(h, Envelope{Janus: TypeAck, Transaction: transaction})
}

func (r *Router) PushEvent(h domain.HandleID, transaction string, resp core.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return r.send(h, Envelope{
		Janus:       TypeEvent,
		Transaction: transaction,
		Sender:      string(h),
		PluginData:  &PluginData{Plugin: PluginName, Data: data},
		JSEP:        resp.JSEP,
	})
}

// PushRequest sends a server-issued request. Trickle requests carry the
// candidate like client trickles do.
func (r *Router) PushRequest(h domain.HandleID, transaction, kind string, payload any) error {
	env := Envelope{Janus: TypeRequest, Transaction: transaction, Method: kind}
	if c, ok := payload.(core.Candidate); ok && kind == TypeTrickle {
		env.Janus = TypeTrickle
		env.Candidate = &c
	} else {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", kind, err)
		}
		env.Body = body
	}
	return r.send(h, env)
}

// EndSession tells the client the handle is gone and forgets it.
func (r *Router) EndSession(h domain.HandleID) {
	if err := r.send(h, Envelope{Janus: TypeHangup, Reason: "ended"}); err != nil {
		log.Debug().Err(err).Str("module", "gateway").Str("handle_id", string(h)).Msg("hangup not delivered")
	}
	r.Unbind(h)
}
