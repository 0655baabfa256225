package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/dkeye/conference/internal/app/broker"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Core is the part of the orchestrator a client connection drives.
type Core interface {
	CreateSession(sid domain.SessionID) error
	DestroySession(sid domain.SessionID)
	AttachHandle(sid domain.SessionID, hid domain.HandleID) error
	DetachHandle(hid domain.HandleID)
	HandleMessage(ctx context.Context, msg core.Message)
	Trickle(h domain.HandleID, transaction string, c core.Candidate)
	DeliverResponse(in broker.Inbound) bool
}

// Session is the gateway state of one client connection: at most one core
// session and the handles attached to it.
type Session struct {
	core   Core
	router *Router
	conn   core.SignalConnection
	label  string
	newID  func() string

	mu      sync.Mutex
	id      domain.SessionID
	handles map[domain.HandleID]struct{}
}

// NewSession binds a connection. label names the connection in logs.
func NewSession(c Core, router *Router, conn core.SignalConnection, label string) *Session {
	return &Session{
		core:    c,
		router:  router,
		conn:    conn,
		label:   label,
		newID:   uuid.NewString,
		handles: make(map[domain.HandleID]struct{}),
	}
}

func (s *Session) ID() domain.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Handle processes one inbound frame.
func (s *Session) Handle(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.fail("", http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	switch env.Janus {
	case TypeCreate:
		s.create(env)
	case TypeAttach:
		s.attach(env)
	case TypeMessage:
		s.message(ctx, env)
	case TypeTrickle:
		s.trickle(env)
	case TypeDetach:
		s.detach(env)
	case TypeDestroy:
		s.Close()
		s.reply(Envelope{Janus: TypeSuccess, Transaction: env.Transaction})
	case TypeKeepalive:
		s.reply(Envelope{Janus: TypeAck, Transaction: env.Transaction, SessionID: env.SessionID})
	case TypeAck, TypeEvent, TypeError:
		s.deliver(env)
	default:
		log.Warn().Str("module", "gateway").Str("conn", s.label).Str("janus", env.Janus).Msg("unknown envelope")
		s.fail(env.Transaction, http.StatusMethodNotAllowed, "unknown request "+strconv.Quote(env.Janus))
	}
}

func (s *Session) create(env Envelope) {
	s.mu.Lock()
	if s.id != "" {
		s.mu.Unlock()
		s.fail(env.Transaction, http.StatusBadRequest, "session already created")
		return
	}
	sid := domain.SessionID(s.newID())
	if err := s.core.CreateSession(sid); err != nil {
		s.mu.Unlock()
		s.failErr(env.Transaction, err)
		return
	}
	s.id = sid
	s.mu.Unlock()

	log.Info().Str("module", "gateway").Str("conn", s.label).Str("session_id", string(sid)).Msg("session created")
	s.reply(Envelope{Janus: TypeSuccess, Transaction: env.Transaction, Data: map[string]string{"id": string(sid)}})
}

func (s *Session) attach(env Envelope) {
	sid, ok := s.session(env)
	if !ok {
		return
	}
	hid := domain.HandleID(s.newID())
	if err := s.core.AttachHandle(sid, hid); err != nil {
		s.failErr(env.Transaction, err)
		return
	}
	s.router.Bind(hid, sid, s.conn)
	s.mu.Lock()
	s.handles[hid] = struct{}{}
	s.mu.Unlock()

	s.reply(Envelope{Janus: TypeSuccess, Transaction: env.Transaction, SessionID: string(sid), Data: map[string]string{"id": string(hid)}})
}

func (s *Session) message(ctx context.Context, env Envelope) {
	sid, h, ok := s.handle(env)
	if !ok {
		return
	}
	if len(env.Body) == 0 {
		s.fail(env.Transaction, http.StatusBadRequest, "missing body")
		return
	}
	s.core.HandleMessage(ctx, core.Message{
		Session:     sid,
		Handle:      h,
		Transaction: env.Transaction,
		Body:        env.Body,
		JSEP:        env.JSEP,
	})
}

func (s *Session) trickle(env Envelope) {
	_, h, ok := s.handle(env)
	if !ok {
		return
	}
	if env.Candidate == nil {
		s.fail(env.Transaction, http.StatusBadRequest, "missing candidate")
		return
	}
	s.core.Trickle(h, env.Transaction, *env.Candidate)
}

func (s *Session) detach(env Envelope) {
	sid, h, ok := s.handle(env)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
	s.core.DetachHandle(h)
	s.router.Unbind(h)
	s.reply(Envelope{Janus: TypeSuccess, Transaction: env.Transaction, SessionID: string(sid)})
}

// deliver hands a client answer to a server-issued request to the broker.
func (s *Session) deliver(env Envelope) {
	_, h, ok := s.handle(env)
	if !ok {
		return
	}
	in := broker.Inbound{Handle: h, Transaction: env.Transaction}
	switch env.Janus {
	case TypeAck:
		in.Type = broker.InboundAck
	case TypeEvent:
		in.Type = broker.InboundEvent
		in.Payload = env.Body
		if env.PluginData != nil {
			in.Payload = env.PluginData.Data
		}
	case TypeError:
		in.Type = broker.InboundError
		in.Err = clientError(env)
	}
	if !s.core.DeliverResponse(in) {
		log.Debug().Str("module", "gateway").Str("handle_id", string(h)).Str("transaction", env.Transaction).Msg("response not correlated")
	}
}

// clientError reads the {status,type,title,detail} shape from the body and
// falls back to the envelope error.
func clientError(env Envelope) *domain.Error {
	var body struct {
		Status string `json:"status"`
		Type   string `json:"type"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if len(env.Body) > 0 {
		_ = json.Unmarshal(env.Body, &body)
	}
	e := &domain.Error{Kind: domain.KindInternal, Title: "client error", Status: http.StatusInternalServerError}
	if body.Type != "" {
		e.Kind = domain.ErrorKind(body.Type)
		e.Title = body.Title
		e.Detail = body.Detail
		if st, err := strconv.Atoi(body.Status); err == nil {
			e.Status = st
		}
	}
	if env.Error != nil {
		if e.Detail == "" {
			e.Detail = env.Error.Reason
		}
		if body.Status == "" && env.Error.Code != 0 {
			e.Status = env.Error.Code
		}
	}
	return e
}

func (s *Session) session(env Envelope) (domain.SessionID, bool) {
	s.mu.Lock()
	sid := s.id
	s.mu.Unlock()
	if sid == "" || (env.SessionID != "" && env.SessionID != string(sid)) {
		s.fail(env.Transaction, http.StatusNotFound, "no such session")
		return "", false
	}
	return sid, true
}

func (s *Session) handle(env Envelope) (domain.SessionID, domain.HandleID, bool) {
	sid, ok := s.session(env)
	if !ok {
		return "", "", false
	}
	h := domain.HandleID(env.HandleID)
	s.mu.Lock()
	_, owned := s.handles[h]
	s.mu.Unlock()
	if !owned {
		s.fail(env.Transaction, http.StatusNotFound, "no such handle")
		return "", "", false
	}
	return sid, h, true
}

// Close destroys the core session and every handle still attached.
func (s *Session) Close() {
	s.mu.Lock()
	sid := s.id
	handles := s.handles
	s.id = ""
	s.handles = make(map[domain.HandleID]struct{})
	s.mu.Unlock()

	for h := range handles {
		s.router.Unbind(h)
	}
	if sid != "" {
		s.core.DestroySession(sid)
		log.Info().Str("module", "gateway").Str("conn", s.label).Str("session_id", string(sid)).Msg("session destroyed")
	}
}

func (s *Session) reply(env Envelope) {
	f, err := encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("encode reply")
		return
	}
	if err := s.conn.TrySend(f); err != nil {
		log.Warn().Err(err).Str("module", "gateway").Str("conn", s.label).Str("janus", env.Janus).Msg("reply dropped")
	}
}

func (s *Session) fail(transaction string, code int, reason string) {
	s.reply(Envelope{Janus: TypeError, Transaction: transaction, Error: &EnvelopeError{Code: code, Reason: reason}})
}

func (s *Session) failErr(transaction string, err error) {
	e := domain.AsError(err)
	s.fail(transaction, e.Status, e.Error())
}
