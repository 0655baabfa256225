// Package broker correlates server-issued requests with client responses.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/conference/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 30 * time.Second

var ErrClosed = errors.New("broker closed")

// Kind names an outbound request and says how it completes.
type Kind string

const (
	// KindTrickle is fire-and-forget: the ack resolves it.
	KindTrickle Kind = "trickle"
	// KindRenegotiate waits for the client event after the ack.
	KindRenegotiate Kind = "stream.renegotiate"
)

func (k Kind) expectsEvent() bool {
	return k != KindTrickle
}

// Outbound hands a request to the client transport.
type Outbound interface {
	PushRequest(h domain.HandleID, transaction, kind string, payload any) error
}

type InboundType int

const (
	InboundAck InboundType = iota
	InboundEvent
	InboundError
)

// Inbound is a client message carrying a broker transaction id.
type Inbound struct {
	Handle      domain.HandleID
	Transaction string
	Type        InboundType
	Payload     json.RawMessage
	Err         *domain.Error
}

type state int

const (
	stateAwaitingAck state = iota
	stateAwaitingEvent
	stateResolved
)

type entry struct {
	handle domain.HandleID
	kind   Kind
	state  state
	future *Future
	timer  *time.Timer
}

type Broker struct {
	out     Outbound
	timeout time.Duration

	mu       sync.Mutex
	pending  map[string]*entry
	byHandle map[domain.HandleID]map[string]struct{}
	closed   bool
}

func New(out Outbound, timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		out:      out,
		timeout:  timeout,
		pending:  make(map[string]*entry),
		byHandle: make(map[domain.HandleID]map[string]struct{}),
	}
}

// Send registers a pending transaction and pushes the request. The entry is
// registered before the push so a fast reply cannot be lost.
func (b *Broker) Send(h domain.HandleID, kind Kind, payload any) (*Future, error) {
	tx := uuid.NewString()
	f := newFuture(tx)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	e := &entry{handle: h, kind: kind, future: f}
	e.timer = time.AfterFunc(b.timeout, func() { b.expire(tx) })
	b.pending[tx] = e
	set, ok := b.byHandle[h]
	if !ok {
		set = make(map[string]struct{})
		b.byHandle[h] = set
	}
	set[tx] = struct{}{}
	b.mu.Unlock()

	if err := b.out.PushRequest(h, tx, string(kind), payload); err != nil {
		b.finish(tx, Result{Err: err})
		return nil, fmt.Errorf("push %s to %s: %w", kind, h, err)
	}
	log.Debug().Str("module", "broker").Str("handle_id", string(h)).Str("transaction", tx).Str("kind", string(kind)).Msg("request sent")
	return f, nil
}

// Deliver routes a client message to its pending transaction. It reports
// whether the message matched a live entry; late or unknown ids are ignored.
func (b *Broker) Deliver(in Inbound) bool {
	b.mu.Lock()
	e, ok := b.pending[in.Transaction]
	if !ok || e.state == stateResolved {
		b.mu.Unlock()
		log.Debug().Str("module", "broker").Str("transaction", in.Transaction).Msg("unknown or late transaction ignored")
		return false
	}
	if in.Handle != "" && in.Handle != e.handle {
		b.mu.Unlock()
		log.Warn().Str("module", "broker").Str("transaction", in.Transaction).
			Str("handle_id", string(in.Handle)).Str("owner", string(e.handle)).Msg("transaction owned by another handle")
		return false
	}

	var res Result
	switch in.Type {
	case InboundAck:
		switch e.state {
		case stateAwaitingAck:
			if e.kind.expectsEvent() {
				e.state = stateAwaitingEvent
				b.mu.Unlock()
				return true
			}
		case stateAwaitingEvent:
			b.mu.Unlock()
			return true
		}
	case InboundEvent:
		res = Result{Payload: in.Payload}
	case InboundError:
		if in.Err != nil {
			res = Result{Err: in.Err}
		} else {
			res = Result{Err: domain.Internal("client error without details")}
		}
	default:
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	return b.finish(in.Transaction, res)
}

// DetachHandle resolves every pending transaction of h as detached.
func (b *Broker) DetachHandle(h domain.HandleID) int {
	b.mu.Lock()
	set := b.byHandle[h]
	txs := make([]string, 0, len(set))
	for tx := range set {
		txs = append(txs, tx)
	}
	b.mu.Unlock()

	n := 0
	for _, tx := range txs {
		if b.finish(tx, Result{Err: domain.ErrDetached}) {
			n++
		}
	}
	return n
}

func (b *Broker) expire(tx string) {
	if b.finish(tx, Result{Err: domain.ErrTimeout}) {
		log.Warn().Str("module", "broker").Str("transaction", tx).Msg("transaction timed out")
	}
}

// finish removes the entry and resolves its future. Only the first caller wins.
func (b *Broker) finish(tx string, r Result) bool {
	b.mu.Lock()
	e, ok := b.pending[tx]
	if !ok || e.state == stateResolved {
		b.mu.Unlock()
		return false
	}
	e.state = stateResolved
	e.timer.Stop()
	delete(b.pending, tx)
	if set, ok := b.byHandle[e.handle]; ok {
		delete(set, tx)
		if len(set) == 0 {
			delete(b.byHandle, e.handle)
		}
	}
	b.mu.Unlock()

	return e.future.resolve(r)
}

func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close resolves everything as detached and rejects further sends.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	txs := make([]string, 0, len(b.pending))
	for tx := range b.pending {
		txs = append(txs, tx)
	}
	b.mu.Unlock()
	for _, tx := range txs {
		b.finish(tx, Result{Err: domain.ErrDetached})
	}
}
