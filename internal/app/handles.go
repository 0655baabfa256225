package app

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionExists  = errors.New("session already exists")
	ErrSessionUnknown = errors.New("session not found")
	ErrHandleExists   = errors.New("handle already attached")
)

// HandleState is the mutable per-handle record owned by the HandleTable.
type HandleState struct {
	ID        domain.HandleID
	Session   domain.SessionID
	CreatedAt time.Time

	negotiating sync.Mutex

	mu          sync.Mutex
	agent       domain.AgentID
	negotiation domain.NegotiationState
	offer       string
	gating      domain.Gating

	tornDown atomic.Bool
}

func (hs *HandleState) Agent() domain.AgentID {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.agent
}

func (hs *HandleState) SetAgent(a domain.AgentID) {
	hs.mu.Lock()
	hs.agent = a
	hs.mu.Unlock()
}

// SetOffer stores the latest client offer and moves to offer-received.
func (hs *HandleState) SetOffer(sdp string) {
	hs.mu.Lock()
	hs.offer = sdp
	hs.negotiation = domain.NegotiationOfferReceived
	hs.mu.Unlock()
}

func (hs *HandleState) Offer() (string, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.offer, hs.offer != ""
}

// PendingOffer returns the stored offer while it is still unanswered.
func (hs *HandleState) PendingOffer() (string, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.offer, hs.offer != "" && hs.negotiation == domain.NegotiationOfferReceived
}

// MarkAnswered moves to answer-sent unless a newer offer replaced the
// answered one in the meantime.
func (hs *HandleState) MarkAnswered(offer string) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.offer != offer {
		return false
	}
	hs.negotiation = domain.NegotiationAnswerSent
	return true
}

// LockNegotiation serializes offer/answer rounds of the handle.
func (hs *HandleState) LockNegotiation() func() {
	hs.negotiating.Lock()
	return hs.negotiating.Unlock
}

func (hs *HandleState) Negotiation() domain.NegotiationState {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.negotiation
}

func (hs *HandleState) Gating() domain.Gating {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.gating
}

// UpdateGating mutates the gating in place and returns the result.
func (hs *HandleState) UpdateGating(fn func(*domain.Gating)) domain.Gating {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	fn(&hs.gating)
	return hs.gating
}

// TearDown marks the handle torn down. Only the first call returns true.
func (hs *HandleState) TearDown() bool {
	return hs.tornDown.CompareAndSwap(false, true)
}

func (hs *HandleState) TornDown() bool {
	return hs.tornDown.Load()
}

func (hs *HandleState) Info() domain.HandleInfo {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return domain.HandleInfo{
		ID:          hs.ID,
		Session:     hs.Session,
		Agent:       hs.agent,
		Negotiation: hs.negotiation,
		Gating:      hs.gating,
		CreatedAt:   hs.CreatedAt,
	}
}

type sessionEntry struct {
	CreatedAt time.Time
	handles   map[domain.HandleID]struct{}
}

// HandleTable owns the live sessions and their handles.
type HandleTable struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionEntry
	handles  map[domain.HandleID]*HandleState
	now      func() time.Time
}

func NewHandleTable() *HandleTable {
	return &HandleTable{
		sessions: make(map[domain.SessionID]*sessionEntry),
		handles:  make(map[domain.HandleID]*HandleState),
		now:      time.Now,
	}
}

func (t *HandleTable) CreateSession(sid domain.SessionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[sid]; ok {
		return ErrSessionExists
	}
	t.sessions[sid] = &sessionEntry{CreatedAt: t.now(), handles: make(map[domain.HandleID]struct{})}
	log.Info().Str("module", "app.handles").Str("session_id", string(sid)).Msg("session created")
	return nil
}

// DestroySession removes the session and returns the handles it still owned.
func (t *HandleTable) DestroySession(sid domain.SessionID) []*HandleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[sid]
	if !ok {
		return nil
	}
	delete(t.sessions, sid)
	out := make([]*HandleState, 0, len(e.handles))
	for hid := range e.handles {
		if hs, ok := t.handles[hid]; ok {
			out = append(out, hs)
			delete(t.handles, hid)
		}
	}
	slices.SortFunc(out, func(a, b *HandleState) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	log.Info().Str("module", "app.handles").Str("session_id", string(sid)).Int("handles", len(out)).Msg("session destroyed")
	return out
}

func (t *HandleTable) Attach(sid domain.SessionID, hid domain.HandleID) (*HandleState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[sid]
	if !ok {
		return nil, ErrSessionUnknown
	}
	if _, ok := t.handles[hid]; ok {
		return nil, ErrHandleExists
	}
	hs := &HandleState{ID: hid, Session: sid, CreatedAt: t.now(), gating: domain.DefaultGating()}
	t.handles[hid] = hs
	e.handles[hid] = struct{}{}
	log.Info().Str("module", "app.handles").Str("session_id", string(sid)).Str("handle_id", string(hid)).Msg("handle attached")
	return hs, nil
}

func (t *HandleTable) Detach(hid domain.HandleID) (*HandleState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs, ok := t.handles[hid]
	if !ok {
		return nil, false
	}
	delete(t.handles, hid)
	if e, ok := t.sessions[hs.Session]; ok {
		delete(e.handles, hid)
	}
	log.Info().Str("module", "app.handles").Str("handle_id", string(hid)).Msg("handle detached")
	return hs, true
}

func (t *HandleTable) Get(hid domain.HandleID) (*HandleState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hs, ok := t.handles[hid]
	return hs, ok
}

func (t *HandleTable) HasSession(sid domain.SessionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[sid]
	return ok
}

func (t *HandleTable) Counts() (sessions, handles int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions), len(t.handles)
}
