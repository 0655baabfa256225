package jsep

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	iceChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/"
	ufragLen = 16
	pwdLen   = 32
)

type handleMedia struct {
	creds      Credentials
	candidates int
	completed  bool
}

// Engine is the SDP-only media engine: it answers offers and records remote
// candidates while the gateway owns ICE, DTLS and packet I/O.
type Engine struct {
	answerer  *Answerer
	algorithm string
	value     string

	mu      sync.Mutex
	handles map[domain.HandleID]*handleMedia
	onLocal func(domain.HandleID, core.Candidate)
}

// NewEngine generates the DTLS certificate whose fingerprint is advertised.
func NewEngine(a *Answerer) (*Engine, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil || len(fps) == 0 {
		return nil, fmt.Errorf("certificate fingerprint: %w", err)
	}
	return &Engine{
		answerer:  a,
		algorithm: fps[0].Algorithm,
		value:     fps[0].Value,
		handles:   make(map[domain.HandleID]*handleMedia),
	}, nil
}

func (e *Engine) media(h domain.HandleID) (*handleMedia, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.handles[h]; ok {
		return m, nil
	}
	ufrag, err := randutil.GenerateCryptoRandomString(ufragLen, iceChars)
	if err != nil {
		return nil, err
	}
	pwd, err := randutil.GenerateCryptoRandomString(pwdLen, iceChars)
	if err != nil {
		return nil, err
	}
	m := &handleMedia{creds: Credentials{
		Ufrag:                ufrag,
		Pwd:                  pwd,
		FingerprintAlgorithm: e.algorithm,
		Fingerprint:          e.value,
	}}
	e.handles[h] = m
	return m, nil
}

func (e *Engine) Negotiate(_ context.Context, n core.Negotiation) (string, error) {
	m, err := e.media(n.Handle)
	if err != nil {
		return "", fmt.Errorf("ice credentials: %w", err)
	}
	answer, err := e.answerer.Answer(m.creds, n.Offer, n.Direction)
	if err != nil {
		return "", err
	}
	log.Debug().Str("module", "jsep").Str("handle_id", string(n.Handle)).
		Str("role", n.Role.String()).Str("direction", string(n.Direction)).Msg("answer built")
	return answer, nil
}

func (e *Engine) AddICECandidate(h domain.HandleID, c core.Candidate) error {
	if c.Candidate != "" && !strings.HasPrefix(strings.TrimPrefix(c.Candidate, "a="), "candidate:") {
		return domain.BadRequest("malformed candidate %q", c.Candidate)
	}
	m, err := e.media(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if c.Completed || c.Candidate == "" {
		m.completed = true
	} else {
		m.candidates++
	}
	e.mu.Unlock()
	return nil
}

// OnLocalCandidate is never fired: the gateway gathers local candidates.
func (e *Engine) OnLocalCandidate(fn func(domain.HandleID, core.Candidate)) {
	e.mu.Lock()
	e.onLocal = fn
	e.mu.Unlock()
}

func (e *Engine) Close(h domain.HandleID) {
	e.mu.Lock()
	delete(e.handles, h)
	e.mu.Unlock()
}

// Candidates reports how many remote candidates h trickled and whether
// gathering completed.
func (e *Engine) Candidates(h domain.HandleID) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.handles[h]
	if !ok {
		return 0, false
	}
	return m.candidates, m.completed
}
