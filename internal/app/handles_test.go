package app

import (
	"testing"

	"github.com/dkeye/conference/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestHandleTableLifecycle(t *testing.T) {
	tbl := NewHandleTable()

	_, err := tbl.Attach("s", "h1")
	require.ErrorIs(t, err, ErrSessionUnknown)

	require.NoError(t, tbl.CreateSession("s"))
	require.ErrorIs(t, tbl.CreateSession("s"), ErrSessionExists)

	hs, err := tbl.Attach("s", "h1")
	require.NoError(t, err)
	require.Equal(t, domain.DefaultGating(), hs.Gating())
	require.Equal(t, domain.NegotiationIdle, hs.Negotiation())

	_, err = tbl.Attach("s", "h1")
	require.ErrorIs(t, err, ErrHandleExists)
	_, err = tbl.Attach("s", "h2")
	require.NoError(t, err)

	_, ok := tbl.Detach("h1")
	require.True(t, ok)
	_, ok = tbl.Detach("h1")
	require.False(t, ok)

	left := tbl.DestroySession("s")
	require.Len(t, left, 1)
	require.Equal(t, domain.HandleID("h2"), left[0].ID)

	sessions, handles := tbl.Counts()
	require.Zero(t, sessions)
	require.Zero(t, handles)
}

func TestHandleStateNegotiation(t *testing.T) {
	tbl := NewHandleTable()
	require.NoError(t, tbl.CreateSession("s"))
	hs, err := tbl.Attach("s", "h1")
	require.NoError(t, err)

	_, ok := hs.Offer()
	require.False(t, ok)

	hs.SetOffer("v=0")
	require.Equal(t, domain.NegotiationOfferReceived, hs.Negotiation())
	offer, ok := hs.PendingOffer()
	require.True(t, ok)
	require.True(t, hs.MarkAnswered(offer))
	require.Equal(t, domain.NegotiationAnswerSent, hs.Negotiation())
	_, ok = hs.PendingOffer()
	require.False(t, ok)

	hs.SetOffer("v=0 second")
	require.False(t, hs.MarkAnswered(offer))
	require.Equal(t, domain.NegotiationOfferReceived, hs.Negotiation())
	offer, ok = hs.PendingOffer()
	require.True(t, ok)
	require.Equal(t, "v=0 second", offer)

	g := hs.UpdateGating(func(g *domain.Gating) { g.Video = false })
	require.False(t, g.Video)
	require.True(t, g.Audio)

	require.True(t, hs.TearDown())
	require.False(t, hs.TearDown())
	require.True(t, hs.TornDown())
}

func TestParseReaderPolicy(t *testing.T) {
	p, err := ParseReaderPolicy("")
	require.NoError(t, err)
	require.Equal(t, KeepReaders, p.OnStreamVacuumed("s", nil))

	p, err = ParseReaderPolicy("Disconnect")
	require.NoError(t, err)
	require.Equal(t, DisconnectReaders, p.Action)

	_, err = ParseReaderPolicy("evict")
	require.EqualError(t, err, `unknown reader policy "evict"`)
}
