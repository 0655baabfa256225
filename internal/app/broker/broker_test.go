package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/conference/internal/domain"
	"github.com/stretchr/testify/require"
)

type sent struct {
	handle domain.HandleID
	tx     string
	kind   string
}

type fakeOutbound struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (o *fakeOutbound) PushRequest(h domain.HandleID, tx, kind string, _ any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, sent{handle: h, tx: tx, kind: kind})
	return nil
}

func waitResult(t *testing.T, f *Future) Result {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("future not resolved")
	}
	r, ok := f.Result()
	require.True(t, ok)
	return r
}

func TestAckThenEvent(t *testing.T) {
	out := &fakeOutbound{}
	b := New(out, time.Minute)

	f, err := b.Send("h1", KindRenegotiate, map[string]string{"stream_id": "s1"})
	require.NoError(t, err)
	require.Len(t, out.sent, 1)
	require.Equal(t, f.Transaction(), out.sent[0].tx)
	require.Equal(t, "stream.renegotiate", out.sent[0].kind)

	require.True(t, b.Deliver(Inbound{Handle: "h1", Transaction: f.Transaction(), Type: InboundAck}))
	_, done := f.Result()
	require.False(t, done)
	require.Equal(t, 1, b.Pending())

	require.True(t, b.Deliver(Inbound{Handle: "h1", Transaction: f.Transaction(), Type: InboundEvent, Payload: json.RawMessage(`{"ok":true}`)}))
	r := waitResult(t, f)
	require.NoError(t, r.Err)
	require.JSONEq(t, `{"ok":true}`, string(r.Payload))
	require.Zero(t, b.Pending())
}

func TestTrickleResolvedByAck(t *testing.T) {
	b := New(&fakeOutbound{}, time.Minute)

	f, err := b.Send("h1", KindTrickle, nil)
	require.NoError(t, err)
	require.True(t, b.Deliver(Inbound{Transaction: f.Transaction(), Type: InboundAck}))
	r := waitResult(t, f)
	require.NoError(t, r.Err)
}

func TestErrorResolves(t *testing.T) {
	b := New(&fakeOutbound{}, time.Minute)

	f, err := b.Send("h1", KindRenegotiate, nil)
	require.NoError(t, err)
	b.Deliver(Inbound{Transaction: f.Transaction(), Type: InboundError, Err: domain.BadRequest("no offer")})

	_, err = f.Wait(context.Background())
	e := domain.AsError(err)
	require.Equal(t, 400, e.Status)
	require.Equal(t, "no offer", e.Detail)
}

func TestTimeoutThenLateMessageIgnored(t *testing.T) {
	b := New(&fakeOutbound{}, 20*time.Millisecond)

	f, err := b.Send("h1", KindRenegotiate, nil)
	require.NoError(t, err)

	r := waitResult(t, f)
	require.ErrorIs(t, r.Err, domain.ErrTimeout)
	require.Zero(t, b.Pending())

	require.False(t, b.Deliver(Inbound{Transaction: f.Transaction(), Type: InboundEvent, Payload: json.RawMessage(`{}`)}))
	r2, _ := f.Result()
	require.ErrorIs(t, r2.Err, domain.ErrTimeout)
}

func TestUnknownTransactionIgnored(t *testing.T) {
	b := New(&fakeOutbound{}, time.Minute)
	require.False(t, b.Deliver(Inbound{Transaction: "nope", Type: InboundEvent}))
}

func TestForeignHandleIgnored(t *testing.T) {
	b := New(&fakeOutbound{}, time.Minute)

	f, err := b.Send("h1", KindRenegotiate, nil)
	require.NoError(t, err)
	require.False(t, b.Deliver(Inbound{Handle: "h2", Transaction: f.Transaction(), Type: InboundEvent}))
	require.Equal(t, 1, b.Pending())
}

func TestDetachHandle(t *testing.T) {
	b := New(&fakeOutbound{}, time.Minute)

	f1, err := b.Send("h1", KindRenegotiate, nil)
	require.NoError(t, err)
	f2, err := b.Send("h1", KindTrickle, nil)
	require.NoError(t, err)
	f3, err := b.Send("h2", KindTrickle, nil)
	require.NoError(t, err)

	require.Equal(t, 2, b.DetachHandle("h1"))
	require.ErrorIs(t, waitResult(t, f1).Err, domain.ErrDetached)
	require.ErrorIs(t, waitResult(t, f2).Err, domain.ErrDetached)

	_, done := f3.Result()
	require.False(t, done)
	require.Equal(t, 1, b.Pending())
	require.Zero(t, b.DetachHandle("h1"))
}

func TestSendPushFailure(t *testing.T) {
	b := New(&fakeOutbound{err: errors.New("gone")}, time.Minute)

	_, err := b.Send("h1", KindTrickle, nil)
	require.EqualError(t, err, "push trickle to h1: gone")
	require.Zero(t, b.Pending())
}

func TestClose(t *testing.T) {
	b := New(&fakeOutbound{}, time.Minute)

	f, err := b.Send("h1", KindRenegotiate, nil)
	require.NoError(t, err)
	b.Close()
	require.ErrorIs(t, waitResult(t, f).Err, domain.ErrDetached)

	_, err = b.Send("h1", KindTrickle, nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestWaitContext(t *testing.T) {
	b := New(&fakeOutbound{}, time.Minute)

	f, err := b.Send("h1", KindRenegotiate, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, b.Pending())
}
