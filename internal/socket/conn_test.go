package socket

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acceptPipe(t *testing.T, opts Options) (*Conn, peer) {
	t.Helper()
	serverEnd, clientEnd := newPipe()
	c := Accept(serverEnd, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c, peer{t: t, end: clientEnd}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection still %s", c.State())
	}
}

func TestConn_AckRoundTrip(t *testing.T) {
	c, p := acceptPipe(t, Options{})
	c.On("echo", func(_ context.Context, _ *Conn, ev Event) (any, error) {
		return ev.Data, nil
	})
	require.NoError(t, c.Start())
	assert.Equal(t, StateConnected, c.State())

	p.send(envelope{Event: "echo", ID: "req-1", Ack: true, Data: json.RawMessage(`{"x":1}`)})

	ack := p.recvSkippingPings()
	assert.Equal(t, eventAck, ack.Event)
	assert.Equal(t, "req-1", ack.ID)
	assert.JSONEq(t, `{"x":1}`, string(ack.Data))
	assert.Nil(t, ack.Error)
}

func TestConn_HandlerErrorBecomesErrorEvent(t *testing.T) {
	c, p := acceptPipe(t, Options{})
	c.On("stock:subscribe", func(context.Context, *Conn, Event) (any, error) {
		return nil, apperrors.InvalidTopic("ZZZZ")
	})
	require.NoError(t, c.Start())

	p.send(envelope{Event: "stock:subscribe", Data: json.RawMessage(`{"symbol":"ZZZZ"}`)})

	ev := p.recvSkippingPings()
	assert.Equal(t, eventError, ev.Event)
	var payload apperrors.Event
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, apperrors.CodeInvalidTopic, payload.Code)
}

func TestConn_HandlerErrorInAck(t *testing.T) {
	c, p := acceptPipe(t, Options{})
	c.On("fail", func(context.Context, *Conn, Event) (any, error) {
		return nil, domain.ErrStoreUnavailable
	})
	require.NoError(t, c.Start())

	p.send(envelope{Event: "fail", ID: "r", Ack: true})

	ack := p.recvSkippingPings()
	assert.Equal(t, eventAck, ack.Event)
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.CodeStoreUnavailable, ack.Error.Code)
}

func TestConn_UnknownEventAck(t *testing.T) {
	c, p := acceptPipe(t, Options{})
	require.NoError(t, c.Start())

	p.send(envelope{Event: "nope", ID: "r", Ack: true})

	ack := p.recvSkippingPings()
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.CodeValidation, ack.Error.Code)
}

func TestConn_HandlerPanicIsRecovered(t *testing.T) {
	c, p := acceptPipe(t, Options{})
	c.On("boom", func(context.Context, *Conn, Event) (any, error) {
		panic("kaboom")
	})
	require.NoError(t, c.Start())

	p.send(envelope{Event: "boom", ID: "r", Ack: true})

	ack := p.recvSkippingPings()
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.CodeInternal, ack.Error.Code)
	assert.Equal(t, StateConnected, c.State())
}

func TestConn_AnswersPing(t *testing.T) {
	c, p := acceptPipe(t, Options{})
	require.NoError(t, c.Start())

	p.send(envelope{Event: eventPing})

	assert.Equal(t, eventPong, p.recvSkippingPings().Event)
}

func TestConn_EmitWithAckResolves(t *testing.T) {
	c, p := acceptPipe(t, Options{})
	require.NoError(t, c.Start())

	result := make(chan json.RawMessage, 1)
	go func() {
		data, err := c.EmitWithAck(context.Background(), "notification", map[string]string{"id": "n1"})
		assert.NoError(t, err)
		result <- data
	}()

	req := p.recvSkippingPings()
	assert.Equal(t, "notification", req.Event)
	assert.True(t, req.Ack)
	require.NotEmpty(t, req.ID)

	p.send(envelope{Event: eventAck, ID: req.ID, Data: json.RawMessage(`"ok"`)})

	select {
	case data := <-result:
		assert.JSONEq(t, `"ok"`, string(data))
	case <-time.After(time.Second):
		t.Fatal("ack not resolved")
	}
}

func TestConn_EmitWithAckRemoteError(t *testing.T) {
	c, p := acceptPipe(t, Options{})
	require.NoError(t, c.Start())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.EmitWithAck(context.Background(), "x", nil)
		errCh <- err
	}()

	req := p.recvSkippingPings()
	p.send(envelope{Event: eventAck, ID: req.ID, Error: &apperrors.Event{Code: apperrors.CodeValidation, Message: "bad"}})

	err := <-errCh
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, apperrors.CodeValidation, remote.Code)
	assert.Equal(t, "bad", remote.Message)
}

func TestConn_AckTimeoutDoesNotResend(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, p := acceptPipe(t, Options{Clock: clock, PingInterval: time.Hour, AckTimeout: 5 * time.Second})
	require.NoError(t, c.Start())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.EmitWithAck(context.Background(), "notification", "payload")
		errCh <- err
	}()

	req := p.recv()
	assert.Equal(t, "notification", req.Event)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 2)) // ping ticker + ack timer
	clock.Advance(5 * time.Second)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrAckTimeout)
		var appErr *apperrors.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperrors.CodeAckTimeout, appErr.Code)
	case <-time.After(time.Second):
		t.Fatal("ack did not time out")
	}

	_, resent := p.tryRecv(100 * time.Millisecond)
	assert.False(t, resent, "timed out event must not be re-sent")

	// A late ack for the expired id is ignored.
	p.send(envelope{Event: eventAck, ID: req.ID})
	assert.Equal(t, StateConnected, c.State())
}

func TestConn_PayloadTooLarge(t *testing.T) {
	c, p := acceptPipe(t, Options{MaxPayloadBytes: 64})
	require.NoError(t, c.Start())

	err := c.Emit("big", strings.Repeat("x", 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPayloadTooLarge)

	_, sent := p.tryRecv(100 * time.Millisecond)
	assert.False(t, sent, "oversized payload must not be queued")

	require.NoError(t, c.Emit("small", "ok"))
	assert.Equal(t, "small", p.recv().Event)
}

func TestConn_BufferFullAndOrderedFlush(t *testing.T) {
	c, p := acceptPipe(t, Options{MaxBuffered: 2})

	require.NoError(t, c.Emit("e1", 1))
	require.NoError(t, c.Emit("e2", 2))
	assert.ErrorIs(t, c.Emit("e3", 3), ErrBufferFull)

	require.NoError(t, c.Start())

	assert.Equal(t, "e1", p.recvSkippingPings().Event)
	assert.Equal(t, "e2", p.recvSkippingPings().Event)
}

func TestConn_CompressionRoundTrip(t *testing.T) {
	serverEnd, clientEnd := newPipe()
	opts := Options{Compression: true}

	server := Accept(serverEnd, opts)
	server.On("echo", func(_ context.Context, _ *Conn, ev Event) (any, error) {
		return ev.Data, nil
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Close() })

	client, err := Dial(context.Background(), func(context.Context) (Transport, error) { return clientEnd, nil }, opts)
	require.NoError(t, err)
	require.NoError(t, client.Start())
	t.Cleanup(func() { _ = client.Close() })

	payload := map[string]any{"symbol": "AAPL", "price": 151.5, "note": strings.Repeat("a", 500)}
	data, err := client.EmitWithAck(context.Background(), "echo", payload)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "AAPL", got["symbol"])
	assert.Equal(t, 151.5, got["price"])
}

func TestConn_UncompressedFramesAreText(t *testing.T) {
	f, err := encodeFrame(envelope{Event: "x", Data: json.RawMessage(`1`)}, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"x","data":1}`, string(f.data))

	env, err := decodeFrame(f.kind, f.data, 1024)
	require.NoError(t, err)
	assert.Equal(t, "x", env.Event)
}

func TestConn_CompressedInboundLimit(t *testing.T) {
	f, err := encodeFrame(envelope{Event: "x", Data: json.RawMessage(`"` + strings.Repeat("a", 5000) + `"`)}, true)
	require.NoError(t, err)

	_, err = decodeFrame(f.kind, f.data, 1000)
	assert.ErrorIs(t, err, domain.ErrPayloadTooLarge)
}

func TestConn_HeartbeatTimeoutClosesAcceptedConn(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, p := acceptPipe(t, Options{Clock: clock, PingInterval: 10 * time.Second, PongTimeout: 5 * time.Second})
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	assert.Equal(t, eventPing, p.recv().Event)

	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(5 * time.Second)

	waitDone(t, c)
	assert.Equal(t, StateClosed, c.State())
}

func TestConn_PongKeepsConnectionAlive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, p := acceptPipe(t, Options{Clock: clock, PingInterval: 10 * time.Second, PongTimeout: 5 * time.Second})
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	assert.Equal(t, eventPing, p.recv().Event)
	require.NoError(t, clock.BlockUntilContext(ctx, 2))

	p.send(envelope{Event: eventPong})
	require.NoError(t, clock.BlockUntilContext(ctx, 1)) // pong timer stopped

	clock.Advance(5 * time.Second)
	assert.Equal(t, StateConnected, c.State())
}

func TestConn_UnsolicitedPongDoesNotSatisfyHeartbeat(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, p := acceptPipe(t, Options{Clock: clock, PingInterval: 10 * time.Second, PongTimeout: 5 * time.Second})
	require.NoError(t, c.Start())

	// The ping answer proves the stray pong ahead of it was read.
	p.send(envelope{Event: eventPong})
	p.send(envelope{Event: eventPing})
	assert.Equal(t, eventPong, p.recv().Event)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	assert.Equal(t, eventPing, p.recv().Event)

	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(5 * time.Second)

	waitDone(t, c)
}

// stalledTransport accepts no writes until it is closed.
type stalledTransport struct {
	closed chan struct{}
	once   sync.Once
}

func (s *stalledTransport) ReadMessage() (int, []byte, error) {
	<-s.closed
	return 0, nil, errPipeClosed
}

func (s *stalledTransport) WriteMessage(int, []byte) error {
	<-s.closed
	return errPipeClosed
}

func (s *stalledTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestConn_CloseStopsFlushingAfterTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := Accept(&stalledTransport{closed: make(chan struct{})}, Options{Clock: clock, PingInterval: time.Hour, FlushTimeout: 2 * time.Second})
	require.NoError(t, c.Start())
	require.NoError(t, c.Emit("stuck", nil))

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 2)) // ping ticker and flush timer

	select {
	case <-closed:
		t.Fatal("Close returned before the flush timeout")
	default:
	}

	clock.Advance(2 * time.Second)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the flush timeout")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestConn_ClientInitiatedCloseFlushes(t *testing.T) {
	c, p := acceptPipe(t, Options{})
	require.NoError(t, c.Start())

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, c.Emit(name, nil))
	}
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	var got []string
	for {
		env := p.recvSkippingPings()
		if env.Event == "close" {
			break
		}
		got = append(got, env.Event)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Emit("late", nil), domain.ErrConnectionClosed)
}

func TestConn_CloseFailsPendingAcks(t *testing.T) {
	c, p := acceptPipe(t, Options{})
	require.NoError(t, c.Start())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.EmitWithAck(context.Background(), "x", nil)
		errCh <- err
	}()
	p.recvSkippingPings()

	require.NoError(t, c.Close())
	assert.ErrorIs(t, <-errCh, domain.ErrConnectionClosed)
}

// dialer hands out pipes and records the peers.
type dialer struct {
	mu    sync.Mutex
	peers chan *pipeEnd
	fail  bool
	calls int
}

func newDialer() *dialer { return &dialer{peers: make(chan *pipeEnd, 8)} }

func (d *dialer) dial(context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	local, remote := newPipe()
	d.peers <- remote
	return local, nil
}

func (d *dialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *dialer) nextPeer(t *testing.T) peer {
	t.Helper()
	select {
	case end := <-d.peers:
		return peer{t: t, end: end}
	case <-time.After(time.Second):
		t.Fatal("no dial happened")
		return peer{}
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestConn_ReconnectRedeliversBufferedFramesInOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer()
	c, err := Dial(context.Background(), d.dial, Options{
		Clock:         clock,
		PingInterval:  time.Hour,
		ReconnectBase: time.Second,
		ReconnectCap:  10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	states := &stateRecorder{}
	c.OnStateChange(states.record)
	require.NoError(t, c.Start())
	first := d.nextPeer(t)

	require.NoError(t, c.Emit("before", 0))
	assert.Equal(t, "before", first.recv().Event)

	_ = first.end.Close()
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, 5*time.Millisecond)

	for _, name := range []string{"e1", "e2", "e3"} {
		require.NoError(t, c.Emit(name, nil))
	}

	require.Eventually(t, func() bool { _, n := c.NextRetryAt(); return n == 1 }, time.Second, 5*time.Millisecond)
	retryAt, _ := c.NextRetryAt()
	assert.Equal(t, clock.Now().Add(time.Second), retryAt)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	second := d.nextPeer(t)
	assert.Equal(t, "e1", second.recv().Event)
	assert.Equal(t, "e2", second.recv().Event)
	assert.Equal(t, "e3", second.recv().Event)
	_, dup := second.tryRecv(100 * time.Millisecond)
	assert.False(t, dup, "buffered frames are delivered exactly once")

	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateConnected, StateReconnecting, StateConnected}, states.get())
}

func TestConn_GivesUpAfterMaxReconnectAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer()
	c, err := Dial(context.Background(), d.dial, Options{
		Clock:                clock,
		PingInterval:         time.Hour,
		ReconnectBase:        time.Second,
		ReconnectCap:         10 * time.Second,
		MaxReconnectAttempts: 2,
	})
	require.NoError(t, err)
	states := &stateRecorder{}
	c.OnStateChange(states.record)
	require.NoError(t, c.Start())
	first := d.nextPeer(t)

	d.setFail(true)
	_ = first.end.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.Eventually(t, func() bool { _, n := c.NextRetryAt(); return n == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { _, n := c.NextRetryAt(); return n == 2 }, time.Second, 5*time.Millisecond)
	retryAt, _ := c.NextRetryAt()
	assert.Equal(t, clock.Now().Add(2*time.Second), retryAt, "backoff doubles")
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)

	waitDone(t, c)
	assert.Equal(t, []State{StateConnected, StateReconnecting, StateClosed}, states.get())
	assert.ErrorIs(t, c.Emit("x", nil), domain.ErrConnectionClosed)
}

func TestConn_CloseWhileReconnectingStops(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer()
	c, err := Dial(context.Background(), d.dial, Options{Clock: clock, PingInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	first := d.nextPeer(t)

	_ = first.end.Close()
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Context().Err(), context.Canceled)
}

func TestConn_StartTwice(t *testing.T) {
	c, _ := acceptPipe(t, Options{})
	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), ErrAlreadyStarted)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "State(9)", State(9).String())
}
