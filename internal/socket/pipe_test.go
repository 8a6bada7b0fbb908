package socket

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errPipeClosed = errors.New("pipe closed")

type message struct {
	kind int
	data []byte
}

// pipeEnd is one side of an in-memory Transport pair.
type pipeEnd struct {
	in         <-chan message
	out        chan<- message
	closed     chan struct{}
	peerClosed <-chan struct{}
	once       sync.Once
}

func newPipe() (*pipeEnd, *pipeEnd) {
	ab := make(chan message, 1024)
	ba := make(chan message, 1024)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &pipeEnd{in: ba, out: ab, closed: aClosed, peerClosed: bClosed}
	b := &pipeEnd{in: ab, out: ba, closed: bClosed, peerClosed: aClosed}
	return a, b
}

func (p *pipeEnd) ReadMessage() (int, []byte, error) {
	select {
	case m := <-p.in:
		return m.kind, m.data, nil
	case <-p.closed:
		return 0, nil, errPipeClosed
	case <-p.peerClosed:
		return 0, nil, errPipeClosed
	}
}

func (p *pipeEnd) WriteMessage(kind int, data []byte) error {
	select {
	case <-p.closed:
		return errPipeClosed
	case <-p.peerClosed:
		return errPipeClosed
	default:
	}
	select {
	case p.out <- message{kind: kind, data: append([]byte(nil), data...)}:
		return nil
	case <-p.closed:
		return errPipeClosed
	case <-p.peerClosed:
		return errPipeClosed
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// peer drives the raw side of a pipe in tests.
type peer struct {
	t   *testing.T
	end *pipeEnd
}

func (p peer) send(env envelope) {
	p.t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(p.t, err)
	require.NoError(p.t, p.end.WriteMessage(websocket.TextMessage, raw))
}

func (p peer) recv() envelope {
	p.t.Helper()
	env, ok := p.tryRecv(time.Second)
	if !ok {
		p.t.Fatal("timed out waiting for frame")
	}
	return env
}

// recvSkippingPings returns the next frame that is not a heartbeat.
func (p peer) recvSkippingPings() envelope {
	p.t.Helper()
	for {
		env := p.recv()
		if env.Event != eventPing {
			return env
		}
	}
}

func (p peer) tryRecv(timeout time.Duration) (envelope, bool) {
	p.t.Helper()
	select {
	case m := <-p.end.in:
		if m.kind == websocket.CloseMessage {
			return envelope{Event: "close"}, true
		}
		env, err := decodeFrame(m.kind, m.data, 1<<20)
		require.NoError(p.t, err)
		return env, true
	case <-time.After(timeout):
		return envelope{}, false
	}
}
