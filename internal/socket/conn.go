package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/domain"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
	"github.com/pscheid92/tickerpulse/internal/platform/correlation"
	"github.com/pscheid92/tickerpulse/internal/platform/retry"
)

var (
	ErrBufferFull       = errors.New("send buffer full")
	ErrHeartbeatTimeout = errors.New("no pong within timeout")
	ErrReconnectFailed  = errors.New("reconnect attempts exhausted")
	ErrAlreadyStarted   = errors.New("connection already started")
)

// Transport is the message-oriented connection a Conn runs on.
// *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// DialFunc opens a new transport for client-side reconnects.
type DialFunc func(ctx context.Context) (Transport, error)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is an inbound application event.
type Event struct {
	Name string
	ID   string
	Ack  bool
	Data json.RawMessage
}

// HandlerFunc handles one inbound event. The returned value becomes the ack
// payload when the peer asked for one.
type HandlerFunc func(ctx context.Context, c *Conn, ev Event) (any, error)

// RemoteError is an error the peer returned in an ack.
type RemoteError struct {
	Code    apperrors.Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

type Options struct {
	PingInterval         time.Duration
	PongTimeout          time.Duration
	AckTimeout           time.Duration
	WriteTimeout         time.Duration
	FlushTimeout         time.Duration
	MaxPayloadBytes      int
	MaxBuffered          int
	Compression          bool
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int // zero retries forever
	Clock                clockwork.Clock
	Metrics              *metrics.WebSocketMetrics
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 20 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 2 * time.Second
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = 1 << 20
	}
	if o.MaxBuffered <= 0 {
		o.MaxBuffered = 256
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// link is one transport generation with its own goroutines.
type link struct {
	transport  Transport
	stop       chan struct{}
	writerDone chan struct{}
	drained    chan struct{}
	pong       chan struct{}
	// awaitingPong is set while a ping is outstanding; other pongs are dropped.
	awaitingPong atomic.Bool
}

type Conn struct {
	id    string
	opts  Options
	clock clockwork.Clock
	dial  DialFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	closing     bool
	initial     Transport
	link        *link
	outbox      *queue.Queue
	pending     map[string]chan ackResult
	handlers    map[string]HandlerFunc
	listeners   []func(from, to State)
	attempt     int
	nextRetryAt time.Time

	wake      chan struct{}
	done      chan struct{}
	closeReq  chan struct{}
	closeOnce sync.Once
}

func newConn(opts Options) *Conn {
	opts = opts.withDefaults()
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(correlation.WithSocket(context.Background(), id))
	return &Conn{
		id:       id,
		opts:     opts,
		clock:    opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateConnecting,
		outbox:   queue.New(),
		pending:  make(map[string]chan ackResult),
		handlers: make(map[string]HandlerFunc),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		closeReq: make(chan struct{}),
	}
}

// Accept wraps a server-side transport. A dropped transport closes the Conn.
// Register handlers, then call Start.
func Accept(t Transport, opts Options) *Conn {
	c := newConn(opts)
	c.initial = t
	return c
}

// Dial opens the first transport synchronously and returns a Conn that
// reconnects through dial whenever the transport drops. Call Start to begin.
func Dial(ctx context.Context, dial DialFunc, opts Options) (*Conn, error) {
	t, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	c := newConn(opts)
	c.initial = t
	c.dial = dial
	return c, nil
}

func (c *Conn) ID() string { return c.id }

// Context is cancelled when the Conn closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed once the Conn reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NextRetryAt reports the scheduled reconnect time and attempt number while reconnecting.
func (c *Conn) NextRetryAt() (time.Time, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextRetryAt, c.attempt
}

// On registers the handler for an inbound event name.
func (c *Conn) On(event string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// OnStateChange registers a listener called after every state transition.
func (c *Conn) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start attaches the initial transport and starts its goroutines.
func (c *Conn) Start() error {
	c.mu.Lock()
	if c.state != StateConnecting || c.initial == nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	t := c.initial
	c.initial = nil
	notify := c.attachLocked(t)
	c.mu.Unlock()
	notify()
	return nil
}

func (c *Conn) setStateLocked(to State) func() {
	from := c.state
	if from == to {
		return func() {}
	}
	c.state = to
	listeners := append([]func(from, to State){}, c.listeners...)
	return func() {
		for _, fn := range listeners {
			fn(from, to)
		}
	}
}

func (c *Conn) attachLocked(t Transport) func() {
	l := &link{
		transport:  t,
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
		drained:    make(chan struct{}),
		pong:       make(chan struct{}, 1),
	}
	c.link = l
	c.attempt = 0
	c.nextRetryAt = time.Time{}
	notify := c.setStateLocked(StateConnected)

	go c.readLoop(l)
	go c.writeLoop(l)
	c.signalWake()
	return notify
}

func (c *Conn) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Emit queues a fire-and-forget event.
func (c *Conn) Emit(event string, data any) error {
	return c.emit(envelope{Event: event}, data, false)
}

// EmitWithAck sends an event and waits for the peer's ack. It fails with an
// ACK_TIMEOUT error after AckTimeout and never re-sends the event.
func (c *Conn) EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	id := uuid.NewString()
	reply := make(chan ackResult, 1)

	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()

	if err := c.emit(envelope{Event: event, ID: id, Ack: true}, data, false); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := c.clock.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return res.data, res.err
	case <-timer.Chan():
		c.dropPending(id)
		if c.opts.Metrics != nil {
			c.opts.Metrics.AckTimeouts.Inc()
		}
		return nil, apperrors.AckTimeout(id, c.opts.AckTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) emit(env envelope, data any, control bool) error {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return apperrors.Validation("payload is not serialisable", err)
		}
		if len(raw) > c.opts.MaxPayloadBytes {
			return apperrors.PayloadTooLarge(len(raw), c.opts.MaxPayloadBytes)
		}
		env.Data = raw
	}

	f, err := encodeFrame(env, c.opts.Compression)
	if err != nil {
		return apperrors.Internal("failed to encode frame", err)
	}

	c.mu.Lock()
	if c.state == StateClosed || c.closing {
		c.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	if !control && c.outbox.Length() >= c.opts.MaxBuffered {
		c.mu.Unlock()
		return ErrBufferFull
	}
	c.outbox.Add(f)
	c.mu.Unlock()

	c.signalWake()
	c.countMessage("out", env.Event, "queued")
	return nil
}

func (c *Conn) countMessage(direction, event, status string) {
	if c.opts.Metrics == nil {
		return
	}
	c.opts.Metrics.Messages.WithLabelValues(direction, event, status).Inc()
}

func (c *Conn) write(l *link, f *frame) error {
	if d, ok := l.transport.(writeDeadliner); ok {
		// Deadlines are absolute wall-clock times for the network stack.
		_ = d.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	return l.transport.WriteMessage(f.kind, f.data)
}

// flush writes queued frames in order. A frame leaves the outbox only after a
// successful write.
func (c *Conn) flush(l *link) bool {
	for {
		select {
		case <-l.stop:
			return false
		default:
		}

		c.mu.Lock()
		if c.outbox.Length() == 0 {
			c.mu.Unlock()
			return true
		}
		f := c.outbox.Peek().(*frame)
		c.mu.Unlock()

		if err := c.write(l, f); err != nil {
			c.transportFailed(l, err)
			return false
		}

		c.mu.Lock()
		if c.outbox.Length() > 0 && c.outbox.Peek() == f {
			c.outbox.Remove()
		}
		c.mu.Unlock()
	}
}

func (c *Conn) writeLoop(l *link) {
	defer close(l.writerDone)

	ticker := c.clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	var pongTimer clockwork.Timer
	var pongDeadline <-chan time.Time
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	ping, _ := encodeFrame(envelope{Event: eventPing}, c.opts.Compression)

	for {
		if !c.flush(l) {
			return
		}

		c.mu.Lock()
		drained := c.closing && c.outbox.Length() == 0
		c.mu.Unlock()
		if drained {
			_ = l.transport.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			close(l.drained)
			return
		}

		select {
		case <-l.stop:
			return
		case <-c.wake:
		case <-ticker.Chan():
			if pongTimer == nil {
				select {
				case <-l.pong:
				default:
				}
				l.awaitingPong.Store(true)
			}
			if err := c.write(l, ping); err != nil {
				c.transportFailed(l, err)
				return
			}
			if pongTimer == nil {
				pongTimer = c.clock.NewTimer(c.opts.PongTimeout)
				pongDeadline = pongTimer.Chan()
			}
		case <-l.pong:
			if pongTimer != nil {
				pongTimer.Stop()
				pongTimer, pongDeadline = nil, nil
			}
		case <-pongDeadline:
			pongTimer, pongDeadline = nil, nil
			l.awaitingPong.Store(false)
			if c.opts.Metrics != nil {
				c.opts.Metrics.PingFailures.Inc()
			}
			c.transportFailed(l, ErrHeartbeatTimeout)
			return
		}
	}
}

func (c *Conn) readLoop(l *link) {
	limit := c.opts.MaxPayloadBytes + envelopeOverhead
	for {
		kind, data, err := l.transport.ReadMessage()
		if err != nil {
			c.transportFailed(l, err)
			return
		}

		env, err := decodeFrame(kind, data, limit)
		if err != nil {
			slog.DebugContext(c.ctx, "Dropping malformed frame", "error", err)
			c.countMessage("in", "", "malformed")
			c.emitError(apperrors.Validation("malformed frame", err))
			continue
		}
		c.dispatch(l, env)
	}
}

func (c *Conn) dispatch(l *link, env envelope) {
	switch env.Event {
	case eventPing:
		_ = c.emit(envelope{Event: eventPong}, nil, true)
		return
	case eventPong:
		if !l.awaitingPong.CompareAndSwap(true, false) {
			return
		}
		select {
		case l.pong <- struct{}{}:
		default:
		}
		return
	case eventAck:
		c.resolveAck(env)
		return
	}

	c.countMessage("in", env.Event, "received")

	c.mu.Lock()
	h, ok := c.handlers[env.Event]
	c.mu.Unlock()

	if !ok && env.Event == eventError {
		// Never answer an unhandled error event with another error.
		slog.DebugContext(c.ctx, "Peer reported error", "data", string(env.Data))
		return
	}

	var result any
	var err error
	if !ok {
		err = apperrors.Validation(fmt.Sprintf("unknown event %q", env.Event), nil)
	} else {
		result, err = c.invoke(h, Event{Name: env.Event, ID: env.ID, Ack: env.Ack, Data: env.Data})
	}

	if env.Ack && env.ID != "" {
		c.sendAck(env.ID, result, err)
		return
	}
	if err != nil {
		c.emitError(err)
	}
}

func (c *Conn) invoke(h HandlerFunc, ev Event) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(c.ctx, "Handler panic recovered", "event", ev.Name, "panic", r)
			result, err = nil, apperrors.Internal("handler panic", fmt.Errorf("%v", r))
		}
	}()
	ctx := correlation.WithID(c.ctx, correlation.NewID())
	return h(ctx, c, ev)
}

func (c *Conn) sendAck(id string, result any, err error) {
	env := envelope{Event: eventAck, ID: id}
	if err != nil {
		appErr := apperrors.From(err)
		ev := appErr.ToEvent(c.clock.Now())
		env.Error = &ev
		c.countError(appErr.Code)
		result = nil
	}
	if sendErr := c.emit(env, result, true); sendErr != nil {
		if !errors.Is(sendErr, domain.ErrConnectionClosed) {
			// The result itself was rejected (e.g. too large); report that instead.
			ev := apperrors.From(sendErr).ToEvent(c.clock.Now())
			_ = c.emit(envelope{Event: eventAck, ID: id, Error: &ev}, nil, true)
		}
	}
}

func (c *Conn) emitError(err error) {
	appErr := apperrors.From(err)
	c.countError(appErr.Code)
	_ = c.emit(envelope{Event: eventError}, appErr.ToEvent(c.clock.Now()), true)
}

// EmitError sends err to the peer as an error event.
func (c *Conn) EmitError(err error) {
	c.emitError(err)
}

func (c *Conn) countError(code apperrors.Code) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Errors.WithLabelValues(string(code)).Inc()
	}
}

func (c *Conn) resolveAck(env envelope) {
	c.mu.Lock()
	reply, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	if env.Error != nil {
		reply <- ackResult{err: &RemoteError{Code: env.Error.Code, Message: env.Error.Message}}
		return
	}
	reply <- ackResult{data: env.Data}
}

func (c *Conn) transportFailed(l *link, err error) {
	c.mu.Lock()
	if c.link != l || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.dial == nil || c.closing {
		c.mu.Unlock()
		slog.DebugContext(c.ctx, "Transport closed", "error", err)
		c.shutdown()
		return
	}

	c.link = nil
	close(l.stop)
	_ = l.transport.Close()
	notify := c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	slog.InfoContext(c.ctx, "Transport lost, reconnecting", "error", err)
	notify()
	go c.reconnect(l)
}

func (c *Conn) reconnect(old *link) {
	<-old.writerDone

	for attempt := 0; c.opts.MaxReconnectAttempts <= 0 || attempt < c.opts.MaxReconnectAttempts; attempt++ {
		delay := retry.Backoff(c.opts.ReconnectBase, c.opts.ReconnectCap, attempt)

		c.mu.Lock()
		c.attempt = attempt + 1
		c.nextRetryAt = c.clock.Now().Add(delay)
		c.mu.Unlock()

		timer := c.clock.NewTimer(delay)
		select {
		case <-timer.Chan():
		case <-c.closeReq:
			timer.Stop()
			return
		}

		t, err := c.dial(c.ctx)
		if err != nil {
			slog.DebugContext(c.ctx, "Reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		c.mu.Lock()
		if c.state == StateClosed || c.closing {
			c.mu.Unlock()
			_ = t.Close()
			return
		}
		notify := c.attachLocked(t)
		c.mu.Unlock()

		slog.InfoContext(c.ctx, "Reconnected", "attempt", attempt+1)
		notify()
		return
	}

	slog.WarnContext(c.ctx, "Giving up reconnecting", "attempts", c.opts.MaxReconnectAttempts)
	c.shutdown()
}

// Close flushes buffered frames, sends a close frame and closes the Conn.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	l := c.link
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closeReq) })

	if l != nil {
		c.signalWake()
		timer := c.clock.NewTimer(c.opts.FlushTimeout)
		select {
		case <-l.drained:
		case <-l.writerDone:
		case <-timer.Chan():
		}
		timer.Stop()
	}

	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if l := c.link; l != nil {
		c.link = nil
		close(l.stop)
		_ = l.transport.Close()
	}
	if c.initial != nil {
		_ = c.initial.Close()
		c.initial = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan ackResult)
	notify := c.setStateLocked(StateClosed)
	close(c.done)
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closeReq) })
	c.cancel()
	for _, reply := range pending {
		reply <- ackResult{err: domain.ErrConnectionClosed}
	}
	notify()
}
