package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/auth"
	"github.com/pscheid92/tickerpulse/internal/broadcast"
	"github.com/pscheid92/tickerpulse/internal/domain"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
	"github.com/pscheid92/tickerpulse/internal/platform/correlation"
	"github.com/pscheid92/tickerpulse/internal/socket"
	"github.com/pscheid92/tickerpulse/internal/stock"
)

// Client-to-server events.
const (
	EventAuthenticate        = "authenticate"
	EventStockSubscribe      = "stock:subscribe"
	EventStockUnsubscribe    = "stock:unsubscribe"
	EventStockHistory        = "stock:history"
	EventNotificationList    = "notification:list"
	EventNotificationRead    = "notification:read"
	EventNotificationReadAll = "notification:read_all"
	EventAlertCreate         = "alert:create"
	EventAlertList           = "alert:list"
	EventAlertDelete         = "alert:delete"
)

// Server-to-client events.
const (
	EventAuthenticated = "authenticated"
	EventUnauthorized  = "unauthorized"
)

const (
	defaultAuthTimeout = 10 * time.Second
	defaultKeepAlive   = time.Minute
	cleanupTimeout     = 10 * time.Second
	maxHistoryLimit    = 500
	maxListLimit       = 100
)

type Sessions interface {
	Authenticate(ctx context.Context, connID string, h auth.Handshake, metadata map[string]string) (*domain.Session, error)
	SessionForConnection(connID string) (domain.Session, bool)
	Validate(connID string) bool
	Touch(ctx context.Context, connID string) error
	Disconnect(ctx context.Context, connID string) (int, error)
}

type Stocks interface {
	Resolve(symbol string) (string, error)
	Subscribe(ctx context.Context, member broadcast.Member, session domain.Session, symbol string) (*domain.Snapshot, error)
	Unsubscribe(ctx context.Context, memberID string, session domain.Session, symbol string) error
	CleanupSession(ctx context.Context, memberID string, session domain.Session) error
	CleanupForUser(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, symbol string, limit int) ([]domain.Snapshot, error)
}

type Notifications interface {
	GetNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error)
	MarkAsRead(ctx context.Context, userID, id string) error
	MarkAllAsRead(ctx context.Context, userID string) (int, error)
}

type Alerts interface {
	Create(ctx context.Context, userID, symbol string, condition domain.AlertCondition, threshold float64) (*domain.Alert, error)
	List(ctx context.Context, userID string) ([]domain.Alert, error)
	Delete(ctx context.Context, userID, id string) error
}

// UserRooms joins connections to their personal room and drops them from
// every room on disconnect.
type UserRooms interface {
	Join(room string, member broadcast.Member) (bool, error)
	LeaveAll(memberID string) []string
}

type GatewayConfig struct {
	AuthTimeout time.Duration
	// KeepAlive is how often an authenticated connection refreshes its
	// stored session. It must stay below the session TTL.
	KeepAlive time.Duration
	Socket    socket.Options
}

// Gateway binds accepted connections to the session, fan-out, notification
// and alert managers.
type Gateway struct {
	sessions      Sessions
	stocks        Stocks
	notifications Notifications
	alerts        Alerts
	rooms         UserRooms
	clock         clockwork.Clock
	ws            *metrics.WebSocketMetrics
	cfg           GatewayConfig
	validate      *validator.Validate

	mu    sync.Mutex
	conns map[string]*socket.Conn
	wg    sync.WaitGroup
}

func NewGateway(sessions Sessions, stocks Stocks, notifications Notifications, alerts Alerts, rooms UserRooms, clock clockwork.Clock, ws *metrics.WebSocketMetrics, cfg GatewayConfig) *Gateway {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.Socket.Clock == nil {
		cfg.Socket.Clock = clock
	}
	if cfg.Socket.Metrics == nil {
		cfg.Socket.Metrics = ws
	}
	return &Gateway{
		sessions:      sessions,
		stocks:        stocks,
		notifications: notifications,
		alerts:        alerts,
		rooms:         rooms,
		clock:         clock,
		ws:            ws,
		cfg:           cfg,
		validate:      validator.New(),
		conns:         make(map[string]*socket.Conn),
	}
}

// Serve takes ownership of t and runs the connection until it closes.
// A token in the handshake authenticates immediately; otherwise the client
// has AuthTimeout to send an authenticate event.
func (g *Gateway) Serve(t socket.Transport, hs auth.Handshake, metadata map[string]string) (*socket.Conn, error) {
	conn := socket.Accept(t, g.cfg.Socket)
	cl := &client{
		gw:       g,
		conn:     conn,
		metadata: metadata,
		authed:   make(chan struct{}),
	}
	cl.register()

	if err := conn.Start(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.conns[conn.ID()] = conn
	g.mu.Unlock()
	if g.ws != nil {
		g.ws.Connections.WithLabelValues("accepted").Inc()
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		cl.run(hs)
	}()
	return conn, nil
}

// ConnectionCount returns the number of open connections on this instance.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every connection and waits for their cleanup.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	conns := make([]*socket.Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *socket.Conn) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseMember closes a connection evicted by the hub.
func (g *Gateway) CloseMember(m broadcast.Member, reason error) {
	conn, ok := m.(*socket.Conn)
	if !ok {
		return
	}
	slog.WarnContext(conn.Context(), "Closing evicted connection", "socket_id", conn.ID(), "reason", reason)
	go func() { _ = conn.Close() }()
}

// client is the per-connection handler state. Handlers run on the
// connection's read goroutine.
type client struct {
	gw       *Gateway
	conn     *socket.Conn
	metadata map[string]string

	loginMu    sync.Mutex
	authOnce   sync.Once
	authed     chan struct{}
	expireOnce sync.Once
}

type handler func(ctx context.Context, s domain.Session, ev socket.Event) (any, error)

func (cl *client) register() {
	cl.conn.On(EventAuthenticate, cl.handleAuthenticate)
	cl.conn.On(EventStockSubscribe, cl.requireSession(cl.handleSubscribe))
	cl.conn.On(EventStockUnsubscribe, cl.requireSession(cl.handleUnsubscribe))
	cl.conn.On(EventStockHistory, cl.requireSession(cl.handleHistory))
	cl.conn.On(EventNotificationList, cl.requireSession(cl.handleNotificationList))
	cl.conn.On(EventNotificationRead, cl.requireSession(cl.handleNotificationRead))
	cl.conn.On(EventNotificationReadAll, cl.requireSession(cl.handleNotificationReadAll))
	cl.conn.On(EventAlertCreate, cl.requireSession(cl.handleAlertCreate))
	cl.conn.On(EventAlertList, cl.requireSession(cl.handleAlertList))
	cl.conn.On(EventAlertDelete, cl.requireSession(cl.handleAlertDelete))
}

func (cl *client) run(hs auth.Handshake) {
	ctx := cl.conn.Context()

	if _, err := auth.ExtractToken(hs); err == nil {
		_, _ = cl.login(ctx, hs)
	} else {
		timer := cl.gw.clock.NewTimer(cl.gw.cfg.AuthTimeout)
		select {
		case <-timer.Chan():
			cl.reject(apperrors.Authentication("authentication timeout", domain.ErrUnauthenticated))
		case <-cl.authed:
			timer.Stop()
		case <-cl.conn.Done():
			timer.Stop()
		}
	}

	if cl.isAuthenticated() {
		cl.keepAlive(ctx)
	}
	<-cl.conn.Done()
	cl.cleanup()
}

// keepAlive refreshes the stored session for as long as the connection is
// open, independent of client traffic, and closes the connection when the
// token expires.
func (cl *client) keepAlive(ctx context.Context) {
	connID := cl.conn.ID()
	s, ok := cl.gw.sessions.SessionForConnection(connID)
	if !ok {
		return
	}
	ctx = correlation.WithUser(ctx, s.UserID)

	var expiry <-chan time.Time
	if !s.ExpiresAt.IsZero() {
		remaining := s.ExpiresAt.Sub(cl.gw.clock.Now())
		if remaining <= 0 {
			cl.expire(ctx)
			return
		}
		timer := cl.gw.clock.NewTimer(remaining)
		defer timer.Stop()
		expiry = timer.Chan()
	}

	ticker := cl.gw.clock.NewTicker(cl.gw.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-cl.conn.Done():
			return
		case <-expiry:
			cl.expire(ctx)
			return
		case <-ticker.Chan():
			if !cl.gw.sessions.Validate(connID) {
				cl.expire(ctx)
				return
			}
			if err := cl.gw.sessions.Touch(ctx, connID); err != nil {
				slog.WarnContext(ctx, "Session keepalive failed", "error", err)
			}
		}
	}
}

// expire closes a connection whose token ran out. The client is expected to
// reconnect with a fresh token rather than retry.
func (cl *client) expire(ctx context.Context) {
	cl.expireOnce.Do(func() {
		slog.InfoContext(ctx, "Session token expired, closing connection", "socket_id", cl.conn.ID())
		cl.reject(apperrors.Authentication("session expired", domain.ErrUnauthenticated))
	})
}

func (cl *client) isAuthenticated() bool {
	select {
	case <-cl.authed:
		return true
	default:
		return false
	}
}

// login authenticates the connection. On failure the client receives
// unauthorized and the connection is closed.
func (cl *client) login(ctx context.Context, hs auth.Handshake) (*authenticatedPayload, error) {
	cl.loginMu.Lock()
	defer cl.loginMu.Unlock()

	connID := cl.conn.ID()
	if cl.isAuthenticated() {
		s, _ := cl.gw.sessions.SessionForConnection(connID)
		return &authenticatedPayload{UserID: s.UserID, SocketID: connID, ConnectedAt: s.JoinedAt}, nil
	}

	s, err := cl.gw.sessions.Authenticate(ctx, connID, hs, cl.metadata)
	if err != nil {
		slog.InfoContext(ctx, "Authentication failed", "socket_id", connID, "error", err)
		cl.reject(err)
		return nil, err
	}

	if _, err := cl.gw.rooms.Join(domain.UserRoom(s.UserID), cl.conn); err != nil {
		slog.WarnContext(ctx, "Failed to join user room", "user_id", s.UserID, "error", err)
	}
	cl.authOnce.Do(func() { close(cl.authed) })

	payload := &authenticatedPayload{UserID: s.UserID, SocketID: connID, ConnectedAt: s.JoinedAt}
	if err := cl.conn.Emit(EventAuthenticated, payload); err != nil {
		slog.WarnContext(ctx, "Failed to emit authenticated", "socket_id", connID, "error", err)
	}
	return payload, nil
}

func (cl *client) reject(err error) {
	appErr := apperrors.From(err)
	if appErr.Code != apperrors.CodeStoreUnavailable {
		appErr = apperrors.Authentication(appErr.Message, err)
	}
	_ = cl.conn.Emit(EventUnauthorized, appErr.ToEvent(cl.gw.clock.Now()))
	if cl.gw.ws != nil {
		cl.gw.ws.Connections.WithLabelValues("unauthorized").Inc()
	}
	go func() { _ = cl.conn.Close() }()
}

func (cl *client) cleanup() {
	g := cl.gw
	connID := cl.conn.ID()

	g.mu.Lock()
	delete(g.conns, connID)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(cl.conn.Context()), cleanupTimeout)
	defer cancel()

	s, ok := g.sessions.SessionForConnection(connID)
	if !ok {
		g.rooms.LeaveAll(connID)
		return
	}
	ctx = correlation.WithUser(ctx, s.UserID)

	if err := g.stocks.CleanupSession(ctx, connID, s); err != nil {
		slog.WarnContext(ctx, "Failed to clean up subscriptions", "error", err)
	}
	g.rooms.LeaveAll(connID)

	remaining, err := g.sessions.Disconnect(ctx, connID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to disconnect session", "error", err)
		return
	}
	if remaining > 0 {
		return
	}
	if removed, err := g.stocks.CleanupForUser(ctx, s.UserID); err != nil {
		slog.WarnContext(ctx, "Failed to clean up user subscriptions", "error", err)
	} else if removed > 0 {
		slog.InfoContext(ctx, "Removed stale subscriptions", "count", removed)
	}
}

func (cl *client) requireSession(h handler) socket.HandlerFunc {
	return func(ctx context.Context, c *socket.Conn, ev socket.Event) (any, error) {
		connID := c.ID()
		if !cl.isAuthenticated() {
			return nil, apperrors.Authentication("not authenticated", domain.ErrUnauthenticated)
		}
		if !cl.gw.sessions.Validate(connID) {
			cl.expire(ctx)
			return nil, apperrors.Authentication("session expired", domain.ErrUnauthenticated)
		}
		s, ok := cl.gw.sessions.SessionForConnection(connID)
		if !ok {
			return nil, apperrors.Authentication("not authenticated", domain.ErrUnauthenticated)
		}
		ctx = correlation.WithUser(ctx, s.UserID)

		if err := cl.gw.sessions.Touch(ctx, connID); err != nil {
			slog.DebugContext(ctx, "Session touch failed", "error", err)
		}
		return h(ctx, s, ev)
	}
}

func (cl *client) decode(ev socket.Event, v any) error {
	if len(ev.Data) > 0 && string(ev.Data) != "null" {
		if err := json.Unmarshal(ev.Data, v); err != nil {
			return apperrors.Validation("malformed payload", errors.Join(domain.ErrInvalidArgument, err))
		}
	}
	if err := cl.gw.validate.Struct(v); err != nil {
		return apperrors.FromValidation(err)
	}
	return nil
}

type authenticateRequest struct {
	Token string `json:"token"`
}

type authenticatedPayload struct {
	UserID      string    `json:"userId"`
	SocketID    string    `json:"socketId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

func (cl *client) handleAuthenticate(ctx context.Context, _ *socket.Conn, ev socket.Event) (any, error) {
	var req authenticateRequest
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			req.Token = ""
		}
	}
	return cl.login(ctx, auth.Handshake{Auth: req.Token})
}

type symbolRequest struct {
	Symbol string `json:"symbol" validate:"required,max=16"`
}

func (cl *client) handleSubscribe(ctx context.Context, s domain.Session, ev socket.Event) (any, error) {
	var req symbolRequest
	if err := cl.decode(ev, &req); err != nil {
		return nil, err
	}
	snap, err := cl.gw.stocks.Subscribe(ctx, cl.conn, s, req.Symbol)
	if err != nil {
		return nil, err
	}
	sym, _ := cl.gw.stocks.Resolve(req.Symbol)
	return stock.SubscribeResult{Symbol: sym, Subscribed: true, Snapshot: snap}, nil
}

func (cl *client) handleUnsubscribe(ctx context.Context, s domain.Session, ev socket.Event) (any, error) {
	var req symbolRequest
	if err := cl.decode(ev, &req); err != nil {
		return nil, err
	}
	if err := cl.gw.stocks.Unsubscribe(ctx, cl.conn.ID(), s, req.Symbol); err != nil {
		return nil, err
	}
	sym, _ := cl.gw.stocks.Resolve(req.Symbol)
	return stock.SubscribeResult{Symbol: sym, Subscribed: false}, nil
}

type historyRequest struct {
	Symbol string `json:"symbol" validate:"required,max=16"`
	Limit  int    `json:"limit" validate:"gte=0,lte=500"`
}

func (cl *client) handleHistory(ctx context.Context, _ domain.Session, ev socket.Event) (any, error) {
	var req historyRequest
	if err := cl.decode(ev, &req); err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = maxHistoryLimit
	}
	sym, err := cl.gw.stocks.Resolve(req.Symbol)
	if err != nil {
		return nil, err
	}
	history, err := cl.gw.stocks.History(ctx, sym, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"symbol": sym, "history": history}, nil
}

type notificationListRequest struct {
	UnreadOnly bool `json:"unreadOnly"`
	Limit      int  `json:"limit" validate:"gte=0,lte=100"`
}

func (cl *client) handleNotificationList(ctx context.Context, s domain.Session, ev socket.Event) (any, error) {
	var req notificationListRequest
	if err := cl.decode(ev, &req); err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = maxListLimit
	}
	items, err := cl.gw.notifications.GetNotifications(ctx, s.UserID, req.UnreadOnly, req.Limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Notification{}
	}
	return map[string]any{"notifications": items}, nil
}

type idRequest struct {
	ID string `json:"id" validate:"required"`
}

func (cl *client) handleNotificationRead(ctx context.Context, s domain.Session, ev socket.Event) (any, error) {
	var req idRequest
	if err := cl.decode(ev, &req); err != nil {
		return nil, err
	}
	if err := cl.gw.notifications.MarkAsRead(ctx, s.UserID, req.ID); err != nil {
		return nil, err
	}
	return map[string]any{"id": req.ID, "read": true}, nil
}

func (cl *client) handleNotificationReadAll(ctx context.Context, s domain.Session, _ socket.Event) (any, error) {
	n, err := cl.gw.notifications.MarkAllAsRead(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"updated": n}, nil
}

type alertCreateRequest struct {
	Symbol    string                `json:"symbol" validate:"required,max=16"`
	Condition domain.AlertCondition `json:"condition" validate:"required"`
	Threshold float64               `json:"threshold"`
}

func (cl *client) handleAlertCreate(ctx context.Context, s domain.Session, ev socket.Event) (any, error) {
	var req alertCreateRequest
	if err := cl.decode(ev, &req); err != nil {
		return nil, err
	}
	return cl.gw.alerts.Create(ctx, s.UserID, req.Symbol, req.Condition, req.Threshold)
}

func (cl *client) handleAlertList(ctx context.Context, s domain.Session, _ socket.Event) (any, error) {
	alerts, err := cl.gw.alerts.List(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	return map[string]any{"alerts": alerts}, nil
}

func (cl *client) handleAlertDelete(ctx context.Context, s domain.Session, ev socket.Event) (any, error) {
	var req idRequest
	if err := cl.decode(ev, &req); err != nil {
		return nil, err
	}
	if err := cl.gw.alerts.Delete(ctx, s.UserID, req.ID); err != nil {
		return nil, err
	}
	return map[string]any{"id": req.ID, "deleted": true}, nil
}
