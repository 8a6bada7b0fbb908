package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/domain"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	cmdBufferSize  = 256
)

// Member is a local connection that can receive room events.
type Member interface {
	ID() string
	Emit(event string, data any) error
}

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type joinCmd struct {
	baseHubCmd
	room   string
	member Member
	reply  chan bool
}

type leaveCmd struct {
	baseHubCmd
	room     string
	memberID string
	reply    chan bool
}

type leaveAllCmd struct {
	baseHubCmd
	memberID string
	reply    chan []string
}

type deliverCmd struct {
	baseHubCmd
	room  string
	event string
	data  json.RawMessage
}

type countCmd struct {
	baseHubCmd
	room  string
	reply chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub tracks which local members are joined to which rooms.
// It is rebuilt from connection events; the coordination store stays the source of truth.
type Hub struct {
	cmdCh   chan hubCmd
	clock   clockwork.Clock
	fanout  *metrics.FanoutMetrics
	ws      *metrics.WebSocketMetrics
	onEvict func(Member, error)

	members     map[string]Member
	rooms       map[string]map[string]Member
	memberRooms map[string]map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub starts the hub goroutine. onEvict runs on its own goroutine for every
// member dropped because Emit failed.
func NewHub(clock clockwork.Clock, fanout *metrics.FanoutMetrics, ws *metrics.WebSocketMetrics, onEvict func(Member, error)) *Hub {
	h := &Hub{
		cmdCh:       make(chan hubCmd, cmdBufferSize),
		clock:       clock,
		fanout:      fanout,
		ws:          ws,
		onEvict:     onEvict,
		members:     make(map[string]Member),
		rooms:       make(map[string]map[string]Member),
		memberRooms: make(map[string]map[string]struct{}),
		done:        make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) send(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func await[T any](h *Hub, reply chan T, name string) (T, error) {
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		return zero, fmt.Errorf("%s: %w", name, domain.ErrConnectionClosed)
	case <-timer.Chan():
		return zero, fmt.Errorf("%s command timed out after %v", name, commandTimeout)
	}
}

// Join adds member to room. It reports whether the member was newly added.
func (h *Hub) Join(room string, member Member) (bool, error) {
	reply := make(chan bool, 1)
	if !h.send(joinCmd{room: room, member: member, reply: reply}) {
		return false, domain.ErrConnectionClosed
	}
	return await(h, reply, "join")
}

// Leave removes the member from room and reports whether it was a member.
func (h *Hub) Leave(room, memberID string) bool {
	reply := make(chan bool, 1)
	if !h.send(leaveCmd{room: room, memberID: memberID, reply: reply}) {
		return false
	}
	left, err := await(h, reply, "leave")
	return err == nil && left
}

// LeaveAll removes the member from every room and returns the rooms it left.
func (h *Hub) LeaveAll(memberID string) []string {
	reply := make(chan []string, 1)
	if !h.send(leaveAllCmd{memberID: memberID, reply: reply}) {
		return nil
	}
	rooms, _ := await(h, reply, "leaveAll")
	return rooms
}

// Deliver emits event to every local member of room. Room "*" addresses all members.
// It does not wait for delivery.
func (h *Hub) Deliver(room, event string, data json.RawMessage) {
	h.send(deliverCmd{room: room, event: event, data: data})
}

// RoomSize returns the number of local members in room, or in total for "*".
// Returns -1 if the hub is stopped or stuck.
func (h *Hub) RoomSize(room string) int {
	reply := make(chan int, 1)
	if !h.send(countCmd{room: room, reply: reply}) {
		return -1
	}
	n, err := await(h, reply, "count")
	if err != nil {
		slog.Warn("RoomSize failed", "error", err)
		return -1
	}
	return n
}

// MemberCount returns the number of distinct local members.
func (h *Hub) MemberCount() int {
	return h.RoomSize(domain.RoomAll)
}

// Stop shuts the hub down. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		select {
		case h.cmdCh <- stopCmd{}:
		case <-h.done:
			return
		}

		timeout := h.clock.NewTimer(stopTimeout)
		defer timeout.Stop()

		select {
		case <-h.done:
			slog.Info("Hub stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
		}
	})
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
		}
	}()

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case joinCmd:
			c.reply <- h.handleJoin(c.room, c.member)
		case leaveCmd:
			c.reply <- h.handleLeave(c.room, c.memberID)
		case leaveAllCmd:
			c.reply <- h.handleLeaveAll(c.memberID)
		case deliverCmd:
			h.handleDeliver(c)
		case countCmd:
			if c.room == domain.RoomAll {
				c.reply <- len(h.members)
			} else {
				c.reply <- len(h.rooms[c.room])
			}
		case stopCmd:
			slog.Info("Hub shutting down", "members", len(h.members), "rooms", len(h.rooms))
			return
		default:
			slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleJoin(room string, m Member) bool {
	id := m.ID()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Member)
		h.rooms[room] = members
	}
	if _, exists := members[id]; exists {
		return false
	}
	members[id] = m
	h.members[id] = m

	rooms, ok := h.memberRooms[id]
	if !ok {
		rooms = make(map[string]struct{})
		h.memberRooms[id] = rooms
	}
	rooms[room] = struct{}{}

	h.fanout.RoomMembers.Set(float64(len(h.members)))
	slog.Debug("Member joined room", "socket_id", id, "room", room, "room_size", len(members))
	return true
}

func (h *Hub) handleLeave(room, id string) bool {
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[id]; !ok {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}

	rooms := h.memberRooms[id]
	delete(rooms, room)
	if len(rooms) == 0 {
		delete(h.memberRooms, id)
		delete(h.members, id)
	}
	h.fanout.RoomMembers.Set(float64(len(h.members)))
	return true
}

func (h *Hub) handleLeaveAll(id string) []string {
	var left []string
	for room := range h.memberRooms[id] {
		left = append(left, room)
	}
	for _, room := range left {
		h.handleLeave(room, id)
	}
	delete(h.members, id)
	h.fanout.RoomMembers.Set(float64(len(h.members)))
	return left
}

func (h *Hub) handleDeliver(c deliverCmd) {
	targets := h.rooms[c.room]
	if c.room == domain.RoomAll {
		targets = h.members
	}

	var failed []Member
	var errs []error
	for _, m := range targets {
		if err := m.Emit(c.event, c.data); err != nil {
			failed = append(failed, m)
			errs = append(errs, err)
			continue
		}
		h.fanout.RoomDeliveries.Inc()
	}

	for i, m := range failed {
		slog.Warn("Evicting member that could not keep up", "socket_id", m.ID(), "room", c.room, "error", errs[i])
		h.ws.SlowClientEvictions.Inc()
		h.handleLeaveAll(m.ID())
		if h.onEvict != nil {
			go h.onEvict(m, errs[i])
		}
	}
}
