// ABOUTME: Reference-counted room registry over one shared realtime connection
// ABOUTME: Issues JOIN/LEAVE on 0<->1 transitions and demultiplexes inbound frames

package rooms

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/coven-inbox/internal/protocol"
)

// Handler receives broadcast events for one room.
type Handler func(ev *protocol.Event)

// ResponseHandler receives command responses. Correlating a response with the
// command that produced it is the caller's job.
type ResponseHandler func(resp *protocol.CommandResponse)

// Sender delivers membership commands to the transport.
type Sender interface {
	Send(env protocol.Envelope) error
}

type subscription struct {
	id      string
	handler Handler
	active  atomic.Bool
}

type room struct {
	subs []*subscription // registration order
}

// Registry maps room keys to their subscribers.
type Registry struct {
	mu         sync.Mutex
	rooms      map[string]*room
	sender     Sender
	onResponse ResponseHandler
	logger     *slog.Logger
}

// New creates a registry that issues membership commands through sender.
// Pass nil logger for default.
func New(sender Sender, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:  make(map[string]*room),
		sender: sender,
		logger: logger.With("component", "rooms"),
	}
}

// OnResponse sets the handler for command responses. It must be set before
// frames start flowing.
func (r *Registry) OnResponse(h ResponseHandler) {
	r.mu.Lock()
	r.onResponse = h
	r.mu.Unlock()
}

// Subscribe registers handler for roomID and returns the function that
// removes it. The returned function is idempotent; once it returns, no new
// invocation of handler starts.
func (r *Registry) Subscribe(roomID string, handler Handler) (unsubscribe func()) {
	sub := &subscription{id: uuid.New().String(), handler: handler}
	sub.active.Store(true)

	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{}
		r.rooms[roomID] = rm
	}
	rm.subs = append(rm.subs, sub)
	if len(rm.subs) == 1 {
		// Membership commands go out under the lock so JOIN and LEAVE for the
		// same room are never reordered.
		r.send(protocol.JoinEnvelope(roomID))
	}
	r.mu.Unlock()

	r.logger.Debug("subscriber added", "room", roomID, "sub_id", sub.id)

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(roomID, sub) })
	}
}

func (r *Registry) unsubscribe(roomID string, sub *subscription) {
	sub.active.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	for i, s := range rm.subs {
		if s == sub {
			rm.subs = append(rm.subs[:i:i], rm.subs[i+1:]...)
			break
		}
	}
	if len(rm.subs) == 0 {
		delete(r.rooms, roomID)
		r.send(protocol.LeaveEnvelope(roomID))
	}

	r.logger.Debug("subscriber removed", "room", roomID, "sub_id", sub.id)
}

// Rejoin re-issues JOIN for every referenced room. Call it after the
// transport reconnects.
func (r *Registry) Rejoin() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, roomID := range r.sortedRoomsLocked() {
		r.send(protocol.JoinEnvelope(roomID))
	}
	r.logger.Info("rejoined rooms", "count", len(r.rooms))
}

// HandleFrame decodes one inbound frame and routes it.
func (r *Registry) HandleFrame(raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Warn("dropping inbound frame", "error", err, "bytes", len(raw))
		return
	}

	switch f := frame.(type) {
	case *protocol.Event:
		r.Dispatch(f)
	case *protocol.CommandResponse:
		r.mu.Lock()
		h := r.onResponse
		r.mu.Unlock()
		if h == nil {
			r.logger.Debug("no response handler, dropping command response",
				"action", f.Action,
				"request_id", f.RequestID)
			return
		}
		h(f)
	}
}

// Dispatch delivers ev to every handler currently registered for its room.
func (r *Registry) Dispatch(ev *protocol.Event) {
	r.mu.Lock()
	rm, ok := r.rooms[ev.RoomID]
	var targets []*subscription
	if ok {
		targets = make([]*subscription, len(rm.subs))
		copy(targets, rm.subs)
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		r.logger.Debug("no subscribers for room, dropping event",
			"room", ev.RoomID,
			"event_type", ev.Type)
		return
	}

	for _, sub := range targets {
		if !sub.active.Load() {
			continue
		}
		sub.handler(ev)
	}
}

// Rooms returns the currently referenced room keys, sorted.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedRoomsLocked()
}

// RefCount returns the number of subscribers for roomID.
func (r *Registry) RefCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		return len(rm.subs)
	}
	return 0
}

func (r *Registry) sortedRoomsLocked() []string {
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// send issues a membership command. Failures are logged, not returned:
// referenced rooms are rejoined when the transport reconnects.
func (r *Registry) send(env protocol.Envelope) {
	if r.sender == nil {
		return
	}
	if err := r.sender.Send(env); err != nil {
		r.logger.Debug("membership command not sent",
			"action", env.Action,
			"room", env.Room,
			"error", err)
	}
}
