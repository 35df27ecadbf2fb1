package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/domain"
)

type membership int

const (
	notJoined membership = iota
	joining
	joined
	// leftWhileJoining marks a leave that arrived while the join was still
	// in flight; the join unwinds itself when it commits.
	leftWhileJoining
	// disconnected marks a participant whose connection is gone. A join
	// dispatched before the disconnect but run after it is refused.
	disconnected
)

// tombstoneTTL bounds how long a disconnected entry is remembered.
const tombstoneTTL = time.Minute

type sessionEntry struct {
	RoomName domain.RoomName
	UserName string
	state    membership
	Cancel   context.CancelFunc
	gone     time.Time
}

// Registry tracks which room each participant is in and the transport
// cancel func used to kick it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ParticipantID]*sessionEntry
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.ParticipantID]*sessionEntry), now: time.Now}
}

// BindSignal records the cancel func of a participant's control connection.
func (r *Registry) BindSignal(id domain.ParticipantID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok && e.state != disconnected {
		e.Cancel = cancel
	} else {
		r.sessions[id] = &sessionEntry{Cancel: cancel}
	}
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("bound signal")
}

// Reserve marks id as joining roomName. A participant is in at most one room.
func (r *Registry) Reserve(id domain.ParticipantID, roomName domain.RoomName, userName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		e = &sessionEntry{}
		r.sessions[id] = e
	}
	if e.state == disconnected {
		return domain.NewError(domain.KindParticipantNotFound, "participant %s is disconnected", id)
	}
	if e.state != notJoined {
		return domain.NewError(domain.KindDuplicateUser, "participant %s is already in room %s", id, e.RoomName)
	}
	e.RoomName, e.UserName, e.state = roomName, userName, joining
	return nil
}

// Commit finishes a reservation. It returns false when a leave arrived in the
// meantime; the caller must then undo the join.
func (r *Registry) Commit(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	switch e.state {
	case joining:
		e.state = joined
		log.Info().Str("module", "app.registry").Str("participant", string(id)).Str("room", string(e.RoomName)).Msg("joined room")
		return true
	case leftWhileJoining:
		r.clear(id, e)
	}
	return false
}

// Abort drops a reservation whose join failed.
func (r *Registry) Abort(id domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok && (e.state == joining || e.state == leftWhileJoining) {
		r.clear(id, e)
	}
}

// clear must be called with r.mu held.
func (r *Registry) clear(id domain.ParticipantID, e *sessionEntry) {
	e.RoomName, e.UserName, e.state = "", "", notJoined
	if e.Cancel == nil {
		delete(r.sessions, id)
	}
}

// Leave detaches id from its room and returns the room to leave. ok is false
// when there is nothing to leave now, including a join still in flight, which
// is tombstoned instead.
func (r *Registry) Leave(id domain.ParticipantID) (domain.RoomName, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return "", false
	}
	switch e.state {
	case joined:
		name := e.RoomName
		r.clear(id, e)
		log.Info().Str("module", "app.registry").Str("participant", string(id)).Str("room", string(name)).Msg("left room")
		return name, true
	case joining:
		e.state = leftWhileJoining
		log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("leave during join, deferred")
	}
	return "", false
}

// RoomOf returns the room id has joined.
func (r *Registry) RoomOf(id domain.ParticipantID) (domain.RoomName, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok || e.state != joined {
		return "", "", false
	}
	return e.RoomName, e.UserName, true
}

func (r *Registry) MembersOfRoom(name domain.RoomName) []domain.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ParticipantID, 0)
	for id, e := range r.sessions {
		if e.state == joined && e.RoomName == name {
			out = append(out, id)
		}
	}
	return out
}

// Unbind forgets id's connection. Call after its leave. The entry stays as
// a tombstone for a while so a join still queued for id is refused.
func (r *Registry) Unbind(id domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for other, e := range r.sessions {
		if e.state == disconnected && now.Sub(e.gone) > tombstoneTTL {
			delete(r.sessions, other)
		}
	}
	r.sessions[id] = &sessionEntry{state: disconnected, gone: now}
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("unbind session")
}

// Cancel closes id's control connection, which in turn makes it leave.
func (r *Registry) Cancel(id domain.ParticipantID) bool {
	r.mu.RLock()
	var cancel context.CancelFunc
	if e, ok := r.sessions[id]; ok {
		cancel = e.Cancel
	}
	r.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel()
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("canceled session")
	return true
}
