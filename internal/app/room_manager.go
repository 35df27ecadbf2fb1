package app

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/media"
)

// joinAttempts bounds retries when a join lands on a room that is closing.
const joinAttempts = 5

// RoomManager maps room names to rooms. Rooms are created on first join on
// an engine chosen by the pool and removed when their last participant
// leaves.
type RoomManager struct {
	pool     *media.Pool
	sessions *Registry

	mu    sync.RWMutex
	rooms map[domain.RoomName]*core.Room
}

func NewRoomManager(pool *media.Pool, sessions *Registry) *RoomManager {
	return &RoomManager{
		pool:     pool,
		sessions: sessions,
		rooms:    make(map[domain.RoomName]*core.Room),
	}
}

func (m *RoomManager) Sessions() *Registry { return m.sessions }

// getOrCreate selects an engine without holding the map lock; a selection
// that loses the race to another creator is discarded.
func (m *RoomManager) getOrCreate(ctx context.Context, name domain.RoomName) (*core.Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[name]
	m.mu.RUnlock()
	if ok && !room.IsClosed() {
		return room, nil
	}

	h, err := m.pool.Select(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok = m.rooms[name]; ok && !room.IsClosed() {
		return room, nil
	}
	room = core.NewRoom(name, h)
	m.rooms[name] = room
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Str("engine", h.ID).Str("strategy", string(m.pool.Strategy())).Msg("room created")
	return room, nil
}

// removeRoom drops room from the map if it is still the registered one.
func (m *RoomManager) removeRoom(room *core.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[room.Name()]; ok && cur == room {
		delete(m.rooms, room.Name())
		log.Info().Str("module", "app.rooms").Str("room", string(room.Name())).Msg("room removed")
	}
}

func (m *RoomManager) room(name domain.RoomName) (*core.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[name]
	return r, ok
}

// roomOf resolves the room participant id has joined.
func (m *RoomManager) roomOf(id domain.ParticipantID) (*core.Room, string, error) {
	name, user, ok := m.sessions.RoomOf(id)
	if !ok {
		return nil, "", domain.NewError(domain.KindParticipantNotFound, "participant %s is not in a room", id)
	}
	room, ok := m.room(name)
	if !ok {
		return nil, "", domain.NewError(domain.KindRoomNotFound, "room %s does not exist", name)
	}
	return room, user, nil
}

// JoinRoom adds the requesting participant to roomName, creating the room on
// first use, and returns who was already there.
func (m *RoomManager) JoinRoom(ctx context.Context, req domain.ParticipantRequest, roomName domain.RoomName, userName string, sink core.NotificationSink) ([]domain.ParticipantInfo, error) {
	if err := domain.ValidateRoomName(roomName); err != nil {
		return nil, domain.WrapError(domain.KindInvalidRequest, err, "room %q", roomName)
	}
	if err := domain.ValidateUsername(userName); err != nil {
		return nil, domain.WrapError(domain.KindInvalidRequest, err, "user %q", userName)
	}
	id := req.ParticipantID
	if err := m.sessions.Reserve(id, roomName, userName); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		m.sessions.Abort(id)
		return nil, domain.WrapError(domain.KindParticipantNotFound, err, "participant %s disconnected before joining %s", id, roomName)
	}

	var (
		room     *core.Room
		existing []domain.ParticipantInfo
		err      error
	)
	for attempt := 1; ; attempt++ {
		room, err = m.getOrCreate(ctx, roomName)
		if err != nil {
			m.sessions.Abort(id)
			return nil, err
		}
		existing, err = room.Join(ctx, id, userName, sink)
		if err == nil {
			break
		}
		if domain.KindOf(err) == domain.KindRoomNotFound && attempt < joinAttempts {
			m.removeRoom(room)
			continue
		}
		if room.CloseIfEmpty() {
			m.removeRoom(room)
		}
		m.sessions.Abort(id)
		log.Warn().Err(err).Str("module", "app.rooms").Str("request", req.String()).Str("room", string(roomName)).Msg("join failed")
		return nil, err
	}

	if !m.sessions.Commit(id) {
		m.leave(room, id)
		return nil, domain.NewError(domain.KindParticipantNotFound, "participant %s left while joining %s", id, roomName)
	}
	return existing, nil
}

func (m *RoomManager) leave(room *core.Room, id domain.ParticipantID) {
	empty, ok := room.Leave(id)
	if !ok {
		log.Debug().Str("module", "app.rooms").Str("room", string(room.Name())).Str("participant", string(id)).Msg("participant already gone")
	}
	if empty {
		m.removeRoom(room)
	}
}

// LeaveRoom removes the participant from its room. Leaving twice, or
// leaving without having joined, is a logged no-op.
func (m *RoomManager) LeaveRoom(id domain.ParticipantID) {
	name, ok := m.sessions.Leave(id)
	if !ok {
		log.Debug().Str("module", "app.rooms").Str("participant", string(id)).Msg("leave: not in a room")
		return
	}
	room, ok := m.room(name)
	if !ok {
		log.Debug().Str("module", "app.rooms").Str("participant", string(id)).Str("room", string(name)).Msg("leave: room already gone")
		return
	}
	m.leave(room, id)
}

func (m *RoomManager) SendMessage(req domain.ParticipantRequest, roomName domain.RoomName, userName, text string) error {
	room, _, err := m.roomOf(req.ParticipantID)
	if err != nil {
		return err
	}
	if room.Name() != roomName {
		return domain.NewError(domain.KindParticipantNotFound, "participant %s is not in room %s", req.ParticipantID, roomName)
	}
	return room.SendMessage(req.ParticipantID, userName, text)
}

// ReceiveVideoFrom publishes when sender names the caller itself (with an
// optional stream suffix) and subscribes to sender otherwise. publish
// reports which branch ran.
func (m *RoomManager) ReceiveVideoFrom(req domain.ParticipantRequest, sender, offer string, loopback bool) (answer string, publish bool, err error) {
	room, user, err := m.roomOf(req.ParticipantID)
	if err != nil {
		return "", false, err
	}
	if senderName(sender) == user {
		answer, err = room.Publish(req.ParticipantID, offer, loopback)
		return answer, true, err
	}
	answer, err = room.Subscribe(req.ParticipantID, senderName(sender), offer)
	return answer, false, err
}

// senderName strips the stream suffix clients append to publisher names.
func senderName(sender string) string {
	return strings.TrimSuffix(sender, "_"+domain.WebcamStream)
}

func (m *RoomManager) UnsubscribeFromVideo(req domain.ParticipantRequest, sender string) error {
	room, _, err := m.roomOf(req.ParticipantID)
	if err != nil {
		return err
	}
	return room.Unsubscribe(req.ParticipantID, senderName(sender))
}

func (m *RoomManager) UnpublishVideo(req domain.ParticipantRequest) error {
	room, _, err := m.roomOf(req.ParticipantID)
	if err != nil {
		return err
	}
	return room.Unpublish(req.ParticipantID)
}

func (m *RoomManager) OnIceCandidate(req domain.ParticipantRequest, endpointName string, c domain.Candidate) error {
	room, _, err := m.roomOf(req.ParticipantID)
	if err != nil {
		return err
	}
	return room.AddCandidate(req.ParticipantID, senderName(endpointName), c)
}

func (m *RoomManager) ApplyFilter(req domain.ParticipantRequest, kind string) (string, error) {
	room, _, err := m.roomOf(req.ParticipantID)
	if err != nil {
		return "", err
	}
	return room.ApplyFilter(req.ParticipantID, kind)
}

func (m *RoomManager) RevertFilter(req domain.ParticipantRequest, filterID string) error {
	room, _, err := m.roomOf(req.ParticipantID)
	if err != nil {
		return err
	}
	return room.RevertFilter(req.ParticipantID, filterID)
}

// Rooms lists the live rooms sorted by name.
func (m *RoomManager) Rooms() []domain.RoomInfo {
	m.mu.RLock()
	rooms := make([]*core.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	slices.SortFunc(out, func(a, b domain.RoomInfo) int { return strings.Compare(string(a.Name), string(b.Name)) })
	return out
}

func (m *RoomManager) Participants(name domain.RoomName) ([]domain.ParticipantInfo, error) {
	room, ok := m.room(name)
	if !ok {
		return nil, domain.NewError(domain.KindRoomNotFound, "room %s does not exist", name)
	}
	return room.Participants(), nil
}

// CloseRoom evicts everyone from name and returns who was evicted.
func (m *RoomManager) CloseRoom(name domain.RoomName) ([]domain.ParticipantID, error) {
	room, ok := m.room(name)
	if !ok {
		return nil, domain.NewError(domain.KindRoomNotFound, "room %s does not exist", name)
	}
	ids := room.Close()
	for _, id := range ids {
		m.sessions.Leave(id)
	}
	m.removeRoom(room)
	return ids, nil
}

// Close closes every room.
func (m *RoomManager) Close() {
	m.mu.RLock()
	names := make([]domain.RoomName, 0, len(m.rooms))
	for name := range m.rooms {
		names = append(names, name)
	}
	m.mu.RUnlock()
	for _, name := range names {
		if _, err := m.CloseRoom(name); err != nil {
			log.Debug().Err(err).Str("module", "app.rooms").Str("room", string(name)).Msg("close room")
		}
	}
	log.Info().Str("module", "app.rooms").Int("rooms", len(names)).Msg("all rooms closed")
}
