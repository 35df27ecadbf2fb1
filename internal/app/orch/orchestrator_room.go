package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
)

func (o *Orchestrator) JoinRoom(ctx context.Context, req domain.ParticipantRequest, room domain.RoomName, user string, sink core.NotificationSink) (JoinResult, error) {
	existing, err := o.Rooms.JoinRoom(ctx, req, room, user, sink)
	if err != nil {
		return JoinResult{}, asRoomError(err)
	}
	log.Info().Str("module", "orch").Str("request", req.String()).Str("room", string(room)).Str("user", user).Int("existing", len(existing)).Msg("joined")
	return JoinResult{Value: existing}, nil
}

// LeaveRoom always succeeds; leaving when not in a room is a no-op.
func (o *Orchestrator) LeaveRoom(req domain.ParticipantRequest) (Empty, error) {
	o.Rooms.LeaveRoom(req.ParticipantID)
	return Empty{}, nil
}

func (o *Orchestrator) SendMessage(req domain.ParticipantRequest, room domain.RoomName, user, message string) (Empty, error) {
	if err := o.Rooms.SendMessage(req, room, user, message); err != nil {
		return Empty{}, asRoomError(err)
	}
	return Empty{}, nil
}

func (o *Orchestrator) ListRooms() []domain.RoomInfo {
	return o.Rooms.Rooms()
}

func (o *Orchestrator) Participants(room domain.RoomName) ([]domain.ParticipantInfo, error) {
	ps, err := o.Rooms.Participants(room)
	if err != nil {
		return nil, asRoomError(err)
	}
	return ps, nil
}

// EvictRoom closes a room, telling its participants, and returns who was
// evicted.
func (o *Orchestrator) EvictRoom(room domain.RoomName) ([]domain.ParticipantID, error) {
	ids, err := o.Rooms.CloseRoom(room)
	if err != nil {
		return nil, asRoomError(err)
	}
	log.Info().Str("module", "orch").Str("room", string(room)).Int("evicted", len(ids)).Msg("room evicted")
	return ids, nil
}
