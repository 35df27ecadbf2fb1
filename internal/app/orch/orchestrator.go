package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/app"
	"github.com/dkeye/Conference/internal/domain"
)

// Orchestrator is the surface the control transport calls into. Each
// operation takes the request it answers and returns a typed result or a
// *domain.RoomError.
type Orchestrator struct {
	Rooms    *app.RoomManager
	Registry *app.Registry
	Policy   app.Policy
	// Loopback makes publishers receive their own stream back.
	Loopback bool
}

func New(rooms *app.RoomManager, policy app.Policy, loopback bool) *Orchestrator {
	return &Orchestrator{
		Rooms:    rooms,
		Registry: rooms.Sessions(),
		Policy:   policy,
		Loopback: loopback,
	}
}

// Empty is the result of operations that only acknowledge.
type Empty struct{}

type JoinResult struct {
	Value []domain.ParticipantInfo `json:"value"`
}

type AnswerResult struct {
	SdpAnswer string `json:"sdpAnswer"`
}

type FilterResult struct {
	FilterID string `json:"filterId"`
}

// OnBackPressure applies the policy to a participant whose outbound queue
// is full. It reports whether the notification should be dropped.
func (o *Orchestrator) OnBackPressure(id domain.ParticipantID, method string) bool {
	if o.Policy == nil {
		return true
	}
	switch o.Policy.OnBackPressure(id, method) {
	case app.KickParticipant:
		log.Warn().Str("module", "orch").Str("participant", string(id)).Str("method", method).Msg("kicking slow participant")
		o.Registry.Cancel(id)
		return true
	case app.DropNotification:
		log.Debug().Str("module", "orch").Str("participant", string(id)).Str("method", method).Msg("dropping notification")
		return true
	}
	return false
}

// Disconnect is called by the transport when a participant's connection is
// gone. It never fails.
func (o *Orchestrator) Disconnect(id domain.ParticipantID) {
	o.Rooms.LeaveRoom(id)
	o.Registry.Unbind(id)
}

// Close closes every room.
func (o *Orchestrator) Close() {
	o.Rooms.Close()
}

func asRoomError(err error) *domain.RoomError {
	return domain.AsRoomError(err)
}
