package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/domain"
)

// ReceiveVideoFrom publishes the caller's media when sender is the caller
// itself, otherwise subscribes the caller to sender.
func (o *Orchestrator) ReceiveVideoFrom(req domain.ParticipantRequest, sender, offer string) (AnswerResult, error) {
	answer, publish, err := o.Rooms.ReceiveVideoFrom(req, sender, offer, o.Loopback)
	if err != nil {
		return AnswerResult{}, asRoomError(err)
	}
	log.Debug().Str("module", "orch").Str("request", req.String()).Str("sender", sender).Bool("publish", publish).Msg("sdp answered")
	return AnswerResult{SdpAnswer: answer}, nil
}

func (o *Orchestrator) UnsubscribeFromVideo(req domain.ParticipantRequest, sender string) (Empty, error) {
	if err := o.Rooms.UnsubscribeFromVideo(req, sender); err != nil {
		return Empty{}, asRoomError(err)
	}
	return Empty{}, nil
}

func (o *Orchestrator) UnpublishVideo(req domain.ParticipantRequest) (Empty, error) {
	if err := o.Rooms.UnpublishVideo(req); err != nil {
		return Empty{}, asRoomError(err)
	}
	return Empty{}, nil
}

func (o *Orchestrator) OnIceCandidate(req domain.ParticipantRequest, endpointName string, c domain.Candidate) (Empty, error) {
	if err := o.Rooms.OnIceCandidate(req, endpointName, c); err != nil {
		return Empty{}, asRoomError(err)
	}
	return Empty{}, nil
}

func (o *Orchestrator) ApplyFilter(req domain.ParticipantRequest, kind string) (FilterResult, error) {
	id, err := o.Rooms.ApplyFilter(req, kind)
	if err != nil {
		return FilterResult{}, asRoomError(err)
	}
	return FilterResult{FilterID: id}, nil
}

func (o *Orchestrator) RevertFilter(req domain.ParticipantRequest, filterID string) (Empty, error) {
	if err := o.Rooms.RevertFilter(req, filterID); err != nil {
		return Empty{}, asRoomError(err)
	}
	return Empty{}, nil
}
