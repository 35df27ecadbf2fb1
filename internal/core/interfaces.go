package core

// NotificationSink delivers server-initiated events to one participant.
// Owned by the adapter. Delivery is best effort and must not block; the
// adapter logs its own failures.
//
//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks . NotificationSink
type NotificationSink interface {
	Notify(method string, params map[string]any)
}

// Server notification methods.
const (
	MethodParticipantJoined      = "participantJoined"
	MethodParticipantPublished   = "participantPublished"
	MethodParticipantUnpublished = "participantUnpublished"
	MethodParticipantLeft        = "participantLeft"
	MethodSendMessage            = "sendMessage"
	MethodIceCandidate           = "iceCandidate"
	MethodRoomClosed             = "roomClosed"
)
