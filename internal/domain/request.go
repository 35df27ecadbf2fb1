package domain

import "fmt"

// ParticipantRequest correlates an inbound request with its asynchronous
// response. It is a value type; two requests are equal when both fields are.
type ParticipantRequest struct {
	ParticipantID ParticipantID
	RequestID     string
}

func NewParticipantRequest(pid ParticipantID, requestID string) ParticipantRequest {
	return ParticipantRequest{ParticipantID: pid, RequestID: requestID}
}

func (r ParticipantRequest) String() string {
	return fmt.Sprintf("[requestId=%s, participantId=%s]", r.RequestID, r.ParticipantID)
}
