package domain

// ParticipantID identifies one control session. It is assigned by the
// transport and is unique process-wide.
type ParticipantID string

// StreamInfo describes one published stream of a participant.
type StreamInfo struct {
	ID string `json:"id"`
}

// ParticipantInfo is what other participants learn about a member of a room.
// No transport or media state here.
type ParticipantInfo struct {
	ID      string       `json:"id"`
	Streams []StreamInfo `json:"streams,omitempty"`
}

// WebcamStream is the single stream name a publisher exposes.
const WebcamStream = "webcam"
