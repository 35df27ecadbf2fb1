package domain

type RoomName string

// RoomInfo is a read-only view of a live room.
type RoomInfo struct {
	Name             RoomName `json:"name"`
	ParticipantCount int      `json:"participant_count"`
	Engine           string   `json:"engine"`
}
