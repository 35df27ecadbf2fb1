package app

import (
	"fmt"

	"github.com/dkeye/Conference/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropNotification
	KickParticipant
)

// Policy decides what happens when a participant's outbound queue is full.
type Policy interface {
	OnBackPressure(id domain.ParticipantID, method string) BackpressureAction
}

// SimplePolicy kicks slow participants.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ParticipantID, string) BackpressureAction {
	return KickParticipant
}

// DropPolicy drops notifications a slow participant cannot take.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.ParticipantID, string) BackpressureAction {
	return DropNotification
}

// ParsePolicy maps the configured name to a policy. Empty means kick.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "drop":
		return DropPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown backpressure policy %q", name)
}
