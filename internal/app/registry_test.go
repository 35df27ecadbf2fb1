package app_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/Conference/internal/app"
	"github.com/dkeye/Conference/internal/domain"
)

func TestRegistryJoinLeave(t *testing.T) {
	r := app.NewRegistry()

	require.NoError(t, r.Reserve("p1", "R", "alice"))
	_, _, ok := r.RoomOf("p1")
	require.False(t, ok, "not visible before commit")
	require.True(t, r.Commit("p1"))

	room, user, ok := r.RoomOf("p1")
	require.True(t, ok)
	require.Equal(t, domain.RoomName("R"), room)
	require.Equal(t, "alice", user)
	require.Equal(t, []domain.ParticipantID{"p1"}, r.MembersOfRoom("R"))

	require.ErrorIs(t, r.Reserve("p1", "S", "alice"), domain.ErrDuplicateUser)

	room, ok = r.Leave("p1")
	require.True(t, ok)
	require.Equal(t, domain.RoomName("R"), room)
	_, ok = r.Leave("p1")
	require.False(t, ok)
}

func TestRegistryLeaveWhileJoining(t *testing.T) {
	r := app.NewRegistry()
	require.NoError(t, r.Reserve("p1", "R", "alice"))

	_, ok := r.Leave("p1")
	require.False(t, ok)
	require.False(t, r.Commit("p1"))
	_, _, ok = r.RoomOf("p1")
	require.False(t, ok)
	require.NoError(t, r.Reserve("p1", "R", "alice"))
}

func TestRegistryAbortAndCancel(t *testing.T) {
	r := app.NewRegistry()
	canceled := 0
	r.BindSignal("p1", func() { canceled++ })

	require.NoError(t, r.Reserve("p1", "R", "alice"))
	r.Abort("p1")
	require.NoError(t, r.Reserve("p1", "R", "alice"), "abort keeps the signal binding but frees the slot")

	require.True(t, r.Cancel("p1"))
	require.Equal(t, 1, canceled)

	r.Unbind("p1")
	require.False(t, r.Cancel("p1"))
}

func TestRegistryRefusesJoinAfterDisconnect(t *testing.T) {
	r := app.NewRegistry()
	r.BindSignal("p1", func() {})
	r.Unbind("p1")

	require.ErrorIs(t, r.Reserve("p1", "R", "alice"), domain.ErrParticipantNotFound)
	_, _, ok := r.RoomOf("p1")
	require.False(t, ok)
	require.Empty(t, r.MembersOfRoom("R"))
}

func TestRegistryDisconnectDuringJoin(t *testing.T) {
	r := app.NewRegistry()
	r.BindSignal("p1", func() {})
	require.NoError(t, r.Reserve("p1", "R", "alice"))

	_, ok := r.Leave("p1")
	require.False(t, ok)
	r.Unbind("p1")
	require.False(t, r.Commit("p1"), "the join must unwind")
	require.ErrorIs(t, r.Reserve("p1", "R", "alice"), domain.ErrParticipantNotFound)
}

func TestParsePolicy(t *testing.T) {
	p, err := app.ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, app.KickParticipant, p.OnBackPressure("p1", "iceCandidate"))

	p, err = app.ParsePolicy("drop")
	require.NoError(t, err)
	require.Equal(t, app.DropNotification, p.OnBackPressure("p1", "iceCandidate"))

	_, err = app.ParsePolicy("ignore")
	require.Error(t, err)
}
