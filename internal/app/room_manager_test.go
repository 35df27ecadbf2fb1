package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/Conference/internal/adapters/rtc"
	"github.com/dkeye/Conference/internal/app"
	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/core/mocks"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/media"
	"github.com/dkeye/Conference/internal/media/mediatest"
)

func newManager(t *testing.T, strategy media.Strategy, engines ...*mediatest.Engine) *app.RoomManager {
	t.Helper()
	pool := media.NewPool(strategy)
	for _, e := range engines {
		require.True(t, pool.Add(e.Handle()))
	}
	return app.NewRoomManager(pool, app.NewRegistry())
}

func req(id string) domain.ParticipantRequest {
	return domain.NewParticipantRequest(domain.ParticipantID(id), "1")
}

func quietSink(ctrl *gomock.Controller) *mocks.MockNotificationSink {
	s := mocks.NewMockNotificationSink(ctrl)
	s.EXPECT().Notify(gomock.Any(), gomock.Any()).AnyTimes()
	return s
}

func TestJoinAliceThenBob(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	m := newManager(t, media.RoundRobin, mediatest.NewEngine("kms"))
	alice := mocks.NewMockNotificationSink(ctrl)
	bob := mocks.NewMockNotificationSink(ctrl)

	existing, err := m.JoinRoom(ctx, req("p-alice"), "R", "alice", alice)
	require.NoError(t, err)
	require.Empty(t, existing)

	alice.EXPECT().Notify(core.MethodParticipantJoined, map[string]any{"id": "bob"}).Times(1)
	existing, err = m.JoinRoom(ctx, req("p-bob"), "R", "bob", bob)
	require.NoError(t, err)
	require.Len(t, existing, 1)
	require.Equal(t, "alice", existing[0].ID)

	require.Equal(t, []domain.RoomInfo{{Name: "R", ParticipantCount: 2, Engine: "kms"}}, m.Rooms())
}

func TestJoinValidatesNames(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := newManager(t, media.RoundRobin, mediatest.NewEngine("kms"))

	_, err := m.JoinRoom(context.Background(), req("p1"), "", "alice", quietSink(ctrl))
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = m.JoinRoom(context.Background(), req("p1"), "R", "", quietSink(ctrl))
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	require.ErrorIs(t, err, domain.ErrUsernameEmpty)
}

func TestJoinEmptyPool(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := newManager(t, media.RoundRobin)

	_, err := m.JoinRoom(context.Background(), req("p1"), "R", "alice", quietSink(ctrl))
	require.ErrorIs(t, err, domain.ErrPoolEmpty)
	require.Empty(t, m.Rooms())

	_, err = m.JoinRoom(context.Background(), req("p1"), "R", "alice", quietSink(ctrl))
	require.ErrorIs(t, err, domain.ErrPoolEmpty, "a failed join leaves no reservation behind")
}

func TestJoinSucceedsWhenLoadQueryFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	eng := mediatest.NewEngine("only")
	eng.FailSessionCount(errors.New("engine timeout"))
	m := newManager(t, media.LeastLoaded, eng)

	_, err := m.JoinRoom(context.Background(), req("p1"), "R", "alice", quietSink(ctrl))
	require.NoError(t, err)
	require.Equal(t, 1, eng.Pipelines())
}

func TestJoinPipelineFailureRemovesRoom(t *testing.T) {
	ctrl := gomock.NewController(t)
	eng := mediatest.NewEngine("kms")
	eng.FailCreatePipeline(errors.New("refused"))
	m := newManager(t, media.RoundRobin, eng)

	_, err := m.JoinRoom(context.Background(), req("p1"), "R", "alice", quietSink(ctrl))
	require.ErrorIs(t, err, domain.ErrEngineUnavailable)
	require.Empty(t, m.Rooms())

	eng.FailCreatePipeline(nil)
	_, err = m.JoinRoom(context.Background(), req("p1"), "R", "alice", quietSink(ctrl))
	require.NoError(t, err)
}

func TestJoinTwiceFromSameParticipant(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := newManager(t, media.RoundRobin, mediatest.NewEngine("kms"))

	_, err := m.JoinRoom(context.Background(), req("p1"), "R", "alice", quietSink(ctrl))
	require.NoError(t, err)
	_, err = m.JoinRoom(context.Background(), req("p1"), "S", "alice", quietSink(ctrl))
	require.ErrorIs(t, err, domain.ErrDuplicateUser)
}

func TestRoomsSpreadRoundRobin(t *testing.T) {
	ctrl := gomock.NewController(t)
	a, b := mediatest.NewEngine("a"), mediatest.NewEngine("b")
	m := newManager(t, media.RoundRobin, a, b)

	for i, name := range []domain.RoomName{"R1", "R2", "R3"} {
		_, err := m.JoinRoom(context.Background(), req(string(name)), name, "user", quietSink(ctrl))
		require.NoError(t, err, i)
	}
	require.Equal(t, 2, a.Pipelines())
	require.Equal(t, 1, b.Pipelines())
}

func TestLeaveRoomIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	eng := mediatest.NewEngine("kms")
	m := newManager(t, media.RoundRobin, eng)
	alice := mocks.NewMockNotificationSink(ctrl)
	bob := mocks.NewMockNotificationSink(ctrl)

	_, err := m.JoinRoom(ctx, req("p-alice"), "R", "alice", alice)
	require.NoError(t, err)
	alice.EXPECT().Notify(core.MethodParticipantJoined, gomock.Any())
	_, err = m.JoinRoom(ctx, req("p-bob"), "R", "bob", bob)
	require.NoError(t, err)

	alice.EXPECT().Notify(core.MethodParticipantLeft, map[string]any{"name": "bob"}).Times(1)
	m.LeaveRoom("p-bob")
	m.LeaveRoom("p-bob")
	m.LeaveRoom("p-nobody")

	m.LeaveRoom("p-alice")
	require.Empty(t, m.Rooms())
}

func TestLastLeaveRemovesRoomAndNextJoinRecreates(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	eng := mediatest.NewEngine("kms")
	m := newManager(t, media.RoundRobin, eng)

	_, err := m.JoinRoom(ctx, req("p1"), "R", "alice", quietSink(ctrl))
	require.NoError(t, err)
	m.LeaveRoom("p1")
	require.Empty(t, m.Rooms())

	_, err = m.JoinRoom(ctx, req("p1"), "R", "alice", quietSink(ctrl))
	require.NoError(t, err)
	require.Equal(t, 2, eng.Pipelines())
}

func TestConcurrentJoinLeaveAcrossRooms(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	eng := mediatest.NewEngine("kms")
	m := newManager(t, media.RoundRobin, eng)

	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := domain.ParticipantID(string(rune('A' + i)))
			room := domain.RoomName([]string{"R1", "R2", "R3"}[i%3])
			_, err := m.JoinRoom(ctx, domain.NewParticipantRequest(id, "1"), room, string(id), quietSink(ctrl))
			assert.NoError(t, err)
			m.LeaveRoom(id)
		}()
	}
	wg.Wait()
	require.Empty(t, m.Rooms())
}

func TestLeaveDuringJoinUnwinds(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	eng := mediatest.NewEngine("kms")
	entered, release := eng.HoldPipelines()
	m := newManager(t, media.RoundRobin, eng)

	errc := make(chan error, 1)
	go func() {
		_, err := m.JoinRoom(ctx, req("p1"), "R", "alice", quietSink(ctrl))
		errc <- err
	}()
	<-entered
	m.LeaveRoom("p1")
	release()

	require.ErrorIs(t, <-errc, domain.ErrParticipantNotFound)
	require.Empty(t, m.Rooms())
	_, _, ok := m.Sessions().RoomOf("p1")
	require.False(t, ok)

	_, err := m.JoinRoom(ctx, req("p1"), "R", "alice", quietSink(ctrl))
	require.NoError(t, err, "the unwound join does not block a new one")
}

func TestJoinAfterDisconnectIsRefused(t *testing.T) {
	ctrl := gomock.NewController(t)
	eng := mediatest.NewEngine("kms")
	m := newManager(t, media.RoundRobin, eng)

	ctx, cancel := context.WithCancel(context.Background())
	m.Sessions().BindSignal("p1", cancel)
	cancel()
	m.LeaveRoom("p1")
	m.Sessions().Unbind("p1")

	_, err := m.JoinRoom(context.Background(), req("p1"), "R", "alice", quietSink(ctrl))
	require.ErrorIs(t, err, domain.ErrParticipantNotFound)
	_, err = m.JoinRoom(ctx, req("p1"), "R", "alice", quietSink(ctrl))
	require.ErrorIs(t, err, domain.ErrParticipantNotFound)
	require.Empty(t, m.Rooms())
	require.Zero(t, eng.Pipelines())

	_, err = m.JoinRoom(context.Background(), req("p2"), "R", "alice", quietSink(ctrl))
	require.NoError(t, err, "the name is still free")
}

func TestJoinFailsWhenNoEngineAdmits(t *testing.T) {
	ctrl := gomock.NewController(t)
	eng := mediatest.NewEngine("kms")
	eng.SetSessions(media.DefaultCapacity)
	m := newManager(t, media.RoundRobin, eng)

	_, err := m.JoinRoom(context.Background(), req("p1"), "R", "alice", quietSink(ctrl))
	require.ErrorIs(t, err, domain.ErrEngineUnavailable)
	require.Empty(t, m.Rooms())
	require.Zero(t, eng.Pipelines())

	eng.SetSessions(0)
	_, err = m.JoinRoom(context.Background(), req("p1"), "R", "alice", quietSink(ctrl))
	require.NoError(t, err)
}

func TestJoinWithCanceledConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	eng := mediatest.NewEngine("kms")
	m := newManager(t, media.RoundRobin, eng)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.JoinRoom(ctx, req("p1"), "R", "alice", quietSink(ctrl))
	require.ErrorIs(t, err, domain.ErrParticipantNotFound)
	require.Empty(t, m.Rooms())
	_, _, ok := m.Sessions().RoomOf("p1")
	require.False(t, ok)
}

func TestPublishSubscribeThroughManager(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	m := newManager(t, media.RoundRobin, mediatest.NewEngine("kms"))
	_, err := m.JoinRoom(ctx, req("p-alice"), "R", "alice", quietSink(ctrl))
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, req("p-bob"), "R", "bob", quietSink(ctrl))
	require.NoError(t, err)

	answer, publish, err := m.ReceiveVideoFrom(req("p-alice"), "alice_webcam", "offer", true)
	require.NoError(t, err)
	require.True(t, publish)
	require.Equal(t, "answer:offer", answer)

	_, publish, err = m.ReceiveVideoFrom(req("p-bob"), "alice_webcam", "offer", true)
	require.NoError(t, err)
	require.False(t, publish)

	require.NoError(t, m.OnIceCandidate(req("p-bob"), "alice_webcam", domain.Candidate{Candidate: "c"}))
	require.NoError(t, m.UnsubscribeFromVideo(req("p-bob"), "alice"))
	require.NoError(t, m.UnpublishVideo(req("p-alice")))

	id, err := m.ApplyFilter(req("p-alice"), "audio_only")
	require.NoError(t, err)
	require.NoError(t, m.RevertFilter(req("p-alice"), id))

	_, _, err = m.ReceiveVideoFrom(req("p-ghost"), "alice", "offer", true)
	require.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestApplyUnknownFilterIsInvalidRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine, err := rtc.NewEngine("local", rtc.Options{})
	require.NoError(t, err)
	pool := media.NewPool(media.RoundRobin)
	require.True(t, pool.Add(media.NewHandle("local", "local://", engine, nil)))
	t.Cleanup(pool.Close)
	m := app.NewRoomManager(pool, app.NewRegistry())

	_, err = m.JoinRoom(context.Background(), req("p-alice"), "R", "alice", quietSink(ctrl))
	require.NoError(t, err)

	_, err = m.ApplyFilter(req("p-alice"), "sepia")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	require.Equal(t, 101, domain.AsRoomError(err).Code())

	id, err := m.ApplyFilter(req("p-alice"), rtc.FilterAudioOnly)
	require.NoError(t, err)
	require.NoError(t, m.RevertFilter(req("p-alice"), id))
}

func TestSendMessageChecksRoom(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	m := newManager(t, media.RoundRobin, mediatest.NewEngine("kms"))
	alice := mocks.NewMockNotificationSink(ctrl)

	_, err := m.JoinRoom(ctx, req("p-alice"), "R", "alice", alice)
	require.NoError(t, err)

	alice.EXPECT().Notify(core.MethodSendMessage, map[string]any{"room": "R", "user": "alice", "message": "hello"}).Times(1)
	require.NoError(t, m.SendMessage(req("p-alice"), "R", "alice", "hello"))
	require.ErrorIs(t, m.SendMessage(req("p-alice"), "other", "alice", "hello"), domain.ErrParticipantNotFound)
}

func TestCloseEvictsAllRooms(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	m := newManager(t, media.RoundRobin, mediatest.NewEngine("kms"))
	_, err := m.JoinRoom(ctx, req("p1"), "R1", "alice", quietSink(ctrl))
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, req("p2"), "R2", "bob", quietSink(ctrl))
	require.NoError(t, err)

	m.Close()
	require.Empty(t, m.Rooms())
	_, _, ok := m.Sessions().RoomOf("p1")
	require.False(t, ok)

	_, err = m.CloseRoom("R1")
	require.ErrorIs(t, err, domain.ErrRoomNotFound)
}
