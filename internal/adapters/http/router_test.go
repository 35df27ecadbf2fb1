package http_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	router "github.com/dkeye/Conference/internal/adapters/http"
	"github.com/dkeye/Conference/internal/adapters/signal"
	"github.com/dkeye/Conference/internal/app"
	"github.com/dkeye/Conference/internal/app/orch"
	"github.com/dkeye/Conference/internal/config"
	"github.com/dkeye/Conference/internal/core/mocks"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/media"
	"github.com/dkeye/Conference/internal/media/mediatest"
)

func setup(t *testing.T) (http.Handler, *orch.Orchestrator) {
	t.Helper()
	pool := media.NewPool(media.RoundRobin)
	require.True(t, pool.Add(mediatest.NewEngine("kms").Handle()))
	o := orch.New(app.NewRoomManager(pool, app.NewRegistry()), app.SimplePolicy{}, false)
	cfg := &config.Config{Mode: "test", StaticPath: t.TempDir(), Secret: "s3cret"}
	ctl := signal.NewSignalWSController(o, nil, signal.Options{})
	return router.SetupRouter(context.Background(), cfg, o, ctl), o
}

func do(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRoomsEndpoints(t *testing.T) {
	ctrl := gomock.NewController(t)
	h, o := setup(t)

	w := do(h, http.MethodGet, "/api/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[]`, w.Body.String())
	require.NotEmpty(t, w.Result().Cookies(), "client token cookie is set")

	sink := mocks.NewMockNotificationSink(ctrl)
	sink.EXPECT().Notify(gomock.Any(), gomock.Any()).AnyTimes()
	_, err := o.JoinRoom(context.Background(), domain.NewParticipantRequest("p1", "1"), "R", "alice", sink)
	require.NoError(t, err)

	w = do(h, http.MethodGet, "/api/rooms", nil)
	require.JSONEq(t, `[{"name":"R","participant_count":1,"engine":"kms"}]`, w.Body.String())

	w = do(h, http.MethodGet, "/api/rooms/R/participants", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[{"id":"alice"}]`, w.Body.String())

	w = do(h, http.MethodGet, "/api/rooms/nope/participants", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"code":106,"error":"room nope does not exist"}`, w.Body.String())
}

func TestEvictRoomNeedsSecret(t *testing.T) {
	ctrl := gomock.NewController(t)
	h, o := setup(t)
	sink := mocks.NewMockNotificationSink(ctrl)
	sink.EXPECT().Notify(gomock.Any(), gomock.Any()).AnyTimes()
	_, err := o.JoinRoom(context.Background(), domain.NewParticipantRequest("p1", "1"), "R", "alice", sink)
	require.NoError(t, err)

	w := do(h, http.MethodDelete, "/api/rooms/R", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(h, http.MethodDelete, "/api/rooms/R", map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"evicted":1}`, w.Body.String())
	require.Empty(t, o.ListRooms())
}
