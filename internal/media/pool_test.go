package media_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/media"
	"github.com/dkeye/Conference/internal/media/mediatest"
)

func handleWithSessions(t *testing.T, id string, sessions, capacity int) (*media.Handle, *mediatest.Engine) {
	t.Helper()
	eng := mediatest.NewEngine(id)
	eng.SetSessions(sessions)
	return media.NewHandle(id, "mem://"+id, eng, media.SessionCapacityPolicy{Capacity: capacity}), eng
}

func TestPoolSelectByLoad(t *testing.T) {
	ctx := context.Background()
	p := media.NewPool(media.LeastLoaded)
	for _, tc := range []struct {
		id       string
		sessions int
	}{{"a", 9}, {"b", 2}, {"c", 5}} {
		h, _ := handleWithSessions(t, tc.id, tc.sessions, 10)
		require.True(t, p.Add(h))
	}

	least, err := p.SelectLeastLoaded(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", least.ID)

	second, err := p.SelectSecondLeastLoaded(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", second.ID)

	sel, err := p.Select(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", sel.ID)
}

func TestPoolSelectSkipsFullEngine(t *testing.T) {
	ctx := context.Background()
	p := media.NewPool(media.RoundRobin)
	full, _ := handleWithSessions(t, "full", 10, 10)
	busy, _ := handleWithSessions(t, "busy", 6, 10)
	idle, idleEng := handleWithSessions(t, "idle", 1, 10)
	for _, h := range []*media.Handle{full, busy, idle} {
		require.True(t, p.Add(h))
	}

	got, err := p.Select(ctx)
	require.NoError(t, err)
	require.Equal(t, "busy", got.ID, "round robin picked the full engine; second least loaded is next")

	got, err = p.Select(ctx)
	require.NoError(t, err)
	require.Equal(t, "busy", got.ID, "round robin pick admits")

	idleEng.SetSessions(10)
	p2 := media.NewPool(media.RoundRobin)
	require.True(t, p2.Add(full))
	require.True(t, p2.Add(idle))
	got, err = p2.Select(ctx)
	require.ErrorIs(t, err, domain.ErrEngineUnavailable)
	require.Nil(t, got)
}

func TestPoolSelectFallsBackToLeastLoaded(t *testing.T) {
	ctx := context.Background()
	p := media.NewPool(media.RoundRobin)
	full, _ := handleWithSessions(t, "full", 10, 10)
	idle, _ := handleWithSessions(t, "idle", 1, 10)
	tiny, _ := handleWithSessions(t, "tiny", 3, 3)
	for _, h := range []*media.Handle{full, idle, tiny} {
		require.True(t, p.Add(h))
	}
	// Loads: idle 0.1, full 1, tiny 1. Second least loaded is full, so the
	// least loaded engine takes the room.
	got, err := p.Select(ctx)
	require.NoError(t, err)
	require.Equal(t, "idle", got.ID)
}

func TestSortedByLoadHonoursCancel(t *testing.T) {
	p := media.NewPool(media.LeastLoaded)
	h, _ := handleWithSessions(t, "a", 1, 10)
	require.True(t, p.Add(h))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.SortedByLoad(ctx)
	require.ErrorIs(t, err, domain.ErrEngineUnavailable)
}

func TestPoolLeastLoadedTiesKeepInsertionOrder(t *testing.T) {
	p := media.NewPool(media.LeastLoaded)
	for _, id := range []string{"first", "second", "third"} {
		h, _ := handleWithSessions(t, id, 3, 10)
		p.Add(h)
	}
	h, err := p.SelectLeastLoaded(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", h.ID)
}

func TestPoolSecondLeastLoadedSingleHandle(t *testing.T) {
	p := media.NewPool(media.SecondLeastLoaded)
	h, _ := handleWithSessions(t, "only", 1, 10)
	p.Add(h)
	got, err := p.SelectSecondLeastLoaded(context.Background())
	require.NoError(t, err)
	require.Same(t, h, got)
}

func TestPoolEmpty(t *testing.T) {
	ctx := context.Background()
	p := media.NewPool(media.RoundRobin)

	_, err := p.SelectRoundRobin()
	require.ErrorIs(t, err, domain.ErrPoolEmpty)
	_, err = p.SelectLeastLoaded(ctx)
	require.ErrorIs(t, err, domain.ErrPoolEmpty)
	_, err = p.SelectSecondLeastLoaded(ctx)
	require.ErrorIs(t, err, domain.ErrPoolEmpty)
	require.Equal(t, domain.KindPoolEmpty, domain.KindOf(err))
}

func TestPoolRoundRobinWraps(t *testing.T) {
	p := media.NewPool(media.RoundRobin)
	for _, id := range []string{"a", "b", "c"} {
		p.Add(mediatest.NewEngine(id).Handle())
	}
	var got []string
	for range 7 {
		h, err := p.SelectRoundRobin()
		require.NoError(t, err)
		got = append(got, h.ID)
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a"}, got)
}

func TestPoolAddDuplicateIsNoop(t *testing.T) {
	p := media.NewPool(media.RoundRobin)
	require.True(t, p.Add(mediatest.NewEngine("a").Handle()))
	require.False(t, p.Add(mediatest.NewEngine("a").Handle()))
	require.Equal(t, 1, p.Len())
}

func TestPoolConcurrentAddAndSelect(t *testing.T) {
	ctx := context.Background()
	p := media.NewPool(media.LeastLoaded)
	p.Add(mediatest.NewEngine("seed").Handle())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Add(mediatest.NewEngine(string(rune('a' + i))).Handle())
		}()
		go func() {
			defer wg.Done()
			h, err := p.Select(ctx)
			assert.NoError(t, err)
			assert.NotNil(t, h)
			_, err = p.SelectRoundRobin()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 21, p.Len())
}

func TestSessionCapacityPolicy(t *testing.T) {
	ctx := context.Background()

	h, eng := handleWithSessions(t, "a", 5, 10)
	require.InDelta(t, 0.5, h.Load(ctx), 1e-9)
	require.True(t, h.Admits(ctx))

	eng.SetSessions(12)
	require.Equal(t, 1.0, h.Load(ctx))
	require.False(t, h.Admits(ctx))

	eng.FailSessionCount(errors.New("engine unreachable"))
	require.Equal(t, 0.0, h.Load(ctx))
	require.True(t, h.Admits(ctx))
}

func TestParseStrategy(t *testing.T) {
	s, err := media.ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, media.RoundRobin, s)

	s, err = media.ParseStrategy("second_least_loaded")
	require.NoError(t, err)
	require.Equal(t, media.SecondLeastLoaded, s)

	_, err = media.ParseStrategy("random")
	require.Error(t, err)
}
