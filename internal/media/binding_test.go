package media_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/media"
	"github.com/dkeye/Conference/internal/media/mediatest"
)

func newPipeline(t *testing.T) (*mediatest.Engine, media.Pipeline) {
	t.Helper()
	eng := mediatest.NewEngine("kms")
	pl, err := eng.CreatePipeline(context.Background())
	require.NoError(t, err)
	return eng, pl
}

func candidate(n int) domain.Candidate {
	return domain.Candidate{Candidate: "candidate:" + string(rune('0'+n)), SDPMid: "0", SDPMLineIndex: uint16(n)}
}

func TestBindingConcurrentMaterializeCreatesOnce(t *testing.T) {
	eng, pl := newPipeline(t)
	eng.SlowCreate(5 * time.Millisecond)
	b := media.NewBinding("alice", "alice", pl, nil)

	const callers = 16
	got := make([]media.Endpoint, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep, err := b.Materialize()
			assert.NoError(t, err)
			got[i] = ep
		}()
	}
	wg.Wait()

	require.Equal(t, 1, eng.EndpointCreations())
	for _, ep := range got {
		require.Same(t, got[0], ep)
	}
	require.Equal(t, media.Materialized, b.State())
}

func TestBindingFlushesQueuedCandidatesInOrder(t *testing.T) {
	eng, pl := newPipeline(t)
	b := media.NewBinding("alice", "bob", pl, nil)

	for i := range 5 {
		require.NoError(t, b.AddCandidate(candidate(i)))
	}
	require.Equal(t, 5, b.PendingCandidates())

	ep, err := b.Materialize()
	require.NoError(t, err)
	require.Zero(t, b.PendingCandidates())

	require.NoError(t, b.AddCandidate(candidate(5)))
	_, err = b.Materialize()
	require.NoError(t, err)

	want := []domain.Candidate{candidate(0), candidate(1), candidate(2), candidate(3), candidate(4), candidate(5)}
	require.Equal(t, want, eng.Candidates(ep.ID()))
}

func TestBindingCandidatesRacingMaterialize(t *testing.T) {
	eng, pl := newPipeline(t)
	b := media.NewBinding("alice", "alice", pl, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 10 {
			assert.NoError(t, b.AddCandidate(candidate(i)))
		}
	}()
	ep, err := b.Materialize()
	require.NoError(t, err)
	wg.Wait()

	got := eng.Candidates(ep.ID())
	require.Len(t, got, 10)
	for i, c := range got {
		require.Equal(t, candidate(i), c)
	}
}

func TestBindingNegotiateBeforeMaterialize(t *testing.T) {
	_, pl := newPipeline(t)
	b := media.NewBinding("alice", "alice", pl, nil)

	_, err := b.Negotiate("offer")
	require.ErrorIs(t, err, domain.ErrEndpointNotReady)
	require.ErrorIs(t, b.GatherCandidates(), domain.ErrEndpointNotReady)

	_, err = b.Materialize()
	require.NoError(t, err)
	answer, err := b.Negotiate("offer")
	require.NoError(t, err)
	require.Equal(t, "answer:offer", answer)
}

func TestBindingReleaseIsTerminal(t *testing.T) {
	eng, pl := newPipeline(t)
	b := media.NewBinding("alice", "alice", pl, nil)
	ep, err := b.Materialize()
	require.NoError(t, err)

	b.Release()
	b.Release()
	require.Equal(t, media.Closed, b.State())
	require.True(t, eng.Released(ep.ID()))

	_, err = b.Materialize()
	require.ErrorIs(t, err, domain.ErrEndpointNotReady)
	require.ErrorIs(t, b.AddCandidate(candidate(1)), domain.ErrEndpointNotReady)
	require.Equal(t, 1, eng.EndpointCreations())
}

func TestBindingCreateFailure(t *testing.T) {
	eng, pl := newPipeline(t)
	eng.FailCreateEndpoint(errors.New("no route to engine"))
	b := media.NewBinding("alice", "alice", pl, nil)
	require.NoError(t, b.AddCandidate(candidate(1)))

	_, err := b.Materialize()
	require.ErrorIs(t, err, domain.ErrEngineUnavailable)
	require.Equal(t, media.Unmaterialized, b.State())
	require.Equal(t, 1, b.PendingCandidates())

	eng.FailCreateEndpoint(nil)
	ep, err := b.Materialize()
	require.NoError(t, err)
	require.Equal(t, []domain.Candidate{candidate(1)}, eng.Candidates(ep.ID()))
}

func TestBindingForwardsDiscoveredCandidates(t *testing.T) {
	eng, pl := newPipeline(t)
	local := domain.Candidate{Candidate: "candidate:local", SDPMid: "0"}
	eng.DiscoverOnGather(local)

	var mu sync.Mutex
	var seen []string
	b := media.NewBinding("alice", "bob", pl, func(name string, c domain.Candidate) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, name+"|"+c.Candidate)
	})
	_, err := b.Materialize()
	require.NoError(t, err)
	require.NoError(t, b.GatherCandidates())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"bob|candidate:local"}, seen)
}
