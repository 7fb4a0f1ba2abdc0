package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestScheduler() *Scheduler {
	return New(Config{
		VenusHost:       "cn.stratum.slushpool.com",
		VenusPort:       443,
		VenusWorkerName: "rayraycoin.v2",
	})
}

func TestDialTargetFollowsPhase(t *testing.T) {
	s := newTestScheduler()

	host, port := s.DialTarget("pool.example.com", 3333)
	require.Equal(t, "pool.example.com", host)
	require.EqualValues(t, 3333, port)

	for i := 0; i < 6; i++ {
		s.ObserveNotify()
	}
	require.Equal(t, Venus, s.Phase())

	host, port = s.DialTarget("pool.example.com", 3333)
	require.Equal(t, "cn.stratum.slushpool.com", host)
	require.EqualValues(t, 443, port)
}

func TestObserveNotifyFlipDeterminism(t *testing.T) {
	s := newTestScheduler()
	require.Equal(t, Real, s.Phase())

	for i := 0; i < 5; i++ {
		require.False(t, s.ObserveNotify())
	}
	require.True(t, s.ObserveNotify())
	require.Equal(t, Venus, s.Phase())

	for i := 0; i < 3; i++ {
		require.False(t, s.ObserveNotify())
	}
	require.True(t, s.ObserveNotify())
	require.Equal(t, Real, s.Phase())
}

func TestObserveNotifyMITMPreservesRealPhaseBug(t *testing.T) {
	s := newTestScheduler()
	require.Equal(t, Real, s.Phase())

	for i := 0; i < 100; i++ {
		flipped := s.ObserveNotifyMITM()
		require.False(t, flipped, "real-phase flip should never trigger while venusNotifyCount stays at zero")
	}
	require.Equal(t, Real, s.Phase())
}

func TestObserveNotifyMITMVenusPhaseIsCorrect(t *testing.T) {
	s := newTestScheduler()
	for i := 0; i < 6; i++ {
		s.ObserveNotify()
	}
	require.Equal(t, Venus, s.Phase())

	for i := 0; i < 3; i++ {
		require.False(t, s.ObserveNotifyMITM())
	}
	require.True(t, s.ObserveNotifyMITM())
	require.Equal(t, Real, s.Phase())
}

func TestCachedSubscribeReplyTruncation(t *testing.T) {
	s := newTestScheduler()
	big := make([]byte, maxSubscribeReply+100)
	for i := range big {
		big[i] = 'a'
	}
	s.CacheSubscribeReply(Real, big)
	got, ok := s.SubscribeReply(Real)
	require.True(t, ok)
	require.Len(t, got, maxSubscribeReply)

	_, ok = s.SubscribeReply(Venus)
	require.False(t, ok)
}

func TestCachedNotifyAndDifficultyRoundTrip(t *testing.T) {
	s := newTestScheduler()
	s.CacheNotify(Venus, []byte(`{"method":"mining.notify"}`))
	got, ok := s.Notify(Venus)
	require.True(t, ok)
	require.Equal(t, `{"method":"mining.notify"}`, string(got))

	s.CacheDifficulty(Real, []byte(`16384`))
	diff, ok := s.Difficulty(Real)
	require.True(t, ok)
	require.Equal(t, `16384`, string(diff))
}

func TestResultTrueMessageSubstitutesID(t *testing.T) {
	out := ResultTrueMessage([]byte("7"))
	require.Contains(t, string(out), `"id": 7`)
	require.NotContains(t, string(out), "REPLACE_PATTERN")
}

func TestSetDifficultyMessageSubstitutesParams(t *testing.T) {
	out := SetDifficultyMessage([]byte("16384"))
	require.Contains(t, string(out), `"params": [16384]`)
}

func TestSnapshotReportsPhaseAndCaches(t *testing.T) {
	s := newTestScheduler()
	s.CacheNotify(Real, []byte("x"))
	snap := s.Snapshot()
	require.Equal(t, "real", snap.Phase)
	require.True(t, snap.HasRealNotify)
	require.False(t, snap.HasVenusNotify)
}

func TestDialGuardMutualExclusion(t *testing.T) {
	g := NewDialGuard()
	require.True(t, g.Acquire(context.Background(), 1, time.Millisecond))

	acquired := g.Acquire(context.Background(), 2, 10*time.Millisecond)
	require.False(t, acquired, "guard should still be held")

	g.Release()
	require.True(t, g.Acquire(context.Background(), 1, time.Millisecond))
	g.Release()
}

func TestDialGuardContextCancellation(t *testing.T) {
	g := NewDialGuard()
	require.True(t, g.Acquire(context.Background(), 1, time.Millisecond))
	defer g.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, g.Acquire(ctx, 5, time.Second))
}
